package agent

import "github.com/nugget/triage-agent/internal/memory"

// ChunkKind tags a [Chunk]. The producer decides the kind; consumers never
// inspect message shape to guess it.
type ChunkKind int

const (
	// ChunkToken is an incremental piece of ai content.
	ChunkToken ChunkKind = iota

	// ChunkToolCall is a completed ai message that requested tools.
	ChunkToolCall

	// ChunkToolResult is a completed tool message.
	ChunkToolResult

	// ChunkFinal is the terminal ai message of the run.
	ChunkFinal
)

func (k ChunkKind) String() string {
	switch k {
	case ChunkToken:
		return "token"
	case ChunkToolCall:
		return "tool_call"
	case ChunkToolResult:
		return "tool_result"
	case ChunkFinal:
		return "final"
	}
	return "unknown"
}

// Chunk is one unit of streamed progress.
type Chunk struct {
	Kind     ChunkKind
	ThreadID string

	// MessageID identifies the message the chunk belongs to. Tokens carry
	// the id the ai message is stored under once complete.
	MessageID string

	// Token is set for ChunkToken.
	Token string

	// Message is the stored message for every kind except ChunkToken.
	Message memory.Message

	// Streamed is set on ChunkFinal when its content was already delivered
	// as tokens.
	Streamed bool
}

// Emitter receives chunks synchronously from the loop goroutine.
type Emitter func(Chunk)
