package llm

import (
	"log/slog"
)

// LevelTrace is below Debug, used for wire-level payload logging.
const LevelTrace = slog.Level(-8)

// Chat roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall is a function call requested by the model. Arguments is the raw
// JSON object text as produced by the model; it is not guaranteed to be
// valid.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ChatResponse is the provider-neutral result of one reasoning call.
type ChatResponse struct {
	Model        string
	Message      Message
	FinishReason string

	InputTokens  int
	OutputTokens int
}

// StreamEvent represents a single event in a streaming response.
type StreamEvent struct {
	Kind StreamEventKind

	// Token is set for KindToken events.
	Token string

	// Response is set for KindDone events.
	Response *ChatResponse
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindToken is an incremental text token from the model.
	KindToken StreamEventKind = iota

	// KindDone signals the stream is complete.
	KindDone
)

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)
