// Package memory provides the durable, thread-scoped conversation store.
//
// A thread is an ordered, append-only log of human, ai and tool messages
// plus an opaque checkpoint recording which tool calls are still
// outstanding. Three backends share one contract: SQLite (default),
// Pebble, and an in-process map that does not survive a restart.
package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/triage-agent/internal/checkpoint"
)

// Message roles.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
	RoleTool  = "tool"
)

var (
	// ErrOrphanToolResult is returned when a tool message names a call id
	// that no earlier ai message in the thread has outstanding.
	ErrOrphanToolResult = errors.New("tool result does not answer a pending tool call")

	// ErrInvalidMessage is returned for messages that fail validation
	// before anything is written.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrStoreUnavailable matches every failure of the underlying storage
	// engine. See [StoreError].
	ErrStoreUnavailable = errors.New("conversation store unavailable")
)

// StoreError wraps a storage engine failure. It matches
// ErrStoreUnavailable under errors.Is.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return "conversation store: " + e.Op + ": " + e.Err.Error()
}

func (e *StoreError) Unwrap() error { return e.Err }

// Is reports whether target is ErrStoreUnavailable.
func (e *StoreError) Is(target error) bool { return target == ErrStoreUnavailable }

func storeErr(op string, err error) error {
	return &StoreError{Op: op, Err: err}
}

// ToolCall is one call requested by an ai message.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Message is one turn in a thread.
type Message struct {
	ID         string     `json:"id"`
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolName   string     `json:"tool_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Checkpoint is everything needed to resume a thread.
type Checkpoint struct {
	ThreadID string
	Messages []Message
	State    checkpoint.State
}

// Pending returns the tool calls requested by the last ai turn that have no
// result yet.
func (c *Checkpoint) Pending() []checkpoint.PendingCall {
	return c.State.Pending
}

// Store is the conversation store contract.
type Store interface {
	// Setup prepares the backing storage. It is idempotent.
	Setup(ctx context.Context) error

	// Append validates msg against the thread's checkpoint and writes the
	// message and the advanced checkpoint atomically. Threads are created
	// on first append. A missing ID or CreatedAt is filled in and the
	// stored message is returned.
	Append(ctx context.Context, threadID string, msg Message) (Message, error)

	// LoadCheckpoint returns the ordered messages and checkpoint of a
	// thread. An unknown thread yields an empty checkpoint, not an error.
	LoadCheckpoint(ctx context.Context, threadID string) (*Checkpoint, error)

	Close() error
}

// prepare validates msg and fills in its identity.
func prepare(threadID string, msg Message, now time.Time) (Message, error) {
	if threadID == "" {
		return msg, fmt.Errorf("%w: empty thread id", ErrInvalidMessage)
	}
	switch msg.Role {
	case RoleHuman:
	case RoleAI:
		for _, tc := range msg.ToolCalls {
			if tc.ID == "" || tc.Name == "" {
				return msg, fmt.Errorf("%w: tool call without id or name", ErrInvalidMessage)
			}
		}
	case RoleTool:
		if msg.ToolCallID == "" {
			return msg, fmt.Errorf("%w: tool message without tool call id", ErrInvalidMessage)
		}
	default:
		return msg, fmt.Errorf("%w: unknown role %q", ErrInvalidMessage, msg.Role)
	}
	if msg.Role != RoleAI && len(msg.ToolCalls) > 0 {
		return msg, fmt.Errorf("%w: only ai messages carry tool calls", ErrInvalidMessage)
	}

	if msg.ID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return msg, fmt.Errorf("generate message id: %w", err)
		}
		msg.ID = id.String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = now
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	return msg, nil
}

// advance moves the checkpoint past msg.
func advance(state *checkpoint.State, msg Message, now time.Time) error {
	switch {
	case msg.Role == RoleTool:
		if err := state.ResolveTool(msg.ID, msg.ToolCallID, now); err != nil {
			return fmt.Errorf("%w: %q", ErrOrphanToolResult, msg.ToolCallID)
		}
	case msg.Role == RoleAI && len(msg.ToolCalls) > 0:
		calls := make([]checkpoint.PendingCall, len(msg.ToolCalls))
		for i, tc := range msg.ToolCalls {
			calls[i] = checkpoint.PendingCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments}
		}
		state.RequestTools(msg.ID, calls, now)
	default:
		state.Settle(msg.ID, now)
	}
	return nil
}

func duplicateErr(id string) error {
	return fmt.Errorf("%w: duplicate message id %q", ErrInvalidMessage, id)
}
