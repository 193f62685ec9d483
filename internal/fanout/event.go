// Package fanout broadcasts per-thread stream events to any number of
// subscribers. Delivery is at-most-once with no replay: a subscriber sees
// only events published after it subscribed, and a slow subscriber drops
// events rather than blocking the publisher.
package fanout

import (
	"encoding/json"
	"fmt"

	"github.com/nugget/triage-agent/internal/memory"
)

// Event types.
const (
	TypeMessage = "message"
	TypeDone    = "done"
	TypeError   = "error"
)

// ChannelName returns the broadcast channel for a thread.
func ChannelName(threadID string) string {
	return "agent-stream:" + threadID
}

// Event is one stream event. Data is a [MessageData] for message events,
// an [ErrorData] for error events and an empty object for done. RunID
// names the run that produced the event.
type Event struct {
	Type  string `json:"type"`
	RunID string `json:"runId,omitempty"`
	Data  any    `json:"data"`
}

// MessageData carries a completed message or a token delta of one.
type MessageData struct {
	ID         string            `json:"id"`
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []memory.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
	ToolName   string            `json:"tool_name,omitempty"`
}

// ErrorData describes why a stream ended early.
type ErrorData struct {
	Message string `json:"message"`
}

// MessageEvent builds a message event.
func MessageEvent(d MessageData) Event {
	return Event{Type: TypeMessage, Data: d}
}

// DoneEvent builds the terminal success event.
func DoneEvent() Event {
	return Event{Type: TypeDone, Data: struct{}{}}
}

// ErrorEvent builds the terminal failure event.
func ErrorEvent(msg string) Event {
	return Event{Type: TypeError, Data: ErrorData{Message: msg}}
}

// Terminal reports whether the event ends a stream.
func (e Event) Terminal() bool {
	return e.Type == TypeDone || e.Type == TypeError
}

// UnmarshalJSON decodes Data into the concrete type for Type.
func (e *Event) UnmarshalJSON(b []byte) error {
	var wire struct {
		Type  string          `json:"type"`
		RunID string          `json:"runId"`
		Data  json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}

	e.Type = wire.Type
	e.RunID = wire.RunID
	switch wire.Type {
	case TypeMessage:
		var d MessageData
		if err := unmarshalData(wire.Data, &d); err != nil {
			return err
		}
		e.Data = d
	case TypeError:
		var d ErrorData
		if err := unmarshalData(wire.Data, &d); err != nil {
			return err
		}
		e.Data = d
	case TypeDone:
		e.Data = struct{}{}
	default:
		return fmt.Errorf("unknown event type %q", wire.Type)
	}
	return nil
}

func unmarshalData(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode event data: %w", err)
	}
	return nil
}
