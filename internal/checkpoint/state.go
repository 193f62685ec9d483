// Package checkpoint tracks where a thread's agent loop stands: which tool
// calls an ai turn requested and which of them still await a result. The
// state is persisted by the conversation store as an opaque compressed blob;
// nothing outside the store and the loop looks inside it.
package checkpoint

import (
	"errors"
	"fmt"
	"slices"
	"time"
)

// Version is the encoding version written into every state.
const Version = 1

// ErrNotPending is returned when a tool result names a call id that no
// prior ai turn requested, or that was already resolved.
var ErrNotPending = errors.New("tool call not pending")

// PendingCall is a tool call requested by an ai turn whose result has not
// been appended yet.
type PendingCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// State is the resumable position of one thread.
type State struct {
	Version       int           `json:"version"`
	Step          int           `json:"step"`
	Pending       []PendingCall `json:"pending_calls,omitempty"`
	LastMessageID string        `json:"last_message_id,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// RequestTools records an ai turn that asked for calls. Any calls left
// over from an earlier turn are replaced.
func (s *State) RequestTools(messageID string, calls []PendingCall, now time.Time) {
	s.Pending = slices.Clone(calls)
	s.advance(messageID, now)
}

// ResolveTool records the result for callID. It fails with ErrNotPending
// when callID is not outstanding, leaving the state unchanged.
func (s *State) ResolveTool(messageID, callID string, now time.Time) error {
	i := slices.IndexFunc(s.Pending, func(p PendingCall) bool { return p.ID == callID })
	if i < 0 {
		return fmt.Errorf("%w: %q", ErrNotPending, callID)
	}
	s.Pending = slices.Delete(s.Pending, i, i+1)
	s.advance(messageID, now)
	return nil
}

// Settle records a human turn or a terminal ai turn. Nothing is pending
// afterwards.
func (s *State) Settle(messageID string, now time.Time) {
	s.Pending = nil
	s.advance(messageID, now)
}

// Clone returns a deep copy.
func (s State) Clone() State {
	s.Pending = slices.Clone(s.Pending)
	return s
}

func (s *State) advance(messageID string, now time.Time) {
	s.Version = Version
	s.Step++
	s.LastMessageID = messageID
	s.UpdatedAt = now.UTC()
}
