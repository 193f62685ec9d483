package memory

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/nugget/triage-agent/internal/checkpoint"
)

// InMemoryStore keeps threads in process memory. It satisfies the Store
// contract except durability: everything is lost on restart. It is the
// degraded mode used when no durable backend is configured.
type InMemoryStore struct {
	mu      sync.RWMutex
	threads map[string]*memThread
	now     func() time.Time
}

type memThread struct {
	messages []Message
	ids      map[string]struct{}
	state    checkpoint.State
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		threads: make(map[string]*memThread),
		now:     time.Now,
	}
}

// Setup is a no-op.
func (s *InMemoryStore) Setup(context.Context) error { return nil }

// Append implements Store.
func (s *InMemoryStore) Append(_ context.Context, threadID string, msg Message) (Message, error) {
	now := s.now()
	msg, err := prepare(threadID, msg, now)
	if err != nil {
		return Message{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	th := s.threads[threadID]
	if th == nil {
		th = &memThread{ids: make(map[string]struct{})}
	}
	if _, dup := th.ids[msg.ID]; dup {
		return Message{}, duplicateErr(msg.ID)
	}

	state := th.state.Clone()
	if err := advance(&state, msg, now); err != nil {
		return Message{}, err
	}

	msg.ToolCalls = slices.Clone(msg.ToolCalls)
	th.messages = append(th.messages, msg)
	th.ids[msg.ID] = struct{}{}
	th.state = state
	s.threads[threadID] = th
	return msg, nil
}

// LoadCheckpoint implements Store.
func (s *InMemoryStore) LoadCheckpoint(_ context.Context, threadID string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cp := &Checkpoint{ThreadID: threadID, Messages: []Message{}}
	th := s.threads[threadID]
	if th == nil {
		return cp, nil
	}
	for _, m := range th.messages {
		m.ToolCalls = slices.Clone(m.ToolCalls)
		cp.Messages = append(cp.Messages, m)
	}
	cp.State = th.state.Clone()
	return cp, nil
}

// Close is a no-op.
func (s *InMemoryStore) Close() error { return nil }
