package fanout

import (
	"context"
	"errors"
	"iter"
	"log/slog"
	"sync"

	"github.com/nugget/triage-agent/internal/metrics"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 256

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("fanout: broker closed")

// Broker publishes events to named channels and hands out subscriptions.
// Implementations are safe for concurrent use.
type Broker interface {
	Publish(ctx context.Context, channel string, ev Event) error
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	// SubscriberCount returns the number of local subscribers on channel.
	SubscriberCount(channel string) int
	Close() error
}

// Hub is the in-process [Broker]. Each subscriber owns a buffered queue;
// a full queue drops the event for that subscriber only.
type Hub struct {
	mu       sync.RWMutex
	channels map[string]map[*Subscription]struct{}
	closed   bool

	bufSize int
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewHub creates a hub. bufSize <= 0 uses DefaultBufferSize; m may be nil.
func NewHub(bufSize int, m *metrics.Metrics, logger *slog.Logger) *Hub {
	if bufSize <= 0 {
		bufSize = DefaultBufferSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		channels: make(map[string]map[*Subscription]struct{}),
		bufSize:  bufSize,
		metrics:  m,
		logger:   logger,
	}
}

// Publish delivers ev to every current subscriber of channel without
// blocking. Publishing to a channel nobody listens on is not an error.
// Safe to call on a nil receiver (no-op).
func (h *Hub) Publish(_ context.Context, channel string, ev Event) error {
	if h == nil {
		return nil
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}

	h.metrics.EventPublished(ev.Type)
	for sub := range h.channels[channel] {
		if !sub.deliver(ev) {
			h.metrics.EventDropped()
			h.logger.Debug("stream event dropped for slow subscriber",
				"channel", channel,
				"type", ev.Type,
			)
		}
	}
	return nil
}

// Subscribe attaches a new subscriber to channel. The caller must Close
// the subscription when done with it.
func (h *Hub) Subscribe(_ context.Context, channel string) (*Subscription, error) {
	sub := &Subscription{
		ch:      make(chan Event, h.bufSize),
		channel: channel,
		hub:     h,
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}
	subs := h.channels[channel]
	if subs == nil {
		subs = make(map[*Subscription]struct{})
		h.channels[channel] = subs
	}
	subs[sub] = struct{}{}
	h.metrics.SubscriberAdded()
	return sub, nil
}

// SubscriberCount returns the number of subscribers on channel.
func (h *Hub) SubscriberCount(channel string) int {
	if h == nil {
		return 0
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}

// Close ends every subscription. Later calls to Publish or Subscribe
// return ErrClosed.
func (h *Hub) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	var subs []*Subscription
	for _, set := range h.channels {
		for sub := range set {
			subs = append(subs, sub)
		}
	}
	h.channels = make(map[string]map[*Subscription]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		h.metrics.SubscriberRemoved()
		sub.shutdown()
	}
	return nil
}

func (h *Hub) remove(sub *Subscription) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs, ok := h.channels[sub.channel]
	if !ok {
		return false
	}
	if _, ok := subs[sub]; !ok {
		return false
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.channels, sub.channel)
	}
	return true
}

// Subscription is one subscriber's view of a channel.
type Subscription struct {
	mu      sync.Mutex
	ch      chan Event
	closed  bool
	channel string
	hub     *Hub
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() string { return s.channel }

// C returns the raw event queue. It is closed when the subscription is.
func (s *Subscription) C() <-chan Event { return s.ch }

// Events returns a lazy sequence of events that ends after the first
// terminal event, or when the subscription is closed.
func (s *Subscription) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for ev := range s.ch {
			if !yield(ev) || ev.Terminal() {
				return
			}
		}
	}
}

// Close detaches the subscriber and closes its queue. Safe to call more
// than once.
func (s *Subscription) Close() {
	if s.hub.remove(s) {
		s.hub.metrics.SubscriberRemoved()
	}
	s.shutdown()
}

// shutdown closes the queue without touching the hub's channel map.
func (s *Subscription) shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// deliver enqueues ev without blocking and reports whether it was queued.
// A terminal event displaces the oldest queued event when the queue is
// full so that a lagging subscriber still sees its stream end.
func (s *Subscription) deliver(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- ev:
		return true
	default:
	}
	if !ev.Terminal() {
		return false
	}
	select {
	case <-s.ch:
	default:
	}
	select {
	case s.ch <- ev:
	default:
	}
	return false
}
