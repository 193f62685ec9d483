package fanout

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/nugget/triage-agent/internal/metrics"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func recv(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C():
		if !ok {
			t.Fatal("subscription closed")
		}
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

func TestNilHubPublish(t *testing.T) {
	var h *Hub
	if err := h.Publish(context.Background(), "c", DoneEvent()); err != nil {
		t.Errorf("Publish on nil hub = %v", err)
	}
	if got := h.SubscriberCount("c"); got != 0 {
		t.Errorf("SubscriberCount() on nil hub = %d, want 0", got)
	}
}

func TestHub_ChannelsAreIsolated(t *testing.T) {
	h := NewHub(8, nil, quietLogger())
	ctx := context.Background()

	a, _ := h.Subscribe(ctx, ChannelName("a"))
	defer a.Close()
	b, _ := h.Subscribe(ctx, ChannelName("b"))
	defer b.Close()

	_ = h.Publish(ctx, ChannelName("a"), MessageEvent(MessageData{ID: "m1", Role: "ai", Content: "hi"}))

	got := recv(t, a)
	if d := got.Data.(MessageData); d.ID != "m1" || d.Content != "hi" {
		t.Errorf("got %+v", got)
	}
	select {
	case ev := <-b.C():
		t.Errorf("channel b received %+v", ev)
	default:
	}
}

func TestHub_MultipleSubscribersAndNoReplay(t *testing.T) {
	h := NewHub(8, nil, quietLogger())
	ctx := context.Background()
	ch := ChannelName("t1")

	_ = h.Publish(ctx, ch, MessageEvent(MessageData{ID: "early"}))

	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i], _ = h.Subscribe(ctx, ch)
		defer subs[i].Close()
	}
	_ = h.Publish(ctx, ch, MessageEvent(MessageData{ID: "late"}))

	for i, sub := range subs {
		if got := recv(t, sub).Data.(MessageData).ID; got != "late" {
			t.Errorf("subscriber %d got %q, want late (no replay)", i, got)
		}
	}
}

func TestHub_DropOnFullKeepsTerminal(t *testing.T) {
	m := metrics.New()
	h := NewHub(2, m, quietLogger())
	ctx := context.Background()
	sub, _ := h.Subscribe(ctx, "c")
	defer sub.Close()

	for i := range 4 {
		_ = h.Publish(ctx, "c", MessageEvent(MessageData{ID: string(rune('a' + i))}))
	}
	_ = h.Publish(ctx, "c", DoneEvent())

	var got []string
	for ev := range sub.Events() {
		if ev.Type == TypeMessage {
			got = append(got, ev.Data.(MessageData).ID)
		} else {
			got = append(got, ev.Type)
		}
	}
	if strings.Join(got, ",") != "b,done" {
		t.Errorf("events = %v, want [b done]", got)
	}
}

func TestSubscription_EventsStopsAfterTerminal(t *testing.T) {
	for _, terminal := range []Event{DoneEvent(), ErrorEvent("boom")} {
		t.Run(terminal.Type, func(t *testing.T) {
			h := NewHub(8, nil, quietLogger())
			ctx := context.Background()
			sub, _ := h.Subscribe(ctx, "c")
			defer sub.Close()

			_ = h.Publish(ctx, "c", MessageEvent(MessageData{ID: "1"}))
			_ = h.Publish(ctx, "c", terminal)
			_ = h.Publish(ctx, "c", MessageEvent(MessageData{ID: "after"}))

			var types []string
			for ev := range sub.Events() {
				types = append(types, ev.Type)
			}
			if strings.Join(types, ",") != "message,"+terminal.Type {
				t.Errorf("types = %v", types)
			}
		})
	}
}

func TestSubscription_CloseEndsSequence(t *testing.T) {
	h := NewHub(8, nil, quietLogger())
	sub, _ := h.Subscribe(context.Background(), "c")

	done := make(chan struct{})
	go func() {
		defer close(done)
		for range sub.Events() {
		}
	}()

	sub.Close()
	sub.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Events did not end after Close")
	}
	if h.SubscriberCount("c") != 0 {
		t.Errorf("SubscriberCount = %d after Close", h.SubscriberCount("c"))
	}
	_ = h.Publish(context.Background(), "c", DoneEvent())
}

func TestHub_Close(t *testing.T) {
	m := metrics.New()
	h := NewHub(8, m, quietLogger())
	ctx := context.Background()
	sub, _ := h.Subscribe(ctx, "c")

	if err := h.Close(); err != nil {
		t.Fatal(err)
	}
	if _, ok := <-sub.C(); ok {
		t.Error("subscription still open after hub Close")
	}
	sub.Close()

	if err := h.Publish(ctx, "c", DoneEvent()); !errors.Is(err, ErrClosed) {
		t.Errorf("Publish after Close = %v", err)
	}
	if _, err := h.Subscribe(ctx, "c"); !errors.Is(err, ErrClosed) {
		t.Errorf("Subscribe after Close = %v", err)
	}
}

func TestHub_ConcurrentPublishSubscribe(t *testing.T) {
	h := NewHub(4, nil, quietLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for range 50 {
				_ = h.Publish(ctx, ChannelName(string(rune('a'+i%2))), MessageEvent(MessageData{ID: "x"}))
			}
		}()
		go func() {
			defer wg.Done()
			sub, err := h.Subscribe(ctx, ChannelName(string(rune('a'+i%2))))
			if err != nil {
				t.Error(err)
				return
			}
			time.Sleep(time.Millisecond)
			sub.Close()
		}()
	}
	wg.Wait()

	if n := h.SubscriberCount(ChannelName("a")) + h.SubscriberCount(ChannelName("b")); n != 0 {
		t.Errorf("leaked %d subscribers", n)
	}
}

func TestHub_Metrics(t *testing.T) {
	m := metrics.New()
	h := NewHub(1, m, quietLogger())
	ctx := context.Background()
	sub, _ := h.Subscribe(ctx, "c")

	_ = h.Publish(ctx, "c", MessageEvent(MessageData{ID: "1"}))
	_ = h.Publish(ctx, "c", MessageEvent(MessageData{ID: "2"}))
	sub.Close()

	want := `
# HELP triage_stream_events_dropped_total Stream events dropped because a subscriber queue was full.
# TYPE triage_stream_events_dropped_total counter
triage_stream_events_dropped_total 1
`
	if err := testutil.GatherAndCompare(m.Gatherer(), strings.NewReader(want), "triage_stream_events_dropped_total"); err != nil {
		t.Error(err)
	}
}
