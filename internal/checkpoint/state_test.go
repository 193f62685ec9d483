package checkpoint

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestState_Lifecycle(t *testing.T) {
	var s State

	s.Settle("m1", t0)
	if s.Step != 1 || s.LastMessageID != "m1" || s.Version != Version {
		t.Fatalf("after human turn: %+v", s)
	}

	s.RequestTools("m2", []PendingCall{
		{ID: "call_a", Name: "classify_ticket"},
		{ID: "call_b", Name: "query_historical"},
	}, t0.Add(time.Second))
	if got := pendingIDs(s); got != "call_a,call_b" {
		t.Fatalf("pending = %+v", s.Pending)
	}

	if err := s.ResolveTool("m3", "call_b", t0.Add(2*time.Second)); err != nil {
		t.Fatalf("ResolveTool(call_b): %v", err)
	}
	if got := pendingIDs(s); got != "call_a" {
		t.Fatalf("pending after resolve = %+v", s.Pending)
	}

	if err := s.ResolveTool("m4", "call_b", t0.Add(3*time.Second)); !errors.Is(err, ErrNotPending) {
		t.Fatalf("second resolve err = %v, want ErrNotPending", err)
	}
	if s.Step != 3 || s.LastMessageID != "m3" {
		t.Errorf("failed resolve mutated state: %+v", s)
	}

	s.Settle("m5", t0.Add(4*time.Second))
	if len(s.Pending) != 0 {
		t.Errorf("pending after settle = %+v", s.Pending)
	}
	if !s.UpdatedAt.Equal(t0.Add(4 * time.Second)) {
		t.Errorf("updated_at = %v", s.UpdatedAt)
	}
}

func TestState_CloneIsDeep(t *testing.T) {
	var s State
	s.RequestTools("m1", []PendingCall{{ID: "a"}}, t0)

	c := s.Clone()
	c.Pending[0].ID = "changed"
	if s.Pending[0].ID != "a" {
		t.Error("Clone shares the pending slice")
	}
}

func TestCodec_RoundTripPending(t *testing.T) {
	var s State
	s.RequestTools("m1", []PendingCall{{ID: "call_1", Name: "search_knowledge", Arguments: `{"query":"vpn"}`}}, t0)

	blob, err := Encode(s)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	got, err := Decode(blob)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if len(got.Pending) != 1 || got.Pending[0] != s.Pending[0] {
		t.Errorf("pending = %+v, want %+v", got.Pending, s.Pending)
	}
	if got.Step != 1 || got.LastMessageID != "m1" {
		t.Errorf("decoded = %+v", got)
	}
}

func TestDecode_Edges(t *testing.T) {
	if s, err := Decode(nil); err != nil || s.Step != 0 || s.Pending != nil {
		t.Errorf("Decode(nil) = %+v, %v", s, err)
	}
	if _, err := Decode([]byte("not gzip")); err == nil {
		t.Error("Decode of garbage should fail")
	}

	future, err := Encode(State{Version: Version + 1})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decode(future); err == nil {
		t.Error("Decode of a newer version should fail")
	}
}

func pendingIDs(s State) string {
	ids := make([]string, len(s.Pending))
	for i, p := range s.Pending {
		ids[i] = p.ID
	}
	return strings.Join(ids, ",")
}
