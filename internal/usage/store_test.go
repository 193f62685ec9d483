package usage

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "usage_test.db")
	s, err := NewStore(dbPath)
	if err != nil {
		t.Fatalf("NewStore(%q): %v", dbPath, err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecord_ThreadSummary(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	recs := []Record{
		{ThreadID: "t1", Model: "gpt-4o", Source: SourceReasoning, InputTokens: 1000, OutputTokens: 120},
		{ThreadID: "t1", Model: "gpt-4o", Source: SourceClassifier, InputTokens: 300, OutputTokens: 40},
		{ThreadID: "t2", Model: "gpt-4o", Source: SourceReasoning, InputTokens: 50, OutputTokens: 5},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	sum, err := s.ThreadSummary(ctx, "t1")
	if err != nil {
		t.Fatalf("ThreadSummary: %v", err)
	}
	if sum.Calls != 2 || sum.InputTokens != 1300 || sum.OutputTokens != 160 {
		t.Errorf("t1 summary = %+v", sum)
	}

	empty, err := s.ThreadSummary(ctx, "never-seen")
	if err != nil {
		t.Fatalf("ThreadSummary: %v", err)
	}
	if *empty != (Summary{}) {
		t.Errorf("unknown thread summary = %+v, want zero", empty)
	}
}

func TestSummaryBySource_Window(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	recs := []Record{
		{Timestamp: now.Add(-2 * time.Hour), Model: "gpt-4o", Source: SourceReasoning, InputTokens: 10, OutputTokens: 1},
		{Timestamp: now.Add(-time.Minute), Model: "gpt-4o", Source: SourceReasoning, InputTokens: 20, OutputTokens: 2},
		{Timestamp: now.Add(-time.Minute + 500*time.Millisecond), Model: "gpt-4o", Source: SourceExtractor, InputTokens: 30, OutputTokens: 3},
		{Timestamp: now, Model: "gpt-4o", Source: SourceReasoning, InputTokens: 40, OutputTokens: 4},
	}
	for _, r := range recs {
		if err := s.Record(ctx, r); err != nil {
			t.Fatalf("Record: %v", err)
		}
	}

	got, err := s.SummaryBySource(ctx, now.Add(-time.Hour), now)
	if err != nil {
		t.Fatalf("SummaryBySource: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("sources = %v, want reasoning and extractor", got)
	}
	if r := got[SourceReasoning]; r.Calls != 1 || r.InputTokens != 20 {
		t.Errorf("reasoning = %+v", r)
	}
	if e := got[SourceExtractor]; e.Calls != 1 || e.OutputTokens != 3 {
		t.Errorf("extractor = %+v", e)
	}
}

func TestRecord_GeneratesID(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for range 2 {
		if err := s.Record(ctx, Record{Model: "gpt-4o", Source: SourceReasoning}); err != nil {
			t.Fatalf("Record without ID: %v", err)
		}
	}
	if err := s.Record(ctx, Record{ID: "fixed", Model: "gpt-4o", Source: SourceReasoning}); err != nil {
		t.Fatal(err)
	}
	if err := s.Record(ctx, Record{ID: "fixed", Model: "gpt-4o", Source: SourceReasoning}); err == nil {
		t.Error("duplicate ID accepted")
	}
}
