package analysis

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/memory"
)

type fakeRunner struct {
	got    agent.Request
	result *agent.Result
	err    error
}

func (f *fakeRunner) Run(_ context.Context, req agent.Request) (*agent.Result, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func testAnalyzer(r Runner) *Analyzer {
	a := NewAnalyzer(r, slog.New(slog.NewTextHandler(io.Discard, nil)))
	tick := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a.now = func() time.Time {
		tick = tick.Add(250 * time.Millisecond)
		return tick
	}
	return a
}

func TestAnalyze(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{
		ThreadID:  "t1",
		Final:     memory.Message{Role: memory.RoleAI, Content: `{"complexity_assessment":"simple"}`},
		ToolsUsed: []string{"classify_ticket"},
	}}

	res, err := testAnalyzer(runner).Analyze(context.Background(), Request{ThreadID: "t1", TicketText: "Outlook crashes"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if runner.got.ThreadID != "t1" || !strings.HasPrefix(runner.got.Content, "Analyze this support ticket") ||
		!strings.HasSuffix(runner.got.Content, "Outlook crashes") {
		t.Errorf("runner request = %+v", runner.got)
	}
	if res.ThreadID != "t1" || res.ComplexityAssessment != "simple" || res.ProcessingTimeMS != 250 {
		t.Errorf("result = %+v", res)
	}
	if len(res.ToolsUsed) != 1 || res.ToolsUsed[0] != "classify_ticket" {
		t.Errorf("tools_used = %v, want loop's tools when the model omits them", res.ToolsUsed)
	}
}

func TestAnalyze_DegradedKeepsEmptyTools(t *testing.T) {
	runner := &fakeRunner{result: &agent.Result{
		ThreadID:  "t1",
		Final:     memory.Message{Role: memory.RoleAI, Content: "free text"},
		ToolsUsed: []string{"classify_ticket"},
	}}

	res, err := testAnalyzer(runner).Analyze(context.Background(), Request{ThreadID: "t1", TicketText: "x"})
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if !res.Degraded || len(res.ToolsUsed) != 0 || res.Recommendations.Summary != "free text" {
		t.Errorf("result = %+v", res)
	}
}

func TestAnalyze_Errors(t *testing.T) {
	if _, err := testAnalyzer(&fakeRunner{}).Analyze(context.Background(), Request{ThreadID: "t1"}); !errors.Is(err, agent.ErrInvalidRequest) {
		t.Errorf("empty ticket: err = %v", err)
	}

	boom := &agent.ReasoningError{Iteration: 1, Err: errors.New("503")}
	_, err := testAnalyzer(&fakeRunner{err: boom}).Analyze(context.Background(), Request{ThreadID: "t1", TicketText: "x"})
	if !errors.Is(err, agent.ErrReasoningUnavailable) {
		t.Errorf("reasoning failure: err = %v", err)
	}
}
