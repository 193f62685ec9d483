package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/prompts"
)

// Runner executes one human turn. *agent.Loop satisfies it.
type Runner interface {
	Run(ctx context.Context, req agent.Request) (*agent.Result, error)
}

// Request is a ticket submitted for analysis.
type Request struct {
	ThreadID    string `json:"threadId"`
	TicketText  string `json:"ticketText"`
	RequesterID string `json:"requesterId,omitempty"`
}

// Analyzer runs a ticket through the agent loop and synthesizes the
// terminal answer.
type Analyzer struct {
	runner Runner
	logger *slog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer over runner.
func NewAnalyzer(runner Runner, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{runner: runner, logger: logger, now: time.Now}
}

// Analyze runs the ticket and returns its analysis. Errors come only from
// input validation and the loop; synthesis always produces a result.
func (a *Analyzer) Analyze(ctx context.Context, req Request) (*Result, error) {
	if strings.TrimSpace(req.TicketText) == "" {
		return nil, fmt.Errorf("%w: ticketText is required", agent.ErrInvalidRequest)
	}
	start := a.now()

	run, err := a.runner.Run(ctx, agent.Request{
		ThreadID: req.ThreadID,
		Content:  prompts.AnalyzeRequest(req.TicketText),
	})
	if err != nil {
		return nil, err
	}

	res := Synthesize(run.Final.Content)
	if res.Degraded {
		a.logger.Warn("could not parse structured JSON from agent response",
			"thread", run.ThreadID,
			"raw_len", len(run.Final.Content),
		)
	}
	if len(res.ToolsUsed) == 0 && !res.Degraded && len(run.ToolsUsed) > 0 {
		res.ToolsUsed = append([]string(nil), run.ToolsUsed...)
	}
	res.ThreadID = run.ThreadID
	res.ProcessingTimeMS = a.now().Sub(start).Milliseconds()

	a.logger.Info("ticket analyzed",
		"thread", run.ThreadID,
		"requester", req.RequesterID,
		"iterations", run.Iterations,
		"degraded", res.Degraded,
		"complexity", res.ComplexityAssessment,
		"elapsed_ms", res.ProcessingTimeMS,
	)
	return &res, nil
}
