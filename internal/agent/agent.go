// Package agent runs the tool-orchestrating reasoning loop over a durable
// conversation thread.
//
// One run appends the human turn, then alternates reasoning calls and
// tool dispatch until the model answers without requesting tools or the
// iteration cap is reached. Every message is appended to the store before
// the loop proceeds, so a crash leaves the thread at its last good message
// and pending tool calls are resumed by the next run.
package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/triage-agent/internal/llm"
	"github.com/nugget/triage-agent/internal/memory"
	"github.com/nugget/triage-agent/internal/metrics"
	"github.com/nugget/triage-agent/internal/prompts"
	"github.com/nugget/triage-agent/internal/tools"
)

// Defaults applied by NewLoop to zero Config fields.
const (
	DefaultMaxIterations    = 8
	DefaultReasoningTimeout = 120 * time.Second
	DefaultToolTimeout      = 60 * time.Second
	DefaultMaxParallelTools = 4
)

// IterationLimitText is the final message when the iteration cap is
// reached and no reasoning turn produced any content.
const IterationLimitText = "Iteration limit reached before a final answer."

var (
	// ErrReasoningUnavailable matches every [ReasoningError].
	ErrReasoningUnavailable = errors.New("reasoning unavailable")

	// ErrInvalidRequest is returned for requests rejected before the loop
	// touches the thread.
	ErrInvalidRequest = errors.New("invalid request")
)

// ReasoningError reports a failed or timed-out reasoning call. It is not
// retried; the thread is left at the last message appended before the call.
type ReasoningError struct {
	Iteration int
	Err       error
}

func (e *ReasoningError) Error() string {
	return fmt.Sprintf("reasoning unavailable (iteration %d): %v", e.Iteration, e.Err)
}

func (e *ReasoningError) Unwrap() error { return e.Err }

// Is reports whether target is ErrReasoningUnavailable.
func (e *ReasoningError) Is(target error) bool { return target == ErrReasoningUnavailable }

// Config tunes the loop.
type Config struct {
	Model            string
	MaxIterations    int
	ReasoningTimeout time.Duration
	ToolTimeout      time.Duration
	MaxParallelTools int
}

// Request is one human turn on a thread.
type Request struct {
	ThreadID string
	Content  string
}

// Result describes a completed run.
type Result struct {
	ThreadID string

	// Final is the terminal ai message, the last message appended.
	Final memory.Message

	Iterations int

	// ToolsUsed lists distinct tool names in first-call order.
	ToolsUsed []string

	// Exhausted is set when the iteration cap ended the run.
	Exhausted bool
}

// Loop is the agent execution loop. It is safe for concurrent use; runs on
// the same thread are serialized.
type Loop struct {
	llm     llm.Client
	tools   *tools.Registry
	store   memory.Store
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config

	systemPrompt string
	locks        *threadLocks
	newID        func() string
}

// NewLoop creates a loop. m may be nil.
func NewLoop(client llm.Client, reg *tools.Registry, store memory.Store, cfg Config, m *metrics.Metrics, logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = DefaultMaxIterations
	}
	if cfg.ReasoningTimeout <= 0 {
		cfg.ReasoningTimeout = DefaultReasoningTimeout
	}
	if cfg.ToolTimeout <= 0 {
		cfg.ToolTimeout = DefaultToolTimeout
	}
	if cfg.MaxParallelTools <= 0 {
		cfg.MaxParallelTools = DefaultMaxParallelTools
	}
	return &Loop{
		llm:          client,
		tools:        reg,
		store:        store,
		metrics:      m,
		logger:       logger,
		cfg:          cfg,
		systemPrompt: prompts.SystemPrompt(),
		locks:        newThreadLocks(),
		newID:        newMessageID,
	}
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
