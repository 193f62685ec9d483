package agent

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/triage-agent/internal/llm"
	"github.com/nugget/triage-agent/internal/memory"
	"github.com/nugget/triage-agent/internal/metrics"
	"github.com/nugget/triage-agent/internal/tools"
)

// Run executes one human turn and returns the terminal ai message.
func (l *Loop) Run(ctx context.Context, req Request) (*Result, error) {
	return l.RunStream(ctx, req, nil)
}

// RunStream is Run with progress delivered to emit as it happens. emit may
// be nil.
func (l *Loop) RunStream(ctx context.Context, req Request, emit Emitter) (*Result, error) {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	switch {
	case req.ThreadID == "":
		return nil, fmt.Errorf("%w: threadId is required", ErrInvalidRequest)
	case strings.TrimSpace(req.Content) == "":
		return nil, fmt.Errorf("%w: content is required", ErrInvalidRequest)
	}
	if emit == nil {
		emit = func(Chunk) {}
	}

	release, err := l.locks.acquire(ctx, req.ThreadID)
	if err != nil {
		return nil, fmt.Errorf("wait for thread %s: %w", req.ThreadID, err)
	}
	defer release()

	start := time.Now()
	r := &run{
		Loop:     l,
		threadID: req.ThreadID,
		emit:     emit,
		result:   &Result{ThreadID: req.ThreadID},
	}

	res, err := r.execute(ctx, req.Content)
	if err != nil {
		l.metrics.RunFinished(metrics.OutcomeFailed, r.result.Iterations)
		l.logger.Error("agent loop failed",
			"thread", req.ThreadID,
			"iter", r.result.Iterations,
			"error", err,
		)
		return nil, err
	}

	outcome := metrics.OutcomeFinal
	if res.Exhausted {
		outcome = metrics.OutcomeExhausted
	}
	l.metrics.RunFinished(outcome, res.Iterations)
	l.logger.Info("agent loop completed",
		"thread", req.ThreadID,
		"iterations", res.Iterations,
		"tools", res.ToolsUsed,
		"exhausted", res.Exhausted,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return res, nil
}

// run is the state of one RunStream invocation.
type run struct {
	*Loop
	threadID string
	emit     Emitter
	history  []memory.Message
	result   *Result
}

func (r *run) execute(ctx context.Context, content string) (*Result, error) {
	cp, err := r.store.LoadCheckpoint(ctx, r.threadID)
	if err != nil {
		return nil, fmt.Errorf("load thread: %w", err)
	}
	r.history = cp.Messages
	r.logger.Debug("loaded thread", "thread", r.threadID, "messages", len(r.history))

	if pending := cp.Pending(); len(pending) > 0 {
		r.logger.Info("resuming pending tool calls", "thread", r.threadID, "calls", len(pending))
		calls := make([]memory.ToolCall, len(pending))
		for i, p := range pending {
			calls[i] = memory.ToolCall{ID: p.ID, Name: p.Name, Arguments: p.Arguments}
		}
		if err := r.dispatch(ctx, calls); err != nil {
			return nil, err
		}
	}

	if _, err := r.append(ctx, memory.Message{Role: memory.RoleHuman, Content: content}); err != nil {
		return nil, err
	}

	var lastContent string
	for iter := 1; iter <= r.cfg.MaxIterations; iter++ {
		r.result.Iterations = iter

		ai, streamed, err := r.reason(ctx, iter)
		if err != nil {
			return nil, err
		}
		if ai, err = r.append(ctx, ai); err != nil {
			return nil, err
		}

		if len(ai.ToolCalls) == 0 {
			r.emit(Chunk{Kind: ChunkFinal, ThreadID: r.threadID, MessageID: ai.ID, Message: ai, Streamed: streamed})
			r.result.Final = ai
			return r.result, nil
		}

		r.emit(Chunk{Kind: ChunkToolCall, ThreadID: r.threadID, MessageID: ai.ID, Message: ai})
		if err := r.dispatch(ctx, ai.ToolCalls); err != nil {
			return nil, err
		}
		if strings.TrimSpace(ai.Content) != "" {
			lastContent = ai.Content
		}
	}

	r.logger.Warn("iteration cap reached, finalizing with last reasoning output",
		"thread", r.threadID,
		"max_iterations", r.cfg.MaxIterations,
	)
	if lastContent == "" {
		lastContent = IterationLimitText
	}
	final, err := r.append(ctx, memory.Message{Role: memory.RoleAI, Content: lastContent})
	if err != nil {
		return nil, err
	}
	r.emit(Chunk{Kind: ChunkFinal, ThreadID: r.threadID, MessageID: final.ID, Message: final})
	r.result.Final = final
	r.result.Exhausted = true
	return r.result, nil
}

// reason makes one reasoning call and returns the ai message it produced,
// not yet appended. Tokens are emitted under the id the message will be
// stored with.
func (r *run) reason(ctx context.Context, iter int) (memory.Message, bool, error) {
	id := r.newID()
	streamed := false
	cb := func(ev llm.StreamEvent) {
		if ev.Kind == llm.KindToken && ev.Token != "" {
			streamed = true
			r.emit(Chunk{Kind: ChunkToken, ThreadID: r.threadID, MessageID: id, Token: ev.Token})
		}
	}

	rctx, cancel := context.WithTimeout(tools.WithThreadID(ctx, r.threadID), r.cfg.ReasoningTimeout)
	defer cancel()

	msgs := r.llmMessages()
	r.logger.Debug("calling reasoning engine",
		"thread", r.threadID,
		"iter", iter,
		"messages", len(msgs),
	)
	resp, err := r.llm.ChatStream(rctx, r.cfg.Model, msgs, r.tools.List(), cb)
	if err != nil {
		r.metrics.ReasoningFailed()
		return memory.Message{}, false, &ReasoningError{Iteration: iter, Err: err}
	}

	ai := memory.Message{ID: id, Role: memory.RoleAI, Content: resp.Message.Content}
	for _, tc := range resp.Message.ToolCalls {
		if tc.ID == "" {
			tc.ID = "call_" + r.newID()
		}
		ai.ToolCalls = append(ai.ToolCalls, memory.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
	}
	return ai, streamed, nil
}

// dispatch runs calls concurrently and appends their results in call order
// once all have finished.
func (r *run) dispatch(ctx context.Context, calls []memory.ToolCall) error {
	results := make([]tools.Invocation, len(calls))

	var g errgroup.Group
	g.SetLimit(r.cfg.MaxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			tctx, cancel := context.WithTimeout(tools.WithThreadID(ctx, r.threadID), r.cfg.ToolTimeout)
			defer cancel()
			results[i] = r.tools.Invoke(tctx, call.Name, call.Arguments)
			r.metrics.ToolCalled(call.Name, results[i].OK, results[i].Duration)
			return nil
		})
	}
	_ = g.Wait()

	for i, call := range calls {
		msg, err := r.append(ctx, memory.Message{
			Role:       memory.RoleTool,
			Content:    results[i].Result,
			ToolCallID: call.ID,
			ToolName:   call.Name,
		})
		if err != nil {
			return err
		}
		if !slices.Contains(r.result.ToolsUsed, call.Name) {
			r.result.ToolsUsed = append(r.result.ToolsUsed, call.Name)
		}
		r.emit(Chunk{Kind: ChunkToolResult, ThreadID: r.threadID, MessageID: msg.ID, Message: msg})
	}
	return nil
}

func (r *run) append(ctx context.Context, msg memory.Message) (memory.Message, error) {
	stored, err := r.store.Append(ctx, r.threadID, msg)
	if err != nil {
		return memory.Message{}, fmt.Errorf("append %s message: %w", msg.Role, err)
	}
	r.history = append(r.history, stored)
	return stored, nil
}

// llmMessages renders the thread for the reasoning engine, system prompt
// first.
func (r *run) llmMessages() []llm.Message {
	out := make([]llm.Message, 0, len(r.history)+1)
	out = append(out, llm.Message{Role: llm.RoleSystem, Content: r.systemPrompt})
	for _, m := range r.history {
		out = append(out, toLLMMessage(m))
	}
	return out
}

func toLLMMessage(m memory.Message) llm.Message {
	switch m.Role {
	case memory.RoleAI:
		msg := llm.Message{Role: llm.RoleAssistant, Content: m.Content}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{ID: tc.ID, Name: tc.Name, Arguments: tc.Arguments})
		}
		return msg
	case memory.RoleTool:
		return llm.Message{Role: llm.RoleTool, Content: m.Content, ToolCallID: m.ToolCallID}
	default:
		return llm.Message{Role: llm.RoleUser, Content: m.Content}
	}
}
