package usage

import (
	"context"
	"log/slog"

	"github.com/nugget/triage-agent/internal/llm"
	"github.com/nugget/triage-agent/internal/tools"
)

// Recorder persists usage records.
type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// MeteredClient is an [llm.Client] that records the token usage of every
// successful call. The thread is taken from the request context.
type MeteredClient struct {
	next     llm.Client
	recorder Recorder
	source   string
	logger   *slog.Logger
}

// Meter wraps next so that its calls are recorded under source. A nil
// recorder returns next unchanged.
func Meter(next llm.Client, recorder Recorder, source string, logger *slog.Logger) llm.Client {
	if recorder == nil {
		return next
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &MeteredClient{next: next, recorder: recorder, source: source, logger: logger}
}

// Chat implements [llm.Client].
func (c *MeteredClient) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	resp, err := c.next.Chat(ctx, model, messages, tools)
	c.record(ctx, model, resp, err)
	return resp, err
}

// ChatStream implements [llm.Client].
func (c *MeteredClient) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := c.next.ChatStream(ctx, model, messages, tools, callback)
	c.record(ctx, model, resp, err)
	return resp, err
}

// Ping implements [llm.Client].
func (c *MeteredClient) Ping(ctx context.Context) error {
	return c.next.Ping(ctx)
}

// record never fails the call; a ledger write error is only logged.
func (c *MeteredClient) record(ctx context.Context, model string, resp *llm.ChatResponse, err error) {
	if err != nil || resp == nil {
		return
	}
	if resp.Model != "" {
		model = resp.Model
	}
	threadID := tools.ThreadIDFromContext(ctx)
	rec := Record{
		ThreadID:     threadID,
		Model:        model,
		Source:       c.source,
		InputTokens:  resp.InputTokens,
		OutputTokens: resp.OutputTokens,
	}
	if err := c.recorder.Record(context.WithoutCancel(ctx), rec); err != nil {
		c.logger.Warn("failed to record token usage", "thread", threadID, "source", c.source, "error", err)
	}
}
