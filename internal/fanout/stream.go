package fanout

import (
	"context"
	"log/slog"

	"github.com/nugget/triage-agent/internal/agent"
	"github.com/nugget/triage-agent/internal/memory"
)

// Publisher turns agent chunks into stream events on a thread's channel.
type Publisher struct {
	broker Broker
	logger *slog.Logger
}

// NewPublisher creates a publisher on broker.
func NewPublisher(broker Broker, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{broker: broker, logger: logger}
}

// Run calls fn with an emitter bound to threadID's channel, then
// publishes exactly one terminal event: error when fn failed, done
// otherwise. Every event carries runID so a subscriber can tell
// concurrent runs on the same thread apart. It returns fn's error.
func (p *Publisher) Run(ctx context.Context, threadID, runID string, fn func(emit agent.Emitter) error) error {
	channel := ChannelName(threadID)
	p.logger.Debug("streaming run", "thread", threadID, "run", runID, "channel", channel)

	err := fn(p.Emitter(ctx, threadID, runID))
	if err != nil {
		p.publish(ctx, channel, runID, ErrorEvent(err.Error()))
		return err
	}
	p.publish(ctx, channel, runID, DoneEvent())
	return nil
}

// Emitter returns an [agent.Emitter] publishing message events for
// threadID. Token chunks become ai deltas; completed tool-call and tool
// messages are published whole, and the final message is published only
// when its tokens were not already streamed.
func (p *Publisher) Emitter(ctx context.Context, threadID, runID string) agent.Emitter {
	channel := ChannelName(threadID)
	return func(c agent.Chunk) {
		var d MessageData
		switch c.Kind {
		case agent.ChunkToken:
			d = MessageData{ID: c.MessageID, Role: memory.RoleAI, Content: c.Token}
		case agent.ChunkToolCall, agent.ChunkToolResult:
			d = messageData(c.Message)
		case agent.ChunkFinal:
			if c.Streamed {
				return
			}
			d = messageData(c.Message)
		default:
			return
		}
		if c.Kind != agent.ChunkToken {
			p.logger.Debug("publishing message", "run", runID, "kind", c.Kind.String(), "message", d.ID)
		}
		p.publish(ctx, channel, runID, MessageEvent(d))
	}
}

// publish logs rather than returns failures: delivery is at-most-once
// and a lost event must not abort the run.
func (p *Publisher) publish(ctx context.Context, channel, runID string, ev Event) {
	ev.RunID = runID
	if ctx.Err() != nil {
		ctx = context.WithoutCancel(ctx)
	}
	if err := p.broker.Publish(ctx, channel, ev); err != nil {
		p.logger.Warn("stream publish failed",
			"channel", channel,
			"run", runID,
			"type", ev.Type,
			"error", err,
		)
	}
}

func messageData(m memory.Message) MessageData {
	return MessageData{
		ID:         m.ID,
		Role:       m.Role,
		Content:    m.Content,
		ToolCalls:  m.ToolCalls,
		ToolCallID: m.ToolCallID,
		ToolName:   m.ToolName,
	}
}
