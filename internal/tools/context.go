package tools

import "context"

type contextKey string

const threadIDKey contextKey = "thread_id"

// WithThreadID adds the conversation thread ID to the context.
func WithThreadID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, threadIDKey, id)
}

// ThreadIDFromContext extracts the thread ID from the context. Returns ""
// if not set.
func ThreadIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(threadIDKey).(string)
	return id
}
