package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID     contextKey = "trace_id"
	keyUserID      contextKey = "user_id"
	keyAgentID     contextKey = "agent_id"
	keyThreadID    contextKey = "thread_id"
	keyExecutionID contextKey = "execution_id"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithUserID adds user ID to context.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, keyUserID, userID)
}

// UserID extracts user ID from context.
func UserID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyUserID).(string)
	return v, ok && v != ""
}

// WithAgentID adds agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}

// WithThreadID adds thread ID to context.
func WithThreadID(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, keyThreadID, threadID)
}

// ThreadID extracts thread ID from context.
func ThreadID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyThreadID).(string)
	return v, ok && v != ""
}

// WithExecutionID adds execution ID to context.
func WithExecutionID(ctx context.Context, executionID string) context.Context {
	return context.WithValue(ctx, keyExecutionID, executionID)
}

// ExecutionID extracts execution ID from context.
func ExecutionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyExecutionID).(string)
	return v, ok && v != ""
}
