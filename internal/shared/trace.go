package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type invocationKey struct{}
type handlerKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithInvocationID attaches the current invocation id to the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationKey{}, id)
}

// InvocationID extracts the invocation id from context. Returns "" if absent.
func InvocationID(ctx context.Context) string {
	if v, ok := ctx.Value(invocationKey{}).(string); ok {
		return v
	}
	return ""
}

// WithHandler attaches the executing handler name to the context.
func WithHandler(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, handlerKey{}, name)
}

// Handler extracts the executing handler name from context. Returns "" if absent.
func Handler(ctx context.Context) string {
	if v, ok := ctx.Value(handlerKey{}).(string); ok {
		return v
	}
	return ""
}
