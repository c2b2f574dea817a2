package analyses

import "context"

type traceIDKey struct{}

// WithTraceID attaches the id of the originating HTTP request or queue
// message so that status logs can be correlated.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	if ctx == nil || traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceIDKey{}, traceID)
}

// TraceIDFromContext returns the trace id, or "".
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(traceIDKey{}).(string); ok {
		return id
	}
	return ""
}

// detached returns a background context that keeps ctx's trace id. Final
// status writes use it so they land even after ctx is cancelled.
func detached(ctx context.Context) context.Context {
	return WithTraceID(context.Background(), TraceIDFromContext(ctx))
}
