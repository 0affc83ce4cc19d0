package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type scopeCtxKey struct{}
type cycleCtxKey struct{}

// WithScope attaches the remediation scope to the context.
func WithScope(ctx context.Context, scope string) context.Context {
	return context.WithValue(ctx, scopeCtxKey{}, scope)
}

// ScopeFromContext extracts the remediation scope, or "".
func ScopeFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(scopeCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// WithCycleID attaches the cycle ID to the context.
func WithCycleID(ctx context.Context, cycleID string) context.Context {
	return context.WithValue(ctx, cycleCtxKey{}, cycleID)
}

// CycleIDFromContext extracts the cycle ID, or "".
func CycleIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(cycleCtxKey{}).(string); ok {
		return v
	}
	return ""
}

// ContextFields extracts correlation data from context for log entries.
func ContextFields(ctx context.Context) []zap.Field {
	fields := make([]zap.Field, 0, 4)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if scope := ScopeFromContext(ctx); scope != "" {
		fields = append(fields, zap.String("scope", scope))
	}
	if cycleID := CycleIDFromContext(ctx); cycleID != "" {
		fields = append(fields, zap.String("cycle_id", cycleID))
	}

	return fields
}
