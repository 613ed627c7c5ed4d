package telemetry

import (
	"context"

	"tacit/internal/ids"
)

type contextKey int

const (
	correlationKey contextKey = iota
	spanKey
)

// WithCorrelation attaches a correlation id to the context. Every event
// produced under it can be stitched back together by the trace CLI.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// NewCorrelation mints a correlation id and attaches it.
func NewCorrelation(ctx context.Context) (context.Context, string) {
	id := ids.New()
	return WithCorrelation(ctx, id), id
}

// CorrelationFrom returns the context's correlation id, or "".
func CorrelationFrom(ctx context.Context) string {
	if v, ok := ctx.Value(correlationKey).(string); ok {
		return v
	}
	return ""
}

// WithSpan starts a child span under the current correlation.
func WithSpan(ctx context.Context) (context.Context, string) {
	id := ids.New()
	return context.WithValue(ctx, spanKey, id), id
}

// SpanFrom returns the context's span id, or "".
func SpanFrom(ctx context.Context) string {
	if v, ok := ctx.Value(spanKey).(string); ok {
		return v
	}
	return ""
}
