package otel

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// GetTraceID extracts the active trace id from ctx so log lines can be
// correlated with their spans. Without a valid span context it returns the
// zero trace id.
func GetTraceID(ctx context.Context) string {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return "00000000000000000000000000000000"
}
