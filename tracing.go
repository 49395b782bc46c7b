package dogpile

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// tracerName follows the otel convention of naming the tracer after
// the instrumented package's import path.
const tracerName = "github.com/stumble/dogpile"

var tracer = otel.Tracer(tracerName)

// startSpan opens a span for a get_or_create call and returns a
// function that records the resolved outcome before ending it. Every
// GetOrCreate call produces a span with a "dogpile.outcome" attribute,
// mirroring how otelchi/otelsql wrap a single operation.
func startSpan(ctx context.Context, operation, key string) (context.Context, func(outcome)) {
	ctx, span := tracer.Start(ctx, operation, trace.WithAttributes(
		attribute.String("dogpile.key", key),
	))
	return ctx, func(o outcome) {
		span.SetAttributes(attribute.String("dogpile.outcome", string(o)))
		span.End()
	}
}
