package obs

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "wasteops.org/outbox"

// Tracer wraps the globally registered OpenTelemetry tracer provider.
// Without an SDK installed the spans are no-ops.
type Tracer struct {
	tracer trace.Tracer
}

func NewTracer() *Tracer {
	return &Tracer{tracer: otel.Tracer(tracerName)}
}

// StartDispatchSpan opens a span for one delivery attempt of an outbox event.
func (t *Tracer) StartDispatchSpan(ctx context.Context, eventID, eventType, topic string, attempt int) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "outbox.dispatch",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("outbox.event_id", eventID),
			attribute.String("outbox.event_type", eventType),
			attribute.String("messaging.destination.name", topic),
			attribute.Int("outbox.attempt", attempt),
		),
	)
}

// EndDispatchSpan records the attempt result and ends the span.
func (t *Tracer) EndDispatchSpan(span trace.Span, result string, err error) {
	span.SetAttributes(attribute.String("outbox.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
