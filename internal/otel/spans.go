package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskbridge spans.
var (
	AttrProjectID  = attribute.Key("taskbridge.project.id")
	AttrTaskID     = attribute.Key("taskbridge.task.id")
	AttrExternalID = attribute.Key("taskbridge.task.external_id")
	AttrRunID      = attribute.Key("taskbridge.run.id")
	AttrProvider   = attribute.Key("taskbridge.webhook.provider")
	AttrDeliveryID = attribute.Key("taskbridge.webhook.delivery_id")
	AttrJobKind    = attribute.Key("taskbridge.job.kind")
	AttrRepo       = attribute.Key("taskbridge.scm.repo")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound webhook request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (Tracker, SCM, agent).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
