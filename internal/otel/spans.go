package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for broker spans.
var (
	AttrTaskKey  = attribute.Key("bgtaskd.task.key")
	AttrTaskID   = attribute.Key("bgtaskd.task.id")
	AttrUID      = attribute.Key("bgtaskd.uid")
	AttrBundle   = attribute.Key("bgtaskd.bundle")
	AttrMode     = attribute.Key("bgtaskd.mode")
	AttrReason   = attribute.Key("bgtaskd.reason")
	AttrDelayID  = attribute.Key("bgtaskd.delay.id")
	AttrEndpoint = attribute.Key("bgtaskd.endpoint")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound gateway request.
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}
