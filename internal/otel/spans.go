package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for skillbus spans.
var (
	AttrRequestID = attribute.Key("skillbus.request.id")
	AttrFromAgent = attribute.Key("skillbus.agent.from")
	AttrToAgent   = attribute.Key("skillbus.agent.to")
	AttrSkill     = attribute.Key("skillbus.skill")
	AttrSeverity  = attribute.Key("skillbus.severity")
	AttrApprover  = attribute.Key("skillbus.approver")
)

// StartSpan starts an internal span with common attributes.
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
