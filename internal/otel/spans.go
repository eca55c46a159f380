package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for taskpulse spans.
var (
	AttrInvocationID = attribute.Key("taskpulse.invocation.id")
	AttrHandler      = attribute.Key("taskpulse.handler")
	AttrTopic        = attribute.Key("taskpulse.topic")
	AttrStep         = attribute.Key("taskpulse.step")
	AttrProjectID    = attribute.Key("taskpulse.project.id")
	AttrTaskID       = attribute.Key("taskpulse.task.id")
	AttrModel        = attribute.Key("taskpulse.llm.model")
	AttrRiskType     = attribute.Key("taskpulse.risk.type")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (gateway).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (LLM API).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
