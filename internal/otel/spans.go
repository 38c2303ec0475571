package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for DotClaw spans.
var (
	AttrChatID       = attribute.Key("dotclaw.chat.id")
	AttrGroupFolder  = attribute.Key("dotclaw.group.folder")
	AttrTaskID       = attribute.Key("dotclaw.task.id")
	AttrJobID        = attribute.Key("dotclaw.job.id")
	AttrToolName     = attribute.Key("dotclaw.tool.name")
	AttrModel        = attribute.Key("dotclaw.llm.model")
	AttrTokensInput  = attribute.Key("dotclaw.llm.tokens.input")
	AttrTokensOutput = attribute.Key("dotclaw.llm.tokens.output")
	AttrProfile      = attribute.Key("dotclaw.router.profile")
	AttrProvider     = attribute.Key("dotclaw.provider.name")
)

// StartSpan is a convenience wrapper that starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartServerSpan starts a span for an inbound request (an incoming
// provider message or IPC command entering the pipeline).
func StartServerSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// StartClientSpan starts a span for an outbound call (AgentRunner
// invocation, provider send).
func StartClientSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}
