package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Standard attribute keys for remediation spans.
var (
	AttrErrorID   = attribute.Key("remedy.error.id")
	AttrErrorType = attribute.Key("remedy.error.type")
	AttrTaskID    = attribute.Key("remedy.task.id")
	AttrTaskKind  = attribute.Key("remedy.task.kind")
	AttrAgentID   = attribute.Key("remedy.agent.id")
	AttrFilePath  = attribute.Key("remedy.file.path")
	AttrFixType   = attribute.Key("remedy.fix.type")
)

// StartSpan starts an internal span with common attributes.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer.Start(ctx, name,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}
