package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Hedwig semantic convention attributes.
var (
	AttrThreadID   = attribute.Key("hedwig.thread.id")
	AttrTaskID     = attribute.Key("hedwig.task.id")
	AttrTaskState  = attribute.Key("hedwig.task.state")
	AttrSpecialist = attribute.Key("hedwig.specialist")

	AttrTool = attribute.Key("hedwig.tool.name")
	AttrKind = attribute.Key("hedwig.tool.outcome_kind")

	AttrVerdict = attribute.Key("hedwig.gateway.verdict")
	AttrTier    = attribute.Key("hedwig.risk.tier")
)

// ToolCall creates span attributes for a tool call.
func ToolCall(tool, tier, specialist string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrTool.String(tool),
		AttrTier.String(tier),
		AttrSpecialist.String(specialist),
	}
}

// AddEvent adds an event to the span in ctx, if any.
func AddEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if span.IsRecording() {
		span.AddEvent(name, trace.WithAttributes(attrs...))
	}
}
