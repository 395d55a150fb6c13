package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Span attribute keys.
var (
	AttrWorkflowID  = attribute.Key("orbit.workflow.id")
	AttrExecutionID = attribute.Key("orbit.execution.id")
	AttrTrigger     = attribute.Key("orbit.execution.trigger")
	AttrStepCount   = attribute.Key("orbit.execution.steps")
	AttrStepID      = attribute.Key("orbit.step.id")
	AttrStepType    = attribute.Key("orbit.step.type")
	AttrQueue       = attribute.Key("orbit.queue")
	AttrJobID       = attribute.Key("orbit.job.id")
	AttrJobType     = attribute.Key("orbit.job.type")
	AttrAttempt     = attribute.Key("orbit.job.attempt")
	AttrDurationMs  = attribute.Key("orbit.duration_ms")
)

// StartSpan starts an internal span.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindInternal))
}

// StartConsumerSpan starts a span for a job taken off a queue.
func StartConsumerSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, trace.WithAttributes(attrs...), trace.WithSpanKind(trace.SpanKindConsumer))
}

// Annotate adds attributes to the span in ctx, if any.
func Annotate(ctx context.Context, attrs ...attribute.KeyValue) {
	trace.SpanFromContext(ctx).SetAttributes(attrs...)
}

// End records err on span, or marks it OK, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		SetSpanError(span, err)
	} else {
		SetSpanOK(span)
	}
	span.End()
}

// SetSpanError records err and marks the span failed.
func SetSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func SetSpanOK(span trace.Span) {
	span.SetStatus(codes.Ok, "")
}
