package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

type ctxKey int

const (
	threadKey ctxKey = iota
	taskKey
	specialistKey
)

// WithThread tags ctx with a thread id.
func WithThread(ctx context.Context, threadID string) context.Context {
	return context.WithValue(ctx, threadKey, threadID)
}

// WithTask tags ctx with a task id.
func WithTask(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskKey, taskID)
}

// WithSpecialist tags ctx with the specialist handling the task.
func WithSpecialist(ctx context.Context, name string) context.Context {
	return context.WithValue(ctx, specialistKey, name)
}

// ThreadFromContext returns the thread id carried by ctx, if any.
func ThreadFromContext(ctx context.Context) string {
	s, _ := ctx.Value(threadKey).(string)
	return s
}

// TaskFromContext returns the task id carried by ctx, if any.
func TaskFromContext(ctx context.Context) string {
	s, _ := ctx.Value(taskKey).(string)
	return s
}

// ContextFields extracts loggable fields from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 5)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}
	if v := ThreadFromContext(ctx); v != "" {
		fields = append(fields, zap.String("thread_id", v))
	}
	if v := TaskFromContext(ctx); v != "" {
		fields = append(fields, zap.String("task_id", v))
	}
	if v, _ := ctx.Value(specialistKey).(string); v != "" {
		fields = append(fields, zap.String("specialist", v))
	}
	return fields
}
