package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracer is resolved on every call so a provider installed after package
// init (or swapped in tests) is picked up
func tracer() trace.Tracer {
	return otel.Tracer("gza")
}

// Span names for gza operations
const (
	// Worker spans
	SpanWorkerRun  = "gza.worker.run"
	SpanWorkerPoll = "gza.worker.poll"

	// Task spans
	SpanTaskClaim    = "gza.task.claim"
	SpanTaskRun      = "gza.task.run"
	SpanTaskComplete = "gza.task.complete"
	SpanTaskFail     = "gza.task.fail"

	// Worktree spans
	SpanWorktreeAcquire  = "gza.worktree.acquire"
	SpanWorktreeFinalize = "gza.worktree.finalize"
	SpanWorktreeSaveWIP  = "gza.worktree.save_wip"

	// Provider spans
	SpanProviderRun    = "gza.provider.run"
	SpanProviderVerify = "gza.provider.verify"

	// Context spans
	SpanPromptBuild = "gza.prompt.build"
	SpanReviewDiff  = "gza.prompt.review_diff"
)

// StartTaskSpan starts a span for a task operation with task attributes
func StartTaskSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartWorkerSpan starts a span for a worker operation
func StartWorkerSpan(ctx context.Context, name, workerID string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorkerID, workerID))
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartProviderSpan starts a span for one agent subprocess run
func StartProviderSpan(ctx context.Context, provider, model string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String(KeyProvider, provider),
		attribute.String(KeyModel, model),
	)
	return tracer().Start(ctx, SpanProviderRun, trace.WithAttributes(attrs...))
}

// StartWorktreeSpan starts a span for worktree operations
func StartWorktreeSpan(ctx context.Context, name, path string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String(KeyWorktreePath, path))
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// StartSpan starts a span with arbitrary attributes
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return tracer().Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordError records an error on a span with an error category
func RecordError(span trace.Span, err error, category string) {
	if err == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("exception.message", err.Error()),
		attribute.String("exception.type", fmt.Sprintf("%T", err)),
	}
	if category != "" {
		attrs = append(attrs, attribute.String(KeyErrorCategory, category))
	}

	span.RecordError(err, trace.WithAttributes(attrs...))
	span.SetStatus(codes.Error, err.Error())
}

// EndWithError records err if set, otherwise marks the span ok, and ends it
func EndWithError(span trace.Span, err error, category string) {
	if err != nil {
		RecordError(span, err, category)
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// TraceID returns the trace ID from context if available
func TraceID(ctx context.Context) string {
	span := trace.SpanFromContext(ctx)
	if span.SpanContext().IsValid() {
		return span.SpanContext().TraceID().String()
	}
	return ""
}
