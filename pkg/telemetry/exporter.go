package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

// LogExporter writes finished spans to a zap logger at debug level
type LogExporter struct {
	logger *zap.Logger
}

// NewLogExporter returns a span exporter backed by logger
func NewLogExporter(logger *zap.Logger) *LogExporter {
	return &LogExporter{logger: logger.Named("trace")}
}

// ExportSpans implements sdktrace.SpanExporter
func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		fields := []zap.Field{
			zap.String("trace_id", s.SpanContext().TraceID().String()),
			zap.String("span_id", s.SpanContext().SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
			zap.String("status", s.Status().Code.String()),
		}
		if s.Parent().IsValid() {
			fields = append(fields, zap.String("parent_id", s.Parent().SpanID().String()))
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		e.logger.Debug(s.Name(), fields...)
	}
	return nil
}

// Shutdown implements sdktrace.SpanExporter
func (e *LogExporter) Shutdown(context.Context) error {
	// Sync fails on terminals and pipes
	_ = e.logger.Sync()
	return nil
}

// Init installs a global tracer provider exporting to logger and returns
// its shutdown function
func Init(logger *zap.Logger) func(context.Context) error {
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(logger)),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown
}
