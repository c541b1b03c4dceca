package telemetry

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"
)

// TracerConfig configures the run-scoped tracer.
type TracerConfig struct {
	Enabled     bool
	ServiceName string
}

// Tracer wraps an OpenTelemetry tracer scoped to one recorder/player
// instance. No SpanProcessor or exporter is registered anywhere in this
// module; this package only ever constructs the provider and hands out
// spans, mirroring
// TracingManager's enabled/disabled split in pkg/tracing/tracing.go but
// without binding to a specific exporter.
type Tracer struct {
	logger   *logrus.Logger
	provider *sdktrace.TracerProvider
	tracer   oteltrace.Tracer
}

// NewTracer builds a Tracer. When cfg.Enabled is false, it returns a
// Tracer backed by the global no-op implementation so call sites never
// need a nil check.
func NewTracer(cfg TracerConfig, logger *logrus.Logger) *Tracer {
	if !cfg.Enabled {
		return &Tracer{logger: logger, tracer: otel.Tracer("agentreplay/noop")}
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)

	return &Tracer{
		logger:   logger,
		provider: provider,
		tracer:   provider.Tracer(cfg.ServiceName),
	}
}

// StartSpan starts a span for one record/replay operation, tagging it with
// the run_id and step so traces line up with ledger events.
func (t *Tracer) StartSpan(ctx context.Context, name, runID string, step int64) (context.Context, oteltrace.Span) {
	return t.tracer.Start(ctx, name, oteltrace.WithAttributes(
		attribute.String("run_id", runID),
		attribute.Int64("step", step),
	))
}

// Shutdown flushes and stops the tracer provider, a no-op when tracing is
// disabled.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}
