// Package observability owns orbit's OpenTelemetry tracing: one process-wide
// tracer, span helpers for steps, jobs and executions, and W3C context
// propagation through queued jobs.
package observability

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Config selects the span exporter. Exporter "none" keeps spans in-process,
// which still gives every job a trace id to propagate.
type Config struct {
	Enabled        bool
	Exporter       string // otlp-http (default), none
	Endpoint       string // host:port of the OTLP/HTTP collector
	ServiceName    string
	ServiceVersion string
	SampleRate     float64 // ratio of root traces kept; children follow the parent
}

type tracing struct {
	tp     *sdktrace.TracerProvider
	tracer trace.Tracer
}

var current atomic.Pointer[tracing]

func init() {
	current.Store(disabled())
}

func disabled() *tracing {
	return &tracing{tracer: noop.NewTracerProvider().Tracer("orbit")}
}

// Init installs the global tracer. Calling it again replaces the previous
// provider without flushing it; call Shutdown first for that.
func Init(ctx context.Context, cfg Config) error {
	if !cfg.Enabled {
		current.Store(disabled())
		return nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "orbit"
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return err
	}
	attrs := []resource.Option{resource.WithAttributes(semconv.ServiceName(cfg.ServiceName))}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(cfg.ServiceVersion)))
	}
	res, err := resource.New(ctx, attrs...)
	if err != nil {
		return fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(ratioSampler(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	current.Store(&tracing{tp: tp, tracer: tp.Tracer("github.com/oriys/orbit")})
	return nil
}

func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "", "otlp", "otlp-http":
		opts := []otlptracehttp.Option{otlptracehttp.WithInsecure()}
		if cfg.Endpoint != "" {
			opts = append(opts, otlptracehttp.WithEndpoint(cfg.Endpoint))
		}
		exp, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		return exp, nil
	case "none":
		return discardExporter{}, nil
	}
	return nil, fmt.Errorf("unknown trace exporter %q", cfg.Exporter)
}

func ratioSampler(rate float64) sdktrace.Sampler {
	switch {
	case rate >= 1 || rate < 0:
		return sdktrace.AlwaysSample()
	case rate == 0:
		return sdktrace.NeverSample()
	}
	return sdktrace.TraceIDRatioBased(rate)
}

// Shutdown flushes pending spans, waiting at most five seconds, and reverts
// to the no-op tracer.
func Shutdown(ctx context.Context) error {
	t := current.Swap(disabled())
	if t.tp == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return t.tp.Shutdown(ctx)
}

// Tracer returns the active tracer; a no-op one while tracing is off.
func Tracer() trace.Tracer {
	return current.Load().tracer
}

// Enabled reports whether spans are being recorded.
func Enabled() bool {
	return current.Load().tp != nil
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
