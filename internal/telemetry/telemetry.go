// Package telemetry wires OpenTelemetry tracing and metrics into the engine.
// A disabled configuration yields no-op providers, so callers never branch
// on whether telemetry is on.
package telemetry

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

// ScopeName is the instrumentation scope of every tracer and meter.
const ScopeName = "github.com/leapstack-labs/fieldflow"

// Config selects the exporter.
type Config struct {
	Enabled     bool    `koanf:"enabled"`
	Exporter    string  `koanf:"exporter"` // stdout, otlp-http or none
	Endpoint    string  `koanf:"endpoint"`
	ServiceName string  `koanf:"service_name"`
	SampleRate  float64 `koanf:"sample_rate"`
}

// Provider holds the tracer and meter handed to instrumented components.
type Provider struct {
	Tracer   trace.Tracer
	Meter    metric.Meter
	shutdown func(context.Context) error
}

// Noop returns a provider that records nothing.
func Noop() *Provider {
	return &Provider{
		Tracer:   nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:    noop.NewMeterProvider().Meter(ScopeName),
		shutdown: func(context.Context) error { return nil },
	}
}

// Init builds a provider from cfg and installs it as the global tracer
// provider. Shutdown must be called on exit to flush spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return Noop(), nil
	}

	name := cfg.ServiceName
	if name == "" {
		name = "fieldflow"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(name)))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry resource: %w", err)
	}

	exporter, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}

	rate := cfg.SampleRate
	if rate <= 0 {
		rate = 1.0
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))),
	}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return &Provider{
		Tracer: tp.Tracer(ScopeName),
		Meter:  mp.Meter(ScopeName),
		shutdown: func(ctx context.Context) error {
			return errors.Join(tp.Shutdown(ctx), mp.Shutdown(ctx))
		},
	}, nil
}

// Shutdown flushes pending spans.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.shutdown == nil {
		return nil
	}
	return p.shutdown(ctx)
}

// newExporter returns nil for the "none" exporter: spans are sampled and
// kept in-process but never shipped.
func newExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = "localhost:4318"
		}
		return otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown telemetry exporter %q (supported: stdout, otlp-http, none)", cfg.Exporter)
	}
}

// Span attribute keys.
var (
	AttrTaskID   = attribute.Key("fieldflow.task.id")
	AttrRunID    = attribute.Key("fieldflow.run.id")
	AttrBaseID   = attribute.Key("fieldflow.base.id")
	AttrAttempt  = attribute.Key("fieldflow.task.attempt")
	AttrSteps    = attribute.Key("fieldflow.task.steps")
	AttrWorkerID = attribute.Key("fieldflow.worker.id")
)

// TraceData serializes the span context of ctx as W3C trace headers. It
// returns nil when ctx carries no sampled span.
func TraceData(ctx context.Context) map[string]string {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return nil
	}
	carrier := propagation.MapCarrier{}
	propagation.TraceContext{}.Inject(ctx, carrier)
	if len(carrier) == 0 {
		return nil
	}
	return carrier
}
