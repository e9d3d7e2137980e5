// Package otel wires OpenTelemetry tracing and metrics for the coordination
// service. When disabled every provider is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
)

const (
	TracerName = "taskward"
	MeterName  = "taskward"

	defaultEndpoint = "localhost:4318"
)

// Config holds OTel configuration.
type Config struct {
	Enabled     bool    `yaml:"enabled" envconfig:"ENABLED"`
	Exporter    string  `yaml:"exporter" envconfig:"EXPORTER"` // otlp-http (default), stdout, none
	Endpoint    string  `yaml:"endpoint" envconfig:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate" envconfig:"SAMPLE_RATE"`
	// MetricsEnabled enables metrics export alongside traces.
	MetricsEnabled *bool `yaml:"metrics_enabled,omitempty" envconfig:"METRICS_ENABLED"`
}

func (c Config) serviceName() string {
	if c.ServiceName == "" {
		return "taskward"
	}
	return c.ServiceName
}

func (c Config) sampleRate() float64 {
	if c.SampleRate <= 0 || c.SampleRate > 1 {
		return 1.0
	}
	return c.SampleRate
}

func (c Config) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

// Provider bundles the tracer and meter handed to the gateway, the MCP server
// and the coordination service.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider // nil when disabled
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter
	Resource       *resource.Resource

	closers []func(context.Context) error
}

// Init builds providers for cfg. version is reported as service.version.
// The returned Provider must be Shutdown on exit.
func Init(ctx context.Context, cfg Config, version string) (*Provider, error) {
	if !cfg.Enabled {
		mp := noop.NewMeterProvider()
		return &Provider{
			MeterProvider: mp,
			Tracer:        nooptrace.NewTracerProvider().Tracer(TracerName),
			Meter:         mp.Meter(MeterName),
		}, nil
	}

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.serviceName()),
		semconv.ServiceVersion(version),
	))
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}
	exporter, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.sampleRate()))),
	)
	otel.SetTracerProvider(tp)
	p := &Provider{
		TracerProvider: tp,
		Tracer:         tp.Tracer(TracerName),
		Resource:       res,
		closers:        []func(context.Context) error{tp.Shutdown},
	}

	if cfg.metricsOn() {
		mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))
		p.MeterProvider = mp
		p.closers = append(p.closers, mp.Shutdown)
	} else {
		p.MeterProvider = noop.NewMeterProvider()
	}
	p.Meter = p.MeterProvider.Meter(MeterName)
	return p, nil
}

// Shutdown flushes pending spans and stops every provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, c := range p.closers {
		errs = append(errs, c(ctx))
	}
	return errors.Join(errs...)
}

func newSpanExporter(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "otlp-http", "":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultEndpoint
		}
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(endpoint),
			otlptracehttp.WithInsecure(),
		)
	case "stdout":
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "none":
		return discardExporter{}, nil
	default:
		return nil, fmt.Errorf("unknown exporter: %s (supported: otlp-http, stdout, none)", cfg.Exporter)
	}
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
