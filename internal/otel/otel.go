// Package otel wires OpenTelemetry tracing and metrics for the relay. With
// telemetry disabled every instrument is a no-op and nothing is exported.
package otel

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
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
	// ScopeName is the instrumentation scope for traces and metrics.
	ScopeName = "ccmob"
	// Version is reported as a resource attribute.
	Version = "v0.3.0"

	defaultServiceName  = "cc-mob"
	defaultOTLPEndpoint = "localhost:4318"
)

// ExporterKind selects where spans go.
type ExporterKind string

const (
	ExporterOTLPHTTP ExporterKind = "otlp-http"
	ExporterStdout   ExporterKind = "stdout"
	ExporterNone     ExporterKind = "none"
)

type exporterFactory func(context.Context, Config) (sdktrace.SpanExporter, error)

var exporters = map[ExporterKind]exporterFactory{
	ExporterOTLPHTTP: func(ctx context.Context, cfg Config) (sdktrace.SpanExporter, error) {
		return otlptracehttp.New(ctx,
			otlptracehttp.WithEndpoint(cfg.Endpoint),
			otlptracehttp.WithInsecure(),
		)
	},
	ExporterStdout: func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return stdouttrace.New(stdouttrace.WithPrettyPrint())
	},
	ExporterNone: func(context.Context, Config) (sdktrace.SpanExporter, error) {
		return discardExporter{}, nil
	},
}

// Config is the otel section of config.yaml.
type Config struct {
	Enabled     bool         `yaml:"enabled"`
	Exporter    ExporterKind `yaml:"exporter"`
	Endpoint    string       `yaml:"endpoint"`
	ServiceName string       `yaml:"service_name"`
	SampleRate  float64      `yaml:"sample_rate"`
}

// Validate checks the exporter name and sample rate. A disabled config is
// always valid.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	var errs []error
	if _, ok := exporters[c.withDefaults().Exporter]; !ok {
		names := make([]string, 0, len(exporters))
		for _, k := range slices.Sorted(maps.Keys(exporters)) {
			names = append(names, string(k))
		}
		errs = append(errs, fmt.Errorf("otel: unknown exporter %q (supported: %v)", c.Exporter, names))
	}
	if c.SampleRate < 0 || c.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("otel: sample_rate %v outside 0-1", c.SampleRate))
	}
	return errors.Join(errs...)
}

func (c Config) withDefaults() Config {
	if c.Exporter == "" {
		c.Exporter = ExporterOTLPHTTP
	}
	if c.Endpoint == "" {
		c.Endpoint = defaultOTLPEndpoint
	}
	if c.ServiceName == "" {
		c.ServiceName = defaultServiceName
	}
	if c.SampleRate == 0 {
		c.SampleRate = 1
	}
	return c
}

// Provider hands out the tracer and meter the relay instruments with.
type Provider struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  metric.MeterProvider
	Tracer         trace.Tracer
	Meter          metric.Meter

	closers []func(context.Context) error
}

// Enabled reports whether spans are recorded.
func (p *Provider) Enabled() bool {
	return p != nil && p.TracerProvider != nil
}

// Init builds a Provider from cfg. Shutdown must be called on exit to flush
// pending spans.
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return noopProvider(), nil
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName(cfg.ServiceName),
		attribute.String("ccmob.version", Version),
	))
	if err != nil {
		return nil, fmt.Errorf("otel resource: %w", err)
	}

	exporter, err := exporters[cfg.Exporter](ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("otel exporter %s: %w", cfg.Exporter, err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	otel.SetTracerProvider(tp)
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithResource(res))

	return &Provider{
		TracerProvider: tp,
		MeterProvider:  mp,
		Tracer:         tp.Tracer(ScopeName),
		Meter:          mp.Meter(ScopeName),
		closers:        []func(context.Context) error{tp.Shutdown, mp.Shutdown},
	}, nil
}

func noopProvider() *Provider {
	mp := noop.NewMeterProvider()
	return &Provider{
		MeterProvider: mp,
		Tracer:        nooptrace.NewTracerProvider().Tracer(ScopeName),
		Meter:         mp.Meter(ScopeName),
	}
}

// Shutdown flushes spans and stops both providers, reporting every failure.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for _, closeFn := range p.closers {
		errs = append(errs, closeFn(ctx))
	}
	p.closers = nil
	return errors.Join(errs...)
}

type discardExporter struct{}

func (discardExporter) ExportSpans(context.Context, []sdktrace.ReadOnlySpan) error { return nil }
func (discardExporter) Shutdown(context.Context) error                             { return nil }
