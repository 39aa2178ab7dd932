// Package telemetry exports engine metrics through OpenTelemetry (scraped via
// a Prometheus handler) and optionally traces each request as a span.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	TracingNone   = "none"
	TracingStdout = "stdout"
	TracingOTLP   = "otlp"
)

// ValidTracingModes is the set of recognized tracing exporter names.
var ValidTracingModes = map[string]bool{"": true, TracingNone: true, TracingStdout: true, TracingOTLP: true}

// Config selects exporters.
type Config struct {
	ServiceName  string
	Environment  string
	Tracing      string // "none" (default), "stdout" or "otlp"
	OTLPEndpoint string
	OTLPInsecure bool
}

// Provider owns the meter and tracer providers and the metrics handler.
type Provider struct {
	meters   *sdkmetric.MeterProvider
	tracers  trace.TracerProvider
	handler  http.Handler
	shutdown []func(context.Context) error
}

// Setup builds a Provider. Metrics always go to a private Prometheus
// registry served by Handler.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	if !ValidTracingModes[cfg.Tracing] {
		return nil, fmt.Errorf("unknown tracing mode %q", cfg.Tracing)
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "velocity"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}

	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	meters := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
		sdkmetric.WithResource(res),
	)
	p := &Provider{
		meters:   meters,
		handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		shutdown: []func(context.Context) error{meters.Shutdown},
	}

	tracers, err := initTracer(ctx, cfg, res)
	if err != nil {
		_ = meters.Shutdown(ctx)
		return nil, err
	}
	if tracers == nil {
		p.tracers = noop.NewTracerProvider()
	} else {
		p.tracers = tracers
		p.shutdown = append(p.shutdown, tracers.Shutdown)
	}
	return p, nil
}

func initTracer(ctx context.Context, cfg Config, res *resource.Resource) (*sdktrace.TracerProvider, error) {
	switch cfg.Tracing {
	case TracingOTLP:
		endpoint := strings.TrimSpace(cfg.OTLPEndpoint)
		if endpoint == "" {
			return nil, errors.New("otlp tracing needs an endpoint")
		}
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		logrus.Infof("telemetry: tracing to otlp endpoint %s", endpoint)
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	case TracingStdout:
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, fmt.Errorf("stdout exporter: %w", err)
		}
		logrus.Infof("telemetry: tracing to stdout")
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	default:
		return nil, nil
	}
}

// MeterProvider returns the provider instruments are created from.
func (p *Provider) MeterProvider() metric.MeterProvider { return p.meters }

// TracerProvider returns the configured tracer provider (a no-op one when tracing is off).
func (p *Provider) TracerProvider() trace.TracerProvider { return p.tracers }

// Handler serves the Prometheus exposition of all recorded metrics.
func (p *Provider) Handler() http.Handler { return p.handler }

// Shutdown flushes and stops every exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	var errs []error
	for _, fn := range p.shutdown {
		if err := fn(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
