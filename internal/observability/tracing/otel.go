// Package tracing sets up OpenTelemetry for the rxguard processes. Spans
// cross the broker through W3C trace context headers, so every process
// installs the same propagator even when export is off.
package tracing

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
)

// Version is reported as service.version on every span
const Version = "1.0.0"

// Config holds tracing configuration
type Config struct {
	Enabled     bool
	ServiceName string
	Environment string
	// Endpoint is the OTLP/gRPC collector address
	Endpoint string
	// Insecure disables TLS towards the collector
	Insecure bool
	// SampleRate is the fraction of root spans kept; 0 keeps all
	SampleRate float64
}

// ServiceConfig builds the configuration of one process
func ServiceConfig(service, env, endpoint string, enabled bool) Config {
	return Config{
		Enabled:     enabled,
		ServiceName: service,
		Environment: env,
		Endpoint:    endpoint,
		Insecure:    env == "development" || env == "test",
		SampleRate:  1.0,
	}
}

// Provider owns the SDK tracer provider when export is enabled
type Provider struct {
	tp *sdktrace.TracerProvider
}

// Init installs the propagator and, when enabled, a batching OTLP exporter
func Init(ctx context.Context, cfg Config) (*Provider, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		return &Provider{}, nil
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithTelemetrySDK(),
		resource.WithFromEnv(),
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(Version),
			semconv.DeploymentEnvironment(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(Sampler(cfg.SampleRate)),
	)
	otel.SetTracerProvider(tp)
	return &Provider{tp: tp}, nil
}

// Sampler keeps the parent's decision and samples new roots at rate
func Sampler(rate float64) sdktrace.Sampler {
	if rate <= 0 || rate >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(rate))
}

// Enabled reports whether spans are exported
func (p *Provider) Enabled() bool {
	return p.tp != nil
}

// Shutdown flushes pending spans and stops the exporter
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.tp == nil {
		return nil
	}
	return p.tp.Shutdown(ctx)
}
