package otel

import (
	"context"
	"fmt"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// TracingConfig configures the global tracer provider.
type TracingConfig struct {
	// Endpoint is the OTLP/HTTP collector endpoint, host:port. Empty
	// disables span export entirely.
	Endpoint string

	// ServiceName labels exported spans; defaults to "feedflow".
	ServiceName string

	// SampleRatio is the head-sampling ratio in (0, 1]. Out-of-range
	// values sample everything.
	SampleRatio float64

	// Insecure switches the exporter to plain HTTP.
	Insecure bool
}

// SetupTracing installs a global tracer provider that batches spans to
// an OTLP HTTP collector. The returned shutdown function flushes
// pending spans; it is a no-op when no endpoint is configured.
func SetupTracing(ctx context.Context, cfg TracingConfig) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("creating OTLP trace exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "feedflow"
	}
	ratio := cfg.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", name),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otelapi.SetTracerProvider(tp)
	return tp.Shutdown, nil
}
