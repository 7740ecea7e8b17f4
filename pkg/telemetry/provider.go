package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// ProviderConfig configures the proxy's optional OTLP-over-HTTP trace
// exporter. An empty Endpoint means telemetry stays off: GetTracer already
// falls back to a no-op tracer when Settings.IsEnabled is false, so callers
// can wire a *Settings built from this config without branching.
type ProviderConfig struct {
	Endpoint    string // host:port or host:port/path; empty disables export
	ServiceName string
	Insecure    bool
}

// NewProvider builds a batching OTLP/HTTP span exporter and registers it as
// the global tracer provider, returning a shutdown func the caller must
// invoke on exit. Returns a nil shutdown and no error when cfg.Endpoint is
// empty, since there is nothing to export to.
func NewProvider(ctx context.Context, cfg ProviderConfig) (shutdown func(context.Context) error, err error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "codex-proxy"
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}

	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create OTLP exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes("", attribute.String("service.name", cfg.ServiceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: build resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// RequestTracer returns the tracer request-path spans (messages.handle,
// balancer.resolve, backend.translate, upstream.call) should use.
func RequestTracer(enabled bool) trace.Tracer {
	return GetTracer(DefaultSettings().WithEnabled(enabled))
}
