// Package telemetry wires the daemon's task spans to an OTLP/HTTP collector.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otlptracehttp "go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// DefaultEndpoint is the collector used when Config.OTLPEndpoint is empty.
const DefaultEndpoint = "http://127.0.0.1:4318"

type Config struct {
	// Enabled false makes Init a no-op that leaves the global provider alone.
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// OTLPEndpoint is a URL or a bare host:port. An http:// URL disables TLS.
	OTLPEndpoint string
	Insecure     bool
	// Executor names the external program tasks run, recorded on the
	// resource as taskrelay.executor.
	Executor string
}

// Noop is the shutdown func of a disabled Init.
func Noop(context.Context) error { return nil }

// Init installs a global TracerProvider exporting over OTLP/HTTP, plus the
// W3C trace-context and baggage propagators. The returned func flushes and
// stops the provider.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if !cfg.Enabled {
		return Noop, nil
	}
	if cfg.ServiceName == "" {
		return nil, errors.New("telemetry: service name required")
	}
	opts, err := exporterOptions(cfg)
	if err != nil {
		return nil, err
	}
	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: otlp exporter: %w", err)
	}
	tp, err := NewProvider(exp, cfg)
	if err != nil {
		_ = exp.Shutdown(ctx)
		return nil, err
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// exporterOptions turns the configured endpoint into otlptracehttp options.
func exporterOptions(cfg Config) ([]otlptracehttp.Option, error) {
	raw := cfg.OTLPEndpoint
	if raw == "" {
		raw = DefaultEndpoint
	}
	if !strings.Contains(raw, "://") {
		// bare host:port
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(raw)}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		return opts, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("telemetry: endpoint %q: %w", raw, err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("telemetry: endpoint %q has no host", raw)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(u.Host)}
	if u.Path != "" && u.Path != "/" {
		opts = append(opts, otlptracehttp.WithURLPath(u.Path))
	}
	if cfg.Insecure || u.Scheme == "http" {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return opts, nil
}

func newResource(cfg Config) (*sdkresource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.ServiceVersion),
	}
	if cfg.Executor != "" {
		attrs = append(attrs, attribute.String("taskrelay.executor", cfg.Executor))
	}
	return sdkresource.New(context.Background(), sdkresource.WithAttributes(attrs...))
}

// NewProvider builds a batching TracerProvider over exp without touching
// the globals. Tests pass an in-memory exporter.
func NewProvider(exp sdktrace.SpanExporter, cfg Config) (*sdktrace.TracerProvider, error) {
	res, err := newResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("telemetry: resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exp),
	), nil
}
