// Package observability wires tracing and metrics exporters.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/exporters/zipkin"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// TracingConfig selects the span exporter.
type TracingConfig struct {
	// Exporter: "none" (default), "stdout" or "zipkin".
	Exporter string
	// ZipkinURL is the collector endpoint for the zipkin exporter.
	ZipkinURL string
	// ServiceName tags exported spans. Default "machina".
	ServiceName string
}

// SetupTracing installs a global tracer provider and returns a shutdown
// function. With Exporter "none" a no-op tracer is installed.
func SetupTracing(ctx context.Context, cfg TracingConfig) (trace.Tracer, func(context.Context) error, error) {
	name := cfg.ServiceName
	if name == "" {
		name = "machina"
	}

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "", "none":
		otel.SetTracerProvider(noop.NewTracerProvider())
		return noop.NewTracerProvider().Tracer(name), func(context.Context) error { return nil }, nil
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "zipkin":
		exporter, err = zipkin.New(cfg.ZipkinURL)
	default:
		return nil, nil, fmt.Errorf("observability: unknown trace exporter %q", cfg.Exporter)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("observability: exporter setup: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	if err != nil {
		return nil, nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return tp.Tracer(name), tp.Shutdown, nil
}
