package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const tracerName = "steward"

// SetupTracing installs the process tracer provider. With stdout disabled the
// provider is a noop; the returned shutdown function flushes the exporter.
func SetupTracing(stdout bool) (trace.Tracer, func(context.Context) error, error) {
	if !stdout {
		otel.SetTracerProvider(noop.NewTracerProvider())
		return otel.Tracer(tracerName), func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, nil, fmt.Errorf("create stdout trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return otel.Tracer(tracerName), provider.Shutdown, nil
}
