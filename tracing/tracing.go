// Package tracing installs the OpenTelemetry provider used for workflow
// spans.
package tracing

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and stops a provider.
type ShutdownFunc func(ctx context.Context) error

// NewProvider builds a provider that hands every finished span to exporter.
func NewProvider(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to build resource: %w", err)
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithSpanProcessor(sdktrace.NewSimpleSpanProcessor(exporter)),
		sdktrace.WithResource(res),
	), nil
}

// Init installs a global provider that writes spans with the stdout exporter
// to output: "stdout", "stderr" or a file path.
func Init(serviceName, serviceVersion, output string) (ShutdownFunc, error) {
	var (
		w     io.Writer = os.Stdout
		closeOutput     = func() error { return nil }
	)
	switch output {
	case "", "stdout":
	case "stderr":
		w = os.Stderr
	default:
		f, err := os.Create(output)
		if err != nil {
			return nil, fmt.Errorf("failed to open trace output: %w", err)
		}
		w, closeOutput = f, f.Close
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		_ = closeOutput()
		return nil, fmt.Errorf("failed to create exporter: %w", err)
	}
	tp, err := NewProvider(serviceName, serviceVersion, exporter)
	if err != nil {
		_ = closeOutput()
		return nil, err
	}
	otel.SetTracerProvider(tp)

	return func(ctx context.Context) error {
		err := tp.Shutdown(ctx)
		if cerr := closeOutput(); err == nil {
			err = cerr
		}
		return err
	}, nil
}
