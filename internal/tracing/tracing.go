// Package tracing constructs the otel tracer provider shared by every
// reporunner worker binary, so the otel.Tracer(pkgName).Start spans
// scattered through internal/coordinator, internal/builder,
// internal/deployer, and internal/edge are actually exported somewhere
// instead of going to the default no-op provider.
package tracing

import (
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.7.0"
	"gopkg.in/natefinch/lumberjack.v2"
)

// newExporter returns a console trace exporter.
func newExporter(w io.Writer) (trace.SpanExporter, error) {
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		// Use human-readable output.
		stdouttrace.WithPrettyPrint(),
	)
}

// newResource returns a resource describing service at version.
func newResource(service, version string) (*resource.Resource, error) {
	return resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String(service),
			semconv.ServiceVersionKey.String(version),
		),
	)
}

// newTraceWriter returns a rotating log file under filename.
func newTraceWriter(filename string) *lumberjack.Logger {
	return &lumberjack.Logger{
		Filename:   filename,
		MaxBackups: 2,
	}
}

// NewTracerProvider initialises and returns a new tracer provider which
// writes spans to filename with its own log rotation, and installs it as
// the global otel tracer provider. w.Close() and tp.Shutdown() should be
// deferred by the caller.
func NewTracerProvider(service, version, filename string) (*lumberjack.Logger, *trace.TracerProvider, error) {
	w := newTraceWriter(filename)
	exp, err := newExporter(w)
	if err != nil {
		return nil, nil, err
	}
	res, err := newResource(service, version)
	if err != nil {
		return nil, nil, err
	}
	tp := trace.NewTracerProvider(
		trace.WithBatcher(exp),
		trace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	return w, tp, nil
}
