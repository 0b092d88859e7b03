// Package obs holds the ambient observability the teacher's code
// doesn't need (a single-process teaching database logs with
// fmt.Printf) but the rest of the retrieved example pack reaches for:
// structured logging via logrus, and distributed-style tracing spans
// via OpenTelemetry, the way abiolaogu-MinIO instruments its storage
// paths. Both cores use this package for diagnostics; neither core
// depends on a concrete exporter — that choice belongs to cmd/kernctl.
package obs

import (
	"context"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var logger = logrus.New()

func init() {
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// SetTracerProvider installs a process-wide tracer provider. cmd/kernctl
// calls this once at startup (optionally with a Jaeger-backed provider);
// library code never calls it, so buffercache and pagealloc behave
// identically whether or not a real exporter is attached.
func SetTracerProvider(tp trace.TracerProvider) {
	otel.SetTracerProvider(tp)
}

// Logger returns the module-wide structured logger. Call sites use
// WithFields, never Printf, so log lines stay machine-parseable.
func Logger() *logrus.Logger { return logger }

// SetLevel adjusts verbosity; cmd/kernctl exposes this via a flag.
func SetLevel(level logrus.Level) { logger.SetLevel(level) }

const tracerName = "microkern"

// Tracer returns the package-wide tracer. With no SDK configured
// (the default), spans are no-ops — otel.Tracer always returns a
// valid, inert implementation, so buffercache and pagealloc can start
// spans unconditionally without checking whether tracing is enabled.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan is a small convenience wrapper kept close to how
// buffercache and pagealloc actually use tracing: one span per public
// operation, a handful of attributes, no nested sub-spans.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	ctx, span := Tracer().Start(ctx, name)
	if len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}
	return ctx, span
}
