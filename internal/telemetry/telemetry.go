// Package telemetry sets up tracing for the HTTP server.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ServiceName names the server in spans.
const ServiceName = "nimbus-funnel"

// Init installs the W3C propagators and, when enabled, an always-sampling
// tracer provider with no exporter. The returned func flushes and stops the
// provider.
func Init(enabled bool) func(context.Context) error {
	otel.SetTextMapPropagator(
		propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{}, propagation.Baggage{}))

	if !enabled {
		slog.Info("tracing_disabled")
		return func(context.Context) error { return nil }
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()))
	otel.SetTracerProvider(tp)
	slog.Info("tracing_enabled", "exporter", "none")
	return tp.Shutdown
}

// Wrap adds a server span around every request.
func Wrap(h http.Handler) http.Handler {
	return otelhttp.NewHandler(h, ServiceName)
}
