// Package telemetry wires optional OpenTelemetry tracing for sync sessions.
package telemetry

import (
	"context"
	"os"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const (
	// EndpointEnv enables tracing when set to an OTLP/HTTP endpoint URL
	EndpointEnv = "INSTANCESYNC_OTEL_ENDPOINT"
	// EnabledEnv set to "false" disables tracing even with an endpoint
	EnabledEnv = "INSTANCESYNC_OTEL_ENABLED"

	instrumentationName = "github.com/potato-launcher/instancesync"
)

// Setup initialises tracing for serviceName.
//
// Tracing is opt-in: without an endpoint Setup returns a no-op shutdown
// function and leaves the global provider alone, so Tracer yields no-op spans.
// The returned shutdown flushes pending spans and should be deferred.
func Setup(ctx context.Context, serviceName, version string) (shutdown func(context.Context) error, err error) {
	noop := func(context.Context) error { return nil }

	if strings.EqualFold(os.Getenv(EnabledEnv), "false") {
		return noop, nil
	}
	endpoint := os.Getenv(EndpointEnv)
	if endpoint == "" {
		return noop, nil
	}

	exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
	if err != nil {
		return noop, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		),
	)
	if err != nil {
		return noop, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp.Shutdown, nil
}

// Tracer returns the tracer used by sync components
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
