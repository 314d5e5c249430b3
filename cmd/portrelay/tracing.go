package main

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	otelExporterOTLPEndpointEnv       = "OTEL_EXPORTER_OTLP_ENDPOINT"
	otelExporterOTLPTracesEndpointEnv = "OTEL_EXPORTER_OTLP_TRACES_ENDPOINT"
)

var errTracingDisabled = errors.New("tracing disabled")

// newTracerProvider returns a provider that exports relay spans over
// OTLP/HTTP to endpoint. An empty endpoint falls back to the OTLP endpoint
// environment variables. With neither set, tracing stays off: the exporter
// would otherwise default to localhost.
func newTracerProvider(ctx context.Context, endpoint string, getEnv func(string) string) (*sdktrace.TracerProvider, error) {
	var opts []otlptracehttp.Option
	switch {
	case endpoint != "":
		opts = append(opts, otlptracehttp.WithEndpointURL(endpoint))
	case getEnv(otelExporterOTLPEndpointEnv) == "" && getEnv(otelExporterOTLPTracesEndpointEnv) == "":
		return nil, errors.Wrap(errTracingDisabled, "no tracing endpoint configured")
	}

	exp, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create otlp exporter")
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(resource.NewSchemaless(
			semconv.ServiceName("portrelay"),
			semconv.ServiceVersion(Version),
		)),
	), nil
}
