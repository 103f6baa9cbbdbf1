package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// configTracing installs a global tracer provider. With useJaeger, spans go
// to a local jaeger collector; otherwise the OTLP HTTP exporter is used when
// OTEL_EXPORTER_OTLP_ENDPOINT is set (eg, http://localhost:4318). The
// returned func flushes and stops the exporter.
func configTracing(ctx context.Context, useJaeger bool) (func(), error) {
	var exp tracesdk.SpanExporter
	switch {
	case useJaeger:
		url := "http://localhost:14268/api/traces"
		slog.Info("setting up jaeger trace exporter", "endpoint", url)
		je, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
		if err != nil {
			return nil, err
		}
		exp = je
	case os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "":
		slog.Info("setting up trace exporter", "endpoint", os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))
		oe, err := otlptracehttp.New(ctx)
		if err != nil {
			return nil, err
		}
		exp = oe
	default:
		return func() {}, nil
	}

	tp := tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bailiff"),
			attribute.String("env", os.Getenv("ENVIRONMENT")),         // DataDog
			attribute.String("environment", os.Getenv("ENVIRONMENT")), // Others
		)),
	)
	otel.SetTracerProvider(tp)

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := tp.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown trace provider", "err", err)
		}
	}, nil
}
