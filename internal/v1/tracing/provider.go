// Package tracing wires the OpenTelemetry SDK to an OTLP/gRPC collector.
// Traces are opt-in: the hub runs fine without a collector configured.
package tracing

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

// InitTracer builds a tracer provider exporting to the collector at
// collectorAddr, registers it globally, and returns it so the caller can
// Shutdown on exit. OTEL_INSECURE=true sends plaintext (local collectors);
// OTEL_INSECURE_SKIP_VERIFY=true keeps TLS but skips certificate checks.
func InitTracer(ctx context.Context, serviceName string, collectorAddr string) (*sdktrace.TracerProvider, error) {
	var creds credentials.TransportCredentials
	if os.Getenv("OTEL_INSECURE") == "true" {
		creds = insecure.NewCredentials()
	} else {
		tlsConfig := &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
		if os.Getenv("OTEL_INSECURE_SKIP_VERIFY") == "true" {
			tlsConfig.InsecureSkipVerify = true
		}
		creds = credentials.NewTLS(tlsConfig)
	}

	conn, err := grpc.NewClient(collectorAddr, grpc.WithTransportCredentials(creds))
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC client to collector: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}
