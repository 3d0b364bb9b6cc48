package tracing

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var (
	// Tracer is the global tracer instance
	Tracer trace.Tracer

	// tracerProvider holds the tracer provider for shutdown
	tracerProvider *tracesdk.TracerProvider
)

// Init initializes OpenTelemetry tracing with a Jaeger exporter
// endpoint: Jaeger collector HTTP endpoint (e.g., "http://jaeger:14268/api/traces")
func Init(serviceName, serviceVersion, endpoint string, sampleRatio float64) error {
	if endpoint == "" {
		// Tracing disabled if no endpoint provided
		return nil
	}

	exporter, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(endpoint)))
	if err != nil {
		return fmt.Errorf("failed to create Jaeger exporter: %w", err)
	}

	// Get Pod info from environment (K8s downward API)
	podName := os.Getenv("POD_NAME")
	nodeName := os.Getenv("NODE_NAME")

	attrs := []attribute.KeyValue{
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	}
	if podName != "" {
		attrs = append(attrs, semconv.ServiceInstanceID(podName))
	}
	if nodeName != "" {
		attrs = append(attrs, semconv.K8SNodeName(nodeName))
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(semconv.SchemaURL, attrs...),
	)
	if err != nil {
		// Fallback to simple resource
		res = resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		)
	}

	sampler := tracesdk.ParentBased(tracesdk.TraceIDRatioBased(sampleRatio))
	if sampleRatio >= 1 {
		sampler = tracesdk.AlwaysSample()
	}

	Use(serviceName, tracesdk.NewTracerProvider(
		tracesdk.WithBatcher(exporter),
		tracesdk.WithResource(res),
		tracesdk.WithSampler(sampler),
	))
	return nil
}

// Use installs tp as the global tracer provider
func Use(serviceName string, tp *tracesdk.TracerProvider) {
	tracerProvider = tp
	otel.SetTracerProvider(tp)

	// W3C Trace Context propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	Tracer = tp.Tracer(serviceName)
}

// StartSpan starts a new span
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if Tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return Tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// Shutdown gracefully shuts down the tracer provider
func Shutdown(ctx context.Context) error {
	if tracerProvider != nil {
		return tracerProvider.Shutdown(ctx)
	}
	return nil
}
