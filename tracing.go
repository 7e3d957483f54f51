package boxlite

import (
	"context"
	"fmt"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// tracerName identifies spans emitted by the box runtime in whatever
// backend the collector forwards to.
const tracerName = "github.com/boxlite/boxlite"

// newTracerProvider builds an OTLP/gRPC-exporting TracerProvider pointed at
// collectorEndpoint. An empty endpoint disables export: the returned
// provider still records spans (useful for in-process phase timing) but
// discards them rather than shipping anywhere.
func newTracerProvider(ctx context.Context, collectorEndpoint string) (*sdktrace.TracerProvider, error) {
	res, err := resource.New(ctx, resource.WithAttributes(
		semconv.ServiceName("boxlite"),
	))
	if err != nil {
		return nil, fmt.Errorf("boxlite: build trace resource: %w", err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}

	if collectorEndpoint != "" {
		conn, err := grpc.NewClient(collectorEndpoint,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
		if err != nil {
			return nil, fmt.Errorf("boxlite: dial trace collector: %w", err)
		}
		exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
		if err != nil {
			return nil, fmt.Errorf("boxlite: build trace exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

// phaseSpan starts a span named after phase, scoped to one box's startup. A
// nil tp (a Box constructed outside Registry.Open, as tests do) yields a
// no-op span rather than panicking.
func phaseSpan(ctx context.Context, tp trace.TracerProvider, boxID, phase string) (context.Context, trace.Span) {
	if tp == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	tracer := tp.Tracer(tracerName, trace.WithInstrumentationAttributes(attribute.String("box.id", boxID)))
	return tracer.Start(ctx, "box.startup."+phase, trace.WithAttributes())
}
