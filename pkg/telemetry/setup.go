package telemetry

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var ErrNoExporter = errors.New("no telemetry exporter configured")

// Configures OpenTelemetry with the exporter from the config. The returned provider
// must be shut down to flush the spans.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	name := config.Package
	if name == "" {
		name = PACKAGE
	}

	res, err := NewResource(name, config.ID)
	if err != nil {
		return nil, err
	}

	var exp tracesdk.SpanExporter
	switch {
	case config.OTLP.Host != "":
		exp, err = NewOTLPExporter(ctx, config.OTLP)
	case config.JaegerURL != "":
		exp, err = NewJaegerExporter(config.JaegerURL)
	default:
		err = ErrNoExporter
	}

	if err != nil {
		return nil, err
	}

	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(name)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider - an entity that manages the puts together OTel things,
// i.e. it essentially allows to set a "global logger" for the whole application.
// Under the hood it creates span processors, i.e. hooks that receive all the events
// and write them to the exporters while associating each of them with our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	return tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)
}

// Creates Jaeger exporter.
func NewJaegerExporter(url string) (*jaeger.Exporter, error) {
	return jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
}

// Creates an OTLP/HTTP exporter.
func NewOTLPExporter(ctx context.Context, config OTLP) (tracesdk.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, options...)
}

// Creates a new resource to identify the service instance.
func NewResource(name, id string) (*resource.Resource, error) {
	if id == "" {
		random, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = random.String()
	}

	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		attribute.String("ID", id),
	), nil
}
