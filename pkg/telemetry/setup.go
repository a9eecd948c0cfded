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

// ErrNoExporter is returned when the configuration enables no exporter.
var ErrNoExporter = errors.New("no telemetry exporter configured")

// A simple helper that configures OpenTelemetry for the focus. The OTLP
// endpoint wins when both exporters are configured.
func SetupTelemetry(ctx context.Context, config Config) (*tracesdk.TracerProvider, error) {
	// Create a new resource.
	res, err := NewResource(config)
	if err != nil {
		return nil, err
	}

	// Create the exporter the config asks for.
	exp, err := NewExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	// Create a new trace provider.
	tp := NewTracerProvider(exp, res)

	// Set the trace provider as the global trace provider.
	otel.SetTracerProvider(tp)
	tracer = otel.Tracer(PACKAGE)

	// Context propagation for the OpenTelemetry SDK.
	otel.SetTextMapPropagator(propagation.TraceContext{})

	return tp, nil
}

// Creates a trace provider - an entity that manages the puts together OTel things,
// i.e. it essentially allows to set a "global logger" for the whole application.
// Under the hood it creates span processors, i.e. hooks that receive all the events
// and write them to the exporters while associating each of them with
// our service.
func NewTracerProvider(exp tracesdk.SpanExporter, res *resource.Resource) *tracesdk.TracerProvider {
	tp := tracesdk.NewTracerProvider(
		tracesdk.WithSampler(tracesdk.AlwaysSample()),
		tracesdk.WithBatcher(exp),
		tracesdk.WithResource(res),
	)

	return tp
}

// Creates the exporter the config selects.
func NewExporter(ctx context.Context, config Config) (tracesdk.SpanExporter, error) {
	if config.OTLP.Host != "" {
		return NewOTLPExporter(ctx, config.OTLP)
	}
	if config.JaegerURL != "" {
		return NewJaegerExporter(config.JaegerURL)
	}

	return nil, ErrNoExporter
}

// Creates OTLP-over-HTTP exporter.
func NewOTLPExporter(ctx context.Context, config OTLP) (tracesdk.SpanExporter, error) {
	options := []otlptracehttp.Option{otlptracehttp.WithEndpoint(config.Host)}
	if !config.Secure {
		options = append(options, otlptracehttp.WithInsecure())
	}

	return otlptracehttp.New(ctx, options...)
}

// Creates Jaeger exporter.
func NewJaegerExporter(url string) (tracesdk.SpanExporter, error) {
	exp, err := jaeger.New(jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(url)))
	if err != nil {
		return nil, err
	}

	return exp, nil
}

// Creates a new resource to identify the service instance.
func NewResource(config Config) (*resource.Resource, error) {
	id := config.ID
	if id == "" {
		// Generate random string ID.
		generated, err := uuid.NewRandom()
		if err != nil {
			return nil, err
		}
		id = generated.String()
	}

	name := config.Package
	if name == "" {
		name = PACKAGE
	}

	// TODO: Add the semver of the service here as well as the information about its environment.
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
		attribute.String("ID", id),
	), nil
}
