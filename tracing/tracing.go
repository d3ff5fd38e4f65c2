// Package tracing wraps OpenTelemetry so the engine can open one span per
// run call and per stage without knowing which exporter is installed. When no
// provider is installed the global no-op provider makes every span free.
package tracing

import (
	"context"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/songzhibin97/stepflow"

// Attribute keys shared by engine spans.
const (
	AttrRunID      = attribute.Key("stepflow.run_id")
	AttrWorkflowID = attribute.Key("stepflow.workflow_id")
	AttrStageID    = attribute.Key("stepflow.stage_id")
	AttrStageKind  = attribute.Key("stepflow.stage_kind")
	AttrOutcome    = attribute.Key("stepflow.outcome")
	AttrDepth      = attribute.Key("stepflow.depth")
)

// Shutdown flushes and stops an installed provider.
type Shutdown func(ctx context.Context) error

// Init installs a stdout exporter writing to outputFile, or to stdout when
// outputFile is empty.
func Init(serviceName, serviceVersion, outputFile string) (Shutdown, error) {
	var w io.Writer = os.Stdout
	var closer io.Closer
	if outputFile != "" {
		f, err := os.Create(outputFile)
		if err != nil {
			return nil, err
		}
		w, closer = f, f
	}

	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w))
	if err != nil {
		return nil, err
	}
	shutdown, err := InitWithExporter(serviceName, serviceVersion, exporter)
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) error {
		err := shutdown(ctx)
		if closer != nil {
			if cerr := closer.Close(); err == nil {
				err = cerr
			}
		}
		return err
	}, nil
}

// InitWithExporter installs a batching provider around exporter as the
// global tracer provider.
func InitWithExporter(serviceName, serviceVersion string, exporter sdktrace.SpanExporter) (Shutdown, error) {
	res, err := resource.New(context.Background(),
		resource.WithAttributes(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", serviceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

// StartSpan starts a span on the global provider.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(instrumentationName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// EndSpan records err (if any) and ends the span.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
