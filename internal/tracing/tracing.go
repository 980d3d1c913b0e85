package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/devrev/riptide-persistence"

// SpanManager starts and finishes spans around persistence operations
type SpanManager interface {
	// Start opens a span named "<component>.<operation>"
	Start(ctx context.Context, component, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span)
	// End records err, if any, and ends the span
	End(span trace.Span, err error)
}

type otelSpanManager struct {
	tracer trace.Tracer
}

// New returns a SpanManager backed by the global OpenTelemetry tracer provider.
// Configure the provider with otel.SetTracerProvider before the first span.
func New() SpanManager {
	return &otelSpanManager{tracer: otel.Tracer(instrumentationName)}
}

// NewWithProvider binds to an explicit provider
func NewWithProvider(tp trace.TracerProvider) SpanManager {
	return &otelSpanManager{tracer: tp.Tracer(instrumentationName)}
}

// Noop returns a SpanManager that records nothing
func Noop() SpanManager {
	return NewWithProvider(noop.NewTracerProvider())
}

func (m *otelSpanManager) Start(ctx context.Context, component, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return m.tracer.Start(ctx, component+"."+operation,
		trace.WithAttributes(attrs...),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

func (m *otelSpanManager) End(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}
