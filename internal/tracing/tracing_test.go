package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSpanManagerRecordsOutcome(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	sm := NewWithProvider(tp)

	_, span := sm.Start(context.Background(), "cache", "get", attribute.String("cache.key", "fp:abc"))
	sm.End(span, nil)

	_, span = sm.Start(context.Background(), "checkpoint", "save")
	sm.End(span, errors.New("disk full"))

	ended := recorder.Ended()
	require.Len(t, ended, 2)
	assert.Equal(t, "cache.get", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	assert.Equal(t, "checkpoint.save", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Len(t, ended[1].Events(), 1)
}

func TestNoopAndNilSpan(t *testing.T) {
	sm := Noop()
	ctx, span := sm.Start(context.Background(), "tenant", "check_quota")
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() {
		sm.End(span, nil)
		sm.End(nil, errors.New("x"))
	})
}
