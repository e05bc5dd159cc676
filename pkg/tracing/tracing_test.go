package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func TestStartSpan_WithoutTracerIsNoop(t *testing.T) {
	SetTracer(nil)
	ctx, span := StartSpan(context.Background(), "noop")
	defer span.End()

	assert.Empty(t, GetTraceID(ctx))
	assert.Nil(t, Inject(ctx))
}

func TestStartSpan_RecordsAndPropagates(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	SetTracer(provider.Tracer("test"))
	t.Cleanup(func() { SetTracer(nil) })

	ctx, span := StartSpan(context.Background(), "resolver.Resolver.LinkOrCreate")
	traceID := GetTraceID(ctx)
	require.NotEmpty(t, traceID)

	headers := Inject(ctx)
	require.Contains(t, headers, "traceparent")
	span.End()

	continued := Extract(context.Background(), headers)
	assert.Equal(t, traceID, trace.SpanContextFromContext(continued).TraceID().String())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "resolver.Resolver.LinkOrCreate", spans[0].Name)
}
