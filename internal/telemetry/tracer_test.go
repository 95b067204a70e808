package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func TestNewProviderDisabled(t *testing.T) {
	provider, err := NewProvider(context.Background(), Config{
		Enabled:      false,
		ServiceName:  "test-service",
		ExporterType: "grpc",
	})
	require.NoError(t, err)
	require.Nil(t, provider.tp)

	// Global tracer must be noop.
	_, span := otel.Tracer("test").Start(context.Background(), "noop-check")
	require.False(t, span.IsRecording())
	span.End()
}

func TestNewProviderInvalidExporter(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{
		Enabled:      true,
		ServiceName:  "test-service",
		ExporterType: "invalid",
	})
	require.EqualError(t, err, "unsupported exporter type: invalid (supported: grpc, http)")
}

func TestShutdownNoop(t *testing.T) {
	provider := &Provider{tp: nil}
	require.NoError(t, provider.Shutdown(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, provider.Shutdown(ctx))
}

func TestTracerProducesSpans(t *testing.T) {
	_, err := NewProvider(context.Background(), Config{Enabled: false, ServiceName: "test-service"})
	require.NoError(t, err)

	tracer := Tracer("test-tracer")
	require.NotNil(t, tracer)

	ctx, span := tracer.Start(context.Background(), "test-span")
	require.NotNil(t, span)
	span.End()
	require.NotNil(t, trace.SpanFromContext(ctx))
}
