package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestInitTracerProviderExportsSpans(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	provider, err := InitTracerProvider(context.Background(), Config{
		ServiceName: "crawl-worker",
		Version:     "test",
		SessionID:   "session-1",
		Exporter:    exporter,
	})
	require.NoError(t, err)

	_, span := provider.Tracer().Start(context.Background(), "crawl.visit")
	span.End()
	require.NoError(t, provider.Shutdown(context.Background()))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	require.Equal(t, "crawl.visit", spans[0].Name)
	attrs := spans[0].Resource.Attributes()
	require.Contains(t, attrs, semconv.ServiceName("crawl-worker"))
	require.Contains(t, attrs, semconv.ServiceInstanceID("session-1"))
	require.NotEmpty(t, otel.GetTextMapPropagator().Fields())
}

func TestInitTracerProviderRequiresServiceName(t *testing.T) {
	_, err := InitTracerProvider(context.Background(), Config{})
	require.ErrorContains(t, err, "telemetry.service_name is required")
}
