package telemetry

import (
	"context"
	"testing"

	"github.com/haasonsaas/gearwatch/pkg/config"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestSetupTracingDefaults(t *testing.T) {
	ctx := context.Background()
	provider, err := SetupTracing(ctx, Options{ServiceName: "gearwatch-server", ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, provider)
	require.NoError(t, provider.Shutdown(ctx))
}

func TestSetupTracingRejectsBareScheme(t *testing.T) {
	_, err := SetupTracing(context.Background(), Options{
		ServiceName: "gearwatch-server",
		Tracing:     config.TracingConfig{Endpoint: "https://"},
	})
	require.Error(t, err)
}

func TestSetupTracingLogSpansAndRecorder(t *testing.T) {
	ctx := context.Background()
	writer := &captureWriter{}
	recorder := tracetest.NewSpanRecorder()
	provider, err := SetupTracing(ctx, Options{
		ServiceName: "gearwatch-server",
		Tracing:     config.TracingConfig{LogSpans: true, SampleRatio: 1},
		Logger:      zerolog.New(writer).Level(zerolog.DebugLevel),
		Processors:  []sdktrace.SpanProcessor{recorder},
	})
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(ctx, "auth.VerifyToken")
	span.End()
	require.NoError(t, provider.Shutdown(ctx))

	ended := recorder.Ended()
	require.Len(t, ended, 1)
	assert.Equal(t, "auth.VerifyToken", ended[0].Name())
	assert.Equal(t, "gearwatch-server", serviceName(ended[0]))
	require.NotEmpty(t, writer.entries)
	assert.Contains(t, writer.entries[0], "auth.VerifyToken")
	assert.Contains(t, writer.entries[0], `"component":"otel"`)
}

func serviceName(span sdktrace.ReadOnlySpan) string {
	for _, kv := range span.Resource().Attributes() {
		if kv.Key == "service.name" {
			return kv.Value.AsString()
		}
	}
	return ""
}
