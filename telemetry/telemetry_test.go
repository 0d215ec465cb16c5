package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestInitWithoutEndpointIsNoop(t *testing.T) {
	require.NoError(t, Init(context.Background(), Config{}, "memory"))
	assert.NoError(t, Close(context.Background()))
}

func TestSetupWithEverythingDisabled(t *testing.T) {
	shutdown, err := setupOTelSDK(context.Background(), Attributes{App: "authkeeper"}, Config{Endpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestObserveSession(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	stop := ObserveSession([]string{"anonymous", "authenticated"}, func() string { return "authenticated" })
	defer stop()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	require.Len(t, rm.ScopeMetrics, 1)
	require.Len(t, rm.ScopeMetrics[0].Metrics, 1)
	gauge, ok := rm.ScopeMetrics[0].Metrics[0].Data.(metricdata.Gauge[int64])
	require.True(t, ok)

	got := map[string]int64{}
	for _, dp := range gauge.DataPoints {
		state, _ := dp.Attributes.Value("state")
		got[state.AsString()] = dp.Value
	}
	assert.Equal(t, map[string]int64{"anonymous": 0, "authenticated": 1}, got)
}
