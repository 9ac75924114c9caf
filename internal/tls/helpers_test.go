package tls

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testMetrics struct {
	collector *MetricsCollector
	reader    *sdkmetric.ManualReader
}

func newTestMetrics(t *testing.T) *testMetrics {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	c, err := NewMetricsCollector(provider.Meter("test"))
	require.NoError(t, err)
	return &testMetrics{collector: c, reader: reader}
}

func (m *testMetrics) collect(t *testing.T) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, m.reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Metrics{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			out[metric.Name] = metric
		}
	}
	return out
}

// sum totals every data point of an int64 counter.
func sum(t *testing.T, metrics map[string]metricdata.Metrics, name string) int64 {
	t.Helper()
	m, ok := metrics[name]
	if !ok {
		return 0
	}
	data, ok := m.Data.(metricdata.Sum[int64])
	require.True(t, ok, "metric %s is not an int64 sum", name)
	var total int64
	for _, dp := range data.DataPoints {
		total += dp.Value
	}
	return total
}

func newTestPKI(t *testing.T) *GeneratedPKI {
	t.Helper()
	pki, err := GenerateCertificateDirectory(t.TempDir(), PKIOptions{
		Organization: "Blockgate Test",
		ClientName:   "client",
	})
	require.NoError(t, err)
	return pki
}
