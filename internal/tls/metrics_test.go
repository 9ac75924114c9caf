package tls

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestMetricsCollector(t *testing.T) {
	m := newTestMetrics(t)
	ctx := context.Background()

	info := &SessionInfo{Kind: AuthCertificates, Version: "TLS 1.3", HandshakeDuration: 20 * time.Millisecond}
	m.collector.RecordHandshakeSuccess(ctx, info)
	m.collector.RecordHandshakeError(ctx, AuthPSK, NewHandshakeTimeoutError("1s"), time.Second)
	m.collector.RecordHandshakeError(ctx, AuthPSK, errors.New("reset"), time.Millisecond)
	m.collector.RecordPeerVerification(ctx, "verified")
	m.collector.RecordSessionEnd(ctx, AuthCertificates, 100, 200)

	metrics := m.collect(t)
	assert.Equal(t, int64(1), sum(t, metrics, "tls_handshakes_total"))
	assert.Equal(t, int64(2), sum(t, metrics, "tls_handshake_errors_total"))
	assert.Equal(t, int64(1), sum(t, metrics, "tls_peer_verification_total"))
	assert.Equal(t, int64(0), sum(t, metrics, "tls_sessions_active"))
	assert.Equal(t, int64(300), sum(t, metrics, "tls_bytes_total"))

	errs := metrics["tls_handshake_errors_total"].Data.(metricdata.Sum[int64])
	types := map[string]bool{}
	for _, dp := range errs.DataPoints {
		v, ok := dp.Attributes.Value(attribute.Key("error_type"))
		require.True(t, ok)
		types[v.AsString()] = true
	}
	assert.Equal(t, map[string]bool{"handshake_timeout": true, "unknown": true}, types)

	hist, ok := metrics["tls_handshake_duration_seconds"].Data.(metricdata.Histogram[float64])
	require.True(t, ok)
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	assert.Equal(t, uint64(3), count)
}

func TestMetricsCollectorNilSafe(t *testing.T) {
	var c *MetricsCollector
	ctx := context.Background()

	c.RecordHandshakeSuccess(ctx, &SessionInfo{})
	c.RecordHandshakeError(ctx, AuthNone, errors.New("x"), 0)
	c.RecordPeerVerification(ctx, "absent")
	c.RecordSessionEnd(ctx, AuthNone, 0, 0)
}

func TestGetMetricsCollector(t *testing.T) {
	a, err := GetMetricsCollector()
	require.NoError(t, err)
	b, err := GetMetricsCollector()
	require.NoError(t, err)
	assert.Same(t, a, b)
}
