package tls

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce    sync.Once
	metricsInitErr error
	metricsInst    *MetricsCollector
)

// MetricsCollector records negotiation metrics.
type MetricsCollector struct {
	handshakesTotal   metric.Int64Counter
	handshakeErrors   metric.Int64Counter
	handshakeDuration metric.Float64Histogram
	sessionsActive    metric.Int64UpDownCounter
	peerVerification  metric.Int64Counter
	bytesTransferred  metric.Int64Counter
}

// GetMetricsCollector returns the process-wide collector bound to the
// global meter provider.
func GetMetricsCollector() (*MetricsCollector, error) {
	metricsOnce.Do(func() {
		metricsInst, metricsInitErr = NewMetricsCollector(otel.GetMeterProvider().Meter("blockgate.tls"))
	})
	return metricsInst, metricsInitErr
}

// NewMetricsCollector registers the instruments on meter.
func NewMetricsCollector(meter metric.Meter) (*MetricsCollector, error) {
	c := &MetricsCollector{}
	var err error

	c.handshakesTotal, err = meter.Int64Counter(
		"tls_handshakes_total",
		metric.WithDescription("Total number of completed TLS handshakes"),
		metric.WithUnit("{handshake}"),
	)
	if err != nil {
		return nil, err
	}

	c.handshakeErrors, err = meter.Int64Counter(
		"tls_handshake_errors_total",
		metric.WithDescription("Total number of failed TLS handshakes"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	c.handshakeDuration, err = meter.Float64Histogram(
		"tls_handshake_duration_seconds",
		metric.WithDescription("TLS handshake duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.sessionsActive, err = meter.Int64UpDownCounter(
		"tls_sessions_active",
		metric.WithDescription("Number of open TLS sessions"),
		metric.WithUnit("{session}"),
	)
	if err != nil {
		return nil, err
	}

	c.peerVerification, err = meter.Int64Counter(
		"tls_peer_verification_total",
		metric.WithDescription("Client certificate verification outcomes"),
		metric.WithUnit("{certificate}"),
	)
	if err != nil {
		return nil, err
	}

	c.bytesTransferred, err = meter.Int64Counter(
		"tls_bytes_total",
		metric.WithDescription("Plaintext bytes moved through TLS sessions"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// RecordHandshakeSuccess counts a completed handshake and opens a session.
func (c *MetricsCollector) RecordHandshakeSuccess(ctx context.Context, info *SessionInfo) {
	if c == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", info.Kind.String()),
		attribute.String("tls_version", info.Version),
	)
	c.handshakesTotal.Add(ctx, 1, attrs)
	c.handshakeDuration.Record(ctx, info.HandshakeDuration.Seconds(), attrs)
	c.sessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", info.Kind.String())))
}

// RecordHandshakeError counts a failed handshake by error type.
func (c *MetricsCollector) RecordHandshakeError(ctx context.Context, kind AuthKind, err error, duration time.Duration) {
	if c == nil {
		return
	}
	errorType := "unknown"
	var te *TLSError
	if errors.As(err, &te) {
		errorType = string(te.Type)
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind.String()),
		attribute.String("error_type", errorType),
	)
	c.handshakeErrors.Add(ctx, 1, attrs)
	c.handshakeDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordPeerVerification counts client certificate outcomes: verified,
// rejected or absent.
func (c *MetricsCollector) RecordPeerVerification(ctx context.Context, result string) {
	if c == nil {
		return
	}
	c.peerVerification.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordSessionEnd closes a session opened by RecordHandshakeSuccess.
func (c *MetricsCollector) RecordSessionEnd(ctx context.Context, kind AuthKind, bytesRead, bytesWritten int64) {
	if c == nil {
		return
	}
	c.sessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind.String())))
	c.bytesTransferred.Add(ctx, bytesRead, metric.WithAttributes(attribute.String("direction", "in")))
	c.bytesTransferred.Add(ctx, bytesWritten, metric.WithAttributes(attribute.String("direction", "out")))
}
