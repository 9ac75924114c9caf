package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/blockgate/internal/access"
	btls "github.com/polisai/blockgate/internal/tls"
)

// Metrics holds the Prometheus metrics for accepted connections.
type Metrics struct {
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   prometheus.Gauge
	connectionDuration  prometheus.Histogram
	admissionsTotal     *prometheus.CounterVec
	negotiationFailures *prometheus.CounterVec
	policyReloads       prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates the server metrics on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		connectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockgate_connections_total",
				Help: "Total number of accepted connections by address family",
			},
			[]string{"family"},
		),
		connectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blockgate_connections_active",
				Help: "Number of connections currently being served",
			},
		),
		connectionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blockgate_connection_duration_seconds",
				Help:    "Connection lifetime in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockgate_admissions_total",
				Help: "Access policy decisions by admission stage",
			},
			[]string{"stage", "decision"},
		),
		negotiationFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blockgate_negotiation_failures_total",
				Help: "TLS negotiations that did not produce a session, by error type",
			},
			[]string{"error_type"},
		),
		policyReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blockgate_policy_reloads_total",
				Help: "Number of times the access policy was replaced at runtime",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.connectionsTotal,
		m.connectionsActive,
		m.connectionDuration,
		m.admissionsTotal,
		m.negotiationFailures,
		m.policyReloads,
	)
	return m
}

// RecordConnectionStart counts a connection and marks it active.
func (m *Metrics) RecordConnectionStart(family string) {
	if m == nil {
		return
	}
	m.connectionsTotal.WithLabelValues(family).Inc()
	m.connectionsActive.Inc()
}

// RecordConnectionEnd records a connection's lifetime.
func (m *Metrics) RecordConnectionEnd(duration time.Duration) {
	if m == nil {
		return
	}
	m.connectionsActive.Dec()
	m.connectionDuration.Observe(duration.Seconds())
}

// RecordAdmission counts a verdict. Skipped stages are not counted.
func (m *Metrics) RecordAdmission(v access.Verdict) {
	if m == nil || v.Skipped {
		return
	}
	m.admissionsTotal.WithLabelValues(v.Stage.String(), v.Decision.String()).Inc()
}

// RecordNegotiationFailure counts a failed handshake.
func (m *Metrics) RecordNegotiationFailure(err error) {
	if m == nil {
		return
	}
	errorType := "unknown"
	var te *btls.TLSError
	if errors.As(err, &te) {
		errorType = string(te.Type)
	}
	m.negotiationFailures.WithLabelValues(errorType).Inc()
}

// RecordPolicyReload counts a policy replacement.
func (m *Metrics) RecordPolicyReload() {
	if m == nil {
		return
	}
	m.policyReloads.Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
