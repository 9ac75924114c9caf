// Package telemetry wires OpenTelemetry tracing for the daemon.
//
// It sets up the process-wide tracer provider and offers helpers that
// attach admission verdicts and session facts to per-connection spans, so
// operators can correlate a rejected connection with the rule that
// rejected it.
package telemetry
