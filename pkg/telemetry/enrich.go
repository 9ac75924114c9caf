package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/polisai/blockgate/internal/access"
)

// RecordAdmission annotates span with an admission verdict. Skipped stages
// are not recorded.
func RecordAdmission(span trace.Span, v access.Verdict) {
	if span == nil || !span.IsRecording() || v.Skipped {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("access.stage", v.Stage.String()),
		attribute.String("access.decision", v.Decision.String()),
		attribute.String("access.reason", v.Reason),
	}
	if v.Rule != nil {
		attrs = append(attrs,
			attribute.String("access.list", v.List),
			attribute.String("access.rule", v.Rule.String()),
		)
	}
	span.AddEvent("access.admission", trace.WithAttributes(attrs...))

	if v.Decision == access.Deny {
		span.SetAttributes(attribute.Bool("access.denied", true))
		span.SetStatus(codes.Error, "rejected by policy")
	}
}

// RecordSession attaches the negotiated transport to span. The peer DN is
// recorded only when one was verified.
func RecordSession(span trace.Span, kind string, secure bool, peerDN string) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.SetAttributes(
		attribute.Bool("tls.active", secure),
		attribute.String("tls.auth", kind),
	)
	if peerDN != "" {
		span.SetAttributes(attribute.String("tls.peer_dn", peerDN))
	}
}

// RecordSessionParameters adds the negotiated protocol details. Empty
// values are skipped.
func RecordSessionParameters(span trace.Span, version, cipher, pskIdentity string) {
	if span == nil || !span.IsRecording() {
		return
	}
	for _, kv := range []attribute.KeyValue{
		attribute.String("tls.version", version),
		attribute.String("tls.cipher", cipher),
		attribute.String("tls.psk_identity", pskIdentity),
	} {
		if kv.Value.AsString() != "" {
			span.SetAttributes(kv)
		}
	}
}

// RecordNegotiationFailure marks span failed by a handshake error.
func RecordNegotiationFailure(span trace.Span, err error) {
	if span == nil || !span.IsRecording() {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "negotiation failed")
}
