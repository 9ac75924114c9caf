package tls

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// SessionInfo summarises a negotiated session for logs and identity rules.
type SessionInfo struct {
	Kind        AuthKind
	Version     string
	CipherSuite string
	// Username is the PSK identity the client presented.
	Username string

	PeerDN       string
	PeerIssuerDN string
	// PeerVerified is set when a client certificate chain was presented and
	// verified against the trust anchors.
	PeerVerified bool
	// PeerCertificates summarises each presented certificate, verified or
	// not.
	PeerCertificates []string

	HandshakeDuration time.Duration
}

// Logger provides structured logging for credential and session events.
type Logger struct {
	logger *slog.Logger
}

// NewLogger creates a Logger. A nil logger uses slog.Default.
func NewLogger(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{logger: logger.With("component", "tls")}
}

// LogCredentialProbe logs the directories searched for certificates.
func (l *Logger) LogCredentialProbe(ctx context.Context, dirs []string) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "probing certificate directories",
		slog.String("event", "credential_probe"),
		slog.String("dirs", strings.Join(dirs, ",")),
	)
}

// LogCredentialsLoaded logs where credentials came from.
func (l *Logger) LogCredentialsLoaded(ctx context.Context, creds *ServerCredentials) {
	attrs := []slog.Attr{
		slog.String("event", "credentials_loaded"),
		slog.String("kind", creds.Kind.String()),
		slog.Time("timestamp", time.Now()),
	}
	switch creds.Kind {
	case AuthCertificates:
		attrs = append(attrs,
			slog.String("dir", creds.X509.Dir),
			slog.Bool("crl", creds.X509.CRL != nil),
		)
		if leaf := creds.X509.Certificate.Leaf; leaf != nil {
			attrs = append(attrs,
				slog.String("subject", leaf.Subject.String()),
				slog.Time("not_after", leaf.NotAfter),
			)
		}
	case AuthPSK:
		attrs = append(attrs,
			slog.String("file", creds.PSK.File),
			slog.Int("users", creds.PSK.Len()),
		)
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS credentials loaded", attrs...)
}

// LogDegraded logs that TLS was requested but is not available.
func (l *Logger) LogDegraded(ctx context.Context, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "TLS disabled: credentials could not be loaded",
		slog.String("event", "tls_degraded"),
		slog.String("error", err.Error()),
		slog.Time("timestamp", time.Now()),
	)
}

// LogHandshakeSuccess logs a completed handshake.
func (l *Logger) LogHandshakeSuccess(ctx context.Context, remoteAddr string, info *SessionInfo) {
	attrs := []slog.Attr{
		slog.String("event", "handshake_success"),
		slog.String("remote_addr", remoteAddr),
		slog.String("kind", info.Kind.String()),
		slog.Duration("handshake_duration", info.HandshakeDuration),
	}
	if info.Version != "" {
		attrs = append(attrs, slog.String("tls_version", info.Version))
	}
	if info.Username != "" {
		attrs = append(attrs, slog.String("username", info.Username))
	}
	if info.PeerVerified {
		attrs = append(attrs, slog.String("peer_dn", info.PeerDN))
	}
	l.logger.LogAttrs(ctx, slog.LevelInfo, "TLS handshake completed", attrs...)
}

// LogHandshakeFailure logs a failed handshake. Timeouts are warnings.
func (l *Logger) LogHandshakeFailure(ctx context.Context, remoteAddr string, err error, duration time.Duration) {
	level := slog.LevelError
	if GetErrorSeverity(err) == SeverityWarning {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "TLS handshake failed",
		slog.String("event", "handshake_failure"),
		slog.String("remote_addr", remoteAddr),
		slog.String("error", err.Error()),
		slog.Duration("duration", duration),
		slog.Time("timestamp", time.Now()),
	)
}

// LogPeerVerification logs a client certificate that was presented but did
// not verify. The session continues without a peer DN.
func (l *Logger) LogPeerVerification(ctx context.Context, remoteAddr, subject string, err error) {
	l.logger.LogAttrs(ctx, slog.LevelWarn, "client certificate not verified",
		slog.String("event", "client_auth"),
		slog.String("remote_addr", remoteAddr),
		slog.String("subject", subject),
		slog.String("error", err.Error()),
	)
}

// LogSession logs the negotiated parameters at debug level.
func (l *Logger) LogSession(ctx context.Context, info *SessionInfo) {
	l.logger.LogAttrs(ctx, slog.LevelDebug, "TLS session",
		slog.String("event", "session_debug"),
		slog.String("kind", info.Kind.String()),
		slog.String("tls_version", info.Version),
		slog.String("cipher_suite", info.CipherSuite),
		slog.String("username", info.Username),
		slog.String("peer_dn", info.PeerDN),
		slog.String("peer_issuer_dn", info.PeerIssuerDN),
		slog.Bool("peer_verified", info.PeerVerified),
		slog.Int("peer_cert_count", len(info.PeerCertificates)),
		slog.Any("peer_certificates", info.PeerCertificates),
	)
}
