package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"
)

const pskSuiteName = "Noise_NNpsk2_25519_ChaChaPoly_SHA256"

var aLongTimeAgo = time.Unix(1, 0)

// Negotiator holds the process-wide credentials and runs per-connection
// handshakes. It is safe for concurrent use once created.
type Negotiator struct {
	opts    Options
	creds   *ServerCredentials
	config  *tls.Config
	logger  *Logger
	metrics *MetricsCollector
}

// NegotiatorOption configures a Negotiator.
type NegotiatorOption func(*Negotiator)

// WithMetricsCollector records into c instead of the global collector.
func WithMetricsCollector(c *MetricsCollector) NegotiatorOption {
	return func(n *Negotiator) { n.metrics = c }
}

// NewNegotiator loads credentials according to opts.Mode. Under off nothing
// is loaded. Under require any failure is returned. Under on a failure
// leaves the Negotiator inactive; it is logged only when the mode was set
// explicitly. An unresolvable PSK path is returned in every mode but off.
func NewNegotiator(opts Options, logger *slog.Logger, options ...NegotiatorOption) (*Negotiator, error) {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.Product == "" {
		opts.Product = DefaultProduct
	}
	n := &Negotiator{opts: opts, logger: NewLogger(logger)}
	for _, o := range options {
		o(n)
	}
	if n.metrics == nil {
		m, err := GetMetricsCollector()
		if err != nil {
			n.logger.logger.Warn("TLS metrics unavailable", "error", err)
		}
		n.metrics = m
	}

	if opts.Mode == ModeOff {
		return n, nil
	}

	ctx := context.Background()
	var (
		creds *ServerCredentials
		err   error
	)
	if opts.PSKFile != "" {
		path, rerr := ResolvePSKPath(opts.PSKFile)
		if rerr != nil {
			return nil, NewConfigInvalidError("tls.psk", opts.PSKFile, rerr.Error()).
				WithSuggestion("Use an existing file; the path is resolved to an absolute path at startup")
		}
		creds, err = loadPSKCredentials(path)
	} else {
		creds, err = n.loadX509Credentials(ctx)
	}

	if err != nil {
		if opts.Mode == ModeRequire {
			return nil, err
		}
		if opts.ModeExplicit {
			n.logger.LogDegraded(ctx, err)
		}
		return n, nil
	}

	n.creds = creds
	if creds.Kind == AuthCertificates {
		n.config = serverConfig(creds.X509, opts.VerifyPeer)
	}
	n.logger.LogCredentialsLoaded(ctx, creds)
	return n, nil
}

func loadPSKCredentials(path string) (*ServerCredentials, error) {
	psk, err := LoadPSKFile(path)
	if err != nil {
		return nil, err
	}
	return &ServerCredentials{Kind: AuthPSK, PSK: psk}, nil
}

func (n *Negotiator) loadX509Credentials(ctx context.Context) (*ServerCredentials, error) {
	home, _ := os.UserHomeDir()
	dirs := CertificateDirs(n.opts.CertificatesDir, n.opts.Product, os.Geteuid(), home)
	n.logger.LogCredentialProbe(ctx, dirs)

	x, found, err := LoadCertificates(dirs)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, NewConfigMissingError("certificates", dirs)
	}
	return &ServerCredentials{Kind: AuthCertificates, X509: x}, nil
}

// Active reports whether connections are negotiated. It is false under off
// and after a failed load under on.
func (n *Negotiator) Active() bool { return n != nil && n.creds != nil }

// AuthKind is the loaded credential type, AuthNone when inactive.
func (n *Negotiator) AuthKind() AuthKind {
	if !n.Active() {
		return AuthNone
	}
	return n.creds.Kind
}

// Negotiate runs the server handshake over in and out, which may be the
// same connection. The handshake is bounded by the handshake timeout and
// by ctx. On failure nothing is closed; the caller tears the connection
// down and must not retry.
func (n *Negotiator) Negotiate(ctx context.Context, in, out net.Conn) (Transport, error) {
	if !n.Active() {
		return nil, NewTLSError(ErrorTypeConfigInvalid, "negotiation requested while TLS is inactive")
	}
	conn := joinConns(in, out)
	remote := conn.RemoteAddr().String()
	start := time.Now()

	hctx, cancel := context.WithTimeout(ctx, n.opts.HandshakeTimeout)
	defer cancel()
	if deadline, ok := hctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(hctx, func() {
		if conn.SetDeadline(aLongTimeAgo) != nil {
			_ = conn.Close()
		}
	})

	var (
		session net.Conn
		info    *SessionInfo
		err     error
	)
	switch n.creds.Kind {
	case AuthPSK:
		session, info, err = n.negotiatePSK(conn)
	default:
		session, info, err = n.negotiateX509(hctx, conn)
	}

	if !stop() && err == nil {
		err = errors.New("handshake interrupted")
	}
	if err != nil {
		err = n.classify(ctx, hctx, err)
		duration := time.Since(start)
		n.logger.LogHandshakeFailure(ctx, remote, err, duration)
		n.metrics.RecordHandshakeError(ctx, n.creds.Kind, err, duration)
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	info.HandshakeDuration = time.Since(start)
	n.logger.LogHandshakeSuccess(ctx, remote, info)
	if n.opts.DebugSession {
		n.logger.LogSession(ctx, info)
	}
	n.metrics.RecordHandshakeSuccess(ctx, info)

	kind := info.Kind
	return newSecureTransport(session, info, func(read, written int64) {
		n.metrics.RecordSessionEnd(context.Background(), kind, read, written)
	}), nil
}

func (n *Negotiator) classify(ctx, hctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return NewHandshakeFailureError("connection cancelled", ctx.Err())
	case errors.Is(hctx.Err(), context.DeadlineExceeded), errors.Is(err, os.ErrDeadlineExceeded):
		return NewHandshakeTimeoutError(n.opts.HandshakeTimeout.String())
	}
	var te *TLSError
	if errors.As(err, &te) {
		return err
	}
	return NewHandshakeFailureError(n.creds.Kind.String(), err)
}

func (n *Negotiator) negotiateX509(ctx context.Context, conn net.Conn) (net.Conn, *SessionInfo, error) {
	tc := tls.Server(conn, n.config)
	if err := tc.HandshakeContext(ctx); err != nil {
		return nil, nil, NewHandshakeFailureError("x509 handshake", err)
	}
	state := tc.ConnectionState()

	var leaf *x509.Certificate
	if n.opts.VerifyPeer {
		verified, err := verifyPeer(state, n.creds.X509)
		switch {
		case err != nil:
			n.logger.LogPeerVerification(ctx, conn.RemoteAddr().String(), state.PeerCertificates[0].Subject.String(), err)
			n.metrics.RecordPeerVerification(ctx, "rejected")
		case verified == nil:
			n.metrics.RecordPeerVerification(ctx, "absent")
		default:
			n.metrics.RecordPeerVerification(ctx, "verified")
		}
		leaf = verified
	}
	return tc, sessionInfo(state, leaf), nil
}

func (n *Negotiator) negotiatePSK(conn net.Conn) (net.Conn, *SessionInfo, error) {
	pc, err := acceptPSK(conn, n.creds.PSK)
	if err != nil {
		return nil, nil, err
	}
	return pc, &SessionInfo{
		Kind:        AuthPSK,
		Version:     "noise",
		CipherSuite: pskSuiteName,
		Username:    pc.username,
	}, nil
}

// String describes the negotiator state for startup logs.
func (n *Negotiator) String() string {
	if !n.Active() {
		return fmt.Sprintf("tls=%s (inactive)", n.opts.Mode)
	}
	return fmt.Sprintf("tls=%s auth=%s", n.opts.Mode, n.creds.Kind)
}
