package tls

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/hex"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNegotiatorModes(t *testing.T) {
	pki := newTestPKI(t)
	empty := t.TempDir()

	tests := []struct {
		name       string
		opts       Options
		wantErr    bool
		wantActive bool
		wantKind   AuthKind
	}{
		{
			name: "off loads nothing even with bad paths",
			opts: Options{Mode: ModeOff, PSKFile: "/does/not/exist"},
		},
		{
			name:       "on with certificates",
			opts:       Options{Mode: ModeOn, CertificatesDir: pki.Dir},
			wantActive: true,
			wantKind:   AuthCertificates,
		},
		{
			name: "on without certificates degrades",
			opts: Options{Mode: ModeOn, ModeExplicit: true, CertificatesDir: empty},
		},
		{
			name:    "require without certificates fails",
			opts:    Options{Mode: ModeRequire, CertificatesDir: empty},
			wantErr: true,
		},
		{
			name:       "require with certificates",
			opts:       Options{Mode: ModeRequire, CertificatesDir: pki.Dir},
			wantActive: true,
			wantKind:   AuthCertificates,
		},
		{
			name:    "unresolvable PSK path fails under on",
			opts:    Options{Mode: ModeOn, PSKFile: filepath.Join(empty, "missing.psk")},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := NewNegotiator(tt.opts, testLogger(), WithMetricsCollector(newTestMetrics(t).collector))
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, IsConfigurationError(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantActive, n.Active())
			assert.Equal(t, tt.wantKind, n.AuthKind())
		})
	}
}

func TestNewNegotiatorPSK(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.psk")
	require.NoError(t, os.WriteFile(path, []byte("alice:"+hex.EncodeToString(aliceKey)+"\n"), 0o600))
	// A PSK file wins over a certificate directory.
	pki := newTestPKI(t)

	n, err := NewNegotiator(Options{Mode: ModeRequire, PSKFile: path, CertificatesDir: pki.Dir}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, AuthPSK, n.AuthKind())
	assert.Equal(t, 1, n.creds.PSK.Len())

	broken := filepath.Join(dir, "broken.psk")
	require.NoError(t, os.WriteFile(broken, []byte("nonsense\n"), 0o600))
	_, err = NewNegotiator(Options{Mode: ModeRequire, PSKFile: broken}, testLogger())
	assert.True(t, IsConfigurationError(err))

	n, err = NewNegotiator(Options{Mode: ModeOn, PSKFile: broken}, testLogger())
	require.NoError(t, err)
	assert.False(t, n.Active())
}

func TestNegotiateInactive(t *testing.T) {
	n, err := NewNegotiator(Options{Mode: ModeOff}, testLogger())
	require.NoError(t, err)
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	_, err = n.Negotiate(context.Background(), a, nil)
	assert.Error(t, err)
}

func clientConfig(t *testing.T, pki *GeneratedPKI, client *GeneratedCertificate) *tls.Config {
	t.Helper()
	roots := x509.NewCertPool()
	roots.AddCert(pki.CA.Cert)
	config := &tls.Config{RootCAs: roots, ServerName: "localhost", MinVersion: tls.VersionTLS12}
	if client != nil {
		pair, err := tls.X509KeyPair(client.CertPEM, client.KeyPEM)
		require.NoError(t, err)
		config.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			return &pair, nil
		}
	}
	return config
}

// negotiateX509 runs a handshake between n and a crypto/tls client, then
// has the client send msg and close.
func negotiateX509(t *testing.T, n *Negotiator, config *tls.Config, msg string) (Transport, error) {
	t.Helper()
	s, c := net.Pipe()
	t.Cleanup(func() {
		_ = s.Close()
		_ = c.Close()
	})

	go func() {
		tc := tls.Client(c, config)
		if err := tc.Handshake(); err != nil {
			_ = c.Close()
			return
		}
		_, _ = tc.Write([]byte(msg))
		_ = tc.CloseWrite()
		_, _ = io.Copy(io.Discard, tc)
	}()

	tr, err := n.Negotiate(context.Background(), s, nil)
	if err != nil {
		_ = s.Close()
	}
	return tr, err
}

func TestNegotiateX509(t *testing.T) {
	pki := newTestPKI(t)
	m := newTestMetrics(t)
	n, err := NewNegotiator(Options{Mode: ModeRequire, CertificatesDir: pki.Dir, VerifyPeer: true}, testLogger(),
		WithMetricsCollector(m.collector))
	require.NoError(t, err)

	tr, err := negotiateX509(t, n, clientConfig(t, pki, pki.Client), "hello")
	require.NoError(t, err)
	assert.True(t, tr.Secure())
	assert.Equal(t, "CN=client,O=Blockgate Test", tr.PeerDN())
	assert.Equal(t, "CN=localhost CA,O=Blockgate Test", tr.PeerIssuerDN())

	buf := make([]byte, 5)
	require.NoError(t, tr.Recv(buf))
	assert.Equal(t, "hello", string(buf))
	assert.ErrorIs(t, tr.Recv(buf), io.EOF)
	tr.Shutdown(ShutdownBoth)

	metrics := m.collect(t)
	assert.Equal(t, int64(1), sum(t, metrics, "tls_handshakes_total"))
	assert.Equal(t, int64(1), sum(t, metrics, "tls_peer_verification_total"))
	assert.Equal(t, int64(0), sum(t, metrics, "tls_sessions_active"))
}

func TestSecureTransportHalfClose(t *testing.T) {
	pki := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeRequire, CertificatesDir: pki.Dir}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	s, c := net.Pipe()
	t.Cleanup(func() {
		_ = s.Close()
		_ = c.Close()
	})

	type clientResult struct {
		read []byte
		err  error
	}
	done := make(chan clientResult, 1)
	go func() {
		tc := tls.Client(c, clientConfig(t, pki, nil))
		if err := tc.Handshake(); err != nil {
			done <- clientResult{err: err}
			return
		}
		read, err := io.ReadAll(tc)
		if err == nil {
			_, err = tc.Write([]byte("after"))
		}
		done <- clientResult{read: read, err: err}
	}()

	tr, err := n.Negotiate(context.Background(), s, nil)
	require.NoError(t, err)

	require.NoError(t, tr.Send([]byte("hi"), false))
	tr.Shutdown(ShutdownWrite)

	buf := make([]byte, 5)
	require.NoError(t, tr.Recv(buf), "peer can still write after a half close")
	assert.Equal(t, "after", string(buf))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, "hi", string(res.read))

	tr.Shutdown(ShutdownBoth)
}

func TestNegotiateX509WithoutClientCertificate(t *testing.T) {
	pki := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir, VerifyPeer: true}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	tr, err := negotiateX509(t, n, clientConfig(t, pki, nil), "x")
	require.NoError(t, err)
	assert.True(t, tr.Secure())
	assert.Empty(t, tr.PeerDN())
	assert.Empty(t, tr.PeerIssuerDN())
}

func TestNegotiateX509UntrustedClientCertificate(t *testing.T) {
	pki := newTestPKI(t)
	foreign := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir, VerifyPeer: true}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	tr, err := negotiateX509(t, n, clientConfig(t, pki, foreign.Client), "x")
	require.NoError(t, err, "verification is advisory")
	assert.Empty(t, tr.PeerDN())
}

func TestNegotiateX509RevokedClientCertificate(t *testing.T) {
	pki := newTestPKI(t)
	require.NoError(t, WriteCRL(pki.Dir, pki.CA, pki.Client.Cert.SerialNumber))
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir, VerifyPeer: true}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	tr, err := negotiateX509(t, n, clientConfig(t, pki, pki.Client), "x")
	require.NoError(t, err)
	assert.Empty(t, tr.PeerDN())
}

func TestNegotiateX509WithoutVerifyPeer(t *testing.T) {
	pki := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	tr, err := negotiateX509(t, n, clientConfig(t, pki, pki.Client), "x")
	require.NoError(t, err)
	assert.Empty(t, tr.PeerDN(), "no certificate is requested")
}

func TestNegotiateX509BadClient(t *testing.T) {
	pki := newTestPKI(t)
	m := newTestMetrics(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir}, testLogger(),
		WithMetricsCollector(m.collector))
	require.NoError(t, err)

	// The client does not trust the server's CA and aborts.
	other := newTestPKI(t)
	_, err = negotiateX509(t, n, clientConfig(t, other, nil), "x")
	require.Error(t, err)
	assert.True(t, IsHandshakeError(err))
	assert.Equal(t, int64(1), sum(t, m.collect(t), "tls_handshake_errors_total"))
}

func TestNegotiateTimeout(t *testing.T) {
	pki := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir, HandshakeTimeout: 50 * time.Millisecond},
		testLogger(), WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	s, c := net.Pipe()
	defer s.Close()
	defer c.Close()

	start := time.Now()
	_, err = n.Negotiate(context.Background(), s, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)

	var te *TLSError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, ErrorTypeHandshakeTimeout, te.Type)
}

func TestNegotiateCancelled(t *testing.T) {
	pki := newTestPKI(t)
	n, err := NewNegotiator(Options{Mode: ModeOn, CertificatesDir: pki.Dir}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	s, c := net.Pipe()
	defer s.Close()
	defer c.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)
	_, err = n.Negotiate(ctx, s, nil)
	require.Error(t, err)
	assert.True(t, IsHandshakeError(err))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNegotiatePSK(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.psk")
	require.NoError(t, os.WriteFile(path, []byte("alice:"+hex.EncodeToString(aliceKey)+"\n"), 0o600))
	n, err := NewNegotiator(Options{Mode: ModeRequire, PSKFile: path}, testLogger(),
		WithMetricsCollector(newTestMetrics(t).collector))
	require.NoError(t, err)

	s, c := net.Pipe()
	defer s.Close()
	defer c.Close()

	go func() {
		conn, err := DialPSK(c, "alice", aliceKey)
		if err != nil {
			_ = c.Close()
			return
		}
		_, _ = conn.Write([]byte("over psk"))
		_ = conn.Close()
	}()

	tr, err := n.Negotiate(context.Background(), s, nil)
	require.NoError(t, err)
	assert.True(t, tr.Secure())
	assert.Empty(t, tr.PeerDN())
	assert.Equal(t, "alice", tr.(*SecureTransport).Session().Username)

	buf := make([]byte, 8)
	require.NoError(t, tr.Recv(buf))
	assert.Equal(t, "over psk", string(buf))
	assert.ErrorIs(t, tr.Recv(buf), io.EOF)
	tr.Shutdown(ShutdownBoth)
}
