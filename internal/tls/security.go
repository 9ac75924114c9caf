package tls

import (
	"crypto/tls"
	"fmt"
)

// Certificate sessions negotiate TLS 1.2 or later. The 1.2 suites are
// forward-secret AEAD only, strongest first; 1.3 suites are fixed by
// crypto/tls.
var (
	sessionCipherSuites = []uint16{
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
	sessionCurves = []tls.CurveID{tls.X25519, tls.CurveP256, tls.CurveP384}
)

const minSessionVersion = tls.VersionTLS12

// harden raises config to the session baseline. Settings already stricter
// than the baseline are kept.
func harden(config *tls.Config) {
	if len(config.CipherSuites) == 0 {
		config.CipherSuites = sessionCipherSuites
	}
	if config.MinVersion < minSessionVersion {
		config.MinVersion = minSessionVersion
	}
	if len(config.CurvePreferences) == 0 {
		config.CurvePreferences = sessionCurves
	}
	// One handshake per connection: no resumption, no renegotiation.
	config.SessionTicketsDisabled = true
	config.Renegotiation = tls.RenegotiateNever
}

// serverConfig builds the server-side configuration for X509 sessions.
// With verifyPeer the client is asked for a certificate but the handshake
// does not depend on it; the chain is checked afterwards.
func serverConfig(creds *X509Credentials, verifyPeer bool) *tls.Config {
	config := &tls.Config{
		Certificates: []tls.Certificate{creds.Certificate},
		ClientAuth:   tls.NoClientCert,
	}
	if verifyPeer {
		config.ClientAuth = tls.RequestClientCert
		config.ClientCAs = creds.TrustAnchors
	}
	harden(config)
	return config
}

func versionName(v uint16) string {
	switch v {
	case tls.VersionTLS12:
		return "TLS 1.2"
	case tls.VersionTLS13:
		return "TLS 1.3"
	default:
		return fmt.Sprintf("0x%04x", v)
	}
}
