package tls

import (
	"fmt"
	"strings"
	"time"
)

// Mode selects whether TLS is used.
type Mode int

const (
	ModeOff Mode = iota
	// ModeOn enables TLS if credentials load and silently runs without it
	// otherwise.
	ModeOn
	// ModeRequire refuses to start without credentials.
	ModeRequire
)

func (m Mode) String() string {
	switch m {
	case ModeOn:
		return "on"
	case ModeRequire:
		return "require"
	default:
		return "off"
	}
}

// ParseMode accepts off, on and require, plus the usual boolean spellings
// for off and on.
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "no", "false", "0":
		return ModeOff, nil
	case "on", "yes", "true", "1":
		return ModeOn, nil
	case "require", "required":
		return ModeRequire, nil
	}
	return ModeOff, fmt.Errorf("invalid TLS mode %q (want off, on or require)", s)
}

// AuthKind is the credential type TLS runs with.
type AuthKind int

const (
	AuthNone AuthKind = iota
	AuthCertificates
	AuthPSK
)

func (k AuthKind) String() string {
	switch k {
	case AuthCertificates:
		return "x509"
	case AuthPSK:
		return "psk"
	default:
		return "none"
	}
}

// DefaultHandshakeTimeout bounds a single handshake.
const DefaultHandshakeTimeout = 40 * time.Second

// DefaultProduct names the per-user and system certificate directories.
const DefaultProduct = "blockgate"

// Options configures credential loading and negotiation.
type Options struct {
	Mode Mode
	// ModeExplicit records that the operator chose Mode rather than
	// inheriting the default. Only then is degradation warned about.
	ModeExplicit bool

	CertificatesDir string
	PSKFile         string
	VerifyPeer      bool

	HandshakeTimeout time.Duration
	DebugSession     bool

	// Product overrides DefaultProduct in probed directory names.
	Product string
}
