package access

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/gobwas/glob"
)

// Kind names a rule variant.
type Kind string

const (
	KindAny       Kind = "any"
	KindAnyIPv4   Kind = "anyipv4"
	KindAnyIPv6   Kind = "anyipv6"
	KindAnyUnix   Kind = "anyunix"
	KindAnyVsock  Kind = "anyvsock"
	KindIPv4      Kind = "ipv4"
	KindIPv6      Kind = "ipv6"
	KindDN        Kind = "dn"
	KindIssuerDN  Kind = "issuer-dn"
	KindPID       Kind = "pid"
	KindUID       Kind = "uid"
	KindGID       Kind = "gid"
	KindVsockCID  Kind = "vsock-cid"
	KindVsockPort Kind = "vsock-port"
	KindSecurity  Kind = "security"
)

// Rule is one parsed allow or deny entry. The set of implementations is
// closed: every variant lives in this file and carries its own matching
// logic.
//
// String returns a token that parses back to an equivalent rule.
type Rule interface {
	fmt.Stringer
	Kind() Kind
	// match reports whether the rule applies to p. An error means the
	// comparison itself could not be carried out; callers treat it as no
	// match.
	match(p Peer) (bool, error)
}

// Any matches every peer.
type Any struct{}

func (Any) Kind() Kind               { return KindAny }
func (Any) String() string           { return "any" }
func (Any) match(Peer) (bool, error) { return true, nil }

// AnyIPv4 matches every IPv4 peer.
type AnyIPv4 struct{}

func (AnyIPv4) Kind() Kind                 { return KindAnyIPv4 }
func (AnyIPv4) String() string             { return "anyipv4" }
func (AnyIPv4) match(p Peer) (bool, error) { return p.Family() == FamilyIPv4, nil }

// AnyIPv6 matches every IPv6 peer.
type AnyIPv6 struct{}

func (AnyIPv6) Kind() Kind                 { return KindAnyIPv6 }
func (AnyIPv6) String() string             { return "anyipv6" }
func (AnyIPv6) match(p Peer) (bool, error) { return p.Family() == FamilyIPv6, nil }

// AnyUnix matches every unix-domain socket peer.
type AnyUnix struct{}

func (AnyUnix) Kind() Kind                 { return KindAnyUnix }
func (AnyUnix) String() string             { return "anyunix" }
func (AnyUnix) match(p Peer) (bool, error) { return p.Family() == FamilyUnix, nil }

// AnyVsock matches every vsock peer.
type AnyVsock struct{}

func (AnyVsock) Kind() Kind                 { return KindAnyVsock }
func (AnyVsock) String() string             { return "anyvsock" }
func (AnyVsock) match(p Peer) (bool, error) { return p.Family() == FamilyVsock, nil }

// IPv4 matches IPv4 peers inside Prefix. The prefix address is kept as
// written, host bits included.
type IPv4 struct {
	Prefix netip.Prefix
}

func (IPv4) Kind() Kind       { return KindIPv4 }
func (r IPv4) String() string { return r.Prefix.String() }

func (r IPv4) match(p Peer) (bool, error) {
	if p.Family() != FamilyIPv4 {
		return false, nil
	}
	return ipv4Match(r.Prefix.Addr(), p.Addr(), r.Prefix.Bits()), nil
}

// ipv4Match compares the top bits of two IPv4 addresses. A shift of 32
// yields a zero mask, so bits == 0 matches everything.
func ipv4Match(rule, peer netip.Addr, bits int) bool {
	if !peer.Is4() {
		return false
	}
	mask := uint32(0xffffffff) << (32 - bits)
	return be32(rule.As4())&mask == be32(peer.As4())&mask
}

func be32(b [4]byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

// IPv6 matches IPv6 peers inside Prefix.
type IPv6 struct {
	Prefix netip.Prefix
}

func (IPv6) Kind() Kind { return KindIPv6 }

func (r IPv6) String() string {
	return r.Prefix.String()
}

func (r IPv6) match(p Peer) (bool, error) {
	if p.Family() != FamilyIPv6 {
		return false, nil
	}
	return ipv6Match(r.Prefix.Addr(), p.Addr(), r.Prefix.Bits()), nil
}

// ipv6Match compares whole bytes first and then the high bits of the final
// partial byte.
func ipv6Match(rule, peer netip.Addr, bits int) bool {
	if !peer.Is6() {
		return false
	}
	a, b := rule.As16(), peer.As16()
	i := 0
	for ; bits >= 8; bits -= 8 {
		if a[i] != b[i] {
			return false
		}
		i++
	}
	if bits == 0 {
		return true
	}
	mask := byte(0xff) << (8 - bits)
	return a[i]&mask == b[i]&mask
}

// DN matches the subject distinguished name of a verified client
// certificate against a case-insensitive glob.
type DN struct {
	Pattern string
	g       glob.Glob
}

func (DN) Kind() Kind       { return KindDN }
func (r DN) String() string { return "dn:" + r.Pattern }

func (r DN) match(p Peer) (bool, error) {
	return dnMatch(r.g, r.Pattern, p.SubjectDN())
}

// IssuerDN matches the issuer distinguished name of a verified client
// certificate against a case-insensitive glob.
type IssuerDN struct {
	Pattern string
	g       glob.Glob
}

func (IssuerDN) Kind() Kind       { return KindIssuerDN }
func (r IssuerDN) String() string { return "issuer-dn:" + r.Pattern }

func (r IssuerDN) match(p Peer) (bool, error) {
	return dnMatch(r.g, r.Pattern, p.IssuerDN())
}

// compileDN lowercases the pattern so matching against a lowercased DN is
// case-insensitive. Only *, ? and [...] are special: braces are literal,
// as DNs may contain them. No separators are set, so * also matches
// commas.
func compileDN(pattern string) (glob.Glob, error) {
	g, err := glob.Compile(escapeBraces(strings.ToLower(pattern)))
	if err != nil {
		return nil, fmt.Errorf("compile glob %q: %w", pattern, err)
	}
	return g, nil
}

// escapeBraces disables brace alternation outside character classes.
// Existing escapes are kept as written.
func escapeBraces(pattern string) string {
	var b strings.Builder
	b.Grow(len(pattern))
	inClass := false
	for i := 0; i < len(pattern); i++ {
		c := pattern[i]
		switch {
		case c == '\\' && i+1 < len(pattern):
			b.WriteByte(c)
			i++
			b.WriteByte(pattern[i])
			continue
		case inClass:
			if c == ']' {
				inClass = false
			}
		case c == '[':
			inClass = true
		case c == '{' || c == '}':
			b.WriteByte('\\')
		}
		b.WriteByte(c)
	}
	return b.String()
}

// dnMatch compiles the pattern on demand for rules not built by Parse.
func dnMatch(g glob.Glob, pattern, dn string) (bool, error) {
	if dn == "" {
		return false, nil
	}
	if g == nil {
		var err error
		if g, err = compileDN(pattern); err != nil {
			return false, err
		}
	}
	return g.Match(strings.ToLower(dn)), nil
}

// PID matches the process ID of a unix-domain peer.
type PID struct {
	ID int64
}

func (PID) Kind() Kind       { return KindPID }
func (r PID) String() string { return fmt.Sprintf("pid:%d", r.ID) }

func (r PID) match(p Peer) (bool, error) {
	c, ok := unixCredentials(p)
	return ok && c.PID == r.ID, nil
}

// UID matches the user ID of a unix-domain peer.
type UID struct {
	ID int64
}

func (UID) Kind() Kind       { return KindUID }
func (r UID) String() string { return fmt.Sprintf("uid:%d", r.ID) }

func (r UID) match(p Peer) (bool, error) {
	c, ok := unixCredentials(p)
	return ok && c.UID == r.ID, nil
}

// GID matches the group ID of a unix-domain peer.
type GID struct {
	ID int64
}

func (GID) Kind() Kind       { return KindGID }
func (r GID) String() string { return fmt.Sprintf("gid:%d", r.ID) }

func (r GID) match(p Peer) (bool, error) {
	c, ok := unixCredentials(p)
	return ok && c.GID == r.ID, nil
}

func unixCredentials(p Peer) (Credentials, bool) {
	if p.Family() != FamilyUnix {
		return Credentials{}, false
	}
	c, err := p.Credentials()
	if err != nil {
		return Credentials{}, false
	}
	return c, true
}

// VsockCID matches the context ID of a vsock peer.
type VsockCID struct {
	ID uint32
}

func (VsockCID) Kind() Kind       { return KindVsockCID }
func (r VsockCID) String() string { return fmt.Sprintf("vsock-cid:%d", r.ID) }

func (r VsockCID) match(p Peer) (bool, error) {
	if p.Family() != FamilyVsock {
		return false, nil
	}
	cid, _, ok := p.Vsock()
	return ok && cid == r.ID, nil
}

// VsockPort matches the port of a vsock peer.
type VsockPort struct {
	ID uint32
}

func (VsockPort) Kind() Kind       { return KindVsockPort }
func (r VsockPort) String() string { return fmt.Sprintf("vsock-port:%d", r.ID) }

func (r VsockPort) match(p Peer) (bool, error) {
	if p.Family() != FamilyVsock {
		return false, nil
	}
	_, port, ok := p.Vsock()
	return ok && port == r.ID, nil
}

// Security matches the security context label (SO_PEERSEC) of unix, IPv4
// and IPv6 peers exactly.
type Security struct {
	Label string
}

func (Security) Kind() Kind       { return KindSecurity }
func (r Security) String() string { return "security:" + r.Label }

func (r Security) match(p Peer) (bool, error) {
	switch p.Family() {
	case FamilyUnix, FamilyIPv4, FamilyIPv6:
	default:
		return false, nil
	}
	label, err := p.SecurityLabel()
	if err != nil || label == "" {
		return false, nil
	}
	return label == r.Label, nil
}

// requiresIdentity reports whether r can only be evaluated after the TLS
// handshake.
func requiresIdentity(r Rule) bool {
	switch r.(type) {
	case DN, IssuerDN:
		return true
	}
	return false
}
