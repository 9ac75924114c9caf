package access

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

type testPeer struct {
	family   Family
	addr     netip.Addr
	creds    *Credentials
	cid      uint32
	port     uint32
	label    string
	labelErr error
	dn       string
	issuerDN string
}

func (p *testPeer) Family() Family   { return p.family }
func (p *testPeer) Addr() netip.Addr { return p.addr }

func (p *testPeer) Credentials() (Credentials, error) {
	if p.creds == nil {
		return Credentials{}, ErrNotAvailable
	}
	return *p.creds, nil
}

func (p *testPeer) Vsock() (uint32, uint32, bool) {
	return p.cid, p.port, p.family == FamilyVsock
}

func (p *testPeer) SecurityLabel() (string, error) {
	if p.labelErr != nil {
		return "", p.labelErr
	}
	return p.label, nil
}

func (p *testPeer) SubjectDN() string { return p.dn }
func (p *testPeer) IssuerDN() string  { return p.issuerDN }

func ipPeer(s string) *testPeer {
	addr := netip.MustParseAddr(s).Unmap()
	if addr.Is4() {
		return &testPeer{family: FamilyIPv4, addr: addr}
	}
	return &testPeer{family: FamilyIPv6, addr: addr}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func mustPolicy(t *testing.T, allow, deny []string) *Policy {
	t.Helper()
	rs, err := NewRuleSet(allow, deny)
	require.NoError(t, err)
	return NewPolicy(rs, testLogger())
}

func mustRule(t *testing.T, token string) Rule {
	t.Helper()
	rules, err := Parse(OptionAllow, token)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	return rules[0]
}

func matches(t *testing.T, r Rule, p Peer) bool {
	t.Helper()
	ok, err := r.match(p)
	require.NoError(t, err)
	return ok
}

func TestIPv4PrefixMatch(t *testing.T) {
	r := mustRule(t, "192.0.2.0/24")
	assert.True(t, matches(t, r, ipPeer("192.0.2.200")))
	assert.False(t, matches(t, r, ipPeer("192.0.3.1")))
	assert.False(t, matches(t, r, ipPeer("2001:db8::1")))

	zero := mustRule(t, "0.0.0.0/0")
	assert.True(t, matches(t, zero, ipPeer("203.0.113.9")))
	assert.False(t, matches(t, zero, ipPeer("::1")))

	host := mustRule(t, "127.0.0.1")
	assert.True(t, matches(t, host, ipPeer("127.0.0.1")))
	assert.False(t, matches(t, host, ipPeer("127.0.0.2")))
}

func TestIPv4PrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.IntRange(1, 32).Draw(t, "bits")
		base := rapid.Uint32().Draw(t, "base")
		flip := rapid.IntRange(0, 31).Draw(t, "flip")

		rule := IPv4{Prefix: netip.PrefixFrom(v4(base), bits)}
		peer := &testPeer{family: FamilyIPv4, addr: v4(base ^ (1 << uint(flip)))}

		got, _ := rule.match(peer)
		// bit 31-flip from the top is inside the prefix iff 31-flip < bits.
		want := 31-flip >= bits
		if got != want {
			t.Fatalf("%s vs %s: got %v want %v", rule, peer.addr, got, want)
		}
	})
}

func v4(u uint32) netip.Addr {
	return netip.AddrFrom4([4]byte{byte(u >> 24), byte(u >> 16), byte(u >> 8), byte(u)})
}

func TestIPv6PrefixMatch(t *testing.T) {
	r := mustRule(t, "2001:db8::/33")
	assert.True(t, matches(t, r, ipPeer("2001:db8:7fff::1")))
	assert.False(t, matches(t, r, ipPeer("2001:db8:8000::1")))
	assert.False(t, matches(t, r, ipPeer("192.0.2.1")))

	any6 := mustRule(t, "::/0")
	assert.True(t, matches(t, any6, ipPeer("fe80::1")))

	full := mustRule(t, "::1")
	assert.True(t, matches(t, full, ipPeer("::1")))
	assert.False(t, matches(t, full, ipPeer("::2")))
}

func TestIPv6PrefixProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		bits := rapid.IntRange(0, 128).Draw(t, "bits")
		raw := rapid.SliceOfN(rapid.Byte(), 16, 16).Draw(t, "addr")
		flip := rapid.IntRange(0, 127).Draw(t, "flip")

		a := [16]byte(raw)
		b := a
		b[flip/8] ^= 0x80 >> uint(flip%8)

		got := ipv6Match(netip.AddrFrom16(a), netip.AddrFrom16(b), bits)
		if got != (flip >= bits) {
			t.Fatalf("bits=%d flip=%d: got %v", bits, flip, got)
		}
		if !ipv6Match(netip.AddrFrom16(a), netip.AddrFrom16(a), bits) {
			t.Fatalf("address must match itself at /%d", bits)
		}
	})
}

func TestFamilyRules(t *testing.T) {
	unix := &testPeer{family: FamilyUnix}
	vsock := &testPeer{family: FamilyVsock, cid: 3, port: 10809}
	ip4 := ipPeer("10.0.0.1")
	ip6 := ipPeer("fd00::1")

	assert.True(t, matches(t, Any{}, unix))
	assert.True(t, matches(t, AnyIPv4{}, ip4))
	assert.False(t, matches(t, AnyIPv4{}, ip6))
	assert.True(t, matches(t, AnyIPv6{}, ip6))
	assert.True(t, matches(t, AnyUnix{}, unix))
	assert.False(t, matches(t, AnyUnix{}, vsock))
	assert.True(t, matches(t, AnyVsock{}, vsock))

	assert.True(t, matches(t, VsockCID{ID: 3}, vsock))
	assert.False(t, matches(t, VsockCID{ID: 4}, vsock))
	assert.True(t, matches(t, VsockPort{ID: 10809}, vsock))
	assert.False(t, matches(t, VsockPort{ID: 10809}, ip4))
}

func TestCredentialRules(t *testing.T) {
	peer := &testPeer{family: FamilyUnix, creds: &Credentials{PID: 100, UID: 1000, GID: 50}}

	assert.True(t, matches(t, PID{ID: 100}, peer))
	assert.True(t, matches(t, UID{ID: 1000}, peer))
	assert.True(t, matches(t, GID{ID: 50}, peer))
	assert.False(t, matches(t, UID{ID: 0}, peer))

	noCreds := &testPeer{family: FamilyUnix}
	assert.False(t, matches(t, UID{ID: 0}, noCreds))

	tcp := &testPeer{family: FamilyIPv4, creds: &Credentials{UID: 0}}
	assert.False(t, matches(t, UID{ID: 0}, tcp))
}

func TestSecurityRule(t *testing.T) {
	r := Security{Label: "system_u:system_r:svirt_t:s0"}

	assert.True(t, matches(t, r, &testPeer{family: FamilyUnix, label: "system_u:system_r:svirt_t:s0"}))
	assert.True(t, matches(t, r, &testPeer{family: FamilyIPv6, label: "system_u:system_r:svirt_t:s0"}))
	assert.False(t, matches(t, r, &testPeer{family: FamilyUnix, label: "unconfined"}))
	assert.False(t, matches(t, r, &testPeer{family: FamilyUnix, labelErr: errors.New("ENOPROTOOPT")}))
	assert.False(t, matches(t, r, &testPeer{family: FamilyVsock, label: "system_u:system_r:svirt_t:s0"}))
}

func TestDNRules(t *testing.T) {
	peer := &testPeer{
		family:   FamilyIPv4,
		addr:     netip.MustParseAddr("192.0.2.1"),
		dn:       "CN=client1,O=Example Corp,C=US",
		issuerDN: "CN=Example CA,O=Example Corp,C=US",
	}

	assert.True(t, matches(t, mustRule(t, "dn:cn=client?,o=example corp,c=us"), peer))
	assert.True(t, matches(t, mustRule(t, "dn:CN=client*"), peer))
	assert.True(t, matches(t, mustRule(t, "dn:CN=client[0-9],*"), peer))
	assert.False(t, matches(t, mustRule(t, "dn:CN=server*"), peer))
	assert.True(t, matches(t, mustRule(t, "issuer-dn:*Example CA*"), peer))
	assert.False(t, matches(t, mustRule(t, "issuer-dn:CN=Other CA*"), peer))

	anonymous := ipPeer("192.0.2.1")
	assert.False(t, matches(t, mustRule(t, "dn:*"), anonymous))
	assert.False(t, matches(t, mustRule(t, "issuer-dn:*"), anonymous))
}

func TestDNRuleCompileErrorIsNoMatch(t *testing.T) {
	r := DN{Pattern: "CN=["}
	ok, err := r.match(&testPeer{dn: "CN=["})
	assert.False(t, ok)
	assert.Error(t, err)

	p := NewPolicy(&RuleSet{deny: []Rule{r}, lateFiltering: true}, testLogger())
	v := p.Evaluate(context.Background(), &testPeer{family: FamilyIPv4, dn: "CN=["})
	assert.Equal(t, Allow, v.Decision)
}

func TestDNBracesAreLiteral(t *testing.T) {
	braced := &testPeer{family: FamilyIPv4, dn: "CN={legacy},O=Example"}
	plain := &testPeer{family: FamilyIPv4, dn: "CN=legacy,O=Example"}

	rule := mustRule(t, "dn:CN={legacy},O=Example")
	assert.True(t, matches(t, rule, braced))
	assert.False(t, matches(t, rule, plain))

	alt := mustRule(t, "dn:CN={a,b}*")
	assert.True(t, matches(t, alt, &testPeer{family: FamilyIPv4, dn: "CN={a,b} host"}))
	assert.False(t, matches(t, alt, &testPeer{family: FamilyIPv4, dn: "CN=a host"}))

	assert.True(t, matches(t, mustRule(t, "dn:CN=[{x]*"), &testPeer{family: FamilyIPv4, dn: "CN={y"}))

	p := mustPolicy(t, nil, []string{"dn:CN={legacy},O=Example"})
	v := p.Evaluate(context.Background(), braced)
	assert.Equal(t, Deny, v.Decision)
}

func TestEscapeBraces(t *testing.T) {
	tests := map[string]string{
		"cn=plain":  "cn=plain",
		"cn={a,b}":  `cn=\{a,b\}`,
		`cn=\{a\}`:  `cn=\{a\}`,
		"cn=[{}]*":  "cn=[{}]*",
		"cn=[a]{b}": `cn=[a]\{b\}`,
	}
	for in, want := range tests {
		assert.Equal(t, want, escapeBraces(in), in)
	}
}

func TestPolicyFirstMatch(t *testing.T) {
	p := mustPolicy(t, []string{"10.0.0.0/8"}, []string{"any"})
	ctx := context.Background()

	v := p.Evaluate(ctx, ipPeer("10.0.0.5"))
	assert.Equal(t, Allow, v.Decision)
	assert.Equal(t, OptionAllow, v.List)
	assert.Equal(t, "10.0.0.0/8", v.Rule.String())

	v = p.Evaluate(ctx, ipPeer("203.0.113.5"))
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, OptionDeny, v.List)
	assert.Equal(t, KindAny, v.Rule.Kind())
}

func TestPolicyDefaultAllow(t *testing.T) {
	p := mustPolicy(t, nil, nil)
	assert.True(t, p.Rules().Empty())

	rapid.Check(t, func(t *rapid.T) {
		peer := &testPeer{
			family: Family(rapid.IntRange(int(FamilyUnknown), int(FamilyVsock)).Draw(t, "family")),
			addr:   v4(rapid.Uint32().Draw(t, "addr")),
		}
		if v := p.Evaluate(context.Background(), peer); v.Decision != Allow {
			t.Fatalf("empty policy denied %+v", peer)
		}
	})
}

func TestPolicyNoMatchFallsThrough(t *testing.T) {
	p := mustPolicy(t, []string{"anyunix"}, []string{"dn:CN=mallory*"})

	v := p.Evaluate(context.Background(), ipPeer("198.51.100.1"))
	assert.Equal(t, Allow, v.Decision)
	assert.Nil(t, v.Rule)
	assert.Equal(t, "no rule matched", v.Reason)
}

func TestPolicyDeniesUnknownPeer(t *testing.T) {
	p := mustPolicy(t, []string{"any"}, nil)
	v := p.Evaluate(context.Background(), nil)
	assert.Equal(t, Deny, v.Decision)

	open := mustPolicy(t, nil, nil)
	assert.Equal(t, Allow, open.Evaluate(context.Background(), nil).Decision)
}

func TestPolicyStages(t *testing.T) {
	ctx := context.Background()

	early := mustPolicy(t, nil, []string{"192.0.2.0/24"})
	assert.Equal(t, StageEarly, early.Stage())
	assert.Equal(t, Deny, early.Preconnect(ctx, ipPeer("192.0.2.9")).Decision)
	skipped := early.Late(ctx, ipPeer("192.0.2.9"))
	assert.True(t, skipped.Skipped)
	assert.Equal(t, Allow, skipped.Decision)

	late := mustPolicy(t, nil, []string{"192.0.2.0/24", "dn:CN=mallory"})
	assert.Equal(t, StageLate, late.Stage())
	skipped = late.Preconnect(ctx, ipPeer("192.0.2.9"))
	assert.True(t, skipped.Skipped)
	assert.Equal(t, Allow, skipped.Decision)
	v := late.Late(ctx, ipPeer("192.0.2.9"))
	assert.False(t, v.Skipped)
	assert.Equal(t, Deny, v.Decision)
	assert.Equal(t, StageLate, v.Stage)
}

func TestGateSnapshot(t *testing.T) {
	first := mustPolicy(t, nil, []string{"any"})
	gate := NewGate(first)

	snap := gate.Snapshot()
	gate.Replace(mustPolicy(t, nil, nil))

	ctx := context.Background()
	assert.Equal(t, Deny, snap.Preconnect(ctx, ipPeer("192.0.2.1")).Decision)
	assert.Equal(t, Allow, gate.Snapshot().Preconnect(ctx, ipPeer("192.0.2.1")).Decision)
}

func TestPolicyDebugLogging(t *testing.T) {
	rs, err := NewRuleSet([]string{"anyvsock"}, []string{"any"})
	require.NoError(t, err)
	p := NewPolicy(rs, testLogger(), WithDebug(true))
	assert.True(t, p.Debug())

	v := p.Evaluate(context.Background(), &testPeer{family: FamilyVsock, cid: 2, port: 1})
	assert.Equal(t, Allow, v.Decision)
}
