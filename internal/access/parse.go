package access

import (
	"fmt"
	"math"
	"net/netip"
	"strconv"
	"strings"
)

// ParseError reports a rule that could not be parsed. Option is the
// configuration key (allow or deny) the rule was given under.
type ParseError struct {
	Option string
	Token  string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	msg := fmt.Sprintf("%s=%s: %s", e.Option, e.Token, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ParseError) Unwrap() error { return e.Err }

// Parse converts one allow= or deny= value into rules, preserving order.
//
// The value is a comma-separated list of tokens. A token starting with dn:
// or issuer-dn: takes the rest of the value as its pattern, since
// distinguished names contain commas. An empty value yields no rules; an
// empty entry between commas is an error.
func Parse(option, value string) ([]Rule, error) {
	var rules []Rule
	for value != "" {
		if hasPrefixFold(value, "dn:") || hasPrefixFold(value, "issuer-dn:") {
			r, err := parseRule(option, value)
			if err != nil {
				return nil, err
			}
			return append(rules, r), nil
		}

		token, rest, found := strings.Cut(value, ",")
		if token == "" {
			return nil, &ParseError{Option: option, Token: value, Reason: "empty entry in rule list"}
		}
		r, err := parseRule(option, token)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
		if !found {
			break
		}
		value = rest
	}
	return rules, nil
}

func parseRule(option, token string) (Rule, error) {
	fail := func(reason string, err error) (Rule, error) {
		return nil, &ParseError{Option: option, Token: token, Reason: reason, Err: err}
	}

	switch strings.ToLower(token) {
	case "any", "all":
		return Any{}, nil
	case "anyipv4", "allipv4":
		return AnyIPv4{}, nil
	case "anyipv6", "allipv6":
		return AnyIPv6{}, nil
	case "anyunix", "allunix":
		return AnyUnix{}, nil
	case "anyvsock", "allvsock":
		return AnyVsock{}, nil
	}

	if v, ok := cutPrefixFold(token, "dn:"); ok {
		if v == "" {
			return fail("empty dn: pattern", nil)
		}
		g, err := compileDN(v)
		if err != nil {
			return fail("invalid dn: pattern", err)
		}
		return DN{Pattern: v, g: g}, nil
	}
	if v, ok := cutPrefixFold(token, "issuer-dn:"); ok {
		if v == "" {
			return fail("empty issuer-dn: pattern", nil)
		}
		g, err := compileDN(v)
		if err != nil {
			return fail("invalid issuer-dn: pattern", err)
		}
		return IssuerDN{Pattern: v, g: g}, nil
	}

	if v, ok := cutPrefixFold(token, "pid:"); ok {
		id, err := parseInt64(v)
		if err != nil {
			return fail("cannot parse pid", err)
		}
		if id <= 0 {
			return fail("pid: parameter out of range", nil)
		}
		return PID{ID: id}, nil
	}
	if v, ok := cutPrefixFold(token, "uid:"); ok {
		id, err := parseInt64(v)
		if err != nil {
			return fail("cannot parse uid", err)
		}
		if id < 0 {
			return fail("uid: parameter out of range", nil)
		}
		return UID{ID: id}, nil
	}
	if v, ok := cutPrefixFold(token, "gid:"); ok {
		id, err := parseInt64(v)
		if err != nil {
			return fail("cannot parse gid", err)
		}
		if id < 0 {
			return fail("gid: parameter out of range", nil)
		}
		return GID{ID: id}, nil
	}
	if v, ok := cutPrefixFold(token, "security:"); ok {
		if v == "" {
			return fail("empty security: label", nil)
		}
		return Security{Label: v}, nil
	}
	if v, ok := cutPrefixFold(token, "vsock-cid:"); ok {
		id, err := parseUint32Field(v)
		if err != nil {
			return fail("vsock-cid: parameter out of range", err)
		}
		return VsockCID{ID: id}, nil
	}
	if v, ok := cutPrefixFold(token, "vsock-port:"); ok {
		id, err := parseUint32Field(v)
		if err != nil {
			return fail("vsock-port: parameter out of range", err)
		}
		return VsockPort{ID: id}, nil
	}

	if addrText, bitsText, ok := strings.Cut(token, "/"); ok {
		bits, err := parseUnsigned(bitsText)
		if err != nil {
			return fail("cannot parse prefix length", err)
		}
		addr, err := parseAddr(addrText)
		if err != nil {
			return fail(fmt.Sprintf("cannot parse address %q", addrText), err)
		}
		if addr.Is4() {
			if bits > 32 {
				return fail("prefix is > 32", nil)
			}
			return IPv4{Prefix: netip.PrefixFrom(addr, int(bits))}, nil
		}
		if bits > 128 {
			return fail("prefix is > 128", nil)
		}
		return IPv6{Prefix: netip.PrefixFrom(addr, int(bits))}, nil
	}

	if addr, err := parseAddr(token); err == nil {
		if addr.Is4() {
			return IPv4{Prefix: netip.PrefixFrom(addr, 32)}, nil
		}
		return IPv6{Prefix: netip.PrefixFrom(addr, 128)}, nil
	}

	return fail("don't know how to parse rule", nil)
}

// parseAddr accepts plain IPv4 and IPv6 literals. Zones are rejected.
func parseAddr(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if addr.Zone() != "" {
		return netip.Addr{}, fmt.Errorf("zone not allowed in %q", s)
	}
	return addr, nil
}

// parseInt64 accepts decimal, 0x hex and leading-zero octal with an
// optional sign.
func parseInt64(s string) (int64, error) {
	if err := checkNumber(s); err != nil {
		return 0, err
	}
	return strconv.ParseInt(s, 0, 64)
}

// parseUnsigned is parseInt64 without a sign.
func parseUnsigned(s string) (uint64, error) {
	if strings.HasPrefix(s, "-") || strings.HasPrefix(s, "+") {
		return 0, fmt.Errorf("%q: sign not allowed", s)
	}
	if err := checkNumber(s); err != nil {
		return 0, err
	}
	return strconv.ParseUint(s, 0, 32)
}

func parseUint32Field(s string) (uint32, error) {
	id, err := parseInt64(s)
	if err != nil {
		return 0, err
	}
	if id < 0 || id > math.MaxUint32 {
		return 0, fmt.Errorf("%d not in 0..%d", id, uint32(math.MaxUint32))
	}
	return uint32(id), nil
}

// checkNumber rejects the base-0 forms strconv accepts beyond C integer
// syntax: underscores, 0b and 0o prefixes.
func checkNumber(s string) error {
	if strings.Contains(s, "_") {
		return fmt.Errorf("%q: invalid number", s)
	}
	u := strings.TrimLeft(s, "+-")
	if len(u) > 1 && u[0] == '0' {
		switch u[1] {
		case 'b', 'B', 'o', 'O':
			return fmt.Errorf("%q: invalid number", s)
		}
	}
	return nil
}

func hasPrefixFold(s, prefix string) bool {
	return len(s) >= len(prefix) && strings.EqualFold(s[:len(prefix)], prefix)
}

func cutPrefixFold(s, prefix string) (string, bool) {
	if !hasPrefixFold(s, prefix) {
		return "", false
	}
	return s[len(prefix):], true
}
