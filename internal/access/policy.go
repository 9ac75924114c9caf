package access

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Decision is the outcome of evaluating a peer.
type Decision int

const (
	Allow Decision = iota
	Deny
)

func (d Decision) String() string {
	if d == Deny {
		return "deny"
	}
	return "allow"
}

// Stage is an admission point in the connection lifecycle.
type Stage int

const (
	// StageEarly runs on transport accept, before any handshake.
	StageEarly Stage = iota
	// StageLate runs after TLS negotiation, before exports are listed or
	// opened.
	StageLate
)

func (s Stage) String() string {
	if s == StageLate {
		return "late"
	}
	return "early"
}

// Verdict explains a Decision. Rule and List are empty when no rule
// matched.
type Verdict struct {
	Decision Decision
	Stage    Stage
	List     string
	Rule     Rule
	// Skipped is set when the stage was not the policy's active stage and
	// nothing was evaluated.
	Skipped bool
	Reason  string
}

// Policy evaluates peers against a RuleSet. It is immutable and safe for
// concurrent use.
type Policy struct {
	rules  *RuleSet
	logger *slog.Logger
	debug  bool
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithDebug logs every parsed rule, every peer and every rule comparison.
func WithDebug(debug bool) PolicyOption {
	return func(p *Policy) { p.debug = debug }
}

// NewPolicy wraps rules. A nil RuleSet admits everything.
func NewPolicy(rules *RuleSet, logger *slog.Logger, opts ...PolicyOption) *Policy {
	if rules == nil {
		rules = &RuleSet{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &Policy{rules: rules, logger: logger.With("component", "access")}
	for _, opt := range opts {
		opt(p)
	}
	if p.debug {
		rules.Log(context.Background(), p.logger)
	}
	return p
}

// Rules returns the underlying rule set.
func (p *Policy) Rules() *RuleSet { return p.rules }

// Debug reports whether rule debugging is enabled.
func (p *Policy) Debug() bool { return p.debug }

// Stage returns the admission point this policy is evaluated at.
func (p *Policy) Stage() Stage {
	if p.rules.LateFiltering() {
		return StageLate
	}
	return StageEarly
}

// Preconnect is the early admission point. It evaluates only when the
// policy has no identity rules.
func (p *Policy) Preconnect(ctx context.Context, peer Peer) Verdict {
	return p.admit(ctx, StageEarly, peer)
}

// Late is the admission point after TLS negotiation. It evaluates only when
// the policy has identity rules.
func (p *Policy) Late(ctx context.Context, peer Peer) Verdict {
	return p.admit(ctx, StageLate, peer)
}

func (p *Policy) admit(ctx context.Context, stage Stage, peer Peer) Verdict {
	if stage != p.Stage() {
		return Verdict{Decision: Allow, Stage: stage, Skipped: true, Reason: "stage inactive"}
	}
	v := p.Evaluate(ctx, peer)
	v.Stage = stage
	return v
}

// Evaluate scans the allow list, then the deny list. The first matching
// rule decides. With no match the peer is allowed. When rules are
// configured, a nil peer, meaning the peer address could not be
// determined, is denied.
func (p *Policy) Evaluate(ctx context.Context, peer Peer) Verdict {
	if p.rules.Empty() {
		return Verdict{Decision: Allow, Reason: "no rules configured"}
	}
	if peer == nil {
		return Verdict{Decision: Deny, Reason: "peer address unavailable"}
	}
	if p.debug {
		p.logPeer(ctx, peer)
	}
	if r := p.firstMatch(ctx, OptionAllow, p.rules.allow, peer); r != nil {
		return Verdict{Decision: Allow, List: OptionAllow, Rule: r, Reason: "matched allow rule"}
	}
	if r := p.firstMatch(ctx, OptionDeny, p.rules.deny, peer); r != nil {
		return Verdict{Decision: Deny, List: OptionDeny, Rule: r, Reason: "matched deny rule"}
	}
	return Verdict{Decision: Allow, Reason: "no rule matched"}
}

func (p *Policy) firstMatch(ctx context.Context, list string, rules []Rule, peer Peer) Rule {
	for _, r := range rules {
		ok, err := r.match(peer)
		if err != nil {
			p.logger.LogAttrs(ctx, slog.LevelWarn, "rule evaluation failed, treating as no match",
				slog.String("list", list),
				slog.String("rule", r.String()),
				slog.String("error", err.Error()),
			)
			ok = false
		}
		if p.debug {
			p.logger.LogAttrs(ctx, slog.LevelDebug, "match client with "+list,
				slog.String("rule", r.String()),
				slog.Bool("matched", ok),
			)
		}
		if ok {
			return r
		}
	}
	return nil
}

func (p *Policy) logPeer(ctx context.Context, peer Peer) {
	attrs := []slog.Attr{slog.String("family", peer.Family().String())}
	switch peer.Family() {
	case FamilyIPv4, FamilyIPv6:
		attrs = append(attrs, slog.String("addr", peer.Addr().String()))
	case FamilyVsock:
		if cid, port, ok := peer.Vsock(); ok {
			attrs = append(attrs, slog.Uint64("cid", uint64(cid)), slog.Uint64("port", uint64(port)))
		}
	}
	if dn := peer.SubjectDN(); dn != "" {
		attrs = append(attrs, slog.String("dn", dn))
	}
	if dn := peer.IssuerDN(); dn != "" {
		attrs = append(attrs, slog.String("issuer_dn", dn))
	}
	p.logger.LogAttrs(ctx, slog.LevelDebug, "evaluating client", attrs...)
}

// Gate holds the process-wide active Policy. Connections take one Snapshot
// at accept and use it for both admission points, so a concurrent Replace
// never applies two different policies to one connection.
type Gate struct {
	current atomic.Pointer[Policy]
}

// NewGate returns a Gate serving p.
func NewGate(p *Policy) *Gate {
	g := &Gate{}
	g.current.Store(p)
	return g
}

// Snapshot returns the active policy.
func (g *Gate) Snapshot() *Policy { return g.current.Load() }

// Replace installs p for connections accepted from now on.
func (g *Gate) Replace(p *Policy) { g.current.Store(p) }
