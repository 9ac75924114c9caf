package access

import (
	"context"
	"log/slog"
)

// Option names accepted by RuleSet.Add.
const (
	OptionAllow = "allow"
	OptionDeny  = "deny"
)

// RuleSet holds the ordered allow and deny lists. Build it with Add or
// NewRuleSet, then treat it as read-only; concurrent readers need no
// locking once it has been handed to a Policy.
type RuleSet struct {
	allow         []Rule
	deny          []Rule
	lateFiltering bool
}

// NewRuleSet parses each allow and deny value in order, as if the options
// had been given repeatedly.
func NewRuleSet(allow, deny []string) (*RuleSet, error) {
	rs := &RuleSet{}
	for _, v := range allow {
		if err := rs.Add(OptionAllow, v); err != nil {
			return nil, err
		}
	}
	for _, v := range deny {
		if err := rs.Add(OptionDeny, v); err != nil {
			return nil, err
		}
	}
	return rs, nil
}

// Add parses value and appends the rules to the list named by option.
func (rs *RuleSet) Add(option, value string) error {
	rules, err := Parse(option, value)
	if err != nil {
		return err
	}
	switch option {
	case OptionAllow:
		rs.allow = append(rs.allow, rules...)
	case OptionDeny:
		rs.deny = append(rs.deny, rules...)
	default:
		return &ParseError{Option: option, Token: value, Reason: "unknown rule option"}
	}
	for _, r := range rules {
		if requiresIdentity(r) {
			rs.lateFiltering = true
		}
	}
	return nil
}

// Allow returns the allow list in evaluation order.
func (rs *RuleSet) Allow() []Rule { return rs.allow }

// Deny returns the deny list in evaluation order.
func (rs *RuleSet) Deny() []Rule { return rs.deny }

// LateFiltering reports whether any rule needs TLS identity, which moves
// evaluation after the handshake.
func (rs *RuleSet) LateFiltering() bool { return rs.lateFiltering }

// Empty reports whether both lists are empty.
func (rs *RuleSet) Empty() bool { return len(rs.allow) == 0 && len(rs.deny) == 0 }

// Tokens re-serializes the lists as one token per rule.
func (rs *RuleSet) Tokens() (allow, deny []string) {
	return tokens(rs.allow), tokens(rs.deny)
}

func tokens(rules []Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.String())
	}
	return out
}

// Log prints every rule as allow=<token> or deny=<token> at debug level.
func (rs *RuleSet) Log(ctx context.Context, logger *slog.Logger) {
	for _, r := range rs.allow {
		logger.LogAttrs(ctx, slog.LevelDebug, "parsed rule",
			slog.String("rule", OptionAllow+"="+r.String()))
	}
	for _, r := range rs.deny {
		logger.LogAttrs(ctx, slog.LevelDebug, "parsed rule",
			slog.String("rule", OptionDeny+"="+r.String()))
	}
}
