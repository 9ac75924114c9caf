package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polisai/blockgate/internal/access"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func waitRules(t *testing.T, ch <-chan *access.RuleSet) *access.RuleSet {
	t.Helper()
	select {
	case rs := <-ch:
		return rs
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for rules reload")
		return nil
	}
}

func TestRulesWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny: [any]\n"), 0o600))

	updates := make(chan *access.RuleSet, 4)
	w, err := NewRulesWatcher(path, RulesFile{Allow: []string{"anyunix"}}, quietLogger(), func(rs *access.RuleSet) {
		updates <- rs
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("allow: [\"10.0.0.0/8\"]\ndeny: [anyipv4]\n"), 0o600))

	rs := waitRules(t, updates)
	allow, deny := rs.Tokens()
	assert.Equal(t, []string{"anyunix", "10.0.0.0/8"}, allow)
	assert.Equal(t, []string{"anyipv4"}, deny)
}

func TestRulesWatcherKeepsRulesOnBadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny: [any]\n"), 0o600))

	updates := make(chan *access.RuleSet, 4)
	w, err := NewRulesWatcher(path, RulesFile{}, quietLogger(), func(rs *access.RuleSet) {
		updates <- rs
	})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(path, []byte("deny: [\"pid:0\"]\n"), 0o600))
	select {
	case rs := <-updates:
		t.Fatalf("unexpected reload with invalid rules: %v", rs)
	case <-time.After(500 * time.Millisecond):
	}

	require.NoError(t, os.WriteFile(path, []byte("deny: [anyvsock]\n"), 0o600))
	rs := waitRules(t, updates)
	_, deny := rs.Tokens()
	assert.Equal(t, []string{"anyvsock"}, deny)
}

func TestRulesWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deny: [any]\n"), 0o600))

	updates := make(chan *access.RuleSet, 1)
	w, err := NewRulesWatcher(path, RulesFile{}, quietLogger(), func(rs *access.RuleSet) {
		updates <- rs
	})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("deny: [any]\n"), 0o600))
	select {
	case <-updates:
		t.Fatal("reload triggered by an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
	require.NoError(t, w.Close())
}

func TestRulesFileMergeDoesNotAlias(t *testing.T) {
	base := RulesFile{Allow: make([]string, 1, 8)}
	base.Allow[0] = "anyunix"

	a := base.Merge(RulesFile{Allow: []string{"any"}})
	b := base.Merge(RulesFile{Allow: []string{"anyvsock"}})
	assert.Equal(t, []string{"anyunix", "any"}, a.Allow)
	assert.Equal(t, []string{"anyunix", "anyvsock"}, b.Allow)
}

func TestRulesFileRuleSetErrorNamesList(t *testing.T) {
	rs, err := RulesFile{Allow: []string{"anyunix"}, Deny: []string{"any", "dn:CN=ops"}}.RuleSet()
	require.NoError(t, err)
	assert.Len(t, rs.Allow(), 1)
	assert.Len(t, rs.Deny(), 2)
	assert.True(t, rs.LateFiltering())

	tests := []struct {
		name  string
		rules RulesFile
		field string
	}{
		{"bad allow", RulesFile{Allow: []string{"any", "uid:x"}}, "access.allow"},
		{"bad deny", RulesFile{Allow: []string{"any"}, Deny: []string{"dn:CN=[a"}}, "access.deny"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.rules.RuleSet()
			require.Error(t, err)

			var cerr *ConfigError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tt.field, cerr.Field)

			var perr *access.ParseError
			assert.ErrorAs(t, err, &perr)
		})
	}
}
