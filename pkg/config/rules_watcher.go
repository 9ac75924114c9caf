package config

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/polisai/blockgate/internal/access"
)

const reloadDebounce = 100 * time.Millisecond

// RulesFile is the document held by access.rules_file.
type RulesFile struct {
	Allow []string `yaml:"allow"`
	Deny  []string `yaml:"deny"`
}

// ReadRulesFile reads and decodes a rules file without parsing the rules.
func ReadRulesFile(path string) (RulesFile, error) {
	var rf RulesFile
	// #nosec G304 -- File path is configured at startup
	data, err := os.ReadFile(path)
	if err != nil {
		return rf, fmt.Errorf("failed to read rules file: %w", err)
	}
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return rf, fmt.Errorf("failed to parse rules file %s: %w", path, err)
	}
	return rf, nil
}

// Merge appends other's lists after r's.
func (r RulesFile) Merge(other RulesFile) RulesFile {
	return RulesFile{
		Allow: append(append([]string(nil), r.Allow...), other.Allow...),
		Deny:  append(append([]string(nil), r.Deny...), other.Deny...),
	}
}

// RuleSet parses both lists. A malformed entry is reported against the
// access.allow or access.deny field it came from.
func (r RulesFile) RuleSet() (*access.RuleSet, error) {
	rs, err := access.NewRuleSet(r.Allow, r.Deny)
	if err != nil {
		var perr *access.ParseError
		if errors.As(err, &perr) {
			return nil, NewRuleError("access."+perr.Option, err)
		}
		return nil, NewRuleError("access", err)
	}
	return rs, nil
}

// RulesWatcher reloads a rules file when it changes and hands the combined
// rule set to a callback. A file that fails to read or parse leaves the
// previous rules in place.
type RulesWatcher struct {
	path     string
	base     RulesFile
	onChange func(*access.RuleSet)
	logger   *slog.Logger
	watcher  *fsnotify.Watcher
	cancel   context.CancelFunc
	done     chan struct{}

	mu    sync.Mutex
	timer *time.Timer
}

// NewRulesWatcher watches path. base holds the rules configured elsewhere;
// each reload produces base followed by the file's rules. The file is not
// loaded here; callers build the initial policy from AccessConfig.RuleSet.
func NewRulesWatcher(path string, base RulesFile, logger *slog.Logger, onChange func(*access.RuleSet)) (*RulesWatcher, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	// Watch the directory so editors that replace the file are seen.
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &RulesWatcher{
		path:     absPath,
		base:     base,
		onChange: onChange,
		logger:   logger.With("component", "config", "rules_file", absPath),
		watcher:  watcher,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go w.watchLoop(ctx)
	return w, nil
}

// Close stops the watcher and any pending reload.
func (w *RulesWatcher) Close() error {
	w.cancel()
	err := w.watcher.Close()
	<-w.done
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = nil
	w.mu.Unlock()
	return err
}

func (w *RulesWatcher) watchLoop(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Chmod) {
				w.schedule(ctx)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("rules watcher error", "error", err)
		}
	}
}

func (w *RulesWatcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(reloadDebounce, func() {
		if ctx.Err() != nil {
			return
		}
		w.reload(ctx)
	})
}

func (w *RulesWatcher) reload(ctx context.Context) {
	file, err := ReadRulesFile(w.path)
	if err != nil {
		w.logger.ErrorContext(ctx, "rules reload failed, keeping previous rules", "error", err)
		return
	}
	rs, err := w.base.Merge(file).RuleSet()
	if err != nil {
		w.logger.ErrorContext(ctx, "rules reload failed, keeping previous rules", "error", err)
		return
	}
	allow, deny := rs.Tokens()
	w.logger.InfoContext(ctx, "rules reloaded", "allow", len(allow), "deny", len(deny))
	w.onChange(rs)
}
