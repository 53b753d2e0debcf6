// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package safety

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sort"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// BlocklistFile is the on-disk shape of the local blocklist rules.
type BlocklistFile struct {
	Rules []BlockRule `yaml:"rules"`
}

// BlockRule is one category of locally blocked content.
type BlockRule struct {
	Category    string   `yaml:"category"`
	Description string   `yaml:"description"`
	// Severity uses the same 0..6 scale as moderation verdicts.
	Severity int      `yaml:"severity"`
	Patterns []string `yaml:"patterns"`

	compiled []*regexp.Regexp `yaml:"-"`
}

// BlockMatch is one blocklist hit against a piece of text.
type BlockMatch struct {
	Category string
	Severity int
	Pattern  string
}

// compileRules compiles every pattern and sorts rules by severity descending
// so the most severe category is reported first.
func compileRules(file *BlocklistFile) error {
	for i := range file.Rules {
		rule := &file.Rules[i]
		if rule.Severity < 0 || rule.Severity > MaxSeverity {
			return fmt.Errorf("rule %q has severity %d outside 0..%d",
				rule.Category, rule.Severity, MaxSeverity)
		}
		for _, pattern := range rule.Patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return fmt.Errorf("failed to compile the regex %s: %w", pattern, err)
			}
			rule.compiled = append(rule.compiled, re)
		}
	}
	sort.SliceStable(file.Rules, func(i, j int) bool {
		return file.Rules[i].Severity > file.Rules[j].Severity
	})
	return nil
}

// blocklistSnapshot is one immutable, compiled generation of the rules.
type blocklistSnapshot struct {
	version int64
	rules   []BlockRule
}

// Blocklist holds the current rules snapshot and hot-reloads it when the
// backing file changes. Readers always see a complete generation: a reload
// swaps the snapshot pointer atomically, and a reload that fails to parse
// keeps the previous generation in place.
type Blocklist struct {
	path     string
	snapshot atomic.Pointer[blocklistSnapshot]
	watcher  *fsnotify.Watcher
}

// NewBlocklist loads and compiles the rules file. An empty path yields an
// empty blocklist that never matches.
func NewBlocklist(path string) (*Blocklist, error) {
	b := &Blocklist{path: path}
	b.snapshot.Store(&blocklistSnapshot{version: 0})
	if path == "" {
		return b, nil
	}
	if err := b.reload(); err != nil {
		return nil, err
	}
	return b, nil
}

// Version returns the generation counter of the current snapshot. Starts at
// 1 for the initial load and increments on each successful reload.
func (b *Blocklist) Version() int64 {
	return b.snapshot.Load().version
}

// Match returns every rule hit against the text, most severe first.
func (b *Blocklist) Match(text string) []BlockMatch {
	snap := b.snapshot.Load()
	var matches []BlockMatch
	for _, rule := range snap.rules {
		for i, re := range rule.compiled {
			if re.MatchString(text) {
				matches = append(matches, BlockMatch{
					Category: rule.Category,
					Severity: rule.Severity,
					Pattern:  rule.Patterns[i],
				})
				break
			}
		}
	}
	return matches
}

func (b *Blocklist) reload() error {
	data, err := os.ReadFile(b.path)
	if err != nil {
		return fmt.Errorf("failed to read blocklist file %s: %w", b.path, err)
	}
	var file BlocklistFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to unmarshal blocklist file %s: %w", b.path, err)
	}
	if err := compileRules(&file); err != nil {
		return err
	}

	prev := b.snapshot.Load()
	b.snapshot.Store(&blocklistSnapshot{
		version: prev.version + 1,
		rules:   file.Rules,
	})
	return nil
}

// Watch hot-reloads the rules file on change. Blocks until the context is
// cancelled; run in a goroutine.
func (b *Blocklist) Watch(ctx context.Context) error {
	if b.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	b.watcher = watcher
	defer watcher.Close()

	if err := watcher.Add(b.path); err != nil {
		return fmt.Errorf("failed to watch blocklist file %s: %w", b.path, err)
	}
	slog.Debug("Started watching blocklist file", "path", b.path)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			b.handleEvent(event)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			slog.Warn("Blocklist watcher error", "error", err)

		case <-ctx.Done():
			slog.Debug("Blocklist watcher stopping")
			return nil
		}
	}
}

func (b *Blocklist) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	if err := b.reload(); err != nil {
		// Keep serving the previous generation.
		slog.Warn("Blocklist reload failed, keeping previous rules",
			"path", b.path,
			"version", b.Version(),
			"error", err)
		return
	}
	slog.Info("Blocklist reloaded",
		"path", b.path,
		"version", b.Version())
}
