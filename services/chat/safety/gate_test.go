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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeModerator is a scriptable ModerationClient.
type fakeModerator struct {
	result *ModerationResult
	err    error
	calls  int
}

func (m *fakeModerator) Moderate(_ context.Context, _ string) (*ModerationResult, error) {
	m.calls++
	return m.result, m.err
}

func writeBlocklist(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blocklist.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	return path
}

const testRules = `
rules:
  - category: credentials
    description: obvious credential dumps
    severity: 6
    patterns:
      - "(?i)password\\s*[:=]"
  - category: mild-profanity
    description: logged but not blocked
    severity: 2
    patterns:
      - "(?i)darn"
`

// =============================================================================
// Severity mapping
// =============================================================================

// TestSeverityFromScore verifies the score-to-severity rounding and clamps.
func TestSeverityFromScore(t *testing.T) {
	tests := []struct {
		score float64
		want  int
	}{
		{0.0, 0},
		{0.1, 1},
		{0.5, 3},
		{0.66, 4},
		{1.0, 6},
		{1.5, 6},  // clamped
		{-0.2, 0}, // clamped
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, SeverityFromScore(tt.score), "score %v", tt.score)
	}
}

// =============================================================================
// Gate
// =============================================================================

// TestGate_AllowsCleanMessage verifies the allow path records the moderation
// source verdict.
func TestGate_AllowsCleanMessage(t *testing.T) {
	mod := &fakeModerator{result: &ModerationResult{}}
	gate := NewGate(mod, nil)

	v := gate.Check(context.Background(), "what is the refund policy?")

	assert.True(t, v.Allowed)
	assert.False(t, v.FailedOpen)
	assert.Equal(t, 1, mod.calls)
}

// TestGate_BlocksAtThreshold verifies a category at or above severity 4
// blocks the message.
func TestGate_BlocksAtThreshold(t *testing.T) {
	mod := &fakeModerator{result: &ModerationResult{
		Flagged: true,
		Categories: []CategoryScore{
			{Name: "violence", Score: 0.9, Flagged: true},
			{Name: "spam", Score: 0.1, Flagged: false},
		},
	}}
	gate := NewGate(mod, nil)

	v := gate.Check(context.Background(), "some message")

	assert.False(t, v.Allowed)
	assert.Equal(t, []string{"violence"}, v.Categories)
	assert.GreaterOrEqual(t, v.Severity, BlockSeverityThreshold)
	assert.Equal(t, "moderation", v.Source)
}

// TestGate_LowScoresAllowed verifies sub-threshold category scores admit the
// message.
func TestGate_LowScoresAllowed(t *testing.T) {
	mod := &fakeModerator{result: &ModerationResult{
		Categories: []CategoryScore{
			{Name: "violence", Score: 0.3, Flagged: false},
		},
	}}
	gate := NewGate(mod, nil)

	v := gate.Check(context.Background(), "mildly edgy message")
	assert.True(t, v.Allowed)
}

// TestGate_FlaggedLowScoreStillBlocks verifies that a backend flag wins over
// a low score mapping: the flag bumps severity to the threshold.
func TestGate_FlaggedLowScoreStillBlocks(t *testing.T) {
	mod := &fakeModerator{result: &ModerationResult{
		Flagged: true,
		Categories: []CategoryScore{
			{Name: "self-harm", Score: 0.2, Flagged: true},
		},
	}}
	gate := NewGate(mod, nil)

	v := gate.Check(context.Background(), "some message")

	assert.False(t, v.Allowed)
	assert.Equal(t, BlockSeverityThreshold, v.Severity)
}

// TestGate_FailsOpenOnModerationOutage verifies a moderation error admits
// the message with the fail-open marker set.
func TestGate_FailsOpenOnModerationOutage(t *testing.T) {
	mod := &fakeModerator{err: errors.New("moderation backend timeout")}
	gate := NewGate(mod, nil)

	v := gate.Check(context.Background(), "any message")

	assert.True(t, v.Allowed)
	assert.True(t, v.FailedOpen)
}

// TestGate_NilModeratorAdmitsEverything verifies a gate without a moderation
// backend is allow-all, without the fail-open marker.
func TestGate_NilModeratorAdmitsEverything(t *testing.T) {
	gate := NewGate(nil, nil)

	v := gate.Check(context.Background(), "any message")

	assert.True(t, v.Allowed)
	assert.False(t, v.FailedOpen)
}

// =============================================================================
// Blocklist
// =============================================================================

// TestGate_BlocklistBlocksBeforeModeration verifies a severe blocklist hit
// blocks without consulting the moderation backend.
func TestGate_BlocklistBlocksBeforeModeration(t *testing.T) {
	blocklist, err := NewBlocklist(writeBlocklist(t, testRules))
	require.NoError(t, err)
	mod := &fakeModerator{result: &ModerationResult{}}
	gate := NewGate(mod, blocklist)

	v := gate.Check(context.Background(), "my password: hunter2")

	assert.False(t, v.Allowed)
	assert.Equal(t, "blocklist", v.Source)
	assert.Equal(t, []string{"credentials"}, v.Categories)
	assert.Equal(t, 0, mod.calls)
}

// TestGate_BlocklistBelowThresholdIsInformational verifies sub-threshold
// blocklist matches do not block; moderation still runs.
func TestGate_BlocklistBelowThresholdIsInformational(t *testing.T) {
	blocklist, err := NewBlocklist(writeBlocklist(t, testRules))
	require.NoError(t, err)
	mod := &fakeModerator{result: &ModerationResult{}}
	gate := NewGate(mod, blocklist)

	v := gate.Check(context.Background(), "darn, that took a while")

	assert.True(t, v.Allowed)
	assert.Equal(t, 1, mod.calls)
}

// TestBlocklist_EmptyPathNeverMatches verifies the no-file configuration.
func TestBlocklist_EmptyPathNeverMatches(t *testing.T) {
	blocklist, err := NewBlocklist("")
	require.NoError(t, err)

	assert.Empty(t, blocklist.Match("password: hunter2"))
	assert.Equal(t, int64(0), blocklist.Version())
}

// TestBlocklist_RejectsInvalidRules verifies severity bounds and pattern
// compilation are enforced at load time.
func TestBlocklist_RejectsInvalidRules(t *testing.T) {
	tests := []struct {
		name  string
		rules string
	}{
		{"severity out of range", "rules:\n  - category: x\n    severity: 9\n    patterns: [\"a\"]\n"},
		{"bad regex", "rules:\n  - category: x\n    severity: 3\n    patterns: [\"(\"]\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewBlocklist(writeBlocklist(t, tt.rules))
			assert.Error(t, err)
		})
	}
}

// TestBlocklist_MatchOrderedBySeverity verifies a multi-rule hit reports the
// most severe category first and one match per rule.
func TestBlocklist_MatchOrderedBySeverity(t *testing.T) {
	blocklist, err := NewBlocklist(writeBlocklist(t, testRules))
	require.NoError(t, err)

	matches := blocklist.Match("darn, I pasted my password: hunter2")

	require.Len(t, matches, 2)
	assert.Equal(t, "credentials", matches[0].Category)
	assert.Equal(t, 6, matches[0].Severity)
	assert.Equal(t, "mild-profanity", matches[1].Category)
}

// TestBlocklist_ReloadBumpsVersion verifies a reload installs a new
// generation and Version tracks it.
func TestBlocklist_ReloadBumpsVersion(t *testing.T) {
	path := writeBlocklist(t, testRules)
	blocklist, err := NewBlocklist(path)
	require.NoError(t, err)
	require.Equal(t, int64(1), blocklist.Version())

	require.NoError(t, os.WriteFile(path, []byte("rules: []\n"), 0600))
	require.NoError(t, blocklist.reload())

	assert.Equal(t, int64(2), blocklist.Version())
	assert.Empty(t, blocklist.Match("password: hunter2"))
}
