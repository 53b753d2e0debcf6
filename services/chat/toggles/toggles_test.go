// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package toggles

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// TestService_SetGetRoundTrip verifies the basic toggle lifecycle.
func TestService_SetGetRoundTrip(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Set(ctx, "verbose-logging", true, 0)
	require.NoError(t, err)

	got, err := svc.Get(ctx, "verbose-logging")
	require.NoError(t, err)
	assert.Equal(t, "verbose-logging", got.Name)
	assert.True(t, got.Enabled)
	assert.Zero(t, got.ExpiresAt)
	assert.True(t, svc.IsEnabled(ctx, "verbose-logging"))
}

// TestService_SetRejectsEmptyName verifies nameless toggles are refused.
func TestService_SetRejectsEmptyName(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())

	_, err := svc.Set(context.Background(), "", true, 0)
	assert.Error(t, err)
}

// TestService_UnknownToggleIsOff verifies lookups of absent toggles.
func TestService_UnknownToggleIsOff(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())

	assert.False(t, svc.IsEnabled(context.Background(), "never-set"))
	_, err := svc.Get(context.Background(), "never-set")
	assert.True(t, storage.IsNotFound(err))
}

// TestService_ExpiryHonoredBeforeSweep verifies a lapsed TTL turns the
// toggle off immediately, even while the record still says enabled.
func TestService_ExpiryHonoredBeforeSweep(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	ctx := context.Background()

	toggle, err := svc.Set(ctx, "diagnostic-window", true, time.Millisecond)
	require.NoError(t, err)
	require.Positive(t, toggle.ExpiresAt)

	time.Sleep(5 * time.Millisecond)

	assert.False(t, svc.IsEnabled(ctx, "diagnostic-window"))
	// The record itself has not been rewritten yet.
	got, err := svc.Get(ctx, "diagnostic-window")
	require.NoError(t, err)
	assert.True(t, got.Enabled)
}

// TestService_List verifies listing returns every toggle.
func TestService_List(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Set(ctx, "a", true, 0)
	require.NoError(t, err)
	_, err = svc.Set(ctx, "b", false, 0)
	require.NoError(t, err)

	all, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

// TestToggleID_Stable verifies the name-derived record id is deterministic,
// so repeated Sets address the same record.
func TestToggleID_Stable(t *testing.T) {
	assert.Equal(t, toggleID("x"), toggleID("x"))
	assert.NotEqual(t, toggleID("x"), toggleID("y"))
}

// =============================================================================
// Sweeper
// =============================================================================

// TestSweeper_DisablesExpiredToggles verifies a sweep rewrites lapsed
// records to disabled and leaves live ones alone.
func TestSweeper_DisablesExpiredToggles(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	ctx := context.Background()

	_, err := svc.Set(ctx, "lapsed", true, time.Millisecond)
	require.NoError(t, err)
	_, err = svc.Set(ctx, "live", true, time.Hour)
	require.NoError(t, err)
	_, err = svc.Set(ctx, "eternal", true, 0)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	sweeper := NewSweeper(svc, time.Minute)
	result, err := sweeper.RunNow(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, result.Checked)
	assert.Equal(t, 1, result.Disabled)

	lapsed, err := svc.Get(ctx, "lapsed")
	require.NoError(t, err)
	assert.False(t, lapsed.Enabled)
	assert.True(t, svc.IsEnabled(ctx, "live"))
	assert.True(t, svc.IsEnabled(ctx, "eternal"))
}

// TestSweeper_StartStop verifies lifecycle guards: double start errors and
// stop is idempotent.
func TestSweeper_StartStop(t *testing.T) {
	svc := NewService(storage.NewMemoryStore())
	sweeper := NewSweeper(svc, time.Hour)

	require.NoError(t, sweeper.Start(context.Background()))
	assert.Error(t, sweeper.Start(context.Background()))

	sweeper.Stop()
	sweeper.Stop()
}
