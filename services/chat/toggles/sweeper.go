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
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is how often the sweeper re-checks time-bounded
// toggles.
const DefaultSweepInterval = 5 * time.Minute

// SweepResult summarizes one sweep cycle.
type SweepResult struct {
	Checked  int
	Disabled int
}

// Sweeper periodically disables expired toggles.
//
// # Description
//
// Runs a single low-priority background loop on the ticker + done channel
// pattern. Each cycle lists all toggle records, finds enabled toggles whose
// expiry has passed, and persists them as disabled. Cycle errors are logged
// and do not stop the loop.
//
// # Thread Safety
//
// All public methods are thread-safe. Only one sweeper should run per
// process.
type Sweeper struct {
	service  *Service
	interval time.Duration
	done     chan struct{}
	mu       sync.Mutex
	running  bool
}

// NewSweeper creates a sweeper. A non-positive interval selects
// DefaultSweepInterval.
func NewSweeper(service *Service, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	return &Sweeper{
		service:  service,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins the background sweep loop. Returns an error if the sweeper
// is already running.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("toggle sweeper is already running")
	}
	s.running = true
	s.done = make(chan struct{}) // reset for potential restart
	s.mu.Unlock()

	slog.Info("Feature toggle sweeper starting", "interval", s.interval.String())
	go s.runLoop(ctx)
	return nil
}

// Stop signals the loop to exit. Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	slog.Info("Feature toggle sweeper stopping")
	close(s.done)
	s.running = false
}

// RunNow performs one sweep cycle immediately, outside the schedule.
func (s *Sweeper) RunNow(ctx context.Context) (SweepResult, error) {
	return s.sweep(ctx)
}

func (s *Sweeper) runLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Initial sweep on start so a restart clears stale windows promptly.
	s.execute(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("Feature toggle sweeper stopped (context cancelled)")
			return
		case <-s.done:
			slog.Info("Feature toggle sweeper stopped (stop requested)")
			return
		case <-ticker.C:
			s.execute(ctx)
		}
	}
}

func (s *Sweeper) execute(ctx context.Context) {
	result, err := s.sweep(ctx)
	if err != nil {
		slog.Error("Toggle sweep cycle failed", "error", err)
		return
	}
	if result.Disabled > 0 {
		slog.Info("Toggle sweep cycle completed",
			"checked", result.Checked,
			"disabled", result.Disabled)
	} else {
		slog.Debug("Toggle sweep cycle completed (nothing expired)")
	}
}

func (s *Sweeper) sweep(ctx context.Context) (SweepResult, error) {
	all, err := s.service.List(ctx)
	if err != nil {
		return SweepResult{}, err
	}

	result := SweepResult{Checked: len(all)}
	now := time.Now()
	for _, t := range all {
		if !t.Enabled || !t.Expired(now) {
			continue
		}
		t.Enabled = false
		t.UpdatedAt = now.UnixMilli()
		if err := s.service.save(ctx, t); err != nil {
			slog.Warn("Failed to disable expired toggle", "name", t.Name, "error", err)
			continue
		}
		result.Disabled++
	}
	return result, nil
}
