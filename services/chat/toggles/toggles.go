// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package toggles manages persisted, optionally time-bounded feature
// toggles (e.g. temporary diagnostic-logging windows). A background sweeper
// disables expired toggles; it shares no state with the turn pipeline
// beyond the records both read.
package toggles

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// togglePartition groups all toggle records under one partition key so a
// single Query sees every toggle.
const togglePartition = "feature_toggles"

// Toggle is one persisted feature switch.
type Toggle struct {
	Name        string `json:"name"`
	Enabled     bool   `json:"enabled"`
	Description string `json:"description,omitempty"`

	// ExpiresAt is the unix-milli instant after which the sweeper turns
	// the toggle off. Zero means no expiry.
	ExpiresAt int64 `json:"expires_at,omitempty"`

	UpdatedAt int64 `json:"updated_at"`
}

// Expired reports whether the toggle's window has passed.
func (t Toggle) Expired(now time.Time) bool {
	return t.ExpiresAt > 0 && now.UnixMilli() > t.ExpiresAt
}

// toggleNamespace seeds name-derived record ids. The backing store wants
// UUID ids, so each toggle name maps to a stable UUIDv5.
var toggleNamespace = uuid.MustParse("9c9e4b5a-52a7-4fb8-9a85-0f2c61a1d3aa")

func toggleID(name string) string {
	return uuid.NewSHA1(toggleNamespace, []byte(name)).String()
}

// Service reads and writes toggle records.
type Service struct {
	store storage.Store
}

func NewService(store storage.Store) *Service {
	return &Service{store: store}
}

// Set upserts a toggle. A ttl of zero persists the toggle without expiry.
func (s *Service) Set(ctx context.Context, name string, enabled bool, ttl time.Duration) (*Toggle, error) {
	now := time.Now()
	t := Toggle{
		Name:      name,
		Enabled:   enabled,
		UpdatedAt: now.UnixMilli(),
	}
	if ttl > 0 {
		t.ExpiresAt = now.Add(ttl).UnixMilli()
	}
	if err := s.save(ctx, t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Get loads one toggle by name.
func (s *Service) Get(ctx context.Context, name string) (*Toggle, error) {
	var t Toggle
	err := s.store.Read(ctx, storage.RecordFeatureToggle, toggleID(name), togglePartition, &t)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// IsEnabled reports whether a toggle is on right now. Expiry is honored
// even before the sweeper has disabled the record, so a lapsed diagnostic
// window can never linger on. Unknown toggles are off.
func (s *Service) IsEnabled(ctx context.Context, name string) bool {
	t, err := s.Get(ctx, name)
	if err != nil {
		return false
	}
	return t.Enabled && !t.Expired(time.Now())
}

// List returns all toggle records.
func (s *Service) List(ctx context.Context) ([]Toggle, error) {
	records, err := s.store.Query(ctx, storage.RecordFeatureToggle, storage.Query{Partition: togglePartition})
	if err != nil {
		return nil, fmt.Errorf("failed to list feature toggles: %w", err)
	}
	out := make([]Toggle, 0, len(records))
	for _, rec := range records {
		var t Toggle
		if err := rec.Decode(&t); err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (s *Service) save(ctx context.Context, t Toggle) error {
	if t.Name == "" {
		return errors.New("toggle name must not be empty")
	}
	return s.store.Upsert(ctx, storage.RecordFeatureToggle, storage.Envelope{
		ID:        toggleID(t.Name),
		Partition: togglePartition,
		CreatedAt: t.UpdatedAt,
		Record:    t,
	})
}
