// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// MemoryStore is the in-memory Store used in lightweight mode (no Weaviate
// configured) and in tests. Semantics match the Weaviate backend: idempotent
// upsert-by-id, partition-scoped queries ordered by created_at.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[RecordType]map[string]memoryRecord
}

type memoryRecord struct {
	partition string
	createdAt int64
	doc       []byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[RecordType]map[string]memoryRecord)}
}

// Upsert implements Store.
func (s *MemoryStore) Upsert(_ context.Context, rt RecordType, env Envelope) error {
	doc, err := encodeRecord(env.Record)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.records[rt] == nil {
		s.records[rt] = make(map[string]memoryRecord)
	}
	s.records[rt][env.ID] = memoryRecord{
		partition: env.Partition,
		createdAt: env.CreatedAt,
		doc:       doc,
	}
	return nil
}

// UpsertMany implements Store.
func (s *MemoryStore) UpsertMany(ctx context.Context, rt RecordType, envs []Envelope) error {
	for _, env := range envs {
		if err := s.Upsert(ctx, rt, env); err != nil {
			return err
		}
	}
	return nil
}

// Read implements Store.
func (s *MemoryStore) Read(_ context.Context, rt RecordType, id, partition string, out any) error {
	s.mu.RLock()
	rec, ok := s.records[rt][id]
	s.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}
	if partition != "" && rec.partition != partition {
		return ErrNotFound
	}
	return json.Unmarshal(rec.doc, out)
}

// Query implements Store.
func (s *MemoryStore) Query(_ context.Context, rt RecordType, q Query) ([]StoredRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var records []StoredRecord
	for id, rec := range s.records[rt] {
		if q.Partition != "" && rec.partition != q.Partition {
			continue
		}
		records = append(records, StoredRecord{
			ID:        id,
			Partition: rec.partition,
			CreatedAt: rec.createdAt,
			Doc:       append(json.RawMessage(nil), rec.doc...),
		})
	}

	sort.Slice(records, func(i, j int) bool {
		if q.Descending {
			return records[i].CreatedAt > records[j].CreatedAt
		}
		return records[i].CreatedAt < records[j].CreatedAt
	})
	if q.Limit > 0 && len(records) > q.Limit {
		records = records[:q.Limit]
	}
	return records, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, rt RecordType, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records[rt], id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
