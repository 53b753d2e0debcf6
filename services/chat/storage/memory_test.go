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
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memDoc struct {
	Value string `json:"value"`
}

// TestMemoryStore_UpsertReadRoundTrip verifies the basic write/read cycle
// and partition enforcement on Read.
func TestMemoryStore_UpsertReadRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	err := store.Upsert(ctx, RecordConversation, Envelope{
		ID:        "c1",
		Partition: "alice",
		CreatedAt: 100,
		Record:    memDoc{Value: "hello"},
	})
	require.NoError(t, err)

	var out memDoc
	require.NoError(t, store.Read(ctx, RecordConversation, "c1", "alice", &out))
	assert.Equal(t, "hello", out.Value)

	// A wrong partition hides the record rather than leaking it.
	err = store.Read(ctx, RecordConversation, "c1", "bob", &out)
	assert.True(t, IsNotFound(err))
}

// TestMemoryStore_UpsertIsIdempotent verifies last-write-wins by id.
func TestMemoryStore_UpsertIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, v := range []string{"first", "second"} {
		require.NoError(t, store.Upsert(ctx, RecordMessage, Envelope{
			ID: "m1", Partition: "conv", CreatedAt: 1, Record: memDoc{Value: v},
		}))
	}

	records, err := store.Query(ctx, RecordMessage, Query{Partition: "conv"})
	require.NoError(t, err)
	require.Len(t, records, 1)

	var out memDoc
	require.NoError(t, records[0].Decode(&out))
	assert.Equal(t, "second", out.Value)
}

// TestMemoryStore_QueryOrdering verifies created_at ordering in both
// directions and the limit cap.
func TestMemoryStore_QueryOrdering(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Upsert(ctx, RecordMessage, Envelope{
			ID: id, Partition: "conv", CreatedAt: int64(i + 1), Record: memDoc{Value: id},
		}))
	}

	asc, err := store.Query(ctx, RecordMessage, Query{Partition: "conv"})
	require.NoError(t, err)
	require.Len(t, asc, 3)
	assert.Equal(t, "a", asc[0].ID)
	assert.Equal(t, "c", asc[2].ID)

	desc, err := store.Query(ctx, RecordMessage, Query{Partition: "conv", Descending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, desc, 2)
	assert.Equal(t, "c", desc[0].ID)
	assert.Equal(t, "b", desc[1].ID)
}

// TestMemoryStore_Delete verifies deletion, including that deleting an
// absent record is not an error.
func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, RecordMessage, Envelope{
		ID: "m1", Partition: "conv", Record: memDoc{Value: "x"},
	}))
	require.NoError(t, store.Delete(ctx, RecordMessage, "m1"))
	require.NoError(t, store.Delete(ctx, RecordMessage, "m1"))

	var out memDoc
	err := store.Read(ctx, RecordMessage, "m1", "conv", &out)
	assert.True(t, IsNotFound(err))
}

// TestMemoryStore_RejectsOversizedRecord verifies the document ceiling is
// enforced on upsert.
func TestMemoryStore_RejectsOversizedRecord(t *testing.T) {
	store := NewMemoryStore()

	err := store.Upsert(context.Background(), RecordMessage, Envelope{
		ID:        "big",
		Partition: "conv",
		Record:    memDoc{Value: strings.Repeat("x", MaxRecordBytes+1)},
	})
	assert.ErrorIs(t, err, ErrRecordTooLarge)
}
