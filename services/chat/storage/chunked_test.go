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
	"bytes"
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
)

// newChunkedFixture builds a chunked store over an in-memory backend with a
// small threshold so tests exercise the split path without megabyte payloads.
func newChunkedFixture(t *testing.T, threshold int) (*ChunkedObjectStore, *MemoryStore) {
	t.Helper()
	t.Setenv("COVELINE_INSECURE_MEMORY", "true")
	mem := NewMemoryStore()
	return NewChunkedObjectStore(mem, threshold), mem
}

// TestChunkedObjectStore_Put_SmallPayloadInline verifies that a payload at or
// under the threshold is stored as a single unchunked record.
func TestChunkedObjectStore_Put_SmallPayloadInline(t *testing.T) {
	cs, _ := newChunkedFixture(t, 16)
	msg := datatypes.NewMessage("conv-1", datatypes.RoleAssistant, "")

	records, err := cs.Put(context.Background(), msg, []byte("hello"))
	require.NoError(t, err)

	assert.Equal(t, 1, records)
	assert.False(t, msg.IsChunked)
	assert.Equal(t, 0, msg.TotalChunks)
	assert.Equal(t, 5, msg.OriginalSize)
}

// TestChunkedObjectStore_Put_SplitsAtThreshold verifies the record count for
// an oversized payload: one parent plus one chunk record per remaining
// fragment.
func TestChunkedObjectStore_Put_SplitsAtThreshold(t *testing.T) {
	tests := []struct {
		name        string
		threshold   int
		payloadSize int
		wantRecords int
		wantChunks  int
	}{
		{"exact multiple", 4, 12, 3, 3},
		{"with remainder", 4, 10, 3, 3},
		{"one byte over", 4, 5, 2, 2},
		{"at threshold stays inline", 4, 4, 1, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cs, _ := newChunkedFixture(t, tt.threshold)
			msg := datatypes.NewMessage("conv-1", datatypes.RoleAssistant, "")
			payload := bytes.Repeat([]byte("x"), tt.payloadSize)

			records, err := cs.Put(context.Background(), msg, payload)
			require.NoError(t, err)

			assert.Equal(t, tt.wantRecords, records)
			assert.Equal(t, tt.wantChunks, msg.TotalChunks)
			assert.Equal(t, tt.payloadSize, msg.OriginalSize)
		})
	}
}

// TestChunkedObjectStore_RoundTrip verifies byte-exact reconstruction of a
// split payload.
func TestChunkedObjectStore_RoundTrip(t *testing.T) {
	cs, _ := newChunkedFixture(t, 7)
	msg := datatypes.NewMessage("conv-1", datatypes.RoleAssistant, "")
	payload := []byte("The quick brown fox jumps over the lazy dog")

	_, err := cs.Put(context.Background(), msg, payload)
	require.NoError(t, err)
	require.True(t, msg.IsChunked)

	got, gotMsg, err := cs.Get(context.Background(), msg.ID, msg.ConversationID)
	require.NoError(t, err)

	assert.Equal(t, payload, got)
	assert.Equal(t, msg.ID, gotMsg.ID)
	assert.Equal(t, len(payload), gotMsg.OriginalSize)
}

// TestChunkedObjectStore_Get_MissingFragmentIsLossy verifies that a deleted
// chunk record degrades the reconstruction instead of failing it: the
// remaining fragments come back in order with the gap skipped.
func TestChunkedObjectStore_Get_MissingFragmentIsLossy(t *testing.T) {
	cs, mem := newChunkedFixture(t, 4)
	msg := datatypes.NewMessage("conv-1", datatypes.RoleAssistant, "")
	payload := []byte("AAAABBBBCCCC")

	_, err := cs.Put(context.Background(), msg, payload)
	require.NoError(t, err)

	// Drop the middle fragment (chunk index 1, bytes "BBBB").
	records, err := mem.Query(context.Background(), RecordMessageChunk, Query{Partition: msg.ID})
	require.NoError(t, err)
	for _, rec := range records {
		var chunk datatypes.MessageChunk
		require.NoError(t, rec.Decode(&chunk))
		if chunk.ChunkIndex == 1 {
			require.NoError(t, mem.Delete(context.Background(), RecordMessageChunk, chunk.ID))
		}
	}

	missingBefore := testutil.ToFloat64(observability.Metrics().ChunkFragmentsMissingTotal)

	got, _, err := cs.Get(context.Background(), msg.ID, msg.ConversationID)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAACCCC"), got)

	// Each skipped fragment is counted.
	missingAfter := testutil.ToFloat64(observability.Metrics().ChunkFragmentsMissingTotal)
	assert.Equal(t, float64(1), missingAfter-missingBefore)
}

// TestChunkedObjectStore_Threshold verifies the configured fragment size is
// what callers see, including the default substitution for zero.
func TestChunkedObjectStore_Threshold(t *testing.T) {
	cs, _ := newChunkedFixture(t, 7)
	assert.Equal(t, 7, cs.Threshold())

	csDefault, _ := newChunkedFixture(t, 0)
	assert.Equal(t, DefaultChunkThreshold, csDefault.Threshold())
}

// TestChunkedObjectStore_Get_UnknownMessage verifies the not-found error
// passes through.
func TestChunkedObjectStore_Get_UnknownMessage(t *testing.T) {
	cs, _ := newChunkedFixture(t, 4)

	_, _, err := cs.Get(context.Background(), "no-such-id", "conv-1")
	assert.True(t, IsNotFound(err))
}

// TestChunkedObjectStore_NeedsStreaming verifies the inline/reference
// decision boundary.
func TestChunkedObjectStore_NeedsStreaming(t *testing.T) {
	cs, _ := newChunkedFixture(t, 4)

	assert.False(t, cs.NeedsStreaming(StreamRefThreshold))
	assert.True(t, cs.NeedsStreaming(StreamRefThreshold+1))
}

// TestSplitPayload verifies fragment sizing: every fragment except the last
// is exactly threshold bytes.
func TestSplitPayload(t *testing.T) {
	fragments := splitPayload([]byte("abcdefghij"), 4)

	require.Len(t, fragments, 3)
	assert.Equal(t, []byte("abcd"), fragments[0])
	assert.Equal(t, []byte("efgh"), fragments[1])
	assert.Equal(t, []byte("ij"), fragments[2])
}

// TestReassemblyBuffer_ChecksumCoversWrittenBytes verifies the insecure
// fallback buffer accumulates and hashes exactly what was written.
func TestReassemblyBuffer_ChecksumCoversWrittenBytes(t *testing.T) {
	t.Setenv("COVELINE_INSECURE_MEMORY", "true")
	buf, err := NewReassemblyBuffer(8)
	require.NoError(t, err)
	defer buf.Destroy()

	require.NoError(t, buf.Write([]byte("abcd")))
	require.NoError(t, buf.Write([]byte("ef")))

	payload, checksum, err := buf.Finalize()
	require.NoError(t, err)
	assert.Equal(t, []byte("abcdef"), payload)
	assert.Len(t, checksum, 64) // sha256 hex

	// The buffer is single-use.
	_, _, err = buf.Finalize()
	assert.Error(t, err)
}
