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
	"encoding/base64"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
)

// DefaultChunkThreshold is the raw-byte fragment size for oversized payloads.
// Fragments are base64-encoded before storage (4/3 expansion) and wrapped in
// the record JSON, so the raw threshold sits well under the ~2 MB document
// ceiling of the backing store.
const DefaultChunkThreshold = 1_440_000

// StreamRefThreshold is the reconstructed-payload size above which Get hands
// back a PayloadRef instead of inlining the bytes in the response body.
const StreamRefThreshold = 1 << 20

// PayloadRef is a handle to a reconstructed payload too large to inline.
// Clients follow up on the payload endpoint with the parent message id.
type PayloadRef struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	Size           int    `json:"size"`
	TotalChunks    int    `json:"total_chunks"`
	Checksum       string `json:"checksum,omitempty"`
}

// ChunkedObjectStore persists messages whose payloads may exceed the backing
// store's per-record ceiling.
//
// # Description
//
// Payloads at or under the threshold are stored inline on the message. Larger
// payloads are split into fixed-size fragments: fragment 0 travels on the
// parent message itself (Content, IsChunked, TotalChunks, OriginalSize) and
// fragments 1..N-1 become MessageChunk records partitioned by the parent id.
// Reconstruction concatenates fragments in ascending chunk index; a missing
// fragment is logged and skipped so a partially-lost payload stays readable.
//
// # Invariants
//
//   - Every fragment except the last is exactly threshold bytes.
//   - Concatenating fragments 0..TotalChunks-1 in order reproduces the
//     original payload byte for byte.
type ChunkedObjectStore struct {
	store     Store
	threshold int
}

// NewChunkedObjectStore layers payload chunking over a Store. A threshold
// of 0 selects DefaultChunkThreshold.
func NewChunkedObjectStore(store Store, threshold int) *ChunkedObjectStore {
	if threshold <= 0 {
		threshold = DefaultChunkThreshold
	}
	return &ChunkedObjectStore{store: store, threshold: threshold}
}

// Put persists msg with the given payload and returns the number of records
// written.
//
// The payload replaces msg.Content (base64-encoded fragment 0). Callers that
// store plain text messages should use the Store directly; Put exists for
// binary and generated payloads.
func (c *ChunkedObjectStore) Put(ctx context.Context, msg *datatypes.Message, payload []byte) (int, error) {
	if len(payload) <= c.threshold {
		msg.Content = base64.StdEncoding.EncodeToString(payload)
		msg.IsChunked = false
		msg.TotalChunks = 0
		msg.OriginalSize = len(payload)
		err := c.store.Upsert(ctx, RecordMessage, Envelope{
			ID:        msg.ID,
			Partition: msg.ConversationID,
			CreatedAt: msg.CreatedAt,
			Record:    msg,
		})
		if err != nil {
			return 0, err
		}
		return 1, nil
	}

	fragments := splitPayload(payload, c.threshold)
	msg.Content = base64.StdEncoding.EncodeToString(fragments[0])
	msg.IsChunked = true
	msg.TotalChunks = len(fragments)
	msg.OriginalSize = len(payload)

	err := c.store.Upsert(ctx, RecordMessage, Envelope{
		ID:        msg.ID,
		Partition: msg.ConversationID,
		CreatedAt: msg.CreatedAt,
		Record:    msg,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to persist chunked message parent %s: %w", msg.ID, err)
	}

	envs := make([]Envelope, 0, len(fragments)-1)
	for i := 1; i < len(fragments); i++ {
		chunk := datatypes.MessageChunk{
			ID:             uuid.NewString(),
			ParentID:       msg.ID,
			ConversationID: msg.ConversationID,
			ChunkIndex:     i,
			Fragment:       base64.StdEncoding.EncodeToString(fragments[i]),
		}
		envs = append(envs, Envelope{
			ID:        chunk.ID,
			Partition: msg.ID,
			// Offset created_at by the index so a created_at sort also yields
			// fragment order.
			CreatedAt: msg.CreatedAt + int64(i),
			Record:    chunk,
		})
	}
	if err := c.store.UpsertMany(ctx, RecordMessageChunk, envs); err != nil {
		return 1, fmt.Errorf("failed to persist %d fragments for message %s: %w",
			len(envs), msg.ID, err)
	}

	slog.Info("Persisted chunked payload",
		"message_id", msg.ID,
		"original_size", msg.OriginalSize,
		"total_chunks", msg.TotalChunks,
	)
	return 1 + len(envs), nil
}

// Get loads the message with the given id and reconstructs its payload.
//
// Missing fragments are logged and skipped: a conversation whose chunk
// records were partially lost still renders, with the payload truncated at
// the gaps. The returned checksum covers the bytes actually reassembled.
func (c *ChunkedObjectStore) Get(ctx context.Context, messageID, conversationID string) ([]byte, *datatypes.Message, error) {
	var msg datatypes.Message
	if err := c.store.Read(ctx, RecordMessage, messageID, conversationID, &msg); err != nil {
		return nil, nil, err
	}

	first, err := base64.StdEncoding.DecodeString(msg.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("message %s has malformed payload fragment 0: %w", messageID, err)
	}
	if !msg.IsChunked {
		return first, &msg, nil
	}

	buf, err := NewReassemblyBuffer(msg.OriginalSize)
	if err != nil {
		return nil, nil, err
	}
	defer buf.Destroy()
	if err := buf.Write(first); err != nil {
		return nil, nil, err
	}

	fragments, err := c.loadFragments(ctx, messageID)
	if err != nil {
		return nil, nil, err
	}
	for i := 1; i < msg.TotalChunks; i++ {
		frag, ok := fragments[i]
		if !ok {
			observability.Metrics().ChunkFragmentsMissingTotal.Inc()
			slog.Warn("Payload fragment missing, continuing with partial payload",
				"message_id", messageID,
				"chunk_index", i,
				"total_chunks", msg.TotalChunks,
			)
			continue
		}
		if err := buf.Write(frag); err != nil {
			return nil, nil, err
		}
	}

	payload, checksum, err := buf.Finalize()
	if err != nil {
		return nil, nil, err
	}
	if len(payload) != msg.OriginalSize {
		slog.Warn("Reconstructed payload shorter than original",
			"message_id", messageID,
			"reconstructed", len(payload),
			"original_size", msg.OriginalSize,
			"checksum", checksum,
		)
	}
	return payload, &msg, nil
}

// Threshold returns the configured fragment size. Callers deciding whether
// a payload needs chunked persistence must compare against this, not the
// package default, so a store with a custom threshold routes consistently.
func (c *ChunkedObjectStore) Threshold() int {
	return c.threshold
}

// Ref builds the streaming handle for a reconstructed message.
func (c *ChunkedObjectStore) Ref(msg *datatypes.Message, checksum string) PayloadRef {
	return PayloadRef{
		MessageID:      msg.ID,
		ConversationID: msg.ConversationID,
		Size:           msg.OriginalSize,
		TotalChunks:    msg.TotalChunks,
		Checksum:       checksum,
	}
}

// NeedsStreaming reports whether a payload of the given size should be
// returned as a PayloadRef rather than inline.
func (c *ChunkedObjectStore) NeedsStreaming(size int) bool {
	return size > StreamRefThreshold
}

// loadFragments reads all chunk records for a parent and indexes them by
// chunk index. Malformed fragments are dropped with a warning, same as
// missing ones.
func (c *ChunkedObjectStore) loadFragments(ctx context.Context, parentID string) (map[int][]byte, error) {
	records, err := c.store.Query(ctx, RecordMessageChunk, Query{Partition: parentID})
	if err != nil {
		return nil, fmt.Errorf("failed to load fragments for message %s: %w", parentID, err)
	}

	fragments := make(map[int][]byte, len(records))
	for _, rec := range records {
		var chunk datatypes.MessageChunk
		if err := rec.Decode(&chunk); err != nil {
			slog.Warn("Skipping malformed chunk record", "chunk_id", rec.ID, "error", err)
			continue
		}
		raw, err := base64.StdEncoding.DecodeString(chunk.Fragment)
		if err != nil {
			slog.Warn("Skipping chunk with malformed fragment encoding",
				"chunk_id", chunk.ID, "chunk_index", chunk.ChunkIndex, "error", err)
			continue
		}
		fragments[chunk.ChunkIndex] = raw
	}
	return fragments, nil
}

// splitPayload cuts payload into threshold-sized slices. Slices alias the
// input; callers must not mutate payload until the fragments are encoded.
func splitPayload(payload []byte, threshold int) [][]byte {
	var fragments [][]byte
	for offset := 0; offset < len(payload); offset += threshold {
		end := offset + threshold
		if end > len(payload) {
			end = len(payload)
		}
		fragments = append(fragments, payload[offset:end])
	}
	return fragments
}
