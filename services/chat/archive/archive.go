// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive implements archive-then-delete for conversations.
//
// Deleting a conversation first serializes the full transcript (conversation
// record, messages, chunk fragments) into a single archive document and
// writes it to a cold store. Only after the cold write succeeds are the hot
// records removed. Two cold backends exist: an embedded BadgerDB for
// single-node deployments and GCS for cloud ones.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// ColdStore is the write-once archive backend.
type ColdStore interface {
	// Put writes one archive document under the given key, replacing any
	// previous document at that key.
	Put(ctx context.Context, key string, data []byte) error

	// Get reads an archive document. Returns storage.ErrNotFound when the
	// key does not exist.
	Get(ctx context.Context, key string) ([]byte, error)

	Close() error
}

// ConversationArchive is the cold-store document for one archived
// conversation: everything needed to reconstruct it offline.
type ConversationArchive struct {
	Conversation datatypes.Conversation   `json:"conversation"`
	Messages     []datatypes.Message      `json:"messages"`
	Chunks       []datatypes.MessageChunk `json:"chunks,omitempty"`
	ArchivedAt   int64                    `json:"archived_at"`
}

// Archiver moves conversations from the hot store to a cold backend.
type Archiver struct {
	store storage.Store
	cold  ColdStore
}

func NewArchiver(store storage.Store, cold ColdStore) *Archiver {
	return &Archiver{store: store, cold: cold}
}

// archiveKey is stable per conversation so re-archiving after a partial
// delete overwrites rather than duplicates.
func archiveKey(principal, conversationID string) string {
	return fmt.Sprintf("conversations/%s/%s.json", principal, conversationID)
}

// ArchiveAndDelete serializes the conversation to the cold store and then
// deletes its hot records.
//
// The cold write is the commit point: any failure before or during it leaves
// the hot records untouched. Failures while deleting hot records after the
// commit are logged and skipped; the archive is already durable and a
// re-delete converges.
func (a *Archiver) ArchiveAndDelete(ctx context.Context, principal, conversationID string) error {
	var conv datatypes.Conversation
	if err := a.store.Read(ctx, storage.RecordConversation, conversationID, principal, &conv); err != nil {
		return fmt.Errorf("failed to load conversation %s for archival: %w", conversationID, err)
	}

	msgRecords, err := a.store.Query(ctx, storage.RecordMessage, storage.Query{Partition: conversationID})
	if err != nil {
		return fmt.Errorf("failed to load messages for conversation %s: %w", conversationID, err)
	}

	doc := ConversationArchive{
		Conversation: conv,
		ArchivedAt:   time.Now().UnixMilli(),
	}
	for _, rec := range msgRecords {
		var msg datatypes.Message
		if err := rec.Decode(&msg); err != nil {
			slog.Warn("Skipping undecodable message during archival",
				"conversation_id", conversationID, "message_id", rec.ID, "error", err)
			continue
		}
		doc.Messages = append(doc.Messages, msg)

		if msg.IsChunked {
			chunks, err := a.loadChunks(ctx, msg.ID)
			if err != nil {
				return fmt.Errorf("failed to load fragments for message %s: %w", msg.ID, err)
			}
			doc.Chunks = append(doc.Chunks, chunks...)
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to serialize archive for conversation %s: %w", conversationID, err)
	}
	if err := a.cold.Put(ctx, archiveKey(principal, conversationID), data); err != nil {
		return fmt.Errorf("cold store write failed for conversation %s: %w", conversationID, err)
	}

	// Commit point passed; hot deletes are best-effort from here.
	for _, chunk := range doc.Chunks {
		if err := a.store.Delete(ctx, storage.RecordMessageChunk, chunk.ID); err != nil {
			slog.Warn("Failed to delete archived chunk record", "chunk_id", chunk.ID, "error", err)
		}
	}
	for _, rec := range msgRecords {
		if err := a.store.Delete(ctx, storage.RecordMessage, rec.ID); err != nil {
			slog.Warn("Failed to delete archived message record", "message_id", rec.ID, "error", err)
		}
	}
	if err := a.store.Delete(ctx, storage.RecordConversation, conversationID); err != nil {
		slog.Warn("Failed to delete archived conversation record",
			"conversation_id", conversationID, "error", err)
	}

	slog.Info("Archived conversation",
		"conversation_id", conversationID,
		"messages", len(doc.Messages),
		"chunks", len(doc.Chunks),
		"bytes", len(data),
	)
	return nil
}

// Restore reads an archived conversation back from the cold store.
func (a *Archiver) Restore(ctx context.Context, principal, conversationID string) (*ConversationArchive, error) {
	data, err := a.cold.Get(ctx, archiveKey(principal, conversationID))
	if err != nil {
		return nil, err
	}
	var doc ConversationArchive
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to decode archive for conversation %s: %w", conversationID, err)
	}
	return &doc, nil
}

func (a *Archiver) loadChunks(ctx context.Context, parentID string) ([]datatypes.MessageChunk, error) {
	records, err := a.store.Query(ctx, storage.RecordMessageChunk, storage.Query{Partition: parentID})
	if err != nil {
		return nil, err
	}
	chunks := make([]datatypes.MessageChunk, 0, len(records))
	for _, rec := range records {
		var chunk datatypes.MessageChunk
		if err := rec.Decode(&chunk); err != nil {
			slog.Warn("Skipping undecodable chunk during archival", "chunk_id", rec.ID, "error", err)
			continue
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}
