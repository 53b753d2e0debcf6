// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/CovelineAI/CovelineChat/services/chat/archive"
	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/middleware"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// conversationSummary is the list-view shape of a conversation.
type conversationSummary struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	UpdatedAt int64  `json:"updated_at"`
	ChatType  string `json:"chat_type,omitempty"`
	Strict    bool   `json:"strict"`
}

// ListConversations is GET /v1/conversations: the caller's conversations,
// most recently updated first.
func ListConversations(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.Principal(c)

		limit := 50
		if raw := c.Query("limit"); raw != "" {
			if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
				limit = n
			}
		}

		records, err := store.Query(c.Request.Context(), storage.RecordConversation, storage.Query{
			Partition:  principal,
			Limit:      limit,
			Descending: true,
		})
		if err != nil {
			slog.Error("Failed to list conversations", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
			return
		}

		summaries := make([]conversationSummary, 0, len(records))
		for _, rec := range records {
			var conv datatypes.Conversation
			if err := rec.Decode(&conv); err != nil {
				continue
			}
			summaries = append(summaries, conversationSummary{
				ID:        conv.ID,
				Title:     conv.Title,
				UpdatedAt: conv.UpdatedAt,
				ChatType:  conv.ChatType,
				Strict:    conv.Strict,
			})
		}
		c.JSON(http.StatusOK, gin.H{"conversations": summaries})
	}
}

// GetConversation is GET /v1/conversations/:conversationId: the full record
// plus its transcript in ascending order.
func GetConversation(store storage.Store) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.Principal(c)
		conversationID := c.Param("conversationId")

		var conv datatypes.Conversation
		err := store.Read(c.Request.Context(), storage.RecordConversation, conversationID, principal, &conv)
		if storage.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			slog.Error("Failed to read conversation", "conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read conversation"})
			return
		}

		records, err := store.Query(c.Request.Context(), storage.RecordMessage, storage.Query{
			Partition: conversationID,
		})
		if err != nil {
			slog.Error("Failed to load transcript", "conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load transcript"})
			return
		}

		messages := make([]datatypes.Message, 0, len(records))
		for _, rec := range records {
			var msg datatypes.Message
			if err := rec.Decode(&msg); err != nil {
				continue
			}
			messages = append(messages, msg)
		}
		c.JSON(http.StatusOK, gin.H{
			"conversation": conv,
			"messages":     messages,
		})
	}
}

// ArchiveConversation is DELETE /v1/conversations/:conversationId:
// archive-then-delete. The conversation is copied to the cold store before
// any hot record is removed; a cold-store failure leaves everything in
// place.
func ArchiveConversation(archiver *archive.Archiver) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.Principal(c)
		conversationID := c.Param("conversationId")

		err := archiver.ArchiveAndDelete(c.Request.Context(), principal, conversationID)
		if storage.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			slog.Error("Failed to archive conversation",
				"conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to archive conversation"})
			return
		}

		observability.Metrics().ArchivedConversationsTotal.Inc()
		c.JSON(http.StatusOK, gin.H{"archived": conversationID})
	}
}
