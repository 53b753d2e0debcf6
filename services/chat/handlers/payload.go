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

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/middleware"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
)

// GetPayload is GET /v1/conversations/:conversationId/messages/:messageId/payload.
//
// Reconstructs a chunked message payload. The conversation is read under the
// caller's principal partition first; a conversation owned by someone else
// reads back as not found, never as a payload. Small reconstructions stream
// inline; payloads above the streaming threshold return a reference handle
// unless ?inline=true forces the bytes, so clients can choose ranged
// streaming over embedding.
func GetPayload(store storage.Store, chunked *storage.ChunkedObjectStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		principal := middleware.Principal(c)
		conversationID := c.Param("conversationId")
		messageID := c.Param("messageId")

		var conv datatypes.Conversation
		err := store.Read(c.Request.Context(), storage.RecordConversation, conversationID, principal, &conv)
		if storage.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		if err != nil {
			slog.Error("Failed to load conversation for payload request",
				"conversation_id", conversationID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
			return
		}

		payload, msg, err := chunked.Get(c.Request.Context(), messageID, conversationID)
		if storage.IsNotFound(err) {
			c.JSON(http.StatusNotFound, gin.H{"error": "message not found"})
			return
		}
		if err != nil {
			slog.Error("Failed to reconstruct payload",
				"message_id", messageID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to reconstruct payload"})
			return
		}

		if chunked.NeedsStreaming(len(payload)) && c.Query("inline") != "true" {
			c.JSON(http.StatusOK, gin.H{"payload_ref": chunked.Ref(msg, "")})
			return
		}

		c.Header("X-Original-Size", strconv.Itoa(msg.OriginalSize))
		c.Data(http.StatusOK, "application/octet-stream", payload)
	}
}
