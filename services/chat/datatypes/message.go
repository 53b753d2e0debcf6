// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import "time"

// Message roles. A conversation's transcript is a sequence of these; the
// binary roles (image, image_chunk, file) carry references or encoded
// payloads rather than display text.
const (
	RoleUser       = "user"
	RoleAssistant  = "assistant"
	RoleSafety     = "safety"
	RoleImage      = "image"
	RoleImageChunk = "image_chunk"
	RoleFile       = "file"
	RoleSystem     = "system"
)

// MessageMetadata is the structured per-turn metadata stored on a message.
//
// Messages are immutable once written, with one permitted correction: the
// ModelSelection field of a user message may be rewritten once the generator
// that actually handled the turn is known.
type MessageMetadata struct {
	Buttons           map[string]bool `json:"buttons,omitempty"`
	RetrievalScope    string          `json:"retrieval_scope,omitempty"`
	AgentName         string          `json:"agent_name,omitempty"`
	ModelSelection    string          `json:"model_selection,omitempty"`
	ChatType          string          `json:"chat_type,omitempty"`
	DegradationNotice string          `json:"degradation_notice,omitempty"`
}

// Message is one entry in a conversation. Created by the turn controller and
// never mutated by any other component.
type Message struct {
	ID             string          `json:"id"`
	ConversationID string          `json:"conversation_id"`
	Role           string          `json:"role"`
	Content        string          `json:"content"`
	CreatedAt      int64           `json:"created_at"`
	Metadata       MessageMetadata `json:"metadata"`

	HybridCitations []Citation `json:"hybrid_citations,omitempty"`
	AgentCitations  []Citation `json:"agent_citations,omitempty"`

	// Chunked-payload fields. When a generated payload exceeds the backing
	// store's record ceiling, the message is the parent record carrying
	// fragment 0 and the remaining fragments are MessageChunk records.
	IsChunked    bool `json:"is_chunked,omitempty"`
	TotalChunks  int  `json:"total_chunks,omitempty"`
	OriginalSize int  `json:"original_size,omitempty"`
}

// NewMessage creates a message for the given conversation and role.
func NewMessage(conversationID, role, content string) *Message {
	return &Message{
		ID:             generateUUID(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UnixMilli(),
	}
}

// MessageChunk is a minimal continuation record for an oversized payload.
//
// Invariant: concatenating the parent's fragment (index 0) with the
// fragments of indices 1..TotalChunks-1 in ascending order reproduces the
// original payload byte for byte.
type MessageChunk struct {
	ID             string `json:"id"`
	ParentID       string `json:"parent_id"`
	ConversationID string `json:"conversation_id"`
	ChunkIndex     int    `json:"chunk_index"`
	Fragment       string `json:"fragment"` // base64-encoded payload bytes
}
