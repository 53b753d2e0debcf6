// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes provides the record types for the chat turn pipeline.
//
// This file contains the Conversation record and its attribution metadata:
// context tags (which knowledge workspace a conversation is "about") and
// descriptor tags (identity-keyed turn metadata). The attribution rules that
// mutate these live in services/chat/attribution.
package datatypes

import "time"

// =============================================================================
// Context Tags
// =============================================================================

// ContextTagType distinguishes the single sticky primary workspace from
// workspaces a conversation merely touched.
type ContextTagType string

const (
	ContextPrimary   ContextTagType = "primary"
	ContextSecondary ContextTagType = "secondary"
)

// WorkspaceScope identifies which kind of knowledge workspace contributed to
// a turn. ScopeModel is the pseudo-workspace for answers produced purely from
// the generator's parametric knowledge.
type WorkspaceScope string

const (
	ScopePersonal WorkspaceScope = "personal"
	ScopeGroup    WorkspaceScope = "group"
	ScopePublic   WorkspaceScope = "public"
	ScopeModel    WorkspaceScope = "model"
)

// ContextTag records one workspace attribution for a conversation.
//
// Invariant: a conversation holds at most one tag with Type ContextPrimary,
// and once set the primary's scope is never replaced; later turns touching a
// different workspace are recorded as ContextSecondary instead.
type ContextTag struct {
	Type        ContextTagType `json:"type"`
	Scope       WorkspaceScope `json:"scope"`
	ScopeID     string         `json:"scope_id"`
	DisplayName string         `json:"display_name"`
}

// =============================================================================
// Descriptor Tags
// =============================================================================

// DescriptorCategory enumerates the kinds of descriptor tags a conversation
// accumulates. Each category has a category-specific identity key.
type DescriptorCategory string

const (
	TagParticipant DescriptorCategory = "participant" // identity = user id
	TagAgent       DescriptorCategory = "agent"       // identity = agent name
	TagModel       DescriptorCategory = "model"       // identity = model id
	TagSemantic    DescriptorCategory = "semantic"    // identity = keyword
	TagDocument    DescriptorCategory = "document"    // identity = document id
)

// DescriptorTag is one deduplicated piece of conversation metadata.
//
// Invariant: the conversation's tag set holds at most one tag per
// (Category, Identity) pair. Re-occurrence merges instead of duplicating;
// for document tags the accumulated ChunkIDs list only grows.
type DescriptorTag struct {
	Category DescriptorCategory `json:"category"`
	Identity string             `json:"identity"`
	Display  string             `json:"display"`
	ChunkIDs []string           `json:"chunk_ids,omitempty"`
}

// =============================================================================
// Conversation
// =============================================================================

// Conversation is the per-thread record mutated by every turn.
//
// It is created on the first message, updated with last-write-wins semantics
// (no optimistic concurrency token), and never hard-deleted except through
// the archive-then-delete operation, which copies it to the cold store first.
type Conversation struct {
	ID        string          `json:"id"`
	Principal string          `json:"principal"`
	Title     string          `json:"title"`
	UpdatedAt int64           `json:"updated_at"`
	Context   []ContextTag    `json:"context,omitempty"`
	Tags      []DescriptorTag `json:"tags,omitempty"`
	Strict    bool            `json:"strict"`
	ChatType  string          `json:"chat_type,omitempty"`
}

// NewConversation creates a conversation owned by the given principal.
func NewConversation(principal, title string) *Conversation {
	return &Conversation{
		ID:        generateUUID(),
		Principal: principal,
		Title:     title,
		UpdatedAt: time.Now().UnixMilli(),
	}
}

// PrimaryContext returns the conversation's primary context tag, or nil if no
// primary has been established yet.
func (c *Conversation) PrimaryContext() *ContextTag {
	for i := range c.Context {
		if c.Context[i].Type == ContextPrimary {
			return &c.Context[i]
		}
	}
	return nil
}

// HasContext reports whether any context tag (primary or secondary) already
// records the given scope and scope id.
func (c *Conversation) HasContext(scope WorkspaceScope, scopeID string) bool {
	for i := range c.Context {
		if c.Context[i].Scope == scope && c.Context[i].ScopeID == scopeID {
			return true
		}
	}
	return false
}

// FindTag returns the index of the descriptor tag with the given identity
// key, or -1 when absent.
func (c *Conversation) FindTag(category DescriptorCategory, identity string) int {
	for i := range c.Tags {
		if c.Tags[i].Category == category && c.Tags[i].Identity == identity {
			return i
		}
	}
	return -1
}

// Touch bumps the last-updated timestamp.
func (c *Conversation) Touch() {
	c.UpdatedAt = time.Now().UnixMilli()
}
