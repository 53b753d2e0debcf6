// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package attribution maintains a conversation's context and descriptor
// tags across turns.
//
// # Description
//
// After each turn the attributor decides which knowledge workspace the turn
// drew from and folds that into the conversation: the first workspace ever
// used becomes the sticky primary, later differing workspaces become
// secondaries, and turns that used no documents are tagged with the Model
// pseudo-workspace. Descriptor tags are recomputed into an identity-keyed
// set so re-occurrence merges instead of duplicating.
package attribution

import (
	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
)

// TurnInputs is everything the attributor needs from one completed turn.
type TurnInputs struct {
	// Principal is the user who sent the turn.
	Principal string

	// Citations are the turn's retrieval citations, in the order the
	// search backend returned them.
	Citations []datatypes.Citation

	// AgentName is the agent that answered, when one did.
	AgentName string

	// ModelID identifies the generator that produced the answer.
	ModelID string

	// Keywords are optional semantic descriptors extracted for the turn.
	Keywords []string
}

// Attributor applies the attribution rules. It is stateless; all state
// lives on the Conversation record.
type Attributor struct{}

func NewAttributor() *Attributor {
	return &Attributor{}
}

// Attribute folds one turn into the conversation and returns the chat type
// for the turn's own message.
//
// The conversation's chat type is derived from its primary context scope;
// the message chat type reflects whether this specific turn used documents.
// The two derivations are independent on purpose: a conversation grounded
// in personal documents keeps its badge even when one turn answers from the
// model alone.
func (a *Attributor) Attribute(conv *datatypes.Conversation, turn TurnInputs) (messageChatType string) {
	workspace, workspaceID, workspaceDisplay := workspaceUsed(turn.Citations)
	usedDocuments := workspace != ""

	if usedDocuments {
		a.recordWorkspace(conv, workspace, workspaceID, workspaceDisplay)
	} else {
		// The model answered from parametric knowledge; record that so
		// ungrounded turns stay distinguishable from grounded ones.
		if !conv.HasContext(datatypes.ScopeModel, string(datatypes.ScopeModel)) {
			conv.Context = append(conv.Context, datatypes.ContextTag{
				Type:        datatypes.ContextSecondary,
				Scope:       datatypes.ScopeModel,
				ScopeID:     string(datatypes.ScopeModel),
				DisplayName: "Model knowledge",
			})
		}
	}

	a.mergeDescriptors(conv, turn)

	conv.ChatType = chatTypeForScope(primaryScope(conv))
	if usedDocuments {
		return chatTypeForScope(workspace)
	}
	return chatTypeForScope(datatypes.ScopeModel)
}

// workspaceUsed returns the scope of the first citation encountered.
// First-seen-wins rather than highest-score: this drives a display label,
// not ranking, so determinism beats relevance weighting.
func workspaceUsed(citations []datatypes.Citation) (datatypes.WorkspaceScope, string, string) {
	for _, c := range citations {
		if c.Scope == "" {
			continue
		}
		return datatypes.WorkspaceScope(c.Scope), c.ScopeID, c.FileName
	}
	return "", "", ""
}

// recordWorkspace applies the sticky-primary rule for a documents-using
// turn.
func (a *Attributor) recordWorkspace(conv *datatypes.Conversation, scope datatypes.WorkspaceScope, scopeID, display string) {
	primary := conv.PrimaryContext()
	if primary == nil {
		conv.Context = append(conv.Context, datatypes.ContextTag{
			Type:        datatypes.ContextPrimary,
			Scope:       scope,
			ScopeID:     scopeID,
			DisplayName: display,
		})
		return
	}
	if primary.Scope == scope && primary.ScopeID == scopeID {
		return
	}
	// A different workspace never replaces the primary; it becomes a
	// secondary, once.
	if !conv.HasContext(scope, scopeID) {
		conv.Context = append(conv.Context, datatypes.ContextTag{
			Type:        datatypes.ContextSecondary,
			Scope:       scope,
			ScopeID:     scopeID,
			DisplayName: display,
		})
	}
}

// mergeDescriptors folds the turn's descriptors into the identity-keyed
// tag set. Document tags merge their chunk id lists; the lists only grow.
func (a *Attributor) mergeDescriptors(conv *datatypes.Conversation, turn TurnInputs) {
	if turn.Principal != "" {
		upsertTag(conv, datatypes.DescriptorTag{
			Category: datatypes.TagParticipant,
			Identity: turn.Principal,
			Display:  turn.Principal,
		})
	}
	if turn.AgentName != "" {
		upsertTag(conv, datatypes.DescriptorTag{
			Category: datatypes.TagAgent,
			Identity: turn.AgentName,
			Display:  turn.AgentName,
		})
	}
	if turn.ModelID != "" {
		upsertTag(conv, datatypes.DescriptorTag{
			Category: datatypes.TagModel,
			Identity: turn.ModelID,
			Display:  turn.ModelID,
		})
	}
	for _, kw := range turn.Keywords {
		upsertTag(conv, datatypes.DescriptorTag{
			Category: datatypes.TagSemantic,
			Identity: kw,
			Display:  kw,
		})
	}

	// Document tags are keyed by file; each citation contributes its chunk.
	for _, c := range turn.Citations {
		if c.FileName == "" {
			continue
		}
		upsertTag(conv, datatypes.DescriptorTag{
			Category: datatypes.TagDocument,
			Identity: c.FileName,
			Display:  c.FileName,
			ChunkIDs: []string{c.ChunkID},
		})
	}
}

// upsertTag inserts or merges one descriptor tag by identity key.
func upsertTag(conv *datatypes.Conversation, tag datatypes.DescriptorTag) {
	idx := conv.FindTag(tag.Category, tag.Identity)
	if idx < 0 {
		conv.Tags = append(conv.Tags, tag)
		return
	}

	existing := &conv.Tags[idx]
	if tag.Display != "" {
		existing.Display = tag.Display
	}
	for _, chunkID := range tag.ChunkIDs {
		if chunkID == "" || containsString(existing.ChunkIDs, chunkID) {
			continue
		}
		existing.ChunkIDs = append(existing.ChunkIDs, chunkID)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func primaryScope(conv *datatypes.Conversation) datatypes.WorkspaceScope {
	if primary := conv.PrimaryContext(); primary != nil {
		return primary.Scope
	}
	return datatypes.ScopeModel
}

// chatTypeForScope maps a workspace scope onto the UI badge label.
func chatTypeForScope(scope datatypes.WorkspaceScope) string {
	switch scope {
	case datatypes.ScopePersonal:
		return "Personal"
	case datatypes.ScopeGroup:
		return "Group"
	case datatypes.ScopePublic:
		return "Public"
	default:
		return "Model"
	}
}
