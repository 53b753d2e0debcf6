// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// This file contains the request and response types for the turn endpoint
// (POST /v1/turn). For the persisted record types, see conversation.go and
// message.go.
package datatypes

import (
	"time"

	"github.com/go-playground/validator/v10"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// MaxMessageContentBytes is the maximum size of one inbound user message.
	MaxMessageContentBytes = 32 * 1024 // 32KB

	// DefaultRetrievalTopN is the retrieval result count when the request
	// does not override it.
	DefaultRetrievalTopN = 12

	// MinRetrievalTopN and MaxRetrievalTopN bound the user override.
	MinRetrievalTopN = 1
	MaxRetrievalTopN = 500
)

// =============================================================================
// Shared Validator Instance
// =============================================================================

// turnValidate is the validator instance for turn datatypes, initialized in
// init() with custom validators.
var turnValidate *validator.Validate

func init() {
	turnValidate = validator.New()
	_ = turnValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

// validateMaxBytes enforces the message byte budget. Byte length, not rune
// count: the limit exists to bound memory, not characters.
func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= MaxMessageContentBytes
}

// =============================================================================
// Turn Request
// =============================================================================

// TurnRequest is the body of one inbound user turn.
//
// # Fields
//
//   - RequestID: optional client-supplied UUID v4; generated when absent.
//   - Timestamp: optional Unix milliseconds (UTC); stamped when absent.
//   - Message: required. The user's input, at most 32KB.
//   - ConversationID: optional. Absent on the first turn of a conversation.
//   - RetrievalEnabled: whether this turn should ground against retrieval.
//   - DocScope: workspace scope filter for retrieval (personal|group|public).
//   - TopN: retrieval result count override, clamped to [1, 500].
//   - ModelOverride / AgentOverride: explicit generator selection.
//   - MultiAgent: request the multi-agent orchestrator path when configured.
//   - Strict: mark the conversation strict (grounded-answers-only UI badge).
type TurnRequest struct {
	RequestID        string `json:"request_id" validate:"omitempty,uuid4"`
	Timestamp        int64  `json:"timestamp" validate:"gte=0"`
	Message          string `json:"message" validate:"required,maxbytes"`
	ConversationID   string `json:"conversation_id" validate:"omitempty,uuid4"`
	RetrievalEnabled bool   `json:"retrieval_enabled"`
	DocScope         string `json:"doc_scope" validate:"omitempty,oneof=personal group public"`
	TopN             int    `json:"top_n" validate:"gte=0,lte=500"`
	ModelOverride    string `json:"model_override"`
	AgentOverride    string `json:"agent_override"`
	MultiAgent       bool   `json:"multi_agent"`
	Strict           bool   `json:"strict"`
}

// Validate validates the TurnRequest fields using the shared validator.
func (r *TurnRequest) Validate() error {
	return turnValidate.Struct(r)
}

// EnsureDefaults populates identifiers and clamps the retrieval result count.
//
// # Examples
//
//	req := &TurnRequest{Message: "What is the refund policy?"}
//	req.EnsureDefaults()
//	// req.RequestID is now a UUID, req.TopN is 12
func (r *TurnRequest) EnsureDefaults() {
	if r.RequestID == "" {
		r.RequestID = generateUUID()
	}
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}
	if r.TopN == 0 {
		r.TopN = DefaultRetrievalTopN
	}
	if r.TopN < MinRetrievalTopN {
		r.TopN = MinRetrievalTopN
	}
	if r.TopN > MaxRetrievalTopN {
		r.TopN = MaxRetrievalTopN
	}
}

// =============================================================================
// Turn Response
// =============================================================================

// TurnResponse is the terminal result of one turn. The pipeline guarantees
// every accepted turn produces one of these: an answer, a safety block, or a
// degraded-mode answer, never an unhandled error.
type TurnResponse struct {
	ResponseID        string     `json:"response_id"`
	RequestID         string     `json:"request_id"`
	Timestamp         int64      `json:"timestamp"`
	Reply             string     `json:"reply"`
	ConversationID    string     `json:"conversation_id"`
	MessageID         string     `json:"message_id"`
	Citations         []Citation `json:"citations,omitempty"`
	AgentCitations    []Citation `json:"agent_citations,omitempty"`
	Blocked           bool       `json:"blocked"`
	BlockedCategories []string   `json:"blocked_categories,omitempty"`
	DegradationNotice string     `json:"degradation_notice,omitempty"`
	ModelUsed         string     `json:"model_used,omitempty"`
	ChatType          string     `json:"chat_type,omitempty"`
}

// NewTurnResponse creates a TurnResponse with a generated id and timestamp,
// echoing the request id for correlation.
func NewTurnResponse(requestID string) *TurnResponse {
	return &TurnResponse{
		ResponseID: generateUUID(),
		RequestID:  requestID,
		Timestamp:  time.Now().UnixMilli(),
	}
}
