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

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestTurnRequest_EnsureDefaults verifies id generation, timestamping and the
// retrieval count clamp.
func TestTurnRequest_EnsureDefaults(t *testing.T) {
	req := &TurnRequest{Message: "what is the refund policy?"}
	req.EnsureDefaults()

	_, err := uuid.Parse(req.RequestID)
	assert.NoError(t, err)
	assert.Positive(t, req.Timestamp)
	assert.Equal(t, DefaultRetrievalTopN, req.TopN)
}

// TestTurnRequest_EnsureDefaults_TopNClamp verifies the [1, 500] bounds.
func TestTurnRequest_EnsureDefaults_TopNClamp(t *testing.T) {
	tests := []struct {
		name string
		in   int
		want int
	}{
		{"zero takes default", 0, DefaultRetrievalTopN},
		{"negative clamps low", -5, MinRetrievalTopN},
		{"oversized clamps high", 900, MaxRetrievalTopN},
		{"in range kept", 7, 7},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &TurnRequest{Message: "x", TopN: tt.in}
			req.EnsureDefaults()
			assert.Equal(t, tt.want, req.TopN)
		})
	}
}

// TestTurnRequest_EnsureDefaults_KeepsClientValues verifies supplied ids and
// timestamps are not overwritten.
func TestTurnRequest_EnsureDefaults_KeepsClientValues(t *testing.T) {
	id := uuid.NewString()
	req := &TurnRequest{RequestID: id, Timestamp: 42, Message: "x"}
	req.EnsureDefaults()

	assert.Equal(t, id, req.RequestID)
	assert.Equal(t, int64(42), req.Timestamp)
}

// TestTurnRequest_Validate covers the request validation rules.
func TestTurnRequest_Validate(t *testing.T) {
	valid := func() TurnRequest {
		return TurnRequest{
			RequestID:      uuid.NewString(),
			Message:        "what is the refund policy?",
			ConversationID: uuid.NewString(),
			DocScope:       "personal",
			TopN:           12,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*TurnRequest)
		wantErr bool
	}{
		{"valid request", func(r *TurnRequest) {}, false},
		{"empty optional fields", func(r *TurnRequest) {
			r.RequestID = ""
			r.ConversationID = ""
			r.DocScope = ""
		}, false},
		{"missing message", func(r *TurnRequest) { r.Message = "" }, true},
		{"oversized message", func(r *TurnRequest) {
			r.Message = strings.Repeat("a", MaxMessageContentBytes+1)
		}, true},
		{"message at byte budget", func(r *TurnRequest) {
			r.Message = strings.Repeat("a", MaxMessageContentBytes)
		}, false},
		{"malformed request id", func(r *TurnRequest) { r.RequestID = "not-a-uuid" }, true},
		{"malformed conversation id", func(r *TurnRequest) { r.ConversationID = "abc123" }, true},
		{"unknown doc scope", func(r *TurnRequest) { r.DocScope = "everything" }, true},
		{"negative top n", func(r *TurnRequest) { r.TopN = -1 }, true},
		{"top n over maximum", func(r *TurnRequest) { r.TopN = 501 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(&req)
			err := req.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

// TestNewTurnResponse verifies correlation with the request id.
func TestNewTurnResponse(t *testing.T) {
	resp := NewTurnResponse("req-1")

	assert.Equal(t, "req-1", resp.RequestID)
	assert.Positive(t, resp.Timestamp)
	_, err := uuid.Parse(resp.ResponseID)
	require.NoError(t, err)
}
