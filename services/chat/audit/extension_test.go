// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CovelineAI/CovelineChat/pkg/extensions"
)

// capturingLogger records every event handed to the extension seam.
type capturingLogger struct {
	events []extensions.AuditEvent
	err    error
}

func (l *capturingLogger) Log(_ context.Context, event extensions.AuditEvent) error {
	l.events = append(l.events, event)
	return l.err
}

// countingAuditor tallies calls for fan-out tests.
type countingAuditor struct {
	records int
	closes  int
}

func (a *countingAuditor) RecordTurn(context.Context, TurnRecord) { a.records++ }
func (a *countingAuditor) Close()                                 { a.closes++ }

// TestExtensionAuditor_MapsTurnRecord verifies a completed turn lands on the
// seam with the conversation addressed as the resource and the pipeline
// detail in metadata.
func TestExtensionAuditor_MapsTurnRecord(t *testing.T) {
	logger := &capturingLogger{}
	auditor := NewExtensionAuditor(logger)

	ts := time.Date(2026, 8, 29, 10, 0, 0, 0, time.UTC)
	auditor.RecordTurn(context.Background(), TurnRecord{
		RequestID:      "req-1",
		ConversationID: "conv-1",
		Principal:      "alice",
		Outcome:        "completed",
		Mode:           "named_agent",
		ModelUsed:      "gpt-4o",
		Citations:      3,
		DurationMs:     420,
		Timestamp:      ts,
	})

	require.Len(t, logger.events, 1)
	event := logger.events[0]
	assert.Equal(t, "chat.turn", event.EventType)
	assert.Equal(t, ts, event.Timestamp)
	assert.Equal(t, "alice", event.UserID)
	assert.Equal(t, "turn", event.Action)
	assert.Equal(t, "conversation", event.ResourceType)
	assert.Equal(t, "conv-1", event.ResourceID)
	assert.Equal(t, "completed", event.Outcome)
	assert.Equal(t, "req-1", event.Metadata["request_id"])
	assert.Equal(t, "named_agent", event.Metadata["mode"])
	assert.Equal(t, "gpt-4o", event.Metadata["model"])
	assert.Equal(t, 3, event.Metadata["citations"])
	assert.Equal(t, int64(420), event.Metadata["duration_ms"])
}

// TestExtensionAuditor_BlockedEventType verifies blocked turns use their own
// event type so compliance filters can key on it.
func TestExtensionAuditor_BlockedEventType(t *testing.T) {
	logger := &capturingLogger{}
	auditor := NewExtensionAuditor(logger)

	auditor.RecordTurn(context.Background(), TurnRecord{
		ConversationID: "conv-1",
		Principal:      "alice",
		Outcome:        "blocked",
		Blocked:        true,
	})

	require.Len(t, logger.events, 1)
	assert.Equal(t, "chat.blocked", logger.events[0].EventType)
	// A zero timestamp is filled in rather than forwarded.
	assert.False(t, logger.events[0].Timestamp.IsZero())
}

// TestExtensionAuditor_LoggerFailureIsSwallowed verifies a failing sink never
// panics or blocks; audit must not fail a turn.
func TestExtensionAuditor_LoggerFailureIsSwallowed(t *testing.T) {
	logger := &capturingLogger{err: errors.New("sink unavailable")}
	auditor := NewExtensionAuditor(logger)

	assert.NotPanics(t, func() {
		auditor.RecordTurn(context.Background(), TurnRecord{ConversationID: "conv-1"})
	})
	assert.Len(t, logger.events, 1)
}

// TestMultiAuditor_FansOut verifies every member sees every record and every
// close.
func TestMultiAuditor_FansOut(t *testing.T) {
	first := &countingAuditor{}
	second := &countingAuditor{}
	multi := MultiAuditor{first, second}

	multi.RecordTurn(context.Background(), TurnRecord{ConversationID: "conv-1"})
	multi.RecordTurn(context.Background(), TurnRecord{ConversationID: "conv-2"})
	multi.Close()

	assert.Equal(t, 2, first.records)
	assert.Equal(t, 2, second.records)
	assert.Equal(t, 1, first.closes)
	assert.Equal(t, 1, second.closes)
}
