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
	"log/slog"
	"time"

	"github.com/CovelineAI/CovelineChat/pkg/extensions"
)

// ExtensionAuditor bridges turn records onto the extensions.AuditLogger
// seam, so enterprise compliance sinks see the same events as the time
// series backend.
type ExtensionAuditor struct {
	logger extensions.AuditLogger
}

func NewExtensionAuditor(logger extensions.AuditLogger) *ExtensionAuditor {
	return &ExtensionAuditor{logger: logger}
}

// RecordTurn implements TurnAuditor. Logger failures are logged and
// swallowed; audit never fails a turn.
func (a *ExtensionAuditor) RecordTurn(ctx context.Context, rec TurnRecord) {
	eventType := "chat.turn"
	if rec.Blocked {
		eventType = "chat.blocked"
	}
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	err := a.logger.Log(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Timestamp:    ts,
		UserID:       rec.Principal,
		Action:       "turn",
		ResourceType: "conversation",
		ResourceID:   rec.ConversationID,
		Outcome:      rec.Outcome,
		Metadata: map[string]any{
			"request_id":  rec.RequestID,
			"mode":        rec.Mode,
			"model":       rec.ModelUsed,
			"citations":   rec.Citations,
			"failed_open": rec.FailedOpen,
			"duration_ms": rec.DurationMs,
		},
	})
	if err != nil {
		slog.Warn("Extension audit logger failed", "error", err)
	}
}

func (a *ExtensionAuditor) Close() {}

var _ TurnAuditor = (*ExtensionAuditor)(nil)

// MultiAuditor fans each turn record out to every member.
type MultiAuditor []TurnAuditor

func (m MultiAuditor) RecordTurn(ctx context.Context, rec TurnRecord) {
	for _, a := range m {
		a.RecordTurn(ctx, rec)
	}
}

func (m MultiAuditor) Close() {
	for _, a := range m {
		a.Close()
	}
}

var _ TurnAuditor = MultiAuditor{}
