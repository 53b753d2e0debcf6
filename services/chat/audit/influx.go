// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package audit records per-turn outcomes as a time series.
//
// Audit is fire-and-forget: the turn pipeline never blocks on or fails
// because of an audit write. The InfluxDB backend uses the non-blocking
// write API; the Nop backend serves lightweight deployments and tests.
package audit

import (
	"context"
	"log/slog"
	"os"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// TurnRecord is one audited turn.
type TurnRecord struct {
	RequestID      string
	ConversationID string
	Principal      string
	Outcome        string // completed | blocked | failed
	Mode           string // answering strategy, or "apology"
	ModelUsed      string
	Citations      int
	Blocked        bool
	FailedOpen     bool
	DurationMs     int64
	Timestamp      time.Time
}

// TurnAuditor sinks turn records.
type TurnAuditor interface {
	RecordTurn(ctx context.Context, rec TurnRecord)
	Close()
}

// =============================================================================
// InfluxDB auditor
// =============================================================================

// InfluxAuditor writes turn records to an InfluxDB bucket.
type InfluxAuditor struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// NewInfluxAuditorFromEnv builds an auditor from INFLUXDB_URL,
// INFLUXDB_TOKEN, INFLUXDB_ORG and INFLUXDB_BUCKET. Returns a NopAuditor
// when the URL is unset, so deployments without Influx just skip auditing.
func NewInfluxAuditorFromEnv() TurnAuditor {
	influxURL := os.Getenv("INFLUXDB_URL")
	if influxURL == "" {
		slog.Info("INFLUXDB_URL not set, turn auditing disabled")
		return NopAuditor{}
	}
	influxToken := os.Getenv("INFLUXDB_TOKEN")
	influxOrg := os.Getenv("INFLUXDB_ORG")
	if influxOrg == "" {
		influxOrg = "coveline"
	}
	influxBucket := os.Getenv("INFLUXDB_BUCKET")
	if influxBucket == "" {
		influxBucket = "chat-audit"
	}
	return NewInfluxAuditor(influxURL, influxToken, influxOrg, influxBucket)
}

// NewInfluxAuditor creates an auditor on the non-blocking write API.
func NewInfluxAuditor(url, token, org, bucket string) *InfluxAuditor {
	client := influxdb2.NewClient(url, token)
	writeAPI := client.WriteAPI(org, bucket)

	// Drain async write errors into the log; audit must never surface them.
	go func() {
		for err := range writeAPI.Errors() {
			slog.Warn("Turn audit write failed", "error", err)
		}
	}()

	return &InfluxAuditor{client: client, writeAPI: writeAPI}
}

// RecordTurn implements TurnAuditor. The write is queued and flushed in the
// background.
func (a *InfluxAuditor) RecordTurn(_ context.Context, rec TurnRecord) {
	ts := rec.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	point := influxdb2.NewPoint(
		"chat_turn",
		map[string]string{
			"outcome": rec.Outcome,
			"mode":    rec.Mode,
			"model":   rec.ModelUsed,
		},
		map[string]interface{}{
			"request_id":      rec.RequestID,
			"conversation_id": rec.ConversationID,
			"principal":       rec.Principal,
			"citations":       rec.Citations,
			"blocked":         rec.Blocked,
			"failed_open":     rec.FailedOpen,
			"duration_ms":     rec.DurationMs,
		},
		ts,
	)
	a.writeAPI.WritePoint(point)
}

// Close flushes queued points and releases the client.
func (a *InfluxAuditor) Close() {
	a.writeAPI.Flush()
	a.client.Close()
}

var _ TurnAuditor = (*InfluxAuditor)(nil)

// =============================================================================
// Nop auditor
// =============================================================================

// NopAuditor discards all records.
type NopAuditor struct{}

func (NopAuditor) RecordTurn(context.Context, TurnRecord) {}
func (NopAuditor) Close()                                 {}

var _ TurnAuditor = NopAuditor{}
