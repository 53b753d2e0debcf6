// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package safety implements the moderation gate in front of the turn
// pipeline.
//
// # Description
//
// Every inbound user message passes two checks: a local regex blocklist
// (hot-reloaded from YAML) and a remote moderation backend. Verdicts use a
// 0..6 severity scale; severity at or above BlockSeverityThreshold blocks
// the turn. The gate fails open: a moderation backend outage admits the
// message, recorded via log and metric, because a safety vendor outage must
// not take the product down with it.
package safety

import (
	"context"
	"log/slog"
	"math"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/CovelineAI/CovelineChat/services/chat/observability"
)

var tracer = otel.Tracer("github.com/CovelineAI/CovelineChat/services/chat/safety")

// Severity scale for moderation verdicts.
const (
	// MaxSeverity is the top of the severity scale.
	MaxSeverity = 6

	// BlockSeverityThreshold is the lowest severity that blocks a turn.
	BlockSeverityThreshold = 4
)

// SeverityFromScore maps a moderation confidence score in [0,1] onto the
// 0..6 severity scale.
func SeverityFromScore(score float64) int {
	s := int(math.Round(score * MaxSeverity))
	if s < 0 {
		return 0
	}
	if s > MaxSeverity {
		return MaxSeverity
	}
	return s
}

// CategoryScore is one moderation category with its confidence score.
type CategoryScore struct {
	Name    string
	Score   float64
	Flagged bool
}

// ModerationResult is the backend's verdict on one piece of text.
type ModerationResult struct {
	Flagged    bool
	Categories []CategoryScore
}

// ModerationClient is the remote moderation backend.
type ModerationClient interface {
	Moderate(ctx context.Context, text string) (*ModerationResult, error)
}

// Verdict is the gate's decision on one message.
type Verdict struct {
	// Allowed reports whether the turn may proceed.
	Allowed bool

	// Categories names the categories that caused a block, most severe
	// first. Empty when allowed.
	Categories []string

	// Severity is the highest severity observed across all categories,
	// including ones below the block threshold.
	Severity int

	// FailedOpen is set when the message was admitted because the
	// moderation backend was unreachable.
	FailedOpen bool

	// Source names the stage that blocked: "blocklist", "moderation", or
	// "filter" when an enterprise message filter vetoed the input.
	Source string
}

// Gate runs the safety checks for the turn pipeline.
type Gate struct {
	moderator ModerationClient
	blocklist *Blocklist
}

// NewGate builds a gate. Either argument may be nil, disabling that check;
// a gate with both nil admits everything.
func NewGate(moderator ModerationClient, blocklist *Blocklist) *Gate {
	return &Gate{moderator: moderator, blocklist: blocklist}
}

// Check evaluates one user message.
//
// The local blocklist runs first: it is cheap and its verdicts do not
// depend on a network call. The moderation backend runs second and fails
// open on error. Check itself never returns an error; a turn is either
// allowed or blocked.
func (g *Gate) Check(ctx context.Context, text string) Verdict {
	ctx, span := tracer.Start(ctx, "SafetyGate.Check")
	defer span.End()

	if g.blocklist != nil {
		if v, blocked := g.checkBlocklist(span, text); blocked {
			observability.Metrics().RecordSafetyDecision(observability.SafetyBlocked)
			return v
		}
	}

	v := g.checkModeration(ctx, span, text)
	switch {
	case v.FailedOpen:
		observability.Metrics().RecordSafetyDecision(observability.SafetyFailOpen)
	case v.Allowed:
		observability.Metrics().RecordSafetyDecision(observability.SafetyAllowed)
	default:
		observability.Metrics().RecordSafetyDecision(observability.SafetyBlocked)
	}
	return v
}

func (g *Gate) checkBlocklist(span trace.Span, text string) (Verdict, bool) {
	matches := g.blocklist.Match(text)
	if len(matches) == 0 {
		return Verdict{}, false
	}

	v := Verdict{Source: "blocklist"}
	for _, m := range matches {
		if m.Severity > v.Severity {
			v.Severity = m.Severity
		}
		if m.Severity >= BlockSeverityThreshold {
			v.Categories = append(v.Categories, m.Category)
		}
	}
	if len(v.Categories) == 0 {
		// Matches below the block threshold are informational only.
		return Verdict{}, false
	}

	span.SetAttributes(
		attribute.String("safety.source", v.Source),
		attribute.Int("safety.severity", v.Severity),
		attribute.StringSlice("safety.categories", v.Categories),
	)
	slog.Info("Message blocked by local blocklist",
		"categories", v.Categories,
		"severity", v.Severity,
		"blocklist_version", g.blocklist.Version(),
	)
	return v, true
}

func (g *Gate) checkModeration(ctx context.Context, span trace.Span, text string) Verdict {
	if g.moderator == nil {
		return Verdict{Allowed: true}
	}

	result, err := g.moderator.Moderate(ctx, text)
	if err != nil {
		// Fail open: a moderation outage admits the message.
		slog.Warn("Moderation backend unavailable, failing open", "error", err)
		span.SetAttributes(attribute.Bool("safety.failed_open", true))
		return Verdict{Allowed: true, FailedOpen: true}
	}

	v := Verdict{Source: "moderation"}
	for _, cat := range result.Categories {
		sev := SeverityFromScore(cat.Score)
		if cat.Flagged && sev < BlockSeverityThreshold {
			// The backend flagged it outright; trust the flag over the
			// score mapping.
			sev = BlockSeverityThreshold
		}
		if sev > v.Severity {
			v.Severity = sev
		}
		if sev >= BlockSeverityThreshold && cat.Flagged {
			v.Categories = append(v.Categories, cat.Name)
		}
	}
	v.Allowed = len(v.Categories) == 0

	span.SetAttributes(
		attribute.Bool("safety.allowed", v.Allowed),
		attribute.Int("safety.severity", v.Severity),
	)
	if !v.Allowed {
		slog.Info("Message blocked by moderation backend",
			"categories", v.Categories,
			"severity", v.Severity,
		)
	}
	return v
}

// =============================================================================
// OpenAI moderation backend
// =============================================================================

// OpenAIModerator implements ModerationClient on the OpenAI moderation API.
type OpenAIModerator struct {
	client *openai.Client
	model  string
}

// NewOpenAIModerator wraps an OpenAI client. An empty model selects the
// stable text moderation model.
func NewOpenAIModerator(client *openai.Client, model string) *OpenAIModerator {
	if model == "" {
		model = openai.ModerationTextStable
	}
	return &OpenAIModerator{client: client, model: model}
}

// Moderate implements ModerationClient.
func (m *OpenAIModerator) Moderate(ctx context.Context, text string) (*ModerationResult, error) {
	resp, err := m.client.Moderations(ctx, openai.ModerationRequest{
		Input: text,
		Model: m.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Results) == 0 {
		return &ModerationResult{}, nil
	}

	r := resp.Results[0]
	return &ModerationResult{
		Flagged: r.Flagged,
		Categories: []CategoryScore{
			{Name: "hate", Score: float64(r.CategoryScores.Hate), Flagged: r.Categories.Hate},
			{Name: "hate/threatening", Score: float64(r.CategoryScores.HateThreatening), Flagged: r.Categories.HateThreatening},
			{Name: "harassment", Score: float64(r.CategoryScores.Harassment), Flagged: r.Categories.Harassment},
			{Name: "harassment/threatening", Score: float64(r.CategoryScores.HarassmentThreatening), Flagged: r.Categories.HarassmentThreatening},
			{Name: "self-harm", Score: float64(r.CategoryScores.SelfHarm), Flagged: r.Categories.SelfHarm},
			{Name: "self-harm/intent", Score: float64(r.CategoryScores.SelfHarmIntent), Flagged: r.Categories.SelfHarmIntent},
			{Name: "self-harm/instructions", Score: float64(r.CategoryScores.SelfHarmInstructions), Flagged: r.Categories.SelfHarmInstructions},
			{Name: "sexual", Score: float64(r.CategoryScores.Sexual), Flagged: r.Categories.Sexual},
			{Name: "sexual/minors", Score: float64(r.CategoryScores.SexualMinors), Flagged: r.Categories.SexualMinors},
			{Name: "violence", Score: float64(r.CategoryScores.Violence), Flagged: r.Categories.Violence},
			{Name: "violence/graphic", Score: float64(r.CategoryScores.ViolenceGraphic), Flagged: r.Categories.ViolenceGraphic},
		},
	}, nil
}

var _ ModerationClient = (*OpenAIModerator)(nil)
