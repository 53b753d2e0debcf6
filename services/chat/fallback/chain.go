// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
	"github.com/CovelineAI/CovelineChat/services/llm"
)

var tracer = otel.Tracer("github.com/CovelineAI/CovelineChat/services/chat/fallback")

// ApologyText is the terminal answer when every strategy fails. The chain
// returns it instead of raising; a turn never fails because generation did.
const ApologyText = "I'm sorry, I wasn't able to produce an answer just now. Please try again in a moment."

// Answer is the chain's result. Text is always non-empty.
type Answer struct {
	Text  string
	Model string

	// Mode is the StrategyKind that produced the answer, or "apology".
	Mode string

	// AgentName names the answering agent, when one did.
	AgentName string

	// Notice is the user-facing degradation notice, when the answering
	// strategy was a fallback.
	Notice string

	// AgentCitations are tool calls the answering agent made, converted
	// to citation records. Drained per turn.
	AgentCitations []datatypes.Citation
}

// Chain evaluates the resolved strategies in order.
type Chain struct{}

func NewChain() *Chain {
	return &Chain{}
}

// Run executes the strategy list until one succeeds.
//
// Run is total: every strategy error or panic is caught, logged with the
// strategy name, and advances the chain; when the list is exhausted the
// apology answer is returned. Run never returns an error and never returns
// an empty Text.
func (c *Chain) Run(ctx context.Context, gctx *GenerationContext) Answer {
	ctx, span := tracer.Start(ctx, "ResponseFallbackChain.Run")
	defer span.End()

	strategies := Resolve(gctx)
	span.SetAttributes(attribute.Int("fallback.strategies", len(strategies)))

	for _, strategy := range strategies {
		text, err := c.attempt(ctx, gctx, strategy)
		if err != nil {
			observability.Metrics().RecordFallbackAttempt(string(strategy.Kind), false)
			slog.Warn("Generation strategy failed, advancing chain",
				"strategy", strategy.Kind,
				"error", err)
			c.discardToolCalls(gctx, strategy)
			continue
		}
		if strings.TrimSpace(text) == "" {
			observability.Metrics().RecordFallbackAttempt(string(strategy.Kind), false)
			slog.Warn("Generation strategy returned empty answer, advancing chain",
				"strategy", strategy.Kind)
			c.discardToolCalls(gctx, strategy)
			continue
		}

		observability.Metrics().RecordFallbackAttempt(string(strategy.Kind), true)
		span.SetAttributes(attribute.String("fallback.mode", string(strategy.Kind)))
		answer := Answer{
			Text:   text,
			Model:  c.modelFor(gctx, strategy),
			Mode:   string(strategy.Kind),
			Notice: strategy.Notice,
		}
		if strategy.Agent != nil {
			answer.AgentName = strategy.Agent.Name()
			if gctx.ToolLog != nil {
				answer.AgentCitations = drainToolCitations(gctx)
			}
		}
		return answer
	}

	observability.Metrics().RecordFallbackAttempt("apology", true)
	span.SetAttributes(attribute.String("fallback.mode", "apology"))
	slog.Error("All generation strategies exhausted, returning apology",
		"conversation_id", gctx.ConversationID)
	return Answer{
		Text:   ApologyText,
		Mode:   "apology",
		Notice: "all generation paths are currently unavailable",
	}
}

// discardToolCalls clears the tool log after a failed agent strategy. The
// log is scoped per turn: calls made by a strategy that did not produce the
// answer must not surface as citations, neither on this turn's answer from a
// later strategy nor on a future turn's.
func (c *Chain) discardToolCalls(gctx *GenerationContext, strategy Strategy) {
	if strategy.Agent == nil || gctx.ToolLog == nil {
		return
	}
	if dropped := gctx.ToolLog.Drain(gctx.Principal, gctx.ConversationID); len(dropped) > 0 {
		slog.Warn("Discarding tool calls from failed generation strategy",
			"strategy", strategy.Kind,
			"agent", strategy.Agent.Name(),
			"calls", len(dropped))
	}
}

// attempt runs one strategy with panic isolation. A panicking strategy is
// converted to an error so the chain advances instead of unwinding the
// request.
func (c *Chain) attempt(ctx context.Context, gctx *GenerationContext, strategy Strategy) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("strategy %s panicked: %v", strategy.Kind, r)
		}
	}()

	switch strategy.Kind {
	case KindOrchestrator, KindNamedAgent:
		return strategy.Agent.Invoke(ctx, gctx.Window)
	case KindRawRuntime:
		return gctx.Client.Chat(ctx, gctx.Window, llm.GenerationParams{})
	case KindBareCompletion:
		return gctx.Client.Generate(ctx, lastUserContent(gctx.Window), llm.GenerationParams{})
	default:
		return "", fmt.Errorf("unknown strategy kind %q", strategy.Kind)
	}
}

func (c *Chain) modelFor(gctx *GenerationContext, strategy Strategy) string {
	if strategy.Agent != nil {
		return strategy.Agent.ModelID()
	}
	if gctx.Client != nil {
		return gctx.Client.ModelID()
	}
	return ""
}

// lastUserContent extracts the prompt for bare completion: the final user
// entry, which the assembler guarantees is the current turn.
func lastUserContent(window []llm.Message) string {
	for i := len(window) - 1; i >= 0; i-- {
		if window[i].Role == llm.RoleUser {
			return window[i].Content
		}
	}
	return ""
}

// drainToolCitations converts the turn's tool calls into citation records
// and clears the log so they cannot leak into a later turn.
func drainToolCitations(gctx *GenerationContext) []datatypes.Citation {
	calls := gctx.ToolLog.Drain(gctx.Principal, gctx.ConversationID)
	if len(calls) == 0 {
		return nil
	}
	citations := make([]datatypes.Citation, 0, len(calls))
	for i, call := range calls {
		citations = append(citations, datatypes.Citation{
			FileName:      call.Tool,
			CitationID:    fmt.Sprintf("tool:%s:%d", call.Tool, i),
			ChunkID:       call.Argument,
			ChunkSequence: i,
			Scope:         "tool",
			Classification: fmt.Sprintf("tool_call@%s",
				call.Timestamp.UTC().Format(time.RFC3339)),
		})
	}
	return citations
}
