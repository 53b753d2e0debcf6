// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package turn orchestrates one conversational turn end to end.
//
// # Description
//
// The controller drives the pipeline stages in sequence for each inbound
// message: safety gate, history assembly, retrieval augmentation, the
// generation fallback chain, context attribution, and persistence. Stages
// run sequentially because each depends on the previous stage's output;
// there is no intra-turn parallelism.
//
// Failure policy per stage:
//   - Safety gate: never fails the turn (fails open on backend outage).
//   - History assembly: hard stop on structural invariant violations.
//   - Retrieval: hard stop, since grounding was requested and cannot be faked.
//   - Generation: total; the chain always answers, possibly degraded.
//   - Persistence: hard stop, since an unrecorded turn must not report success.
package turn

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CovelineAI/CovelineChat/pkg/extensions"
	"github.com/CovelineAI/CovelineChat/services/chat/attribution"
	"github.com/CovelineAI/CovelineChat/services/chat/audit"
	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/fallback"
	"github.com/CovelineAI/CovelineChat/services/chat/history"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
	"github.com/CovelineAI/CovelineChat/services/chat/retrieval"
	"github.com/CovelineAI/CovelineChat/services/chat/safety"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
	"github.com/CovelineAI/CovelineChat/services/llm"
)

var tracer = otel.Tracer("github.com/CovelineAI/CovelineChat/services/chat/turn")

// safetyBlockReply is the terminal reply text for a blocked turn.
const safetyBlockReply = "This message was blocked by the content safety policy."

// Controller runs the turn pipeline.
type Controller struct {
	store     storage.Store
	chunked   *storage.ChunkedObjectStore
	gate      *safety.Gate
	augmentor *retrieval.Augmentor
	assembler *history.Assembler
	chain     *fallback.Chain
	attrib    *attribution.Attributor
	registry  *llm.AgentRegistry
	client    llm.LLMClient
	toolLog   *llm.ToolInvocationLog
	auditor   audit.TurnAuditor
	filter    extensions.MessageFilter
}

// Config wires the controller's collaborators. Store, Assembler and Client
// are required; the rest degrade gracefully when nil (no safety gate means
// allow-all, no augmentor means retrieval requests hard-fail, no auditor
// means no audit).
type Config struct {
	Store     storage.Store
	Chunked   *storage.ChunkedObjectStore
	Gate      *safety.Gate
	Augmentor *retrieval.Augmentor
	Assembler *history.Assembler
	Attrib    *attribution.Attributor
	Registry  *llm.AgentRegistry
	Client    llm.LLMClient
	ToolLog   *llm.ToolInvocationLog
	Auditor   audit.TurnAuditor

	// Filter is the enterprise DLP seam, applied to user input ahead of
	// the safety gate and to assistant output after generation. Nil means
	// no filtering.
	Filter extensions.MessageFilter
}

func NewController(cfg Config) *Controller {
	chunked := cfg.Chunked
	if chunked == nil {
		chunked = storage.NewChunkedObjectStore(cfg.Store, 0)
	}
	attrib := cfg.Attrib
	if attrib == nil {
		attrib = attribution.NewAttributor()
	}
	var auditor audit.TurnAuditor = cfg.Auditor
	if auditor == nil {
		auditor = audit.NopAuditor{}
	}
	return &Controller{
		store:     cfg.Store,
		chunked:   chunked,
		gate:      cfg.Gate,
		augmentor: cfg.Augmentor,
		assembler: cfg.Assembler,
		chain:     fallback.NewChain(),
		attrib:    attrib,
		registry:  cfg.Registry,
		client:    cfg.Client,
		toolLog:   cfg.ToolLog,
		auditor:   auditor,
		filter:    cfg.Filter,
	}
}

// HandleTurn processes one inbound message to a terminal response.
//
// Errors returned are the pipeline's hard stops only: validation,
// HistoryPreparationError, ErrRetrievalFailed, ErrPersistenceFailed. A
// blocked turn is a successful response with Blocked set, not an error.
func (c *Controller) HandleTurn(ctx context.Context, principal string, req *datatypes.TurnRequest) (*datatypes.TurnResponse, error) {
	started := time.Now()
	ctx, span := tracer.Start(ctx, "TurnController.HandleTurn")
	defer span.End()

	req.EnsureDefaults()
	if err := req.Validate(); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return nil, &ValidationError{Err: err}
	}
	span.SetAttributes(
		attribute.String("turn.request_id", req.RequestID),
		attribute.Bool("turn.retrieval_enabled", req.RetrievalEnabled),
	)

	conv, err := c.loadOrCreateConversation(ctx, principal, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("turn.conversation_id", conv.ID))

	resp := datatypes.NewTurnResponse(req.RequestID)
	resp.ConversationID = conv.ID

	// The prior transcript is loaded before the user message is persisted
	// so the current turn does not appear in its own history.
	priorHistory, err := c.loadHistory(ctx, conv.ID)
	if err != nil {
		return nil, err
	}

	// The enterprise message filter runs ahead of the safety gate and may
	// rewrite the input (redaction) or veto it outright.
	filterVerdict := c.filterInput(ctx, req)

	// The user message is durably recorded before any downstream stage can
	// hard-stop the turn; its model-selection metadata is rewritten once
	// the answering generator is known.
	userMsg := datatypes.NewMessage(conv.ID, datatypes.RoleUser, req.Message)
	userMsg.Metadata.RetrievalScope = req.DocScope
	conv.Touch()
	if err := c.upsertConversation(ctx, conv); err != nil {
		span.SetStatus(codes.Error, "persistence failed")
		return nil, err
	}
	if err := c.upsertMessage(ctx, userMsg); err != nil {
		span.SetStatus(codes.Error, "persistence failed")
		return nil, err
	}

	// Stage 1: safety gate. A block is terminal; nothing downstream runs.
	verdict := filterVerdict
	if verdict.Allowed && c.gate != nil {
		verdict = c.gate.Check(ctx, req.Message)
	}
	if !verdict.Allowed {
		if err := c.persistSafetyBlock(ctx, conv, verdict); err != nil {
			return nil, err
		}
		resp.Blocked = true
		resp.BlockedCategories = verdict.Categories
		resp.Reply = safetyBlockReply
		c.finish(ctx, started, observability.TurnBlocked, principal, conv, req, resp, "", verdict)
		return resp, nil
	}

	// Stage 2: history assembly over the prior transcript.
	assembly, err := c.assembler.Assemble(ctx, priorHistory, userMsg, req.Message)
	if err != nil {
		span.SetStatus(codes.Error, "history preparation failed")
		return nil, err
	}

	// Stage 3: retrieval augmentation (hard stop on failure).
	var aug *retrieval.Augmentation
	if req.RetrievalEnabled {
		if c.augmentor == nil {
			return nil, fmt.Errorf("%w: no retrieval backend configured", retrieval.ErrRetrievalFailed)
		}
		aug, err = c.augmentor.Augment(ctx, retrieval.SearchRequest{
			Query:     assembly.SearchQuery,
			Principal: principal,
			TopN:      req.TopN,
			DocScope:  req.DocScope,
		})
		if err != nil {
			span.SetStatus(codes.Error, "retrieval failed")
			return nil, err
		}
		if aug.GroundingMessage != "" {
			// The grounding instruction leads the window, ahead of any
			// overflow synopsis.
			assembly.Window = append([]llm.Message{
				{Role: llm.RoleSystem, Content: aug.GroundingMessage},
			}, assembly.Window...)
		}
	}

	// Stage 4: generation fallback chain (total, never raises).
	answer := c.chain.Run(ctx, &fallback.GenerationContext{
		Principal:      principal,
		ConversationID: conv.ID,
		Window:         assembly.Window,
		MultiAgent:     req.MultiAgent,
		AgentOverride:  req.AgentOverride,
		ModelOverride:  req.ModelOverride,
		Registry:       c.registry,
		Client:         c.client,
		ToolLog:        c.toolLog,
	})

	// Stage 5: output filtering, then attribution.
	c.filterOutput(ctx, &answer)

	// Attribution consumes citations in backend order; the page-sorted
	// slice is for display only.
	var citations []datatypes.Citation
	var attributionCitations []datatypes.Citation
	if aug != nil {
		citations = aug.Citations
		attributionCitations = aug.AttributionCitations()
	}
	messageChatType := c.attrib.Attribute(conv, attribution.TurnInputs{
		Principal: principal,
		Citations: attributionCitations,
		AgentName: answer.AgentName,
		ModelID:   answer.Model,
	})

	// Stage 6: persistence (hard stop on failure).
	assistantMsg, err := c.persistTurn(ctx, conv, userMsg, answer, citations, messageChatType)
	if err != nil {
		span.SetStatus(codes.Error, "persistence failed")
		return nil, err
	}

	resp.Reply = answer.Text
	resp.MessageID = assistantMsg.ID
	resp.Citations = citations
	resp.AgentCitations = answer.AgentCitations
	resp.DegradationNotice = answer.Notice
	resp.ModelUsed = answer.Model
	resp.ChatType = conv.ChatType
	c.finish(ctx, started, observability.TurnCompleted, principal, conv, req, resp, answer.Mode, verdict)
	return resp, nil
}

// loadOrCreateConversation resolves the conversation for a turn. A missing
// id creates one; an unknown id is a hard error rather than an implicit
// create, so typos do not silently fork threads.
func (c *Controller) loadOrCreateConversation(ctx context.Context, principal string, req *datatypes.TurnRequest) (*datatypes.Conversation, error) {
	if req.ConversationID == "" {
		conv := datatypes.NewConversation(principal, deriveTitle(req.Message))
		conv.Strict = req.Strict
		return conv, nil
	}

	var conv datatypes.Conversation
	err := c.store.Read(ctx, storage.RecordConversation, req.ConversationID, principal, &conv)
	if err != nil {
		return nil, fmt.Errorf("failed to load conversation %s: %w", req.ConversationID, err)
	}
	if req.Strict {
		conv.Strict = true
	}
	return &conv, nil
}

// loadHistory returns the conversation's transcript in ascending order.
func (c *Controller) loadHistory(ctx context.Context, conversationID string) ([]datatypes.Message, error) {
	records, err := c.store.Query(ctx, storage.RecordMessage, storage.Query{Partition: conversationID})
	if err != nil {
		return nil, fmt.Errorf("failed to load history for conversation %s: %w", conversationID, err)
	}
	msgs := make([]datatypes.Message, 0, len(records))
	for _, rec := range records {
		var msg datatypes.Message
		if err := rec.Decode(&msg); err != nil {
			slog.Warn("Skipping undecodable message in history",
				"conversation_id", conversationID, "message_id", rec.ID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	return msgs, nil
}

// filterInput runs the enterprise filter over the inbound message. A
// redaction rewrites req.Message in place; a veto comes back as a blocked
// verdict. Filter errors fail open, same as the moderation backend.
func (c *Controller) filterInput(ctx context.Context, req *datatypes.TurnRequest) safety.Verdict {
	if c.filter == nil {
		return safety.Verdict{Allowed: true}
	}
	result, err := c.filter.FilterInput(ctx, req.Message)
	if err != nil {
		slog.Warn("Message filter failed on input, continuing unfiltered", "error", err)
		return safety.Verdict{Allowed: true}
	}
	if result == nil {
		return safety.Verdict{Allowed: true}
	}
	if !result.Allowed {
		categories := []string{"filtered"}
		if result.Reason != "" {
			categories = []string{result.Reason}
		}
		return safety.Verdict{Allowed: false, Categories: categories, Source: "filter"}
	}
	if result.Modified != "" {
		req.Message = result.Modified
	}
	return safety.Verdict{Allowed: true}
}

// filterOutput runs the enterprise filter over the generated answer. A veto
// replaces the text with the apology; a redaction replaces it in place.
func (c *Controller) filterOutput(ctx context.Context, answer *fallback.Answer) {
	if c.filter == nil {
		return
	}
	result, err := c.filter.FilterOutput(ctx, answer.Text)
	if err != nil {
		slog.Warn("Message filter failed on output, continuing unfiltered", "error", err)
		return
	}
	if result == nil {
		return
	}
	if !result.Allowed {
		answer.Text = fallback.ApologyText
		answer.Notice = "response withheld by content filter"
		return
	}
	if result.Modified != "" {
		answer.Text = result.Modified
	}
}

// persistSafetyBlock writes the safety-role message and the conversation
// update for a blocked turn. The user message is already durable at this
// point.
func (c *Controller) persistSafetyBlock(ctx context.Context, conv *datatypes.Conversation, verdict safety.Verdict) error {
	safetyMsg := datatypes.NewMessage(conv.ID, datatypes.RoleSafety, safetyBlockReply)
	safetyMsg.Metadata.DegradationNotice = fmt.Sprintf("blocked by %s", verdict.Source)

	conv.Touch()
	if err := c.upsertMessage(ctx, safetyMsg); err != nil {
		return err
	}
	return c.upsertConversation(ctx, conv)
}

// persistTurn writes the assistant message, applies the one-time rewrite of
// the user message's metadata, and updates the conversation.
//
// The rewrite records the generator that actually answered, not the one
// requested; it is the single permitted correction to an otherwise
// immutable message, applied as its own upsert after strategy resolution.
func (c *Controller) persistTurn(ctx context.Context, conv *datatypes.Conversation, userMsg *datatypes.Message, answer fallback.Answer, citations []datatypes.Citation, messageChatType string) (*datatypes.Message, error) {
	assistantMsg := datatypes.NewMessage(conv.ID, datatypes.RoleAssistant, answer.Text)
	assistantMsg.Metadata.AgentName = answer.AgentName
	assistantMsg.Metadata.ModelSelection = answer.Model
	assistantMsg.Metadata.ChatType = messageChatType
	assistantMsg.Metadata.DegradationNotice = answer.Notice
	assistantMsg.HybridCitations = citations
	assistantMsg.AgentCitations = answer.AgentCitations

	if err := c.upsertMessage(ctx, assistantMsg); err != nil {
		return nil, err
	}

	userMsg.Metadata.ModelSelection = answer.Model
	userMsg.Metadata.ChatType = messageChatType
	if err := c.upsertMessage(ctx, userMsg); err != nil {
		return nil, err
	}

	conv.Touch()
	if err := c.upsertConversation(ctx, conv); err != nil {
		return nil, err
	}
	return assistantMsg, nil
}

// upsertMessage writes one message, routing oversized content through the
// chunked store. An already-chunked message carries encoded fragment 0 in
// Content; re-chunking it on a metadata update would corrupt the payload, so
// it goes through the plain path.
func (c *Controller) upsertMessage(ctx context.Context, msg *datatypes.Message) error {
	if !msg.IsChunked && len(msg.Content) > c.chunked.Threshold() {
		if _, err := c.chunked.Put(ctx, msg, []byte(msg.Content)); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		}
		observability.Metrics().ChunkedPayloadsTotal.Inc()
		return nil
	}
	err := c.store.Upsert(ctx, storage.RecordMessage, storage.Envelope{
		ID:        msg.ID,
		Partition: msg.ConversationID,
		CreatedAt: msg.CreatedAt,
		Record:    msg,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return nil
}

func (c *Controller) upsertConversation(ctx context.Context, conv *datatypes.Conversation) error {
	err := c.store.Upsert(ctx, storage.RecordConversation, storage.Envelope{
		ID:        conv.ID,
		Partition: conv.Principal,
		CreatedAt: conv.UpdatedAt,
		Record:    conv,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
	}
	return nil
}

// finish records metrics and audit for a terminal turn.
func (c *Controller) finish(ctx context.Context, started time.Time, status, principal string, conv *datatypes.Conversation, req *datatypes.TurnRequest, resp *datatypes.TurnResponse, mode string, verdict safety.Verdict) {
	elapsed := time.Since(started)
	observability.Metrics().RecordTurn(status, elapsed.Seconds())
	c.auditor.RecordTurn(ctx, audit.TurnRecord{
		RequestID:      req.RequestID,
		ConversationID: conv.ID,
		Principal:      principal,
		Outcome:        status,
		Mode:           mode,
		ModelUsed:      resp.ModelUsed,
		Citations:      len(resp.Citations),
		Blocked:        resp.Blocked,
		FailedOpen:     verdict.FailedOpen,
		DurationMs:     elapsed.Milliseconds(),
	})
}

// deriveTitle builds a conversation title from the first message. The cut
// is at a rune boundary so multi-byte text is never split mid-character.
func deriveTitle(message string) string {
	const maxTitle = 60
	runes := []rune(message)
	if len(runes) <= maxTitle {
		return message
	}
	return string(runes[:maxTitle]) + "…"
}
