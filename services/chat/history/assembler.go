// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package history builds the bounded context window sent to a generator.
//
// # Description
//
// The assembler splits a conversation's transcript into a recent window and
// an older overflow. The overflow can be condensed into a short synopsis
// prepended as a system message; a second, independent summary can rewrite
// the retrieval query once the window is saturated so search keeps tracking
// an evolving topic. File messages are inlined as bounded previews rather
// than full content. The final entry handed to a generator is always the
// current user turn.
package history

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/textsplitter"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
	"github.com/CovelineAI/CovelineChat/services/llm"
)

const (
	// DefaultWindowSize is the recent-window size when none is configured.
	DefaultWindowSize = 20

	// SummaryTokenBudget bounds the overflow synopsis.
	SummaryTokenBudget = 150

	// TabularPreviewBytes is the inline preview budget for tabular files.
	// Tabular data degrades badly when truncated mid-row, so it gets the
	// larger budget.
	TabularPreviewBytes = 4096

	// GenericPreviewBytes is the inline preview budget for all other files.
	GenericPreviewBytes = 1024
)

const overflowSummaryPrompt = `Summarize the following conversation excerpt in at most 150 tokens.
Keep names, decisions, and open questions. Output only the summary.

%s`

const searchRewritePrompt = `Given the recent conversation below, rewrite the user's latest search query so it captures the current topic.
Output only the rewritten query, nothing else.

Conversation:
%s

Query: %s`

// PreparationError indicates the transcript violated a structural
// invariant (missing or malformed current turn). It is a hard stop for the
// turn.
type PreparationError struct {
	Reason string
}

func (e *PreparationError) Error() string {
	return fmt.Sprintf("history preparation failed: %s", e.Reason)
}

// IsPreparationError reports whether err is a PreparationError.
func IsPreparationError(err error) bool {
	var pe *PreparationError
	return errors.As(err, &pe)
}

// Config controls windowing and summarization.
type Config struct {
	// WindowSize is the recent-window size N. Rounded up to the nearest
	// even number so user/assistant turns stay paired. Zero selects
	// DefaultWindowSize.
	WindowSize int

	// SummarizeOverflow enables the overflow synopsis.
	SummarizeOverflow bool

	// SummarizeSearch enables retrieval-query rewriting.
	SummarizeSearch bool
}

// EvenWindow normalizes a configured window size.
func EvenWindow(n int) int {
	if n <= 0 {
		n = DefaultWindowSize
	}
	if n%2 == 1 {
		n++
	}
	return n
}

// Assembly is the assembler's output for one turn.
type Assembly struct {
	// Window is the transcript to send to a generator. The last entry is
	// always the current user turn.
	Window []llm.Message

	// SearchQuery is the retrieval query to use: the original, or a
	// rewrite when search summarization fired.
	SearchQuery string

	// Summarized reports whether an overflow synopsis was produced.
	Summarized bool
}

// Assembler prepares generation windows for the turn pipeline.
type Assembler struct {
	client llm.LLMClient
	cfg    Config
	window int
}

func NewAssembler(client llm.LLMClient, cfg Config) *Assembler {
	return &Assembler{
		client: client,
		cfg:    cfg,
		window: EvenWindow(cfg.WindowSize),
	}
}

// WindowSize returns the effective (even) window size.
func (a *Assembler) WindowSize() int {
	return a.window
}

// Assemble builds the generation window for the current turn.
//
// history is the conversation's prior transcript in ascending order and
// must not contain the current turn; current is the inbound user message;
// query is the retrieval query before any rewrite.
//
// Summarization failures of either kind are swallowed: the window proceeds
// without a synopsis and the query goes through unrewritten. The only error
// Assemble returns is a PreparationError for a missing or empty current
// turn.
func (a *Assembler) Assemble(ctx context.Context, history []datatypes.Message, current *datatypes.Message, query string) (*Assembly, error) {
	if current == nil || strings.TrimSpace(current.Content) == "" {
		return nil, &PreparationError{Reason: "current user turn is missing or empty"}
	}

	split := len(history) - a.window
	if split < 0 {
		split = 0
	}
	older, recent := history[:split], history[split:]

	out := &Assembly{SearchQuery: query}

	if a.cfg.SummarizeOverflow && len(older) > 0 {
		if synopsis := a.summarizeOverflow(ctx, older); synopsis != "" {
			out.Window = append(out.Window, llm.Message{
				Role:    llm.RoleSystem,
				Content: "Summary of earlier conversation: " + synopsis,
			})
			out.Summarized = true
		}
	}

	for _, msg := range recent {
		if entry, ok := a.toWindowEntry(msg); ok {
			out.Window = append(out.Window, entry)
		}
	}

	// The generator must always see the current turn last, even if the
	// windowing above produced nothing.
	if n := len(out.Window); n == 0 || out.Window[n-1].Role != llm.RoleUser || out.Window[n-1].Content != current.Content {
		out.Window = append(out.Window, llm.Message{Role: llm.RoleUser, Content: current.Content})
	}

	if a.cfg.SummarizeSearch && len(recent) >= a.window {
		out.SearchQuery = a.rewriteQuery(ctx, recent, query)
	}

	return out, nil
}

// toWindowEntry converts a stored message to a window entry. System and
// safety messages never enter the window; file messages become bounded
// previews; chunked binary messages are represented by a placeholder.
func (a *Assembler) toWindowEntry(msg datatypes.Message) (llm.Message, bool) {
	switch msg.Role {
	case datatypes.RoleUser:
		return llm.Message{Role: llm.RoleUser, Content: msg.Content}, true
	case datatypes.RoleAssistant:
		return llm.Message{Role: llm.RoleAssistant, Content: msg.Content}, true
	case datatypes.RoleFile:
		return llm.Message{
			Role:    llm.RoleUser,
			Content: "[Attached file excerpt]\n" + FilePreview(msg.Content),
		}, true
	case datatypes.RoleImage, datatypes.RoleImageChunk:
		return llm.Message{Role: llm.RoleUser, Content: "[User shared an image]"}, true
	default:
		return llm.Message{}, false
	}
}

// summarizeOverflow issues one summarization call over the filtered
// overflow. Returns "" when nothing summarizable exists or the call fails.
func (a *Assembler) summarizeOverflow(ctx context.Context, older []datatypes.Message) string {
	var sb strings.Builder
	for _, msg := range older {
		switch msg.Role {
		case datatypes.RoleUser, datatypes.RoleAssistant:
			sb.WriteString(msg.Role)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
	}
	if sb.Len() == 0 {
		return ""
	}

	maxTokens := SummaryTokenBudget
	synopsis, err := a.client.Generate(ctx,
		fmt.Sprintf(overflowSummaryPrompt, sb.String()),
		llm.GenerationParams{MaxTokens: &maxTokens},
	)
	if err != nil {
		slog.Warn("Overflow summarization failed, proceeding without synopsis", "error", err)
		observability.Metrics().RecordSummarization(false)
		return ""
	}
	observability.Metrics().RecordSummarization(true)
	return strings.TrimSpace(synopsis)
}

// rewriteQuery produces the retrieval-query rewrite. Returns the original
// query on any failure.
func (a *Assembler) rewriteQuery(ctx context.Context, recent []datatypes.Message, query string) string {
	var sb strings.Builder
	for _, msg := range recent {
		switch msg.Role {
		case datatypes.RoleUser, datatypes.RoleAssistant:
			sb.WriteString(msg.Role)
			sb.WriteString(": ")
			sb.WriteString(msg.Content)
			sb.WriteString("\n")
		}
	}

	maxTokens := SummaryTokenBudget
	rewritten, err := a.client.Generate(ctx,
		fmt.Sprintf(searchRewritePrompt, sb.String(), query),
		llm.GenerationParams{MaxTokens: &maxTokens},
	)
	if err != nil {
		slog.Warn("Search-context rewrite failed, using original query", "error", err)
		return query
	}
	rewritten = strings.TrimSpace(rewritten)
	if rewritten == "" {
		return query
	}
	return rewritten
}

// FilePreview returns a bounded preview of file content. Tabular content
// gets the larger budget; the splitter breaks on natural boundaries so the
// preview does not end mid-word.
func FilePreview(content string) string {
	budget := GenericPreviewBytes
	if looksTabular(content) {
		budget = TabularPreviewBytes
	}
	if len(content) <= budget {
		return content
	}

	splitter := textsplitter.NewRecursiveCharacter(
		textsplitter.WithChunkSize(budget),
		textsplitter.WithChunkOverlap(0),
		textsplitter.WithSeparators([]string{"\n\n", "\n", " ", ""}),
	)
	chunks, err := splitter.SplitText(content)
	if err != nil || len(chunks) == 0 {
		return content[:budget]
	}
	return chunks[0]
}

// looksTabular detects delimiter-heavy content (CSV/TSV exports) by
// sampling the first lines.
func looksTabular(content string) bool {
	lines := strings.SplitN(content, "\n", 6)
	if len(lines) < 2 {
		return false
	}
	delimited := 0
	for _, line := range lines {
		if strings.Count(line, ",") >= 2 || strings.Count(line, "\t") >= 2 {
			delimited++
		}
	}
	return delimited >= 2
}
