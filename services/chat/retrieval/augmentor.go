// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/observability"
)

var tracer = otel.Tracer("github.com/CovelineAI/CovelineChat/services/chat/retrieval")

// ErrRetrievalFailed marks a turn where grounding was requested but could
// not be produced. Unlike the safety gate, retrieval does not fail open: an
// ungrounded answer after the user asked for grounded output would be a
// silent contract violation, so the turn stops here.
var ErrRetrievalFailed = errors.New("retrieval failed")

// IsRetrievalFailed reports whether err stems from a failed retrieval call.
func IsRetrievalFailed(err error) bool {
	return errors.Is(err, ErrRetrievalFailed)
}

// Augmentation is the retrieval output for one turn.
type Augmentation struct {
	// Citations are the derived citation records, sorted by descending
	// page number. That ordering is a deliberate, reproducible display
	// tie-break, not a relevance sort.
	Citations []datatypes.Citation

	// GroundingMessage is the system instruction carrying the excerpts.
	// Empty when the search returned no results.
	GroundingMessage string

	// Results are the raw chunks, in backend order, for attribution.
	Results []SearchResult
}

// Augmentor turns search results into citations and grounding context.
type Augmentor struct {
	searcher Searcher
}

func NewAugmentor(searcher Searcher) *Augmentor {
	return &Augmentor{searcher: searcher}
}

// Augment runs one retrieval call and derives its artifacts.
//
// Any failure of the search collaborator wraps ErrRetrievalFailed and hard
// stops the turn.
func (a *Augmentor) Augment(ctx context.Context, req SearchRequest) (*Augmentation, error) {
	ctx, span := tracer.Start(ctx, "RetrievalAugmentor.Augment")
	defer span.End()
	span.SetAttributes(
		attribute.String("retrieval.doc_scope", req.DocScope),
		attribute.Int("retrieval.top_n", req.TopN),
	)

	results, err := a.searcher.Search(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "search collaborator failed")
		observability.Metrics().RecordRetrieval(false)
		return nil, fmt.Errorf("%w: %v", ErrRetrievalFailed, err)
	}
	observability.Metrics().RecordRetrieval(true)
	span.SetAttributes(attribute.Int("retrieval.results", len(results)))

	aug := &Augmentation{Results: results}
	for _, r := range results {
		aug.Citations = append(aug.Citations, citationFrom(r))
	}
	sort.SliceStable(aug.Citations, func(i, j int) bool {
		return aug.Citations[i].PageNumber > aug.Citations[j].PageNumber
	})

	aug.GroundingMessage = buildGroundingMessage(results)
	return aug, nil
}

// citationFrom derives the stable citation record for one search result.
func citationFrom(r SearchResult) datatypes.Citation {
	return datatypes.Citation{
		FileName:       r.FileName,
		CitationID:     fmt.Sprintf("%s:%d", r.ChunkID, r.ChunkSequence),
		PageNumber:     r.PageNumber,
		ChunkID:        r.ChunkID,
		ChunkSequence:  r.ChunkSequence,
		Score:          r.Score,
		Scope:          datatypes.WorkspaceScope(r.Scope),
		ScopeID:        r.ScopeID,
		Version:        r.Version,
		Classification: r.Classification,
	}
}

// AttributionCitations derives citation records in the backend's original
// result order. Workspace attribution is first-seen-wins over that order;
// feeding it the page-sorted display slice would let the sort pick the
// winner instead of the backend.
func (a *Augmentation) AttributionCitations() []datatypes.Citation {
	citations := make([]datatypes.Citation, 0, len(a.Results))
	for _, r := range a.Results {
		citations = append(citations, citationFrom(r))
	}
	return citations
}

// buildGroundingMessage assembles the system instruction that constrains
// the generator to the retrieved excerpts.
func buildGroundingMessage(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Answer using only the excerpts below. ")
	sb.WriteString("Cite each fact as (Source: file, Page: n). ")
	sb.WriteString("If the excerpts do not contain the answer, say so.\n")
	for _, r := range results {
		fmt.Fprintf(&sb, "\n(Source: %s, Page: %d)\n%s\n", r.FileName, r.PageNumber, r.ChunkText)
	}
	return sb.String()
}
