// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval invokes the search collaborator and turns its results
// into citations and a grounding instruction for the generator.
package retrieval

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// SearchRequest describes one retrieval call.
type SearchRequest struct {
	Query     string            `json:"query"`
	Principal string            `json:"principal"`
	TopN      int               `json:"top_n"`
	DocScope  string            `json:"doc_scope"`
	Filters   map[string]string `json:"filters,omitempty"`
}

// SearchResult is one chunk returned by the search collaborator.
type SearchResult struct {
	ChunkText      string  `json:"chunk_text"`
	FileName       string  `json:"file_name"`
	PageNumber     int     `json:"page_number"`
	ChunkID        string  `json:"chunk_id"`
	ChunkSequence  int     `json:"chunk_sequence"`
	Score          float64 `json:"score"`
	Scope          string  `json:"scope"`
	ScopeID        string  `json:"scope_id"`
	Classification string  `json:"classification"`
	Version        string  `json:"version"`
}

// Searcher is the retrieval collaborator.
type Searcher interface {
	Search(ctx context.Context, req SearchRequest) ([]SearchResult, error)
}

// SearchError carries the HTTP-level detail of a failed search call.
type SearchError struct {
	StatusCode int
	Message    string
	// Retryable marks transient failures (5xx, 429, transport errors).
	Retryable bool
}

func (e *SearchError) Error() string {
	return fmt.Sprintf("search failed (status %d): %s", e.StatusCode, e.Message)
}

// retryDelays is the fixed backoff schedule between attempts.
var retryDelays = []time.Duration{1 * time.Second, 2 * time.Second, 4 * time.Second}

// HTTPSearcher calls the search service over HTTP with bounded retries.
type HTTPSearcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSearcher creates a searcher against the given base URL. A nil
// client gets a 30 second default timeout; per-attempt timeouts are the
// collaborator's responsibility, not the pipeline's.
func NewHTTPSearcher(baseURL string, client *http.Client) *HTTPSearcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPSearcher{baseURL: baseURL, client: client}
}

// Search implements Searcher. Transient failures are retried on the fixed
// 1s/2s/4s schedule; non-retryable failures return immediately.
func (s *HTTPSearcher) Search(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	var lastErr error
	for attempt := 0; attempt <= len(retryDelays); attempt++ {
		if attempt > 0 {
			delay := retryDelays[attempt-1]
			slog.Info("Retrying search request",
				"attempt", attempt,
				"delay", delay.String(),
				"error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		results, err := s.doSearch(ctx, req)
		if err == nil {
			return results, nil
		}
		lastErr = err

		var se *SearchError
		if !errors.As(err, &se) || !se.Retryable {
			return nil, err
		}
	}
	return nil, lastErr
}

func (s *HTTPSearcher) doSearch(ctx context.Context, req SearchRequest) ([]SearchResult, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/search", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, &SearchError{Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &SearchError{
			StatusCode: resp.StatusCode,
			Message:    string(detail),
			Retryable:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests,
		}
	}

	var out struct {
		Results []SearchResult `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}
	return out.Results, nil
}

var _ Searcher = (*HTTPSearcher)(nil)
