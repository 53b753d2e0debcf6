// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the turn pipeline.
//
// # Description
//
// Metrics cover the stages of a conversational turn:
//   - Turn counters and latency (by outcome)
//   - Safety gate decisions, including fail-open allowances
//   - Retrieval requests and failures
//   - Fallback chain attempts by strategy
//   - Chunked payload persistence
//
// # Integration
//
// Metrics are exposed via the /metrics endpoint. Use with Prometheus +
// Grafana for dashboards and alerting.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

// Namespace for all metrics
const metricsNamespace = "coveline"

// Subsystem for turn pipeline metrics
const turnSubsystem = "turn"

// TurnMetrics holds all Prometheus metrics for the turn pipeline.
type TurnMetrics struct {
	// TurnsTotal counts processed turns.
	// Labels: status (completed, blocked, failed)
	TurnsTotal *prometheus.CounterVec

	// TurnDurationSeconds measures end-to-end turn latency.
	// Labels: status (completed, blocked, failed)
	TurnDurationSeconds *prometheus.HistogramVec

	// SafetyDecisionsTotal counts safety gate outcomes.
	// Labels: outcome (allowed, blocked, fail_open)
	SafetyDecisionsTotal *prometheus.CounterVec

	// RetrievalRequestsTotal counts search backend calls.
	// Labels: status (success, error)
	RetrievalRequestsTotal *prometheus.CounterVec

	// FallbackAttemptsTotal counts generation attempts by strategy.
	// Labels: strategy (orchestrator, named_agent, raw_runtime,
	// bare_completion, apology), status (success, error)
	FallbackAttemptsTotal *prometheus.CounterVec

	// ChunkedPayloadsTotal counts payloads split across chunk records.
	ChunkedPayloadsTotal prometheus.Counter

	// ChunkFragmentsMissingTotal counts fragments absent at reassembly.
	ChunkFragmentsMissingTotal prometheus.Counter

	// SummarizationsTotal counts history overflow summarizations.
	// Labels: status (success, error)
	SummarizationsTotal *prometheus.CounterVec

	// ArchivedConversationsTotal counts archive-then-delete completions.
	ArchivedConversationsTotal prometheus.Counter
}

// DefaultMetrics is the singleton instance of TurnMetrics.
// Initialized by InitMetrics().
var DefaultMetrics *TurnMetrics

var initOnce sync.Once

// InitMetrics initializes and registers the default metrics instance.
// Safe to call more than once; registration happens on the first call.
func InitMetrics() *TurnMetrics {
	initOnce.Do(func() {
		DefaultMetrics = &TurnMetrics{
			TurnsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "turns_total",
					Help:      "Total processed turns by outcome",
				},
				[]string{"status"},
			),

			TurnDurationSeconds: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "duration_seconds",
					Help:      "End-to-end turn latency in seconds",
					Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0, 60.0},
				},
				[]string{"status"},
			),

			SafetyDecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "safety_decisions_total",
					Help:      "Safety gate outcomes, including fail-open allowances",
				},
				[]string{"outcome"},
			),

			RetrievalRequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "retrieval_requests_total",
					Help:      "Search backend calls by status",
				},
				[]string{"status"},
			),

			FallbackAttemptsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "fallback_attempts_total",
					Help:      "Generation attempts by strategy and status",
				},
				[]string{"strategy", "status"},
			),

			ChunkedPayloadsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "chunked_payloads_total",
					Help:      "Payloads split across chunk records",
				},
			),

			ChunkFragmentsMissingTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "chunk_fragments_missing_total",
					Help:      "Chunk fragments absent at reassembly time",
				},
			),

			SummarizationsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "summarizations_total",
					Help:      "History overflow summarizations by status",
				},
				[]string{"status"},
			),

			ArchivedConversationsTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: turnSubsystem,
					Name:      "archived_conversations_total",
					Help:      "Conversations moved to the cold store",
				},
			),
		}
	})
	return DefaultMetrics
}

// =============================================================================
// Label Values
// =============================================================================

// Turn outcomes for TurnsTotal and TurnDurationSeconds.
const (
	TurnCompleted = "completed"
	TurnBlocked   = "blocked"
	TurnFailed    = "failed"
)

// Safety gate outcomes for SafetyDecisionsTotal.
const (
	SafetyAllowed  = "allowed"
	SafetyBlocked  = "blocked"
	SafetyFailOpen = "fail_open"
)

// =============================================================================
// Helper Methods
// =============================================================================

// RecordTurn records a completed turn with its latency.
func (m *TurnMetrics) RecordTurn(status string, seconds float64) {
	m.TurnsTotal.WithLabelValues(status).Inc()
	m.TurnDurationSeconds.WithLabelValues(status).Observe(seconds)
}

// RecordSafetyDecision records one safety gate outcome.
func (m *TurnMetrics) RecordSafetyDecision(outcome string) {
	m.SafetyDecisionsTotal.WithLabelValues(outcome).Inc()
}

// RecordRetrieval records one search backend call.
func (m *TurnMetrics) RecordRetrieval(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.RetrievalRequestsTotal.WithLabelValues(status).Inc()
}

// RecordFallbackAttempt records one generation attempt.
func (m *TurnMetrics) RecordFallbackAttempt(strategy string, success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.FallbackAttemptsTotal.WithLabelValues(strategy, status).Inc()
}

// RecordSummarization records one history overflow summarization.
func (m *TurnMetrics) RecordSummarization(success bool) {
	status := "success"
	if !success {
		status = "error"
	}
	m.SummarizationsTotal.WithLabelValues(status).Inc()
}

// Metrics returns the default instance, initializing it if needed. Pipeline
// components call this instead of holding a reference so tests that never
// initialize metrics still work.
func Metrics() *TurnMetrics {
	return InitMetrics()
}
