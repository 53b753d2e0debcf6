// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package extensions defines the seams where enterprise deployments plug
// into the chat service: authentication, compliance audit logging, and
// message filtering.
//
// The open source build ships no-op defaults for every interface, so the
// service runs with zero configuration. Enterprise builds supply real
// implementations through ServiceOptions at startup; nothing else in the
// service changes.
//
// All implementations must be safe for concurrent use.
package extensions

import (
	"context"
	"errors"
	"time"
)

// =============================================================================
// Authentication
// =============================================================================

// ErrUnauthorized is returned when token validation fails. Implementations
// should wrap it so callers can test with errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

// AuthInfo is the identity established for a request. UserID is always
// populated; the rest depends on the provider.
type AuthInfo struct {
	UserID   string
	Email    string
	Roles    []string
	Metadata map[string]any
}

// HasRole reports whether the identity carries the given role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates bearer tokens into identities.
type AuthProvider interface {
	// Validate checks the token and returns the identity it represents.
	// Returns an error wrapping ErrUnauthorized for invalid tokens.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider authenticates every request as a local admin user. It is
// the default so the service works without any identity infrastructure.
type NopAuthProvider struct{}

func (NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{
		UserID: "local-user",
		Roles:  []string{"admin"},
	}, nil
}

var _ AuthProvider = NopAuthProvider{}

// =============================================================================
// Audit logging
// =============================================================================

// AuditEvent is one security-relevant event for compliance logging.
// EventType uses "category.action" form, e.g. "chat.message",
// "chat.blocked", "conversation.archived".
type AuditEvent struct {
	EventType    string
	Timestamp    time.Time
	UserID       string
	Action       string
	ResourceType string
	ResourceID   string
	Outcome      string
	Metadata     map[string]any
}

// AuditLogger records events for compliance. Log must not block request
// handling; implementations buffer or drop rather than stall a turn.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards all events.
type NopAuditLogger struct{}

func (NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

var _ AuditLogger = NopAuditLogger{}

// =============================================================================
// Message filtering
// =============================================================================

// FilterResult is a filter's decision on one message. When Allowed is true
// and Modified is non-empty, Modified replaces the original text (e.g. PII
// redaction).
type FilterResult struct {
	Allowed  bool
	Modified string
	Reason   string
}

// MessageFilter inspects user input and assistant output before the
// pipeline's own safety gate. It exists for enterprise DLP-style policies;
// the moderation gate in services/chat/safety is independent of it.
type MessageFilter interface {
	FilterInput(ctx context.Context, message string) (*FilterResult, error)
	FilterOutput(ctx context.Context, message string) (*FilterResult, error)
}

// NopMessageFilter allows everything unchanged.
type NopMessageFilter struct{}

func (NopMessageFilter) FilterInput(_ context.Context, _ string) (*FilterResult, error) {
	return &FilterResult{Allowed: true}, nil
}

func (NopMessageFilter) FilterOutput(_ context.Context, _ string) (*FilterResult, error) {
	return &FilterResult{Allowed: true}, nil
}

var _ MessageFilter = NopMessageFilter{}

// =============================================================================
// Service options
// =============================================================================

// ServiceOptions bundles the extension points handed to the service at
// startup.
type ServiceOptions struct {
	AuthProvider AuthProvider
	AuditLogger  AuditLogger
	Filter       MessageFilter
}

// DefaultOptions returns the no-op extension set.
func DefaultOptions() ServiceOptions {
	return ServiceOptions{
		AuthProvider: NopAuthProvider{},
		AuditLogger:  NopAuditLogger{},
		Filter:       NopMessageFilter{},
	}
}

// WithAuth returns a copy using the given auth provider.
func (opts ServiceOptions) WithAuth(provider AuthProvider) ServiceOptions {
	opts.AuthProvider = provider
	return opts
}

// WithAudit returns a copy using the given audit logger.
func (opts ServiceOptions) WithAudit(logger AuditLogger) ServiceOptions {
	opts.AuditLogger = logger
	return opts
}

// WithFilter returns a copy using the given message filter.
func (opts ServiceOptions) WithFilter(filter MessageFilter) ServiceOptions {
	opts.Filter = filter
	return opts
}
