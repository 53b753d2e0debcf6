// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package storage provides the document store behind the turn pipeline.
//
// All pipeline records (conversations, messages, message chunks, feature
// toggles) are JSON-shaped documents addressed by record type, id and
// partition key. Two backends exist: Weaviate for production and an
// in-memory map for tests and lightweight mode. The ChunkedObjectStore in
// chunked.go layers oversized-payload splitting on top of either backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
)

// RecordType selects the record class a store operation addresses.
type RecordType string

const (
	RecordConversation  RecordType = datatypes.ClassConversation
	RecordMessage       RecordType = datatypes.ClassMessage
	RecordMessageChunk  RecordType = datatypes.ClassMessageChunk
	RecordFeatureToggle RecordType = datatypes.ClassFeatureToggle
)

// MaxRecordBytes is the backing store's per-record document ceiling. Upserts
// above this limit are rejected; larger payloads must go through the
// ChunkedObjectStore.
const MaxRecordBytes = 2 << 20 // ~2 MB

// ErrNotFound is returned by Read when no record matches the id.
var ErrNotFound = errors.New("record not found")

// IsNotFound reports whether err stems from a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrRecordTooLarge is returned by Upsert when the encoded document exceeds
// MaxRecordBytes.
var ErrRecordTooLarge = errors.New("record exceeds store document ceiling")

// Envelope wraps one record for an upsert: the application id, the partition
// it is addressed under, and the ordering timestamp.
type Envelope struct {
	ID        string
	Partition string
	CreatedAt int64
	Record    any
}

// StoredRecord is one record as returned by Query.
type StoredRecord struct {
	ID        string
	Partition string
	CreatedAt int64
	Doc       json.RawMessage
}

// Decode unmarshals the record body into out.
func (r StoredRecord) Decode(out any) error {
	return json.Unmarshal(r.Doc, out)
}

// Query bounds a partition scan.
type Query struct {
	// Partition limits results to one partition key. Empty scans the type.
	Partition string

	// Limit caps the result count. Zero means backend default.
	Limit int

	// Descending orders by created_at descending instead of ascending.
	Descending bool
}

// Store is the key+partition-addressable document store the pipeline
// persists into. Upserts are idempotent by id: concurrent writers are
// last-write-wins on a record, which is the designed concurrency model for
// conversations (messages are append-only and therefore conflict-free).
type Store interface {
	// Upsert writes or replaces one record.
	Upsert(ctx context.Context, rt RecordType, env Envelope) error

	// UpsertMany writes a batch of records, used for chunk fragments.
	UpsertMany(ctx context.Context, rt RecordType, envs []Envelope) error

	// Read loads the record with the given id into out.
	// Returns ErrNotFound when absent.
	Read(ctx context.Context, rt RecordType, id, partition string, out any) error

	// Query returns records matching q ordered by created_at.
	Query(ctx context.Context, rt RecordType, q Query) ([]StoredRecord, error)

	// Delete removes one record by id. Deleting an absent record is not an
	// error.
	Delete(ctx context.Context, rt RecordType, id string) error
}

// encodeRecord marshals a record body and enforces the document ceiling.
func encodeRecord(record any) ([]byte, error) {
	doc, err := json.Marshal(record)
	if err != nil {
		return nil, err
	}
	if len(doc) > MaxRecordBytes {
		return nil, ErrRecordTooLarge
	}
	return doc, nil
}
