// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
)

// WeaviateStore implements Store on a Weaviate instance using the uniform
// record classes from datatypes/weaviate_schemas.go. Record bodies are
// stored as opaque JSON in the doc_json property; record_id, partition_key
// and created_at exist for addressing and ordering only.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps a connected Weaviate client. The caller is
// responsible for having run datatypes.EnsureWeaviateSchema first.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// recordProperties builds the uniform property map for one envelope.
func recordProperties(env Envelope, doc []byte) map[string]interface{} {
	return map[string]interface{}{
		"record_id":     env.ID,
		"partition_key": env.Partition,
		"doc_json":      string(doc),
		"created_at":    env.CreatedAt,
	}
}

// Upsert implements Store. The record's application id doubles as the
// Weaviate object id, so a create conflict means the record exists and is
// replaced in place (last-write-wins, no concurrency token).
func (s *WeaviateStore) Upsert(ctx context.Context, rt RecordType, env Envelope) error {
	doc, err := encodeRecord(env.Record)
	if err != nil {
		return fmt.Errorf("failed to encode %s record: %w", rt, err)
	}

	props := recordProperties(env, doc)
	_, err = s.client.Data().Creator().
		WithClassName(string(rt)).
		WithID(env.ID).
		WithProperties(props).
		Do(ctx)
	if err == nil {
		return nil
	}
	if !strings.Contains(err.Error(), "already exists") && !strings.Contains(err.Error(), "422") {
		return fmt.Errorf("failed to create %s record %s: %w", rt, env.ID, err)
	}

	err = s.client.Data().Updater().
		WithClassName(string(rt)).
		WithID(env.ID).
		WithProperties(props).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to replace %s record %s: %w", rt, env.ID, err)
	}
	return nil
}

// UpsertMany implements Store using the batch API. Chunk fragment writes go
// through here so an oversized payload does not pay one round trip per
// fragment.
func (s *WeaviateStore) UpsertMany(ctx context.Context, rt RecordType, envs []Envelope) error {
	if len(envs) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(envs))
	for i, env := range envs {
		doc, err := encodeRecord(env.Record)
		if err != nil {
			return fmt.Errorf("failed to encode %s record %s: %w", rt, env.ID, err)
		}
		objects[i] = &models.Object{
			Class:      string(rt),
			ID:         strfmt.UUID(env.ID),
			Properties: recordProperties(env, doc),
		}
	}

	resp, err := s.client.Batch().ObjectsBatcher().
		WithObjects(objects...).
		Do(ctx)
	if err != nil {
		return fmt.Errorf("batch write of %d %s records failed: %w", len(envs), rt, err)
	}
	for _, obj := range resp {
		if obj.Result != nil && obj.Result.Errors != nil && len(obj.Result.Errors.Error) > 0 {
			return fmt.Errorf("batch write of %s record %s failed: %s",
				rt, obj.ID, obj.Result.Errors.Error[0].Message)
		}
	}
	return nil
}

// Read implements Store.
func (s *WeaviateStore) Read(ctx context.Context, rt RecordType, id, partition string, out any) error {
	objects, err := s.client.Data().ObjectsGetter().
		WithClassName(string(rt)).
		WithID(id).
		Do(ctx)
	if err != nil {
		if strings.Contains(err.Error(), "404") {
			return ErrNotFound
		}
		return fmt.Errorf("failed to read %s record %s: %w", rt, id, err)
	}
	if len(objects) == 0 {
		return ErrNotFound
	}

	props, ok := objects[0].Properties.(map[string]interface{})
	if !ok {
		return fmt.Errorf("%s record %s has malformed properties", rt, id)
	}
	docJSON, _ := props["doc_json"].(string)
	if docJSON == "" {
		return fmt.Errorf("%s record %s has no document body", rt, id)
	}
	if partition != "" {
		if pk, _ := props["partition_key"].(string); pk != partition {
			// Addressed under the wrong partition; treat as absent rather
			// than leak a record across partitions.
			return ErrNotFound
		}
	}
	return json.Unmarshal([]byte(docJSON), out)
}

// Query implements Store.
func (s *WeaviateStore) Query(ctx context.Context, rt RecordType, q Query) ([]StoredRecord, error) {
	builder := s.client.GraphQL().Get().
		WithClassName(string(rt)).
		WithFields(
			graphql.Field{Name: "record_id"},
			graphql.Field{Name: "partition_key"},
			graphql.Field{Name: "doc_json"},
			graphql.Field{Name: "created_at"},
			graphql.Field{Name: "_additional { id }"},
		)

	if q.Partition != "" {
		builder = builder.WithWhere(filters.Where().
			WithPath([]string{"partition_key"}).
			WithOperator(filters.Equal).
			WithValueText(q.Partition))
	}
	order := graphql.Asc
	if q.Descending {
		order = graphql.Desc
	}
	builder = builder.WithSort(graphql.Sort{Path: []string{"created_at"}, Order: order})
	if q.Limit > 0 {
		builder = builder.WithLimit(q.Limit)
	}

	resp, err := builder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query %s records: %w", rt, err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.RecordQueryResponse](resp)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s query response: %w", rt, err)
	}

	results := parsed.Get[string(rt)]
	records := make([]StoredRecord, 0, len(results))
	for _, r := range results {
		if r.DocJSON == "" {
			slog.Warn("Skipping record with empty document body", "type", rt, "id", r.RecordID)
			continue
		}
		records = append(records, StoredRecord{
			ID:        r.RecordID,
			Partition: r.PartitionKey,
			CreatedAt: int64(r.CreatedAt),
			Doc:       json.RawMessage(r.DocJSON),
		})
	}
	return records, nil
}

// Delete implements Store.
func (s *WeaviateStore) Delete(ctx context.Context, rt RecordType, id string) error {
	err := s.client.Data().Deleter().
		WithClassName(string(rt)).
		WithID(id).
		Do(ctx)
	if err != nil && !strings.Contains(err.Error(), "404") {
		return fmt.Errorf("failed to delete %s record %s: %w", rt, id, err)
	}
	return nil
}

var _ Store = (*WeaviateStore)(nil)
