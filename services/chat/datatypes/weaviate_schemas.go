// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

import (
	"context"
	"log"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// Record class names used by the document store. Every pipeline record is a
// JSON-shaped document stored under one of these classes.
const (
	ClassConversation  = "Conversation"
	ClassMessage       = "ChatMessage"
	ClassMessageChunk  = "MessageChunk"
	ClassFeatureToggle = "FeatureToggle"
)

// recordClass builds the uniform class shape shared by all pipeline records:
// the record body is an opaque JSON document; the indexed properties exist
// only for addressing (id + partition) and ordering (created_at).
func recordClass(name, description string) *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       name,
		Description: description,
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "record_id",
				DataType:        []string{"text"},
				Description:     "Application-level record identifier.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "partition_key",
				DataType:        []string{"text"},
				Description:     "Partition the record is addressed under (principal or conversation id).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "doc_json",
				DataType:    []string{"text"},
				Description: "The JSON-encoded record body.",
			},
			{
				Name:            "created_at",
				DataType:        []string{"number"},
				Description:     "Timestamp (Unix ms) used for ordering within a partition.",
				IndexFilterable: indexFilterable,
			},
		},
	}
}

func GetConversationSchema() *models.Class {
	return recordClass(ClassConversation, "A conversation record, partitioned by owning principal.")
}

func GetMessageSchema() *models.Class {
	return recordClass(ClassMessage, "A turn message record, partitioned by conversation id.")
}

func GetMessageChunkSchema() *models.Class {
	return recordClass(ClassMessageChunk, "A continuation fragment of an oversized message payload.")
}

func GetFeatureToggleSchema() *models.Class {
	return recordClass(ClassFeatureToggle, "A time-bounded feature toggle, partitioned under 'global'.")
}

// EnsureWeaviateSchema creates any missing record classes at startup.
func EnsureWeaviateSchema(client *weaviate.Client) {
	schemaGetters := []func() *models.Class{
		GetConversationSchema,
		GetMessageSchema,
		GetMessageChunkSchema,
		GetFeatureToggleSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		// Check if the class already exists.
		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(context.Background())
		if err != nil {
			// If it doesn't exist, the client returns an error. We can now create it.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			err := client.Schema().ClassCreator().WithClass(class).Do(context.Background())
			if err != nil {
				// If we fail to create it, it's a fatal error.
				log.Fatalf("Failed to create schema for class %s: %v", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
}
