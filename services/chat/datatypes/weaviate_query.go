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
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target
// type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required
// to convert Weaviate's dynamic response (map[string]models.JSONObject) into
// a strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("ChatMessage").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[RecordQueryResponse](resp)
//	if err != nil { ... }
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response shape.
//   - Type mismatches result in zero values, not errors.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// RecordResult is one stored record as returned by a GraphQL query against
// any of the uniform record classes.
type RecordResult struct {
	RecordID     string  `json:"record_id"`
	PartitionKey string  `json:"partition_key"`
	DocJSON      string  `json:"doc_json"`
	CreatedAt    float64 `json:"created_at"`
	Additional   struct {
		ID string `json:"id"`
	} `json:"_additional"`
}

// RecordQueryResponse is the Get-wrapper for record queries. Weaviate nests
// results under the queried class name, so the map key is the class.
type RecordQueryResponse struct {
	Get map[string][]RecordResult `json:"Get"`
}
