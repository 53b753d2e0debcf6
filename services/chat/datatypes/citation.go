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

// Citation is a stable reference to one retrieved excerpt (or one agent tool
// call) that grounded a generated answer.
type Citation struct {
	FileName       string         `json:"file_name"`
	CitationID     string         `json:"citation_id"`
	PageNumber     int            `json:"page_number"`
	ChunkID        string         `json:"chunk_id"`
	ChunkSequence  int            `json:"chunk_sequence"`
	Score          float64        `json:"score"`
	Scope          WorkspaceScope `json:"scope"`
	ScopeID        string         `json:"scope_id,omitempty"`
	Version        string         `json:"version,omitempty"`
	Classification string         `json:"classification,omitempty"`
}
