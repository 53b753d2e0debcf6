// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/CovelineAI/CovelineChat/services/chat/toggles"
)

// setToggleRequest is the body of PUT /v1/toggles/:name.
type setToggleRequest struct {
	Enabled bool `json:"enabled"`

	// TTLSeconds bounds the toggle in time; the sweeper disables it once
	// expired. Zero means no expiry.
	TTLSeconds int `json:"ttl_seconds"`
}

// ListToggles is GET /v1/toggles.
func ListToggles(service *toggles.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		all, err := service.List(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list feature toggles", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list toggles"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"toggles": all})
	}
}

// SetToggle is PUT /v1/toggles/:name.
func SetToggle(service *toggles.Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		name := c.Param("name")

		var req setToggleRequest
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
		if req.TTLSeconds < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "ttl_seconds must not be negative"})
			return
		}

		t, err := service.Set(c.Request.Context(), name, req.Enabled,
			time.Duration(req.TTLSeconds)*time.Second)
		if err != nil {
			slog.Error("Failed to set feature toggle", "name", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to set toggle"})
			return
		}
		c.JSON(http.StatusOK, t)
	}
}
