// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers contains the Gin handlers for the chat service API.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"

	"github.com/CovelineAI/CovelineChat/services/chat/datatypes"
	"github.com/CovelineAI/CovelineChat/services/chat/history"
	"github.com/CovelineAI/CovelineChat/services/chat/middleware"
	"github.com/CovelineAI/CovelineChat/services/chat/retrieval"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
	"github.com/CovelineAI/CovelineChat/services/chat/turn"
)

var turnTracer = otel.Tracer("coveline.chat.handlers")

// HealthCheck reports liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// HandleTurn is POST /v1/turn: one conversational turn end to end.
//
// Pipeline hard stops map to HTTP statuses here; anything unexpected
// becomes a generic 500 with a correlation id and no internal detail.
func HandleTurn(controller *turn.Controller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := turnTracer.Start(c.Request.Context(), "HandleTurn")
		defer span.End()

		var req datatypes.TurnRequest
		if err := c.BindJSON(&req); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Failed to parse the turn request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		principal := middleware.Principal(c)
		if principal == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		resp, err := controller.HandleTurn(ctx, principal, &req)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			writeTurnError(c, err)
			return
		}
		c.JSON(http.StatusOK, resp)
	}
}

// writeTurnError maps pipeline errors to HTTP responses.
func writeTurnError(c *gin.Context, err error) {
	switch {
	case turn.IsValidationError(err):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case storage.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
	case retrieval.IsRetrievalFailed(err):
		slog.Error("Turn failed: retrieval unavailable", "error", err)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "document search is unavailable; grounded answers cannot be produced right now",
		})
	case history.IsPreparationError(err):
		slog.Error("Turn failed: history preparation", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case turn.IsPersistenceFailed(err):
		correlationID := uuid.NewString()
		slog.Error("Turn failed: persistence", "error", err, "correlation_id", correlationID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "the turn could not be recorded",
			"correlation_id": correlationID,
		})
	default:
		correlationID := uuid.NewString()
		slog.Error("Turn failed: internal error", "error", err, "correlation_id", correlationID)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":          "internal error",
			"correlation_id": correlationID,
		})
	}
}
