// Copyright (C) 2025 Coveline AI (dev@coveline.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/CovelineAI/CovelineChat/pkg/extensions"
	"github.com/CovelineAI/CovelineChat/services/chat/archive"
	"github.com/CovelineAI/CovelineChat/services/chat/handlers"
	"github.com/CovelineAI/CovelineChat/services/chat/middleware"
	"github.com/CovelineAI/CovelineChat/services/chat/storage"
	"github.com/CovelineAI/CovelineChat/services/chat/toggles"
	"github.com/CovelineAI/CovelineChat/services/chat/turn"
)

// Deps carries the wired components the route table needs.
type Deps struct {
	Controller *turn.Controller
	Store      storage.Store
	Chunked    *storage.ChunkedObjectStore
	Archiver   *archive.Archiver
	Toggles    *toggles.Service
	Auth       extensions.AuthProvider
}

// SetupRoutes registers the chat API on the router.
//
// Health and metrics stay outside the authenticated group so probes and
// scrapers need no credentials. Everything under /v1 runs through the
// auth middleware and addresses records by the authenticated principal.
func SetupRoutes(router *gin.Engine, deps Deps) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	v1.Use(middleware.AuthMiddleware(deps.Auth))
	{
		v1.POST("/turn", handlers.HandleTurn(deps.Controller))

		conversations := v1.Group("/conversations")
		{
			conversations.GET("", handlers.ListConversations(deps.Store))
			conversations.GET("/:conversationId", handlers.GetConversation(deps.Store))
			conversations.DELETE("/:conversationId", handlers.ArchiveConversation(deps.Archiver))
			conversations.GET("/:conversationId/messages/:messageId/payload",
				handlers.GetPayload(deps.Store, deps.Chunked))
		}

		togglesGroup := v1.Group("/toggles")
		{
			togglesGroup.GET("", handlers.ListToggles(deps.Toggles))
			togglesGroup.PUT("/:name", handlers.SetToggle(deps.Toggles))
		}
	}
}
