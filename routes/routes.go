// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package routes registers the bridge's HTTP surface on a gin engine.
package routes

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/otthonlab/ragbridge/handlers"
	"github.com/otthonlab/ragbridge/pipeline"
)

// Deps carries the collaborators the route set needs.
type Deps struct {
	Pipeline *pipeline.Pipeline
	Caller   handlers.ServiceCaller
	Sessions handlers.SessionStore
	Health   handlers.HealthCheck
}

// Setup registers all routes.
//
// # Description
//
// The prompt-building endpoints live at the root for compatibility with
// the LLM frontend's hook configuration; administration goes under /v1.
func Setup(router *gin.Engine, deps Deps) {
	router.Use(otelgin.Middleware("ragbridge"))

	router.GET("/health", handlers.Health(deps.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.POST("/process-request", handlers.ProcessRequest(deps.Pipeline))
	router.POST("/process-request-workflow", handlers.ProcessRequestWorkflow(deps.Pipeline))
	router.POST("/process-response", handlers.ProcessResponse(deps.Caller))
	router.POST("/process-conversation", handlers.ProcessConversation(deps.Pipeline))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(deps.Sessions))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(deps.Sessions))
		}
	}
}
