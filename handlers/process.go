// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package handlers exposes the bridge's HTTP surface: the prompt-building
// endpoints consumed by the LLM frontend, tool-call execution, and the
// session administration routes.
package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/pipeline"
)

var handlerTracer = otel.Tracer("otthon.ragbridge.handlers")

// ProcessRequest handles POST /process-request: run the workflow for the
// user's message and return the LLM-ready message list, plus control tools
// when the intent is control.
func ProcessRequest(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ProcessRequest")
		defer span.End()

		var req datatypes.ProcessRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the process request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		state := runPipeline(ctx, p, &req)
		span.SetAttributes(attribute.String("trace_id", state.TraceID))

		c.JSON(http.StatusOK, datatypes.ProcessResponse{
			Messages: buildMessages(state, &req),
			Tools:    toolsFor(state),
		})
	}
}

// ProcessRequestWorkflow handles POST /process-request-workflow: the same
// run as ProcessRequest, with the retrieval detail the frontend's debug
// views consume. debug=true attaches the stage trace.
func ProcessRequestWorkflow(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ProcessRequestWorkflow")
		defer span.End()

		var req datatypes.ProcessRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the workflow request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		state := runPipeline(ctx, p, &req)
		span.SetAttributes(attribute.String("trace_id", state.TraceID))

		resp := datatypes.WorkflowResponse{
			Messages:         buildMessages(state, &req),
			Tools:            toolsFor(state),
			RelevantEntities: relevantEntities(state),
			FormattedContent: state.FormattedContext,
			Intent:           intentOf(state),
			Metadata:         workflowMetadata(state),
		}
		if req.Debug {
			resp.Trace = p.Tracer().Trace(state.TraceID)
		}
		c.JSON(http.StatusOK, resp)
	}
}

// runPipeline executes one workflow turn for an HTTP request, minting a
// session id when the client supplied none.
func runPipeline(ctx context.Context, p *pipeline.Pipeline, req *datatypes.ProcessRequest) *pipeline.State {
	sessionID := req.EffectiveSessionID()
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return p.Run(ctx, pipeline.Request{
		Query:          req.UserMessage,
		SessionID:      sessionID,
		ConversationID: req.ConversationID,
		History:        req.ConversationHistory,
		Debug:          req.Debug,
	})
}

// buildMessages assembles the LLM-ready message list: the formatted
// context as the system prompt, the prior turns, then the new user turn.
func buildMessages(s *pipeline.State, req *datatypes.ProcessRequest) []datatypes.Message {
	messages := make([]datatypes.Message, 0, len(req.ConversationHistory)+2)
	messages = append(messages, datatypes.Message{Role: "system", Content: s.FormattedContext})
	messages = append(messages, req.ConversationHistory...)
	messages = append(messages, datatypes.Message{Role: "user", Content: req.UserMessage})
	return messages
}

// toolsFor returns the control tool set, empty (never nil) unless the
// turn's intent is control.
func toolsFor(s *pipeline.State) []datatypes.Tool {
	if intentOf(s) != datatypes.IntentControl {
		return []datatypes.Tool{}
	}
	seen := make(map[string]bool)
	var domains []string
	for _, e := range append(append([]datatypes.ScoredEntity{}, s.Primary...), s.Related...) {
		if e.Domain != "" && !seen[e.Domain] {
			seen[e.Domain] = true
			domains = append(domains, e.Domain)
		}
	}
	tools := datatypes.ControlToolsFor(domains)
	if tools == nil {
		tools = []datatypes.Tool{}
	}
	return tools
}

// intentOf reads the turn's intent, defaulting to read when analysis
// produced nothing.
func intentOf(s *pipeline.State) datatypes.Intent {
	if s.ConvCtx != nil {
		return s.ConvCtx.Intent
	}
	return datatypes.IntentRead
}

// relevantEntities projects the reranked candidates into the wire shape,
// primaries first.
func relevantEntities(s *pipeline.State) []datatypes.RelevantEntity {
	out := make([]datatypes.RelevantEntity, 0, len(s.Primary)+len(s.Related))
	for _, e := range s.Primary {
		out = append(out, toRelevantEntity(e, true))
	}
	for _, e := range s.Related {
		out = append(out, toRelevantEntity(e, false))
	}
	return out
}

func toRelevantEntity(e datatypes.ScoredEntity, primary bool) datatypes.RelevantEntity {
	name := e.FriendlyName
	if name == "" {
		name = e.EntityID
	}
	state := e.State
	if state == "" {
		state = "unknown"
	}
	return datatypes.RelevantEntity{
		EntityID:   e.EntityID,
		Name:       name,
		State:      state,
		Domain:     e.Domain,
		AreaName:   e.Area,
		Similarity: e.FinalScore,
		Aliases:    entityAliases(&e.Entity),
		IsPrimary:  primary,
	}
}

// entityAliases pulls the alias list out of the source system's attribute
// bag; always non-nil so the field serializes as [].
func entityAliases(e *datatypes.Entity) []string {
	aliases := []string{}
	raw, ok := e.Attributes["aliases"]
	if !ok {
		return aliases
	}
	switch v := raw.(type) {
	case []string:
		aliases = append(aliases, v...)
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				aliases = append(aliases, s)
			}
		}
	}
	return aliases
}

// workflowMetadata summarizes the run for the response envelope.
func workflowMetadata(s *pipeline.State) datatypes.WorkflowMetadata {
	quality := 0.0
	if s.Diagnostics != nil {
		quality = s.Diagnostics.OverallQuality
	}
	return datatypes.WorkflowMetadata{
		WorkflowQuality:     quality,
		MemoryEntitiesCount: len(s.MemoryEntities),
		MemoryBoostedCount:  s.MemoryBoostedCount,
		EntityCount:         len(s.Primary) + len(s.Related),
		Phase:               phaseOf(s),
	}
}

// phaseOf labels how the turn finished: the happy path, a degraded path
// through any fallback node, or memory-free after a memory failure.
func phaseOf(s *pipeline.State) string {
	switch {
	case s.FallbackUsed:
		return "degraded"
	case s.SkipMemory:
		return "memory_free"
	default:
		return "complete"
	}
}
