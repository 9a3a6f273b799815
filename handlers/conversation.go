// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/pipeline"
)

// conversationRequest is the structured form of POST /process-conversation.
// The endpoint also accepts a bare JSON string or plain text body.
type conversationRequest struct {
	Prompt    string              `json:"prompt"`
	Messages  []datatypes.Message `json:"messages"`
	SessionID string              `json:"session_id"`
	Debug     bool                `json:"debug"`
}

// ProcessConversation handles POST /process-conversation.
//
// # Description
//
// Upstream hook callers send conversations in three shapes: a pre-parsed
// messages[] array, a raw prompt string, or a prompt wrapped in a
// meta-task template ("### Chat History: <chat_history>USER: ...
// ASSISTANT: ...</chat_history>"). The handler normalizes all three to
// (last user message, prior turns), runs the workflow on that, and
// returns the retrieval result. Summarizer-style meta tasks therefore
// operate on the dialogue being summarized, not on the template text.
func ProcessConversation(p *pipeline.Pipeline) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ProcessConversation")
		defer span.End()

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable request body"})
			return
		}

		req, err := parseConversationBody(body)
		if err != nil {
			slog.Error("Failed to parse the conversation request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		messages := req.Messages
		if len(messages) == 0 {
			messages = promptToMessages(req.Prompt)
		}
		query, history, ok := datatypes.LastUserMessage(messages)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": "no user message found"})
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		started := time.Now()
		state := p.Run(ctx, pipeline.Request{
			Query:     query,
			SessionID: sessionID,
			History:   history,
			Debug:     req.Debug,
		})

		resp := datatypes.ConversationResponse{
			Success:          true,
			Entities:         relevantEntities(state),
			FormattedContent: state.FormattedContext,
			StrategyUsed:     state.FormatterStrategy,
			ExecutionTimeMs:  float64(time.Since(started).Microseconds()) / 1000.0,
			MessageCount:     len(messages),
		}
		if req.Debug {
			resp.Debug = map[string]any{
				"trace_id":        state.TraceID,
				"rewritten_query": state.RewrittenQuery,
				"stages":          p.Tracer().Trace(state.TraceID),
				"errors":          state.ErrorStrings(),
			}
		}
		c.JSON(http.StatusOK, resp)
	}
}

// parseConversationBody accepts a structured object, a bare JSON string,
// or plain text.
func parseConversationBody(body []byte) (*conversationRequest, error) {
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return nil, errEmptyConversation
	}

	if strings.HasPrefix(trimmed, "{") {
		var req conversationRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return nil, err
		}
		return &req, nil
	}

	var prompt string
	if err := json.Unmarshal(body, &prompt); err != nil {
		// Not JSON at all: treat the body as the raw prompt.
		prompt = trimmed
	}
	return &conversationRequest{Prompt: prompt}, nil
}

// promptToMessages turns a raw prompt into conversation turns, unwrapping
// the meta-task template when present.
func promptToMessages(prompt string) []datatypes.Message {
	if datatypes.IsMetaTaskPayload(prompt) {
		return datatypes.ParseMetaTaskPayload(prompt)
	}
	if strings.TrimSpace(prompt) == "" {
		return nil
	}
	return []datatypes.Message{{Role: "user", Content: prompt}}
}

var errEmptyConversation = errors.New("empty conversation body")
