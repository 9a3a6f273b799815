// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/otthonlab/ragbridge/datatypes"
)

// ServiceCaller executes one "domain.service" call against the home
// controller. Satisfied by statestore.LiveClient.
type ServiceCaller interface {
	CallService(ctx context.Context, domain, service string, payload map[string]any) error
}

// ProcessResponse handles POST /process-response: execute the tool calls
// the LLM decided on against the live-state service.
//
// # Description
//
// Each call names a "domain.service" function with JSON arguments
// (typically {"entity_id": ...}). Calls run in order; the first failure
// stops execution and is reported as status "error". Downstream failures
// stay HTTP 200 so the frontend can relay the message to the user.
func ProcessResponse(caller ServiceCaller) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, span := handlerTracer.Start(c.Request.Context(), "ProcessResponse")
		defer span.End()

		var req datatypes.ProcessToolRequest
		if err := c.BindJSON(&req); err != nil {
			slog.Error("Failed to parse the tool request", "error", err)
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}

		executed := 0
		for _, call := range req.ToolCalls {
			if err := executeToolCall(ctx, caller, call); err != nil {
				slog.Warn("Tool call failed",
					"function", call.Function.Name, "executed", executed, "error", err)
				c.JSON(http.StatusOK, datatypes.StatusResponse{
					Status:  "error",
					Message: err.Error(),
				})
				return
			}
			executed++
		}

		c.JSON(http.StatusOK, datatypes.StatusResponse{
			Status:  "ok",
			Message: fmt.Sprintf("executed %d service call(s)", executed),
		})
	}
}

// executeToolCall parses and runs one function call.
func executeToolCall(ctx context.Context, caller ServiceCaller, call datatypes.ToolCall) error {
	domain, service, ok := strings.Cut(call.Function.Name, ".")
	if !ok || domain == "" || service == "" {
		return fmt.Errorf("malformed function name %q, want domain.service", call.Function.Name)
	}
	if !datatypes.IsControllableDomain(domain) {
		return fmt.Errorf("domain %q is not controllable", domain)
	}

	payload := map[string]any{}
	if args := strings.TrimSpace(call.Function.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &payload); err != nil {
			return fmt.Errorf("invalid arguments for %s: %w", call.Function.Name, err)
		}
	}

	return caller.CallService(ctx, domain, service, payload)
}
