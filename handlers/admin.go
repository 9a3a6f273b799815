// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// SessionStore is the slice of the memory store the admin routes need.
type SessionStore interface {
	ListSessions(ctx context.Context) ([]string, error)
	DeleteSession(ctx context.Context, sessionID string) (int, error)
}

// HealthCheck is a startup-bound probe; non-nil means the bridge cannot
// serve trustworthy answers (e.g. embedding dimension mismatch).
type HealthCheck func(ctx context.Context) error

// Health handles GET /health: 200 on nominal state, 500 with {detail}
// when a fatal configuration problem is detected.
func Health(check HealthCheck) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		if check != nil {
			if err := check(ctx); err != nil {
				slog.Error("Health check failed", "error", err)
				c.JSON(http.StatusInternalServerError, gin.H{"detail": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	}
}

// ListSessions handles GET /v1/sessions.
func ListSessions(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessions, err := store.ListSessions(c.Request.Context())
		if err != nil {
			slog.Error("Failed to list sessions", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		if sessions == nil {
			sessions = []string{}
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions, "count": len(sessions)})
	}
}

// DeleteSession handles DELETE /v1/sessions/:sessionId: purge one
// session's conversation memory.
func DeleteSession(store SessionStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if sessionID == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing session id"})
			return
		}

		removed, err := store.DeleteSession(c.Request.Context(), sessionID)
		if err != nil {
			slog.Error("Failed to delete session", "session", sessionID, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"session_id": sessionID, "entries_removed": removed})
	}
}
