// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package llmgw is the client for the upstream LLM gateway, used by the
// query rewriter and the background enricher. Every call is tagged as an
// internal call so the gateway's context hook does not reinvoke this
// pipeline recursively.
package llmgw

import (
	"context"
	"time"
)

// GenerationParams tunes one completion call.
type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// Client defines the interface for the LLM gateway backend.
//
// # Description
//
// Generate runs one prompt to completion. Implementations must honor the
// context deadline; the rewriter and enricher both call with short
// deadlines and treat expiry as a signal to fall back, never as a
// request-level failure.
type Client interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)
}

// Config selects and tunes the gateway backend.
type Config struct {
	// BaseURL is the OpenAI-compatible gateway endpoint. Empty means the
	// hosted OpenAI API.
	BaseURL string

	// Model is the completion model name. Default: "gpt-4o-mini"
	Model string

	// APIKey authenticates the gateway; read from OPENAI_API_KEY when unset.
	APIKey string

	// Timeout bounds one completion call end to end. Default: 10s
	// Callers typically pass tighter per-call deadlines via context.
	Timeout time.Duration
}

// DefaultConfig returns the default gateway configuration.
//
// Values can be overridden via environment variables:
//   - LLM_GATEWAY_URL (default: empty, hosted OpenAI)
//   - LLM_GATEWAY_MODEL (default: "gpt-4o-mini")
//   - LLM_GATEWAY_TIMEOUT_MS (default: 10000)
func DefaultConfig() Config {
	return Config{
		BaseURL: getEnvString("LLM_GATEWAY_URL", ""),
		Model:   getEnvString("LLM_GATEWAY_MODEL", "gpt-4o-mini"),
		Timeout: time.Duration(getEnvInt("LLM_GATEWAY_TIMEOUT_MS", 10000)) * time.Millisecond,
	}
}

// Float32 returns a pointer to v, for GenerationParams literals.
func Float32(v float32) *float32 { return &v }

// Int returns a pointer to v, for GenerationParams literals.
func Int(v int) *int { return &v }
