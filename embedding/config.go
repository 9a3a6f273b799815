// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config selects and tunes the embedding backend.
type Config struct {
	// Backend is one of "local", "openai", "gemini". Default: "local"
	Backend string

	// Model is the backend-specific model name.
	// Default: "paraphrase-multilingual-MiniLM-L12-v2"
	Model string

	// Dim is the expected vector dimensionality, checked at startup
	// against the vector index. Default: 384
	Dim int

	// LocalURL is the local embedding service endpoint.
	// Default: "http://localhost:8001/embed"
	LocalURL string

	// QueryPrefix and PassagePrefix are instruction prefixes prepended for
	// models that expect them (e5-style "query: " / "passage: ").
	// Empty by default: the multilingual MiniLM default needs none.
	QueryPrefix   string
	PassagePrefix string

	// APIKey authenticates the hosted backends. Read from
	// OPENAI_API_KEY / GEMINI_API_KEY when unset.
	APIKey string

	// Timeout bounds one embedding call. Default: 10s
	Timeout time.Duration
}

// DefaultConfig returns the default embedding configuration.
//
// # Description
//
// Values can be overridden via environment variables:
//   - EMBEDDING_BACKEND (default: "local")
//   - EMBEDDING_MODEL (default: "paraphrase-multilingual-MiniLM-L12-v2")
//   - EMBED_DIM (default: 384)
//   - EMBEDDING_SERVICE_URL (default: "http://localhost:8001/embed")
//   - EMBEDDING_QUERY_PREFIX, EMBEDDING_PASSAGE_PREFIX (default: empty)
//   - EMBEDDING_TIMEOUT_MS (default: 10000)
func DefaultConfig() Config {
	return Config{
		Backend:       getEnvString("EMBEDDING_BACKEND", "local"),
		Model:         getEnvString("EMBEDDING_MODEL", "paraphrase-multilingual-MiniLM-L12-v2"),
		Dim:           getEnvInt("EMBED_DIM", 384),
		LocalURL:      getEnvString("EMBEDDING_SERVICE_URL", "http://localhost:8001/embed"),
		QueryPrefix:   getEnvString("EMBEDDING_QUERY_PREFIX", ""),
		PassagePrefix: getEnvString("EMBEDDING_PASSAGE_PREFIX", ""),
		Timeout:       time.Duration(getEnvInt("EMBEDDING_TIMEOUT_MS", 10000)) * time.Millisecond,
	}
}

// NewProvider constructs the backend named by cfg.Backend.
//
// # Outputs
//
//   - Provider: Ready to use adapter.
//   - error: Non-nil for an unknown backend or a failed client init.
func NewProvider(cfg Config) (Provider, error) {
	switch cfg.Backend {
	case "local", "":
		return NewLocalProvider(cfg), nil
	case "openai":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return NewOpenAIProvider(cfg, key)
	case "gemini":
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		return NewGeminiProvider(cfg, key)
	default:
		return nil, fmt.Errorf("unknown embedding backend: %q", cfg.Backend)
	}
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvString returns an environment variable as string, or defaultVal if not set.
func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
