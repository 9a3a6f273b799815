// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// embedRequest is the local embedding service's wire request.
type embedRequest struct {
	Text string `json:"text"`
}

// embedResponse is the local embedding service's wire response.
type embedResponse struct {
	ID        string    `json:"id"`
	Timestamp int       `json:"timestamp"`
	Text      string    `json:"text"`
	Vector    []float32 `json:"vector"`
	Dim       int       `json:"dim"`
}

// LocalProvider talks to the sidecar sentence-transformer HTTP service.
//
// # Description
//
// The sidecar exposes POST /embed taking {"text": ...} and returning
// {"vector": [...], "dim": N}. One request per text; the sidecar batches
// internally on the GPU/CPU side.
type LocalProvider struct {
	url           string
	dim           int
	queryPrefix   string
	passagePrefix string
	httpClient    *http.Client
}

// NewLocalProvider builds a provider for the local embedding sidecar.
func NewLocalProvider(cfg Config) *LocalProvider {
	return &LocalProvider{
		url:           cfg.LocalURL,
		dim:           cfg.Dim,
		queryPrefix:   cfg.QueryPrefix,
		passagePrefix: cfg.PassagePrefix,
		httpClient:    &http.Client{Timeout: cfg.Timeout},
	}
}

// EmbedQuery computes the vector for a search query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return p.embed(ctx, p.queryPrefix+text)
}

// EmbedDocuments computes vectors for passage-side texts, in order.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		vec, err := p.embed(ctx, p.passagePrefix+t)
		if err != nil {
			return nil, fmt.Errorf("document %d: %w", i, err)
		}
		out[i] = vec
	}
	return out, nil
}

// Dim returns the configured vector dimensionality.
func (p *LocalProvider) Dim() int { return p.dim }

// Name identifies the backend for logs.
func (p *LocalProvider) Name() string { return "local" }

func (p *LocalProvider) embed(ctx context.Context, text string) ([]float32, error) {
	reqBody, err := json.Marshal(embedRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal embedding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the embedding service: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("Failed to close embedding response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed embedResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse embedding response: %w", err)
	}
	if len(parsed.Vector) == 0 {
		return nil, fmt.Errorf("embedding service returned an empty vector")
	}
	return parsed.Vector, nil
}
