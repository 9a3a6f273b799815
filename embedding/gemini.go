// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package embedding

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiProvider computes embeddings via Google's Gemini API.
//
// # Description
//
// Gemini models express the query/passage distinction through task types
// instead of instruction prefixes, so the configured prefixes are ignored
// and RETRIEVAL_QUERY / RETRIEVAL_DOCUMENT are used.
type GeminiProvider struct {
	client *genai.Client
	model  string
	dim    int
}

// NewGeminiProvider builds a provider for Gemini embeddings.
func NewGeminiProvider(cfg Config, apiKey string) (*GeminiProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("Gemini API key is required for the gemini embedding backend")
	}
	model := cfg.Model
	if model == "" || model == DefaultConfig().Model {
		model = "gemini-embedding-001"
	}
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}
	return &GeminiProvider{client: client, model: model, dim: cfg.Dim}, nil
}

// EmbedQuery computes the vector for a search query.
func (p *GeminiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{text}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments computes vectors for passage-side texts, in order.
func (p *GeminiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return p.embed(ctx, texts, "RETRIEVAL_DOCUMENT")
}

// Dim returns the configured vector dimensionality.
func (p *GeminiProvider) Dim() int { return p.dim }

// Name identifies the backend for logs.
func (p *GeminiProvider) Name() string { return "gemini:" + p.model }

func (p *GeminiProvider) embed(ctx context.Context, texts []string, task string) ([][]float32, error) {
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = genai.NewContentFromText(t, genai.RoleUser)
	}

	result, err := p.client.Models.EmbedContent(ctx, p.model, contents, &genai.EmbedContentConfig{
		TaskType: task,
	})
	if err != nil {
		return nil, fmt.Errorf("Gemini embed failed: %w", err)
	}
	if len(result.Embeddings) != len(texts) {
		return nil, fmt.Errorf("Gemini returned %d embeddings for %d inputs", len(result.Embeddings), len(texts))
	}

	out := make([][]float32, len(result.Embeddings))
	for i, e := range result.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}
