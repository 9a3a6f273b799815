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

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider computes embeddings via the OpenAI embeddings API.
type OpenAIProvider struct {
	client        *openai.Client
	model         openai.EmbeddingModel
	dim           int
	queryPrefix   string
	passagePrefix string
}

// NewOpenAIProvider builds a provider for OpenAI embeddings.
//
// # Inputs
//
//   - cfg: Backend configuration; Model defaults to text-embedding-3-small
//     when the configured model is the local default.
//   - apiKey: OpenAI API key; required.
func NewOpenAIProvider(cfg Config, apiKey string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required for the openai embedding backend")
	}
	model := cfg.Model
	if model == "" || model == DefaultConfig().Model {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIProvider{
		client:        openai.NewClient(apiKey),
		model:         openai.EmbeddingModel(model),
		dim:           cfg.Dim,
		queryPrefix:   cfg.QueryPrefix,
		passagePrefix: cfg.PassagePrefix,
	}, nil
}

// EmbedQuery computes the vector for a search query.
func (p *OpenAIProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.embed(ctx, []string{p.queryPrefix + text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedDocuments computes vectors for passage-side texts, in order.
func (p *OpenAIProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	prefixed := make([]string, len(texts))
	for i, t := range texts {
		prefixed[i] = p.passagePrefix + t
	}
	return p.embed(ctx, prefixed)
}

// Dim returns the configured vector dimensionality.
func (p *OpenAIProvider) Dim() int { return p.dim }

// Name identifies the backend for logs.
func (p *OpenAIProvider) Name() string { return "openai:" + string(p.model) }

func (p *OpenAIProvider) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      p.model,
		Dimensions: p.dim,
	})
	if err != nil {
		return nil, fmt.Errorf("OpenAI embedding call failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}
