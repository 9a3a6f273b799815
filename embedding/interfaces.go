// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package embedding provides the pluggable text-to-vector adapters used by
// retrieval: a local HTTP transformer service, OpenAI, and Gemini.
package embedding

import (
	"context"
	"fmt"
)

// Provider defines the interface for computing text embeddings.
//
// # Description
//
// Provider wraps calls to the embedding backend selected at startup.
// Queries and documents are embedded separately because instruction-tuned
// models expect different prefixes (or task types) for each side.
//
// # Example
//
//	vec, err := provider.EmbedQuery(ctx, "Hány fok van a nappaliban?")
//	if err != nil { ... }
//	// len(vec) == provider.Dim()
//
// # Assumptions
//
//   - All vectors from one provider share the same dimensionality.
//   - Implementations are safe for concurrent use.
type Provider interface {
	// EmbedQuery computes the vector for a search query.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)

	// EmbedDocuments computes vectors for passage-side texts, in order.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)

	// Dim returns the configured vector dimensionality.
	Dim() int

	// Name identifies the backend for logs and the health report.
	Name() string
}

// CheckDim embeds a probe query and compares the result against the
// configured dimension.
//
// # Description
//
// Run once at startup. A mismatch between the embedding backend and the
// vector index makes every similarity score meaningless, so the health
// endpoint reports this as a fatal condition while requests are still
// allowed through (retrieval quality is undefined until fixed).
func CheckDim(ctx context.Context, p Provider, want int) error {
	vec, err := p.EmbedQuery(ctx, "dimension probe")
	if err != nil {
		return fmt.Errorf("embedding backend %s unreachable: %w", p.Name(), err)
	}
	if len(vec) != want {
		return fmt.Errorf("embedding dimension mismatch: backend %s returned %d, index expects %d",
			p.Name(), len(vec), want)
	}
	return nil
}
