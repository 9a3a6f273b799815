// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/formatter"
	"github.com/otthonlab/ragbridge/memory"
	"github.com/otthonlab/ragbridge/rerank"
	"github.com/otthonlab/ragbridge/retrieval"
)

// QuickAnalyzer is the synchronous pattern analysis dependency.
type QuickAnalyzer interface {
	Analyze(ctx context.Context, utterance string) *datatypes.QuickAnalysis
}

// Analyzer is the conversation-context dependency.
type Analyzer interface {
	Analyze(ctx context.Context, utterance string, history []datatypes.Message) *datatypes.ConversationContext
}

// Rewriter is the query-rewrite dependency.
type Rewriter interface {
	Rewrite(ctx context.Context, current string, history []datatypes.Message) *datatypes.RewriteResult
}

// ScopeDetector is the scope-decision dependency.
type ScopeDetector interface {
	Detect(ctx context.Context, query string, convCtx *datatypes.ConversationContext) *datatypes.ScopeDecision
	Fallback(query string) *datatypes.ScopeDecision
	IsProblematic(ctx context.Context, query string) bool
}

// Retriever is the hybrid entity-retrieval dependency.
type Retriever interface {
	Retrieve(ctx context.Context, query string, scope *datatypes.ScopeDecision) (*retrieval.Result, error)
}

// MemoryBooster applies session memory to retrieval candidates.
type MemoryBooster interface {
	Apply(ctx context.Context, sessionID string, candidates []datatypes.ScoredEntity, convCtx *datatypes.ConversationContext) *memory.BoostResult
}

// SessionMemory is the slice of the memory store the pipeline touches.
type SessionMemory interface {
	GetRelevant(ctx context.Context, sessionID string, max int) ([]datatypes.MemoryEntity, error)
	GetSummary(ctx context.Context, sessionID string) (*datatypes.EnrichedContext, error)
	QueryCount(ctx context.Context, sessionID string) (int, error)
	Store(ctx context.Context, sessionID string, topEntities []datatypes.ScoredEntity, areas, domains []string, summary *datatypes.EnrichedContext) error
	DeleteSession(ctx context.Context, sessionID string) (int, error)
	CleanupExpired(ctx context.Context) (int, error)
}

// Reranker orders and filters candidates.
type Reranker interface {
	Rerank(ctx context.Context, candidates []datatypes.ScoredEntity, query string, convCtx *datatypes.ConversationContext, scope *datatypes.ScopeDecision) *rerank.Result
}

// ContextFormatter renders the final context block.
type ContextFormatter interface {
	Format(ctx context.Context, in formatter.Input) *formatter.Output
}

// EnrichQueue accepts background enrichment tasks.
type EnrichQueue interface {
	Enqueue(task memory.EnrichTask) bool
	QueueDepth() int
}
