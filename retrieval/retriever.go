// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/embedding"
)

// Result is the retriever's output for one query.
type Result struct {
	// Candidates are ordered cluster-expansion hits first, then the hybrid
	// union in its original order.
	Candidates []datatypes.ScoredEntity

	// ClusterCount is how many candidates came from cluster expansion.
	ClusterCount int

	// LexicalFallback is set when the hybrid pass produced too few
	// candidates and a lexical-only retry was used instead.
	LexicalFallback bool
}

// HybridRetriever combines cluster-first expansion with a parallel
// vector/BM25 union.
//
// # Description
//
// The retrieval contract: embed the (rewritten) query once, consult the
// cluster index, run kNN and BM25 branches in parallel at 3x the target k,
// union them keeping the higher score per entity, and put cluster hits
// ahead of the union. A result set under MinCandidates triggers one
// lexical-only retry, which typically rescues exact-name queries whose
// embedding landed poorly.
//
// # Thread Safety
//
// Safe for concurrent use; all state is per-call.
type HybridRetriever struct {
	embedder embedding.Provider
	store    EntitySearcher
	clusters *ClusterIndex
	cfg      Config
}

// NewHybridRetriever wires the retriever. clusters may be nil to disable
// cluster-first retrieval (used by tests and degraded deployments).
func NewHybridRetriever(embedder embedding.Provider, store EntitySearcher, clusters *ClusterIndex, cfg Config) *HybridRetriever {
	return &HybridRetriever{
		embedder: embedder,
		store:    store,
		clusters: clusters,
		cfg:      cfg,
	}
}

// Retrieve runs the full retrieval stage for one query.
//
// # Inputs
//
//   - ctx: request context; both hybrid branches abort on cancellation.
//   - query: the rewritten query text.
//   - scope: the scope decision controlling k and cluster-type selection.
//
// # Outputs
//
//   - *Result: candidates capped at HybridMultiplier*k plus cluster hits.
//   - error: when embedding fails or both hybrid branches fail.
func (r *HybridRetriever) Retrieve(ctx context.Context, query string, scope *datatypes.ScopeDecision) (*Result, error) {
	ctx, span := tracer.Start(ctx, "retriever.retrieve")
	defer span.End()
	span.SetAttributes(
		attribute.String("scope", string(scope.Scope)),
		attribute.Int("k", scope.OptimalK),
	)

	vector, err := r.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to embed query: %w", err)
	}

	var clusterHits []datatypes.ScoredEntity
	if r.clusters != nil {
		clusterHits, err = r.clusters.Retrieve(ctx, vector, scope)
		if err != nil {
			// Cluster expansion is best-effort; the hybrid union carries
			// the request on its own.
			slog.Warn("Cluster retrieval failed, continuing with hybrid only", "error", err)
			clusterHits = nil
		}
	}

	branchLimit := scope.OptimalK * r.cfg.HybridMultiplier
	hybrid, err := r.hybridUnion(ctx, query, vector, branchLimit)
	if err != nil {
		return nil, err
	}

	candidates := mergeClusterFirst(clusterHits, hybrid)
	if len(candidates) > branchLimit {
		candidates = candidates[:branchLimit]
	}

	clusterCount := len(clusterHits)
	if clusterCount > len(candidates) {
		clusterCount = len(candidates)
	}
	result := &Result{Candidates: candidates, ClusterCount: clusterCount}
	if len(candidates) < r.cfg.MinCandidates {
		slog.Info("Sparse retrieval, retrying lexical-only",
			"candidates", len(candidates), "query_len", len(query))
		lexical, lexErr := r.store.SearchByText(ctx, query, scope.OptimalK)
		if lexErr != nil {
			return nil, fmt.Errorf("lexical fallback failed: %w", lexErr)
		}
		result.Candidates = lexical
		result.ClusterCount = 0
		result.LexicalFallback = true
	}

	span.SetAttributes(attribute.Int("candidates", len(result.Candidates)))
	return result, nil
}

// hybridUnion runs the kNN and BM25 branches in parallel and unions them
// by entity id, keeping the higher score. Order is the vector branch's,
// with BM25-only hits appended in their own order.
func (r *HybridRetriever) hybridUnion(ctx context.Context, query string, vector []float32, limit int) ([]datatypes.ScoredEntity, error) {
	var vecHits, textHits []datatypes.ScoredEntity

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hits, err := r.store.SearchByVector(gctx, vector, limit)
		if err != nil {
			return err
		}
		vecHits = hits
		return nil
	})
	g.Go(func() error {
		hits, err := r.store.SearchByText(gctx, query, limit)
		if err != nil {
			return err
		}
		textHits = hits
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("hybrid retrieval failed: %w", err)
	}

	seen := make(map[string]int, len(vecHits)+len(textHits))
	union := make([]datatypes.ScoredEntity, 0, len(vecHits)+len(textHits))
	for _, hit := range vecHits {
		seen[hit.EntityID] = len(union)
		union = append(union, hit)
	}
	for _, hit := range textHits {
		if i, ok := seen[hit.EntityID]; ok {
			if hit.Score > union[i].Score {
				union[i].Score = hit.Score
			}
			continue
		}
		seen[hit.EntityID] = len(union)
		union = append(union, hit)
	}

	if len(union) > limit {
		union = union[:limit]
	}
	return union, nil
}

// mergeClusterFirst prepends cluster hits to the hybrid union, dropping
// union entries the clusters already produced. Both inputs keep their
// internal order.
func mergeClusterFirst(clusterHits, hybrid []datatypes.ScoredEntity) []datatypes.ScoredEntity {
	if len(clusterHits) == 0 {
		return hybrid
	}
	fromClusters := make(map[string]struct{}, len(clusterHits))
	merged := make([]datatypes.ScoredEntity, 0, len(clusterHits)+len(hybrid))
	for _, hit := range clusterHits {
		fromClusters[hit.EntityID] = struct{}{}
		merged = append(merged, hit)
	}
	for _, hit := range hybrid {
		if _, ok := fromClusters[hit.EntityID]; ok {
			continue
		}
		merged = append(merged, hit)
	}
	return merged
}

// sortByScore orders candidates by descending score, ties broken by entity
// id for determinism.
func sortByScore(candidates []datatypes.ScoredEntity) {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].EntityID < candidates[j].EntityID
	})
}
