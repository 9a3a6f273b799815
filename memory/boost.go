// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"log/slog"

	"github.com/otthonlab/ragbridge/datatypes"
)

// syntheticInjectionThreshold is the memory relevance above which an
// entity the store did not return this turn is injected anyway.
const syntheticInjectionThreshold = 1.5

// BoostResult reports what the memory boost pass did to a candidate set.
type BoostResult struct {
	Candidates []datatypes.ScoredEntity

	// MemoryEntities is how many remembered entities the session had.
	MemoryEntities int

	// Boosted is how many retrieved candidates received a score boost.
	Boosted int

	// Injected is how many synthetic candidates were appended.
	Injected int
}

// Booster applies session memory to freshly retrieved candidates.
//
// # Thread Safety
//
// Stateless apart from the store reference; safe for concurrent use.
type Booster struct {
	store *Store
}

// NewBooster wraps the memory store.
func NewBooster(store *Store) *Booster {
	return &Booster{store: store}
}

// Apply boosts candidates remembered by the session and injects strongly
// remembered entities the retriever missed.
//
// # Description
//
// Remembered candidates get score · boost_weight · (1 + 0.5·relevance);
// since boost_weight >= 1 and relevance >= 0 a boost never lowers a score.
// Memory entities above the injection threshold that are absent from the
// candidate set are appended as synthetic candidates with unknown state.
// Finally the conversation context's area/domain sets are widened with the
// session's accumulated sets, so the reranker sees memory-derived context.
// A memory read failure degrades to a no-op; retrieval output is returned
// untouched.
func (b *Booster) Apply(ctx context.Context, sessionID string, candidates []datatypes.ScoredEntity, convCtx *datatypes.ConversationContext) *BoostResult {
	ctx, span := tracer.Start(ctx, "memory.boost")
	defer span.End()

	result := &BoostResult{Candidates: candidates}
	if sessionID == "" || b.store == nil {
		return result
	}

	remembered, err := b.store.Entities(ctx, sessionID)
	if err != nil {
		slog.Warn("Memory read failed, skipping boost", "error", err, "session", sessionID)
		return result
	}
	result.MemoryEntities = len(remembered)
	if len(remembered) == 0 {
		return result
	}

	byID := make(map[string]datatypes.MemoryEntity, len(remembered))
	for _, mem := range remembered {
		byID[mem.EntityID] = mem
	}

	inCandidates := make(map[string]struct{}, len(candidates))
	for i := range candidates {
		inCandidates[candidates[i].EntityID] = struct{}{}
		mem, ok := byID[candidates[i].EntityID]
		if !ok {
			continue
		}
		boost := mem.BoostWeight * (1.0 + 0.5*mem.MemoryRelevance)
		candidates[i].Score *= boost
		candidates[i].MemoryBoosted = true
		candidates[i].MemoryBoost = boost
		candidates[i].MemoryRelevance = mem.MemoryRelevance
		result.Boosted++
	}

	for _, mem := range remembered {
		if mem.MemoryRelevance <= syntheticInjectionThreshold {
			continue
		}
		if _, ok := inCandidates[mem.EntityID]; ok {
			continue
		}
		candidates = append(candidates, datatypes.ScoredEntity{
			Entity: datatypes.Entity{
				EntityID: mem.EntityID,
				Domain:   domainOrDerived(mem),
				Area:     mem.Area,
				State:    "unknown",
			},
			Score:               mem.RelevanceScore * mem.BoostWeight,
			MemoryRelevance:     mem.MemoryRelevance,
			SyntheticFromMemory: true,
		})
		result.Injected++
	}
	result.Candidates = candidates

	if convCtx != nil {
		areas, domains, err := b.store.AreasDomains(ctx, sessionID)
		if err != nil {
			slog.Warn("Session meta read failed", "error", err, "session", sessionID)
		} else {
			for _, area := range areas {
				convCtx.AreasMentioned.Add(area)
			}
			for _, domain := range domains {
				convCtx.DomainsMentioned.Add(domain)
			}
		}
	}

	return result
}

func domainOrDerived(mem datatypes.MemoryEntity) string {
	if mem.Domain != "" {
		return mem.Domain
	}
	return datatypes.DomainOf(mem.EntityID)
}
