// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package rerank

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
)

// Contextual factor weights.
const (
	previousMentionFactor = 0.3
	controllableFactor    = 0.2
	readableFactor        = 0.1
	activeValueFactor     = 2.0
	unavailablePenalty    = -0.5
)

// minFinalScore is the filtering threshold; candidates below it are
// dropped regardless of rank.
const minFinalScore = 0.2

// ContextBooster supplies the analyzer's area/domain/class multipliers.
type ContextBooster interface {
	AreaBoost(convCtx *datatypes.ConversationContext, area string) float64
	DomainBoost() float64
	DeviceClassBoost() float64
}

// StateChecker reports whether an entity has a live, usable value.
type StateChecker interface {
	HasActiveValue(ctx context.Context, entityID string) bool
}

// Result is the reranker's output.
type Result struct {
	// Primary are the entities the answer should center on.
	Primary []datatypes.ScoredEntity

	// Related are supporting context entities.
	Related []datatypes.ScoredEntity

	// Filtered is the full post-filter set (Primary followed by Related).
	Filtered []datatypes.ScoredEntity
}

// Reranker orders candidates by cross-encoder relevance plus contextual
// boosts, filters them to the scope's target, and splits primaries.
//
// # Thread Safety
//
// Stateless apart from its collaborators; safe for concurrent use.
type Reranker struct {
	scorer  *Scorer
	booster ContextBooster
	states  StateChecker
}

// NewReranker wires the reranker. states may be nil, which disables the
// active-value factor and penalty.
func NewReranker(scorer *Scorer, booster ContextBooster, states StateChecker) *Reranker {
	return &Reranker{scorer: scorer, booster: booster, states: states}
}

// Rerank scores, filters, and splits one candidate set.
//
// # Description
//
// Per candidate: base is the normalized cross-encoder score of (query,
// describe(entity)); context_boost is the sum of the factor table. When
// the entity's area was explicitly mentioned and base is positive the
// combination is multiplicative, base · (1 + 0.5·boost), letting a strong
// area match beat memory-boosted strangers; otherwise additive. The
// filtered set is capped by the scope target and prefers sensors with a
// live value inside the top-2k pool.
func (r *Reranker) Rerank(ctx context.Context, candidates []datatypes.ScoredEntity, query string, convCtx *datatypes.ConversationContext, scope *datatypes.ScopeDecision) *Result {
	ctx, span := tracer.Start(ctx, "rerank.rerank")
	defer span.End()
	span.SetAttributes(
		attribute.Int("candidates", len(candidates)),
		attribute.String("scope", string(scope.Scope)),
	)

	if len(candidates) == 0 {
		return &Result{}
	}

	docs := make([]string, len(candidates))
	for i := range candidates {
		docs[i] = candidates[i].Describe()
	}
	bases := r.scorer.Score(ctx, query, docs)

	for i := range candidates {
		r.scoreCandidate(ctx, &candidates[i], bases[i], convCtx)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].FinalScore != candidates[j].FinalScore {
			return candidates[i].FinalScore > candidates[j].FinalScore
		}
		return candidates[i].EntityID < candidates[j].EntityID
	})

	filtered := r.filter(candidates, scope)
	primary, related := r.split(filtered, convCtx)

	span.SetAttributes(
		attribute.Int("filtered", len(filtered)),
		attribute.Int("primary", len(primary)),
	)
	return &Result{Primary: primary, Related: related, Filtered: filtered}
}

// scoreCandidate fills BaseScore, RankingFactors, ContextBoost, and
// FinalScore on one candidate.
func (r *Reranker) scoreCandidate(ctx context.Context, cand *datatypes.ScoredEntity, base float64, convCtx *datatypes.ConversationContext) {
	factors := make(map[string]float64)
	explicitArea := false

	for area := range convCtx.AreasMentioned {
		boost := r.booster.AreaBoost(convCtx, area) - 1.0
		if cand.Area == area {
			factors["area_"+area] = boost
			explicitArea = true
		} else if cand.Area != "" && (strings.Contains(cand.Area, area) || strings.Contains(area, cand.Area)) {
			factors["area_"+area] = boost / 2.0
		}
	}
	if convCtx.DomainsMentioned.Has(cand.Domain) {
		factors["domain_"+cand.Domain] = r.booster.DomainBoost() - 1.0
	}
	if cand.DeviceClass != "" && convCtx.DeviceClassesMentioned.Has(cand.DeviceClass) {
		factors["device_class_"+cand.DeviceClass] = r.booster.DeviceClassBoost() - 1.0
	}
	if convCtx.PreviousEntities.Has(cand.EntityID) {
		factors["previous_mention"] = previousMentionFactor
	}
	if convCtx.Intent == datatypes.IntentControl && datatypes.IsControllableDomain(cand.Domain) {
		factors["controllable"] = controllableFactor
	}
	if convCtx.Intent == datatypes.IntentRead && cand.Domain == "sensor" {
		factors["readable"] = readableFactor
	}
	if cand.Domain == "sensor" && r.states != nil {
		if r.states.HasActiveValue(ctx, cand.EntityID) {
			factors["has_active_value"] = activeValueFactor
		} else {
			factors["unavailable_penalty"] = unavailablePenalty
		}
	}

	boost := 0.0
	for _, v := range factors {
		boost += v
	}

	cand.BaseScore = base
	cand.RankingFactors = factors
	cand.ContextBoost = boost
	if explicitArea && base > 0 {
		cand.FinalScore = base * (1.0 + 0.5*boost)
	} else {
		cand.FinalScore = base + boost
	}
}

// filter applies the score threshold, the scope target, and the
// active-sensor preference within the top-2k pool. Input must already be
// sorted by FinalScore descending.
func (r *Reranker) filter(sorted []datatypes.ScoredEntity, scope *datatypes.ScopeDecision) []datatypes.ScoredEntity {
	passing := make([]datatypes.ScoredEntity, 0, len(sorted))
	for _, cand := range sorted {
		if cand.FinalScore >= minFinalScore {
			passing = append(passing, cand)
		}
	}
	if len(passing) == 0 {
		return nil
	}

	target := scopeTarget(scope, len(passing))

	poolSize := 2 * scope.OptimalK
	if poolSize > len(passing) {
		poolSize = len(passing)
	}
	pool := passing[:poolSize]

	selected := make([]datatypes.ScoredEntity, 0, target)
	taken := make(map[string]struct{}, target)
	for _, cand := range pool {
		if len(selected) >= target {
			break
		}
		if hasActiveFactor(cand) {
			selected = append(selected, cand)
			taken[cand.EntityID] = struct{}{}
		}
	}
	for _, cand := range passing {
		if len(selected) >= target {
			break
		}
		if _, ok := taken[cand.EntityID]; ok {
			continue
		}
		selected = append(selected, cand)
		taken[cand.EntityID] = struct{}{}
	}

	// Restore score order after the preference pass.
	sort.SliceStable(selected, func(i, j int) bool {
		return selected[i].FinalScore > selected[j].FinalScore
	})
	return selected
}

func hasActiveFactor(cand datatypes.ScoredEntity) bool {
	if cand.RankingFactors == nil {
		return false
	}
	if _, penalized := cand.RankingFactors["unavailable_penalty"]; penalized {
		return false
	}
	return cand.RankingFactors["has_active_value"] > 0
}

// scopeTarget maps (scope, k, N) to the filtered-set size.
func scopeTarget(scope *datatypes.ScopeDecision, n int) int {
	var target int
	switch scope.Scope {
	case datatypes.ScopeMicro:
		target = 8
	case datatypes.ScopeOverview:
		target = scope.OptimalK + 8
	default:
		target = scope.OptimalK
	}
	if target > n {
		target = n
	}
	if target < 1 {
		target = 1
	}
	return target
}

// split separates primaries from related entities.
//
// An entity is primary when it perfectly matches a mentioned area and
// device class, extends an existing primary's area with a new device class
// at a strong score, or leads the list with an acceptable score. Hard
// caps: at most max(1, min(6, N/2)) primaries and 3 distinct device
// classes among them.
func (r *Reranker) split(filtered []datatypes.ScoredEntity, convCtx *datatypes.ConversationContext) (primary, related []datatypes.ScoredEntity) {
	if len(filtered) == 0 {
		return nil, nil
	}

	maxPrimary := len(filtered) / 2
	if maxPrimary > 6 {
		maxPrimary = 6
	}
	if maxPrimary < 1 {
		maxPrimary = 1
	}

	primaryAreas := make(map[string]struct{})
	primaryClasses := make(map[string]struct{})

	for i := range filtered {
		cand := filtered[i]
		if len(primary) >= maxPrimary {
			related = append(related, cand)
			continue
		}

		isPrimary := false
		switch {
		case cand.Area != "" && convCtx.AreasMentioned.Has(cand.Area) &&
			cand.DeviceClass != "" && convCtx.DeviceClassesMentioned.Has(cand.DeviceClass):
			isPrimary = true
		case cand.Area != "" && hasKey(primaryAreas, cand.Area) &&
			cand.DeviceClass != "" && !hasKey(primaryClasses, cand.DeviceClass) &&
			cand.FinalScore >= 0.5:
			isPrimary = true
		case i == 0 && cand.FinalScore >= minFinalScore:
			isPrimary = true
		}

		if isPrimary && cand.DeviceClass != "" && !hasKey(primaryClasses, cand.DeviceClass) && len(primaryClasses) >= 3 {
			isPrimary = false
		}

		if isPrimary {
			cand.IsPrimary = true
			primary = append(primary, cand)
			if cand.Area != "" {
				primaryAreas[cand.Area] = struct{}{}
			}
			if cand.DeviceClass != "" {
				primaryClasses[cand.DeviceClass] = struct{}{}
			}
		} else {
			related = append(related, cand)
		}
	}
	return primary, related
}

func hasKey(m map[string]struct{}, k string) bool {
	_, ok := m[k]
	return ok
}
