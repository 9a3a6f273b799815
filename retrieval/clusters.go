// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
)

// ClusterIndex expands queries through precomputed semantic clusters.
//
// # Description
//
// Cluster-first retrieval: find the clusters closest to the query vector,
// then expand their membership edges into entity candidates. Expanded
// candidates carry a ClusterContext so the reranker can weigh the
// membership role and boost. Cluster failures never fail a request; the
// retriever simply proceeds with the hybrid branches.
//
// # Thread Safety
//
// Stateless apart from the store reference; safe for concurrent use.
type ClusterIndex struct {
	store ClusterSearcher
	cfg   Config
}

// NewClusterIndex builds a cluster index over the given store.
func NewClusterIndex(store ClusterSearcher, cfg Config) *ClusterIndex {
	return &ClusterIndex{store: store, cfg: cfg}
}

// ClusterTypesFor selects which cluster kinds to consult for a scope.
//
// Micro queries want a tight blast radius (specific and device clusters);
// macro queries add area and domain groupings, preferring climate clusters
// when the scope detector flagged a temperature question; overview queries
// start from the coarse overview clusters.
func ClusterTypesFor(scope datatypes.Scope, climatePriority bool) []datatypes.ClusterType {
	switch scope {
	case datatypes.ScopeMicro:
		return []datatypes.ClusterType{datatypes.ClusterSpecific, datatypes.ClusterDevice}
	case datatypes.ScopeMacro:
		if climatePriority {
			return []datatypes.ClusterType{datatypes.ClusterClimate, datatypes.ClusterArea, datatypes.ClusterDomain}
		}
		return []datatypes.ClusterType{datatypes.ClusterArea, datatypes.ClusterDomain, datatypes.ClusterSpecific}
	default:
		return []datatypes.ClusterType{datatypes.ClusterOverview, datatypes.ClusterArea, datatypes.ClusterDomain}
	}
}

// Retrieve runs the cluster-first stage for one query.
//
// # Description
//
// Searches at most min(5, k/3) clusters above the similarity threshold,
// expands their members, and resolves the member entities. Each candidate's
// score is the owning cluster's query similarity scaled by the membership
// weight, so primary members of a well-matched cluster outrank peripheral
// ones. When an entity belongs to several matched clusters the strongest
// edge wins.
//
// # Outputs
//
//   - []datatypes.ScoredEntity: expansion candidates, best cluster first.
//   - error: only on store failure during expansion; an empty cluster
//     search is a normal empty result.
func (c *ClusterIndex) Retrieve(ctx context.Context, vector []float32, scope *datatypes.ScopeDecision) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "clusters.retrieve")
	defer span.End()

	kClusters := scope.OptimalK / 3
	if kClusters > c.cfg.MaxClusters {
		kClusters = c.cfg.MaxClusters
	}
	if kClusters < 1 {
		kClusters = 1
	}

	types := ClusterTypesFor(scope.Scope, scope.ClimatePriority)
	clusters, err := c.store.SearchClusters(ctx, vector, types, kClusters, c.cfg.ClusterThreshold)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("clusters", len(clusters)))
	if len(clusters) == 0 {
		return nil, nil
	}

	keys := make([]string, len(clusters))
	scoreByKey := make(map[string]float64, len(clusters))
	for i, cl := range clusters {
		keys[i] = cl.Key
		scoreByKey[cl.Key] = cl.Score
	}

	members, err := c.store.ClusterMembers(ctx, keys)
	if err != nil {
		return nil, err
	}

	// Strongest edge per entity wins when clusters overlap.
	bestEdge := make(map[string]datatypes.ClusterMember, len(members))
	order := make([]string, 0, len(members))
	for _, m := range members {
		score := scoreByKey[m.ClusterKey] * m.Weight
		if prev, ok := bestEdge[m.EntityID]; ok {
			if scoreByKey[prev.ClusterKey]*prev.Weight >= score {
				continue
			}
		} else {
			order = append(order, m.EntityID)
		}
		bestEdge[m.EntityID] = m
	}
	if len(order) == 0 {
		return nil, nil
	}

	entities, err := c.store.EntitiesByID(ctx, order)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]datatypes.Entity, len(entities))
	for _, e := range entities {
		byID[e.EntityID] = e
	}

	candidates := make([]datatypes.ScoredEntity, 0, len(order))
	for _, id := range order {
		entity, ok := byID[id]
		if !ok {
			slog.Debug("Cluster member missing from entity store", "entity_id", id)
			continue
		}
		edge := bestEdge[id]
		candidates = append(candidates, datatypes.ScoredEntity{
			Entity: entity,
			Score:  scoreByKey[edge.ClusterKey] * edge.Weight,
			ClusterContext: &datatypes.ClusterContext{
				ClusterKey:   edge.ClusterKey,
				Role:         edge.Role,
				Weight:       edge.Weight,
				ContextBoost: edge.ContextBoost,
			},
		})
	}

	// Best cluster edge first.
	sortByScore(candidates)
	return candidates, nil
}
