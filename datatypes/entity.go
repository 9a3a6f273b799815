// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package datatypes holds the shared records passed between the bridge's
// components: home entities, retrieval candidates, conversation context,
// session memory, and the typed Weaviate query plumbing.
//
// # Description
//
// The bridge's pipeline mutates a single typed state record per request
// (see the pipeline package); every field on that record is one of the
// types defined here. Keeping them in one package avoids import cycles
// between the analyzer, retriever, reranker, and formatter.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// Entity is the atomic retrievable unit: a sensor, light, switch, climate
// device, or any other observable or controllable object in the home.
//
// # Description
//
// Entities are created by external ingestion and are read-only inside the
// bridge. Identity is EntityID, which follows the "domain.slug" convention
// (e.g. "sensor.kert_humidity"). Text is the prose description indexed for
// BM25 search; it may embed aliases.
//
// # Thread Safety
//
// Entity is treated as an immutable value after retrieval. Score-carrying
// wrappers (ScoredEntity) are per-request and never shared.
type Entity struct {
	// EntityID is the globally unique identifier, "domain.slug".
	EntityID string `json:"entity_id"`

	// Domain is the leading segment of EntityID (sensor, light, switch, ...).
	Domain string `json:"domain"`

	// DeviceClass refines the domain (temperature, humidity, power, ...).
	// Empty when the entity has no device class.
	DeviceClass string `json:"device_class,omitempty"`

	// Area is the room or zone the entity belongs to, directly or via its
	// owning device. Empty when unassigned.
	Area string `json:"area,omitempty"`

	// FriendlyName is the human-readable name, if configured.
	FriendlyName string `json:"friendly_name,omitempty"`

	// Text is the prose description used for lexical search and for
	// cross-encoder scoring.
	Text string `json:"text"`

	// DeviceID links to the owning device, when known. Used to follow
	// device_has_manual edges for formatter hints.
	DeviceID string `json:"device_id,omitempty"`

	// State is the live value at retrieval time, "unknown" when the
	// live-state service had no answer.
	State string `json:"state,omitempty"`

	// Attributes carries opaque extra metadata from the source system.
	Attributes map[string]any `json:"attributes,omitempty"`
}

// DomainOf extracts the domain segment from an entity id.
// Returns "" when the id has no dot.
func DomainOf(entityID string) string {
	if i := strings.IndexByte(entityID, '.'); i > 0 {
		return entityID[:i]
	}
	return ""
}

// Describe renders the canonical cross-encoder document for an entity:
// entity_id | friendly_name | terület: area | domain[.device_class] | text.
//
// # Description
//
// The reranker scores (query, Describe(entity)) pairs; keeping the format
// in one place guarantees the score cache key is stable across components.
func (e *Entity) Describe() string {
	parts := make([]string, 0, 5)
	parts = append(parts, e.EntityID)
	if e.FriendlyName != "" {
		parts = append(parts, e.FriendlyName)
	}
	if e.Area != "" {
		parts = append(parts, "terület: "+e.Area)
	}
	domain := e.Domain
	if e.DeviceClass != "" {
		domain = domain + "." + e.DeviceClass
	}
	if domain != "" {
		parts = append(parts, domain)
	}
	if e.Text != "" {
		parts = append(parts, e.Text)
	}
	return strings.Join(parts, " | ")
}

// ClusterContext records how a candidate arrived via the cluster index.
type ClusterContext struct {
	// ClusterKey is the cluster the entity was expanded from.
	ClusterKey string `json:"cluster_key"`

	// Role is the entity's role within the cluster (primary, member, ...).
	Role string `json:"role"`

	// Weight is the membership weight assigned at ingestion.
	Weight float64 `json:"weight"`

	// ContextBoost is an extra boost the cluster carries for this member.
	ContextBoost float64 `json:"context_boost"`
}

// ScoredEntity is an Entity plus the mutable scoring state attached as a
// candidate moves through retrieval, memory boosting, and reranking.
//
// # Description
//
// Retrieval sets Score; the memory layer may multiply it and flag
// MemoryBoosted; the reranker fills BaseScore, ContextBoost, FinalScore
// and RankingFactors. Fields are never shared between requests.
type ScoredEntity struct {
	Entity

	// Score is the working score. Retrieval seeds it with the store's
	// similarity/BM25 score; memory boosting rewrites it in place.
	Score float64 `json:"score"`

	// BaseScore is the normalized cross-encoder score, set by the reranker.
	BaseScore float64 `json:"base_score"`

	// ContextBoost is the sum of contextual ranking factors.
	ContextBoost float64 `json:"context_boost"`

	// FinalScore is the combined score used for ordering and filtering.
	FinalScore float64 `json:"final_score"`

	// RankingFactors itemizes every boost or penalty that contributed to
	// ContextBoost, keyed by factor name (area_kert, controllable, ...).
	RankingFactors map[string]float64 `json:"ranking_factors,omitempty"`

	// ClusterContext is set when the candidate came from cluster expansion.
	ClusterContext *ClusterContext `json:"cluster_context,omitempty"`

	// MemoryBoosted marks candidates whose Score was raised by session
	// memory; MemoryBoost and MemoryRelevance record the inputs.
	MemoryBoosted   bool    `json:"memory_boosted,omitempty"`
	MemoryBoost     float64 `json:"memory_boost,omitempty"`
	MemoryRelevance float64 `json:"memory_relevance,omitempty"`

	// SyntheticFromMemory marks candidates injected from session memory
	// that the store did not return this turn.
	SyntheticFromMemory bool `json:"synthetic_from_memory,omitempty"`

	// IsPrimary is set by the reranker's primary/related split.
	IsPrimary bool `json:"is_primary"`
}

// Area is a named room or zone with natural-language aliases.
type Area struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases,omitempty"`
}

// DisplayName returns the area name with its aliases appended, the form the
// prompt formatter uses ("kert (garden, yard)").
func (a *Area) DisplayName() string {
	if len(a.Aliases) == 0 {
		return a.Name
	}
	return fmt.Sprintf("%s (%s)", a.Name, strings.Join(a.Aliases, ", "))
}

// Device groups entities under a physical device; entities may inherit
// their area from the owning device.
type Device struct {
	DeviceID     string `json:"device_id"`
	AreaID       string `json:"area_id,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Name         string `json:"name,omitempty"`
}

// ClusterType enumerates the precomputed semantic cluster kinds.
type ClusterType string

const (
	ClusterSpecific ClusterType = "specific"
	ClusterDevice   ClusterType = "device"
	ClusterArea     ClusterType = "area"
	ClusterDomain   ClusterType = "domain"
	ClusterClimate  ClusterType = "climate"
	ClusterOverview ClusterType = "overview"
)

// Cluster is a precomputed semantic grouping of entities. The summarizing
// embedding lives in the vector store; membership edges are ClusterMember
// records.
type Cluster struct {
	Key   string      `json:"key"`
	Type  ClusterType `json:"type"`
	Label string      `json:"label,omitempty"`

	// Score is the query similarity filled in by cluster search.
	Score float64 `json:"score,omitempty"`
}

// ClusterMember is one membership edge from a cluster to an entity.
type ClusterMember struct {
	ClusterKey   string  `json:"cluster_key"`
	EntityID     string  `json:"entity_id"`
	Role         string  `json:"role"`
	Weight       float64 `json:"weight"`
	ContextBoost float64 `json:"context_boost"`
}

// ManualDoc is an optional manual excerpt linked to a device, used for
// formatter hints.
type ManualDoc struct {
	DocumentID string  `json:"document_id"`
	DeviceID   string  `json:"device_id,omitempty"`
	Text       string  `json:"text"`
	Score      float64 `json:"score,omitempty"`
}

// MemoryEntity is one remembered entity inside a session's conversation
// memory.
type MemoryEntity struct {
	EntityID        string    `json:"entity_id"`
	Area            string    `json:"area,omitempty"`
	Domain          string    `json:"domain,omitempty"`
	BoostWeight     float64   `json:"boost_weight"`
	RelevanceScore  float64   `json:"relevance_score"`
	MemoryRelevance float64   `json:"memory_relevance"`
	LastSeen        time.Time `json:"last_seen"`
}

// EnrichedContext is the cached, LLM-produced per-session meta context.
//
// # Description
//
// Written by the background enricher, read by the next turn's quick
// analysis. Valid only while Age() is under the configured TTL (15 minutes
// by default); expired entries are treated as absent.
type EnrichedContext struct {
	DetectedDomains     []string            `json:"detected_domains,omitempty"`
	MentionedAreas      []string            `json:"mentioned_areas,omitempty"`
	EntityRelationships map[string][]string `json:"entity_relationships,omitempty"`
	IntentChain         []string            `json:"intent_chain,omitempty"`
	SemanticContext     string              `json:"semantic_context,omitempty"`
	UserPatterns        map[string]string   `json:"user_patterns,omitempty"`
	ExpectedFollowups   []string            `json:"expected_followups,omitempty"`
	EntityBoostWeights  map[string]float64  `json:"entity_boost_weights,omitempty"`
	SuggestedClusters   []string            `json:"suggested_clusters,omitempty"`
	Timestamp           time.Time           `json:"timestamp"`
	Confidence          float64             `json:"confidence"`
}

// Age returns how long ago the context was produced.
func (e *EnrichedContext) Age() time.Duration {
	return time.Since(e.Timestamp)
}

// Expired reports whether the context is older than ttl.
func (e *EnrichedContext) Expired(ttl time.Duration) bool {
	return e.Age() >= ttl
}
