// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"sort"
	"time"
)

// Message is one dialogue turn, matching the OpenAI-style role/content
// shape used on the wire.
type Message struct {
	Role    string `json:"role" binding:"required"`
	Content string `json:"content"`
}

// Intent classifies what the user wants from the current utterance.
type Intent string

const (
	// IntentControl means the user wants to change device state.
	IntentControl Intent = "control"

	// IntentRead means the user wants to know a current value.
	IntentRead Intent = "read"
)

// StringSet is a small helper for the analyzer's area/domain sets.
// Insertion order is not preserved; Values() sorts for determinism.
type StringSet map[string]struct{}

// NewStringSet builds a set from the given values.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v; empty strings are ignored.
func (s StringSet) Add(v string) {
	if v != "" {
		s[v] = struct{}{}
	}
}

// Has reports membership.
func (s StringSet) Has(v string) bool {
	_, ok := s[v]
	return ok
}

// Merge adds every element of other.
func (s StringSet) Merge(other StringSet) {
	for v := range other {
		s[v] = struct{}{}
	}
}

// Values returns the sorted members.
func (s StringSet) Values() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// ConversationContext is the analyzer's view of the current utterance plus
// dialogue history.
//
// # Description
//
// Produced by the conversation analyzer (or its fallback) at the head of
// every pipeline run. Downstream nodes read it for scope detection,
// retrieval filtering, and rerank boosts; the memory layer may widen the
// area/domain sets before reranking.
type ConversationContext struct {
	AreasMentioned         StringSet `json:"areas_mentioned"`
	DomainsMentioned       StringSet `json:"domains_mentioned"`
	DeviceClassesMentioned StringSet `json:"device_classes_mentioned"`

	// PreviousEntities are entity ids recovered from system-emitted
	// "Relevant entities:" lines in recent history.
	PreviousEntities StringSet `json:"previous_entities"`

	// IsFollowUp is true when the utterance matched a follow-up pattern
	// ("és a ...", "ott", "how about", ...).
	IsFollowUp bool `json:"is_follow_up"`

	Intent     Intent  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// NewConversationContext returns a context with all sets allocated,
// intent read, and the fallback confidence.
func NewConversationContext() *ConversationContext {
	return &ConversationContext{
		AreasMentioned:         make(StringSet),
		DomainsMentioned:       make(StringSet),
		DeviceClassesMentioned: make(StringSet),
		PreviousEntities:       make(StringSet),
		Intent:                 IntentRead,
		Confidence:             0.4,
	}
}

// Scope is the retrieval width policy chosen per query.
type Scope string

const (
	// ScopeMicro targets precise single-entity actions (5-10 results).
	ScopeMicro Scope = "micro"

	// ScopeMacro targets one area or one domain (15-30 results).
	ScopeMacro Scope = "macro"

	// ScopeOverview targets house-wide questions (30-50 results).
	ScopeOverview Scope = "overview"
)

// ScopeDecision is the scope detector's full output.
type ScopeDecision struct {
	Scope      Scope   `json:"scope"`
	Confidence float64 `json:"confidence"`

	// OptimalK is the retrieval width the decision table selected.
	OptimalK int `json:"optimal_k"`

	// Reasoning names the decision-table branch that fired, for the trace.
	Reasoning string `json:"reasoning"`

	// FormatterHint forces a formatter when the cue is strong
	// (e.g. climate queries prefer grouped output). Empty means no hint.
	FormatterHint string `json:"formatter_hint,omitempty"`

	// ClimatePriority widens cluster-type selection to climate clusters.
	ClimatePriority bool `json:"climate_priority,omitempty"`
}

// RewriteMethod tags how the query rewriter produced its output.
type RewriteMethod string

const (
	RewriteLLM       RewriteMethod = "llm"
	RewriteRuleBased RewriteMethod = "rule_based"
	RewriteNotNeeded RewriteMethod = "no_rewrite_needed"
	RewriteDisabled  RewriteMethod = "disabled"
	RewriteError     RewriteMethod = "error"
)

// RewriteResult is the query rewriter's contract output.
type RewriteResult struct {
	Original             string        `json:"original"`
	Rewritten            string        `json:"rewritten"`
	Confidence           float64       `json:"confidence"`
	Method               RewriteMethod `json:"method"`
	CoreferencesResolved []string      `json:"coreferences_resolved,omitempty"`
	IntentInherited      bool          `json:"intent_inherited,omitempty"`
	ProcessingTimeMs     float64       `json:"processing_time_ms"`
}

// QueryType classifies the quick pattern analysis result.
type QueryType string

const (
	QueryStatusCheck QueryType = "status_check"
	QueryControl     QueryType = "control"
	QueryOverview    QueryType = "overview"
	QueryUnknown     QueryType = "unknown"
)

// Language is the detected utterance language.
type Language string

const (
	LangHungarian Language = "hungarian"
	LangEnglish   Language = "english"
)

// QuickAnalysis is the synchronous (<50ms) companion to the background
// enricher: keyword-table-only context for the current turn.
type QuickAnalysis struct {
	DetectedDomains []string  `json:"detected_domains,omitempty"`
	DetectedAreas   []string  `json:"detected_areas,omitempty"`
	EntityPatterns  []string  `json:"entity_patterns,omitempty"`
	QueryType       QueryType `json:"query_type"`
	Language        Language  `json:"language"`
	Confidence      float64   `json:"confidence"`
}

// PipelineStage is one traced node execution.
type PipelineStage struct {
	Name       string         `json:"name"`
	Type       string         `json:"type"`
	InCount    int            `json:"in_count"`
	OutCount   int            `json:"out_count"`
	DurationMs float64        `json:"duration_ms"`
	Payload    map[string]any `json:"payload,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
}

// Diagnostics summarizes per-request pipeline quality.
type Diagnostics struct {
	OverallQuality  float64            `json:"overall_quality"`
	SubScores       map[string]float64 `json:"sub_scores"`
	Recommendations []string           `json:"recommendations,omitempty"`
}
