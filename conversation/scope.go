// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"strings"
	"unicode"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/hungarian"
)

// ScopeDetector chooses the retrieval width policy for one query.
//
// # Description
//
// A fixed decision table applied top to bottom; the first matching branch
// wins. Branches record their name in Reasoning so the stage trace shows
// which rule fired.
type ScopeDetector struct {
	tables *hungarian.Tables
	cfg    ScopeConfig
}

// NewScopeDetector builds a detector over the given pattern tables.
func NewScopeDetector(tables *hungarian.Tables, cfg ScopeConfig) *ScopeDetector {
	return &ScopeDetector{tables: tables, cfg: cfg}
}

// Detect runs the decision table.
//
// # Inputs
//
//   - query: The (possibly rewritten) standalone query.
//   - convCtx: Analyzer output; its area set feeds the area-count rules.
//
// # Outputs
//
//   - *datatypes.ScopeDecision: Never nil.
func (d *ScopeDetector) Detect(ctx context.Context, query string, convCtx *datatypes.ConversationContext) *datatypes.ScopeDecision {
	control := d.tables.HasControlVerb(query)
	quantity := d.tables.HasQuantity(query)
	houseWide := d.tables.IsHouseWide(query)
	temperature := d.tables.HasTemperaturePhrase(query)

	areaCount := len(convCtx.AreasMentioned)
	if areaCount == 0 {
		areaCount = len(d.tables.MatchAreas(ctx, query))
	}

	switch {
	case control && quantity:
		return decision(datatypes.ScopeMacro, d.cfg.ControlQuantifiedK, 0.85, "control_quantified")
	case control && areaCount == 1:
		return decision(datatypes.ScopeMicro, d.cfg.ControlSingleAreaK, 0.8, "control_single_area")
	case control:
		return decision(datatypes.ScopeMicro, d.cfg.ControlAloneK, 0.7, "control_alone")
	case temperature && areaCount == 1:
		dec := decision(datatypes.ScopeMacro, d.cfg.ClimateAreaK, 0.8, "temperature_single_area")
		dec.ClimatePriority = true
		dec.FormatterHint = "grouped_by_area"
		return dec
	case areaCount == 1 && !houseWide:
		return decision(datatypes.ScopeMacro, d.cfg.SingleAreaK, 0.75, "single_area")
	case d.tables.HasQuestionWord(query) && !quantity && !houseWide:
		return decision(datatypes.ScopeMicro, d.cfg.ValueQuestionK, 0.7, "value_question")
	case houseWide || areaCount >= 2:
		return decision(datatypes.ScopeOverview, d.cfg.OverviewK, 0.8, "house_wide")
	case quantity:
		return decision(datatypes.ScopeOverview, d.cfg.OverviewK, 0.75, "global_quantifier")
	}

	// Length heuristic.
	switch tokens := hungarian.TokenCount(query); {
	case tokens <= 3:
		return decision(datatypes.ScopeMicro, d.cfg.ShortQueryK, 0.5, "short_query")
	case tokens >= 8:
		return decision(datatypes.ScopeOverview, d.cfg.LongQueryK, 0.55, "long_query")
	default:
		return decision(datatypes.ScopeMacro, d.cfg.MediumQueryK, 0.6, "medium_query")
	}
}

// Fallback is the dependency-free scope used for problematic input: a
// modest MACRO retrieval with low confidence.
func (d *ScopeDetector) Fallback(query string) *datatypes.ScopeDecision {
	return decision(datatypes.ScopeMacro, d.cfg.FallbackK, 0.2, "fallback")
}

// IsProblematic flags input the decision table cannot be trusted with:
// empty, too short, digit-only, letterless, or keyboard-mash tokens with
// no pattern hit at all.
func (d *ScopeDetector) IsProblematic(ctx context.Context, query string) bool {
	trimmed := strings.TrimSpace(query)
	if len(trimmed) < 3 {
		return true
	}

	hasLetter := false
	for _, r := range trimmed {
		if unicode.IsLetter(r) {
			hasLetter = true
			break
		}
	}
	if !hasLetter {
		return true
	}

	// Any pattern hit means the tables can work with it.
	if len(d.tables.MatchAreas(ctx, trimmed)) > 0 {
		return false
	}
	if domains, _ := d.tables.MatchDomains(trimmed); len(domains) > 0 {
		return false
	}
	if d.tables.HasControlVerb(trimmed) || d.tables.HasQuestionWord(trimmed) ||
		d.tables.IsHouseWide(trimmed) || d.tables.HasTemperaturePhrase(trimmed) {
		return false
	}

	// No hits anywhere: treat digit-bearing or vowel-free tokens as mash.
	for _, token := range strings.Fields(strings.ToLower(trimmed)) {
		if isDigitsOnly(token) || !strings.ContainsAny(token, "aeiouáéíóöőúüű") {
			return true
		}
	}
	return false
}

func decision(scope datatypes.Scope, k int, confidence float64, reasoning string) *datatypes.ScopeDecision {
	return &datatypes.ScopeDecision{
		Scope:      scope,
		Confidence: confidence,
		OptimalK:   k,
		Reasoning:  reasoning,
	}
}

func isDigitsOnly(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
