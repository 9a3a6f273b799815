// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/hungarian"
)

// QuickPatternAnalyzer is the synchronous companion to the background
// enricher: keyword-table-only context, well under the 50ms budget.
type QuickPatternAnalyzer struct {
	tables *hungarian.Tables
}

// NewQuickPatternAnalyzer builds the analyzer over the given tables.
func NewQuickPatternAnalyzer(tables *hungarian.Tables) *QuickPatternAnalyzer {
	return &QuickPatternAnalyzer{tables: tables}
}

// Analyze classifies one utterance from keyword tables alone.
func (q *QuickPatternAnalyzer) Analyze(ctx context.Context, utterance string) *datatypes.QuickAnalysis {
	out := &datatypes.QuickAnalysis{
		QueryType: datatypes.QueryUnknown,
		Language:  datatypes.Language(q.tables.DetectLanguage(utterance)),
	}

	out.DetectedAreas = q.tables.MatchAreas(ctx, utterance)
	domains, classes := q.tables.MatchDomains(utterance)
	out.DetectedDomains = domains

	// Entity patterns hint at likely ids: "kert_humidity", "nappali_temperature".
	for _, area := range out.DetectedAreas {
		for _, class := range classes {
			out.EntityPatterns = append(out.EntityPatterns, area+"_"+class)
		}
	}

	switch {
	case q.tables.HasControlVerb(utterance):
		out.QueryType = datatypes.QueryControl
	case q.tables.IsHouseWide(utterance):
		out.QueryType = datatypes.QueryOverview
	case q.tables.HasQuestionWord(utterance) || q.tables.HasTemperaturePhrase(utterance):
		out.QueryType = datatypes.QueryStatusCheck
	}

	out.Confidence = 0.3
	if len(out.DetectedAreas) > 0 {
		out.Confidence += 0.3
	}
	if len(out.DetectedDomains) > 0 {
		out.Confidence += 0.3
	}
	if out.QueryType != datatypes.QueryUnknown {
		out.Confidence += 0.1
	}
	if out.Confidence > 1.0 {
		out.Confidence = 1.0
	}
	return out
}

// Fuse merges a cached enrichment into the quick analysis: the union of
// domains and areas forms the effective context for retrieval and rerank.
// A nil or expired enrichment returns the quick analysis untouched.
func Fuse(quick *datatypes.QuickAnalysis, enriched *datatypes.EnrichedContext) *datatypes.QuickAnalysis {
	if enriched == nil {
		return quick
	}
	fused := *quick
	fused.DetectedDomains = unionSorted(quick.DetectedDomains, enriched.DetectedDomains)
	fused.DetectedAreas = unionSorted(quick.DetectedAreas, enriched.MentionedAreas)
	if enriched.Confidence > fused.Confidence {
		fused.Confidence = enriched.Confidence
	}
	return &fused
}

func unionSorted(a, b []string) []string {
	set := datatypes.NewStringSet(a...)
	for _, v := range b {
		set.Add(v)
	}
	return set.Values()
}
