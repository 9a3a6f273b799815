// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"github.com/otthonlab/ragbridge/datatypes"
)

// Diagnostics weights. Retrieval dominates because a bad candidate set
// cannot be repaired downstream.
const (
	weightAnalysis   = 0.2
	weightScope      = 0.25
	weightRetrieval  = 0.35
	weightFormatting = 0.2
)

// computeDiagnostics scores the finished run per stage and mixes the
// sub-scores into the overall workflow quality.
func computeDiagnostics(s *State) *datatypes.Diagnostics {
	sub := map[string]float64{
		"conversation_analysis": analysisScore(s),
		"scope_detection":       scopeScore(s),
		"entity_retrieval":      retrievalScore(s),
		"context_formatting":    formattingScore(s),
	}

	overall := weightAnalysis*sub["conversation_analysis"] +
		weightScope*sub["scope_detection"] +
		weightRetrieval*sub["entity_retrieval"] +
		weightFormatting*sub["context_formatting"]

	return &datatypes.Diagnostics{
		OverallQuality:  clamp01(overall),
		SubScores:       sub,
		Recommendations: recommendations(s, sub),
	}
}

func analysisScore(s *State) float64 {
	if s.ConvCtx == nil {
		return 0
	}
	return clamp01(s.ConvCtx.Confidence)
}

func scopeScore(s *State) float64 {
	if s.Scope == nil {
		return 0
	}
	score := clamp01(s.Scope.Confidence)
	if s.Problematic {
		score *= 0.5
	}
	return score
}

func retrievalScore(s *State) float64 {
	if len(s.Retrieved) == 0 {
		return 0
	}
	target := 1
	if s.Scope != nil && s.Scope.OptimalK > 0 {
		target = s.Scope.OptimalK
	}
	score := clamp01(float64(len(s.Retrieved)) / float64(target))
	if s.LexicalFallback {
		score *= 0.8
	}
	if s.hasError(IsRetrievalError) {
		score *= 0.5
	}
	return score
}

func formattingScore(s *State) float64 {
	if len(s.FormattedContext) <= minContextChars {
		return 0.1
	}
	if !knownStrategy(s.FormatterStrategy) {
		return 0.3
	}
	if s.FallbackUsed {
		return 0.7
	}
	return 1.0
}

// recommendations names the weak stages for the response metadata.
func recommendations(s *State, sub map[string]float64) []string {
	var out []string
	if sub["conversation_analysis"] < 0.5 {
		out = append(out, "low conversation confidence: query had no recognizable area or domain")
	}
	if sub["scope_detection"] < 0.5 {
		out = append(out, "uncertain scope: consider a more specific question")
	}
	if sub["entity_retrieval"] < 0.5 {
		out = append(out, "sparse retrieval: fewer candidates than the scope targets")
	}
	if sub["context_formatting"] < 0.5 {
		out = append(out, "degraded formatting: context block below the usable minimum")
	}
	if s.RetryCount > 0 {
		out = append(out, "retries were needed to complete the workflow")
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
