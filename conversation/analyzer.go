// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"regexp"
	"strings"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/hungarian"
)

// relevantEntitiesRe matches the system-emitted entity list the bridge
// appends to assistant turns: "Relevant entities: sensor.a,light.b".
var relevantEntitiesRe = regexp.MustCompile(`Relevant entities:\s*([a-z0-9_.,\s]+)`)

// Analyzer extracts the conversation context from the current utterance
// plus history.
//
// # Description
//
// Pure keyword work over the pattern tables; no I/O besides the tables'
// own alias refresh. Budget is under 10ms, so everything here is
// substring matching on a lowercased utterance.
type Analyzer struct {
	tables *hungarian.Tables
	cfg    AnalyzerConfig
}

// NewAnalyzer builds an analyzer over the given pattern tables.
func NewAnalyzer(tables *hungarian.Tables, cfg AnalyzerConfig) *Analyzer {
	return &Analyzer{tables: tables, cfg: cfg}
}

// Analyze produces the ConversationContext for one utterance.
//
// # Inputs
//
//   - ctx: Cancellation context (alias refresh may hit the store).
//   - utterance: The current user message.
//   - history: Prior turns, oldest first.
//
// # Outputs
//
//   - *datatypes.ConversationContext: Never nil; falls back to defaults
//     when nothing matches.
func (a *Analyzer) Analyze(ctx context.Context, utterance string, history []datatypes.Message) *datatypes.ConversationContext {
	out := datatypes.NewConversationContext()

	for _, area := range a.tables.MatchAreas(ctx, utterance) {
		out.AreasMentioned.Add(area)
	}
	domains, classes := a.tables.MatchDomains(utterance)
	for _, d := range domains {
		out.DomainsMentioned.Add(d)
	}
	for _, c := range classes {
		out.DeviceClassesMentioned.Add(c)
	}

	out.IsFollowUp = a.tables.IsFollowUp(utterance)
	followUpResolved := false
	if out.IsFollowUp && len(out.AreasMentioned) == 0 {
		followUpResolved = a.inheritAreas(ctx, out, history)
	}

	a.extractPreviousEntities(out, history)

	if a.tables.HasControlVerb(utterance) {
		out.Intent = datatypes.IntentControl
	}

	out.Confidence = a.confidence(out, followUpResolved)
	return out
}

// AreaBoost returns the reranker multiplier for an area in this context:
// the specific-area boost when the context mentions it, the generic house
// boost otherwise, scaled up on follow-ups.
func (a *Analyzer) AreaBoost(convCtx *datatypes.ConversationContext, area string) float64 {
	boost := a.cfg.HouseAreaBoost
	if convCtx.AreasMentioned.Has(area) {
		boost = a.cfg.SpecificAreaBoost
	}
	if convCtx.IsFollowUp {
		boost *= a.cfg.FollowUpMultiplier
	}
	return boost
}

// DomainBoost returns the reranker multiplier for a mentioned domain.
func (a *Analyzer) DomainBoost() float64 { return a.cfg.DomainBoost }

// DeviceClassBoost returns the reranker multiplier for a mentioned class.
func (a *Analyzer) DeviceClassBoost() float64 { return a.cfg.DeviceClassBoost }

// inheritAreas pulls areas from up to the three most recent user turns.
func (a *Analyzer) inheritAreas(ctx context.Context, out *datatypes.ConversationContext, history []datatypes.Message) bool {
	inherited := false
	seen := 0
	for i := len(history) - 1; i >= 0 && seen < 3; i-- {
		if history[i].Role != "user" {
			continue
		}
		seen++
		for _, area := range a.tables.MatchAreas(ctx, history[i].Content) {
			out.AreasMentioned.Add(area)
			inherited = true
		}
	}
	return inherited
}

// extractPreviousEntities scans the last five turns for system-emitted
// entity lists.
func (a *Analyzer) extractPreviousEntities(out *datatypes.ConversationContext, history []datatypes.Message) {
	start := len(history) - 5
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		m := relevantEntitiesRe.FindStringSubmatch(msg.Content)
		if m == nil {
			continue
		}
		for _, id := range strings.Split(m[1], ",") {
			id = strings.TrimSpace(id)
			if strings.Contains(id, ".") {
				out.PreviousEntities.Add(id)
			}
		}
	}
}

// confidence mixes the detection signals into [0,1]. At least one area or
// domain guarantees a value of 0.5 or more.
func (a *Analyzer) confidence(out *datatypes.ConversationContext, followUpResolved bool) float64 {
	conf := 0.4
	if len(out.AreasMentioned) > 0 {
		conf += 0.25
	}
	if len(out.DomainsMentioned) > 0 {
		conf += 0.25
	}
	if followUpResolved {
		conf += 0.1
	}
	if conf > 1.0 {
		conf = 1.0
	}
	return conf
}
