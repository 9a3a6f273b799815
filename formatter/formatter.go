// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package formatter renders reranked entities into the Hungarian prompt
// context block injected ahead of the user's message.
package formatter

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/statestore"
)

var tracer = otel.Tracer("otthon.ragbridge.formatter")

// personaLine opens every formatted context block.
const personaLine = "Te egy segítőkész magyar okosotthon-asszisztens vagy. Az alábbi kontextus alapján válaszolj."

// noEntitiesLine is the degraded-mode body when nothing survived filtering.
const noEntitiesLine = "Nincs releváns eszköz a kérdéshez."

// EmergencyContent is the minimal well-formed context block used when
// formatting fails outright. The persona line and the no-entities notice
// keep the downstream prompt contract intact even with nothing to show.
func EmergencyContent() string {
	return personaLine + "\n\n" + noEntitiesLine
}

// Strategy selects one of the layout renderers.
type Strategy string

const (
	StrategyCompact       Strategy = "compact"
	StrategyGroupedByArea Strategy = "grouped_by_area"
	StrategyTLDR          Strategy = "tldr"
	StrategyHierarchical  Strategy = "hierarchical"
	StrategyDetailed      Strategy = "detailed"
)

// ValueSource reads live entity values: fresh for primary entities,
// cached for historical context.
type ValueSource interface {
	Fresh(ctx context.Context, entityID string) *statestore.StateValue
	Cached(ctx context.Context, entityID string) *statestore.StateValue
}

// ManualSource finds manual excerpts for a device.
type ManualSource interface {
	ManualDocsForDevice(ctx context.Context, deviceID, query string, limit int) ([]datatypes.ManualDoc, error)
}

// Input carries everything one formatting pass needs.
type Input struct {
	Query   string
	Primary []datatypes.ScoredEntity
	Related []datatypes.ScoredEntity

	// Memory are the session's remembered entities, shown by the
	// hierarchical layout.
	Memory []datatypes.MemoryEntity

	ConvCtx *datatypes.ConversationContext
	Scope   *datatypes.ScopeDecision
}

// Output is the rendered context plus the strategy that produced it.
type Output struct {
	Content  string
	Strategy Strategy
}

// Formatter renders context blocks.
//
// # Thread Safety
//
// Safe for concurrent use; area display names are loaded once at
// construction and treated as immutable.
type Formatter struct {
	values  ValueSource
	manuals ManualSource
	areas   map[string]datatypes.Area
}

// New builds a formatter. values and manuals may be nil: values are then
// rendered as unknown, and manual hints are skipped. areas maps area name
// to its record for alias display.
func New(values ValueSource, manuals ManualSource, areas map[string]datatypes.Area) *Formatter {
	if areas == nil {
		areas = map[string]datatypes.Area{}
	}
	return &Formatter{values: values, manuals: manuals, areas: areas}
}

// SelectStrategy picks the layout for one response.
//
// The scope detector's hint wins outright. Otherwise: multi-area or busy
// overview answers get the TL;DR layout, follow-ups with session memory
// the hierarchical one, single-area answers are grouped, large or micro
// answers compacted, and everything else detailed.
func SelectStrategy(scope *datatypes.ScopeDecision, total, areaCount int, isFollowUp, hasMemory bool) Strategy {
	if scope.FormatterHint != "" {
		return Strategy(scope.FormatterHint)
	}
	switch {
	case areaCount >= 2 || (scope.Scope == datatypes.ScopeOverview && total > 6):
		return StrategyTLDR
	case isFollowUp && hasMemory:
		return StrategyHierarchical
	case areaCount == 1:
		return StrategyGroupedByArea
	case total > 8 || scope.Scope == datatypes.ScopeMicro:
		return StrategyCompact
	default:
		return StrategyDetailed
	}
}

// Format renders the context block for one turn.
//
// # Description
//
// Every layout starts with the persona line and ends with machine-readable
// trailer lines ("Relevant entities:", "Relevant domains:") that the next
// turn's analyzer parses back out of history. Primary entity values are
// fetched fresh; related values come from the state cache.
func (f *Formatter) Format(ctx context.Context, in Input) *Output {
	ctx, span := tracer.Start(ctx, "formatter.format")
	defer span.End()

	total := len(in.Primary) + len(in.Related)
	areaCount := len(in.ConvCtx.AreasMentioned)
	strategy := SelectStrategy(in.Scope, total, areaCount, in.ConvCtx.IsFollowUp, len(in.Memory) > 0)
	span.SetAttributes(
		attribute.String("strategy", string(strategy)),
		attribute.Int("entities", total),
	)

	var b strings.Builder
	b.WriteString(personaLine)
	b.WriteString("\n\n")

	if total == 0 {
		b.WriteString(noEntitiesLine)
		b.WriteString("\n")
		return &Output{Content: b.String(), Strategy: strategy}
	}

	switch strategy {
	case StrategyCompact:
		f.renderCompact(ctx, &b, in)
	case StrategyGroupedByArea:
		f.renderGrouped(ctx, &b, in)
	case StrategyTLDR:
		f.renderTLDR(ctx, &b, in)
	case StrategyHierarchical:
		f.renderHierarchical(ctx, &b, in)
	default:
		f.renderDetailed(ctx, &b, in)
	}

	f.appendManualHints(ctx, &b, in)
	f.appendTrailer(&b, in)

	return &Output{Content: b.String(), Strategy: strategy}
}

// renderCompact emits a single pipe-separated line.
func (f *Formatter) renderCompact(ctx context.Context, b *strings.Builder, in Input) {
	parts := make([]string, 0, len(in.Primary)+len(in.Related))
	for _, e := range in.Primary {
		parts = append(parts, fmt.Sprintf("%s [%s]: %s", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, true)))
	}
	for _, e := range in.Related {
		parts = append(parts, fmt.Sprintf("%s [%s]: %s", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, false)))
	}
	b.WriteString(strings.Join(parts, " | "))
	b.WriteString("\n")
}

// renderGrouped emits one section per area with [P]/[R] tags.
func (f *Formatter) renderGrouped(ctx context.Context, b *strings.Builder, in Input) {
	type tagged struct {
		entity  datatypes.ScoredEntity
		primary bool
	}
	byArea := make(map[string][]tagged)
	var areaOrder []string
	add := func(e datatypes.ScoredEntity, primary bool) {
		area := e.Area
		if area == "" {
			area = "egyéb"
		}
		if _, ok := byArea[area]; !ok {
			areaOrder = append(areaOrder, area)
		}
		byArea[area] = append(byArea[area], tagged{e, primary})
	}
	for _, e := range in.Primary {
		add(e, true)
	}
	for _, e := range in.Related {
		add(e, false)
	}

	for _, area := range areaOrder {
		fmt.Fprintf(b, "[%s]\n", f.areaName(area))
		for _, t := range byArea[area] {
			tag := "[R]"
			if t.primary {
				tag = "[P]"
			}
			fmt.Fprintf(b, "%s %s: %s\n", tag, cleanName(&t.entity.Entity), f.value(ctx, &t.entity.Entity, t.primary))
		}
		b.WriteString("\n")
	}
}

// renderTLDR emits the detailed list plus the per-area count summary.
func (f *Formatter) renderTLDR(ctx context.Context, b *strings.Builder, in Input) {
	counts := make(map[string]int)
	var areaOrder []string
	render := func(e datatypes.ScoredEntity, primary bool) {
		area := e.Area
		if area == "" {
			area = "egyéb"
		}
		if counts[area] == 0 {
			areaOrder = append(areaOrder, area)
		}
		counts[area]++
		fmt.Fprintf(b, "- %s [%s]: %s\n", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, primary))
	}
	for _, e := range in.Primary {
		render(e, true)
	}
	for _, e := range in.Related {
		render(e, false)
	}

	summary := make([]string, 0, len(areaOrder))
	for _, area := range areaOrder {
		summary = append(summary, fmt.Sprintf("%s(%d)", area, counts[area]))
	}
	b.WriteString("\nTL;DR: ")
	b.WriteString(strings.Join(summary, ", "))
	b.WriteString("\n")
}

// renderHierarchical emits primary / supporting / remembered sections.
func (f *Formatter) renderHierarchical(ctx context.Context, b *strings.Builder, in Input) {
	b.WriteString("Elsődleges:\n")
	for _, e := range in.Primary {
		fmt.Fprintf(b, "- %s [%s]: %s\n", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, true))
	}
	if len(in.Related) > 0 {
		b.WriteString("\nKiegészítő:\n")
		for _, e := range in.Related {
			fmt.Fprintf(b, "- %s [%s]: %s\n", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, false))
		}
	}
	if len(in.Memory) > 0 {
		b.WriteString("\nKorábban említett:\n")
		for _, mem := range in.Memory {
			fmt.Fprintf(b, "- %s [%s]\n", mem.EntityID, f.areaName(mem.Area))
		}
	}
}

// renderDetailed emits the two-section default layout plus the area list.
func (f *Formatter) renderDetailed(ctx context.Context, b *strings.Builder, in Input) {
	if len(in.Primary) == 1 {
		b.WriteString("Elsődleges eszköz:\n")
	} else {
		b.WriteString("Elsődleges eszközök:\n")
	}
	for _, e := range in.Primary {
		fmt.Fprintf(b, "- %s [%s]: %s\n", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, true))
	}
	if len(in.Related) > 0 {
		b.WriteString("\nKapcsolódó eszközök:\n")
		for _, e := range in.Related {
			fmt.Fprintf(b, "- %s [%s]: %s\n", cleanName(&e.Entity), f.areaName(e.Area), f.value(ctx, &e.Entity, false))
		}
	}

	areas := collectAreas(in)
	if len(areas) > 0 {
		names := make([]string, 0, len(areas))
		for _, area := range areas {
			names = append(names, f.areaName(area))
		}
		b.WriteString("\nTerületek: ")
		b.WriteString(strings.Join(names, ", "))
		b.WriteString("\n")
	}
}

// appendTrailer emits the machine-readable lines the next turn's analyzer
// reads back from history.
func (f *Formatter) appendTrailer(b *strings.Builder, in Input) {
	ids := make([]string, 0, len(in.Primary)+len(in.Related))
	domains := datatypes.NewStringSet()
	for _, e := range in.Primary {
		ids = append(ids, e.EntityID)
		domains.Add(e.Domain)
	}
	for _, e := range in.Related {
		ids = append(ids, e.EntityID)
		domains.Add(e.Domain)
	}
	if len(ids) == 0 {
		return
	}
	b.WriteString("\nRelevant entities: ")
	b.WriteString(strings.Join(ids, ","))
	b.WriteString("\nRelevant domains: ")
	b.WriteString(strings.Join(domains.Values(), ","))
	b.WriteString("\n")
}

// value fetches and renders an entity's current reading.
func (f *Formatter) value(ctx context.Context, e *datatypes.Entity, primary bool) string {
	if f.values == nil {
		return "ismeretlen"
	}
	var sv *statestore.StateValue
	if primary {
		sv = f.values.Fresh(ctx, e.EntityID)
	} else {
		sv = f.values.Cached(ctx, e.EntityID)
	}
	if sv == nil || !sv.IsActive() {
		return "ismeretlen"
	}
	if sv.Unit != "" {
		return sv.State + " " + sv.Unit
	}
	return sv.State
}

// areaName renders an area with its aliases when known.
func (f *Formatter) areaName(area string) string {
	if area == "" {
		return "egyéb"
	}
	if rec, ok := f.areas[area]; ok {
		return rec.DisplayName()
	}
	return area
}

func collectAreas(in Input) []string {
	seen := datatypes.NewStringSet()
	for _, e := range in.Primary {
		seen.Add(e.Area)
	}
	for _, e := range in.Related {
		seen.Add(e.Area)
	}
	return seen.Values()
}

// hungarianClassNames maps generic sensor name fragments to Hungarian
// descriptive names.
var hungarianClassNames = []struct {
	fragment string
	name     string
}{
	{"temperature", "hőmérséklet"},
	{"humidity", "páratartalom"},
	{"pressure", "légnyomás"},
	{"power", "energiafogyasztás"},
}

// cleanName renders a human entity name: the friendly name when it says
// more than the id, otherwise a Hungarian descriptive name derived from
// the entity id.
func cleanName(e *datatypes.Entity) string {
	if e.FriendlyName != "" && !isGenericName(e.FriendlyName) {
		return e.FriendlyName
	}
	id := strings.ToLower(e.EntityID)
	for _, m := range hungarianClassNames {
		if strings.Contains(id, m.fragment) {
			return m.name
		}
	}
	if e.FriendlyName != "" {
		return e.FriendlyName
	}
	// Fall back to the id's slug with separators spaced out.
	slug := e.EntityID
	if i := strings.IndexByte(slug, '.'); i >= 0 {
		slug = slug[i+1:]
	}
	return strings.ReplaceAll(slug, "_", " ")
}

// isGenericName reports whether a friendly name is just the generic
// sensor-class word, which reads poorly in Hungarian output.
func isGenericName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	for _, m := range hungarianClassNames {
		if lower == m.fragment {
			return true
		}
	}
	return false
}

// appendManualHints follows the top primary entity's device link and
// appends a few manual excerpts relevant to the query.
func (f *Formatter) appendManualHints(ctx context.Context, b *strings.Builder, in Input) {
	if f.manuals == nil || len(in.Primary) == 0 {
		return
	}
	deviceID := in.Primary[0].DeviceID
	if deviceID == "" {
		return
	}
	docs, err := f.manuals.ManualDocsForDevice(ctx, deviceID, in.Query, 2)
	if err != nil {
		slog.Debug("Manual hint lookup failed", "error", err, "device", deviceID)
		return
	}
	if len(docs) == 0 {
		return
	}
	sort.SliceStable(docs, func(i, j int) bool { return docs[i].Score > docs[j].Score })

	b.WriteString("\nKézikönyv:\n")
	for _, doc := range docs {
		fmt.Fprintf(b, "- %s\n", hintExcerpt(doc.Text))
	}
}
