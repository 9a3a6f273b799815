package formatter

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/statestore"
)

// valueTable answers Fresh/Cached from a map and records which path was
// used per entity.
type valueTable struct {
	states  map[string]*statestore.StateValue
	freshly map[string]bool
}

func newValueTable() *valueTable {
	return &valueTable{states: map[string]*statestore.StateValue{}, freshly: map[string]bool{}}
}

func (v *valueTable) set(id, state, unit string) {
	v.states[id] = &statestore.StateValue{EntityID: id, State: state, Unit: unit, At: time.Now()}
}

func (v *valueTable) Fresh(ctx context.Context, entityID string) *statestore.StateValue {
	v.freshly[entityID] = true
	return v.states[entityID]
}

func (v *valueTable) Cached(ctx context.Context, entityID string) *statestore.StateValue {
	return v.states[entityID]
}

func primaryEntity(id, area, class string) datatypes.ScoredEntity {
	return datatypes.ScoredEntity{
		Entity: datatypes.Entity{
			EntityID:    id,
			Domain:      datatypes.DomainOf(id),
			Area:        area,
			DeviceClass: class,
		},
		IsPrimary: true,
	}
}

func singleAreaInput(values *valueTable) Input {
	values.set("sensor.kert_humidity", "54", "%")
	convCtx := datatypes.NewConversationContext()
	convCtx.AreasMentioned.Add("kert")
	return Input{
		Query:   "Mekkora a nedvesség a kertben?",
		Primary: []datatypes.ScoredEntity{primaryEntity("sensor.kert_humidity", "kert", "humidity")},
		ConvCtx: convCtx,
		Scope:   &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, OptimalK: 22},
	}
}

func TestFormatSingleAreaGrouped(t *testing.T) {
	values := newValueTable()
	f := New(values, nil, map[string]datatypes.Area{
		"kert": {AreaID: "kert", Name: "kert", Aliases: []string{"garden"}},
	})

	got := f.Format(context.Background(), singleAreaInput(values))

	if got.Strategy != StrategyGroupedByArea {
		t.Errorf("strategy = %s, want grouped_by_area for one area", got.Strategy)
	}
	if !strings.HasPrefix(got.Content, personaLine) {
		t.Error("output must start with the persona line")
	}
	if !strings.Contains(got.Content, "kert (garden)") {
		t.Errorf("area aliases missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "páratartalom") {
		t.Errorf("clean name missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "54 %") {
		t.Errorf("sensor value missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "Relevant domains: sensor") {
		t.Errorf("relevant-domains trailer missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "Relevant entities: sensor.kert_humidity") {
		t.Errorf("relevant-entities trailer missing:\n%s", got.Content)
	}
	if !values.freshly["sensor.kert_humidity"] {
		t.Error("primary entity must use a fresh state read")
	}
}

func TestFormatTLDRForOverview(t *testing.T) {
	values := newValueTable()
	convCtx := datatypes.NewConversationContext()

	var related []datatypes.ScoredEntity
	for _, id := range []string{"sensor.kert_temperature", "sensor.kert_humidity",
		"sensor.nappali_temperature", "light.nappali", "sensor.konyha_temperature",
		"switch.konyha", "sensor.pince_humidity"} {
		e := primaryEntity(id, strings.Split(strings.SplitN(id, ".", 2)[1], "_")[0], "")
		e.IsPrimary = false
		related = append(related, e)
	}

	f := New(values, nil, nil)
	out := f.Format(context.Background(), Input{
		Query:   "mi a helyzet otthon?",
		Related: related,
		ConvCtx: convCtx,
		Scope:   &datatypes.ScopeDecision{Scope: datatypes.ScopeOverview, OptimalK: 45},
	})

	if out.Strategy != StrategyTLDR {
		t.Fatalf("strategy = %s, want tldr", out.Strategy)
	}
	if !strings.Contains(out.Content, "TL;DR: ") {
		t.Errorf("TL;DR line missing:\n%s", out.Content)
	}
	if !strings.Contains(out.Content, "kert(2)") {
		t.Errorf("area counts missing:\n%s", out.Content)
	}
}

func TestFormatterHintOverride(t *testing.T) {
	scope := &datatypes.ScopeDecision{
		Scope:         datatypes.ScopeMacro,
		OptimalK:      22,
		FormatterHint: "grouped_by_area",
	}
	// Even with zero areas the hint wins.
	if got := SelectStrategy(scope, 3, 0, false, false); got != StrategyGroupedByArea {
		t.Errorf("strategy = %s, want hint override", got)
	}
}

func TestSelectStrategyTable(t *testing.T) {
	macro := &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, OptimalK: 22}
	micro := &datatypes.ScopeDecision{Scope: datatypes.ScopeMicro, OptimalK: 8}
	overview := &datatypes.ScopeDecision{Scope: datatypes.ScopeOverview, OptimalK: 45}

	tests := []struct {
		name       string
		scope      *datatypes.ScopeDecision
		total      int
		areas      int
		isFollowUp bool
		hasMemory  bool
		want       Strategy
	}{
		{"two areas", macro, 4, 2, false, false, StrategyTLDR},
		{"busy overview", overview, 10, 0, false, false, StrategyTLDR},
		{"follow-up with memory", macro, 4, 0, true, true, StrategyHierarchical},
		{"single area", macro, 4, 1, false, false, StrategyGroupedByArea},
		{"micro", micro, 3, 0, false, false, StrategyCompact},
		{"large result", macro, 12, 0, false, false, StrategyCompact},
		{"default", macro, 4, 0, false, false, StrategyDetailed},
	}
	for _, tt := range tests {
		got := SelectStrategy(tt.scope, tt.total, tt.areas, tt.isFollowUp, tt.hasMemory)
		if got != tt.want {
			t.Errorf("%s: strategy = %s, want %s", tt.name, got, tt.want)
		}
	}
}

func TestFormatEmptyResultStillWellFormed(t *testing.T) {
	f := New(nil, nil, nil)
	got := f.Format(context.Background(), Input{
		Query:   "qwerty 12345",
		ConvCtx: datatypes.NewConversationContext(),
		Scope:   &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, OptimalK: 12},
	})
	if !strings.HasPrefix(got.Content, personaLine) {
		t.Error("persona line missing on empty result")
	}
	if !strings.Contains(got.Content, noEntitiesLine) {
		t.Errorf("no-entities line missing:\n%s", got.Content)
	}
	if strings.Contains(got.Content, "Relevant entities:") {
		t.Error("trailer must be omitted with no entities")
	}
}

func TestFormatUnavailableValue(t *testing.T) {
	values := newValueTable() // no states registered
	f := New(values, nil, nil)
	convCtx := datatypes.NewConversationContext()

	got := f.Format(context.Background(), Input{
		Query:   "hány fok van?",
		Primary: []datatypes.ScoredEntity{primaryEntity("sensor.kert_temperature", "kert", "temperature")},
		ConvCtx: convCtx,
		Scope:   &datatypes.ScopeDecision{Scope: datatypes.ScopeMicro, OptimalK: 20},
	})
	if !strings.Contains(got.Content, "ismeretlen") {
		t.Errorf("unavailable value not rendered as ismeretlen:\n%s", got.Content)
	}
}

func TestCleanName(t *testing.T) {
	tests := []struct {
		entity datatypes.Entity
		want   string
	}{
		{datatypes.Entity{EntityID: "sensor.kert_temperature"}, "hőmérséklet"},
		{datatypes.Entity{EntityID: "sensor.kert_humidity"}, "páratartalom"},
		{datatypes.Entity{EntityID: "sensor.pince_pressure"}, "légnyomás"},
		{datatypes.Entity{EntityID: "sensor.konyha_power"}, "energiafogyasztás"},
		{datatypes.Entity{EntityID: "sensor.kert_humidity", FriendlyName: "Humidity"}, "páratartalom"},
		{datatypes.Entity{EntityID: "sensor.kert_humidity", FriendlyName: "Kerti páraszenzor"}, "Kerti páraszenzor"},
		{datatypes.Entity{EntityID: "light.nappali_fo_lampa"}, "nappali fo lampa"},
	}
	for _, tt := range tests {
		if got := cleanName(&tt.entity); got != tt.want {
			t.Errorf("cleanName(%s/%q) = %q, want %q", tt.entity.EntityID, tt.entity.FriendlyName, got, tt.want)
		}
	}
}

// fakeManuals returns canned excerpts.
type fakeManuals struct {
	docs []datatypes.ManualDoc
}

func (f *fakeManuals) ManualDocsForDevice(ctx context.Context, deviceID, query string, limit int) ([]datatypes.ManualDoc, error) {
	return f.docs, nil
}

func TestFormatManualHints(t *testing.T) {
	values := newValueTable()
	manuals := &fakeManuals{docs: []datatypes.ManualDoc{
		{DocumentID: "doc1", Text: "A szenzor kalibrálásához tartsa nyomva a gombot 5 másodpercig.", Score: 0.9},
	}}
	f := New(values, manuals, nil)

	primary := primaryEntity("sensor.kert_humidity", "kert", "humidity")
	primary.DeviceID = "dev42"
	convCtx := datatypes.NewConversationContext()
	convCtx.AreasMentioned.Add("kert")

	got := f.Format(context.Background(), Input{
		Query:   "Mekkora a nedvesség a kertben?",
		Primary: []datatypes.ScoredEntity{primary},
		ConvCtx: convCtx,
		Scope:   &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, OptimalK: 22},
	})
	if !strings.Contains(got.Content, "Kézikönyv:") {
		t.Errorf("manual hint section missing:\n%s", got.Content)
	}
	if !strings.Contains(got.Content, "kalibrálásához") {
		t.Errorf("manual text missing:\n%s", got.Content)
	}
}
