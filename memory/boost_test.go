package memory

import (
	"context"
	"testing"

	"github.com/otthonlab/ragbridge/datatypes"
)

// seedMemory stores a session with a mention strong enough to push the
// humidity sensor over the synthetic-injection threshold.
func seedMemory(t *testing.T, store *Store) {
	t.Helper()
	err := store.Store(context.Background(), "sess1", []datatypes.ScoredEntity{
		candidate("sensor.kert_humidity", "kert", 0.9),
	}, []string{"kert"}, []string{"sensor"}, nil)
	if err != nil {
		t.Fatal(err)
	}
}

func TestBoostNeverLowersScore(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store)
	booster := NewBooster(store)

	candidates := []datatypes.ScoredEntity{
		{Entity: datatypes.Entity{EntityID: "sensor.kert_humidity", Domain: "sensor"}, Score: 0.6},
		{Entity: datatypes.Entity{EntityID: "light.nappali", Domain: "light"}, Score: 0.5},
	}
	got := booster.Apply(context.Background(), "sess1", candidates, nil)

	if got.Boosted != 1 {
		t.Fatalf("boosted = %d, want 1", got.Boosted)
	}
	boosted := got.Candidates[0]
	if !boosted.MemoryBoosted {
		t.Error("remembered candidate not flagged")
	}
	if boosted.Score < 0.6 {
		t.Errorf("boosted score = %f, must never drop below the retrieval score", boosted.Score)
	}
	if got.Candidates[1].MemoryBoosted {
		t.Error("unremembered candidate flagged as boosted")
	}
	if got.Candidates[1].Score != 0.5 {
		t.Errorf("unremembered score changed: %f", got.Candidates[1].Score)
	}
}

func TestBoostInjectsSyntheticCandidate(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store)
	booster := NewBooster(store)

	// The strongly remembered sensor is absent from retrieval output.
	candidates := []datatypes.ScoredEntity{
		{Entity: datatypes.Entity{EntityID: "light.nappali", Domain: "light"}, Score: 0.5},
	}
	got := booster.Apply(context.Background(), "sess1", candidates, nil)

	if got.Injected != 1 {
		t.Fatalf("injected = %d, want 1", got.Injected)
	}
	injected := got.Candidates[len(got.Candidates)-1]
	if injected.EntityID != "sensor.kert_humidity" {
		t.Errorf("injected = %s", injected.EntityID)
	}
	if !injected.SyntheticFromMemory {
		t.Error("synthetic candidate not marked")
	}
	if injected.State != "unknown" {
		t.Errorf("synthetic state = %q, want unknown", injected.State)
	}
	if injected.Area != "kert" || injected.Domain != "sensor" {
		t.Errorf("synthetic metadata = %s/%s", injected.Area, injected.Domain)
	}
}

func TestBoostWidensConversationContext(t *testing.T) {
	store := newTestStore(t)
	seedMemory(t, store)
	booster := NewBooster(store)

	convCtx := datatypes.NewConversationContext()
	booster.Apply(context.Background(), "sess1", nil, convCtx)

	if !convCtx.AreasMentioned.Has("kert") {
		t.Errorf("areas not widened: %v", convCtx.AreasMentioned.Values())
	}
	if !convCtx.DomainsMentioned.Has("sensor") {
		t.Errorf("domains not widened: %v", convCtx.DomainsMentioned.Values())
	}
}

func TestBoostEmptySessionIsNoOp(t *testing.T) {
	store := newTestStore(t)
	booster := NewBooster(store)

	candidates := []datatypes.ScoredEntity{
		{Entity: datatypes.Entity{EntityID: "light.nappali"}, Score: 0.5},
	}
	got := booster.Apply(context.Background(), "fresh", candidates, nil)
	if got.Boosted != 0 || got.Injected != 0 || got.MemoryEntities != 0 {
		t.Errorf("fresh session changed candidates: %+v", got)
	}
}
