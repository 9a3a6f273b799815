package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/llmgw"
)

// blockingLLM lets the test hold a call open, then replies.
type blockingLLM struct {
	mu      sync.Mutex
	calls   int
	release chan struct{}
	reply   string
	err     error
}

func (b *blockingLLM) Generate(ctx context.Context, prompt string, params llmgw.GenerationParams) (string, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	if b.release != nil {
		select {
		case <-b.release:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return b.reply, b.err
}

func (b *blockingLLM) callCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func testEnricherConfig() EnricherConfig {
	return EnricherConfig{
		QueueSize:          4,
		Workers:            2,
		Deadline:           time.Second,
		FallbackConfidence: 0.3,
	}
}

func waitForSummary(t *testing.T, store *Store, session string) *datatypes.EnrichedContext {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		summary, err := store.GetSummary(context.Background(), session)
		if err != nil {
			t.Fatal(err)
		}
		if summary != nil {
			return summary
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no summary cached before deadline")
	return nil
}

func TestEnricherCachesLLMOutput(t *testing.T) {
	store := newTestStore(t)
	llm := &blockingLLM{reply: "```json\n{\"detected_domains\":[\"sensor\"],\"mentioned_areas\":[\"kert\"],\"confidence\":0.8}\n```"}
	e := NewEnricher(llm, store, testEnricherConfig())
	e.Start()
	defer e.Stop()

	ok := e.Enqueue(EnrichTask{SessionID: "sess1", Query: "nedvesség a kertben"})
	if !ok {
		t.Fatal("enqueue refused")
	}

	summary := waitForSummary(t, store, "sess1")
	if summary.Confidence != 0.8 {
		t.Errorf("confidence = %f, want the model's 0.8", summary.Confidence)
	}
	if len(summary.MentionedAreas) != 1 || summary.MentionedAreas[0] != "kert" {
		t.Errorf("areas = %v", summary.MentionedAreas)
	}
}

func TestEnricherFallsBackToQuickAnalysis(t *testing.T) {
	store := newTestStore(t)
	llm := &blockingLLM{err: errors.New("gateway down")}
	e := NewEnricher(llm, store, testEnricherConfig())
	e.Start()
	defer e.Stop()

	e.Enqueue(EnrichTask{
		SessionID: "sess1",
		Query:     "nedvesség a kertben",
		Quick: &datatypes.QuickAnalysis{
			DetectedDomains: []string{"sensor"},
			DetectedAreas:   []string{"kert"},
			QueryType:       datatypes.QueryStatusCheck,
		},
	})

	summary := waitForSummary(t, store, "sess1")
	if summary.Confidence != 0.3 {
		t.Errorf("fallback confidence = %f, want 0.3", summary.Confidence)
	}
	if len(summary.DetectedDomains) != 1 || summary.DetectedDomains[0] != "sensor" {
		t.Errorf("fallback domains = %v", summary.DetectedDomains)
	}
}

func TestEnricherCoalescesPerSession(t *testing.T) {
	store := newTestStore(t)
	llm := &blockingLLM{release: make(chan struct{}), reply: "{}"}
	e := NewEnricher(llm, store, testEnricherConfig())
	e.Start()
	defer e.Stop()

	if !e.Enqueue(EnrichTask{SessionID: "sess1", Query: "first"}) {
		t.Fatal("first enqueue refused")
	}
	// Give the worker time to pick it up and block inside the LLM call.
	time.Sleep(50 * time.Millisecond)

	if e.Enqueue(EnrichTask{SessionID: "sess1", Query: "second"}) {
		t.Error("second task for an in-flight session must be dropped")
	}
	close(llm.release)

	waitForSummary(t, store, "sess1")
	if llm.callCount() != 1 {
		t.Errorf("llm calls = %d, want 1", llm.callCount())
	}
}

func TestEnricherDropsOnFullQueue(t *testing.T) {
	store := newTestStore(t)
	llm := &blockingLLM{release: make(chan struct{}), reply: "{}"}
	cfg := testEnricherConfig()
	cfg.QueueSize = 1
	cfg.Workers = 1
	e := NewEnricher(llm, store, cfg)
	e.Start()
	defer e.Stop()
	defer close(llm.release)

	// First task occupies the worker, second fills the queue slot.
	e.Enqueue(EnrichTask{SessionID: "a", Query: "q"})
	time.Sleep(50 * time.Millisecond)
	e.Enqueue(EnrichTask{SessionID: "b", Query: "q"})

	if e.Enqueue(EnrichTask{SessionID: "c", Query: "q"}) {
		t.Error("enqueue succeeded on a full queue")
	}
}

func TestEnricherIgnoresEmptySession(t *testing.T) {
	store := newTestStore(t)
	e := NewEnricher(nil, store, testEnricherConfig())
	if e.Enqueue(EnrichTask{Query: "q"}) {
		t.Error("task without a session id accepted")
	}
}
