package conversation

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/llmgw"
)

// fakeLLM returns a canned reply or error.
type fakeLLM struct {
	reply string
	err   error
	calls int
}

func (f *fakeLLM) Generate(ctx context.Context, prompt string, params llmgw.GenerationParams) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func ruleOnlyRewriter() *Rewriter {
	cfg := DefaultRewriterConfig()
	cfg.UseLLM = false
	return NewRewriter(nil, newTestTables(), cfg)
}

var followUpHistory = []datatypes.Message{
	{Role: "user", Content: "Hány fok van a nappaliban?"},
	{Role: "assistant", Content: "A nappaliban 22.5 fok van."},
}

func TestRewriteEmptyHistoryIsIdentity(t *testing.T) {
	r := ruleOnlyRewriter()
	got := r.Rewrite(context.Background(), "És a kertben?", nil)

	if got.Method != datatypes.RewriteNotNeeded {
		t.Errorf("method = %s, want no_rewrite_needed", got.Method)
	}
	if got.Rewritten != got.Original {
		t.Errorf("rewritten = %q, want original %q", got.Rewritten, got.Original)
	}
	if got.Confidence != 1.0 {
		t.Errorf("confidence = %f, want 1.0", got.Confidence)
	}
}

func TestRewriteStandaloneNotNeeded(t *testing.T) {
	r := ruleOnlyRewriter()
	got := r.Rewrite(context.Background(), "Mekkora a nedvesség a kertben?", followUpHistory)
	if got.Method != datatypes.RewriteNotNeeded {
		t.Errorf("method = %s, want no_rewrite_needed for a standalone query", got.Method)
	}
}

func TestRewriteRuleBasedFollowUp(t *testing.T) {
	r := ruleOnlyRewriter()
	got := r.Rewrite(context.Background(), "És a kertben?", followUpHistory)

	if got.Method != datatypes.RewriteRuleBased {
		t.Fatalf("method = %s, want rule_based", got.Method)
	}
	if !strings.Contains(got.Rewritten, "kert") {
		t.Errorf("rewritten = %q, want it to contain kert", got.Rewritten)
	}
	if !strings.Contains(got.Rewritten, "hány fok van") {
		t.Errorf("rewritten = %q, want inherited temperature intent", got.Rewritten)
	}
	if got.Confidence != 0.6 {
		t.Errorf("confidence = %f, want 0.6", got.Confidence)
	}
	if !got.IntentInherited {
		t.Error("IntentInherited not set on rule path")
	}
}

func TestRewritePronoun(t *testing.T) {
	r := ruleOnlyRewriter()
	got := r.Rewrite(context.Background(), "ott", followUpHistory)
	if got.Method != datatypes.RewriteRuleBased {
		t.Fatalf("method = %s, want rule_based", got.Method)
	}
	if got.Rewritten != "hány fok van" {
		t.Errorf("rewritten = %q, want %q", got.Rewritten, "hány fok van")
	}
}

func TestRewriteLLMPath(t *testing.T) {
	llm := &fakeLLM{reply: `"Hány fok van a kertben?"`}
	r := NewRewriter(llm, newTestTables(), DefaultRewriterConfig())

	got := r.Rewrite(context.Background(), "És a kertben?", followUpHistory)
	if got.Method != datatypes.RewriteLLM {
		t.Fatalf("method = %s, want llm", got.Method)
	}
	if got.Rewritten != "Hány fok van a kertben?" {
		t.Errorf("rewritten = %q, want quotes stripped", got.Rewritten)
	}
	if got.Confidence != 0.85 {
		t.Errorf("confidence = %f, want 0.85", got.Confidence)
	}
}

func TestRewriteLLMFailureFallsBackToRules(t *testing.T) {
	llm := &fakeLLM{err: errors.New("deadline exceeded")}
	r := NewRewriter(llm, newTestTables(), DefaultRewriterConfig())

	got := r.Rewrite(context.Background(), "És a kertben?", followUpHistory)
	if got.Method != datatypes.RewriteRuleBased {
		t.Errorf("method = %s, want rule_based fallback", got.Method)
	}
	if llm.calls != 1 {
		t.Errorf("llm calls = %d, want 1", llm.calls)
	}
}

func TestRewriteDisabled(t *testing.T) {
	cfg := DefaultRewriterConfig()
	cfg.Enabled = false
	r := NewRewriter(nil, newTestTables(), cfg)

	got := r.Rewrite(context.Background(), "És a kertben?", followUpHistory)
	if got.Method != datatypes.RewriteDisabled || got.Confidence != 0.0 {
		t.Errorf("got (%s, %f), want (disabled, 0.0)", got.Method, got.Confidence)
	}
	if got.Rewritten != got.Original {
		t.Error("disabled rewriter must keep the original")
	}
}

func TestRewriteAcknowledgementStopList(t *testing.T) {
	r := ruleOnlyRewriter()
	for _, ack := range []string{"igen", "Köszönöm!", "ok"} {
		got := r.Rewrite(context.Background(), ack, followUpHistory)
		if got.Method != datatypes.RewriteNotNeeded {
			t.Errorf("Rewrite(%q).Method = %s, want no_rewrite_needed", ack, got.Method)
		}
	}
}

func TestRewriteDeadlineHonored(t *testing.T) {
	slow := &slowLLM{delay: 200 * time.Millisecond}
	cfg := DefaultRewriterConfig()
	cfg.Deadline = 20 * time.Millisecond
	r := NewRewriter(slow, newTestTables(), cfg)

	start := time.Now()
	got := r.Rewrite(context.Background(), "És a kertben?", followUpHistory)
	if elapsed := time.Since(start); elapsed > 150*time.Millisecond {
		t.Errorf("rewrite took %v, deadline not enforced", elapsed)
	}
	if got.Method != datatypes.RewriteRuleBased {
		t.Errorf("method = %s, want rule_based after timeout", got.Method)
	}
}

// slowLLM blocks until the context expires.
type slowLLM struct {
	delay time.Duration
}

func (s *slowLLM) Generate(ctx context.Context, prompt string, params llmgw.GenerationParams) (string, error) {
	select {
	case <-time.After(s.delay):
		return "late", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
