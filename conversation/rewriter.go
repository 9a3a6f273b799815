// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/hungarian"
	"github.com/otthonlab/ragbridge/llmgw"
)

// ackStopList are short acknowledgements that must never be rewritten even
// though their token count would trigger the rewriter.
var ackStopList = map[string]struct{}{
	"igen": {}, "nem": {}, "ok": {}, "oké": {}, "jó": {}, "rendben": {},
	"köszönöm": {}, "köszi": {}, "thanks": {}, "thank you": {}, "yes": {}, "no": {},
}

// Rewriter turns a context-dependent utterance into a standalone query.
//
// # Description
//
// Two paths: an LLM few-shot rewrite under a hard deadline, and a
// rule-based fallback for the common Hungarian follow-up shapes. The
// rewriter never fails a request: every exit produces a RewriteResult
// whose Rewritten field is safe to retrieve with.
type Rewriter struct {
	llm    llmgw.Client
	tables *hungarian.Tables
	cfg    RewriterConfig
}

// NewRewriter builds a rewriter. llm may be nil (rule-based only).
func NewRewriter(llm llmgw.Client, tables *hungarian.Tables, cfg RewriterConfig) *Rewriter {
	return &Rewriter{llm: llm, tables: tables, cfg: cfg}
}

// Rewrite resolves coreferences in current against history.
//
// # Description
//
// Rewrites only when history is non-empty and the utterance either looks
// like a follow-up or is three tokens or fewer. Confidence encodes the
// path taken: 0.85 LLM, 0.6 rule-based, 1.0 when no rewrite was needed,
// 0.0 on error or when disabled.
func (r *Rewriter) Rewrite(ctx context.Context, current string, history []datatypes.Message) *datatypes.RewriteResult {
	start := time.Now()
	result := &datatypes.RewriteResult{
		Original:  current,
		Rewritten: current,
	}
	finish := func() *datatypes.RewriteResult {
		result.ProcessingTimeMs = float64(time.Since(start).Microseconds()) / 1000.0
		return result
	}

	if !r.cfg.Enabled {
		result.Method = datatypes.RewriteDisabled
		result.Confidence = 0.0
		return finish()
	}
	if !r.needsRewrite(current, history) {
		result.Method = datatypes.RewriteNotNeeded
		result.Confidence = 1.0
		return finish()
	}

	if r.llm != nil && r.cfg.UseLLM {
		if rewritten, err := r.rewriteLLM(ctx, current, history); err == nil {
			result.Rewritten = rewritten
			result.Method = datatypes.RewriteLLM
			result.Confidence = 0.85
			result.CoreferencesResolved = diffTokens(current, rewritten)
			return finish()
		} else {
			slog.Warn("LLM rewrite failed, falling back to rules", "error", err)
		}
	}

	if rewritten, ok := r.rewriteRules(ctx, current, history); ok {
		result.Rewritten = rewritten
		result.Method = datatypes.RewriteRuleBased
		result.Confidence = 0.6
		result.IntentInherited = true
		result.CoreferencesResolved = diffTokens(current, rewritten)
		return finish()
	}

	result.Method = datatypes.RewriteError
	result.Confidence = 0.0
	return finish()
}

// needsRewrite applies the trigger: non-empty history AND (follow-up
// pattern OR at most three tokens), minus the acknowledgement stop list.
func (r *Rewriter) needsRewrite(current string, history []datatypes.Message) bool {
	if len(history) == 0 {
		return false
	}
	normalized := strings.ToLower(strings.TrimRight(strings.TrimSpace(current), "?!."))
	if _, stop := ackStopList[normalized]; stop {
		return false
	}
	return r.tables.IsFollowUp(current) || hungarian.TokenCount(current) <= 3
}

// rewriteLLM runs the few-shot prompt under the configured deadline.
func (r *Rewriter) rewriteLLM(ctx context.Context, current string, history []datatypes.Message) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.Deadline)
	defer cancel()

	prompt := r.buildPrompt(current, history)
	raw, err := r.llm.Generate(ctx, prompt, llmgw.GenerationParams{
		Temperature: llmgw.Float32(0.1),
		MaxTokens:   llmgw.Int(96),
	})
	if err != nil {
		return "", err
	}

	rewritten := cleanLLMOutput(raw)
	if rewritten == "" {
		return "", fmt.Errorf("LLM rewrite produced empty output")
	}
	return rewritten, nil
}

// buildPrompt assembles the few-shot rewrite instruction with the last
// MaxHistoryTurns turns.
func (r *Rewriter) buildPrompt(current string, history []datatypes.Message) string {
	var b strings.Builder
	b.WriteString("Rewrite the user's last message into a standalone smart-home query. ")
	b.WriteString("Resolve pronouns and elliptical references from the conversation. ")
	b.WriteString("Answer with the rewritten query only, in the user's language.\n\n")
	b.WriteString("Example:\n")
	b.WriteString("USER: Hány fok van a nappaliban?\nASSISTANT: A nappaliban 22.5 fok van.\n")
	b.WriteString("USER: És a kertben?\nRewritten: Hány fok van a kertben?\n\n")
	b.WriteString("Conversation:\n")

	start := len(history) - r.cfg.MaxHistoryTurns
	if start < 0 {
		start = 0
	}
	for _, msg := range history[start:] {
		role := "USER"
		if msg.Role == "assistant" {
			role = "ASSISTANT"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, msg.Content)
	}
	fmt.Fprintf(&b, "USER: %s\nRewritten:", current)
	return b.String()
}

// cleanLLMOutput strips quotes and labels and keeps the first real line.
func cleanLLMOutput(raw string) string {
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		line = strings.Trim(line, `"'`)
		for _, label := range []string{"Rewritten:", "Query:", "Rewrite:"} {
			line = strings.TrimSpace(strings.TrimPrefix(line, label))
		}
		if line != "" {
			return line
		}
	}
	return ""
}

// rewriteRules applies the rule-based follow-up shapes against the intent
// phrase inferred from the last user turn.
func (r *Rewriter) rewriteRules(ctx context.Context, current string, history []datatypes.Message) (string, bool) {
	prevIntent := r.previousIntent(ctx, history)
	if prevIntent == "" {
		return "", false
	}

	lower := strings.ToLower(strings.TrimSpace(current))
	lower = strings.TrimRight(lower, "?!.")

	// "és a <AREA>" / "és az <AREA>" -> "<intent> a <AREA>"
	for _, prefix := range []string{"és az ", "és a ", "and the ", "what about ", "how about "} {
		if tail := strings.TrimPrefix(lower, prefix); tail != lower && tail != "" {
			tail = strings.TrimSuffix(strings.TrimSpace(tail), " is")
			return prevIntent + " a " + tail, true
		}
	}

	// Bare pronoun with a known previous intent.
	switch lower {
	case "ott", "itt", "és ott", "there", "here":
		return prevIntent, true
	}

	// Trailing "is": "a kertben is" -> "<intent> a kertben".
	if tail := strings.TrimSuffix(lower, " is"); tail != lower && tail != "" {
		return prevIntent + " " + strings.TrimSpace(tail), true
	}

	return "", false
}

// previousIntent derives the intent phrase from the last user turn by
// dropping its area mentions ("hány fok van a nappaliban" -> "hány fok van").
func (r *Rewriter) previousIntent(ctx context.Context, history []datatypes.Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role != "user" {
			continue
		}
		prev := strings.ToLower(strings.TrimSpace(history[i].Content))
		prev = strings.TrimRight(prev, "?!.")
		areas := r.tables.MatchAreas(ctx, prev)
		if len(areas) == 0 {
			return prev
		}
		// Cut at the first area mention; the head is the intent phrase.
		if idx := firstAreaIndex(prev, areas); idx > 0 {
			head := strings.TrimSpace(prev[:idx])
			head = strings.TrimSuffix(head, " a")
			head = strings.TrimSuffix(head, " az")
			if head != "" {
				return head
			}
		}
		return prev
	}
	return ""
}

// firstAreaIndex locates the earliest area-pattern hit in the utterance.
func firstAreaIndex(lower string, areas []string) int {
	first := -1
	for _, area := range areas {
		for _, pattern := range hungarian.AreaPatterns[area] {
			if idx := strings.Index(lower, pattern); idx >= 0 && (first < 0 || idx < first) {
				first = idx
			}
		}
	}
	return first
}

// diffTokens lists tokens present in rewritten but not in original, the
// best cheap approximation of "which references got resolved".
func diffTokens(original, rewritten string) []string {
	have := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(original)) {
		have[strings.Trim(tok, "?!.,")] = struct{}{}
	}
	var added []string
	for _, tok := range strings.Fields(strings.ToLower(rewritten)) {
		tok = strings.Trim(tok, "?!.,")
		if _, ok := have[tok]; !ok && tok != "" {
			added = append(added, tok)
		}
	}
	return added
}
