// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/llmgw"
)

// EnrichTask is one background enrichment request.
type EnrichTask struct {
	SessionID string
	Query     string
	History   []datatypes.Message

	// TopEntities are the turn's best candidates (typically the top 10),
	// given to the model as grounding.
	TopEntities []datatypes.ScoredEntity

	// Quick is the synchronous analysis, used for the fallback context.
	Quick *datatypes.QuickAnalysis
}

// EnricherConfig tunes the background enricher.
type EnricherConfig struct {
	// QueueSize bounds the task queue; a full queue drops new tasks.
	// Default 32.
	QueueSize int

	// Workers is the number of consumer goroutines. Default 2.
	Workers int

	// Deadline bounds one LLM call. Default 2500ms.
	Deadline time.Duration

	// FallbackConfidence is assigned to contexts synthesized from the
	// quick analysis after an LLM failure. Default 0.3.
	FallbackConfidence float64
}

// DefaultEnricherConfig loads enricher settings from the environment.
//
// Values can be overridden via environment variables:
//   - ENRICHER_QUEUE_SIZE (default: 32)
//   - ENRICHER_WORKERS (default: 2)
//   - ENRICHER_DEADLINE_MS (default: 2500)
func DefaultEnricherConfig() EnricherConfig {
	return EnricherConfig{
		QueueSize:          getEnvInt("ENRICHER_QUEUE_SIZE", 32),
		Workers:            getEnvInt("ENRICHER_WORKERS", 2),
		Deadline:           time.Duration(getEnvInt("ENRICHER_DEADLINE_MS", 2500)) * time.Millisecond,
		FallbackConfidence: 0.3,
	}
}

// Enricher asynchronously distills a session's recent turns into an
// EnrichedContext and caches it in the memory store.
//
// # Description
//
// The main workflow never waits on the enricher; it enqueues after
// responding and reads whatever summary the previous turn produced.
// Per-session coalescing: while a session's task is in flight, new tasks
// for the same session are dropped (the in-flight run already sees the
// session's latest memory). A full queue also drops, with a warning; an
// enrichment miss only costs context quality on the next turn.
//
// # Thread Safety
//
// Enqueue is safe from any goroutine. Start and Stop must come from the
// owner; Stop waits for workers to drain.
type Enricher struct {
	llm   llmgw.Client
	store *Store
	cfg   EnricherConfig

	queue chan EnrichTask
	done  chan struct{}
	wg    sync.WaitGroup

	group    singleflight.Group
	mu       sync.Mutex
	inFlight map[string]struct{}
}

// NewEnricher builds an enricher; call Start before enqueueing.
func NewEnricher(llm llmgw.Client, store *Store, cfg EnricherConfig) *Enricher {
	return &Enricher{
		llm:      llm,
		store:    store,
		cfg:      cfg,
		queue:    make(chan EnrichTask, cfg.QueueSize),
		done:     make(chan struct{}),
		inFlight: make(map[string]struct{}),
	}
}

// Start launches the worker goroutines.
func (e *Enricher) Start() {
	for i := 0; i < e.cfg.Workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop drains the workers. Queued tasks that have not started are
// abandoned.
func (e *Enricher) Stop() {
	close(e.done)
	e.wg.Wait()
}

// Enqueue submits a task without blocking. Returns false when the task was
// dropped (full queue or a task for the session already in flight).
func (e *Enricher) Enqueue(task EnrichTask) bool {
	if task.SessionID == "" {
		return false
	}

	e.mu.Lock()
	if _, busy := e.inFlight[task.SessionID]; busy {
		e.mu.Unlock()
		slog.Debug("Enrichment coalesced, session already in flight", "session", task.SessionID)
		return false
	}
	e.inFlight[task.SessionID] = struct{}{}
	e.mu.Unlock()

	select {
	case e.queue <- task:
		return true
	default:
		e.release(task.SessionID)
		slog.Warn("Enrichment queue full, dropping task", "session", task.SessionID)
		return false
	}
}

// QueueDepth reports the current queue backlog, for metrics.
func (e *Enricher) QueueDepth() int {
	return len(e.queue)
}

func (e *Enricher) release(sessionID string) {
	e.mu.Lock()
	delete(e.inFlight, sessionID)
	e.mu.Unlock()
}

func (e *Enricher) worker() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case task := <-e.queue:
			e.process(task)
		}
	}
}

func (e *Enricher) process(task EnrichTask) {
	defer e.release(task.SessionID)

	// singleflight backstops the in-flight map across worker races.
	_, _, _ = e.group.Do(task.SessionID, func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.Deadline)
		defer cancel()

		ctx, span := tracer.Start(ctx, "memory.enrich")
		defer span.End()

		enriched, err := e.enrich(ctx, task)
		if err != nil {
			slog.Info("Enrichment fell back to quick analysis",
				"session", task.SessionID, "error", err)
			enriched = e.fallback(task)
		}
		if enriched == nil {
			return nil, nil
		}
		if err := e.store.StoreSummary(ctx, task.SessionID, enriched); err != nil {
			slog.Warn("Failed to cache enriched context", "error", err, "session", task.SessionID)
		}
		return nil, nil
	})
}

// enrich runs the LLM call and parses its JSON answer.
func (e *Enricher) enrich(ctx context.Context, task EnrichTask) (*datatypes.EnrichedContext, error) {
	if e.llm == nil {
		return nil, fmt.Errorf("no llm client configured")
	}

	raw, err := e.llm.Generate(ctx, buildEnrichPrompt(task), llmgw.GenerationParams{
		Temperature: llmgw.Float32(0.1),
		MaxTokens:   llmgw.Int(512),
	})
	if err != nil {
		return nil, fmt.Errorf("enrichment call failed: %w", err)
	}

	var enriched datatypes.EnrichedContext
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &enriched); err != nil {
		return nil, fmt.Errorf("unparseable enrichment output: %w", err)
	}
	enriched.Timestamp = time.Now()
	if enriched.Confidence == 0 {
		enriched.Confidence = 0.7
	}
	return &enriched, nil
}

// fallback synthesizes a context from the synchronous quick analysis.
func (e *Enricher) fallback(task EnrichTask) *datatypes.EnrichedContext {
	if task.Quick == nil {
		return nil
	}
	return &datatypes.EnrichedContext{
		DetectedDomains: task.Quick.DetectedDomains,
		MentionedAreas:  task.Quick.DetectedAreas,
		IntentChain:     []string{string(task.Quick.QueryType)},
		Timestamp:       time.Now(),
		Confidence:      e.cfg.FallbackConfidence,
	}
}

// buildEnrichPrompt renders the structured instruction for the model.
func buildEnrichPrompt(task EnrichTask) string {
	var b strings.Builder
	b.WriteString("You analyze a Hungarian smart-home conversation and produce a JSON context summary.\n")
	b.WriteString("Return ONLY a JSON object with these fields: detected_domains, mentioned_areas, ")
	b.WriteString("entity_relationships, intent_chain, semantic_context, user_patterns, ")
	b.WriteString("expected_followups, entity_boost_weights, suggested_clusters, confidence.\n\n")

	if len(task.History) > 0 {
		b.WriteString("Conversation:\n")
		start := 0
		if len(task.History) > 6 {
			start = len(task.History) - 6
		}
		for _, msg := range task.History[start:] {
			b.WriteString(strings.ToUpper(msg.Role))
			b.WriteString(": ")
			b.WriteString(msg.Content)
			b.WriteString("\n")
		}
	}
	b.WriteString("Current query: ")
	b.WriteString(task.Query)
	b.WriteString("\n")

	if len(task.TopEntities) > 0 {
		b.WriteString("Retrieved entities:\n")
		limit := len(task.TopEntities)
		if limit > 10 {
			limit = 10
		}
		for _, cand := range task.TopEntities[:limit] {
			b.WriteString("- ")
			b.WriteString(cand.EntityID)
			if cand.Area != "" {
				b.WriteString(" (")
				b.WriteString(cand.Area)
				b.WriteString(")")
			}
			b.WriteString("\n")
		}
	}
	b.WriteString("\nJSON:")
	return b.String()
}

// stripCodeFence removes a surrounding markdown code fence, if present.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
