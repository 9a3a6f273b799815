// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package pipeline runs the retrieval workflow: a graph of named nodes
// over a typed State with conditional routing, retries, and fallbacks.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/observability"
)

var tracer = otel.Tracer("otthon.ragbridge.pipeline")

// Node names. These appear in stage traces and metrics.
const (
	nodeConversationAnalysis  = "conversation_analysis"
	nodeFallbackAnalysis      = "fallback_analysis"
	nodeScopeDetection        = "scope_detection"
	nodeRetryScopeDetection   = "retry_scope_detection"
	nodeFallbackScope         = "fallback_scope_detection"
	nodeEntityRetrieval       = "entity_retrieval"
	nodeRetryEntityRetrieval  = "retry_entity_retrieval"
	nodeFallbackRetrieval     = "fallback_entity_retrieval"
	nodeContinueWithoutMemory = "continue_without_memory"
	nodeContextFormatting     = "context_formatting"
	nodeRetryFormatting       = "retry_formatting"
	nodeEmergencyFormatting   = "emergency_formatting"
	nodeDiagnostics           = "diagnostics"
	nodeMemoryCleanup         = "memory_cleanup"
	nodeEnd                   = "end"
)

// maxTotalRetries is the global retry budget; exceeding it escapes to the
// matching fallback node.
const maxTotalRetries = 3

// maxK caps the retrieval width a retry can broaden to.
const maxK = 50

// minContextChars is the shortest formatted context accepted as usable.
const minContextChars = 50

// maxSteps guards the routing loop against cycles.
const maxSteps = 24

// patch is a node's output, applied to the live state by the engine.
type patch func(*State)

// nodeFunc is one workflow node. It receives a snapshot of the state and
// returns a patch; nodes never mutate the snapshot's pointers beyond the
// documented ConvCtx widening.
type nodeFunc func(ctx context.Context, s State) patch

// Request is the pipeline's per-turn input.
type Request struct {
	Query          string
	SessionID      string
	ConversationID string
	History        []datatypes.Message
	Debug          bool
}

// Pipeline wires the workflow nodes over their collaborators.
//
// # Thread Safety
//
// Safe for concurrent Run calls; all per-request state lives on the
// State record.
type Pipeline struct {
	quick     QuickAnalyzer
	analyzer  Analyzer
	rewriter  Rewriter
	scope     ScopeDetector
	retriever Retriever
	booster   MemoryBooster
	memory    SessionMemory
	reranker  Reranker
	formatter ContextFormatter
	enricher  EnrichQueue
	trace     *Tracer

	nodes map[string]nodeFunc
}

// Deps carries the pipeline's collaborators. Memory, Booster, and
// Enricher may be nil; the pipeline then runs memory-free.
type Deps struct {
	Quick     QuickAnalyzer
	Analyzer  Analyzer
	Rewriter  Rewriter
	Scope     ScopeDetector
	Retriever Retriever
	Booster   MemoryBooster
	Memory    SessionMemory
	Reranker  Reranker
	Formatter ContextFormatter
	Enricher  EnrichQueue
	Tracer    *Tracer
}

// New wires the pipeline and registers its node set.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		quick:     deps.Quick,
		analyzer:  deps.Analyzer,
		rewriter:  deps.Rewriter,
		scope:     deps.Scope,
		retriever: deps.Retriever,
		booster:   deps.Booster,
		memory:    deps.Memory,
		reranker:  deps.Reranker,
		formatter: deps.Formatter,
		enricher:  deps.Enricher,
		trace:     deps.Tracer,
	}
	if p.trace == nil {
		p.trace = NewTracer()
	}
	p.nodes = map[string]nodeFunc{
		nodeConversationAnalysis:  p.conversationAnalysis,
		nodeFallbackAnalysis:      p.fallbackAnalysis,
		nodeScopeDetection:        p.scopeDetection,
		nodeRetryScopeDetection:   p.retryScopeDetection,
		nodeFallbackScope:         p.fallbackScopeDetection,
		nodeEntityRetrieval:       p.entityRetrieval,
		nodeRetryEntityRetrieval:  p.retryEntityRetrieval,
		nodeFallbackRetrieval:     p.fallbackEntityRetrieval,
		nodeContinueWithoutMemory: p.continueWithoutMemory,
		nodeContextFormatting:     p.contextFormatting,
		nodeRetryFormatting:       p.retryFormatting,
		nodeEmergencyFormatting:   p.emergencyFormatting,
		nodeDiagnostics:           p.diagnostics,
		nodeMemoryCleanup:         p.memoryCleanup,
	}
	return p
}

// Tracer exposes the stage-trace store for the trace-inspection handler.
func (p *Pipeline) Tracer() *Tracer { return p.trace }

// Run executes the workflow for one request and returns the final state.
//
// # Description
//
// Nodes run sequentially along the routed path; each node's patch is
// merged before the next node starts. After the terminal node the turn
// is persisted to session memory and an enrichment task is enqueued, so
// background enrichment can never influence the turn that spawned it.
func (p *Pipeline) Run(ctx context.Context, req Request) *State {
	ctx, span := tracer.Start(ctx, "pipeline.Run")
	defer span.End()

	start := time.Now()
	s := &State{
		UserQuery:      req.Query,
		SessionID:      req.SessionID,
		ConversationID: req.ConversationID,
		History:        req.History,
		Debug:          req.Debug,
		RewrittenQuery: req.Query,
		TraceID:        uuid.NewString(),
	}
	span.SetAttributes(attribute.String("trace_id", s.TraceID))

	current := nodeConversationAnalysis
	for step := 0; current != nodeEnd; step++ {
		if step >= maxSteps {
			slog.Error("Pipeline routing exceeded step budget", "trace_id", s.TraceID, "node", current)
			break
		}
		p.exec(ctx, s, current)
		current = p.next(ctx, s, current)
	}

	p.finishTurn(ctx, s)
	observability.RequestDuration.Observe(time.Since(start).Seconds())
	return s
}

// exec runs one node with panic recovery and records its stage event.
func (p *Pipeline) exec(ctx context.Context, s *State, name string) {
	fn, ok := p.nodes[name]
	if !ok {
		s.addError(fmt.Errorf("unknown pipeline node %q", name))
		return
	}

	started := time.Now()
	inCount := len(s.Retrieved)

	var pt patch
	func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("Pipeline node panicked", "node", name, "trace_id", s.TraceID, "panic", r)
				pt = func(st *State) {
					st.addError(wrapNodeFailure(name, fmt.Errorf("panic: %v", r)))
				}
			}
		}()
		pt = fn(ctx, *s)
	}()
	if pt != nil {
		pt(s)
	}

	duration := time.Since(started)
	stage := datatypes.PipelineStage{
		Name:       name,
		Type:       nodeKind(name),
		InCount:    inCount,
		OutCount:   stageOutCount(s, name),
		DurationMs: float64(duration.Microseconds()) / 1000.0,
		Payload:    stagePayload(s, name),
		StartedAt:  started,
	}
	s.Stages = append(s.Stages, stage)
	p.trace.Record(s.TraceID, stage)
	observability.StageDuration.WithLabelValues(name).Observe(duration.Seconds())
}

// next applies the routing rules after the given node.
func (p *Pipeline) next(ctx context.Context, s *State, last string) string {
	switch last {
	case nodeConversationAnalysis:
		if s.ConvCtx != nil && s.ConvCtx.Confidence >= 0.5 {
			return nodeScopeDetection
		}
		return nodeFallbackAnalysis

	case nodeFallbackAnalysis:
		return nodeScopeDetection

	case nodeScopeDetection, nodeRetryScopeDetection:
		return p.routeAfterScope(s)

	case nodeFallbackScope:
		return nodeEntityRetrieval

	case nodeEntityRetrieval, nodeRetryEntityRetrieval:
		return p.routeAfterRetrieval(s)

	case nodeFallbackRetrieval, nodeContinueWithoutMemory:
		return nodeContextFormatting

	case nodeContextFormatting, nodeRetryFormatting:
		return p.routeAfterFormatting(s)

	case nodeEmergencyFormatting:
		return nodeDiagnostics

	case nodeDiagnostics:
		if p.wantsCleanup(ctx, s) {
			return nodeMemoryCleanup
		}
		return nodeEnd

	case nodeMemoryCleanup:
		return nodeEnd
	}
	return nodeEnd
}

func (p *Pipeline) routeAfterScope(s *State) string {
	if s.Problematic {
		return nodeFallbackScope
	}
	if s.hasError(IsScopeError) {
		if s.RetryCount < 2 && s.RetryCount < maxTotalRetries {
			return nodeRetryScopeDetection
		}
		return nodeFallbackScope
	}
	if s.Scope == nil {
		return nodeFallbackScope
	}
	if s.Scope.Confidence < 0.5 && s.RetryCount < 1 {
		return nodeRetryScopeDetection
	}
	if s.Scope.Confidence < 0.3 {
		return nodeFallbackScope
	}
	return nodeEntityRetrieval
}

func (p *Pipeline) routeAfterRetrieval(s *State) string {
	if s.hasError(IsMemoryError) {
		return nodeContinueWithoutMemory
	}
	if s.hasError(IsRetrievalError) {
		if s.RetryCount < 2 && s.RetryCount < maxTotalRetries {
			return nodeRetryEntityRetrieval
		}
		return nodeFallbackRetrieval
	}
	if len(s.Retrieved) == 0 {
		if s.RetryCount < 1 {
			return nodeRetryEntityRetrieval
		}
		return nodeFallbackRetrieval
	}
	return nodeContextFormatting
}

func (p *Pipeline) routeAfterFormatting(s *State) string {
	if contextUsable(s) {
		return nodeDiagnostics
	}
	if s.RetryCount < 1 && s.RetryCount < maxTotalRetries {
		return nodeRetryFormatting
	}
	return nodeEmergencyFormatting
}

// contextUsable is the formatting acceptance check: long enough and
// produced by a known layout.
func contextUsable(s *State) bool {
	return len(s.FormattedContext) > minContextChars && knownStrategy(s.FormatterStrategy)
}

func knownStrategy(strategy string) bool {
	switch strategy {
	case "compact", "detailed", "grouped_by_area", "tldr", "hierarchical":
		return true
	}
	return false
}

// wantsCleanup decides the diagnostics → memory_cleanup branch: test
// sessions always clean up, real sessions every fifth query.
func (p *Pipeline) wantsCleanup(ctx context.Context, s *State) bool {
	if p.memory == nil || s.SessionID == "" {
		return false
	}
	if s.IsTestSession() {
		return true
	}
	if s.SkipMemory {
		return false
	}
	prior, err := p.memory.QueryCount(ctx, s.SessionID)
	if err != nil {
		return false
	}
	// This turn's write has not landed yet, so its ordinal is prior+1.
	return (prior+1)%5 == 0
}

// finishTurn persists the turn to session memory and hands the session to
// the background enricher. Runs after the terminal node so enrichment can
// never feed back into the turn being answered.
func (p *Pipeline) finishTurn(ctx context.Context, s *State) {
	if p.memory == nil || s.SessionID == "" || s.SkipMemory {
		return
	}

	top := s.Filtered
	if len(top) > 10 {
		top = top[:10]
	}
	var areas, domains []string
	if s.ConvCtx != nil {
		areas = s.ConvCtx.AreasMentioned.Values()
		domains = s.ConvCtx.DomainsMentioned.Values()
	}
	if err := p.memory.Store(ctx, s.SessionID, top, areas, domains, nil); err != nil {
		slog.Warn("Session memory write failed", "session", s.SessionID, "error", err)
	}

	if p.enricher == nil {
		return
	}
	accepted := p.enricher.Enqueue(memoryTask(s, top))
	if !accepted {
		observability.EnrichmentDropped.Inc()
	}
	observability.EnrichmentQueueDepth.Set(float64(p.enricher.QueueDepth()))
}

// wrapNodeFailure maps a node failure to its routing error category.
func wrapNodeFailure(name string, cause error) error {
	switch name {
	case nodeScopeDetection, nodeRetryScopeDetection, nodeFallbackScope:
		return &ScopeError{Reason: cause.Error()}
	case nodeEntityRetrieval, nodeRetryEntityRetrieval, nodeFallbackRetrieval:
		return &RetrievalError{Op: name, Err: cause}
	case nodeContextFormatting, nodeRetryFormatting, nodeEmergencyFormatting:
		return &FormatError{Reason: cause.Error()}
	}
	return fmt.Errorf("%s: %w", name, cause)
}

// nodeKind classifies nodes for the stage trace.
func nodeKind(name string) string {
	switch name {
	case nodeConversationAnalysis, nodeScopeDetection, nodeEntityRetrieval,
		nodeContextFormatting, nodeDiagnostics, nodeMemoryCleanup:
		return "core"
	case nodeRetryScopeDetection, nodeRetryEntityRetrieval, nodeRetryFormatting:
		return "retry"
	}
	return "fallback"
}

// stageOutCount picks the count that best describes a node's output.
func stageOutCount(s *State, name string) int {
	switch name {
	case nodeContextFormatting, nodeRetryFormatting, nodeEmergencyFormatting:
		return len(s.Filtered)
	default:
		return len(s.Retrieved)
	}
}

// stagePayload snapshots the node's headline facts for the trace.
func stagePayload(s *State, name string) map[string]any {
	switch name {
	case nodeConversationAnalysis, nodeFallbackAnalysis:
		payload := map[string]any{}
		if s.ConvCtx != nil {
			payload["confidence"] = s.ConvCtx.Confidence
			payload["areas"] = s.ConvCtx.AreasMentioned.Values()
			payload["is_follow_up"] = s.ConvCtx.IsFollowUp
		}
		if s.RewriteInfo != nil {
			payload["rewrite_method"] = string(s.RewriteInfo.Method)
		}
		return payload
	case nodeScopeDetection, nodeRetryScopeDetection, nodeFallbackScope:
		if s.Scope == nil {
			return nil
		}
		return map[string]any{
			"scope":     string(s.Scope.Scope),
			"k":         s.Scope.OptimalK,
			"reasoning": s.Scope.Reasoning,
		}
	case nodeEntityRetrieval, nodeRetryEntityRetrieval, nodeFallbackRetrieval:
		return map[string]any{
			"cluster_count":    s.ClusterCount,
			"memory_boosted":   s.MemoryBoostedCount,
			"memory_injected":  s.MemoryInjected,
			"lexical_fallback": s.LexicalFallback,
		}
	case nodeContextFormatting, nodeRetryFormatting, nodeEmergencyFormatting:
		return map[string]any{
			"strategy":      s.FormatterStrategy,
			"context_chars": len(s.FormattedContext),
			"primary":       len(s.Primary),
		}
	case nodeDiagnostics:
		if s.Diagnostics == nil {
			return nil
		}
		return map[string]any{"overall_quality": s.Diagnostics.OverallQuality}
	}
	return nil
}
