// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"context"
	"log/slog"

	"github.com/otthonlab/ragbridge/conversation"
	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/formatter"
	"github.com/otthonlab/ragbridge/memory"
	"github.com/otthonlab/ragbridge/observability"
)

// conversationAnalysis runs the quick pattern pass, fuses in the cached
// enrichment from previous turns, analyzes the conversation context, and
// rewrites the query into standalone form.
func (p *Pipeline) conversationAnalysis(ctx context.Context, s State) patch {
	quick := p.quick.Analyze(ctx, s.UserQuery)

	if p.memory != nil && s.SessionID != "" {
		summary, err := p.memory.GetSummary(ctx, s.SessionID)
		if err != nil {
			slog.Warn("Session summary read failed", "session", s.SessionID, "error", err)
		} else {
			quick = conversation.Fuse(quick, summary)
		}
	}

	convCtx := p.analyzer.Analyze(ctx, s.UserQuery, s.History)
	rewrite := p.rewriter.Rewrite(ctx, s.UserQuery, s.History)

	return func(st *State) {
		st.Quick = quick
		st.ConvCtx = convCtx
		st.RewriteInfo = rewrite
		if rewrite != nil && rewrite.Rewritten != "" {
			st.RewrittenQuery = rewrite.Rewritten
		}
	}
}

// fallbackAnalysis guarantees a usable conversation context when the
// analysis pass produced nothing trustworthy.
func (p *Pipeline) fallbackAnalysis(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeFallbackAnalysis).Inc()
	return func(st *State) {
		if st.ConvCtx == nil {
			st.ConvCtx = datatypes.NewConversationContext()
			st.FallbackUsed = true
		}
		if st.RewrittenQuery == "" {
			st.RewrittenQuery = st.UserQuery
		}
	}
}

// scopeDetection runs the decision table, refusing problematic input.
func (p *Pipeline) scopeDetection(ctx context.Context, s State) patch {
	if p.scope.IsProblematic(ctx, s.RewrittenQuery) {
		return func(st *State) {
			st.Problematic = true
			st.addError(&ScopeError{Reason: "problematic input"})
		}
	}

	dec := p.scope.Detect(ctx, s.RewrittenQuery, s.ConvCtx)
	if dec == nil {
		return func(st *State) {
			st.addError(&ScopeError{Reason: "detector produced no decision"})
		}
	}
	observability.ScopeDecisions.WithLabelValues(string(dec.Scope), dec.Reasoning).Inc()

	return func(st *State) {
		st.Scope = dec
	}
}

// retryScopeDetection re-runs detection, then broadens the outcome: one
// scope level wider and double the k, capped.
func (p *Pipeline) retryScopeDetection(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeRetryScopeDetection).Inc()

	dec := p.scope.Detect(ctx, s.RewrittenQuery, s.ConvCtx)
	if dec == nil {
		dec = p.scope.Fallback(s.RewrittenQuery)
	}
	broadened := broadenScope(dec)

	return func(st *State) {
		st.RetryCount++
		st.clearErrors(IsScopeError)
		st.Scope = broadened
	}
}

// fallbackScopeDetection applies the dependency-free scope.
func (p *Pipeline) fallbackScopeDetection(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeFallbackScope).Inc()
	dec := p.scope.Fallback(s.RewrittenQuery)
	return func(st *State) {
		st.clearErrors(IsScopeError)
		st.Scope = dec
		st.FallbackUsed = true
	}
}

// entityRetrieval runs hybrid retrieval and the session-memory boost.
func (p *Pipeline) entityRetrieval(ctx context.Context, s State) patch {
	return p.runRetrieval(ctx, s, s.Scope)
}

// retryEntityRetrieval broadens the scope and tries again.
func (p *Pipeline) retryEntityRetrieval(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeRetryEntityRetrieval).Inc()

	broadened := broadenScope(s.Scope)
	inner := p.runRetrieval(ctx, s, broadened)

	return func(st *State) {
		st.RetryCount++
		st.clearErrors(IsRetrievalError)
		inner(st)
		// Keep the broadened decision only when it actually produced
		// candidates; a fruitless retry must not mask the detected scope.
		if len(st.Retrieved) > 0 {
			st.Scope = broadened
		}
	}
}

// runRetrieval is the shared retrieval body for the first attempt and
// retries.
func (p *Pipeline) runRetrieval(ctx context.Context, s State, scope *datatypes.ScopeDecision) patch {
	res, err := p.retriever.Retrieve(ctx, s.RewrittenQuery, scope)
	if err != nil {
		return func(st *State) {
			st.Retrieved = nil
			st.addError(&RetrievalError{Op: "hybrid", Err: err})
		}
	}

	candidates := res.Candidates
	var (
		memEntities  []datatypes.MemoryEntity
		boostedCount int
		injected     int
		memErr       error
	)
	if p.memory != nil && p.booster != nil && s.SessionID != "" && !s.SkipMemory {
		boost := p.booster.Apply(ctx, s.SessionID, candidates, s.ConvCtx)
		candidates = boost.Candidates
		boostedCount = boost.Boosted
		injected = boost.Injected
		memEntities, memErr = p.memory.GetRelevant(ctx, s.SessionID, 0)

		observability.MemoryBoosts.Add(float64(boostedCount))
		observability.MemoryInjections.Add(float64(injected))
	}

	return func(st *State) {
		st.Retrieved = candidates
		st.ClusterCount = res.ClusterCount
		st.LexicalFallback = res.LexicalFallback
		st.MemoryEntities = memEntities
		st.MemoryBoostedCount = boostedCount
		st.MemoryInjected = injected
		if memErr != nil {
			st.addError(&MemoryError{Op: "get_relevant", Err: memErr})
		}
	}
}

// fallbackEntityRetrieval synthesizes candidates from session memory so
// the formatter has something to show; with no memory the turn degrades
// to a well-formed empty answer.
func (p *Pipeline) fallbackEntityRetrieval(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeFallbackRetrieval).Inc()

	var candidates []datatypes.ScoredEntity
	for _, m := range s.MemoryEntities {
		domain := m.Domain
		if domain == "" {
			domain = datatypes.DomainOf(m.EntityID)
		}
		candidates = append(candidates, datatypes.ScoredEntity{
			Entity: datatypes.Entity{
				EntityID: m.EntityID,
				Domain:   domain,
				Area:     m.Area,
				State:    "unknown",
			},
			Score:               m.RelevanceScore,
			SyntheticFromMemory: true,
		})
	}

	return func(st *State) {
		st.clearErrors(IsRetrievalError)
		st.Retrieved = candidates
		st.ClusterCount = 0
		st.FallbackUsed = true
	}
}

// continueWithoutMemory drops the memory layer for the rest of the turn.
func (p *Pipeline) continueWithoutMemory(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeContinueWithoutMemory).Inc()
	return func(st *State) {
		st.clearErrors(IsMemoryError)
		st.SkipMemory = true
		st.MemoryEntities = nil
	}
}

// contextFormatting reranks the candidates and renders the context block.
func (p *Pipeline) contextFormatting(ctx context.Context, s State) patch {
	return p.runFormatting(ctx, s)
}

// retryFormatting forces a layout different from the one that failed.
func (p *Pipeline) retryFormatting(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeRetryFormatting).Inc()

	forced := "compact"
	if s.FormatterStrategy == "compact" {
		forced = "detailed"
	}
	s.ForcedStrategy = forced
	inner := p.runFormatting(ctx, s)

	return func(st *State) {
		st.RetryCount++
		st.clearErrors(IsFormatError)
		st.ForcedStrategy = forced
		inner(st)
	}
}

// runFormatting is the shared formatting body.
func (p *Pipeline) runFormatting(ctx context.Context, s State) patch {
	result := p.reranker.Rerank(ctx, s.Retrieved, s.RewrittenQuery, s.ConvCtx, s.Scope)

	scope := *s.Scope
	if s.ForcedStrategy != "" {
		scope.FormatterHint = s.ForcedStrategy
	}
	out := p.formatter.Format(ctx, formatter.Input{
		Query:   s.RewrittenQuery,
		Primary: result.Primary,
		Related: result.Related,
		Memory:  s.MemoryEntities,
		ConvCtx: s.ConvCtx,
		Scope:   &scope,
	})

	return func(st *State) {
		st.Primary = result.Primary
		st.Related = result.Related
		st.Filtered = result.Filtered
		st.FormatterStrategy = string(out.Strategy)
		st.FormattedContext = out.Content
		if !knownStrategy(st.FormatterStrategy) {
			st.addError(&FormatError{Reason: "unknown formatter " + st.FormatterStrategy})
		}
	}
}

// emergencyFormatting emits the minimal well-formed context block.
func (p *Pipeline) emergencyFormatting(ctx context.Context, s State) patch {
	observability.Fallbacks.WithLabelValues(nodeEmergencyFormatting).Inc()
	return func(st *State) {
		st.clearErrors(IsFormatError)
		st.FormatterStrategy = "compact"
		st.FormattedContext = formatter.EmergencyContent()
		st.FallbackUsed = true
	}
}

// diagnostics scores the finished run.
func (p *Pipeline) diagnostics(ctx context.Context, s State) patch {
	diag := computeDiagnostics(&s)
	observability.WorkflowQuality.Observe(diag.OverallQuality)
	return func(st *State) {
		st.Diagnostics = diag
	}
}

// memoryCleanup reclaims expired sessions; test sessions are dropped
// outright so scripted runs leave nothing behind.
func (p *Pipeline) memoryCleanup(ctx context.Context, s State) patch {
	if p.memory == nil {
		return nil
	}
	if s.IsTestSession() && s.SessionID != "" {
		if removed, err := p.memory.DeleteSession(ctx, s.SessionID); err != nil {
			slog.Warn("Test session cleanup failed", "session", s.SessionID, "error", err)
		} else {
			slog.Debug("Test session dropped", "session", s.SessionID, "entries", removed)
		}
	}
	if reclaimed, err := p.memory.CleanupExpired(ctx); err != nil {
		slog.Warn("Memory cleanup failed", "error", err)
	} else if reclaimed > 0 {
		slog.Debug("Memory cleanup pass", "sessions_reclaimed", reclaimed)
	}
	return nil
}

// broadenScope widens one scope level and doubles k, capped at maxK. The
// input decision is not modified.
func broadenScope(dec *datatypes.ScopeDecision) *datatypes.ScopeDecision {
	out := *dec
	switch out.Scope {
	case datatypes.ScopeMicro:
		out.Scope = datatypes.ScopeMacro
	case datatypes.ScopeMacro:
		out.Scope = datatypes.ScopeOverview
	}
	out.OptimalK *= 2
	if out.OptimalK > maxK {
		out.OptimalK = maxK
	}
	out.Reasoning = dec.Reasoning + "+broadened"
	return &out
}

// memoryTask builds the enrichment task for the finished turn.
func memoryTask(s *State, top []datatypes.ScoredEntity) memory.EnrichTask {
	return memory.EnrichTask{
		SessionID:   s.SessionID,
		Query:       s.UserQuery,
		History:     s.History,
		TopEntities: top,
		Quick:       s.Quick,
	}
}
