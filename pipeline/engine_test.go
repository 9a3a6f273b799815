package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/formatter"
	"github.com/otthonlab/ragbridge/memory"
	"github.com/otthonlab/ragbridge/rerank"
	"github.com/otthonlab/ragbridge/retrieval"
)

// ============================================================================
// Fakes
// ============================================================================

type fakeQuick struct{}

func (fakeQuick) Analyze(ctx context.Context, utterance string) *datatypes.QuickAnalysis {
	return &datatypes.QuickAnalysis{QueryType: datatypes.QueryStatusCheck, Language: datatypes.LangHungarian, Confidence: 0.6}
}

type fakeAnalyzer struct {
	confidence float64
	areas      []string
}

func (f *fakeAnalyzer) Analyze(ctx context.Context, utterance string, history []datatypes.Message) *datatypes.ConversationContext {
	out := datatypes.NewConversationContext()
	out.Confidence = f.confidence
	for _, a := range f.areas {
		out.AreasMentioned.Add(a)
	}
	return out
}

type fakeRewriter struct{}

func (fakeRewriter) Rewrite(ctx context.Context, current string, history []datatypes.Message) *datatypes.RewriteResult {
	return &datatypes.RewriteResult{Original: current, Rewritten: current, Method: datatypes.RewriteNotNeeded, Confidence: 1.0}
}

type fakeScopeDet struct {
	problematic bool
	dec         datatypes.ScopeDecision
}

func (f *fakeScopeDet) Detect(ctx context.Context, query string, convCtx *datatypes.ConversationContext) *datatypes.ScopeDecision {
	dec := f.dec
	return &dec
}

func (f *fakeScopeDet) Fallback(query string) *datatypes.ScopeDecision {
	return &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, Confidence: 0.2, OptimalK: 12, Reasoning: "fallback"}
}

func (f *fakeScopeDet) IsProblematic(ctx context.Context, query string) bool {
	return f.problematic
}

// fakeRetriever records the scope of every call and can fail or return
// empty for the first N calls.
type fakeRetriever struct {
	failCalls  int
	emptyCalls int
	results    []datatypes.ScoredEntity
	scopes     []datatypes.ScopeDecision
}

func (f *fakeRetriever) Retrieve(ctx context.Context, query string, scope *datatypes.ScopeDecision) (*retrieval.Result, error) {
	f.scopes = append(f.scopes, *scope)
	call := len(f.scopes)
	if call <= f.failCalls {
		return nil, fmt.Errorf("store unreachable")
	}
	if call <= f.failCalls+f.emptyCalls {
		return &retrieval.Result{}, nil
	}
	return &retrieval.Result{Candidates: append([]datatypes.ScoredEntity(nil), f.results...)}, nil
}

type fakeMemory struct {
	queryCount  int
	relevant    []datatypes.MemoryEntity
	relevantErr error
	storeCalls  int
	deleted     []string
	cleanups    int
}

func (f *fakeMemory) GetRelevant(ctx context.Context, sessionID string, max int) ([]datatypes.MemoryEntity, error) {
	return f.relevant, f.relevantErr
}

func (f *fakeMemory) GetSummary(ctx context.Context, sessionID string) (*datatypes.EnrichedContext, error) {
	return nil, nil
}

func (f *fakeMemory) QueryCount(ctx context.Context, sessionID string) (int, error) {
	return f.queryCount, nil
}

func (f *fakeMemory) Store(ctx context.Context, sessionID string, topEntities []datatypes.ScoredEntity, areas, domains []string, summary *datatypes.EnrichedContext) error {
	f.storeCalls++
	return nil
}

func (f *fakeMemory) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	f.deleted = append(f.deleted, sessionID)
	return 1, nil
}

func (f *fakeMemory) CleanupExpired(ctx context.Context) (int, error) {
	f.cleanups++
	return 0, nil
}

type fakeBooster struct{}

func (fakeBooster) Apply(ctx context.Context, sessionID string, candidates []datatypes.ScoredEntity, convCtx *datatypes.ConversationContext) *memory.BoostResult {
	return &memory.BoostResult{Candidates: candidates}
}

type fakeReranker struct{}

func (fakeReranker) Rerank(ctx context.Context, candidates []datatypes.ScoredEntity, query string, convCtx *datatypes.ConversationContext, scope *datatypes.ScopeDecision) *rerank.Result {
	out := &rerank.Result{}
	for i, c := range candidates {
		c.FinalScore = c.Score
		if i == 0 {
			c.IsPrimary = true
			out.Primary = append(out.Primary, c)
		} else {
			out.Related = append(out.Related, c)
		}
		out.Filtered = append(out.Filtered, c)
	}
	return out
}

// fakeFormatter emits unusably short output for the first shortCalls
// calls, then a long context, honoring the scope's formatter hint.
type fakeFormatter struct {
	shortCalls int
	calls      int
	hints      []string
}

func (f *fakeFormatter) Format(ctx context.Context, in formatter.Input) *formatter.Output {
	f.calls++
	f.hints = append(f.hints, in.Scope.FormatterHint)
	strategy := formatter.Strategy("compact")
	if in.Scope.FormatterHint != "" {
		strategy = formatter.Strategy(in.Scope.FormatterHint)
	}
	if f.calls <= f.shortCalls {
		return &formatter.Output{Content: "x", Strategy: strategy}
	}
	return &formatter.Output{
		Content:  strings.Repeat("Az eszközök aktuális állapota rendben van. ", 4),
		Strategy: strategy,
	}
}

type fakeEnricher struct {
	tasks []memory.EnrichTask
}

func (f *fakeEnricher) Enqueue(task memory.EnrichTask) bool {
	f.tasks = append(f.tasks, task)
	return true
}

func (f *fakeEnricher) QueueDepth() int { return len(f.tasks) }

// ============================================================================
// Harness
// ============================================================================

type harness struct {
	analyzer  *fakeAnalyzer
	scope     *fakeScopeDet
	retriever *fakeRetriever
	memory    *fakeMemory
	formatter *fakeFormatter
	enricher  *fakeEnricher
	pipeline  *Pipeline
}

func newHarness() *harness {
	h := &harness{
		analyzer: &fakeAnalyzer{confidence: 0.65},
		scope: &fakeScopeDet{dec: datatypes.ScopeDecision{
			Scope: datatypes.ScopeMacro, Confidence: 0.75, OptimalK: 22, Reasoning: "single_area",
		}},
		retriever: &fakeRetriever{results: []datatypes.ScoredEntity{
			{Entity: datatypes.Entity{EntityID: "sensor.kert_humidity", Domain: "sensor", Area: "kert"}, Score: 0.8},
			{Entity: datatypes.Entity{EntityID: "sensor.nappali_humidity", Domain: "sensor", Area: "nappali"}, Score: 0.6},
		}},
		memory:    &fakeMemory{},
		formatter: &fakeFormatter{},
		enricher:  &fakeEnricher{},
	}
	h.pipeline = New(Deps{
		Quick:     fakeQuick{},
		Analyzer:  h.analyzer,
		Rewriter:  fakeRewriter{},
		Scope:     h.scope,
		Retriever: h.retriever,
		Booster:   fakeBooster{},
		Memory:    h.memory,
		Reranker:  fakeReranker{},
		Formatter: h.formatter,
		Enricher:  h.enricher,
	})
	return h
}

func stageNames(s *State) []string {
	out := make([]string, len(s.Stages))
	for i, stage := range s.Stages {
		out[i] = stage.Name
	}
	return out
}

func hasStage(s *State, name string) bool {
	for _, stage := range s.Stages {
		if stage.Name == name {
			return true
		}
	}
	return false
}

// ============================================================================
// Routing
// ============================================================================

func TestRunHappyPath(t *testing.T) {
	h := newHarness()
	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	want := []string{"conversation_analysis", "scope_detection", "entity_retrieval", "context_formatting", "diagnostics"}
	got := stageNames(s)
	if len(got) != len(want) {
		t.Fatalf("stages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("stage[%d] = %s, want %s (%v)", i, got[i], want[i], got)
		}
	}
	if s.FormattedContext == "" || s.Diagnostics == nil {
		t.Error("happy path must produce formatted context and diagnostics")
	}
	if len(s.Errors) != 0 {
		t.Errorf("unexpected errors: %v", s.ErrorStrings())
	}
	if h.memory.storeCalls != 1 {
		t.Errorf("memory store calls = %d, want 1", h.memory.storeCalls)
	}
	if len(h.enricher.tasks) != 1 {
		t.Errorf("enrichment tasks = %d, want 1", len(h.enricher.tasks))
	}
	if s.TraceID == "" {
		t.Error("trace id must be assigned")
	}
	if trace := h.pipeline.Tracer().Trace(s.TraceID); len(trace) != len(want) {
		t.Errorf("tracer retained %d stages, want %d", len(trace), len(want))
	}
}

func TestRunLowConfidenceRoutesThroughFallbackAnalysis(t *testing.T) {
	h := newHarness()
	h.analyzer.confidence = 0.4

	s := h.pipeline.Run(context.Background(), Request{Query: "valami", SessionID: "s1"})

	got := stageNames(s)
	if len(got) < 2 || got[0] != "conversation_analysis" || got[1] != "fallback_analysis" {
		t.Fatalf("stages = %v, want fallback_analysis second", got)
	}
	if got[2] != "scope_detection" {
		t.Errorf("fallback_analysis must route to scope_detection, got %s", got[2])
	}
}

func TestRunProblematicInputUsesScopeFallback(t *testing.T) {
	h := newHarness()
	h.scope.problematic = true

	s := h.pipeline.Run(context.Background(), Request{Query: "qwerty 12345", SessionID: "s1"})

	if !hasStage(s, "fallback_scope_detection") {
		t.Fatalf("stages = %v, want fallback_scope_detection", stageNames(s))
	}
	if s.Scope == nil || s.Scope.Scope != datatypes.ScopeMacro {
		t.Errorf("fallback scope = %+v, want MACRO", s.Scope)
	}
	if s.Scope.OptimalK > 15 {
		t.Errorf("fallback k = %d, want <= 15", s.Scope.OptimalK)
	}
	if s.Scope.Confidence > 0.3 {
		t.Errorf("fallback confidence = %.2f, want <= 0.3", s.Scope.Confidence)
	}
	if !s.FallbackUsed {
		t.Error("fallback_used must be set")
	}
	if s.hasError(IsScopeError) {
		t.Error("scope errors must be cleared by the fallback node")
	}
}

func TestRunLowScopeConfidenceRetriesOnce(t *testing.T) {
	h := newHarness()
	h.scope.dec.Confidence = 0.45
	h.scope.dec.Scope = datatypes.ScopeMicro
	h.scope.dec.OptimalK = 8

	s := h.pipeline.Run(context.Background(), Request{Query: "lámpa", SessionID: "s1"})

	if !hasStage(s, "retry_scope_detection") {
		t.Fatalf("stages = %v, want retry_scope_detection", stageNames(s))
	}
	if s.RetryCount != 1 {
		t.Errorf("retry count = %d, want 1", s.RetryCount)
	}
	// The retry broadens: micro -> macro, k doubled.
	if s.Scope.Scope != datatypes.ScopeMacro || s.Scope.OptimalK != 16 {
		t.Errorf("broadened scope = %s k=%d, want macro k=16", s.Scope.Scope, s.Scope.OptimalK)
	}
}

func TestRunRetrievalErrorRetriesWithBroaderScope(t *testing.T) {
	h := newHarness()
	h.retriever.failCalls = 1

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if !hasStage(s, "retry_entity_retrieval") {
		t.Fatalf("stages = %v, want retry_entity_retrieval", stageNames(s))
	}
	if len(h.retriever.scopes) != 2 {
		t.Fatalf("retriever calls = %d, want 2", len(h.retriever.scopes))
	}
	first, second := h.retriever.scopes[0], h.retriever.scopes[1]
	if first.OptimalK != 22 || second.OptimalK != 44 {
		t.Errorf("k progression = %d -> %d, want 22 -> 44", first.OptimalK, second.OptimalK)
	}
	if second.Scope != datatypes.ScopeOverview {
		t.Errorf("retried scope = %s, want overview (macro widened)", second.Scope)
	}
	if s.hasError(IsRetrievalError) {
		t.Errorf("retrieval errors must be cleared after successful retry: %v", s.ErrorStrings())
	}
	if len(s.Retrieved) == 0 {
		t.Error("retry must recover the candidate set")
	}
}

func TestRunBroadenedKIsCappedAtFifty(t *testing.T) {
	h := newHarness()
	h.scope.dec.Scope = datatypes.ScopeOverview
	h.scope.dec.OptimalK = 45
	h.retriever.failCalls = 1

	h.pipeline.Run(context.Background(), Request{Query: "mi a helyzet otthon?", SessionID: "s1"})

	if len(h.retriever.scopes) != 2 {
		t.Fatalf("retriever calls = %d, want 2", len(h.retriever.scopes))
	}
	if got := h.retriever.scopes[1].OptimalK; got != 50 {
		t.Errorf("capped k = %d, want 50", got)
	}
}

func TestRunEmptyResultRetriesThenFallsBackToMemory(t *testing.T) {
	h := newHarness()
	h.retriever.results = nil
	h.memory.relevant = []datatypes.MemoryEntity{
		{EntityID: "sensor.kert_humidity", Area: "kert", RelevanceScore: 1.2, BoostWeight: 1.3},
	}

	s := h.pipeline.Run(context.Background(), Request{Query: "nedvesség", SessionID: "s1"})

	if !hasStage(s, "retry_entity_retrieval") || !hasStage(s, "fallback_entity_retrieval") {
		t.Fatalf("stages = %v, want retry then fallback retrieval", stageNames(s))
	}
	if len(s.Retrieved) != 1 || !s.Retrieved[0].SyntheticFromMemory {
		t.Fatalf("fallback candidates = %+v, want one synthetic from memory", s.Retrieved)
	}
	if s.Retrieved[0].EntityID != "sensor.kert_humidity" || s.Retrieved[0].State != "unknown" {
		t.Errorf("synthetic candidate = %+v", s.Retrieved[0].Entity)
	}
	if !s.FallbackUsed {
		t.Error("fallback_used must be set")
	}
}

func TestRunMemoryFailureContinuesWithoutMemory(t *testing.T) {
	h := newHarness()
	h.memory.relevantErr = errors.New("badger closed")

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if !hasStage(s, "continue_without_memory") {
		t.Fatalf("stages = %v, want continue_without_memory", stageNames(s))
	}
	if !s.SkipMemory {
		t.Error("skip_memory must be set")
	}
	if s.hasError(IsMemoryError) {
		t.Errorf("memory errors must be cleared: %v", s.ErrorStrings())
	}
	if s.FormattedContext == "" {
		t.Error("the turn must still produce a context block")
	}
	if h.memory.storeCalls != 0 {
		t.Error("end-of-turn memory write must be skipped after a memory failure")
	}
}

func TestRunShortContextRetriesFormattingWithDifferentLayout(t *testing.T) {
	h := newHarness()
	h.formatter.shortCalls = 1

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if !hasStage(s, "retry_formatting") {
		t.Fatalf("stages = %v, want retry_formatting", stageNames(s))
	}
	if h.formatter.calls != 2 {
		t.Fatalf("formatter calls = %d, want 2", h.formatter.calls)
	}
	if h.formatter.hints[1] == "" {
		t.Error("retry must force a formatter via the scope hint")
	}
	if len(s.FormattedContext) <= minContextChars {
		t.Error("retry must recover a usable context")
	}
	if hasStage(s, "emergency_formatting") {
		t.Error("emergency formatting must not fire when the retry succeeds")
	}
}

func TestRunEmergencyFormattingAfterExhaustedRetry(t *testing.T) {
	h := newHarness()
	h.formatter.shortCalls = 10 // never recovers

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if !hasStage(s, "emergency_formatting") {
		t.Fatalf("stages = %v, want emergency_formatting", stageNames(s))
	}
	if s.FormattedContext != formatter.EmergencyContent() {
		t.Errorf("emergency context = %q", s.FormattedContext)
	}
	if s.FormatterStrategy != "compact" {
		t.Errorf("emergency strategy = %s, want compact", s.FormatterStrategy)
	}
	if !s.FallbackUsed {
		t.Error("fallback_used must be set")
	}
}

func TestRunTestSessionTriggersMemoryCleanup(t *testing.T) {
	h := newHarness()
	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "test-e2e"})

	if !hasStage(s, "memory_cleanup") {
		t.Fatalf("stages = %v, want memory_cleanup for a test session", stageNames(s))
	}
	if len(h.memory.deleted) != 1 || h.memory.deleted[0] != "test-e2e" {
		t.Errorf("deleted sessions = %v, want [test-e2e]", h.memory.deleted)
	}
	if h.memory.cleanups != 1 {
		t.Errorf("cleanup passes = %d, want 1", h.memory.cleanups)
	}
}

func TestRunEveryFifthQueryTriggersCleanup(t *testing.T) {
	h := newHarness()
	h.memory.queryCount = 4 // this turn is the 5th

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if !hasStage(s, "memory_cleanup") {
		t.Fatalf("stages = %v, want memory_cleanup on the fifth query", stageNames(s))
	}
	if len(h.memory.deleted) != 0 {
		t.Error("a real session must not be deleted by periodic cleanup")
	}
}

func TestRunFourthQuerySkipsCleanup(t *testing.T) {
	h := newHarness()
	h.memory.queryCount = 3

	s := h.pipeline.Run(context.Background(), Request{Query: "Mekkora a nedvesség a kertben?", SessionID: "s1"})

	if hasStage(s, "memory_cleanup") {
		t.Fatalf("stages = %v, cleanup must not fire on the fourth query", stageNames(s))
	}
}

// ============================================================================
// Helpers and state
// ============================================================================

func TestBroadenScope(t *testing.T) {
	tests := []struct {
		scope datatypes.Scope
		k     int
		want  datatypes.Scope
		wantK int
	}{
		{datatypes.ScopeMicro, 8, datatypes.ScopeMacro, 16},
		{datatypes.ScopeMacro, 22, datatypes.ScopeOverview, 44},
		{datatypes.ScopeOverview, 45, datatypes.ScopeOverview, 50},
	}
	for _, tt := range tests {
		got := broadenScope(&datatypes.ScopeDecision{Scope: tt.scope, OptimalK: tt.k, Reasoning: "r"})
		if got.Scope != tt.want || got.OptimalK != tt.wantK {
			t.Errorf("broadenScope(%s, %d) = %s k=%d, want %s k=%d",
				tt.scope, tt.k, got.Scope, got.OptimalK, tt.want, tt.wantK)
		}
	}
}

func TestStateErrorCategoryClearing(t *testing.T) {
	s := &State{}
	s.addError(&ScopeError{Reason: "x"})
	s.addError(&RetrievalError{Op: "hybrid", Err: errors.New("down")})

	if !s.hasError(IsScopeError) || !s.hasError(IsRetrievalError) {
		t.Fatal("both categories must be present")
	}
	s.clearErrors(IsScopeError)
	if s.hasError(IsScopeError) {
		t.Error("scope errors must be cleared")
	}
	if !s.hasError(IsRetrievalError) {
		t.Error("clearing one category must not drop the other")
	}
}

func TestComputeDiagnosticsWeights(t *testing.T) {
	convCtx := datatypes.NewConversationContext()
	convCtx.Confidence = 0.8
	s := &State{
		ConvCtx:           convCtx,
		Scope:             &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, Confidence: 0.8, OptimalK: 20},
		Retrieved:         make([]datatypes.ScoredEntity, 20),
		FormattedContext:  strings.Repeat("kontextus ", 20),
		FormatterStrategy: "grouped_by_area",
	}

	diag := computeDiagnostics(s)

	// 0.2*0.8 + 0.25*0.8 + 0.35*1.0 + 0.2*1.0 = 0.91
	if diff := diag.OverallQuality - 0.91; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("overall quality = %.4f, want 0.91", diag.OverallQuality)
	}
	if len(diag.Recommendations) != 0 {
		t.Errorf("unexpected recommendations: %v", diag.Recommendations)
	}
}

func TestComputeDiagnosticsFlagsWeakStages(t *testing.T) {
	s := &State{
		ConvCtx:           datatypes.NewConversationContext(), // confidence 0.4
		Scope:             &datatypes.ScopeDecision{Scope: datatypes.ScopeMacro, Confidence: 0.2, OptimalK: 20},
		FormattedContext:  "x",
		FormatterStrategy: "compact",
		RetryCount:        2,
	}

	diag := computeDiagnostics(s)
	if diag.OverallQuality > 0.5 {
		t.Errorf("overall quality = %.2f, want low", diag.OverallQuality)
	}
	if len(diag.Recommendations) < 3 {
		t.Errorf("recommendations = %v, want the weak stages flagged", diag.Recommendations)
	}
}

func TestTracerRoundTrip(t *testing.T) {
	tr := NewTracer()
	tr.Record("t1", datatypes.PipelineStage{Name: "scope_detection"})
	tr.Record("t1", datatypes.PipelineStage{Name: "entity_retrieval"})

	stages := tr.Trace("t1")
	if len(stages) != 2 || stages[0].Name != "scope_detection" {
		t.Errorf("trace = %+v", stages)
	}
	if got := tr.Trace("unknown"); got != nil {
		t.Errorf("unknown trace = %+v, want nil", got)
	}
}
