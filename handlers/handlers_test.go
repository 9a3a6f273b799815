// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otthonlab/ragbridge/conversation"
	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/formatter"
	"github.com/otthonlab/ragbridge/hungarian"
	"github.com/otthonlab/ragbridge/memory"
	"github.com/otthonlab/ragbridge/pipeline"
	"github.com/otthonlab/ragbridge/rerank"
	"github.com/otthonlab/ragbridge/retrieval"
)

// =============================================================================
// Test Fixtures
// =============================================================================

// tokenModel is a deterministic cross-encoder stand-in: a document scores
// high when one of its longer tokens appears inside the query.
type tokenModel struct{}

func (tokenModel) Predict(ctx context.Context, query string, documents []string) ([]float64, error) {
	lq := strings.ToLower(query)
	out := make([]float64, len(documents))
	for i, doc := range documents {
		out[i] = -0.5
		tokens := strings.FieldsFunc(strings.ToLower(doc), func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsDigit(r)
		})
		for _, tok := range tokens {
			if len([]rune(tok)) >= 4 && strings.Contains(lq, tok) {
				out[i] = 1.0
				break
			}
		}
	}
	return out, nil
}

// cannedRetriever serves a fixed candidate set regardless of scope.
type cannedRetriever struct {
	results []datatypes.ScoredEntity
}

func (r *cannedRetriever) Retrieve(ctx context.Context, query string, scope *datatypes.ScopeDecision) (*retrieval.Result, error) {
	return &retrieval.Result{Candidates: r.results}, nil
}

func newTestPipeline(t *testing.T, db []datatypes.ScoredEntity) *pipeline.Pipeline {
	t.Helper()

	tables := hungarian.NewTables(hungarian.DefaultConfig(), nil)
	analyzer := conversation.NewAnalyzer(tables, conversation.DefaultAnalyzerConfig())

	memCfg := memory.DefaultConfig()
	memCfg.InMemory = true
	store, err := memory.NewStore(memCfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	return pipeline.New(pipeline.Deps{
		Quick:     conversation.NewQuickPatternAnalyzer(tables),
		Analyzer:  analyzer,
		Rewriter:  conversation.NewRewriter(nil, tables, conversation.DefaultRewriterConfig()),
		Scope:     conversation.NewScopeDetector(tables, conversation.DefaultScopeConfig()),
		Retriever: &cannedRetriever{results: db},
		Booster:   memory.NewBooster(store),
		Memory:    store,
		Reranker:  rerank.NewReranker(rerank.NewScorer(tokenModel{}, rerank.DefaultScorerConfig()), analyzer, nil),
		Formatter: formatter.New(nil, nil, nil),
	})
}

func testEntities() []datatypes.ScoredEntity {
	return []datatypes.ScoredEntity{
		{Entity: datatypes.Entity{
			EntityID: "sensor.nappali_temperature", Domain: "sensor",
			Area: "nappali", DeviceClass: "temperature", State: "22.5",
		}, Score: 0.7},
		{Entity: datatypes.Entity{
			EntityID: "light.konyha", Domain: "light", Area: "konyha", State: "off",
			Attributes: map[string]any{"aliases": []any{"konyhai lámpa"}},
		}, Score: 0.7},
	}
}

func postJSON(t *testing.T, handler gin.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	router := gin.New()
	router.POST(path, handler)
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// =============================================================================
// ProcessRequest
// =============================================================================

func TestProcessRequestBuildsMessages(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessRequest(p), "/process-request", datatypes.ProcessRequest{
		UserMessage: "Hány fok van a nappaliban?",
		SessionID:   "req-session",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Len(t, resp.Messages, 2)
	assert.Equal(t, "system", resp.Messages[0].Role)
	assert.Contains(t, resp.Messages[0].Content, "sensor.nappali_temperature")
	assert.Equal(t, "user", resp.Messages[1].Role)
	assert.Equal(t, "Hány fok van a nappaliban?", resp.Messages[1].Content)
	assert.Empty(t, resp.Tools, "read intent must not expose tools")
}

func TestProcessRequestIncludesHistory(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessRequest(p), "/process-request", datatypes.ProcessRequest{
		UserMessage: "És a konyhában?",
		SessionID:   "req-history-session",
		ConversationHistory: []datatypes.Message{
			{Role: "user", Content: "Hány fok van a nappaliban?"},
			{Role: "assistant", Content: "A nappaliban 22.5 fok van."},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.Len(t, resp.Messages, 4)
	assert.Equal(t, "system", resp.Messages[0].Role)
	assert.Equal(t, "assistant", resp.Messages[2].Role)
	assert.Equal(t, "És a konyhában?", resp.Messages[3].Content)
}

func TestProcessRequestControlIntentExposesTools(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessRequest(p), "/process-request", datatypes.ProcessRequest{
		UserMessage: "kapcsold fel a lámpát a konyhában",
		SessionID:   "control-req-session",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ProcessResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.NotEmpty(t, resp.Tools)
	names := make([]string, len(resp.Tools))
	for i, tool := range resp.Tools {
		assert.Equal(t, "function", tool.Type)
		names[i] = tool.Function.Name
	}
	assert.Contains(t, names, "light.turn_on")
	assert.Contains(t, names, "light.turn_off")
}

func TestProcessRequestRejectsMissingMessage(t *testing.T) {
	p := newTestPipeline(t, nil)

	w := postJSON(t, ProcessRequest(p), "/process-request", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// ProcessRequestWorkflow
// =============================================================================

func TestProcessRequestWorkflowDetail(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessRequestWorkflow(p), "/process-request-workflow", datatypes.ProcessRequest{
		UserMessage: "Hány fok van a nappaliban?",
		SessionID:   "wf-session",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.NotEmpty(t, resp.RelevantEntities)
	first := resp.RelevantEntities[0]
	assert.Equal(t, "sensor.nappali_temperature", first.EntityID)
	assert.True(t, first.IsPrimary)
	assert.Equal(t, "22.5", first.State)
	assert.NotNil(t, first.Aliases)

	assert.Equal(t, datatypes.IntentRead, resp.Intent)
	assert.NotEmpty(t, resp.FormattedContent)
	assert.Equal(t, len(resp.RelevantEntities), resp.Metadata.EntityCount)
	assert.Greater(t, resp.Metadata.WorkflowQuality, 0.0)
	assert.Equal(t, "complete", resp.Metadata.Phase)
	assert.Empty(t, resp.Trace, "trace must be absent without debug")
}

func TestProcessRequestWorkflowDebugTrace(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessRequestWorkflow(p), "/process-request-workflow", datatypes.ProcessRequest{
		UserMessage: "Hány fok van a nappaliban?",
		SessionID:   "wf-debug-session",
		Debug:       true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.WorkflowResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	require.NotEmpty(t, resp.Trace)
	assert.Equal(t, "conversation_analysis", resp.Trace[0].Name)
}

// =============================================================================
// ProcessResponse
// =============================================================================

type recordingCaller struct {
	domains  []string
	services []string
	payloads []map[string]any
	err      error
}

func (r *recordingCaller) CallService(ctx context.Context, domain, service string, payload map[string]any) error {
	r.domains = append(r.domains, domain)
	r.services = append(r.services, service)
	r.payloads = append(r.payloads, payload)
	return r.err
}

func TestProcessResponseExecutesCalls(t *testing.T) {
	caller := &recordingCaller{}

	w := postJSON(t, ProcessResponse(caller), "/process-response", datatypes.ProcessToolRequest{
		ToolCalls: []datatypes.ToolCall{
			{Type: "function", Function: datatypes.FunctionCall{
				Name:      "light.turn_on",
				Arguments: `{"entity_id": "light.konyha"}`,
			}},
			{Type: "function", Function: datatypes.FunctionCall{
				Name:      "light.turn_off",
				Arguments: `{"entity_id": "light.nappali"}`,
			}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)

	require.Len(t, caller.domains, 2)
	assert.Equal(t, []string{"light", "light"}, caller.domains)
	assert.Equal(t, []string{"turn_on", "turn_off"}, caller.services)
	assert.Equal(t, "light.konyha", caller.payloads[0]["entity_id"])
}

func TestProcessResponseRejectsUncontrollableDomain(t *testing.T) {
	caller := &recordingCaller{}

	w := postJSON(t, ProcessResponse(caller), "/process-response", datatypes.ProcessToolRequest{
		ToolCalls: []datatypes.ToolCall{
			{Type: "function", Function: datatypes.FunctionCall{Name: "sensor.read"}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Empty(t, caller.domains, "no call must reach the controller")
}

func TestProcessResponseMalformedFunctionName(t *testing.T) {
	caller := &recordingCaller{}

	w := postJSON(t, ProcessResponse(caller), "/process-response", datatypes.ProcessToolRequest{
		ToolCalls: []datatypes.ToolCall{
			{Type: "function", Function: datatypes.FunctionCall{Name: "turn_on"}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
}

func TestProcessResponseControllerFailure(t *testing.T) {
	caller := &recordingCaller{err: errors.New("controller returned 503")}

	w := postJSON(t, ProcessResponse(caller), "/process-response", datatypes.ProcessToolRequest{
		ToolCalls: []datatypes.ToolCall{
			{Type: "function", Function: datatypes.FunctionCall{
				Name:      "light.turn_on",
				Arguments: `{"entity_id": "light.konyha"}`,
			}},
		},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.StatusResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "error", resp.Status)
	assert.Contains(t, resp.Message, "503")
}

// =============================================================================
// ProcessConversation
// =============================================================================

func TestProcessConversationPlainPrompt(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessConversation(p), "/process-conversation",
		`"Hány fok van a nappaliban?"`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ConversationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.MessageCount)
	require.NotEmpty(t, resp.Entities)
	assert.Equal(t, "sensor.nappali_temperature", resp.Entities[0].EntityID)
	assert.NotEmpty(t, resp.FormattedContent)
	assert.Greater(t, resp.ExecutionTimeMs, 0.0)
}

func TestProcessConversationMetaTask(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	prompt := "### Task: Generate 1-3 broad tags categorizing the conversation.\n" +
		"### Chat History:\n<chat_history>USER: Hány fok van?\n" +
		"ASSISTANT: A nappaliban 22.5 fok van.\nUSER: És a konyhában?</chat_history>"

	w := postJSON(t, ProcessConversation(p), "/process-conversation", map[string]any{
		"prompt":     prompt,
		"session_id": "metatask-session",
		"debug":      true,
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ConversationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.MessageCount, "all chat-history turns must be parsed")

	// The workflow must run on the last USER turn, not on the template.
	require.NotNil(t, resp.Debug)
	rewritten, _ := resp.Debug["rewritten_query"].(string)
	assert.NotContains(t, rewritten, "###")
	assert.Contains(t, strings.ToLower(rewritten), "konyh")
}

func TestProcessConversationMessagesArray(t *testing.T) {
	p := newTestPipeline(t, testEntities())

	w := postJSON(t, ProcessConversation(p), "/process-conversation", map[string]any{
		"messages": []map[string]string{
			{"role": "user", "content": "Hány fok van a nappaliban?"},
			{"role": "assistant", "content": "22.5 fok."},
			{"role": "user", "content": "kapcsold fel a lámpát a konyhában"},
		},
		"session_id": "messages-session",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp datatypes.ConversationResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, resp.Success)
	assert.Equal(t, 3, resp.MessageCount)
	require.NotEmpty(t, resp.Entities)
	assert.Equal(t, "light.konyha", resp.Entities[0].EntityID)
}

func TestProcessConversationNoUserTurn(t *testing.T) {
	p := newTestPipeline(t, nil)

	w := postJSON(t, ProcessConversation(p), "/process-conversation", map[string]any{
		"messages": []map[string]string{
			{"role": "assistant", "content": "Szia!"},
		},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// =============================================================================
// Admin
// =============================================================================

func TestHealthNominal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", Health(nil))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHealthDimensionMismatch(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/health", Health(func(ctx context.Context) error {
		return errors.New("embedding dim 384 does not match index dim 768")
	}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusInternalServerError, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Contains(t, body["detail"], "768")
}

type fakeSessionStore struct {
	sessions []string
	listErr  error
	deleted  []string
}

func (f *fakeSessionStore) ListSessions(ctx context.Context) ([]string, error) {
	return f.sessions, f.listErr
}

func (f *fakeSessionStore) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	f.deleted = append(f.deleted, sessionID)
	return 3, nil
}

func TestListSessions(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.GET("/v1/sessions", ListSessions(&fakeSessionStore{sessions: []string{"a", "b"}}))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/sessions", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Sessions []string `json:"sessions"`
		Count    int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, []string{"a", "b"}, body.Sessions)
	assert.Equal(t, 2, body.Count)
}

func TestDeleteSession(t *testing.T) {
	gin.SetMode(gin.TestMode)
	store := &fakeSessionStore{}
	router := gin.New()
	router.DELETE("/v1/sessions/:sessionId", DeleteSession(store))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/sessions/old-session", nil))
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, []string{"old-session"}, store.deleted)
}
