// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package rerank scores retrieval candidates with a cross-encoder and
// applies contextual boosts, multi-stage filtering, and the
// primary/related split.
package rerank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/pkg/cache"
)

var tracer = otel.Tracer("otthon.ragbridge.rerank")

// CrossEncoder produces raw relevance scores for (query, document) pairs.
// Raw scores are model-native (typically around ±1); the Scorer normalizes.
type CrossEncoder interface {
	Predict(ctx context.Context, query string, documents []string) ([]float64, error)
}

// ScorerConfig tunes normalization, caching, and the fallback.
type ScorerConfig struct {
	// Offset and Scale map raw model output into [0,1]:
	// (raw + Offset) / Scale, clamped. Defaults 1.0 / 2.0 for ±1 models.
	Offset float64
	Scale  float64

	// CacheTTL bounds how long a normalized score is reused. Default 5m.
	CacheTTL time.Duration

	// CacheMaxSize bounds the score cache. Default 10000.
	CacheMaxSize int
}

// DefaultScorerConfig loads scorer settings from the environment.
//
// Values can be overridden via environment variables:
//   - CROSS_ENCODER_OFFSET (default: 1.0)
//   - CROSS_ENCODER_SCALE (default: 2.0)
//   - CROSS_ENCODER_CACHE_TTL_SECONDS (default: 300)
//   - CROSS_ENCODER_CACHE_MAXSIZE (default: 10000)
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Offset:       getEnvFloat("CROSS_ENCODER_OFFSET", 1.0),
		Scale:        getEnvFloat("CROSS_ENCODER_SCALE", 2.0),
		CacheTTL:     time.Duration(getEnvInt("CROSS_ENCODER_CACHE_TTL_SECONDS", 300)) * time.Second,
		CacheMaxSize: getEnvInt("CROSS_ENCODER_CACHE_MAXSIZE", 10000),
	}
}

// Scorer wraps a cross-encoder with normalization, a bounded TTL cache,
// and the token-overlap fallback.
//
// # Description
//
// Score never fails: a model error or timeout degrades every uncached
// pair to |Q ∩ doc| / |Q| token overlap, which keeps the reranker
// deterministic under partial outages.
//
// # Thread Safety
//
// Safe for concurrent use; the cache is internally locked.
type Scorer struct {
	model CrossEncoder
	cfg   ScorerConfig
	cache *cache.TTLCache[uint64, float64]
}

// NewScorer wraps a cross-encoder model. model may be nil, which forces
// the token-overlap fallback for every pair.
func NewScorer(model CrossEncoder, cfg ScorerConfig) *Scorer {
	return &Scorer{
		model: model,
		cfg:   cfg,
		cache: cache.New[uint64, float64](cfg.CacheMaxSize, cfg.CacheTTL),
	}
}

// Score returns one normalized [0,1] score per document, in order.
func (s *Scorer) Score(ctx context.Context, query string, documents []string) []float64 {
	ctx, span := tracer.Start(ctx, "rerank.score")
	defer span.End()
	span.SetAttributes(attribute.Int("documents", len(documents)))

	scores := make([]float64, len(documents))
	missIdx := make([]int, 0, len(documents))
	missDocs := make([]string, 0, len(documents))

	for i, doc := range documents {
		if cached, ok := s.cache.Get(pairKey(query, doc)); ok {
			scores[i] = cached
			continue
		}
		missIdx = append(missIdx, i)
		missDocs = append(missDocs, doc)
	}
	if len(missDocs) == 0 {
		return scores
	}

	raw, err := s.predict(ctx, query, missDocs)
	if err != nil {
		slog.Warn("Cross-encoder unavailable, using token overlap", "error", err)
		for j, i := range missIdx {
			scores[i] = tokenOverlap(query, missDocs[j])
		}
		return scores
	}

	for j, i := range missIdx {
		norm := s.normalize(raw[j])
		scores[i] = norm
		s.cache.Set(pairKey(query, missDocs[j]), norm)
	}
	return scores
}

func (s *Scorer) predict(ctx context.Context, query string, documents []string) ([]float64, error) {
	if s.model == nil {
		return nil, fmt.Errorf("no cross-encoder model configured")
	}
	raw, err := s.model.Predict(ctx, query, documents)
	if err != nil {
		return nil, err
	}
	if len(raw) != len(documents) {
		return nil, fmt.Errorf("cross-encoder returned %d scores for %d documents", len(raw), len(documents))
	}
	return raw, nil
}

func (s *Scorer) normalize(raw float64) float64 {
	norm := (raw + s.cfg.Offset) / s.cfg.Scale
	if norm < 0 {
		return 0
	}
	if norm > 1 {
		return 1
	}
	return norm
}

// pairKey hashes one (query, document) pair for the score cache.
func pairKey(query, doc string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(query))
	h.Write([]byte{0})
	h.Write([]byte(doc))
	return h.Sum64()
}

// tokenOverlap is the degraded-mode score: |Q ∩ doc| / |Q|.
func tokenOverlap(query, doc string) float64 {
	queryTokens := tokenize(query)
	if len(queryTokens) == 0 {
		return 0
	}
	docTokens := make(map[string]struct{})
	for _, t := range tokenize(doc) {
		docTokens[t] = struct{}{}
	}
	hits := 0
	for _, t := range queryTokens {
		if _, ok := docTokens[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryTokens))
}

func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// =============================================================================
// HTTP cross-encoder backend
// =============================================================================

// predictRequest is the sidecar cross-encoder's wire request.
type predictRequest struct {
	Query     string   `json:"query"`
	Documents []string `json:"documents"`
}

// predictResponse is the sidecar cross-encoder's wire response.
type predictResponse struct {
	Scores []float64 `json:"scores"`
}

// HTTPCrossEncoder talks to the sidecar cross-encoder HTTP service.
//
// The sidecar exposes POST /predict taking {"query": ..., "documents":
// [...]} and returning {"scores": [...]} in document order.
type HTTPCrossEncoder struct {
	url        string
	httpClient *http.Client
}

// NewHTTPCrossEncoder builds the sidecar client.
//
// Values can be overridden via environment variables:
//   - CROSS_ENCODER_URL (default: "http://localhost:8002/predict")
//   - CROSS_ENCODER_TIMEOUT_MS (default: 2000)
func NewHTTPCrossEncoder() *HTTPCrossEncoder {
	return &HTTPCrossEncoder{
		url: getEnvString("CROSS_ENCODER_URL", "http://localhost:8002/predict"),
		httpClient: &http.Client{
			Timeout: time.Duration(getEnvInt("CROSS_ENCODER_TIMEOUT_MS", 2000)) * time.Millisecond,
		},
	}
}

// Predict scores the documents against the query via the sidecar.
func (c *HTTPCrossEncoder) Predict(ctx context.Context, query string, documents []string) ([]float64, error) {
	reqBody, err := json.Marshal(predictRequest{Query: query, Documents: documents})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to setup predict request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to reach the cross-encoder service: %w", err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("Failed to close cross-encoder response body", "error", err)
		}
	}(resp.Body)

	bodyBytes, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("cross-encoder service returned %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var parsed predictResponse
	if err := json.Unmarshal(bodyBytes, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse cross-encoder response: %w", err)
	}
	return parsed.Scores, nil
}
