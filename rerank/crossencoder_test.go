package rerank

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func testScorerConfig() ScorerConfig {
	return ScorerConfig{Offset: 1.0, Scale: 2.0, CacheTTL: time.Minute, CacheMaxSize: 100}
}

// cannedModel returns fixed raw scores and counts calls.
type cannedModel struct {
	raw   []float64
	err   error
	calls int
}

func (m *cannedModel) Predict(ctx context.Context, query string, documents []string) ([]float64, error) {
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.raw[:len(documents)], nil
}

func TestScoreNormalizesAndClamps(t *testing.T) {
	model := &cannedModel{raw: []float64{1.0, -1.0, 0.0, 3.0, -4.0}}
	s := NewScorer(model, testScorerConfig())

	got := s.Score(context.Background(), "q", []string{"a", "b", "c", "d", "e"})
	want := []float64{1.0, 0.0, 0.5, 1.0, 0.0}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("score[%d] = %f, want %f", i, got[i], want[i])
		}
	}
}

func TestScoreCachesPairs(t *testing.T) {
	model := &cannedModel{raw: []float64{0.5}}
	s := NewScorer(model, testScorerConfig())

	first := s.Score(context.Background(), "q", []string{"doc"})
	second := s.Score(context.Background(), "q", []string{"doc"})
	if model.calls != 1 {
		t.Errorf("model calls = %d, want 1 (second read from cache)", model.calls)
	}
	if first[0] != second[0] {
		t.Errorf("cached score differs: %f vs %f", first[0], second[0])
	}
}

func TestScoreFallsBackToTokenOverlap(t *testing.T) {
	model := &cannedModel{err: errors.New("model down")}
	s := NewScorer(model, testScorerConfig())

	got := s.Score(context.Background(), "kert nedvesség", []string{
		"sensor.kert_humidity | kert nedvesség szenzor",
		"light.nappali | nappali lámpa",
	})
	if got[0] != 1.0 {
		t.Errorf("full-overlap fallback = %f, want 1.0", got[0])
	}
	if got[1] != 0.0 {
		t.Errorf("no-overlap fallback = %f, want 0.0", got[1])
	}
}

func TestScoreNilModelUsesFallback(t *testing.T) {
	s := NewScorer(nil, testScorerConfig())
	got := s.Score(context.Background(), "kert", []string{"kert"})
	if got[0] != 1.0 {
		t.Errorf("score = %f, want token-overlap 1.0", got[0])
	}
}

func TestHTTPCrossEncoderPredict(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s", r.Method)
		}
		w.Write([]byte(`{"scores": [0.7, -0.2]}`))
	}))
	defer srv.Close()

	t.Setenv("CROSS_ENCODER_URL", srv.URL)
	enc := NewHTTPCrossEncoder()

	got, err := enc.Predict(context.Background(), "q", []string{"a", "b"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0.7 || got[1] != -0.2 {
		t.Errorf("scores = %v", got)
	}
}

func TestHTTPCrossEncoderErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	t.Setenv("CROSS_ENCODER_URL", srv.URL)
	enc := NewHTTPCrossEncoder()

	if _, err := enc.Predict(context.Background(), "q", []string{"a"}); err == nil {
		t.Error("expected error on 503")
	}
}

func TestTokenOverlap(t *testing.T) {
	tests := []struct {
		query, doc string
		want       float64
	}{
		{"hány fok van", "hány fok van a nappaliban", 1.0},
		{"hány fok van", "nedvesség", 0.0},
		{"kert nedvesség", "kert", 0.5},
		{"", "anything", 0.0},
	}
	for _, tt := range tests {
		if got := tokenOverlap(tt.query, tt.doc); got != tt.want {
			t.Errorf("tokenOverlap(%q, %q) = %f, want %f", tt.query, tt.doc, got, tt.want)
		}
	}
}
