package llmgw

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

// chatStub speaks just enough of the OpenAI chat protocol for the client.
func chatStub(t *testing.T, gotHeaders *[]string, reply string) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		*gotHeaders = append(*gotHeaders, r.Header.Get("X-Internal-Call"))
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": time.Now().Unix(),
			"model":   "gpt-4o-mini",
			"choices": []map[string]any{
				{
					"index":         0,
					"finish_reason": "stop",
					"message":       map[string]any{"role": "assistant", "content": reply},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestGenerateCarriesInternalCallTag(t *testing.T) {
	var headers []string
	srv := httptest.NewServer(chatStub(t, &headers, "Hány fok van a kertben?"))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{
		BaseURL: srv.URL + "/v1",
		Model:   "gpt-4o-mini",
		APIKey:  "test",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	out, err := client.Generate(context.Background(), "rewrite this", GenerationParams{
		Temperature: Float32(0.1),
		MaxTokens:   Int(64),
	})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if out != "Hány fok van a kertben?" {
		t.Errorf("Generate = %q", out)
	}
	if len(headers) != 1 || headers[0] != "true" {
		t.Errorf("internal-call headers = %v, want [true]", headers)
	}
}

func TestGenerateDeadline(t *testing.T) {
	var headers []string
	slow := func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		chatStub(t, &headers, "late")(w, r)
	}
	srv := httptest.NewServer(http.HandlerFunc(slow))
	defer srv.Close()

	client, err := NewOpenAIClient(Config{
		BaseURL: srv.URL + "/v1",
		Model:   "gpt-4o-mini",
		APIKey:  "test",
		Timeout: time.Second,
	})
	if err != nil {
		t.Fatalf("NewOpenAIClient: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := client.Generate(ctx, "rewrite this", GenerationParams{}); err == nil {
		t.Error("expected deadline error")
	}
}
