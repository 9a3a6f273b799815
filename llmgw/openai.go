// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llmgw

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// internalCallHeader tags gateway calls originating from this pipeline.
// The gateway's context hook skips tagged requests, breaking the
// bridge → gateway → bridge recursion.
const internalCallHeader = "X-Internal-Call"

// OpenAIClient talks to an OpenAI-compatible gateway.
type OpenAIClient struct {
	client *openai.Client
	model  string
}

// internalCallTransport stamps every request with the internal-call tag.
type internalCallTransport struct {
	base http.RoundTripper
}

func (t *internalCallTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set(internalCallHeader, "true")
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// NewOpenAIClient builds a gateway client from cfg.
//
// # Description
//
// Reads the API key from cfg, then OPENAI_API_KEY, then the conventional
// secrets mount. A non-empty BaseURL redirects calls to a local gateway
// (llama.cpp server, LiteLLM, vLLM) speaking the OpenAI wire protocol.
func NewOpenAIClient(cfg Config) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			apiKey = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the LLM gateway API key from secrets", "path", secretPath)
		}
	}
	if apiKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("LLM gateway API key not set and no local gateway URL configured")
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	clientConfig.HTTPClient = &http.Client{
		Timeout:   cfg.Timeout,
		Transport: &internalCallTransport{},
	}

	slog.Info("Initializing LLM gateway client", "model", cfg.Model, "base_url", cfg.BaseURL)
	return &OpenAIClient{
		client: openai.NewClientWithConfig(clientConfig),
		model:  cfg.Model,
	}, nil
}

// Generate implements the Client interface.
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("LLM gateway call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("LLM gateway returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}
