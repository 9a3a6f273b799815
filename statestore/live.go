// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statestore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// liveStateResponse is the live-state service's wire shape for one entity.
type liveStateResponse struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Attributes map[string]any `json:"attributes"`
}

// LiveClient reads current values from the home controller's REST API.
type LiveClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewLiveClient builds a client for the live-state service.
//
// # Inputs
//
//   - baseURL: Controller base URL (e.g. "http://homeassistant:8123").
//   - token: Bearer token; empty disables the Authorization header.
//   - timeout: Per-call timeout.
func NewLiveClient(baseURL, token string, timeout time.Duration) *LiveClient {
	return &LiveClient{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// CurrentState returns the entity's live value.
//
// # Outputs
//
//   - *StateValue: The current reading; nil when the service is unreachable
//     (degrade, do not fail).
//   - error: ErrUnknownEntity on 404; nil for transport failures, which are
//     logged and reported as "no current value".
func (c *LiveClient) CurrentState(ctx context.Context, entityID string) (*StateValue, error) {
	endpoint := fmt.Sprintf("%s/api/states/%s", c.baseURL, url.PathEscape(entityID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build live-state request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		slog.Warn("Live-state service unreachable, treating as no value",
			"entity_id", entityID, "error", err)
		return nil, nil
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("Failed to close live-state response body", "error", err)
		}
	}(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrUnknownEntity
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(resp.Body)
		slog.Warn("Live-state service returned non-200, treating as no value",
			"entity_id", entityID, "status", resp.StatusCode, "body", string(body))
		return nil, nil
	}

	var parsed liveStateResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to parse live-state response: %w", err)
	}

	value := &StateValue{
		EntityID:   entityID,
		State:      parsed.State,
		Attributes: parsed.Attributes,
		Source:     "live",
		At:         time.Now(),
	}
	if unit, ok := parsed.Attributes["unit_of_measurement"].(string); ok {
		value.Unit = unit
	}
	return value, nil
}

// CallService invokes POST /api/services/{domain}/{service} on the
// controller with the given JSON payload (typically {"entity_id": ...}).
//
// # Outputs
//
//   - error: Non-nil when the controller rejects the call or is
//     unreachable. Unlike reads, service calls do not degrade silently.
func (c *LiveClient) CallService(ctx context.Context, domain, service string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode service payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/api/services/%s/%s",
		c.baseURL, url.PathEscape(domain), url.PathEscape(service))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build service request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("service call %s.%s failed: %w", domain, service, err)
	}
	defer func(body io.ReadCloser) {
		if err := body.Close(); err != nil {
			slog.Warn("Failed to close service-call response body", "error", err)
		}
	}(resp.Body)

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("service call %s.%s returned %d: %s",
			domain, service, resp.StatusCode, string(detail))
	}
	return nil
}
