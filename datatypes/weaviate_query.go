// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/weaviate/weaviate/entities/models"
)

// =============================================================================
// Generic GraphQL Response Parser
// =============================================================================

// ParseGraphQLResponse parses a Weaviate GraphQL response into the target type.
//
// # Description
//
// This generic function encapsulates the marshal/unmarshal pattern required to
// convert Weaviate's dynamic response (map[string]models.JSONObject) into a
// strongly-typed Go struct. The target type T must have json tags matching
// the expected response shape.
//
// # Type Parameters
//
//   - T: The target struct type with json tags matching the response shape.
//
// # Inputs
//
//   - resp: The GraphQL response from Weaviate client's Do() method.
//
// # Outputs
//
//   - *T: Pointer to the parsed struct.
//   - error: Non-nil if response is nil or parsing fails.
//
// # Example
//
//	resp, err := client.GraphQL().Get().WithClassName("Entity").Do(ctx)
//	if err != nil { ... }
//
//	parsed, err := ParseGraphQLResponse[EntityQueryResponse](resp)
//	if err != nil { ... }
//
//	for _, e := range parsed.Get.Entity {
//	    fmt.Println(e.EntityID)
//	}
//
// # Limitations
//
//   - Requires the target type to exactly match the expected response structure.
//   - Type mismatches will result in zero values, not errors.
//
// # Assumptions
//
//   - The response Data field is JSON-marshalable.
//   - The target type T has correct json tags.
func ParseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}

	respBytes, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal GraphQL response data: %w", err)
	}

	var result T
	if err := json.Unmarshal(respBytes, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal into target type: %w", err)
	}

	return &result, nil
}

// Additional is the _additional block requested on every query.
//
// Weaviate reports BM25 relevance as a string in "score" and vector
// similarity as "distance"; Similarity() folds both into one number.
type Additional struct {
	ID       string   `json:"id"`
	Distance *float32 `json:"distance"`
	Score    *string  `json:"score"`
}

// Similarity returns the candidate's retrieval score on a 0..1-ish scale:
// 1 - distance for vector hits, the parsed BM25 score otherwise, 0 when
// neither is present.
func (a *Additional) Similarity() float64 {
	if a.Distance != nil {
		return 1.0 - float64(*a.Distance)
	}
	if a.Score != nil {
		if v, err := strconv.ParseFloat(*a.Score, 64); err == nil {
			return v
		}
	}
	return 0
}

// =============================================================================
// Typed Query Responses
// =============================================================================

// EntityQueryResponse represents the response from querying the Entity class.
type EntityQueryResponse struct {
	Get struct {
		Entity []EntityResult `json:"Entity"`
	} `json:"Get"`
}

// EntityResult represents a single entity hit from a query.
type EntityResult struct {
	EntityID     string     `json:"entity_id"`
	Domain       string     `json:"domain"`
	DeviceClass  string     `json:"device_class"`
	Area         string     `json:"area"`
	FriendlyName string     `json:"friendly_name"`
	Text         string     `json:"text"`
	DeviceID     string     `json:"device_id"`
	Additional   Additional `json:"_additional"`
}

// ToScored converts the query hit into a retrieval candidate, seeding Score
// from the _additional block.
func (r *EntityResult) ToScored() ScoredEntity {
	domain := r.Domain
	if domain == "" {
		domain = DomainOf(r.EntityID)
	}
	return ScoredEntity{
		Entity: Entity{
			EntityID:     r.EntityID,
			Domain:       domain,
			DeviceClass:  r.DeviceClass,
			Area:         r.Area,
			FriendlyName: r.FriendlyName,
			Text:         r.Text,
			DeviceID:     r.DeviceID,
		},
		Score: r.Additional.Similarity(),
	}
}

// ClusterQueryResponse represents the response from querying the Cluster class.
type ClusterQueryResponse struct {
	Get struct {
		Cluster []ClusterResult `json:"Cluster"`
	} `json:"Get"`
}

// ClusterResult represents a single cluster hit from a query.
type ClusterResult struct {
	Key        string     `json:"key"`
	Type       string     `json:"type"`
	Label      string     `json:"label"`
	Additional Additional `json:"_additional"`
}

// ToCluster converts the query hit into a Cluster with its search score.
func (r *ClusterResult) ToCluster() Cluster {
	return Cluster{
		Key:   r.Key,
		Type:  ClusterType(r.Type),
		Label: r.Label,
		Score: r.Additional.Similarity(),
	}
}

// ClusterMemberQueryResponse represents the response from querying the
// ClusterMember class (membership edges).
type ClusterMemberQueryResponse struct {
	Get struct {
		ClusterMember []ClusterMemberResult `json:"ClusterMember"`
	} `json:"Get"`
}

// ClusterMemberResult represents one membership edge from a query.
type ClusterMemberResult struct {
	ClusterKey   string  `json:"cluster_key"`
	EntityID     string  `json:"entity_id"`
	Role         string  `json:"role"`
	Weight       float64 `json:"weight"`
	ContextBoost float64 `json:"context_boost"`
}

// ToMember converts the query hit into a ClusterMember edge.
func (r *ClusterMemberResult) ToMember() ClusterMember {
	return ClusterMember{
		ClusterKey:   r.ClusterKey,
		EntityID:     r.EntityID,
		Role:         r.Role,
		Weight:       r.Weight,
		ContextBoost: r.ContextBoost,
	}
}

// AreaQueryResponse represents the response from querying the Area class.
type AreaQueryResponse struct {
	Get struct {
		Area []AreaResult `json:"Area"`
	} `json:"Get"`
}

// AreaResult represents a single area from a query.
type AreaResult struct {
	AreaID  string   `json:"area_id"`
	Name    string   `json:"name"`
	Aliases []string `json:"aliases"`
}

// ToArea converts the query hit into an Area.
func (r *AreaResult) ToArea() Area {
	return Area{AreaID: r.AreaID, Name: r.Name, Aliases: r.Aliases}
}

// ManualDocQueryResponse represents the response from querying the ManualDoc
// class (device manual excerpts).
type ManualDocQueryResponse struct {
	Get struct {
		ManualDoc []ManualDocResult `json:"ManualDoc"`
	} `json:"Get"`
}

// ManualDocResult represents a single manual excerpt from a query.
type ManualDocResult struct {
	DocumentID string     `json:"document_id"`
	DeviceID   string     `json:"device_id"`
	Text       string     `json:"text"`
	Additional Additional `json:"_additional"`
}

// ToDoc converts the query hit into a ManualDoc with its search score.
func (r *ManualDocResult) ToDoc() ManualDoc {
	return ManualDoc{
		DocumentID: r.DocumentID,
		DeviceID:   r.DeviceID,
		Text:       r.Text,
		Score:      r.Additional.Similarity(),
	}
}

// DeviceQueryResponse represents the response from querying the Device class.
type DeviceQueryResponse struct {
	Get struct {
		Device []DeviceResult `json:"Device"`
	} `json:"Get"`
}

// DeviceResult represents a single device from a query.
type DeviceResult struct {
	DeviceID     string `json:"device_id"`
	AreaID       string `json:"area_id"`
	Manufacturer string `json:"manufacturer"`
	Model        string `json:"model"`
	Name         string `json:"name"`
}
