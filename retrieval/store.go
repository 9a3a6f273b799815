// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
)

var tracer = otel.Tracer("otthon.ragbridge.retrieval")

// entityFields is the field set requested on every Entity query.
var entityFields = []graphql.Field{
	{Name: "entity_id"},
	{Name: "domain"},
	{Name: "device_class"},
	{Name: "area"},
	{Name: "friendly_name"},
	{Name: "text"},
	{Name: "device_id"},
	{Name: "_additional", Fields: []graphql.Field{
		{Name: "id"},
		{Name: "distance"},
		{Name: "score"},
	}},
}

// WeaviateStore is the concrete vector-store adapter backing retrieval.
//
// # Description
//
// WeaviateStore implements EntitySearcher and ClusterSearcher over the
// Entity, Cluster, ClusterMember, Area, and ManualDoc classes, and doubles
// as the alias source for the Hungarian pattern tables. It holds no mutable
// state beyond the client.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying Weaviate client is thread-safe.
type WeaviateStore struct {
	client *weaviate.Client
}

// NewWeaviateStore wraps a connected Weaviate client.
func NewWeaviateStore(client *weaviate.Client) *WeaviateStore {
	return &WeaviateStore{client: client}
}

// SearchByVector runs kNN over the Entity class.
//
// # Description
//
// Scores are seeded as 1 - distance so vector and BM25 branches are
// comparable when the retriever unions them.
func (s *WeaviateStore) SearchByVector(ctx context.Context, vector []float32, limit int) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "store.search_by_vector")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector)

	result, err := s.client.GraphQL().Get().
		WithClassName("Entity").
		WithFields(entityFields...).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		slog.Error("Entity vector search failed", "error", err)
		return nil, fmt.Errorf("entity vector search failed: %w", err)
	}

	return parseEntityHits(result)
}

// SearchByText runs BM25 over the Entity class, matching the prose text and
// the friendly name.
func (s *WeaviateStore) SearchByText(ctx context.Context, query string, limit int) ([]datatypes.ScoredEntity, error) {
	ctx, span := tracer.Start(ctx, "store.search_by_text")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("text", "friendly_name")

	result, err := s.client.GraphQL().Get().
		WithClassName("Entity").
		WithFields(entityFields...).
		WithBM25(bm25).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		slog.Error("Entity BM25 search failed", "error", err)
		return nil, fmt.Errorf("entity bm25 search failed: %w", err)
	}

	return parseEntityHits(result)
}

// EntitiesByID resolves entity records for the given ids. Missing ids are
// silently absent from the result; order is whatever the store returns.
func (s *WeaviateStore) EntitiesByID(ctx context.Context, entityIDs []string) ([]datatypes.Entity, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "store.entities_by_id")
	defer span.End()
	span.SetAttributes(attribute.Int("ids", len(entityIDs)))

	idFilter := filters.Where().
		WithPath([]string{"entity_id"}).
		WithOperator(filters.ContainsAny).
		WithValueString(entityIDs...)

	result, err := s.client.GraphQL().Get().
		WithClassName("Entity").
		WithFields(entityFields...).
		WithWhere(idFilter).
		WithLimit(len(entityIDs)).
		Do(ctx)
	if err != nil {
		slog.Error("Entity id lookup failed", "error", err, "count", len(entityIDs))
		return nil, fmt.Errorf("entity id lookup failed: %w", err)
	}

	scored, err := parseEntityHits(result)
	if err != nil {
		return nil, err
	}
	entities := make([]datatypes.Entity, 0, len(scored))
	for _, hit := range scored {
		entities = append(entities, hit.Entity)
	}
	return entities, nil
}

// SearchClusters finds semantic clusters of the given types whose summary
// embedding is within threshold similarity of the query vector.
//
// # Description
//
// The threshold is a cosine similarity; Weaviate filters on distance, so
// the builder passes 1 - threshold. Results keep Weaviate's similarity
// ordering.
func (s *WeaviateStore) SearchClusters(ctx context.Context, vector []float32, types []datatypes.ClusterType, limit int, threshold float64) ([]datatypes.Cluster, error) {
	ctx, span := tracer.Start(ctx, "store.search_clusters")
	defer span.End()
	span.SetAttributes(attribute.Int("limit", limit))

	typeStrings := make([]string, len(types))
	for i, t := range types {
		typeStrings[i] = string(t)
	}
	typeFilter := filters.Where().
		WithPath([]string{"type"}).
		WithOperator(filters.ContainsAny).
		WithValueString(typeStrings...)

	nearVector := s.client.GraphQL().NearVectorArgBuilder().
		WithVector(vector).
		WithDistance(float32(1.0 - threshold))

	fields := []graphql.Field{
		{Name: "key"},
		{Name: "type"},
		{Name: "label"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "distance"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("Cluster").
		WithFields(fields...).
		WithWhere(typeFilter).
		WithNearVector(nearVector).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		slog.Error("Cluster search failed", "error", err)
		return nil, fmt.Errorf("cluster search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cluster results: %w", err)
	}
	clusters := make([]datatypes.Cluster, 0, len(parsed.Get.Cluster))
	for i := range parsed.Get.Cluster {
		clusters = append(clusters, parsed.Get.Cluster[i].ToCluster())
	}
	return clusters, nil
}

// ClusterMembers returns all membership edges for the given cluster keys.
func (s *WeaviateStore) ClusterMembers(ctx context.Context, clusterKeys []string) ([]datatypes.ClusterMember, error) {
	if len(clusterKeys) == 0 {
		return nil, nil
	}
	ctx, span := tracer.Start(ctx, "store.cluster_members")
	defer span.End()

	keyFilter := filters.Where().
		WithPath([]string{"cluster_key"}).
		WithOperator(filters.ContainsAny).
		WithValueString(clusterKeys...)

	fields := []graphql.Field{
		{Name: "cluster_key"},
		{Name: "entity_id"},
		{Name: "role"},
		{Name: "weight"},
		{Name: "context_boost"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("ClusterMember").
		WithFields(fields...).
		WithWhere(keyFilter).
		WithLimit(1000).
		Do(ctx)
	if err != nil {
		slog.Error("Cluster member lookup failed", "error", err)
		return nil, fmt.Errorf("cluster member lookup failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ClusterMemberQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse cluster members: %w", err)
	}
	members := make([]datatypes.ClusterMember, 0, len(parsed.Get.ClusterMember))
	for i := range parsed.Get.ClusterMember {
		members = append(members, parsed.Get.ClusterMember[i].ToMember())
	}
	return members, nil
}

// AreaAliases loads the full area alias table. Implements the pattern
// tables' alias source.
func (s *WeaviateStore) AreaAliases(ctx context.Context) (map[string][]string, error) {
	ctx, span := tracer.Start(ctx, "store.area_aliases")
	defer span.End()

	fields := []graphql.Field{
		{Name: "area_id"},
		{Name: "name"},
		{Name: "aliases"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("Area").
		WithFields(fields...).
		WithLimit(500).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("area alias load failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AreaQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse areas: %w", err)
	}
	aliases := make(map[string][]string, len(parsed.Get.Area))
	for i := range parsed.Get.Area {
		area := parsed.Get.Area[i].ToArea()
		aliases[area.Name] = area.Aliases
	}
	return aliases, nil
}

// Areas loads all area records, used by the formatter for display names.
func (s *WeaviateStore) Areas(ctx context.Context) ([]datatypes.Area, error) {
	fields := []graphql.Field{
		{Name: "area_id"},
		{Name: "name"},
		{Name: "aliases"},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("Area").
		WithFields(fields...).
		WithLimit(500).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("area load failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.AreaQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse areas: %w", err)
	}
	areas := make([]datatypes.Area, 0, len(parsed.Get.Area))
	for i := range parsed.Get.Area {
		areas = append(areas, parsed.Get.Area[i].ToArea())
	}
	return areas, nil
}

// ManualDocsForDevice finds manual excerpts for a device, ranked by BM25
// relevance to the query.
func (s *WeaviateStore) ManualDocsForDevice(ctx context.Context, deviceID, query string, limit int) ([]datatypes.ManualDoc, error) {
	ctx, span := tracer.Start(ctx, "store.manual_docs")
	defer span.End()

	deviceFilter := filters.Where().
		WithPath([]string{"device_id"}).
		WithOperator(filters.Equal).
		WithValueString(deviceID)

	bm25 := s.client.GraphQL().Bm25ArgBuilder().
		WithQuery(query).
		WithProperties("text")

	fields := []graphql.Field{
		{Name: "document_id"},
		{Name: "device_id"},
		{Name: "text"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "score"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName("ManualDoc").
		WithFields(fields...).
		WithWhere(deviceFilter).
		WithBM25(bm25).
		WithLimit(limit).
		Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("manual doc search failed: %w", err)
	}

	parsed, err := datatypes.ParseGraphQLResponse[datatypes.ManualDocQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manual docs: %w", err)
	}
	docs := make([]datatypes.ManualDoc, 0, len(parsed.Get.ManualDoc))
	for i := range parsed.Get.ManualDoc {
		docs = append(docs, parsed.Get.ManualDoc[i].ToDoc())
	}
	return docs, nil
}

// parseEntityHits converts a raw GraphQL response into scored candidates.
func parseEntityHits(result *models.GraphQLResponse) ([]datatypes.ScoredEntity, error) {
	parsed, err := datatypes.ParseGraphQLResponse[datatypes.EntityQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entity results: %w", err)
	}
	hits := make([]datatypes.ScoredEntity, 0, len(parsed.Get.Entity))
	for i := range parsed.Get.Entity {
		hits = append(hits, parsed.Get.Entity[i].ToScored())
	}
	return hits, nil
}
