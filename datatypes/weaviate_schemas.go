// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate/entities/models"
)

// GetEntitySchema returns the schema for the Entity class.
//
// # Description
//
// Entity is the primary retrieval class: one object per home entity, with
// a prose description (word-tokenized for BM25) and an externally supplied
// embedding vector. Vectorizer is "none" because the ingestion pipeline
// computes vectors with the bridge's own embedding backend.
func GetEntitySchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Entity",
		Description: "A retrievable home entity (sensor, light, switch, ...).",
		Vectorizer:  "none",
		InvertedIndexConfig: &models.InvertedIndexConfig{
			IndexNullState:  true,
			IndexTimestamps: true,
		},
		Properties: []*models.Property{
			{
				Name:            "entity_id",
				DataType:        []string{"text"},
				Description:     "Globally unique id in domain.slug form.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "domain",
				DataType:        []string{"text"},
				Description:     "Leading segment of entity_id (sensor, light, ...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "device_class",
				DataType:        []string{"text"},
				Description:     "Domain refinement (temperature, humidity, power, ...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "area",
				DataType:        []string{"text"},
				Description:     "Room or zone, resolved through the owning device when unset.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "friendly_name",
				DataType:     []string{"text"},
				Description:  "Human-readable name.",
				Tokenization: "word",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Description:  "Prose description indexed for lexical search; may embed aliases.",
				Tokenization: "word",
			},
			{
				Name:            "device_id",
				DataType:        []string{"text"},
				Description:     "Owning device, when known.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
		},
	}
}

// GetAreaSchema returns the schema for the Area class.
func GetAreaSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Area",
		Description: "A named room or zone with natural-language aliases.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "area_id",
				DataType:        []string{"text"},
				Description:     "Unique area id.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "name",
				DataType:        []string{"text"},
				Description:     "Canonical Hungarian name (kert, nappali, ...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "aliases",
				DataType:    []string{"text[]"},
				Description: "Alternative names in any language (garden, yard, ...).",
			},
		},
	}
}

// GetDeviceSchema returns the schema for the Device class.
func GetDeviceSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Device",
		Description: "A physical device grouping entities; entities may inherit its area.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "device_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "area_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:     "manufacturer",
				DataType: []string{"text"},
			},
			{
				Name:     "model",
				DataType: []string{"text"},
			},
			{
				Name:         "name",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
		},
	}
}

// GetClusterSchema returns the schema for the Cluster class.
//
// # Description
//
// Clusters are precomputed semantic groupings ("kert sensors", "climate
// overview"). Each carries a summarizing embedding so cluster search is a
// single kNN call; membership edges live in ClusterMember.
func GetClusterSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "Cluster",
		Description: "A precomputed semantic grouping of entities with a summarizing vector.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "key",
				DataType:        []string{"text"},
				Description:     "Unique cluster key (area_kert, climate_all, ...).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "type",
				DataType:        []string{"text"},
				Description:     "Cluster kind: specific, device, area, domain, climate, overview.",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "label",
				DataType:     []string{"text"},
				Description:  "Human-readable label for traces.",
				Tokenization: "word",
			},
		},
	}
}

// GetClusterMemberSchema returns the schema for the ClusterMember class.
func GetClusterMemberSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "ClusterMember",
		Description: "A weighted membership edge from a cluster to an entity.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "cluster_key",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "entity_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "role",
				DataType:        []string{"text"},
				Description:     "Member role within the cluster (primary, member).",
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:        "weight",
				DataType:    []string{"number"},
				Description: "Membership weight assigned at ingestion.",
			},
			{
				Name:        "context_boost",
				DataType:    []string{"number"},
				Description: "Extra boost the cluster carries for this member.",
			},
		},
	}
}

// GetManualDocSchema returns the schema for the ManualDoc class.
func GetManualDocSchema() *models.Class {
	indexFilterable := new(bool)
	*indexFilterable = true

	return &models.Class{
		Class:       "ManualDoc",
		Description: "A device manual excerpt used for formatter hints.",
		Vectorizer:  "none",
		Properties: []*models.Property{
			{
				Name:            "document_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:            "device_id",
				DataType:        []string{"text"},
				IndexFilterable: indexFilterable,
				Tokenization:    "field",
			},
			{
				Name:         "text",
				DataType:     []string{"text"},
				Tokenization: "word",
			},
		},
	}
}

// EnsureWeaviateSchema creates any missing bridge classes.
//
// # Description
//
// Idempotent bootstrap run at startup. Existing classes are left untouched;
// only missing classes are created. Unlike ingestion this never writes data,
// so it is safe to run against a populated store.
//
// # Inputs
//
//   - ctx: Cancellation context for the schema calls.
//   - client: Connected Weaviate client.
//
// # Outputs
//
//   - error: Non-nil if a missing class could not be created.
func EnsureWeaviateSchema(ctx context.Context, client *weaviate.Client) error {
	schemaGetters := []func() *models.Class{
		GetEntitySchema,
		GetAreaSchema,
		GetDeviceSchema,
		GetClusterSchema,
		GetClusterMemberSchema,
		GetManualDocSchema,
	}

	for _, getSchema := range schemaGetters {
		class := getSchema()
		slog.Info("Checking schema", "class", class.Class)

		_, err := client.Schema().ClassGetter().WithClassName(class.Class).Do(ctx)
		if err != nil {
			// The class getter errors when the class does not exist yet.
			slog.Info("Schema not found, creating it...", "class", class.Class)
			if err := client.Schema().ClassCreator().WithClass(class).Do(ctx); err != nil {
				return fmt.Errorf("failed to create schema for class %s: %w", class.Class, err)
			}
			slog.Info("Successfully created schema", "class", class.Class)
		} else {
			slog.Info("Schema already exists", "class", class.Class)
		}
	}
	return nil
}
