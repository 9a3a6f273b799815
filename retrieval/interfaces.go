// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package retrieval implements candidate retrieval over the vector store:
// cluster-first expansion plus a hybrid vector/lexical union.
package retrieval

import (
	"context"

	"github.com/otthonlab/ragbridge/datatypes"
)

// EntitySearcher is the store surface the hybrid retriever needs.
//
// # Description
//
// Split from the concrete Weaviate store so the retriever and the pipeline
// are testable against in-memory fakes. All methods must be safe for
// concurrent use; the retriever fans its branches out in parallel.
type EntitySearcher interface {
	// SearchByVector runs kNN over entity embeddings, cosine similarity.
	SearchByVector(ctx context.Context, vector []float32, limit int) ([]datatypes.ScoredEntity, error)

	// SearchByText runs BM25 over the analyzed entity text view.
	SearchByText(ctx context.Context, query string, limit int) ([]datatypes.ScoredEntity, error)
}

// ClusterSearcher is the store surface the cluster index needs.
type ClusterSearcher interface {
	// SearchClusters finds clusters of the given types above threshold.
	SearchClusters(ctx context.Context, vector []float32, types []datatypes.ClusterType, limit int, threshold float64) ([]datatypes.Cluster, error)

	// ClusterMembers returns the membership edges for the given clusters.
	ClusterMembers(ctx context.Context, clusterKeys []string) ([]datatypes.ClusterMember, error)

	// EntitiesByID resolves entity records for membership expansion.
	EntitiesByID(ctx context.Context, entityIDs []string) ([]datatypes.Entity, error)
}
