// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package retrieval

// Config tunes the retrieval stage.
type Config struct {
	// ClusterThreshold is the minimum query similarity for a cluster to be
	// expanded. Default 0.7.
	ClusterThreshold float64

	// MaxClusters caps how many clusters one query may expand. Default 5.
	MaxClusters int

	// HybridMultiplier widens both hybrid branches to multiplier*k before
	// the union, giving the reranker headroom. Default 3.
	HybridMultiplier int

	// MinCandidates is the floor under which the retriever falls back to a
	// lexical-only pass. Default 2.
	MinCandidates int
}

// DefaultConfig loads retrieval settings from the environment.
func DefaultConfig() Config {
	return Config{
		ClusterThreshold: getEnvFloat("RETRIEVAL_CLUSTER_THRESHOLD", 0.7),
		MaxClusters:      getEnvInt("RETRIEVAL_MAX_CLUSTERS", 5),
		HybridMultiplier: getEnvInt("RETRIEVAL_HYBRID_MULTIPLIER", 3),
		MinCandidates:    getEnvInt("RETRIEVAL_MIN_CANDIDATES", 2),
	}
}
