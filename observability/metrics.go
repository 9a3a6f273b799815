// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability exposes the bridge's Prometheus metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "otthon"

var (
	// StageDuration observes per-node pipeline latency.
	StageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of one pipeline node execution.",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
	}, []string{"stage"})

	// RequestDuration observes end-to-end pipeline latency.
	RequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "request_duration_seconds",
		Help:      "End-to-end pipeline run duration.",
		Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5},
	})

	// ScopeDecisions counts scope outcomes.
	ScopeDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "scope",
		Name:      "decisions_total",
		Help:      "Scope decisions by detected scope and reasoning branch.",
	}, []string{"scope", "reasoning"})

	// Fallbacks counts recovery-node activations.
	Fallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "fallbacks_total",
		Help:      "Activations of pipeline fallback and retry nodes.",
	}, []string{"node"})

	// MemoryBoosts counts candidates boosted from session memory.
	MemoryBoosts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "boosts_total",
		Help:      "Retrieval candidates boosted by session memory.",
	})

	// MemoryInjections counts synthetic candidates injected from memory.
	MemoryInjections = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "memory",
		Name:      "synthetic_injections_total",
		Help:      "Synthetic candidates injected from session memory.",
	})

	// EnrichmentQueueDepth tracks the enricher backlog.
	EnrichmentQueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "enricher",
		Name:      "queue_depth",
		Help:      "Tasks waiting in the enrichment queue.",
	})

	// EnrichmentDropped counts enrichment tasks dropped at enqueue.
	EnrichmentDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "enricher",
		Name:      "dropped_total",
		Help:      "Enrichment tasks dropped (queue full or coalesced).",
	})

	// WorkflowQuality observes the diagnostics quality score.
	WorkflowQuality = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "pipeline",
		Name:      "workflow_quality",
		Help:      "Diagnostics overall quality per request.",
		Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
	})
)
