// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"sync"
	"time"

	"github.com/otthonlab/ragbridge/datatypes"
	"github.com/otthonlab/ragbridge/pkg/cache"
)

// traceTTL bounds how long a finished trace stays inspectable.
const traceTTL = 15 * time.Minute

// traceCapacity bounds retained traces; old ones are evicted LRU-style.
const traceCapacity = 1000

// Tracer retains per-request stage traces keyed by trace id.
//
// # Thread Safety
//
// Safe for concurrent use. Appends to one trace are serialized by the
// tracer's mutex; the underlying cache handles eviction.
type Tracer struct {
	mu     sync.Mutex
	traces *cache.TTLCache[string, []datatypes.PipelineStage]
}

// NewTracer builds a tracer with the default retention.
func NewTracer() *Tracer {
	return &Tracer{traces: cache.New[string, []datatypes.PipelineStage](traceCapacity, traceTTL)}
}

// Record appends one stage to the trace.
func (t *Tracer) Record(traceID string, stage datatypes.PipelineStage) {
	if traceID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	stages, _ := t.traces.Get(traceID)
	t.traces.Set(traceID, append(stages, stage))
}

// Trace returns the recorded stages for a trace id, or nil when the
// trace is unknown or expired.
func (t *Tracer) Trace(traceID string) []datatypes.PipelineStage {
	t.mu.Lock()
	defer t.mu.Unlock()
	stages, _ := t.traces.Get(traceID)
	return stages
}
