// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package statestore reads current entity values: a live-state HTTP service,
// an optional time-series last-value lookup, and a TTL cache in front.
package statestore

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrUnknownEntity is returned when the live-state service has never seen
// the entity id.
var ErrUnknownEntity = errors.New("unknown entity")

// StateValue is one current reading for an entity.
type StateValue struct {
	EntityID   string         `json:"entity_id"`
	State      string         `json:"state"`
	Unit       string         `json:"unit,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	// Source names where the value came from: "live", "timeseries", "cache".
	Source string `json:"source,omitempty"`

	// At is when the value was observed.
	At time.Time `json:"at"`
}

// IsActive reports whether the value is a usable reading: non-empty and not
// one of the sentinel unavailable states.
func (v *StateValue) IsActive() bool {
	if v == nil {
		return false
	}
	switch strings.ToLower(v.State) {
	case "", "unknown", "unavailable", "none", "null":
		return false
	}
	return true
}

// Reader reads the current value of one entity.
//
// # Description
//
// Implementations must treat backend failures as "no current value": the
// caller maps a nil value to the sensor-unavailable ranking penalty, never
// to a request failure.
type Reader interface {
	// CurrentState returns the entity's current value. A nil value with a
	// nil error means the backend answered but had no usable reading.
	CurrentState(ctx context.Context, entityID string) (*StateValue, error)
}
