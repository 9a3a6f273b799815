// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package statestore

import (
	"context"
	"errors"
	"time"

	"github.com/otthonlab/ragbridge/pkg/cache"
)

// Config tunes the state cache.
type Config struct {
	// CacheMaxSize bounds the TTL cache. Default: 1000
	CacheMaxSize int

	// CacheTTL is how long a cached reading stays valid. Default: 30s
	CacheTTL time.Duration
}

// DefaultConfig returns the default state-cache configuration.
//
// Values can be overridden via environment variables:
//   - STATE_CACHE_MAXSIZE (default: 1000)
//   - STATE_CACHE_TTL_SECONDS (default: 30)
func DefaultConfig() Config {
	return Config{
		CacheMaxSize: getEnvInt("STATE_CACHE_MAXSIZE", 1000),
		CacheTTL:     time.Duration(getEnvInt("STATE_CACHE_TTL_SECONDS", 30)) * time.Second,
	}
}

// Store is the cached front over the configured state readers.
//
// # Description
//
// Reads consult the time-series reader first when one is configured (its
// last-value lookup is cheaper and survives controller restarts), then the
// live-state service. Both "backend down" and "entity has no value" come
// back as a nil StateValue; only programmer errors surface as errors.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying cache serializes access.
type Store struct {
	timeseries Reader
	live       Reader
	cache      *cache.TTLCache[string, *StateValue]
}

// NewStore builds a Store. timeseries may be nil; live is required.
func NewStore(cfg Config, timeseries, live Reader) *Store {
	return &Store{
		timeseries: timeseries,
		live:       live,
		cache:      cache.New[string, *StateValue](cfg.CacheMaxSize, cfg.CacheTTL),
	}
}

// Cached returns the entity's current value, serving from the TTL cache
// when possible. A nil result means no usable value.
func (s *Store) Cached(ctx context.Context, entityID string) *StateValue {
	if v, ok := s.cache.Get(entityID); ok {
		return v
	}
	return s.Fresh(ctx, entityID)
}

// Fresh bypasses the cache, reads through the backends, and refreshes the
// cache with whatever it found (including a miss, to absorb repeated
// lookups of dead entities within one TTL).
func (s *Store) Fresh(ctx context.Context, entityID string) *StateValue {
	value := s.read(ctx, entityID)
	s.cache.Set(entityID, value)
	return value
}

// HasActiveValue reports whether the entity currently has a usable reading,
// the input to the has_active_value/unavailable ranking factors.
func (s *Store) HasActiveValue(ctx context.Context, entityID string) bool {
	return s.Cached(ctx, entityID).IsActive()
}

func (s *Store) read(ctx context.Context, entityID string) *StateValue {
	if s.timeseries != nil {
		if v, err := s.timeseries.CurrentState(ctx, entityID); err == nil && v != nil {
			return v
		}
	}
	if s.live != nil {
		v, err := s.live.CurrentState(ctx, entityID)
		if err != nil && !errors.Is(err, ErrUnknownEntity) {
			return nil
		}
		return v
	}
	return nil
}
