// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package cache provides a small generic TTL cache shared by the bridge's
// read-mostly caches (live-state values, cross-encoder scores, area aliases).
//
// # Thread Safety
//
// TTLCache is safe for concurrent use. Entries are evicted lazily on read
// and proactively when the cache exceeds its size bound.
package cache

import (
	"container/list"
	"sync"
	"time"
)

// TTLCache is a bounded key/value cache with per-entry expiry.
//
// # Description
//
// TTLCache stores up to MaxSize entries, each valid for the configured TTL.
// Reads past the expiry behave as a miss. When the cache is full, the least
// recently inserted entry is evicted (FIFO: entries are cheap to recompute,
// so strict LRU bookkeeping is not worth the extra locking).
//
// # Example
//
//	c := cache.New[string, float64](1000, 5*time.Minute)
//	c.Set("sensor.kert_humidity", 54.2)
//	if v, ok := c.Get("sensor.kert_humidity"); ok {
//	    // use v
//	}
type TTLCache[K comparable, V any] struct {
	mu      sync.Mutex
	entries map[K]*entry[K, V]
	order   *list.List
	maxSize int
	ttl     time.Duration

	// now is swappable for tests.
	now func() time.Time
}

type entry[K comparable, V any] struct {
	key       K
	value     V
	expiresAt time.Time
	elem      *list.Element
}

// New creates a TTLCache holding at most maxSize entries for ttl each.
//
// # Inputs
//
//   - maxSize: Maximum entries before FIFO eviction. Values < 1 become 1.
//   - ttl: Per-entry lifetime. Values <= 0 mean entries never expire.
//
// # Outputs
//
//   - *TTLCache[K, V]: Ready to use cache.
func New[K comparable, V any](maxSize int, ttl time.Duration) *TTLCache[K, V] {
	if maxSize < 1 {
		maxSize = 1
	}
	return &TTLCache[K, V]{
		entries: make(map[K]*entry[K, V]),
		order:   list.New(),
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get returns the cached value for key, or the zero value and false on a
// miss or an expired entry. Expired entries are removed on access.
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}
	if c.ttl > 0 && c.now().After(e.expiresAt) {
		c.removeLocked(e)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key, resetting its TTL. If the cache is full the
// oldest entry is evicted first.
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[key]; ok {
		e.value = value
		e.expiresAt = c.now().Add(c.ttl)
		return
	}

	for len(c.entries) >= c.maxSize {
		oldest := c.order.Front()
		if oldest == nil {
			break
		}
		c.removeLocked(oldest.Value.(*entry[K, V]))
	}

	e := &entry[K, V]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	e.elem = c.order.PushBack(e)
	c.entries[key] = e
}

// Delete removes key from the cache. Missing keys are a no-op.
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Len returns the number of entries currently stored, including entries
// that have expired but not yet been touched.
func (c *TTLCache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Purge removes all expired entries and returns how many were dropped.
func (c *TTLCache[K, V]) Purge() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ttl <= 0 {
		return 0
	}
	now := c.now()
	removed := 0
	for _, e := range c.entries {
		if now.After(e.expiresAt) {
			c.removeLocked(e)
			removed++
		}
	}
	return removed
}

// SetClock replaces the cache's time source. Tests only.
func (c *TTLCache[K, V]) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

func (c *TTLCache[K, V]) removeLocked(e *entry[K, V]) {
	c.order.Remove(e.elem)
	delete(c.entries, e.key)
}
