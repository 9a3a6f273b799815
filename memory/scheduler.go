// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package memory

import (
	"context"
	"log/slog"
	"time"
)

// CleanupScheduler periodically reclaims lapsed sessions from the store.
//
// # Description
//
// Badger's entry TTL hides expired keys on its own; the scheduler's job is
// reclaiming the non-TTL meta records and triggering value-log GC. One
// goroutine, stopped via Stop during shutdown.
type CleanupScheduler struct {
	store    *Store
	interval time.Duration
	done     chan struct{}
	stopped  chan struct{}
}

// NewCleanupScheduler builds a scheduler; interval <= 0 defaults to 10m.
func NewCleanupScheduler(store *Store, interval time.Duration) *CleanupScheduler {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &CleanupScheduler{
		store:    store,
		interval: interval,
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// Start launches the cleanup loop.
func (c *CleanupScheduler) Start() {
	go c.run()
}

// Stop terminates the loop and waits for the current pass to finish.
func (c *CleanupScheduler) Stop() {
	close(c.done)
	<-c.stopped
}

func (c *CleanupScheduler) run() {
	defer close(c.stopped)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			reclaimed, err := c.store.CleanupExpired(ctx)
			cancel()
			if err != nil {
				slog.Warn("Memory cleanup pass failed", "error", err)
				continue
			}
			if reclaimed > 0 {
				slog.Info("Memory cleanup reclaimed sessions", "count", reclaimed)
			}
		}
	}
}
