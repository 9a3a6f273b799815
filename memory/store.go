// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package memory is the per-session conversation memory: remembered
// entities with boost weights, the area/domain sets a session has touched,
// and the background-enriched context summary.
package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/otthonlab/ragbridge/datatypes"
)

var tracer = otel.Tracer("otthon.ragbridge.memory")

// Key layout. Everything for a session shares the "<kind>:<session>"
// prefix so a session purge is a prefix scan.
const (
	entityPrefix  = "entity:"
	metaPrefix    = "meta:"
	summaryPrefix = "summary:"
)

// sessionMeta is the per-session area/domain accumulator.
type sessionMeta struct {
	Areas     []string  `json:"areas"`
	Domains   []string  `json:"domains"`
	Queries   int       `json:"queries"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Config tunes the memory store.
type Config struct {
	// Dir is the Badger data directory. Ignored when InMemory is set.
	Dir string

	// InMemory runs Badger without disk persistence, for tests.
	InMemory bool

	// EntityTTL is how long a remembered entity survives without being
	// mentioned again. Default 1h.
	EntityTTL time.Duration

	// SummaryTTL bounds the enriched-context cache. Default 15m.
	SummaryTTL time.Duration

	// MaxRelevant caps GetRelevant's result. Default 5.
	MaxRelevant int
}

// DefaultConfig loads memory settings from the environment.
//
// Values can be overridden via environment variables:
//   - MEMORY_DIR (default: "/var/lib/ragbridge/memory")
//   - MEMORY_ENTITY_TTL_SECONDS (default: 3600)
//   - MEMORY_SUMMARY_TTL_SECONDS (default: 900)
//   - MEMORY_MAX_RELEVANT (default: 5)
func DefaultConfig() Config {
	return Config{
		Dir:         getEnvString("MEMORY_DIR", "/var/lib/ragbridge/memory"),
		EntityTTL:   time.Duration(getEnvInt("MEMORY_ENTITY_TTL_SECONDS", 3600)) * time.Second,
		SummaryTTL:  time.Duration(getEnvInt("MEMORY_SUMMARY_TTL_SECONDS", 900)) * time.Second,
		MaxRelevant: getEnvInt("MEMORY_MAX_RELEVANT", 5),
	}
}

// Store is the BadgerDB-backed conversation memory.
//
// # Description
//
// Entities and summaries are written with Badger's native entry TTL, so
// expiry needs no scanner: expired keys simply stop appearing in reads.
// CleanupExpired exists to reclaim the per-session meta records whose
// entities have all lapsed, and to nudge the value-log GC.
//
// # Thread Safety
//
// Safe for concurrent use; Badger transactions provide isolation.
type Store struct {
	db  *badger.DB
	cfg Config
}

// NewStore opens (or creates) the memory database.
func NewStore(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Dir == "" {
		return nil, errors.New("memory: Config.Dir is required for on-disk mode")
	}
	opts := badger.DefaultOptions(cfg.Dir).WithLogger(nil)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open memory store: %w", err)
	}
	return &Store{db: db, cfg: cfg}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Store upserts the turn's top entities into session memory and merges the
// area/domain sets.
//
// # Description
//
// Each mention merges into the stored record by taking, field-wise, the
// maximum of the previous value and a fixed mapping of the turn's score.
// Boost weight and memory relevance are therefore monotone non-decreasing
// across turns, and re-storing an identical turn changes nothing but
// last_seen: the upsert is idempotent. New entities land at boost
// 1.1–1.4 and relevance 1.0–2.0 depending on score.
// Passing a summary stores it with the summary TTL in the same call.
func (s *Store) Store(ctx context.Context, sessionID string, topEntities []datatypes.ScoredEntity, areas, domains []string, summary *datatypes.EnrichedContext) error {
	ctx, span := tracer.Start(ctx, "memory.store")
	defer span.End()
	span.SetAttributes(attribute.Int("entities", len(topEntities)))

	now := time.Now()
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, cand := range topEntities {
			key := []byte(entityPrefix + sessionID + ":" + cand.EntityID)

			mem := datatypes.MemoryEntity{
				EntityID:        cand.EntityID,
				Area:            cand.Area,
				Domain:          cand.Domain,
				BoostWeight:     boostFor(cand.FinalScore),
				RelevanceScore:  cand.FinalScore,
				MemoryRelevance: relevanceFor(cand.FinalScore),
				LastSeen:        now,
			}
			if item, err := txn.Get(key); err == nil {
				var prev datatypes.MemoryEntity
				if err := item.Value(func(val []byte) error {
					return json.Unmarshal(val, &prev)
				}); err == nil {
					mem = updateEntity(prev, cand.FinalScore, now)
				}
			}

			buf, err := json.Marshal(mem)
			if err != nil {
				return fmt.Errorf("failed to marshal memory entity: %w", err)
			}
			entry := badger.NewEntry(key, buf).WithTTL(s.cfg.EntityTTL)
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
		}

		meta := sessionMeta{UpdatedAt: now}
		metaKey := []byte(metaPrefix + sessionID)
		if item, err := txn.Get(metaKey); err == nil {
			_ = item.Value(func(val []byte) error {
				return json.Unmarshal(val, &meta)
			})
		}
		meta.Areas = mergeSorted(meta.Areas, areas)
		meta.Domains = mergeSorted(meta.Domains, domains)
		meta.Queries++
		meta.UpdatedAt = now
		buf, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		return txn.Set(metaKey, buf)
	})
	if err != nil {
		return fmt.Errorf("failed to store session memory: %w", err)
	}

	if summary != nil {
		return s.StoreSummary(ctx, sessionID, summary)
	}
	return nil
}

// updateEntity merges one turn's score into an existing memory record.
// Every field takes the max of the stored value and a pure function of the
// turn's score, so repeating an identical turn leaves the record unchanged
// apart from last_seen while a stronger mention still promotes it.
func updateEntity(prev datatypes.MemoryEntity, score float64, now time.Time) datatypes.MemoryEntity {
	if score > prev.RelevanceScore {
		prev.RelevanceScore = score
	}
	if b := boostFor(score); b > prev.BoostWeight {
		prev.BoostWeight = b
	}
	if r := relevanceFor(score); r > prev.MemoryRelevance {
		prev.MemoryRelevance = r
	}
	prev.LastSeen = now
	return prev
}

// boostFor maps a turn's final score onto a boost weight in [1.1, 1.4].
func boostFor(score float64) float64 {
	return 1.1 + 0.3*clamp01(score)
}

// relevanceFor maps a turn's final score onto a memory relevance in
// [1.0, 2.0]. Scores above 0.5 clear the synthetic-injection threshold.
func relevanceFor(score float64) float64 {
	return 1.0 + clamp01(score)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// GetRelevant returns up to max remembered entities for a session, most
// relevant first (relevance_score · boost_weight descending). A max of 0
// uses the configured default.
func (s *Store) GetRelevant(ctx context.Context, sessionID string, max int) ([]datatypes.MemoryEntity, error) {
	_, span := tracer.Start(ctx, "memory.get_relevant")
	defer span.End()

	if max <= 0 {
		max = s.cfg.MaxRelevant
	}
	entities, err := s.Entities(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if len(entities) > max {
		entities = entities[:max]
	}
	return entities, nil
}

// Entities returns every live remembered entity for a session, most
// relevant first.
func (s *Store) Entities(ctx context.Context, sessionID string) ([]datatypes.MemoryEntity, error) {
	prefix := []byte(entityPrefix + sessionID + ":")
	var entities []datatypes.MemoryEntity

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var mem datatypes.MemoryEntity
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &mem)
			}); err != nil {
				slog.Warn("Skipping corrupt memory entry", "error", err)
				continue
			}
			entities = append(entities, mem)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read session memory: %w", err)
	}

	sort.SliceStable(entities, func(i, j int) bool {
		si := entities[i].RelevanceScore * entities[i].BoostWeight
		sj := entities[j].RelevanceScore * entities[j].BoostWeight
		if si != sj {
			return si > sj
		}
		return entities[i].EntityID < entities[j].EntityID
	})
	return entities, nil
}

// AreasDomains returns the accumulated area and domain sets for a session.
func (s *Store) AreasDomains(ctx context.Context, sessionID string) (areas, domains []string, err error) {
	var meta sessionMeta
	err = s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read session meta: %w", err)
	}
	return meta.Areas, meta.Domains, nil
}

// QueryCount returns how many queries the session has stored, for the
// periodic-cleanup routing predicate.
func (s *Store) QueryCount(ctx context.Context, sessionID string) (int, error) {
	var meta sessionMeta
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &meta)
		})
	})
	if err != nil {
		return 0, err
	}
	return meta.Queries, nil
}

// StoreSummary caches the enriched context for a session with the summary
// TTL.
func (s *Store) StoreSummary(ctx context.Context, sessionID string, summary *datatypes.EnrichedContext) error {
	buf, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal enriched context: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(summaryPrefix+sessionID), buf).WithTTL(s.cfg.SummaryTTL)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("failed to store summary: %w", err)
	}
	return nil
}

// GetSummary returns the cached enriched context, or nil when absent or
// expired.
func (s *Store) GetSummary(ctx context.Context, sessionID string) (*datatypes.EnrichedContext, error) {
	var summary *datatypes.EnrichedContext
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(summaryPrefix + sessionID))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var ec datatypes.EnrichedContext
			if err := json.Unmarshal(val, &ec); err != nil {
				return err
			}
			summary = &ec
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read summary: %w", err)
	}
	return summary, nil
}

// ListSessions returns the ids of every session with a live meta record.
func (s *Store) ListSessions(ctx context.Context) ([]string, error) {
	prefix := []byte(metaPrefix)
	var sessions []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := string(it.Item().KeyCopy(nil))
			sessions = append(sessions, strings.TrimPrefix(key, metaPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sort.Strings(sessions)
	return sessions, nil
}

// DeleteSession purges everything stored for a session. Returns the number
// of keys removed.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) (int, error) {
	prefixes := [][]byte{
		[]byte(entityPrefix + sessionID + ":"),
		[]byte(metaPrefix + sessionID),
		[]byte(summaryPrefix + sessionID),
	}
	removed := 0
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, prefix := range prefixes {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = prefix
			opts.PrefetchValues = false
			it := txn.NewIterator(opts)
			var keys [][]byte
			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			it.Close()
			for _, key := range keys {
				if err := txn.Delete(key); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete session: %w", err)
	}
	return removed, nil
}

// CleanupExpired reclaims meta records for sessions whose remembered
// entities and summary have all lapsed, and nudges the value-log GC.
// Returns the number of sessions reclaimed.
func (s *Store) CleanupExpired(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "memory.cleanup_expired")
	defer span.End()

	sessions, err := s.ListSessions(ctx)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, session := range sessions {
		entities, err := s.Entities(ctx, session)
		if err != nil {
			return reclaimed, err
		}
		if len(entities) > 0 {
			continue
		}
		summary, err := s.GetSummary(ctx, session)
		if err != nil {
			return reclaimed, err
		}
		if summary != nil {
			continue
		}
		if _, err := s.DeleteSession(ctx, session); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}

	// Badger returns ErrNoRewrite when there was nothing to collect.
	if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		slog.Debug("Value log GC skipped", "error", err)
	}

	span.SetAttributes(attribute.Int("reclaimed", reclaimed))
	return reclaimed, nil
}

// mergeSorted unions two string slices into a sorted, deduplicated result.
func mergeSorted(existing, extra []string) []string {
	seen := make(map[string]struct{}, len(existing)+len(extra))
	for _, v := range existing {
		seen[v] = struct{}{}
	}
	for _, v := range extra {
		if v != "" {
			seen[v] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for v := range seen {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
