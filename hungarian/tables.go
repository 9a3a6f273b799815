// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package hungarian

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"
)

// AliasSource supplies database-sourced area aliases keyed by canonical
// area name. The retrieval store implements it over the Area class.
type AliasSource interface {
	AreaAliases(ctx context.Context) (map[string][]string, error)
}

// Config tunes the pattern tables.
type Config struct {
	// AliasTTL is how long database-sourced aliases stay fresh.
	// Default: 10 minutes
	AliasTTL time.Duration

	// PatternFile optionally extends the static tables from a YAML file,
	// reloaded on change. Empty disables file loading.
	PatternFile string
}

// DefaultConfig returns the default table configuration.
//
// Values can be overridden via environment variables:
//   - CONVERSATION_ALIASES_TTL_SECONDS (default: 600)
//   - PATTERN_FILE (default: empty, disabled)
func DefaultConfig() Config {
	return Config{
		AliasTTL:    time.Duration(getEnvInt("CONVERSATION_ALIASES_TTL_SECONDS", 600)) * time.Second,
		PatternFile: getEnvString("PATTERN_FILE", ""),
	}
}

// Tables answers keyword questions about an utterance.
//
// # Description
//
// Tables merges three pattern layers: the static maps in patterns.go, a
// TTL-refreshed alias list from the database, and an optional pattern file.
// All matching is case-insensitive. Single-word patterns match as token
// prefixes so Hungarian case suffixes ("kertben", "kertből") hit their stem;
// multi-word patterns match as substrings.
//
// # Thread Safety
//
// Safe for concurrent use. Alias refresh and file reload swap the overlay
// maps under a write lock.
type Tables struct {
	cfg    Config
	source AliasSource

	mu            sync.RWMutex
	areaAliases   map[string][]string
	aliasesLoaded time.Time
	fileAreas     map[string][]string
	fileDomains   map[string]DomainPattern
}

// NewTables builds pattern tables. source may be nil (static-only).
func NewTables(cfg Config, source AliasSource) *Tables {
	return &Tables{cfg: cfg, source: source}
}

// MatchAreas returns every canonical area the utterance mentions, sorted.
func (t *Tables) MatchAreas(ctx context.Context, utterance string) []string {
	t.refreshAliases(ctx)
	lower := strings.ToLower(utterance)

	found := make(map[string]struct{})
	match := func(area string, patterns []string) {
		for _, p := range patterns {
			if matches(lower, p) {
				found[area] = struct{}{}
				return
			}
		}
	}

	for area, patterns := range AreaPatterns {
		match(area, patterns)
	}
	t.mu.RLock()
	for area, aliases := range t.areaAliases {
		match(area, aliases)
	}
	for area, patterns := range t.fileAreas {
		match(area, patterns)
	}
	t.mu.RUnlock()

	out := make([]string, 0, len(found))
	for area := range found {
		out = append(out, area)
	}
	sort.Strings(out)
	return out
}

// MatchDomains returns the mentioned domains and device classes, sorted.
// A device-class hit emits both the class and its owning domain.
func (t *Tables) MatchDomains(utterance string) (domains, deviceClasses []string) {
	lower := strings.ToLower(utterance)
	domainSet := make(map[string]struct{})
	classSet := make(map[string]struct{})

	scan := func(domain string, dp DomainPattern) {
		for _, p := range dp.Patterns {
			if matches(lower, p) {
				domainSet[domain] = struct{}{}
				break
			}
		}
		for class, patterns := range dp.DeviceClasses {
			for _, p := range patterns {
				if matches(lower, p) {
					domainSet[domain] = struct{}{}
					classSet[class] = struct{}{}
					break
				}
			}
		}
	}

	for domain, dp := range DomainPatterns {
		scan(domain, dp)
	}
	t.mu.RLock()
	for domain, dp := range t.fileDomains {
		scan(domain, dp)
	}
	t.mu.RUnlock()

	for d := range domainSet {
		domains = append(domains, d)
	}
	for c := range classSet {
		deviceClasses = append(deviceClasses, c)
	}
	sort.Strings(domains)
	sort.Strings(deviceClasses)
	return domains, deviceClasses
}

// IsFollowUp reports whether the utterance continues the previous turn.
func (t *Tables) IsFollowUp(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), FollowUpPatterns)
}

// HasControlVerb reports control intent.
func (t *Tables) HasControlVerb(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), ControlVerbPatterns)
}

// HasQuantity reports a global quantifier ("összes", "minden", "all").
func (t *Tables) HasQuantity(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), QuantityPatterns)
}

// IsHouseWide reports whole-house phrasing.
func (t *Tables) IsHouseWide(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), HouseWidePatterns)
}

// HasTemperaturePhrase reports a temperature question.
func (t *Tables) HasTemperaturePhrase(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), TemperaturePatterns)
}

// HasQuestionWord reports a value question ("mennyi", "hány fok").
func (t *Tables) HasQuestionWord(utterance string) bool {
	return matchesAny(strings.ToLower(utterance), QuestionPatterns)
}

// DetectLanguage classifies the utterance as Hungarian or English.
func (t *Tables) DetectLanguage(utterance string) string {
	lower := " " + strings.ToLower(utterance) + " "
	for _, marker := range hungarianMarkers {
		if strings.Contains(lower, marker) {
			return "hungarian"
		}
	}
	return "english"
}

// refreshAliases reloads database aliases once the TTL has lapsed.
func (t *Tables) refreshAliases(ctx context.Context) {
	if t.source == nil {
		return
	}
	t.mu.RLock()
	fresh := time.Since(t.aliasesLoaded) < t.cfg.AliasTTL && t.areaAliases != nil
	t.mu.RUnlock()
	if fresh {
		return
	}

	aliases, err := t.source.AreaAliases(ctx)
	t.mu.Lock()
	defer t.mu.Unlock()
	if err != nil {
		slog.Warn("Area alias refresh failed, keeping previous table", "error", err)
		// Push the next attempt out a little so a dead store is not hit
		// on every request.
		t.aliasesLoaded = time.Now().Add(-t.cfg.AliasTTL + 30*time.Second)
		return
	}
	t.areaAliases = aliases
	t.aliasesLoaded = time.Now()
	slog.Debug("Area aliases refreshed", "areas", len(aliases))
}

// matchesAny reports whether any pattern matches the lowercased utterance.
func matchesAny(lower string, patterns []string) bool {
	for _, p := range patterns {
		if matches(lower, p) {
			return true
		}
	}
	return false
}

// matches applies the table matching rule: multi-word patterns are
// substring matches, single words match as token prefixes.
func matches(lower, pattern string) bool {
	if pattern == "" {
		return false
	}
	if strings.ContainsAny(pattern, " ?") {
		return strings.Contains(lower, pattern)
	}
	for _, token := range tokenize(lower) {
		if strings.HasPrefix(token, pattern) {
			return true
		}
	}
	return false
}

// tokenize splits on anything that is not a letter or digit.
func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// TokenCount returns the utterance's word-ish token count, used by the
// scope detector's length heuristic.
func TokenCount(utterance string) int {
	return len(tokenize(strings.ToLower(utterance)))
}
