// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package conversation analyzes the current utterance against dialogue
// history: area/domain/intent extraction, coreference rewriting, and
// retrieval scope detection.
package conversation

import (
	"os"
	"strconv"
	"time"
)

// AnalyzerConfig holds the boost factors the analyzer exposes to the
// reranker.
type AnalyzerConfig struct {
	// HouseAreaBoost applies to the generic whole-house area. Default: 1.2
	HouseAreaBoost float64

	// SpecificAreaBoost applies to an explicitly mentioned area. Default: 2.0
	SpecificAreaBoost float64

	// FollowUpMultiplier scales area boosts on follow-up turns. Default: 1.5
	FollowUpMultiplier float64

	// DomainBoost applies to a mentioned domain. Default: 1.5
	DomainBoost float64

	// DeviceClassBoost applies to a mentioned device class. Default: 2.0
	DeviceClassBoost float64
}

// DefaultAnalyzerConfig returns the default analyzer configuration.
//
// Values can be overridden via environment variables:
//   - ANALYZER_HOUSE_AREA_BOOST (default: 1.2)
//   - ANALYZER_SPECIFIC_AREA_BOOST (default: 2.0)
//   - ANALYZER_FOLLOWUP_MULTIPLIER (default: 1.5)
//   - ANALYZER_DOMAIN_BOOST (default: 1.5)
//   - ANALYZER_DEVICE_CLASS_BOOST (default: 2.0)
func DefaultAnalyzerConfig() AnalyzerConfig {
	return AnalyzerConfig{
		HouseAreaBoost:     getEnvFloat("ANALYZER_HOUSE_AREA_BOOST", 1.2),
		SpecificAreaBoost:  getEnvFloat("ANALYZER_SPECIFIC_AREA_BOOST", 2.0),
		FollowUpMultiplier: getEnvFloat("ANALYZER_FOLLOWUP_MULTIPLIER", 1.5),
		DomainBoost:        getEnvFloat("ANALYZER_DOMAIN_BOOST", 1.5),
		DeviceClassBoost:   getEnvFloat("ANALYZER_DEVICE_CLASS_BOOST", 2.0),
	}
}

// RewriterConfig tunes the query rewriter.
type RewriterConfig struct {
	// Enabled turns the rewriter on. Default: true
	Enabled bool

	// UseLLM selects the LLM path when a gateway client is configured.
	// Default: true
	UseLLM bool

	// Deadline bounds the LLM call. Default: 2s
	Deadline time.Duration

	// MaxHistoryTurns is how many trailing turns the LLM prompt includes.
	// Default: 4
	MaxHistoryTurns int
}

// DefaultRewriterConfig returns the default rewriter configuration.
//
// Values can be overridden via environment variables:
//   - REWRITER_ENABLED (default: true)
//   - REWRITER_USE_LLM (default: true)
//   - REWRITER_DEADLINE_MS (default: 2000)
//   - REWRITER_MAX_HISTORY_TURNS (default: 4)
func DefaultRewriterConfig() RewriterConfig {
	return RewriterConfig{
		Enabled:         getEnvBool("REWRITER_ENABLED", true),
		UseLLM:          getEnvBool("REWRITER_USE_LLM", true),
		Deadline:        time.Duration(getEnvInt("REWRITER_DEADLINE_MS", 2000)) * time.Millisecond,
		MaxHistoryTurns: getEnvInt("REWRITER_MAX_HISTORY_TURNS", 4),
	}
}

// ScopeConfig tunes the scope detector's k values per decision branch.
type ScopeConfig struct {
	ControlQuantifiedK int // default 25
	ControlSingleAreaK int // default 8
	ControlAloneK      int // default 20
	ClimateAreaK       int // default 22
	SingleAreaK        int // default 22
	ValueQuestionK     int // default 20
	OverviewK          int // default 45
	ShortQueryK        int // default 8
	LongQueryK         int // default 35
	MediumQueryK       int // default 18
	FallbackK          int // default 12
}

// DefaultScopeConfig returns the default scope-detector configuration.
func DefaultScopeConfig() ScopeConfig {
	return ScopeConfig{
		ControlQuantifiedK: getEnvInt("SCOPE_CONTROL_QUANTIFIED_K", 25),
		ControlSingleAreaK: getEnvInt("SCOPE_CONTROL_SINGLE_AREA_K", 8),
		ControlAloneK:      getEnvInt("SCOPE_CONTROL_ALONE_K", 20),
		ClimateAreaK:       getEnvInt("SCOPE_CLIMATE_AREA_K", 22),
		SingleAreaK:        getEnvInt("SCOPE_SINGLE_AREA_K", 22),
		ValueQuestionK:     getEnvInt("SCOPE_VALUE_QUESTION_K", 20),
		OverviewK:          getEnvInt("SCOPE_OVERVIEW_K", 45),
		ShortQueryK:        getEnvInt("SCOPE_SHORT_QUERY_K", 8),
		LongQueryK:         getEnvInt("SCOPE_LONG_QUERY_K", 35),
		MediumQueryK:       getEnvInt("SCOPE_MEDIUM_QUERY_K", 18),
		FallbackK:          getEnvInt("SCOPE_FALLBACK_K", 12),
	}
}

// getEnvInt returns an environment variable as int, or defaultVal if not set/invalid.
func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

// getEnvFloat returns an environment variable as float64, or defaultVal if not set/invalid.
func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if floatVal, err := strconv.ParseFloat(val, 64); err == nil {
			return floatVal
		}
	}
	return defaultVal
}

// getEnvBool returns an environment variable as bool, or defaultVal if not set/invalid.
func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}
