// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"strings"

	"github.com/otthonlab/ragbridge/datatypes"
)

// State is the workflow-local record every node reads from and patches
// into.
//
// # Description
//
// One State per request. Nodes receive a snapshot by value and return a
// patch; the engine applies patches sequentially, so a node never sees a
// half-written State. The zero value plus the input fields is a valid
// starting state.
type State struct {
	// Input.
	UserQuery      string
	SessionID      string
	ConversationID string
	History        []datatypes.Message
	Debug          bool

	// Conversation analysis output.
	Quick          *datatypes.QuickAnalysis
	ConvCtx        *datatypes.ConversationContext
	RewrittenQuery string
	RewriteInfo    *datatypes.RewriteResult

	// Scope detection output.
	Scope *datatypes.ScopeDecision

	// Problematic is set when scope detection refused the input
	// (empty, digits-only, keyboard mash).
	Problematic bool

	// Retrieval output.
	Retrieved          []datatypes.ScoredEntity
	ClusterCount       int
	LexicalFallback    bool
	MemoryEntities     []datatypes.MemoryEntity
	MemoryBoostedCount int
	MemoryInjected     int

	// SkipMemory disables further memory reads and the end-of-turn
	// write after a memory failure.
	SkipMemory bool

	// Formatting output.
	Primary           []datatypes.ScoredEntity
	Related           []datatypes.ScoredEntity
	Filtered          []datatypes.ScoredEntity
	FormatterStrategy string
	FormattedContext  string

	// ForcedStrategy is set by retry_formatting to steer the next
	// formatting attempt away from the layout that just failed.
	ForcedStrategy string

	// Diagnostics output.
	Diagnostics *datatypes.Diagnostics

	// Control.
	Errors       []error
	RetryCount   int
	FallbackUsed bool

	// Tracing.
	TraceID string
	Stages  []datatypes.PipelineStage
}

// addError appends a node failure.
func (s *State) addError(err error) {
	if err != nil {
		s.Errors = append(s.Errors, err)
	}
}

// hasError reports whether any recorded error matches the category.
func (s *State) hasError(is func(error) bool) bool {
	for _, err := range s.Errors {
		if is(err) {
			return true
		}
	}
	return false
}

// clearErrors drops recorded errors matching the category; retry nodes
// call it so a recovered category no longer trips the routing rules.
func (s *State) clearErrors(is func(error) bool) {
	kept := s.Errors[:0]
	for _, err := range s.Errors {
		if !is(err) {
			kept = append(kept, err)
		}
	}
	s.Errors = kept
}

// ErrorStrings renders the recorded errors for the response metadata.
func (s *State) ErrorStrings() []string {
	if len(s.Errors) == 0 {
		return nil
	}
	out := make([]string, len(s.Errors))
	for i, err := range s.Errors {
		out[i] = err.Error()
	}
	return out
}

// IsTestSession reports whether the session id marks a test session,
// which gets eager memory cleanup after every turn.
func (s *State) IsTestSession() bool {
	lower := strings.ToLower(s.SessionID)
	return strings.HasPrefix(lower, "test") || strings.HasSuffix(lower, "-test")
}
