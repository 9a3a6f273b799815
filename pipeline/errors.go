// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package pipeline

import (
	"errors"
	"fmt"
)

// The routing rules inspect error categories, not message substrings, so
// every node failure is wrapped in one of the typed errors below.

// ScopeError marks a scope-detection failure.
type ScopeError struct {
	Reason string
}

func (e *ScopeError) Error() string {
	return fmt.Sprintf("scope detection failed: %s", e.Reason)
}

// RetrievalError marks an entity-retrieval failure.
type RetrievalError struct {
	Op  string
	Err error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("entity retrieval failed (%s): %v", e.Op, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// FormatError marks a context-formatting failure.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("context formatting failed: %s", e.Reason)
}

// MemoryError marks a session-memory failure. It routes the pipeline to
// continue_without_memory rather than any retry path.
type MemoryError struct {
	Op  string
	Err error
}

func (e *MemoryError) Error() string {
	return fmt.Sprintf("session memory failed (%s): %v", e.Op, e.Err)
}

func (e *MemoryError) Unwrap() error { return e.Err }

// IsScopeError reports whether err is (or wraps) a ScopeError.
func IsScopeError(err error) bool {
	var t *ScopeError
	return errors.As(err, &t)
}

// IsRetrievalError reports whether err is (or wraps) a RetrievalError.
func IsRetrievalError(err error) bool {
	var t *RetrievalError
	return errors.As(err, &t)
}

// IsFormatError reports whether err is (or wraps) a FormatError.
func IsFormatError(err error) bool {
	var t *FormatError
	return errors.As(err, &t)
}

// IsMemoryError reports whether err is (or wraps) a MemoryError.
func IsMemoryError(err error) bool {
	var t *MemoryError
	return errors.As(err, &t)
}
