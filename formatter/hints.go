// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package formatter

import (
	"strings"

	"github.com/tmc/langchaingo/textsplitter"
)

// hintChunkSize bounds one manual excerpt in the context block.
const hintChunkSize = 240

var hintSplitter = textsplitter.NewRecursiveCharacter(
	textsplitter.WithChunkSize(hintChunkSize),
	textsplitter.WithChunkOverlap(0),
)

// hintExcerpt trims a manual passage to its first sentence-aligned chunk
// so a verbose manual cannot flood the context.
func hintExcerpt(text string) string {
	text = strings.TrimSpace(text)
	if len(text) <= hintChunkSize {
		return text
	}
	chunks, err := hintSplitter.SplitText(text)
	if err != nil || len(chunks) == 0 {
		return text[:hintChunkSize]
	}
	return strings.TrimSpace(chunks[0])
}
