// Copyright (C) 2026 Otthon Labs (hello@otthonlab.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import (
	"regexp"
	"strings"
)

// =============================================================================
// Meta-Task Payload Parsing
// =============================================================================

// chatHistoryRe captures the body of a <chat_history> block inside a
// meta-task template ("### Chat History: <chat_history>...</chat_history>").
var chatHistoryRe = regexp.MustCompile(`(?s)<chat_history>(.*?)</chat_history>`)

// turnRe splits chat-history text at USER:/ASSISTANT: markers, keeping the
// marker so each piece carries its role.
var turnRe = regexp.MustCompile(`(?s)(USER:|ASSISTANT:)`)

// IsMetaTaskPayload reports whether a raw prompt carries a meta-task
// template instead of a plain user utterance.
func IsMetaTaskPayload(raw string) bool {
	return chatHistoryRe.MatchString(raw)
}

// ParseMetaTaskPayload extracts the ordered conversation turns from a
// meta-task-wrapped prompt.
//
// # Description
//
// Summarizer-style upstream callers wrap conversations in a template such as
// "### Task: Generate tags ... ### Chat History:
// <chat_history>USER: ... ASSISTANT: ...</chat_history>". The bridge only
// cares about the dialogue itself: every USER:/ASSISTANT: turn inside the
// chat-history block, in order. Re-serializing the returned messages yields
// the same (role, content) list as parsing the unwrapped form.
//
// # Inputs
//
//   - raw: The full prompt string, template included.
//
// # Outputs
//
//   - []Message: Parsed turns in order. Nil when no chat-history block or
//     no recognizable turns exist.
func ParseMetaTaskPayload(raw string) []Message {
	m := chatHistoryRe.FindStringSubmatch(raw)
	if m == nil {
		return nil
	}
	return parseTurns(m[1])
}

// parseTurns splits a USER:/ASSISTANT:-marked transcript into messages.
func parseTurns(body string) []Message {
	locs := turnRe.FindAllStringSubmatchIndex(body, -1)
	if len(locs) == 0 {
		return nil
	}

	var messages []Message
	for i, loc := range locs {
		marker := body[loc[2]:loc[3]]
		start := loc[1]
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		content := strings.TrimSpace(body[start:end])
		if content == "" {
			continue
		}
		role := "user"
		if marker == "ASSISTANT:" {
			role = "assistant"
		}
		messages = append(messages, Message{Role: role, Content: content})
	}
	return messages
}

// LastUserMessage returns the content of the final user turn and the turns
// preceding it as history. ok is false when no user turn exists.
//
// # Example
//
//	msgs := ParseMetaTaskPayload(raw)
//	query, history, ok := LastUserMessage(msgs)
//	// query == "És kint?", history holds the two prior turns
func LastUserMessage(messages []Message) (query string, history []Message, ok bool) {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			return messages[i].Content, messages[:i], true
		}
	}
	return "", nil, false
}
