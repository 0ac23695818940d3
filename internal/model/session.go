// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"time"

	"github.com/morganforge/agentchat/internal/util"
)

// TitleMaxRunes is the number of characters of the first user message used
// as the session title.
const TitleMaxRunes = 30

// =============================================================================
// SESSION TYPE
// =============================================================================

// Session is one persisted conversation thread.
//
// Messages are chronological and append-only, except for the in-place
// content update of the assistant message that is currently streaming.
// UpdatedAt advances on a completed exchange, not on every chunk.
type Session struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Messages  []*Message `json:"messages"`
	UpdatedAt int64      `json:"updatedAt"` // epoch milliseconds
}

// NewSession creates a session seeded with its first user message. The
// title is derived from the message text.
func NewSession(first *Message) *Session {
	return &Session{
		ID:        generateID(),
		Title:     DeriveTitle(first.Content),
		Messages:  []*Message{first},
		UpdatedAt: first.Timestamp,
	}
}

// DeriveTitle builds a session title from the first user message text:
// the first 30 characters, with an ellipsis appended when truncated.
func DeriveTitle(text string) string {
	text = util.CollapseNewlines(text)
	runes := []rune(text)
	if len(runes) <= TitleMaxRunes {
		return text
	}
	return string(runes[:TitleMaxRunes]) + "..."
}

// =============================================================================
// SESSION METHODS
// =============================================================================

// Append adds a message and bumps UpdatedAt to the message timestamp.
func (s *Session) Append(msg *Message) {
	s.Messages = append(s.Messages, msg)
	s.UpdatedAt = msg.Timestamp
}

// MessageByID returns the message with the given ID, or nil.
func (s *Session) MessageByID(id string) *Message {
	for _, msg := range s.Messages {
		if msg.ID == id {
			return msg
		}
	}
	return nil
}

// LastMessage returns the most recent message, or nil if empty.
func (s *Session) LastMessage() *Message {
	if len(s.Messages) == 0 {
		return nil
	}
	return s.Messages[len(s.Messages)-1]
}

// MessageCount returns the number of messages in the session.
func (s *Session) MessageCount() int {
	return len(s.Messages)
}

// Touch sets UpdatedAt to now.
func (s *Session) Touch() {
	s.UpdatedAt = time.Now().UnixMilli()
}

// Clone returns a deep copy of the session. The store hands clones to
// callers so the engine's goroutine never shares message pointers with
// the UI.
func (s *Session) Clone() *Session {
	clone := &Session{
		ID:        s.ID,
		Title:     s.Title,
		UpdatedAt: s.UpdatedAt,
		Messages:  make([]*Message, len(s.Messages)),
	}
	for i, msg := range s.Messages {
		clone.Messages[i] = msg.Clone()
	}
	return clone
}

// Preview returns a one-line preview of the first user message.
func (s *Session) Preview(maxRunes int) string {
	for _, msg := range s.Messages {
		if msg.Role == RoleUser && msg.Content != "" {
			return msg.Preview(maxRunes)
		}
	}
	return ""
}
