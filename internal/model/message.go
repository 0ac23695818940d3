// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures for chat sessions and messages.
package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/morganforge/agentchat/internal/util"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role represents the sender of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleAssistant:
		return "Assistant"
	default:
		return string(r)
	}
}

// =============================================================================
// ATTACHMENT TYPE
// =============================================================================

// AttachmentKind distinguishes image attachments from generic files.
type AttachmentKind string

const (
	AttachmentImage AttachmentKind = "image"
	AttachmentFile  AttachmentKind = "file"
)

// Attachment is a reference to a file the user attached to a message.
// Attachments are immutable once created; their contents are never read,
// only referenced by name and optional URL.
type Attachment struct {
	Name string         `json:"name"`
	Kind AttachmentKind `json:"type"`
	URL  string         `json:"url,omitempty"`
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message represents a single message in a chat session.
//
// The ID is immutable once created. Content is replaced wholesale while an
// assistant message is streaming; it is never appended to concurrently from
// two writers.
type Message struct {
	ID          string       `json:"id"`
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Timestamp   int64        `json:"timestamp"` // epoch milliseconds
	Attachments []Attachment `json:"attachments,omitempty"`
}

// NewMessage creates a new message with a generated ID and the current
// timestamp.
func NewMessage(role Role, content string) *Message {
	return &Message{
		ID:        generateID(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UnixMilli(),
	}
}

// NewUserMessage creates a new user message with optional attachments.
func NewUserMessage(content string, attachments []Attachment) *Message {
	msg := NewMessage(RoleUser, content)
	msg.Attachments = attachments
	return msg
}

// NewAssistantMessage creates the empty assistant placeholder that a
// streaming run progressively fills.
func NewAssistantMessage() *Message {
	return NewMessage(RoleAssistant, "")
}

// Clone returns a copy of the message. Attachments are immutable so the
// slice header copy is sufficient.
func (m *Message) Clone() *Message {
	cp := *m
	return &cp
}

// Preview returns a one-line truncated preview of the message content.
func (m *Message) Preview(maxRunes int) string {
	return util.TruncateRunes(util.CollapseNewlines(m.Content), maxRunes)
}

// IsEmpty returns true if the message has no content and no attachments.
func (m *Message) IsEmpty() bool {
	return m.Content == "" && len(m.Attachments) == 0
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message/session ID. UUIDs stay unique even
// when many messages are created within the same millisecond.
func generateID() string {
	return uuid.NewString()
}
