// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package chat provides the conversation view for the agentchat TUI.
//
// This file defines the Bubble Tea message types used by the chat interface.
package chat

import "github.com/morganforge/agentchat/internal/engine"

// =============================================================================
// STREAMING MESSAGES
// =============================================================================

// turnStepMsg reports that one pull on a turn completed. The live-view sink
// has already buffered whatever the step produced; Update drains it on this
// message. The turn pointer lets Update drop step messages from a turn that
// a newer send has superseded.
type turnStepMsg struct {
	turn *engine.Turn
	done bool
}

// =============================================================================
// UI MESSAGES
// =============================================================================

// flashMsg shows a transient status-bar notice.
type flashMsg struct {
	text string
}

// clearFlashMsg hides the status-bar notice.
type clearFlashMsg struct{}
