// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"sync"

	"github.com/morganforge/agentchat/internal/model"
)

// =============================================================================
// LIVE VIEW SINK
// =============================================================================

// liveView buffers view updates produced by the engine so the Bubble Tea
// Update loop can apply them on its own goroutine. The engine pushes from
// whichever goroutine pumps the turn; Update drains after each step.
//
// Thread-safety: all operations take the mutex. One turn step runs at a
// time, and its turnStepMsg is delivered after the step's sink calls, so a
// drain always observes a consistent batch.
type liveView struct {
	mu sync.Mutex

	sessionsDirty bool
	appended      []*model.Message
	updates       map[string]string // messageID -> accumulated content
	updateOrder   []string
}

func newLiveView() *liveView {
	return &liveView{updates: make(map[string]string)}
}

// SessionCreated marks the session list stale.
func (lv *liveView) SessionCreated(sess *model.Session) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.sessionsDirty = true
}

// MessageAppended queues a message for the transcript.
func (lv *liveView) MessageAppended(sessionID string, msg *model.Message) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	lv.appended = append(lv.appended, msg.Clone())
}

// MessageUpdated queues a whole-content replacement for one message. Later
// updates for the same id supersede earlier ones; only the latest is kept.
func (lv *liveView) MessageUpdated(sessionID, messageID, content string) {
	lv.mu.Lock()
	defer lv.mu.Unlock()
	if _, seen := lv.updates[messageID]; !seen {
		lv.updateOrder = append(lv.updateOrder, messageID)
	}
	lv.updates[messageID] = content
}

// viewBatch is one drained set of pending view changes.
type viewBatch struct {
	sessionsDirty bool
	appended      []*model.Message
	updates       map[string]string
	updateOrder   []string
}

// drain returns all pending changes and resets the buffer.
func (lv *liveView) drain() viewBatch {
	lv.mu.Lock()
	defer lv.mu.Unlock()

	batch := viewBatch{
		sessionsDirty: lv.sessionsDirty,
		appended:      lv.appended,
		updates:       lv.updates,
		updateOrder:   lv.updateOrder,
	}
	lv.sessionsDirty = false
	lv.appended = nil
	lv.updates = make(map[string]string)
	lv.updateOrder = nil
	return batch
}

// apply folds a batch into a transcript, returning the updated slice.
func (b viewBatch) apply(transcript []*model.Message) []*model.Message {
	transcript = append(transcript, b.appended...)
	for _, id := range b.updateOrder {
		for _, msg := range transcript {
			if msg.ID == id {
				msg.Content = b.updates[id]
				break
			}
		}
	}
	return transcript
}
