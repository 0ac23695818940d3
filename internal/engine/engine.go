// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package engine coordinates one chat turn at a time: it composes the
// outbound context from stored history, drives the stream run, folds deltas
// into the live view, and commits the finished reply to the store.
//
// The view and the store are updated under different rules. Store writes are
// unconditional so history stays correct if the user navigates away
// mid-stream. View writes re-check the active-session pointer at every delta,
// because the pointer can change between any two deltas; checking it once at
// stream start would misattribute late chunks to whichever session the user
// switched to.
package engine

import (
	"context"
	"errors"
	"io"
	"log"
	"strings"
	"sync"

	"github.com/morganforge/agentchat/internal/agent"
	"github.com/morganforge/agentchat/internal/model"
	"github.com/morganforge/agentchat/internal/store"
	"github.com/morganforge/agentchat/internal/stream"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrEmptySend is returned when a send carries neither text nor attachments.
var ErrEmptySend = errors.New("nothing to send")

// =============================================================================
// VIEW SINK
// =============================================================================

// ViewSink receives live-view updates. Implementations render the active
// conversation; the engine only calls the message methods for sessions that
// are active at that instant.
type ViewSink interface {
	// SessionCreated reports a freshly created (and now active) session.
	SessionCreated(sess *model.Session)
	// MessageAppended adds a message to the live conversation view.
	MessageAppended(sessionID string, msg *model.Message)
	// MessageUpdated replaces one message's content in the live view with
	// the accumulated streamed text.
	MessageUpdated(sessionID, messageID, content string)
}

// NopSink discards all view updates.
type NopSink struct{}

func (NopSink) SessionCreated(*model.Session)        {}
func (NopSink) MessageAppended(string, *model.Message) {}
func (NopSink) MessageUpdated(string, string, string)  {}

// =============================================================================
// ENGINE
// =============================================================================

// Engine owns the turn state machine. At most one turn streams at a time;
// sending while a turn is in flight supersedes it.
type Engine struct {
	store      *store.Store
	controller *stream.Controller
	sink       ViewSink

	// mu guards current: Send replaces it on the caller's goroutine while
	// a superseded turn's Step may be clearing it from a pump goroutine.
	mu      sync.Mutex
	current *Turn
}

// New creates an engine over a session store and a boundary client.
func New(st *store.Store, client stream.Streamer, sink ViewSink) *Engine {
	if sink == nil {
		sink = NopSink{}
	}
	return &Engine{
		store:      st,
		controller: stream.NewController(client),
		sink:       sink,
	}
}

// Store exposes the underlying session store.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Busy reports whether a turn is currently streaming. A finished turn
// clears itself on its final Step, so a non-nil current means in flight.
func (e *Engine) Busy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Send starts a new turn. With no active session it creates one around the
// user message; otherwise it appends to the active session. Any in-flight
// turn is canceled before the new request is issued. The returned Turn must
// be pumped via Step until it reports done.
func (e *Engine) Send(ctx context.Context, content string, attachments []model.Attachment) (*Turn, error) {
	if strings.TrimSpace(content) == "" && len(attachments) == 0 {
		return nil, ErrEmptySend
	}

	userMsg := model.NewUserMessage(content, attachments)

	// Resolve the target session. History is written first so the user
	// message survives whatever happens to the stream.
	targetID := e.store.ActiveID()
	if targetID == "" {
		sess := e.store.CreateSession(userMsg)
		targetID = sess.ID
		e.sink.SessionCreated(sess)
	} else {
		e.store.AppendMessage(targetID, userMsg)
		if e.store.ActiveID() == targetID {
			e.sink.MessageAppended(targetID, userMsg)
		}
	}

	// Outbound context is the target session's stored history, which now
	// ends with the new user message.
	sess, err := e.store.Session(targetID)
	if err != nil {
		return nil, err
	}
	messages := chatContext(sess)

	// Start cancels the previous run before issuing this one, so the
	// superseded turn's next Step observes cancellation.
	run := e.controller.Start(ctx, messages)

	placeholder := model.NewAssistantMessage()
	if e.store.ActiveID() == targetID {
		e.sink.MessageAppended(targetID, placeholder)
	}

	turn := &Turn{
		engine:      e,
		run:         run,
		sessionID:   targetID,
		placeholder: placeholder,
	}
	e.mu.Lock()
	e.current = turn
	e.mu.Unlock()
	return turn, nil
}

// Stop cancels the in-flight turn, if any. The canceled turn's reply is
// discarded: only the user message remains in history.
func (e *Engine) Stop() {
	e.controller.Stop()
}

// chatContext flattens a session's messages into the boundary request shape.
func chatContext(sess *model.Session) []agent.ChatMessage {
	out := make([]agent.ChatMessage, 0, len(sess.Messages))
	for _, msg := range sess.Messages {
		out = append(out, agent.ChatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		})
	}
	return out
}

// =============================================================================
// TURN
// =============================================================================

// Turn is one user-message-to-reply cycle. The caller pumps it with Step;
// each call consumes at most one delta, which keeps the engine compatible
// with a cooperative event loop.
type Turn struct {
	engine      *Engine
	run         *stream.Run
	sessionID   string
	placeholder *model.Message

	buffer  strings.Builder
	done    bool
	aborted bool
}

// SessionID returns the session this turn streams into.
func (t *Turn) SessionID() string {
	return t.sessionID
}

// MessageID returns the id of the streaming assistant message.
func (t *Turn) MessageID() string {
	return t.placeholder.ID
}

// Content returns the text accumulated so far.
func (t *Turn) Content() string {
	return t.buffer.String()
}

// Done reports whether the turn has reached a terminal state.
func (t *Turn) Done() bool {
	return t.done
}

// Aborted reports whether the turn ended by cancellation.
func (t *Turn) Aborted() bool {
	return t.aborted
}

// Step pulls one delta and applies it. It returns true once the turn is
// finished, whether by graceful end, error text, or cancellation.
func (t *Turn) Step() bool {
	if t.done {
		return true
	}

	delta, err := t.run.Next()
	switch {
	case err == nil:
		t.buffer.WriteString(delta)
		// The pointer is read now, not at stream start: the user may have
		// switched sessions since the previous delta.
		if t.engine.store.ActiveID() == t.sessionID {
			t.engine.sink.MessageUpdated(t.sessionID, t.placeholder.ID, t.buffer.String())
		}
		return false

	case err == io.EOF:
		t.finalize()
		return true

	case errors.Is(err, stream.ErrCanceled):
		t.abort()
		return true

	default:
		// The run surfaces failures as error deltas; anything else escaping
		// here is absorbed so the store is never left mid-turn.
		log.Printf("ENGINE: unexpected stream error: %v", err)
		t.finalize()
		return true
	}
}

// finalize commits the accumulated text to the target session. The commit is
// unconditional, even for an empty reply: history must match what the stream
// produced regardless of where the user navigated.
func (t *Turn) finalize() {
	t.placeholder.Content = t.buffer.String()
	t.engine.store.AppendMessage(t.sessionID, t.placeholder)
	t.finish()
}

// abort ends the turn without committing. The live view keeps whatever text
// was already flushed to it; the persisted session keeps only the user
// message from this turn.
func (t *Turn) abort() {
	t.aborted = true
	t.finish()
}

// finish is the cleanup path shared by every exit. A superseded turn leaves
// current alone: it already points at the newer turn.
func (t *Turn) finish() {
	t.done = true
	e := t.engine
	e.mu.Lock()
	if e.current == t {
		e.current = nil
	}
	e.mu.Unlock()
}
