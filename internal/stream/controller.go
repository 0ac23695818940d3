// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"sync"

	"github.com/morganforge/agentchat/internal/agent"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrCanceled is returned by Run.Next after the run was stopped or
// superseded. Cancellation is not an error condition: no error delta is
// ever produced for it, and callers treat it as a silent termination.
var ErrCanceled = errors.New("stream canceled")

// =============================================================================
// CONTROLLER
// =============================================================================

// Streamer opens a streaming chat completion against the boundary.
type Streamer interface {
	StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error)
}

// Controller owns at most one in-flight stream. Starting a new run cancels
// the previous one before the new request is issued, so a superseded run
// can never mutate state after its successor begins.
type Controller struct {
	mu      sync.Mutex
	client  Streamer
	current *Run
	cancel  context.CancelFunc
}

// NewController creates a controller over a boundary client.
func NewController(client Streamer) *Controller {
	return &Controller{client: client}
}

// Start cancels any active run, then returns a new lazy run that will
// issue the outbound request on its first pull. The previous run's token
// is signaled before this method returns.
func (c *Controller) Start(ctx context.Context, messages []agent.ChatMessage) *Run {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stopLocked()

	runCtx, cancel := context.WithCancel(ctx)
	run := &Run{
		ctx:      runCtx,
		client:   c.client,
		messages: messages,
	}
	c.current = run
	c.cancel = cancel
	return run
}

// Stop signals cancellation of the active run, if any. The superseded
// run's Next terminates with ErrCanceled without yielding further deltas.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

// stopLocked cancels the current run. Caller must hold c.mu.
func (c *Controller) stopLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.current != nil {
		c.current.markCanceled()
		c.current = nil
	}
}

// =============================================================================
// RUN
// =============================================================================

// Run is one streaming response: a lazy, single-consumer sequence of text
// deltas. Terminal conditions map to explicit outcomes:
//   - graceful end: Next returns io.EOF
//   - cancellation: Next returns ErrCanceled, silently
//   - transport or protocol failure: Next yields one final human-readable
//     error delta, then io.EOF
type Run struct {
	ctx      context.Context
	client   Streamer
	messages []agent.ChatMessage

	mu       sync.Mutex
	canceled bool
	body     io.ReadCloser

	started  bool
	decoder  *Decoder
	finished bool
}

// Next returns the next text delta. See Run for the terminal contract.
// Not safe for concurrent use; a run has exactly one consumer.
func (r *Run) Next() (string, error) {
	if r.isCanceled() {
		r.closeBody()
		return "", ErrCanceled
	}
	if r.finished {
		return "", io.EOF
	}

	if !r.started {
		r.started = true
		body, err := r.client.StreamChat(r.ctx, r.messages)
		if err != nil {
			if r.isCanceled() || r.ctx.Err() != nil {
				return "", ErrCanceled
			}
			// Content errors surface as text in the conversation, not as
			// a thrown failure: the user should see what happened.
			log.Printf("STREAM: request failed: %v", err)
			r.finished = true
			return errorDelta(err), nil
		}
		r.setBody(body)
		r.decoder = NewDecoder(body)

		// The token may have been signaled while the request was in
		// flight; never deliver deltas for a superseded run.
		if r.isCanceled() {
			r.closeBody()
			return "", ErrCanceled
		}
	}

	delta, err := r.decoder.Next()
	if r.isCanceled() || r.ctx.Err() != nil {
		r.closeBody()
		return "", ErrCanceled
	}
	if err == io.EOF {
		r.closeBody()
		r.finished = true
		return "", io.EOF
	}
	if err != nil {
		log.Printf("STREAM: read failed mid-stream: %v", err)
		r.closeBody()
		r.finished = true
		return errorDelta(err), nil
	}
	return delta, nil
}

// markCanceled flags the run and closes its body so a blocked read
// returns within one read cycle.
func (r *Run) markCanceled() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.canceled = true
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

func (r *Run) isCanceled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.canceled
}

func (r *Run) setBody(body io.ReadCloser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.canceled {
		body.Close()
		return
	}
	r.body = body
}

func (r *Run) closeBody() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body != nil {
		r.body.Close()
		r.body = nil
	}
}

// errorDelta formats a failure as the inline text appended to the
// conversation in place of the reply.
func errorDelta(err error) string {
	return fmt.Sprintf("\n[connection error: %v]", err)
}
