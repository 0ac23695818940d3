// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package stream

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/morganforge/agentchat/internal/agent"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeStreamer serves canned SSE bodies, one per call, in order.
type fakeStreamer struct {
	bodies []string
	errs   []error
	calls  atomic.Int32
}

func (f *fakeStreamer) StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error) {
	n := int(f.calls.Add(1)) - 1
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if n < len(f.bodies) {
		return io.NopCloser(strings.NewReader(f.bodies[n])), nil
	}
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

// blockingStreamer returns a body whose Read blocks until closed.
type blockingStreamer struct{}

type blockingBody struct {
	closed chan struct{}
}

func (b *blockingBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, errors.New("use of closed connection")
}

func (b *blockingBody) Close() error {
	select {
	case <-b.closed:
	default:
		close(b.closed)
	}
	return nil
}

func (blockingStreamer) StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error) {
	return &blockingBody{closed: make(chan struct{})}, nil
}

func collect(t *testing.T, run *Run) (string, error) {
	t.Helper()
	var sb strings.Builder
	for {
		delta, err := run.Next()
		if err != nil {
			return sb.String(), err
		}
		sb.WriteString(delta)
	}
}

// =============================================================================
// CONTROLLER TESTS
// =============================================================================

func TestRun_StreamsToCompletion(t *testing.T) {
	client := &fakeStreamer{bodies: []string{event("Hi") + event(" there") + "data: [DONE]\n\n"}}
	ctrl := NewController(client)

	run := ctrl.Start(context.Background(), nil)
	got, err := collect(t, run)
	if err != io.EOF {
		t.Fatalf("terminal error = %v, want io.EOF", err)
	}
	if got != "Hi there" {
		t.Errorf("got %q", got)
	}
}

func TestRun_LazyRequest(t *testing.T) {
	client := &fakeStreamer{}
	ctrl := NewController(client)

	ctrl.Start(context.Background(), nil)
	if n := client.calls.Load(); n != 0 {
		t.Fatalf("request issued before first pull: %d calls", n)
	}
}

func TestController_StartSupersedesPreviousRun(t *testing.T) {
	client := &fakeStreamer{bodies: []string{
		event("old") + "data: [DONE]\n\n",
		event("new") + "data: [DONE]\n\n",
	}}
	ctrl := NewController(client)

	first := ctrl.Start(context.Background(), nil)
	if _, err := first.Next(); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	second := ctrl.Start(context.Background(), nil)

	// The superseded run is already canceled when Start returns: no
	// further deltas, no error text.
	if _, err := first.Next(); err != ErrCanceled {
		t.Errorf("superseded run Next = %v, want ErrCanceled", err)
	}

	got, err := collect(t, second)
	if err != io.EOF {
		t.Fatalf("second run error = %v", err)
	}
	if got != "new" {
		t.Errorf("second run got %q", got)
	}
}

func TestController_StopIsSilent(t *testing.T) {
	client := &fakeStreamer{bodies: []string{event("partial") + event(" more") + "data: [DONE]\n\n"}}
	ctrl := NewController(client)

	run := ctrl.Start(context.Background(), nil)
	if _, err := run.Next(); err != nil {
		t.Fatalf("first pull: %v", err)
	}

	ctrl.Stop()

	delta, err := run.Next()
	if err != ErrCanceled {
		t.Fatalf("Next after Stop = (%q, %v), want ErrCanceled", delta, err)
	}
	if delta != "" {
		t.Errorf("canceled run yielded delta %q", delta)
	}
}

func TestController_StopUnblocksPendingRead(t *testing.T) {
	ctrl := NewController(blockingStreamer{})
	run := ctrl.Start(context.Background(), nil)

	done := make(chan error, 1)
	go func() {
		_, err := run.Next()
		done <- err
	}()

	// Let the goroutine reach the blocked read before stopping.
	time.Sleep(20 * time.Millisecond)
	ctrl.Stop()

	select {
	case err := <-done:
		if err != ErrCanceled {
			t.Errorf("unblocked Next = %v, want ErrCanceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Next did not return after Stop")
	}
}

func TestRun_RequestFailureYieldsErrorDelta(t *testing.T) {
	client := &fakeStreamer{errs: []error{errors.New("dial tcp: connection refused")}}
	ctrl := NewController(client)

	run := ctrl.Start(context.Background(), nil)
	delta, err := run.Next()
	if err != nil {
		t.Fatalf("Next = %v, want error delta", err)
	}
	if !strings.HasPrefix(delta, "\n[connection error:") {
		t.Errorf("delta = %q, want connection error text", delta)
	}
	if !strings.Contains(delta, "connection refused") {
		t.Errorf("delta %q does not carry the cause", delta)
	}
	if _, err := run.Next(); err != io.EOF {
		t.Errorf("after error delta Next = %v, want io.EOF", err)
	}
}

func TestRun_CanceledRequestFailureIsSilent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := &fakeStreamer{errs: []error{context.Canceled}}
	ctrl := NewController(client)

	run := ctrl.Start(ctx, nil)
	cancel()

	delta, err := run.Next()
	if err != ErrCanceled {
		t.Fatalf("Next = (%q, %v), want ErrCanceled", delta, err)
	}
}

func TestController_RestartAfterStop(t *testing.T) {
	client := &fakeStreamer{bodies: []string{
		event("a") + "data: [DONE]\n\n",
		event("b") + "data: [DONE]\n\n",
	}}
	ctrl := NewController(client)

	first := ctrl.Start(context.Background(), nil)
	collect(t, first)
	ctrl.Stop()

	second := ctrl.Start(context.Background(), nil)
	got, err := collect(t, second)
	if err != io.EOF {
		t.Fatalf("second run: %v", err)
	}
	if got != "b" {
		t.Errorf("second run got %q", got)
	}
}
