// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/morganforge/agentchat/internal/agent"
	"github.com/morganforge/agentchat/internal/model"
	"github.com/morganforge/agentchat/internal/store"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// scriptedStreamer serves one canned SSE body per StreamChat call.
type scriptedStreamer struct {
	bodies []string
	errs   []error
	calls  int
}

func (f *scriptedStreamer) StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error) {
	n := f.calls
	f.calls++
	if n < len(f.errs) && f.errs[n] != nil {
		return nil, f.errs[n]
	}
	if n < len(f.bodies) {
		return io.NopCloser(strings.NewReader(f.bodies[n])), nil
	}
	return io.NopCloser(strings.NewReader("data: [DONE]\n\n")), nil
}

func sse(deltas ...string) string {
	var sb strings.Builder
	for _, d := range deltas {
		sb.WriteString(`data: {"choices":[{"delta":{"content":"` + d + `"}}]}` + "\n\n")
	}
	sb.WriteString("data: [DONE]\n\n")
	return sb.String()
}

// recordingSink captures live-view updates for assertions.
type recordingSink struct {
	created  []string
	appended []string            // "<sessionID>:<role>"
	updates  map[string][]string // messageID -> successive contents
}

func newRecordingSink() *recordingSink {
	return &recordingSink{updates: make(map[string][]string)}
}

func (r *recordingSink) SessionCreated(sess *model.Session) {
	r.created = append(r.created, sess.ID)
}

func (r *recordingSink) MessageAppended(sessionID string, msg *model.Message) {
	r.appended = append(r.appended, sessionID+":"+string(msg.Role))
}

func (r *recordingSink) MessageUpdated(sessionID, messageID, content string) {
	r.updates[messageID] = append(r.updates[messageID], content)
}

func newTestEngine(t *testing.T, client *scriptedStreamer) (*Engine, *store.Store, *recordingSink) {
	t.Helper()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	sink := newRecordingSink()
	return New(st, client, sink), st, sink
}

func pump(t *testing.T, turn *Turn) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		if turn.Step() {
			return
		}
	}
	t.Fatal("turn did not finish")
}

// =============================================================================
// SEND VALIDATION
// =============================================================================

func TestSend_RejectsEmpty(t *testing.T) {
	eng, st, _ := newTestEngine(t, &scriptedStreamer{})

	for _, input := range []string{"", "   ", "\n\t"} {
		if _, err := eng.Send(context.Background(), input, nil); !errors.Is(err, ErrEmptySend) {
			t.Errorf("Send(%q) err = %v, want ErrEmptySend", input, err)
		}
	}
	if st.Count() != 0 {
		t.Errorf("rejected send still created a session")
	}

	// An attachment alone is a valid send.
	att := []model.Attachment{{Name: "report.pdf", Kind: model.AttachmentFile}}
	if _, err := eng.Send(context.Background(), "", att); err != nil {
		t.Errorf("attachment-only send rejected: %v", err)
	}
}

// =============================================================================
// FULL TURN (E2E: fresh session, streamed reply, committed history)
// =============================================================================

func TestTurn_FreshSessionStreamsAndCommits(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("Hi", " there")}}
	eng, st, sink := newTestEngine(t, client)

	turn, err := eng.Send(context.Background(), "Hello", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	sess := st.ActiveSession()
	if sess == nil || sess.Title != "Hello" {
		t.Fatalf("session not created with derived title: %v", sess)
	}
	if len(sink.created) != 1 {
		t.Errorf("SessionCreated calls = %d", len(sink.created))
	}
	// The placeholder reaches the view before any delta.
	if want := sess.ID + ":assistant"; len(sink.appended) != 1 || sink.appended[0] != want {
		t.Errorf("appended = %v, want [%s]", sink.appended, want)
	}

	pump(t, turn)

	// Live view saw the accumulated buffer grow, whole-string each time.
	if got := sink.updates[turn.MessageID()]; len(got) != 2 || got[0] != "Hi" || got[1] != "Hi there" {
		t.Errorf("view updates = %v", got)
	}

	final, _ := st.Session(sess.ID)
	if final.MessageCount() != 2 {
		t.Fatalf("persisted message count = %d, want 2", final.MessageCount())
	}
	reply := final.Messages[1]
	if reply.Role != model.RoleAssistant || reply.Content != "Hi there" {
		t.Errorf("persisted reply = %+v", reply)
	}
	if eng.Busy() {
		t.Errorf("engine still busy after turn finished")
	}
}

func TestTurn_AppendsToActiveSession(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("one"), sse("two")}}
	eng, st, _ := newTestEngine(t, client)

	first, _ := eng.Send(context.Background(), "First question", nil)
	pump(t, first)

	second, _ := eng.Send(context.Background(), "Follow-up", nil)
	pump(t, second)

	if st.Count() != 1 {
		t.Fatalf("follow-up created a new session: count = %d", st.Count())
	}
	sess := st.ActiveSession()
	if sess.MessageCount() != 4 {
		t.Errorf("message count = %d, want 4", sess.MessageCount())
	}
}

// =============================================================================
// ATTRIBUTION (pointer recheck per delta)
// =============================================================================

func TestTurn_NavigationAwayStopsViewUpdatesButPersists(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("Hi", " there", "!")}}
	eng, st, sink := newTestEngine(t, client)

	turn, _ := eng.Send(context.Background(), "Hello", nil)
	sessionA := turn.SessionID()

	// First delta arrives while A is active.
	turn.Step()

	// User clicks "new chat" mid-stream.
	st.DeselectToNew()

	pump(t, turn)

	// Only the first delta reached the view.
	if got := sink.updates[turn.MessageID()]; len(got) != 1 || got[0] != "Hi" {
		t.Errorf("view updates after navigation = %v", got)
	}

	// History received the complete reply regardless.
	persisted, _ := st.Session(sessionA)
	if persisted.MessageCount() != 2 || persisted.Messages[1].Content != "Hi there!" {
		t.Errorf("persisted session A = %+v", persisted.Messages)
	}
}

func TestTurn_SwitchBackResumesViewUpdates(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("a"), sse("x", "y", "z")}}
	eng, st, sink := newTestEngine(t, client)

	seed, _ := eng.Send(context.Background(), "seed session B", nil)
	pump(t, seed)
	sessionB := seed.SessionID()

	st.DeselectToNew()
	turn, _ := eng.Send(context.Background(), "question for A", nil)

	turn.Step() // "x" while A active
	st.SelectSession(sessionB)
	turn.Step() // "y" while B active: view untouched
	st.SelectSession(turn.SessionID())
	turn.Step() // "z" back on A: view gets full buffer

	got := sink.updates[turn.MessageID()]
	if len(got) != 2 || got[0] != "x" || got[1] != "xyz" {
		t.Errorf("view updates = %v", got)
	}
}

// =============================================================================
// SUPERSEDE AND ABORT
// =============================================================================

func TestSend_SupersedesInFlightTurn(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("never", " finishes"), sse("done")}}
	eng, st, sink := newTestEngine(t, client)

	first, _ := eng.Send(context.Background(), "First", nil)
	first.Step() // one delta applied

	st.DeselectToNew()
	second, _ := eng.Send(context.Background(), "Second", nil)

	// The superseded turn observes cancellation on its next pull and ends
	// without committing.
	if done := first.Step(); !done {
		t.Fatalf("superseded turn kept running")
	}
	if !first.Aborted() {
		t.Errorf("superseded turn not marked aborted")
	}

	pump(t, second)

	sessA, _ := st.Session(first.SessionID())
	if sessA.MessageCount() != 1 {
		t.Errorf("aborted turn committed a reply: %d messages", sessA.MessageCount())
	}
	sessB, _ := st.Session(second.SessionID())
	if sessB.MessageCount() != 2 || sessB.Messages[1].Content != "done" {
		t.Errorf("second session = %+v", sessB.Messages)
	}
	// None of A's deltas touched B's view.
	if updates := sink.updates[first.MessageID()]; len(updates) != 1 {
		t.Errorf("first turn view updates = %v", updates)
	}
}

// holdStreamer serves a first body whose Read blocks until the controller
// cancels it, then streams canned bodies. opened is closed once the first
// request is in flight.
type holdStreamer struct {
	mu     sync.Mutex
	calls  int
	opened chan struct{}
	hold   *heldBody
}

func newHoldStreamer() *holdStreamer {
	return &holdStreamer{
		opened: make(chan struct{}),
		hold:   &heldBody{closed: make(chan struct{})},
	}
}

func (h *holdStreamer) StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	if h.calls == 1 {
		close(h.opened)
		return h.hold, nil
	}
	return io.NopCloser(strings.NewReader(sse("done"))), nil
}

type heldBody struct {
	closed chan struct{}
	once   sync.Once
}

func (b *heldBody) Read(p []byte) (int, error) {
	<-b.closed
	return 0, io.ErrClosedPipe
}

func (b *heldBody) Close() error {
	b.once.Do(func() { close(b.closed) })
	return nil
}

// A superseding Send runs on the caller's goroutine while the superseded
// turn's Step finishes on its pump goroutine; both touch the engine's
// current-turn slot. Exercised under -race.
func TestSend_SupersedesTurnMidStep(t *testing.T) {
	client := newHoldStreamer()
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	eng := New(st, client, nil)

	first, err := eng.Send(context.Background(), "First", nil)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	stepped := make(chan struct{})
	go func() {
		defer close(stepped)
		for i := 0; i < 1000; i++ {
			if first.Step() {
				return
			}
		}
	}()

	// Step is blocked mid-read on the held body; supersede it now.
	<-client.opened
	second, err := eng.Send(context.Background(), "Second", nil)
	if err != nil {
		t.Fatalf("superseding Send: %v", err)
	}

	select {
	case <-stepped:
	case <-time.After(2 * time.Second):
		t.Fatal("superseded turn never unblocked")
	}
	if !first.Aborted() {
		t.Errorf("superseded turn not marked aborted")
	}

	pump(t, second)
	if eng.Busy() {
		t.Errorf("engine still busy after final turn finished")
	}
	sess, _ := st.Session(second.SessionID())
	if got := sess.LastMessage().Content; got != "done" {
		t.Errorf("final reply = %q, want %q", got, "done")
	}
}

func TestStop_DiscardsPartialReply(t *testing.T) {
	client := &scriptedStreamer{bodies: []string{sse("partial", " reply", " text")}}
	eng, st, _ := newTestEngine(t, client)

	turn, _ := eng.Send(context.Background(), "question", nil)
	turn.Step()
	turn.Step() // two deltas in

	eng.Stop()
	pump(t, turn)

	if !turn.Aborted() {
		t.Errorf("stopped turn not marked aborted")
	}
	sess, _ := st.Session(turn.SessionID())
	if sess.MessageCount() != 1 {
		t.Fatalf("persisted count = %d, want only the user message", sess.MessageCount())
	}
	if sess.Messages[0].Role != model.RoleUser {
		t.Errorf("remaining message role = %s", sess.Messages[0].Role)
	}
	if eng.Busy() {
		t.Errorf("engine busy after stop")
	}
}

// =============================================================================
// EMPTY AND FAILED REPLIES
// =============================================================================

func TestTurn_EmptyReplyCommitsEmptyMessage(t *testing.T) {
	body := `data: {"choices":[{"delta":{}}]}` + "\n\n" + "data: [DONE]\n\n"
	client := &scriptedStreamer{bodies: []string{body}}
	eng, st, sink := newTestEngine(t, client)

	turn, _ := eng.Send(context.Background(), "anyone there?", nil)
	pump(t, turn)

	sess, _ := st.Session(turn.SessionID())
	if sess.MessageCount() != 2 {
		t.Fatalf("persisted count = %d, want 2", sess.MessageCount())
	}
	if sess.Messages[1].Content != "" {
		t.Errorf("empty reply content = %q", sess.Messages[1].Content)
	}
	if got := sink.updates[turn.MessageID()]; len(got) != 0 {
		t.Errorf("zero deltas produced view updates: %v", got)
	}
}

func TestTurn_TransportFailureCommitsErrorText(t *testing.T) {
	client := &scriptedStreamer{errs: []error{errors.New("connection refused")}}
	eng, st, _ := newTestEngine(t, client)

	turn, _ := eng.Send(context.Background(), "question", nil)
	pump(t, turn)

	sess, _ := st.Session(turn.SessionID())
	if sess.MessageCount() != 2 {
		t.Fatalf("persisted count = %d, want 2", sess.MessageCount())
	}
	content := sess.Messages[1].Content
	if !strings.Contains(content, "connection error") || !strings.Contains(content, "connection refused") {
		t.Errorf("committed error text = %q", content)
	}
	if turn.Aborted() {
		t.Errorf("transport failure treated as abort")
	}
}

// =============================================================================
// OUTBOUND CONTEXT
// =============================================================================

func TestSend_ContextCarriesFullHistory(t *testing.T) {
	var captured [][]agent.ChatMessage
	client := &capturingStreamer{inner: &scriptedStreamer{bodies: []string{sse("first"), sse("second")}}, captured: &captured}
	st, err := store.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	eng := New(st, client, nil)

	first, _ := eng.Send(context.Background(), "one", nil)
	pump(t, first)
	second, _ := eng.Send(context.Background(), "two", nil)
	pump(t, second)

	if len(captured) != 2 {
		t.Fatalf("captured %d requests", len(captured))
	}
	if len(captured[0]) != 1 || captured[0][0].Content != "one" {
		t.Errorf("first request context = %+v", captured[0])
	}
	// Second request carries user, assistant, user.
	want := []string{"user", "assistant", "user"}
	if len(captured[1]) != 3 {
		t.Fatalf("second request context = %+v", captured[1])
	}
	for i, role := range want {
		if captured[1][i].Role != role {
			t.Errorf("context[%d].Role = %s, want %s", i, captured[1][i].Role, role)
		}
	}
	if captured[1][1].Content != "first" {
		t.Errorf("assistant turn in context = %q", captured[1][1].Content)
	}
}

type capturingStreamer struct {
	inner    *scriptedStreamer
	captured *[][]agent.ChatMessage
}

func (c *capturingStreamer) StreamChat(ctx context.Context, messages []agent.ChatMessage) (io.ReadCloser, error) {
	snapshot := make([]agent.ChatMessage, len(messages))
	copy(snapshot, messages)
	*c.captured = append(*c.captured, snapshot)
	return c.inner.StreamChat(ctx, messages)
}
