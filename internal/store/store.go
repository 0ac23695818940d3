// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package store persists chat sessions and starter prompts for agentchat.
//
// The on-disk layout mirrors the in-memory state: the whole session list is
// written as one JSON document on every mutation, so any single snapshot on
// disk is internally consistent. Corrupt or missing files degrade to empty
// defaults rather than failing startup.
package store

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/morganforge/agentchat/internal/model"
	"github.com/morganforge/agentchat/internal/util"
)

// =============================================================================
// FILE NAMES
// =============================================================================

const (
	historyFile = "chatHistory.json"
	promptsFile = "starterPrompts.json"
)

// =============================================================================
// ERRORS
// =============================================================================

// ErrSessionNotFound is returned when a session ID has no match.
// Use errors.Is(err, ErrSessionNotFound) to check for this error.
var ErrSessionNotFound = &StoreError{Message: "session not found"}

// ErrMessageNotFound is returned when a message ID has no match in its session.
var ErrMessageNotFound = &StoreError{Message: "message not found"}

// StoreError represents a persistence-related error.
type StoreError struct {
	Message string
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	return e.Message
}

// Is implements errors.Is support for comparing store errors.
func (e *StoreError) Is(target error) bool {
	t, ok := target.(*StoreError)
	if !ok {
		return false
	}
	return e.Message == t.Message
}

// =============================================================================
// STORE
// =============================================================================

// Store holds the session list, the active-session pointer, and the starter
// prompts, with write-through persistence to the base directory. All methods
// are safe for concurrent use.
//
// Sessions are ordered most-recent-first: new sessions are inserted at the
// head. The active pointer is in-memory only; a fresh process starts with no
// active session.
type Store struct {
	mu      sync.Mutex
	baseDir string

	sessions []*model.Session
	activeID string
	prompts  []model.StarterPrompt
}

// Open loads a store rooted at baseDir, creating the directory if needed.
func Open(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, err
	}

	s := &Store{baseDir: baseDir}
	s.sessions = loadSessions(filepath.Join(baseDir, historyFile))
	s.prompts = loadPrompts(filepath.Join(baseDir, promptsFile))
	return s, nil
}

// loadSessions reads the persisted session list. Missing or unreadable data
// yields an empty list; the bad file is overwritten on the next mutation.
func loadSessions(path string) []*model.Session {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Printf("STORE: cannot read %s, starting empty: %v", filepath.Base(path), err)
		}
		return nil
	}

	var sessions []*model.Session
	if err := json.Unmarshal(data, &sessions); err != nil {
		log.Printf("STORE: corrupt %s, starting empty: %v", filepath.Base(path), err)
		return nil
	}
	return sessions
}

// loadPrompts reads the persisted starter prompts, falling back to the
// built-in defaults.
func loadPrompts(path string) []model.StarterPrompt {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.DefaultStarterPrompts()
	}

	var prompts []model.StarterPrompt
	if err := json.Unmarshal(data, &prompts); err != nil {
		log.Printf("STORE: corrupt %s, using defaults: %v", filepath.Base(path), err)
		return model.DefaultStarterPrompts()
	}
	if len(prompts) == 0 {
		return model.DefaultStarterPrompts()
	}
	return prompts
}

// =============================================================================
// PERSISTENCE
// =============================================================================

// persistSessions writes the whole session list atomically. Persistence
// failures are logged, not propagated: the in-memory state is authoritative
// for the running process.
func (s *Store) persistSessions() {
	data, err := json.MarshalIndent(s.sessions, "", "  ")
	if err != nil {
		log.Printf("STORE: cannot marshal history: %v", err)
		return
	}
	path := filepath.Join(s.baseDir, historyFile)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		log.Printf("STORE: cannot write %s: %v", historyFile, err)
	}
}

func (s *Store) persistPrompts() {
	data, err := json.MarshalIndent(s.prompts, "", "  ")
	if err != nil {
		log.Printf("STORE: cannot marshal starter prompts: %v", err)
		return
	}
	path := filepath.Join(s.baseDir, promptsFile)
	if err := util.AtomicWriteFile(path, data, 0644); err != nil {
		log.Printf("STORE: cannot write %s: %v", promptsFile, err)
	}
}

// =============================================================================
// SESSION OPERATIONS
// =============================================================================

// CreateSession builds a new session around the first message, inserts it at
// the head of the list, and makes it active.
func (s *Store) CreateSession(first *model.Message) *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := model.NewSession(first)
	s.sessions = append([]*model.Session{sess}, s.sessions...)
	s.activeID = sess.ID
	s.persistSessions()
	return sess.Clone()
}

// AppendMessage adds a message to a session. A missing session is a logged
// no-op: the session may have been deleted while a reply was in flight, and
// the reply is simply dropped.
func (s *Store) AppendMessage(sessionID string, msg *model.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.find(sessionID)
	if sess == nil {
		log.Printf("STORE: append to missing session %s dropped", sessionID)
		return
	}
	sess.Append(msg.Clone())
	s.persistSessions()
}

// ReplaceMessageContent overwrites the content of one message. Part of the
// store contract for callers that edit history in place; the streaming path
// commits finished replies via AppendMessage instead.
func (s *Store) ReplaceMessageContent(sessionID, messageID, content string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.find(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	msg := sess.MessageByID(messageID)
	if msg == nil {
		return ErrMessageNotFound
	}
	msg.Content = content
	sess.Touch()
	s.persistSessions()
	return nil
}

// RenameSession changes a session's title.
func (s *Store) RenameSession(sessionID, title string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.find(sessionID)
	if sess == nil {
		return ErrSessionNotFound
	}
	sess.Title = title
	s.persistSessions()
	return nil
}

// DeleteSession removes a session. Deleting the active session deselects it,
// leaving the UI on a fresh empty chat.
func (s *Store) DeleteSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, sess := range s.sessions {
		if sess.ID == sessionID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return ErrSessionNotFound
	}

	s.sessions = append(s.sessions[:idx], s.sessions[idx+1:]...)
	if s.activeID == sessionID {
		s.activeID = ""
	}
	s.persistSessions()
	return nil
}

// =============================================================================
// ACTIVE POINTER
// =============================================================================

// SelectSession makes an existing session the active one.
func (s *Store) SelectSession(sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.find(sessionID) == nil {
		return ErrSessionNotFound
	}
	s.activeID = sessionID
	return nil
}

// DeselectToNew clears the active pointer: the UI shows a fresh chat and the
// next sent message creates a new session.
func (s *Store) DeselectToNew() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activeID = ""
}

// ActiveID returns the active session's ID, or "" when none is selected.
func (s *Store) ActiveID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activeID
}

// ActiveSession returns a deep copy of the active session, or nil.
func (s *Store) ActiveSession() *model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.find(s.activeID)
	if sess == nil {
		return nil
	}
	return sess.Clone()
}

// =============================================================================
// READ OPERATIONS
// =============================================================================

// Session returns a deep copy of one session.
func (s *Store) Session(sessionID string) (*model.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.find(sessionID)
	if sess == nil {
		return nil, ErrSessionNotFound
	}
	return sess.Clone(), nil
}

// Sessions returns deep copies of all sessions, most recent first.
func (s *Store) Sessions() []*model.Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*model.Session, len(s.sessions))
	for i, sess := range s.sessions {
		out[i] = sess.Clone()
	}
	return out
}

// Count returns the number of stored sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// find returns the live session with the given ID. Caller must hold s.mu.
func (s *Store) find(sessionID string) *model.Session {
	if sessionID == "" {
		return nil
	}
	for _, sess := range s.sessions {
		if sess.ID == sessionID {
			return sess
		}
	}
	return nil
}

// =============================================================================
// STARTER PROMPTS
// =============================================================================

// StarterPrompts returns the configured starter prompts.
func (s *Store) StarterPrompts() []model.StarterPrompt {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]model.StarterPrompt, len(s.prompts))
	copy(out, s.prompts)
	return out
}

// SetStarterPrompts replaces the starter prompts and persists them.
func (s *Store) SetStarterPrompts(prompts []model.StarterPrompt) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.prompts = make([]model.StarterPrompt, len(prompts))
	copy(s.prompts, prompts)
	s.persistPrompts()
}
