// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"context"
	"errors"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"

	"github.com/morganforge/agentchat/internal/config"
	"github.com/morganforge/agentchat/internal/engine"
	"github.com/morganforge/agentchat/internal/model"
	"github.com/morganforge/agentchat/internal/store"
	"github.com/morganforge/agentchat/internal/stream"
	"github.com/morganforge/agentchat/internal/ui/styles"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	sidebarWidth   = 28
	flashDuration  = 3 * time.Second
	inputCharLimit = 8000
)

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the chat interface.
type Model struct {
	eng   *engine.Engine
	st    *store.Store
	live  *liveView
	turn  *engine.Turn
	keys  KeyMap
	theme *styles.Theme

	// Components
	input    textinput.Model
	viewport viewport.Model
	spin     spinner.Model

	// View state
	transcript   []*model.Message
	sessions     []*model.Session
	prompts      []model.StarterPrompt
	sidebarIndex int
	showSidebar  bool
	flash        string

	// Markdown rendering
	markdown bool
	renderer *glamour.TermRenderer

	width  int
	height int
	ready  bool
}

// New creates the chat model over a session store and a boundary client.
func New(cfg *config.Config, st *store.Store, client stream.Streamer) *Model {
	live := newLiveView()

	input := textinput.New()
	input.Placeholder = "Ask anything"
	input.CharLimit = inputCharLimit
	input.Prompt = "> "
	input.Focus()

	spin := spinner.New()
	spin.Spinner = spinner.Dot

	return &Model{
		eng:         engine.New(st, client, live),
		st:          st,
		live:        live,
		keys:        DefaultKeyMap(),
		theme:       styles.NewTheme(),
		input:       input,
		spin:        spin,
		prompts:     st.StarterPrompts(),
		sessions:    st.Sessions(),
		showSidebar: true,
		markdown:    cfg.UI.Markdown,
	}
}

// Init implements tea.Model.
func (m *Model) Init() tea.Cmd {
	return textinput.Blink
}

// =============================================================================
// UPDATE
// =============================================================================

// Update implements tea.Model.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.resize(msg.Width, msg.Height)
		m.refreshViewport()
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case turnStepMsg:
		m.applyLiveView()
		if msg.turn != m.turn {
			// A newer send superseded this turn; its pump stops here.
			return m, nil
		}
		if msg.done {
			m.turn = nil
			m.sessions = m.st.Sessions()
			return m, nil
		}
		return m, tea.Batch(m.stepCmd(), m.spin.Tick)

	case spinner.TickMsg:
		if m.turn == nil {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case flashMsg:
		m.flash = msg.text
		return m, tea.Tick(flashDuration, func(time.Time) tea.Msg { return clearFlashMsg{} })

	case clearFlashMsg:
		m.flash = ""
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// handleKey dispatches a key press.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.eng.Stop()
		return m, tea.Quit

	case key.Matches(msg, m.keys.Send):
		return m.submit()

	case key.Matches(msg, m.keys.Stop):
		if m.turn != nil {
			m.eng.Stop()
			return m, flash("generation stopped")
		}
		return m, nil

	case key.Matches(msg, m.keys.NewChat):
		m.st.DeselectToNew()
		m.transcript = nil
		m.sidebarIndex = 0
		m.refreshViewport()
		return m, nil

	case key.Matches(msg, m.keys.ToggleSidebar):
		m.showSidebar = !m.showSidebar
		m.resize(m.width, m.height)
		m.refreshViewport()
		return m, nil

	case key.Matches(msg, m.keys.PrevSession):
		if m.sidebarIndex > 0 {
			m.sidebarIndex--
		}
		return m, nil

	case key.Matches(msg, m.keys.NextSession):
		if m.sidebarIndex < len(m.sessions)-1 {
			m.sidebarIndex++
		}
		return m, nil

	case key.Matches(msg, m.keys.OpenSession):
		return m.openSelected()

	case key.Matches(msg, m.keys.DeleteSession):
		return m.deleteSelected()

	case key.Matches(msg, m.keys.ScrollUp):
		m.viewport.HalfViewUp()
		return m, nil

	case key.Matches(msg, m.keys.ScrollDown):
		m.viewport.HalfViewDown()
		return m, nil
	}

	// Alt+digit inserts a starter prompt on the welcome screen.
	if idx, ok := starterIndex(msg.String()); ok && m.st.ActiveID() == "" {
		if idx < len(m.prompts) {
			m.input.SetValue(m.prompts[idx].Prompt)
			m.input.CursorEnd()
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// starterIndex maps alt+1..alt+9 to a prompt index.
func starterIndex(keyName string) (int, bool) {
	if len(keyName) == 5 && keyName[:4] == "alt+" && keyName[4] >= '1' && keyName[4] <= '9' {
		return int(keyName[4] - '1'), true
	}
	return 0, false
}

// =============================================================================
// TURN DRIVING
// =============================================================================

// submit sends the input as a new turn.
func (m *Model) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()

	turn, err := m.eng.Send(context.Background(), text, nil)
	if err != nil {
		if errors.Is(err, engine.ErrEmptySend) {
			return m, nil
		}
		return m, flash(err.Error())
	}

	m.input.Reset()
	m.turn = turn
	// Send already pushed the user message and the placeholder to the sink.
	m.applyLiveView()
	return m, tea.Batch(m.stepCmd(), m.spin.Tick)
}

// stepCmd pumps one delta off the in-flight turn. The pull blocks on the
// network read, so it runs as a command, not in Update.
func (m *Model) stepCmd() tea.Cmd {
	turn := m.turn
	return func() tea.Msg {
		return turnStepMsg{turn: turn, done: turn.Step()}
	}
}

// applyLiveView drains pending sink updates into the transcript.
func (m *Model) applyLiveView() {
	batch := m.live.drain()
	if batch.sessionsDirty {
		m.sessions = m.st.Sessions()
		m.sidebarIndex = 0
		// A freshly created session starts a fresh transcript.
		m.transcript = nil
	}
	m.transcript = batch.apply(m.transcript)
	m.refreshViewport()
}

// =============================================================================
// SESSION NAVIGATION
// =============================================================================

// openSelected switches the active session to the sidebar selection.
func (m *Model) openSelected() (tea.Model, tea.Cmd) {
	if m.sidebarIndex >= len(m.sessions) {
		return m, nil
	}
	sess := m.sessions[m.sidebarIndex]
	if err := m.st.SelectSession(sess.ID); err != nil {
		return m, flash(err.Error())
	}
	m.loadActiveTranscript()
	return m, nil
}

// deleteSelected removes the sidebar selection.
func (m *Model) deleteSelected() (tea.Model, tea.Cmd) {
	if m.sidebarIndex >= len(m.sessions) {
		return m, nil
	}
	sess := m.sessions[m.sidebarIndex]
	wasActive := m.st.ActiveID() == sess.ID
	if err := m.st.DeleteSession(sess.ID); err != nil {
		return m, flash(err.Error())
	}
	m.sessions = m.st.Sessions()
	if m.sidebarIndex >= len(m.sessions) && m.sidebarIndex > 0 {
		m.sidebarIndex--
	}
	if wasActive {
		m.transcript = nil
		m.refreshViewport()
	}
	return m, flash("session deleted")
}

// loadActiveTranscript rebuilds the transcript from the active session's
// stored history.
func (m *Model) loadActiveTranscript() {
	m.transcript = nil
	if sess := m.st.ActiveSession(); sess != nil {
		m.transcript = sess.Messages
	}
	m.refreshViewport()
}

// =============================================================================
// HELPERS
// =============================================================================

// resize recomputes component dimensions.
func (m *Model) resize(width, height int) {
	m.width = width
	m.height = height

	contentWidth := width
	if m.showSidebar {
		contentWidth -= sidebarWidth
	}
	// Header, input, and status bar each take one row plus the input border.
	contentHeight := height - 4
	if contentHeight < 1 {
		contentHeight = 1
	}

	if !m.ready {
		m.viewport = viewport.New(contentWidth, contentHeight)
		m.ready = true
	} else {
		m.viewport.Width = contentWidth
		m.viewport.Height = contentHeight
	}
	m.input.Width = contentWidth - 4

	if m.markdown {
		renderer, err := glamour.NewTermRenderer(
			glamour.WithAutoStyle(),
			glamour.WithWordWrap(contentWidth-2),
		)
		if err == nil {
			m.renderer = renderer
		}
	}
}

// flash returns a command that shows a transient status notice.
func flash(text string) tea.Cmd {
	return func() tea.Msg {
		return flashMsg{text: text}
	}
}
