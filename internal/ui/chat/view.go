// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package chat

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/morganforge/agentchat/internal/model"
	"github.com/morganforge/agentchat/internal/util"
)

// =============================================================================
// VIEW
// =============================================================================

// View implements tea.Model.
func (m *Model) View() string {
	if !m.ready {
		return "loading..."
	}

	main := lipgloss.JoinVertical(lipgloss.Left,
		m.renderHeader(),
		m.viewport.View(),
		m.renderInput(),
		m.renderStatusBar(),
	)

	if !m.showSidebar {
		return main
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, m.renderSidebar(), main)
}

// renderHeader renders the title bar.
func (m *Model) renderHeader() string {
	title := "agentchat"
	if sess := m.st.ActiveSession(); sess != nil {
		title = sess.Title
	}
	width := m.width
	if m.showSidebar {
		width -= sidebarWidth
	}
	return m.theme.Header.Width(width).Render(title)
}

// renderInput renders the input line.
func (m *Model) renderInput() string {
	width := m.width
	if m.showSidebar {
		width -= sidebarWidth
	}
	return m.theme.InputContainer.Width(width).Render(m.input.View())
}

// renderStatusBar renders shortcuts, the busy indicator, and any flash text.
func (m *Model) renderStatusBar() string {
	var left string
	if m.turn != nil {
		left = m.theme.StatusBusy.Render(m.spin.View()+" streaming") + "  " +
			m.theme.ShortcutKey.Render("esc") + m.theme.ShortcutDesc.Render(" stop")
	} else {
		left = m.theme.StatusIdle.Render("ready") + "  " +
			m.theme.ShortcutKey.Render("enter") + m.theme.ShortcutDesc.Render(" send ") +
			m.theme.ShortcutKey.Render("ctrl+n") + m.theme.ShortcutDesc.Render(" new ") +
			m.theme.ShortcutKey.Render("ctrl+o") + m.theme.ShortcutDesc.Render(" open ") +
			m.theme.ShortcutKey.Render("ctrl+c") + m.theme.ShortcutDesc.Render(" quit")
	}

	if m.flash != "" {
		left += "  " + m.theme.ErrorText.Render(m.flash)
	}

	width := m.width
	if m.showSidebar {
		width -= sidebarWidth
	}
	return m.theme.StatusBar.Width(width).Render(left)
}

// =============================================================================
// SIDEBAR
// =============================================================================

// renderSidebar renders the session list, most recent first.
func (m *Model) renderSidebar() string {
	var sb strings.Builder
	sb.WriteString(m.theme.SidebarTitle.Render("Sessions"))
	sb.WriteString("\n\n")

	if len(m.sessions) == 0 {
		sb.WriteString(m.theme.SessionMeta.Render("no sessions yet"))
	}

	activeID := m.st.ActiveID()
	for i, sess := range m.sessions {
		title := util.TruncateWidth(sess.Title, sidebarWidth-4)
		marker := "  "
		if sess.ID == activeID {
			marker = "* "
		}

		line := marker + title
		if i == m.sidebarIndex {
			line = m.theme.SessionItemSelected.Render(line)
		} else {
			line = m.theme.SessionItem.Render(line)
		}
		sb.WriteString(line)
		sb.WriteString("\n")

		when := time.UnixMilli(sess.UpdatedAt).Format("Jan 2 15:04")
		sb.WriteString(m.theme.SessionMeta.Render(fmt.Sprintf("    %s · %d msgs", when, sess.MessageCount())))
		sb.WriteString("\n")
	}

	return m.theme.Sidebar.
		Width(sidebarWidth).
		Height(m.height).
		Render(sb.String())
}

// =============================================================================
// TRANSCRIPT
// =============================================================================

// refreshViewport rebuilds the viewport content from the transcript and
// follows the tail.
func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	if len(m.transcript) == 0 && m.st.ActiveID() == "" {
		m.viewport.SetContent(m.renderWelcome())
		return
	}
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

// renderTranscript renders the conversation messages.
func (m *Model) renderTranscript() string {
	var sb strings.Builder
	for i, msg := range m.transcript {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString(m.renderMessage(msg))
		sb.WriteString("\n")
	}
	return sb.String()
}

// renderMessage renders one message with its role label.
func (m *Model) renderMessage(msg *model.Message) string {
	var label string
	switch msg.Role {
	case model.RoleUser:
		label = m.theme.UserLabel.Render(msg.Role.DisplayName())
	default:
		label = m.theme.AssistantLabel.Render(msg.Role.DisplayName())
	}

	content := msg.Content
	if content == "" && m.turn != nil && msg.ID == m.turn.MessageID() {
		content = m.theme.StreamCursor.Render("▌")
	} else if msg.Role == model.RoleAssistant && m.renderer != nil {
		if rendered, err := m.renderer.Render(content); err == nil {
			content = strings.TrimRight(rendered, "\n")
		}
	}

	body := m.theme.MessageBody.Render(content)

	var attachments string
	for _, att := range msg.Attachments {
		attachments += "\n" + m.theme.SessionMeta.Render("[attachment] "+att.Name)
	}

	return label + "\n" + body + attachments
}

// =============================================================================
// WELCOME SCREEN
// =============================================================================

// renderWelcome renders the empty-state screen with starter prompts.
func (m *Model) renderWelcome() string {
	width := m.viewport.Width

	var sb strings.Builder
	sb.WriteString("\n\n")
	sb.WriteString(m.theme.WelcomeTitle.Width(width).Render("What can I help with?"))
	sb.WriteString("\n")
	sb.WriteString(m.theme.WelcomeSubtitle.Width(width).Render("Type a message, or pick a starter with alt+number"))
	sb.WriteString("\n\n")

	for i, prompt := range m.prompts {
		card := m.theme.PromptCardTitle.Render(fmt.Sprintf("%d. %s", i+1, prompt.Title))
		if prompt.Subtitle != "" {
			card += "\n" + m.theme.WelcomeSubtitle.Render(prompt.Subtitle)
		}
		sb.WriteString(m.theme.PromptCard.Width(width - 4).Render(card))
		sb.WriteString("\n")
	}

	return sb.String()
}
