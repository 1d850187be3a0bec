// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package discussion

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"

	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/orchestrator"
)

// =============================================================================
// VIEW
// =============================================================================

// View renders the full discussion screen.
func (m *Model) View() string {
	var b strings.Builder

	b.WriteString(m.renderHeader())
	b.WriteString("\n")
	b.WriteString(m.viewport.View())
	b.WriteString("\n")
	b.WriteString(m.renderNotices())
	b.WriteString(m.renderInput())
	b.WriteString("\n")
	b.WriteString(m.renderStatusBar())

	return m.theme.App.Render(b.String())
}

// chromeHeight is the number of rows consumed by everything that is not
// the transcript viewport.
func chromeHeight(m *Model) int {
	return 4 + len(m.notices)
}

// renderHeader shows the topic, run state, and round counter.
func (m *Model) renderHeader() string {
	title := m.theme.HeaderTitle.Render("quorum")

	state := m.orch.State().String()
	if m.orch.State() == orchestrator.StateRunning {
		state = m.spin.View() + " " + state
	}
	stateLabel := m.theme.HeaderState.Render(state)

	topic := m.topic
	if topic == "" {
		topic = "no topic yet"
	}
	if m.round > 0 {
		topic = fmt.Sprintf("%s (round %d)", topic, m.round)
	}
	avail := m.width - lipgloss.Width(title) - lipgloss.Width(stateLabel) - 6
	if avail < 10 {
		avail = 10
	}
	topicLabel := m.theme.HeaderState.Render(runewidth.Truncate(topic, avail, "…"))

	gap := m.width - lipgloss.Width(title) - lipgloss.Width(topicLabel) - lipgloss.Width(stateLabel) - 2
	if gap < 1 {
		gap = 1
	}
	line := title + " " + topicLabel + strings.Repeat(" ", gap) + stateLabel
	return m.theme.Header.Render(line)
}

// renderTranscript renders every transcript message followed by any
// in-flight streaming text.
func (m *Model) renderTranscript() string {
	msgs := m.allMessages()
	if len(msgs) == 0 && len(m.streaming) == 0 {
		return m.theme.ThinkingText.Render("Press enter on a topic to start a discussion.")
	}

	var sections []string
	for _, msg := range msgs {
		sections = append(sections, m.renderMessage(msg))
	}
	// Registration order, not map order, so concurrent partial responses
	// hold a stable position between frames.
	for _, p := range m.orch.Participants() {
		buf, ok := m.streaming[p.ID]
		if !ok || buf.Len() == 0 {
			continue
		}
		sections = append(sections, m.renderStreaming(p.ID, buf.String()))
	}
	return strings.Join(sections, "\n\n")
}

// renderMessage renders one finalized transcript message.
func (m *Model) renderMessage(msg *model.Message) string {
	switch msg.Role {
	case model.RoleUser:
		label := m.theme.AuthorLabel.Render("you")
		return label + "\n" + m.theme.UserBubble.Render(msg.DisplayText())

	case model.RoleSystem, model.RoleModerator:
		return m.theme.SystemBubble.Render(msg.DisplayText())

	default:
		accent := m.theme.ParticipantStyle(m.accentFor(msg.Author))
		name := m.participantRole(msg.Author)
		if msg.Pinned {
			name += " *"
		}
		label := accent.Render(runewidth.Truncate(name, m.width/2, "…"))

		meta := ""
		if m.cfg.UI.ShowTokens && (msg.InputTokens > 0 || msg.OutputTokens > 0) {
			meta = m.theme.MessageMeta.Render(
				fmt.Sprintf("  %d in / %d out", msg.InputTokens, msg.OutputTokens))
		}
		return label + meta + "\n" + m.renderMarkdown(msg.DisplayText())
	}
}

// renderStreaming renders a partial response that is still arriving.
func (m *Model) renderStreaming(participantID, text string) string {
	accent := m.theme.ParticipantStyle(m.accentFor(participantID))
	label := accent.Render(m.participantRole(participantID)) +
		m.theme.StreamingLabel.Render("  typing")
	return label + "\n" + text
}

// renderNotices shows the recent system notices, one per line.
func (m *Model) renderNotices() string {
	if len(m.notices) == 0 {
		return ""
	}
	var b strings.Builder
	for _, n := range m.notices {
		b.WriteString(m.theme.SystemBubble.Render(runewidth.Truncate(n, m.width-2, "…")))
		b.WriteString("\n")
	}
	return b.String()
}

// renderInput shows the prompt line.
func (m *Model) renderInput() string {
	prompt := m.theme.InputPrompt.Render("> ")
	return m.theme.InputContainer.Render(prompt + m.input.View())
}

// renderStatusBar shows spend, budget tier, and the keybinding hints.
func (m *Model) renderStatusBar() string {
	tier := m.governor.CurrentTier()
	spend := ""
	if m.cfg.UI.ShowCost {
		spend = m.theme.BudgetStyle(tier).Render(
			fmt.Sprintf("$%.4f %s", m.governor.SpentUSD(), tier.String()))
	}

	hints := m.theme.ShortcutKey.Render("^P") + m.theme.ShortcutDesc.Render(" pause ") +
		m.theme.ShortcutKey.Render("^X") + m.theme.ShortcutDesc.Render(" stop ") +
		m.theme.ShortcutKey.Render("^K") + m.theme.ShortcutDesc.Render(" kill ") +
		m.theme.ShortcutKey.Render("^C") + m.theme.ShortcutDesc.Render(" quit")

	gap := m.width - lipgloss.Width(spend) - lipgloss.Width(hints) - 2
	if gap < 1 {
		gap = 1
	}
	return m.theme.StatusBar.Render(spend + strings.Repeat(" ", gap) + hints)
}
