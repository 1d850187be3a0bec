// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package discussion

import (
	"context"
	"errors"
	"log"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/orchestrator"
)

// =============================================================================
// UPDATE
// =============================================================================

// Update handles terminal input and orchestrator progress events.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.theme.SetSize(msg.Width, msg.Height)
		m.viewport.Width = msg.Width
		m.viewport.Height = msg.Height - chromeHeight(m)
		m.input.Width = msg.Width - 6
		m.initRenderer(msg.Width)
		m.refreshViewport()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		if cmd, handled := m.handleKey(msg); handled {
			return m, cmd
		}

	case orchEventMsg:
		m.handleEvent(msg.event)
		cmds = append(cmds, m.waitForEvent())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

// handleKey processes control keys, returning handled=false for keys that
// should fall through to the input and viewport.
func (m *Model) handleKey(msg tea.KeyMsg) (tea.Cmd, bool) {
	switch msg.String() {
	case "ctrl+c", "ctrl+q":
		m.quit = true
		if m.orch.State() == orchestrator.StateRunning || m.orch.State() == orchestrator.StatePaused {
			_ = m.orch.Stop()
		}
		return tea.Quit, true

	case "enter":
		return m.submitInput(), true

	case "ctrl+p":
		// Toggle pause.
		if m.orch.State() == orchestrator.StatePaused {
			if err := m.orch.Resume(); err == nil {
				m.pushNotice("discussion resumed")
			}
		} else if err := m.orch.Pause(); err != nil {
			m.reportCommandError(err)
		}
		m.refreshViewport()
		return nil, true

	case "ctrl+x":
		if err := m.orch.Stop(); err != nil {
			m.reportCommandError(err)
		}
		return nil, true

	case "ctrl+k":
		if err := m.orch.Kill(); err != nil {
			m.reportCommandError(err)
		}
		return nil, true
	}
	return nil, false
}

// submitInput dispatches the input line: a new topic when idle, an
// interjection while a discussion is running.
func (m *Model) submitInput() tea.Cmd {
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return nil
	}
	m.input.Reset()

	switch m.orch.State() {
	case orchestrator.StateRunning, orchestrator.StatePaused:
		if _, err := m.orch.Interject(text); err != nil {
			m.reportCommandError(err)
		}
	default:
		// "/all <question>" broadcasts to every participant at once
		// instead of starting a sequential discussion.
		if prompt, ok := strings.CutPrefix(text, "/all "); ok {
			go func() {
				if _, err := m.orch.Ask(context.Background(), strings.TrimSpace(prompt)); err != nil {
					log.Printf("broadcast: %v", err)
				}
			}()
			return nil
		}
		req := model.DiscussionRequest{
			Topic:         text,
			Rounds:        m.cfg.Discussion.DefaultRounds,
			SeekConsensus: true,
		}
		if _, err := m.orch.Start(req); err != nil {
			m.reportCommandError(err)
			return nil
		}
		m.topic = text
		m.round = 0
		m.streaming = make(map[string]*strings.Builder)
		m.refreshViewport()
	}
	return nil
}

// handleEvent folds one orchestrator event into the view state.
func (m *Model) handleEvent(ev orchestrator.Event) {
	switch ev.Kind {
	case orchestrator.EventChunk:
		m.streamBuilder(ev.ParticipantID).WriteString(ev.Fragment)

	case orchestrator.EventMessage:
		if ev.Message != nil {
			delete(m.streaming, ev.Message.Author)
		}

	case orchestrator.EventSystem:
		if ev.Round > 0 {
			m.round = ev.Round
		}
		if ev.Text != "" {
			m.pushNotice(ev.Text)
		}
		if ev.Reason != "" {
			m.streaming = make(map[string]*strings.Builder)
		}
	}
	m.refreshViewport()
}

// reportCommandError surfaces moderation command failures as notices.
func (m *Model) reportCommandError(err error) {
	if errors.Is(err, orchestrator.ErrSessionNotActive) {
		m.pushNotice("no active discussion")
		return
	}
	m.pushNotice(err.Error())
}

// refreshViewport rebuilds the transcript pane and keeps it pinned to the
// bottom while new content streams in.
func (m *Model) refreshViewport() {
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.renderTranscript())
	if atBottom {
		m.viewport.GotoBottom()
	}
}
