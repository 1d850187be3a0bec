// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package discussion provides the discussion view component for the TUI.
//
// The view consumes orchestrator progress events (chunks, finalized messages,
// system notices) and renders the shared transcript with per-participant
// accent colors, a live budget readout, and moderation keybindings.
package discussion

import (
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"

	"github.com/jeranaias/quorum/internal/budget"
	"github.com/jeranaias/quorum/internal/config"
	"github.com/jeranaias/quorum/internal/model"
	"github.com/jeranaias/quorum/internal/orchestrator"
	"github.com/jeranaias/quorum/internal/ui/styles"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	defaultWidth  = 100
	defaultHeight = 30

	// eventBuffer absorbs chunk bursts so the streaming goroutine never
	// blocks on a slow terminal.
	eventBuffer = 256
)

// =============================================================================
// MESSAGES
// =============================================================================

// orchEventMsg wraps one orchestrator progress event for the update loop.
type orchEventMsg struct {
	event orchestrator.Event
}

// =============================================================================
// MODEL
// =============================================================================

// Model is the Bubble Tea model for the discussion view.
type Model struct {
	orch     *orchestrator.Orchestrator
	governor *budget.Governor
	cfg      *config.Config
	theme    *styles.Theme

	viewport viewport.Model
	input    textinput.Model
	spin     spinner.Model
	renderer *glamour.TermRenderer

	// events carries orchestrator progress into the update loop.
	events chan orchestrator.Event

	// streaming holds per-participant text accumulated since the last
	// finalized message.
	streaming map[string]*strings.Builder

	// participantIndex maps participant ID to registration order for
	// stable accent colors.
	participantIndex map[string]int

	// notices are recent system lines shown under the transcript.
	notices []string

	topic string
	round int

	width  int
	height int
	ready  bool
	quit   bool
}

// New creates the discussion view wired to an orchestrator.
func New(orch *orchestrator.Orchestrator, governor *budget.Governor, cfg *config.Config, theme *styles.Theme) *Model {
	ti := textinput.New()
	ti.Placeholder = "Topic to discuss, /all <question> to ask everyone, or interject..."
	ti.CharLimit = 2000
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.MiniDot
	sp.Style = theme.Spinner

	width, height := defaultWidth, defaultHeight
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > 0 {
		width, height = w, h
	}

	vp := viewport.New(width, height-6)

	m := &Model{
		orch:             orch,
		governor:         governor,
		cfg:              cfg,
		theme:            theme,
		viewport:         vp,
		input:            ti,
		spin:             sp,
		events:           make(chan orchestrator.Event, eventBuffer),
		streaming:        make(map[string]*strings.Builder),
		participantIndex: make(map[string]int),
		width:            width,
		height:           height,
	}
	m.initRenderer(width)

	for i, p := range orch.Participants() {
		m.participantIndex[p.ID] = i
	}

	// The listener runs on orchestrator goroutines; drop events rather
	// than block streaming when the terminal cannot keep up.
	orch.Subscribe(func(ev orchestrator.Event) {
		select {
		case m.events <- ev:
		default:
		}
	})

	return m
}

// initRenderer builds the glamour renderer for the given wrap width.
func (m *Model) initRenderer(width int) {
	wrap := width - 4
	if wrap < 20 {
		wrap = 20
	}
	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(wrap),
	)
	if err == nil {
		m.renderer = renderer
	}
}

// Init starts the spinner and the event pump.
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForEvent(), textinput.Blink)
}

// waitForEvent returns a command that delivers the next orchestrator event.
func (m *Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return orchEventMsg{event: <-m.events}
	}
}

// renderMarkdown renders finalized participant text through glamour, falling
// back to the raw text when rendering fails.
func (m *Model) renderMarkdown(text string) string {
	if m.renderer == nil {
		return text
	}
	out, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return strings.TrimRight(out, "\n")
}

// accentFor returns the accent style for a participant ID.
func (m *Model) accentFor(id string) int {
	if idx, ok := m.participantIndex[id]; ok {
		return idx
	}
	return 0
}

// pushNotice appends a system notice, keeping only the recent tail.
func (m *Model) pushNotice(text string) {
	const keep = 3
	m.notices = append(m.notices, text)
	if len(m.notices) > keep {
		m.notices = m.notices[len(m.notices)-keep:]
	}
}

// Quitting reports whether the user has asked to leave.
func (m *Model) Quitting() bool {
	return m.quit
}

// participantRole looks up the display name for an author ID.
func (m *Model) participantRole(id string) string {
	for _, p := range m.orch.Participants() {
		if p.ID == id {
			return p.DisplayName()
		}
	}
	return id
}

// streamBuilder returns the streaming accumulator for a participant.
func (m *Model) streamBuilder(id string) *strings.Builder {
	b, ok := m.streaming[id]
	if !ok {
		b = &strings.Builder{}
		m.streaming[id] = b
	}
	return b
}

// allMessages returns the transcript for rendering.
func (m *Model) allMessages() []*model.Message {
	return m.orch.Workspace().All()
}
