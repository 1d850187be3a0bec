// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package styles provides the visual styling system for the quorum TUI.
package styles

import (
	"github.com/charmbracelet/lipgloss"
	"github.com/muesli/termenv"

	"github.com/jeranaias/quorum/internal/budget"
)

// Theme holds all the styled components for the application.
// It detects the terminal's color capability and adjusts accordingly.
type Theme struct {
	// Terminal capabilities
	IsDark       bool
	HasTrueColor bool
	ColorProfile termenv.Profile

	// Layout dimensions
	Width  int
	Height int

	// ==========================================================================
	// APPLICATION CONTAINER STYLES
	// ==========================================================================

	App       lipgloss.Style
	Container lipgloss.Style

	// ==========================================================================
	// HEADER STYLES
	// ==========================================================================

	Header      lipgloss.Style
	HeaderTitle lipgloss.Style
	HeaderState lipgloss.Style

	// ==========================================================================
	// MESSAGE STYLES
	// ==========================================================================

	UserBubble     lipgloss.Style
	SystemBubble   lipgloss.Style
	AuthorLabel    lipgloss.Style
	MessageMeta    lipgloss.Style
	RoundMarker    lipgloss.Style
	StreamingLabel lipgloss.Style

	// ==========================================================================
	// INPUT AREA STYLES
	// ==========================================================================

	InputContainer   lipgloss.Style
	InputPrompt      lipgloss.Style
	InputPlaceholder lipgloss.Style

	// ==========================================================================
	// STATUS BAR STYLES
	// ==========================================================================

	StatusBar    lipgloss.Style
	ShortcutKey  lipgloss.Style
	ShortcutDesc lipgloss.Style

	// ==========================================================================
	// BUDGET TIER STYLES
	// ==========================================================================

	BudgetOK       lipgloss.Style
	BudgetWarning  lipgloss.Style
	BudgetCritical lipgloss.Style
	BudgetExceeded lipgloss.Style

	// ==========================================================================
	// SPINNER STYLES
	// ==========================================================================

	Spinner      lipgloss.Style
	ThinkingText lipgloss.Style
}

// NewTheme creates a new theme with all styles configured.
func NewTheme() *Theme {
	colorProfile := termenv.ColorProfile()
	hasTrueColor := colorProfile == termenv.TrueColor
	isDark := termenv.HasDarkBackground()

	t := &Theme{
		IsDark:       isDark,
		HasTrueColor: hasTrueColor,
		ColorProfile: colorProfile,
	}

	t.initStyles()
	return t
}

// initStyles initializes all the lip gloss styles.
func (t *Theme) initStyles() {
	t.App = lipgloss.NewStyle()
	t.Container = lipgloss.NewStyle().Padding(0, 1)

	// Header
	t.Header = lipgloss.NewStyle().
		Bold(true).
		Foreground(Cyan).
		Background(SurfaceDim).
		Padding(0, 2)

	t.HeaderTitle = lipgloss.NewStyle().
		Bold(true).
		Foreground(Purple)

	t.HeaderState = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Italic(true)

	// Messages
	t.UserBubble = lipgloss.NewStyle().
		Foreground(UserBubbleFg).
		Background(UserBubbleBg).
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(UserBubbleBorder).
		Padding(0, 1)

	t.SystemBubble = lipgloss.NewStyle().
		Foreground(SystemBubbleFg).
		Background(SystemBubbleBg).
		Padding(0, 1)

	t.AuthorLabel = lipgloss.NewStyle().
		Bold(true)

	t.MessageMeta = lipgloss.NewStyle().
		Foreground(TextMuted)

	t.RoundMarker = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Bold(true)

	t.StreamingLabel = lipgloss.NewStyle().
		Foreground(TextMuted).
		Italic(true)

	// Input
	t.InputContainer = lipgloss.NewStyle().
		BorderStyle(lipgloss.RoundedBorder()).
		BorderForeground(Overlay).
		Padding(0, 1)

	t.InputPrompt = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.InputPlaceholder = lipgloss.NewStyle().
		Foreground(TextMuted)

	// Status bar
	t.StatusBar = lipgloss.NewStyle().
		Foreground(TextSecondary).
		Background(SurfaceDim).
		Padding(0, 1)

	t.ShortcutKey = lipgloss.NewStyle().
		Foreground(Cyan).
		Bold(true)

	t.ShortcutDesc = lipgloss.NewStyle().
		Foreground(TextMuted)

	// Budget tiers
	t.BudgetOK = lipgloss.NewStyle().Foreground(TierOK)
	t.BudgetWarning = lipgloss.NewStyle().Foreground(TierWarning).Bold(true)
	t.BudgetCritical = lipgloss.NewStyle().Foreground(TierCritical).Bold(true)
	t.BudgetExceeded = lipgloss.NewStyle().Foreground(TierExceeded).Bold(true)

	// Spinner
	t.Spinner = lipgloss.NewStyle().Foreground(Purple)
	t.ThinkingText = lipgloss.NewStyle().Foreground(TextSecondary).Italic(true)
}

// SetSize updates the theme layout dimensions.
func (t *Theme) SetSize(width, height int) {
	t.Width = width
	t.Height = height
}

// ParticipantStyle returns the accent style for the participant at the given
// registration index. Colors cycle when there are more participants than
// accents.
func (t *Theme) ParticipantStyle(index int) lipgloss.Style {
	accent := ParticipantAccents[index%len(ParticipantAccents)]
	return lipgloss.NewStyle().Foreground(accent).Bold(true)
}

// BudgetStyle returns the style matching a budget tier.
func (t *Theme) BudgetStyle(tier budget.Tier) lipgloss.Style {
	switch tier {
	case budget.TierWarning:
		return t.BudgetWarning
	case budget.TierCritical:
		return t.BudgetCritical
	case budget.TierExceeded:
		return t.BudgetExceeded
	default:
		return t.BudgetOK
	}
}
