// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

/*
Package styles provides the visual styling system for the quorum TUI.

This package defines the color palette and theme used throughout the
application. All colors use Lip Gloss AdaptiveColor for automatic
light/dark terminal detection.

# Color System (colors.go)

## Primary Accent Colors

  - Purple - Primary accent and selections
  - Cyan - Brand color for info and user highlights
  - Emerald - Success states and healthy budget
  - Amber - Warnings and the budget warning tier
  - Rose - Errors and the exceeded budget tier

## Participant Accents

Each registered participant is assigned a stable accent color from
ParticipantAccents, cycling when there are more participants than colors.

## Text Colors

Hierarchical text color system:

	TextPrimary   - Main content text
	TextSecondary - Supporting text
	TextMuted     - De-emphasized text

# Theme System (theme.go)

The Theme struct provides runtime color adaptation:

	theme := styles.NewTheme()
	if theme.IsDark {
		// Dark terminal detected
	}

	speaker := theme.ParticipantStyle(idx).Render(name)
	spend := theme.BudgetStyle(tier).Render("$0.42")

# Usage Example

	import "github.com/jeranaias/quorum/internal/ui/styles"

	headerStyle := lipgloss.NewStyle().
		Background(styles.SurfaceDim).
		Foreground(styles.TextPrimary)
*/
package styles
