// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package model

// =============================================================================
// PARTICIPANT TYPE
// =============================================================================

// Participant is one configured AI role bound to a provider and model.
// The registered set is static for the lifetime of a session; reconfiguration
// replaces the whole set between rounds, never individual entries.
type Participant struct {
	ID         string `json:"id"`
	ProviderID string `json:"provider_id"`
	ModelID    string `json:"model_id"`
	Role       string `json:"role"`
}

// DisplayName returns the participant's role if set, otherwise its ID.
func (p Participant) DisplayName() string {
	if p.Role != "" {
		return p.Role
	}
	return p.ID
}

// =============================================================================
// DISCUSSION REQUEST
// =============================================================================

// DiscussionRequest is the structured input the orchestrator accepts.
// Free-text command parsing happens upstream and is out of scope here.
type DiscussionRequest struct {
	Topic string `json:"topic"`

	// Rounds is the number of rounds to run. Zero means run until an
	// early-stop condition fires.
	Rounds int `json:"rounds"`

	// SeekConsensus enables early termination once the evaluator score
	// reaches the configured consensus threshold.
	SeekConsensus bool `json:"seek_consensus"`

	// Moderation overrides applied before the run starts. Zero values
	// leave the current session settings untouched.
	MaxSpeakersPerRound int    `json:"max_speakers_per_round,omitempty"`
	ForcedNextRole      string `json:"forced_next_role,omitempty"`
}
