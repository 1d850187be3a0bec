// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package moderation holds the mutable per-session discussion settings and
// the per-round speaker selection algorithm the orchestrator consults.
package moderation

import (
	"fmt"
	"sync"
	"time"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	// DefaultMaxSpeakers is the default number of speakers per round.
	DefaultMaxSpeakers = 3

	// DefaultCooldown is the default pacing delay between speakers.
	DefaultCooldown = 2 * time.Second
)

// =============================================================================
// COMMAND ERRORS
// =============================================================================

// CommandError rejects an invalid moderation command. It is a descriptive
// no-op: state is never mutated by a rejected command.
type CommandError struct {
	Command string
	Reason  string
}

// Error implements the error interface.
func (e *CommandError) Error() string {
	return fmt.Sprintf("invalid moderation command %q: %s", e.Command, e.Reason)
}

// =============================================================================
// POLICY
// =============================================================================

// Policy is the mutable moderation state for one session. Commands arrive
// concurrently with the run loop; every mutation is visible to the in-flight
// round without restarting it.
type Policy struct {
	mu sync.Mutex

	maxSpeakersPerRound   int
	cooldown              time.Duration
	requireAcknowledgment bool
	forcedNextRole        string

	paused             bool
	stopRequested      bool
	interjectRequested bool
}

// NewPolicy creates a policy with default settings.
func NewPolicy() *Policy {
	return &Policy{
		maxSpeakersPerRound: DefaultMaxSpeakers,
		cooldown:            DefaultCooldown,
	}
}

// =============================================================================
// COMMANDS
// =============================================================================

// SetMaxSpeakers sets how many participants may speak per round.
func (p *Policy) SetMaxSpeakers(n int) error {
	if n < 1 {
		return &CommandError{Command: "max-speakers", Reason: "must be at least 1"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.maxSpeakersPerRound = n
	return nil
}

// SetCooldown sets the pacing delay between speakers within a round.
func (p *Policy) SetCooldown(d time.Duration) error {
	if d < 0 {
		return &CommandError{Command: "cooldown", Reason: "must not be negative"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cooldown = d
	return nil
}

// SetRequireAcknowledgment toggles the name-check requirement.
func (p *Policy) SetRequireAcknowledgment(required bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requireAcknowledgment = required
}

// ForceNextRole makes the next round's candidate set exactly the
// participant(s) with the given role. Consumed by the next selection.
func (p *Policy) ForceNextRole(role string) error {
	if role == "" {
		return &CommandError{Command: "force-next", Reason: "role must not be empty"}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.forcedNextRole = role
	return nil
}

// Pause pauses the run loop. Idempotent.
func (p *Policy) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

// Resume clears the paused flag. A no-op when not paused.
func (p *Policy) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
}

// RequestStop asks the run to terminate gracefully at the next checkpoint.
func (p *Policy) RequestStop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopRequested = true
}

// RequestInterject signals a user interjection: the current round ends early
// at the next safe checkpoint.
func (p *Policy) RequestInterject() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interjectRequested = true
}

// ClearInterject acknowledges a consumed interjection.
func (p *Policy) ClearInterject() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interjectRequested = false
}

// ResetRun clears the per-run flags when a new run starts.
func (p *Policy) ResetRun() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = false
	p.stopRequested = false
	p.interjectRequested = false
}

// =============================================================================
// STATE QUERIES
// =============================================================================

// IsPaused reports whether the run is paused.
func (p *Policy) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// StopRequested reports whether a graceful stop was requested.
func (p *Policy) StopRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopRequested
}

// InterjectRequested reports whether an interjection is pending.
func (p *Policy) InterjectRequested() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interjectRequested
}

// Cooldown returns the current inter-speaker pacing delay.
func (p *Policy) Cooldown() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cooldown
}

// MaxSpeakers returns the per-round speaker cap.
func (p *Policy) MaxSpeakers() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxSpeakersPerRound
}

// RequireAcknowledgment reports whether speakers must name-check the
// previous speaker.
func (p *Policy) RequireAcknowledgment() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requireAcknowledgment
}

// =============================================================================
// SPEAKER SELECTION
// =============================================================================

// SelectSpeakers computes the ordered candidate list for one round:
//
//  1. A forced role, if set, narrows candidates to participants with that
//     role; the flag is cleared on use.
//  2. Otherwise every registered participant is a candidate.
//  3. The list is truncated to the first maxSpeakersPerRound entries in
//     registration order. Deliberately simple tie-break, no priority queue.
func (p *Policy) SelectSpeakers(registered []model.Participant) []model.Participant {
	p.mu.Lock()
	forced := p.forcedNextRole
	p.forcedNextRole = ""
	max := p.maxSpeakersPerRound
	p.mu.Unlock()

	candidates := registered
	if forced != "" {
		candidates = nil
		for _, part := range registered {
			if part.Role == forced {
				candidates = append(candidates, part)
			}
		}
	}

	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]model.Participant, len(candidates))
	copy(out, candidates)
	return out
}

// AckInstruction returns the instruction prefix requiring the next speaker
// to acknowledge the previous one, or "" when not applicable.
func (p *Policy) AckInstruction(previousSpeaker string) string {
	if previousSpeaker == "" || !p.RequireAcknowledgment() {
		return ""
	}
	return "Before adding new points, briefly acknowledge what " + previousSpeaker + " just said by name. "
}

// Interrupted reports whether the remainder of the round must be abandoned,
// and why. Checked before each candidate's call; a true result aborts the
// round immediately rather than skipping to the next candidate. Pause is not
// an interruption: a paused round holds its position at the candidate
// boundary and resumes there.
func (p *Policy) Interrupted() (bool, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case p.stopRequested:
		return true, "stop requested"
	case p.interjectRequested:
		return true, "user interjection"
	default:
		return false, ""
	}
}
