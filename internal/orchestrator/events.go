// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package orchestrator

import (
	"sync"

	"github.com/jeranaias/quorum/internal/budget"
	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventKind discriminates progress events.
type EventKind int

const (
	// EventChunk is an incremental text fragment from one participant.
	// Chunks are in order per participant; chunks from different
	// participants may interleave arbitrarily during fan-out.
	EventChunk EventKind = iota
	// EventMessage is a finalized message appended to the workspace.
	EventMessage
	// EventSystem is a status event: round started, run terminated with a
	// reason, budget tier changed.
	EventSystem
)

// String returns the event kind name.
func (k EventKind) String() string {
	switch k {
	case EventChunk:
		return "chunk"
	case EventMessage:
		return "message"
	case EventSystem:
		return "system"
	default:
		return "unknown"
	}
}

// Event is one progress notification. Fields are populated per kind.
type Event struct {
	Kind EventKind

	// Chunk fields
	ParticipantID string
	Fragment      string

	// Message field
	Message *model.Message

	// System fields
	Text   string
	Round  int
	Reason StopReason  // set when a run terminates
	Tier   budget.Tier // set on budget tier changes
}

// Listener receives progress events. Delivery is synchronous and
// fire-and-forget; listeners must not block.
type Listener func(Event)

// =============================================================================
// EVENT FAN-OUT
// =============================================================================

// emitter delivers events to all registered listeners.
type emitter struct {
	mu        sync.RWMutex
	listeners []Listener
}

// add registers a listener.
func (e *emitter) add(l Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// emit delivers one event to every listener.
func (e *emitter) emit(ev Event) {
	e.mu.RLock()
	listeners := e.listeners
	e.mu.RUnlock()
	for _, l := range listeners {
		l(ev)
	}
}

// system emits a status event.
func (e *emitter) system(text string) {
	e.emit(Event{Kind: EventSystem, Text: text})
}
