// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package workspace maintains the append-only discussion transcript, its
// reply graph, and the bounded context window used for prompting.
package workspace

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	ErrDuplicateID      = errors.New("duplicate message id")
	ErrForwardReference = errors.New("responds_to references an unknown message")
	ErrTimestampOrder   = errors.New("timestamp earlier than last appended message")
	ErrUnknownMessage   = errors.New("unknown message id")
)

// =============================================================================
// WORKSPACE
// =============================================================================

// Workspace is the shared transcript for one session. Messages are immutable
// once appended and only removed on session teardown.
type Workspace struct {
	mu sync.RWMutex

	messages []*model.Message
	byID     map[string]int // message ID -> append index

	// replies maps a message ID to the IDs that respond to it.
	replies map[string][]string

	lastTimestamp time.Time

	// extractor runs advisory side-effects after each append. Never nil.
	extractor *Extractor

	store *Store // optional persistence, may be nil
}

// New creates an empty workspace.
func New() *Workspace {
	return &Workspace{
		byID:      make(map[string]int),
		replies:   make(map[string][]string),
		extractor: NewExtractor(),
	}
}

// NewWithStore creates a workspace that writes appended messages through to
// the store.
func NewWithStore(store *Store) *Workspace {
	w := New()
	w.store = store
	return w
}

// =============================================================================
// APPEND
// =============================================================================

// Append validates and appends a message, updates the reply graph, and runs
// advisory extraction. The message is returned for convenience.
//
// Invariants enforced:
//   - ID is unique,
//   - Timestamp is non-decreasing in append order,
//   - RespondsTo, if set, references an already-appended message.
func (w *Workspace) Append(msg *model.Message) (*model.Message, error) {
	if msg == nil {
		return nil, errors.New("nil message")
	}

	w.mu.Lock()
	if _, exists := w.byID[msg.ID]; exists {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateID, msg.ID)
	}
	if msg.RespondsTo != "" {
		if _, ok := w.byID[msg.RespondsTo]; !ok {
			w.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrForwardReference, msg.RespondsTo)
		}
	}
	if msg.Timestamp.Before(w.lastTimestamp) {
		w.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrTimestampOrder, msg.ID)
	}

	w.byID[msg.ID] = len(w.messages)
	w.messages = append(w.messages, msg)
	w.lastTimestamp = msg.Timestamp
	if msg.RespondsTo != "" {
		w.replies[msg.RespondsTo] = append(w.replies[msg.RespondsTo], msg.ID)
	}
	store := w.store
	w.mu.Unlock()

	// Side-effects are advisory: failures are logged and swallowed, and
	// must never block or fail the append.
	w.extractor.Process(msg)
	if store != nil {
		if err := store.SaveMessage(msg); err != nil {
			log.Printf("workspace: persist failed for %s: %v", msg.ID, err)
		}
	}

	return msg, nil
}

// =============================================================================
// QUERIES
// =============================================================================

// Len returns the number of appended messages.
func (w *Workspace) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return len(w.messages)
}

// Get returns the message with the given ID.
func (w *Workspace) Get(id string) (*model.Message, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	idx, ok := w.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	return w.messages[idx], nil
}

// All returns the messages in append order.
func (w *Workspace) All() []*model.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]*model.Message, len(w.messages))
	copy(out, w.messages)
	return out
}

// Recent returns up to n most recent messages in append order.
func (w *Workspace) Recent(n int) []*model.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if n <= 0 || n > len(w.messages) {
		n = len(w.messages)
	}
	out := make([]*model.Message, n)
	copy(out, w.messages[len(w.messages)-n:])
	return out
}

// Replies returns the IDs of messages responding to the given message.
func (w *Workspace) Replies(id string) []string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make([]string, len(w.replies[id]))
	copy(out, w.replies[id])
	return out
}

// AppendIndex returns the append position of a message, or -1 if unknown.
func (w *Workspace) AppendIndex(id string) int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if idx, ok := w.byID[id]; ok {
		return idx
	}
	return -1
}

// Decisions returns the decision lines extracted so far.
func (w *Workspace) Decisions() []string {
	return w.extractor.Decisions()
}

// Actions returns the action-item lines extracted so far.
func (w *Workspace) Actions() []string {
	return w.extractor.Actions()
}

// =============================================================================
// PINNING
// =============================================================================

// Pin marks a message as pinned so the context window always retains it.
func (w *Workspace) Pin(id string) error {
	return w.setPinned(id, true)
}

// Unpin clears the pinned flag.
func (w *Workspace) Unpin(id string) error {
	return w.setPinned(id, false)
}

func (w *Workspace) setPinned(id string, pinned bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	idx, ok := w.byID[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	// The pin flag is derived metadata, not message content; this is the
	// one mutation allowed after append.
	w.messages[idx].Pinned = pinned
	return nil
}

// =============================================================================
// CONTEXT WINDOW
// =============================================================================

// ContextWindow selects the prompt context: every pinned message, then the
// most recent messages, trimming the recent pool oldest-first until the token
// budget holds. Pinned messages are never dropped, even over budget. The
// result preserves append order.
func (w *Workspace) ContextWindow(maxTokens int) []*model.Message {
	w.mu.RLock()
	defer w.mu.RUnlock()

	budget := maxTokens
	include := make([]bool, len(w.messages))

	// Pinned messages are unconditional; they only consume budget.
	for i, msg := range w.messages {
		if msg.Pinned {
			include[i] = true
			budget -= msg.EstimateTokens()
		}
	}

	// Fill the remainder newest-first from the unpinned pool.
	for i := len(w.messages) - 1; i >= 0 && budget > 0; i-- {
		if include[i] {
			continue
		}
		tokens := w.messages[i].EstimateTokens()
		if tokens > budget {
			break
		}
		include[i] = true
		budget -= tokens
	}

	var out []*model.Message
	for i, msg := range w.messages {
		if include[i] {
			out = append(out, msg)
		}
	}
	return out
}
