// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package model contains the data structures shared across the discussion
// engine: messages, participants, and discussion requests.
package model

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
	"time"
)

// =============================================================================
// ROLE TYPE
// =============================================================================

// Role identifies the kind of author behind a message.
type Role string

const (
	RoleUser        Role = "user"
	RoleParticipant Role = "participant"
	RoleModerator   Role = "moderator"
	RoleSystem      Role = "system"
)

// String returns the string representation of the role.
func (r Role) String() string {
	return string(r)
}

// DisplayName returns a human-readable name for the role.
func (r Role) DisplayName() string {
	switch r {
	case RoleUser:
		return "You"
	case RoleParticipant:
		return "Participant"
	case RoleModerator:
		return "Moderator"
	case RoleSystem:
		return "System"
	default:
		return string(r)
	}
}

// =============================================================================
// MESSAGE TYPE
// =============================================================================

// Message is a single entry in the discussion transcript.
// Messages are immutable once appended to a workspace.
type Message struct {
	// Identity
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Role      Role      `json:"role"`
	Timestamp time.Time `json:"timestamp"`

	// Content
	Text string `json:"text"`

	// Model identifier for participant messages (e.g. "anthropic/claude-3.5-sonnet").
	Model string `json:"model,omitempty"`

	// RespondsTo references the ID of an earlier message, forming the
	// reply graph. Forward references are rejected on append.
	RespondsTo string `json:"responds_to,omitempty"`

	// Pinned messages are always retained in the prompt context window.
	Pinned bool `json:"pinned,omitempty"`

	// Token statistics from the provider, when known.
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`

	// Streaming state (not persisted). Content is accumulated in the
	// builder and merged into Text when the stream finalizes.
	IsStreaming   bool            `json:"-"`
	streamContent strings.Builder `json:"-"`
}

// NewMessage creates a new message with a generated ID.
func NewMessage(author string, role Role, text string) *Message {
	return &Message{
		ID:        generateID(),
		Author:    author,
		Role:      role,
		Text:      text,
		Timestamp: time.Now(),
	}
}

// NewUserMessage creates a message authored by the human user.
func NewUserMessage(text string) *Message {
	return NewMessage("user", RoleUser, text)
}

// NewSystemMessage creates a status message from the engine itself.
func NewSystemMessage(text string) *Message {
	return NewMessage("system", RoleSystem, text)
}

// NewStreamingMessage creates an empty participant message that will be
// filled in by a provider stream.
func NewStreamingMessage(author, modelID string) *Message {
	return &Message{
		ID:          generateID(),
		Author:      author,
		Role:        RoleParticipant,
		Model:       modelID,
		Timestamp:   time.Now(),
		IsStreaming: true,
	}
}

// =============================================================================
// MESSAGE METHODS
// =============================================================================

// AppendFragment appends a streamed text fragment.
func (m *Message) AppendFragment(fragment string) {
	if m.IsStreaming {
		m.streamContent.WriteString(fragment)
	}
}

// FinalizeStream merges streamed content into Text and records token usage.
func (m *Message) FinalizeStream(inputTokens, outputTokens int) {
	if !m.IsStreaming {
		return
	}
	m.Text = m.streamContent.String()
	m.streamContent.Reset()
	m.IsStreaming = false
	m.InputTokens = inputTokens
	m.OutputTokens = outputTokens
}

// DisplayText returns the text to display (streamed so far, or final).
func (m *Message) DisplayText() string {
	if m.IsStreaming {
		return m.streamContent.String()
	}
	return m.Text
}

// IsEmpty reports whether the message carries no content.
func (m *Message) IsEmpty() bool {
	return len(m.Text) == 0 && m.streamContent.Len() == 0
}

// Preview returns a truncated preview of the message text.
// Uses rune-based truncation to handle Unicode correctly.
func (m *Message) Preview(maxLen int) string {
	text := m.DisplayText()
	runes := []rune(text)
	if len(runes) <= maxLen {
		return text
	}
	return string(runes[:maxLen-3]) + "..."
}

// EstimateTokens gives a rough token count using the ~4 chars per token
// approximation. The same approximation backs the budget thresholds, so
// swapping in a real tokenizer here would desynchronize cost accounting.
func (m *Message) EstimateTokens() int {
	return EstimateTokens(m.DisplayText())
}

// EstimateTokens estimates the token count of arbitrary text: ceil(len/4).
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// generateID creates a unique message ID.
func generateID() string {
	bytes := make([]byte, 8)
	rand.Read(bytes)
	return "msg_" + hex.EncodeToString(bytes)
}
