// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package workspace

import (
	"log"
	"regexp"
	"strings"
	"sync"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// ADVISORY EXTRACTION
// =============================================================================

// Extraction patterns. Best effort: these catch the common phrasings models
// produce, nothing more.
var (
	decisionPattern = regexp.MustCompile(`(?im)^\s*(?:decision|we (?:decided|agree[d]?)|agreed)\s*[:\-]\s*(.+)$`)
	actionPattern   = regexp.MustCompile(`(?im)^\s*(?:action(?: item)?|todo|next step)\s*[:\-]\s*(.+)$`)
)

// Extractor scans appended messages for decision and action-item lines.
// It runs after append as an isolated post-processing step: a panic or empty
// result here never affects the transcript.
type Extractor struct {
	mu        sync.Mutex
	decisions []string
	actions   []string
}

// NewExtractor creates an empty extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// Process scans one message. Failures are swallowed and logged.
func (e *Extractor) Process(msg *model.Message) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("workspace: extraction panic on %s: %v", msg.ID, r)
		}
	}()

	if msg.Role != model.RoleParticipant && msg.Role != model.RoleUser {
		return
	}

	text := msg.Text
	decisions := collectMatches(decisionPattern, text)
	actions := collectMatches(actionPattern, text)
	if len(decisions) == 0 && len(actions) == 0 {
		return
	}

	e.mu.Lock()
	e.decisions = append(e.decisions, decisions...)
	e.actions = append(e.actions, actions...)
	e.mu.Unlock()
}

// Decisions returns the extracted decision lines.
func (e *Extractor) Decisions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.decisions))
	copy(out, e.decisions)
	return out
}

// Actions returns the extracted action-item lines.
func (e *Extractor) Actions() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.actions))
	copy(out, e.actions)
	return out
}

// collectMatches returns the trimmed first capture of every match.
func collectMatches(re *regexp.Regexp, text string) []string {
	var out []string
	for _, m := range re.FindAllStringSubmatch(text, -1) {
		if line := strings.TrimSpace(m[1]); line != "" {
			out = append(out, line)
		}
	}
	return out
}
