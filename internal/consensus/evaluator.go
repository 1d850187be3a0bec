// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package consensus scores recent discussion for agreement and detects
// stalled rounds, driving the orchestrator's early-termination policy.
//
// The default scorer is a lexical heuristic: agreement signals minus
// disagreement signals per author over the last K messages, averaged across
// authors, mapped onto a 0-10 scale centered at 5. It is deliberately
// approximate and replaceable behind the Scorer interface; only the shape
// (score, insight flag) and the configurable thresholds matter to callers.
package consensus

import (
	"strings"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// SCORER INTERFACE
// =============================================================================

// Scorer rates recent messages for agreement on a 0-10 scale. 5 is neutral,
// 10 is unanimous agreement.
type Scorer interface {
	Score(recent []*model.Message) float64
}

// =============================================================================
// EVALUATOR
// =============================================================================

// Defaults for the stop policy.
const (
	// DefaultWindow is how many trailing messages the scorer considers.
	DefaultWindow = 12

	// DefaultConsensusThreshold is the score at which a consensus-seeking
	// run stops early.
	DefaultConsensusThreshold = 7.0

	// DefaultSilenceThreshold is how many consecutive insight-free rounds
	// end a run as stalled.
	DefaultSilenceThreshold = 2
)

// Evaluator combines a Scorer with the silence-detection policy.
type Evaluator struct {
	scorer Scorer
	window int

	ConsensusThreshold float64
	SilenceThreshold   int
}

// NewEvaluator creates an evaluator with the default lexical scorer.
func NewEvaluator() *Evaluator {
	return &Evaluator{
		scorer:             LexicalScorer{},
		window:             DefaultWindow,
		ConsensusThreshold: DefaultConsensusThreshold,
		SilenceThreshold:   DefaultSilenceThreshold,
	}
}

// WithScorer replaces the scoring strategy.
func (e *Evaluator) WithScorer(s Scorer) *Evaluator {
	e.scorer = s
	return e
}

// SetWindow adjusts how many trailing messages the scorer considers.
// Non-positive values keep the current window.
func (e *Evaluator) SetWindow(n int) {
	if n > 0 {
		e.window = n
	}
}

// Score rates the trailing window of the given messages.
func (e *Evaluator) Score(messages []*model.Message) float64 {
	if len(messages) > e.window {
		messages = messages[len(messages)-e.window:]
	}
	return e.scorer.Score(messages)
}

// HasNewInsight reports whether at least one participant produced non-empty
// text in the given round's messages.
func (e *Evaluator) HasNewInsight(roundMessages []*model.Message) bool {
	for _, msg := range roundMessages {
		if msg.Role == model.RoleParticipant && strings.TrimSpace(msg.Text) != "" {
			return true
		}
	}
	return false
}

// ConsensusReached reports whether the score meets the consensus threshold.
func (e *Evaluator) ConsensusReached(messages []*model.Message) bool {
	return e.Score(messages) >= e.ConsensusThreshold
}

// =============================================================================
// LEXICAL SCORER
// =============================================================================

// Agreement and disagreement signal phrases. Lowercase; matched as
// substrings of the lowercased message text.
var (
	agreeSignals = []string{
		"i agree", "agreed", "good point", "exactly", "that's right",
		"makes sense", "well said", "i concur", "fair point", "precisely",
	}
	disagreeSignals = []string{
		"i disagree", "disagree", "however", "but i think", "on the contrary",
		"not convinced", "i don't think", "objection", "that's wrong", "push back",
	}
)

// LexicalScorer is the default keyword-counting scorer.
type LexicalScorer struct{}

// Score implements Scorer. Per author: count agreement occurrences minus
// disagreement occurrences, average the per-author balances, and map the
// average onto 0-10 with 5 as neutral. Each full signal of imbalance moves
// the score by one point, clamped to the scale.
func (LexicalScorer) Score(recent []*model.Message) float64 {
	balances := make(map[string]int)
	for _, msg := range recent {
		if msg.Role != model.RoleParticipant {
			continue
		}
		text := strings.ToLower(msg.Text)
		for _, sig := range agreeSignals {
			balances[msg.Author] += strings.Count(text, sig)
		}
		for _, sig := range disagreeSignals {
			balances[msg.Author] -= strings.Count(text, sig)
		}
	}

	if len(balances) == 0 {
		return 5.0
	}

	sum := 0.0
	for _, b := range balances {
		sum += float64(b)
	}
	avg := sum / float64(len(balances))

	score := 5.0 + avg
	if score > 10 {
		score = 10
	}
	if score < 0 {
		score = 0
	}
	return score
}
