// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the provider adapter boundary: issuing a single
// model request and yielding a token stream plus final usage accounting.
package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/jeranaias/quorum/internal/model"
)

// =============================================================================
// ADAPTER CONTRACT
// =============================================================================

// FragmentFunc receives incremental text fragments in arrival order.
// Delivery is fire-and-forget: the adapter never blocks on a slow consumer
// beyond the callback's own execution time.
type FragmentFunc func(fragment string)

// Result is the final assembled response of one provider call.
type Result struct {
	Text         string
	InputTokens  int
	OutputTokens int
}

// Adapter issues a single model request on behalf of a participant.
//
// Implementations must emit fragments in arrival order and return the fully
// assembled text with token usage. On transport or provider failure they
// return a *ProviderError; the caller treats that as "no response" for the
// participant this turn and continues with the rest of the round.
type Adapter interface {
	Stream(ctx context.Context, p model.Participant, contextMsgs []*model.Message, prompt string, onFragment FragmentFunc) (*Result, error)
}

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNotConfigured indicates the adapter has no API key.
	ErrNotConfigured = errors.New("provider not configured: missing API key")

	// ErrRateLimited indicates the provider rejected the call for rate limiting.
	ErrRateLimited = errors.New("provider rate limited")
)

// ProviderError is a provider-scoped failure. It is never fatal to a run:
// the affected participant is skipped for the turn.
type ProviderError struct {
	Provider string
	Status   int
	Reason   string
	Err      error
}

// Error implements the error interface.
func (e *ProviderError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("provider %s failed (HTTP %d): %s", e.Provider, e.Status, e.Reason)
	}
	return fmt.Sprintf("provider %s failed: %s", e.Provider, e.Reason)
}

// Unwrap returns the underlying error.
func (e *ProviderError) Unwrap() error {
	return e.Err
}
