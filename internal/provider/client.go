// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package provider implements the provider adapter boundary.
//
// The HTTP client speaks an OpenAI-compatible chat completions API
// (OpenRouter shape), which fronts Claude, GPT-4, and other models behind a
// single endpoint.
package provider

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/jeranaias/quorum/internal/model"
)

// Configuration constants for the provider API.
const (
	// DefaultBaseURL is the base URL for the OpenRouter API.
	DefaultBaseURL = "https://openrouter.ai/api/v1"

	// DefaultMaxRetries is the default number of retry attempts for
	// transient errors.
	DefaultMaxRetries = 3

	// retryBaseDelay is the base delay for exponential backoff.
	retryBaseDelay = 500 * time.Millisecond

	// retryMaxDelay is the maximum delay for exponential backoff.
	retryMaxDelay = 10 * time.Second

	// MaxResponseSize caps non-streaming response bodies.
	MaxResponseSize = 10 * 1024 * 1024
)

// sharedStreamingClient is used for streaming requests. No client timeout:
// streams are bounded by the request context instead.
var sharedStreamingClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
}

// =============================================================================
// REQUEST / RESPONSE TYPES
// =============================================================================

// ChatMessage is one prompt message in provider wire format.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatRequest is the request body for chat completions.
type chatRequest struct {
	Model    string        `json:"model"`
	Messages []ChatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

// apiError is the JSON error body shape returned by the provider.
type apiError struct {
	Error struct {
		Message string `json:"message"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// =============================================================================
// CLIENT
// =============================================================================

// Client is the HTTP provider adapter. One Client may serve many
// participants; the per-provider rate limiter serializes burst traffic from
// fan-out rounds.
type Client struct {
	baseURL    string
	apiKey     string
	maxRetries int
	limiter    *rate.Limiter
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

// WithMaxRetries sets the retry budget for transient errors.
func WithMaxRetries(n int) Option {
	return func(c *Client) { c.maxRetries = n }
}

// WithRateLimit sets the request rate limit (requests per second, burst).
func WithRateLimit(rps float64, burst int) Option {
	return func(c *Client) { c.limiter = rate.NewLimiter(rate.Limit(rps), burst) }
}

// NewClient creates a provider client.
func NewClient(apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    DefaultBaseURL,
		apiKey:     apiKey,
		maxRetries: DefaultMaxRetries,
		limiter:    rate.NewLimiter(rate.Limit(2), 4),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsConfigured reports whether the client has an API key.
func (c *Client) IsConfigured() bool {
	return c.apiKey != ""
}

// =============================================================================
// ADAPTER IMPLEMENTATION
// =============================================================================

// Stream implements Adapter. It issues a streaming chat completion for the
// participant, invoking onFragment for each delta in arrival order, and
// returns the assembled text plus estimated token usage.
func (c *Client) Stream(ctx context.Context, p model.Participant, contextMsgs []*model.Message, prompt string, onFragment FragmentFunc) (*Result, error) {
	if !c.IsConfigured() {
		return nil, &ProviderError{Provider: p.ProviderID, Reason: "not configured", Err: ErrNotConfigured}
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, &ProviderError{Provider: p.ProviderID, Reason: "canceled while rate limited", Err: err}
	}

	messages := buildWireMessages(p, contextMsgs, prompt)

	acc := NewAccumulator()
	err := c.streamWithRetry(ctx, p, messages, func(delta string) {
		acc.Add(delta)
		if onFragment != nil {
			onFragment(delta)
		}
	})
	if err != nil {
		// Context cancellation propagates as-is so the orchestrator can
		// distinguish a kill from a provider fault.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		var perr *ProviderError
		if errors.As(err, &perr) {
			return nil, perr
		}
		return nil, &ProviderError{Provider: p.ProviderID, Reason: err.Error(), Err: err}
	}

	text := acc.Text()
	inputTokens := estimatePromptTokens(messages)
	return &Result{
		Text:         text,
		InputTokens:  inputTokens,
		OutputTokens: model.EstimateTokens(text),
	}, nil
}

// buildWireMessages converts the bounded context window plus instruction
// into provider wire format. The participant's own earlier turns become
// assistant messages; everything else is presented as user content with the
// author named, so the model can track who said what.
func buildWireMessages(p model.Participant, contextMsgs []*model.Message, prompt string) []ChatMessage {
	messages := make([]ChatMessage, 0, len(contextMsgs)+2)

	if p.Role != "" {
		messages = append(messages, ChatMessage{
			Role:    "system",
			Content: "You are " + p.Role + " in a multi-party discussion. Respond in character, concisely.",
		})
	}

	for _, msg := range contextMsgs {
		if msg.Author == p.ID {
			messages = append(messages, ChatMessage{Role: "assistant", Content: msg.Text})
			continue
		}
		messages = append(messages, ChatMessage{
			Role:    "user",
			Content: "[" + msg.Author + "] " + msg.Text,
		})
	}

	messages = append(messages, ChatMessage{Role: "user", Content: prompt})
	return messages
}

// estimatePromptTokens estimates the token cost of the outgoing messages.
func estimatePromptTokens(messages []ChatMessage) int {
	total := 0
	for _, m := range messages {
		total += model.EstimateTokens(m.Content)
	}
	return total
}

// =============================================================================
// STREAMING WITH RETRY
// =============================================================================

// streamWithRetry performs the streaming request with retry on transient
// failures. 4xx responses are returned immediately; 5xx and transport errors
// retry with exponential backoff. Once any fragment has been delivered the
// request is not retried, to avoid emitting duplicate text.
func (c *Client) streamWithRetry(ctx context.Context, p model.Participant, messages []ChatMessage, onDelta func(string)) error {
	var lastErr error
	delivered := false

	wrapped := func(delta string) {
		delivered = true
		onDelta(delta)
	}

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}

		err := c.streamOnce(ctx, p, messages, wrapped)
		if err == nil {
			return nil
		}
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		var perr *ProviderError
		if errors.As(err, &perr) && perr.Status >= 400 && perr.Status < 500 && perr.Status != http.StatusTooManyRequests {
			return err
		}
		if delivered {
			return err
		}
		lastErr = err
	}

	return &ProviderError{
		Provider: p.ProviderID,
		Reason:   "max retries exceeded",
		Err:      lastErr,
	}
}

// streamOnce performs a single streaming request attempt.
func (c *Client) streamOnce(ctx context.Context, p model.Participant, messages []ChatMessage, onDelta func(string)) error {
	body, err := json.Marshal(chatRequest{
		Model:    p.ModelID,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	c.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := sharedStreamingClient.Do(req)
	if err != nil {
		return &ProviderError{Provider: p.ProviderID, Reason: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.handleErrorResponse(p.ProviderID, resp)
	}

	return processStream(ctx, resp.Body, onDelta)
}

// setHeaders applies the standard request headers.
func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
}

// handleErrorResponse converts a non-200 response into a ProviderError.
func (c *Client) handleErrorResponse(providerID string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))

	reason := http.StatusText(resp.StatusCode)
	var parsed apiError
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		reason = parsed.Error.Message
	}

	perr := &ProviderError{Provider: providerID, Status: resp.StatusCode, Reason: reason}
	if resp.StatusCode == http.StatusTooManyRequests {
		perr.Err = parseRetryAfter(resp)
	}
	return perr
}

// parseRetryAfter reads the Retry-After header into a RateLimitError.
func parseRetryAfter(resp *http.Response) error {
	retryAfter := resp.Header.Get("Retry-After")
	if retryAfter == "" {
		return ErrRateLimited
	}

	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Duration(seconds) * time.Second}
	}
	if t, err := http.ParseTime(retryAfter); err == nil {
		return &RateLimitError{RetryAfter: time.Until(t)}
	}
	return ErrRateLimited
}

// calculateBackoff returns the exponential backoff delay for an attempt.
func calculateBackoff(attempt int) time.Duration {
	delay := retryBaseDelay * time.Duration(1<<uint(attempt-1))
	if delay > retryMaxDelay {
		delay = retryMaxDelay
	}
	return delay
}

// =============================================================================
// RATE LIMIT ERROR
// =============================================================================

// RateLimitError carries the provider's requested retry delay.
type RateLimitError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// Is allows RateLimitError to be compared with ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
