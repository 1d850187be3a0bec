// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeranaias/quorum/internal/config"
	"github.com/jeranaias/quorum/internal/model"
)

// sseHandler writes the given deltas as an OpenRouter-style SSE stream.
func sseHandler(deltas ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q},\"finish_reason\":\"\"}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func testParticipant() model.Participant {
	return model.Participant{
		ID:         "analyst",
		ProviderID: "openrouter",
		ModelID:    "anthropic/claude-3-haiku",
		Role:       "market analyst",
	}
}

// =============================================================================
// STREAMING TESTS
// =============================================================================

func TestClient_Stream(t *testing.T) {
	srv := httptest.NewServer(sseHandler("Hello", ", ", "world"))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	var fragments []string
	result, err := c.Stream(context.Background(), testParticipant(), nil, "say hello", func(f string) {
		fragments = append(fragments, f)
	})

	require.NoError(t, err)
	assert.Equal(t, "Hello, world", result.Text)
	assert.Equal(t, []string{"Hello", ", ", "world"}, fragments, "fragments must arrive in order")
	assert.Greater(t, result.InputTokens, 0)
	assert.Equal(t, model.EstimateTokens("Hello, world"), result.OutputTokens)
}

func TestClient_Stream_ProviderError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":{"message":"invalid model"}}`)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	_, err := c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "openrouter", perr.Provider)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
	assert.Contains(t, perr.Reason, "invalid model")
}

func TestClient_Stream_NotConfigured(t *testing.T) {
	c := NewClient("")

	_, err := c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestClient_Stream_RetriesServerErrors(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		sseHandler("ok")(w, r)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	result, err := c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", result.Text)
	assert.Equal(t, 3, attempts)
}

func TestClient_Stream_NoRetryOn4xx(t *testing.T) {
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	_, err := c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.Error(t, err)
	assert.Equal(t, 1, attempts, "4xx responses must not be retried")
}

func TestClient_Stream_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	srv := httptest.NewServer(sseHandler("x"))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(1000, 10))

	_, err := c.Stream(ctx, testParticipant(), nil, "hi", nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled), "cancellation must propagate, got %v", err)
}

func TestClient_Stream_RateLimitError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithMaxRetries(0), WithRateLimit(1000, 10))

	_, err := c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.Error(t, err)

	var perr *ProviderError
	require.ErrorAs(t, err, &perr)
	assert.True(t, errors.Is(perr.Err, ErrRateLimited))

	var rle *RateLimitError
	require.ErrorAs(t, perr.Err, &rle)
	assert.Equal(t, 2*time.Second, rle.RetryAfter)
}

func TestClient_Stream_EndpointFromDefaultConfig(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		sseHandler("ok")(w, r)
	}))
	defer srv.Close()

	// Wire the client the way main.go does: the configured base URL goes
	// straight into WithBaseURL, so it must not carry the completions route.
	base, err := url.Parse(config.Default().Provider.BaseURL)
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, config.Default().Provider.BaseURL)

	c := NewClient("test-key", WithBaseURL(srv.URL+base.Path), WithRateLimit(1000, 10))
	_, err = c.Stream(context.Background(), testParticipant(), nil, "hi", nil)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/chat/completions", gotPath)
}

// =============================================================================
// WIRE MESSAGE TESTS
// =============================================================================

func TestBuildWireMessages(t *testing.T) {
	p := testParticipant()
	ctxMsgs := []*model.Message{
		model.NewUserMessage("topic: pricing"),
		model.NewMessage("analyst", model.RoleParticipant, "earlier take"),
		model.NewMessage("critic", model.RoleParticipant, "disagree"),
	}

	messages := buildWireMessages(p, ctxMsgs, "respond now")

	require.Len(t, messages, 5)
	assert.Equal(t, "system", messages[0].Role)
	assert.Contains(t, messages[0].Content, p.Role)
	assert.Equal(t, "assistant", messages[2].Role, "participant's own turns become assistant messages")
	assert.Equal(t, "earlier take", messages[2].Content)
	assert.Contains(t, messages[3].Content, "[critic]")
	assert.Equal(t, "respond now", messages[4].Content)
}

// =============================================================================
// SSE READER TESTS
// =============================================================================

func TestSSEReader_ReadEvent(t *testing.T) {
	input := "data: one\n\ndata: two\ndata: three\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "one", string(ev))

	ev, err = r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "two\nthree", string(ev), "multi-line data joins with newline")
}

func TestSSEReader_IgnoresOtherFields(t *testing.T) {
	input := "event: ping\nid: 42\n: comment\ndata: payload\n\n"
	r := NewSSEReader(strings.NewReader(input))

	ev, err := r.ReadEvent()
	require.NoError(t, err)
	assert.Equal(t, "payload", string(ev))
}

func TestAccumulator(t *testing.T) {
	acc := NewAccumulator()
	acc.Add("a")
	acc.Add("")
	acc.Add("b")

	assert.Equal(t, "ab", acc.Text())
	assert.Equal(t, 2, acc.FragmentCount(), "empty fragments are not counted")
}
