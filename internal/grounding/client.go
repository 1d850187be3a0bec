// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package grounding is the boundary client for an external citation service.
// Transcript text is posted for claim extraction and citation checking; the
// results flow back asynchronously and never block the discussion loop.
package grounding

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// DefaultTimeout bounds one citation-service round trip.
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize caps the response body read.
	MaxResponseSize = 4 * 1024 * 1024
)

// ErrUnavailable reports that the citation service could not be reached or
// returned a server error. Callers treat grounding as best-effort.
var ErrUnavailable = errors.New("citation service unavailable")

// sharedClient pools connections across all grounding requests.
var sharedClient = &http.Client{
	Transport: &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	},
	Timeout: DefaultTimeout,
}

// =============================================================================
// TYPES
// =============================================================================

// Claim is one checkable statement extracted from transcript text.
type Claim struct {
	Text        string   `json:"text"`
	HasCitation bool     `json:"has_citation"`
	Citations   []string `json:"citations,omitempty"`
}

// ResultFunc receives the outcome of an asynchronous grounding check.
type ResultFunc func(claims []Claim, err error)

// Client posts transcript text to the citation service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithAPIKey sets the bearer token sent with each request.
func WithAPIKey(key string) Option {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient overrides the shared pooled client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a citation-service client for the given endpoint.
func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		httpClient: sharedClient,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// =============================================================================
// REQUESTS
// =============================================================================

type checkRequest struct {
	Text string `json:"text"`
}

type checkResponse struct {
	Claims []Claim `json:"claims"`
}

// Check posts text for claim extraction and waits for the result.
func (c *Client) Check(ctx context.Context, text string) ([]Claim, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("%w: no endpoint configured", ErrUnavailable)
	}

	body, err := json.Marshal(checkRequest{Text: text})
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, MaxResponseSize))
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var out checkResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return out.Claims, nil
}

// CheckAsync runs Check on its own goroutine and delivers the outcome to fn.
// It returns immediately; the discussion loop never waits on grounding.
func (c *Client) CheckAsync(ctx context.Context, text string, fn ResultFunc) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("grounding: recovered: %v", r)
			}
		}()
		claims, err := c.Check(ctx, text)
		if fn != nil {
			fn(claims, err)
		}
	}()
}
