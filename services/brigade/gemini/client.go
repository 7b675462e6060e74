// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gemini is a minimal client for the Gemini generateContent API.
//
// Two call shapes are used by the pipeline: plain generation (tone and
// community classification, behavioral profiles) and search-grounded
// generation (the AI discovery fallback). Model replies that open with a
// fenced code block are stripped before JSON parsing; anything that still
// fails to parse collapses to the conservative default at the call site.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable covers transport failures, timeouts, and non-200
	// responses.
	ErrUnavailable = errors.New("gemini: unavailable")

	// ErrEmptyReply indicates a 200 response without candidates.
	ErrEmptyReply = errors.New("gemini: empty reply")
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

// GenerationConfig mirrors the API's generationConfig object.
type GenerationConfig struct {
	Temperature     float64 `json:"temperature"`
	MaxOutputTokens int     `json:"maxOutputTokens"`
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Parts []part `json:"parts"`
}

type searchRetrievalTool struct {
	GoogleSearchRetrieval struct {
		DynamicRetrievalConfig struct {
			Mode string `json:"mode"`
		} `json:"dynamic_retrieval_config"`
	} `json:"google_search_retrieval"`
}

type generateRequest struct {
	Contents         []content `json:"contents"`
	GenerationConfig any       `json:"generationConfig,omitempty"`
	Tools            []any     `json:"tools,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Client calls the generateContent endpoint.
type Client struct {
	baseURL string
	model   string
	apiKey  string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint (tests).
func WithBaseURL(u string) Option {
	return func(c *Client) { c.baseURL = u }
}

// WithModel selects the model name used in the request path.
func WithModel(m string) Option {
	return func(c *Client) { c.model = m }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLimiter replaces the client-side rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds a Gemini client with a 15-second soft timeout.
func NewClient(apiKey string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: defaultBaseURL,
		model:   defaultModel,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 15 * time.Second},
		limiter: rate.NewLimiter(rate.Every(2*time.Second), 2),
		logger:  logger.With("component", "gemini"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Generate sends a plain prompt and returns the first candidate's text.
func (c *Client) Generate(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	return c.generate(ctx, prompt, cfg, false)
}

// GenerateGrounded sends a prompt with the google_search_retrieval tool
// attached in MODE_DYNAMIC, letting the model pull in web results.
func (c *Client) GenerateGrounded(ctx context.Context, prompt string, cfg GenerationConfig) (string, error) {
	return c.generate(ctx, prompt, cfg, true)
}

func (c *Client) generate(ctx context.Context, prompt string, cfg GenerationConfig, grounded bool) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("%w: limiter: %v", ErrUnavailable, err)
	}

	reqBody := generateRequest{
		Contents:         []content{{Parts: []part{{Text: prompt}}}},
		GenerationConfig: cfg,
	}
	if grounded {
		var tool searchRetrievalTool
		tool.GoogleSearchRetrieval.DynamicRetrievalConfig.Mode = "MODE_DYNAMIC"
		reqBody.Tools = []any{tool}
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", c.baseURL, c.model, c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("gemini request failed", "error", err)
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("gemini returned non-200", "status", resp.StatusCode)
		return "", fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}

	var parsed generateResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}
	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return "", ErrEmptyReply
	}
	return parsed.Candidates[0].Content.Parts[0].Text, nil
}

// StripFences removes a leading/trailing markdown code fence from a model
// reply, so JSON payloads wrapped in ```json ... ``` parse cleanly.
func StripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop an optional language tag on the opening fence.
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		firstLine := strings.TrimSpace(s[:idx])
		if len(firstLine) <= 10 && !strings.ContainsAny(firstLine, "{}[]") {
			s = s[idx+1:]
		}
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
