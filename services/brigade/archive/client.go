// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive is the HTTP client for the archive search API (a
// pullpush-style index of submissions and comments, including deleted
// content).
//
// All calls run under a soft timeout and a client-side rate limiter;
// exceeding either surfaces as ErrUnavailable so the source chain can
// advance to its next strategy.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"
)

var (
	// ErrUnavailable covers timeouts, transport failures, and non-200
	// responses. Callers log and move on.
	ErrUnavailable = errors.New("archive: unavailable")

	// ErrParse indicates the API answered 200 with a body that does not
	// decode. Callers fall back to the site-local default.
	ErrParse = errors.New("archive: parse error")
)

// Submission is one archived post. Field names follow the API's wire
// format.
type Submission struct {
	ID          string  `json:"id"`
	Author      string  `json:"author"`
	Title       string  `json:"title"`
	Selftext    string  `json:"selftext,omitempty"`
	URL         string  `json:"url,omitempty"`
	Permalink   string  `json:"permalink"`
	CreatedUTC  float64 `json:"created_utc"`
	Subreddit   string  `json:"subreddit"`
	Score       int     `json:"score,omitempty"`
	NumComments int     `json:"num_comments,omitempty"`
}

// Comment is one archived comment.
type Comment struct {
	ID         string  `json:"id"`
	Author     string  `json:"author"`
	Body       string  `json:"body"`
	LinkID     string  `json:"link_id"`
	ParentID   string  `json:"parent_id,omitempty"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
	Score      int     `json:"score,omitempty"`
}

// Deleted reports whether the comment was removed or deleted on the
// origin platform (the archive keeps a tombstone body).
func (c *Comment) Deleted() bool {
	return c.Body == "[deleted]" || c.Body == "[removed]" ||
		c.Author == "[deleted]"
}

// Client talks to the archive search API.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client (tests).
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLimiter replaces the client-side rate limiter.
func WithLimiter(l *rate.Limiter) Option {
	return func(c *Client) { c.limiter = l }
}

// NewClient builds a client for the API at baseURL.
//
// The default limiter allows one request per second with a small burst,
// which keeps a 15-minute scan cadence comfortably under the public
// API's ceiling.
func NewClient(baseURL string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 10 * time.Second},
		limiter: rate.NewLimiter(rate.Every(time.Second), 3),
		logger:  logger.With("component", "archive"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SearchSubmissions queries submissions whose URL contains q, created
// after the given time, returning at most limit rows.
//
// GET /reddit/search/submission/?q=<q>&after=<epoch>&limit=<n>
func (c *Client) SearchSubmissions(ctx context.Context, q string, after time.Time, limit int) ([]Submission, error) {
	params := url.Values{}
	params.Set("q", q)
	params.Set("after", strconv.FormatInt(after.Unix(), 10))
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Data []Submission `json:"data"`
	}
	if err := c.get(ctx, "/reddit/search/submission/", params, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// SearchComments queries comments belonging to the post linkID created
// after the given time.
//
// GET /reddit/search/comment/?link_id=<postId>&after=<epoch>
func (c *Client) SearchComments(ctx context.Context, linkID string, after time.Time) ([]Comment, error) {
	params := url.Values{}
	params.Set("link_id", linkID)
	params.Set("after", strconv.FormatInt(after.Unix(), 10))

	var payload struct {
		Data []Comment `json:"data"`
	}
	if err := c.get(ctx, "/reddit/search/comment/", params, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// SearchCommentsByAuthor queries the author's most recent archived
// comments across the platform, returning at most limit rows. The
// archive keeps the pre-deletion body for content removed after it was
// indexed.
//
// GET /reddit/search/comment/?author=<user>&limit=<n>
func (c *Client) SearchCommentsByAuthor(ctx context.Context, author string, limit int) ([]Comment, error) {
	params := url.Values{}
	params.Set("author", author)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}

	var payload struct {
		Data []Comment `json:"data"`
	}
	if err := c.get(ctx, "/reddit/search/comment/", params, &payload); err != nil {
		return nil, err
	}
	return payload.Data, nil
}

// CountDeletedComments returns how many archived comments on linkID
// created after the given time carry a deletion tombstone.
func (c *Client) CountDeletedComments(ctx context.Context, linkID string, after time.Time) (int, error) {
	comments, err := c.SearchComments(ctx, linkID, after)
	if err != nil {
		return 0, err
	}
	count := 0
	for i := range comments {
		if comments[i].Deleted() {
			count++
		}
	}
	return count, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, dest any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: limiter: %v", ErrUnavailable, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrUnavailable, err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("archive request failed", "path", path, "error", err)
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("archive returned non-200", "path", path, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, dest); err != nil {
		return fmt.Errorf("%w: %v", ErrParse, err)
	}
	return nil
}
