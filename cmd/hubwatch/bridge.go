// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/hubwatch/services/brigade/host"
)

// maxBridgeBody bounds bridge responses. A full thread tree is the
// largest payload.
const maxBridgeBody = 8 << 20

// bridgeClient implements host.Client against the platform adapter's
// REST API. The adapter owns platform credentials; this process only
// ever talks to the local bridge.
type bridgeClient struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
	logger  *slog.Logger
}

var _ host.Client = (*bridgeClient)(nil)

func newBridgeClient(baseURL string, logger *slog.Logger) *bridgeClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &bridgeClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		// The adapter applies the platform's own limits; this is a local
		// politeness cap.
		limiter: rate.NewLimiter(rate.Every(200*time.Millisecond), 5),
		logger:  logger.With("component", "bridge"),
	}
}

// =============================================================================
// Wire types
// =============================================================================

type bridgePost struct {
	ID        string `json:"id"`
	Community string `json:"community"`
	Title     string `json:"title"`
	Author    string `json:"author"`
	Score     int    `json:"score"`
	URL       string `json:"url"`
	Permalink string `json:"permalink"`
	CreatedAt int64  `json:"createdAt"`
	Deleted   bool   `json:"deleted,omitempty"`
}

type bridgeComment struct {
	ID        string           `json:"id"`
	Author    string           `json:"author"`
	Body      string           `json:"body"`
	Score     int              `json:"score"`
	Permalink string           `json:"permalink"`
	Deleted   bool             `json:"deleted,omitempty"`
	Replies   []*bridgeComment `json:"replies,omitempty"`
}

type bridgeThread struct {
	Post     bridgePost       `json:"post"`
	Comments []*bridgeComment `json:"comments"`
}

type bridgeModAction struct {
	Action     string `json:"action"`
	TargetUser string `json:"targetUser"`
	CreatedAt  int64  `json:"createdAt"`
}

func (p *bridgePost) toHost() *host.Post {
	return &host.Post{
		ID:        p.ID,
		Community: p.Community,
		Title:     p.Title,
		Author:    p.Author,
		Score:     p.Score,
		URL:       p.URL,
		Permalink: p.Permalink,
		CreatedAt: time.UnixMilli(p.CreatedAt),
		Deleted:   p.Deleted,
	}
}

func (c *bridgeComment) toHost() *host.Comment {
	out := &host.Comment{
		ID:        c.ID,
		Author:    c.Author,
		Body:      c.Body,
		Score:     c.Score,
		Permalink: c.Permalink,
		Deleted:   c.Deleted,
	}
	for _, r := range c.Replies {
		out.Replies = append(out.Replies, r.toHost())
	}
	return out
}

// =============================================================================
// Transport
// =============================================================================

func (b *bridgeClient) do(ctx context.Context, method, path string, body, dest any) error {
	if err := b.limiter.Wait(ctx); err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal bridge request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build bridge request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := b.http.Do(req)
	if err != nil {
		return fmt.Errorf("bridge %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusNotFound, http.StatusGone:
		return host.ErrNotFound
	case http.StatusForbidden:
		return host.ErrPermissionDenied
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("bridge %s %s: status %d", method, path, resp.StatusCode)
	}
	if dest == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBridgeBody))
	if err != nil {
		return fmt.Errorf("read bridge response: %w", err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("decode bridge response: %w", err)
	}
	return nil
}

// =============================================================================
// host.Client
// =============================================================================

func (b *bridgeClient) GetPost(ctx context.Context, postID string) (*host.Post, error) {
	var p bridgePost
	if err := b.do(ctx, http.MethodGet, "/posts/"+url.PathEscape(postID), nil, &p); err != nil {
		return nil, err
	}
	return p.toHost(), nil
}

func (b *bridgeClient) SearchPosts(ctx context.Context, query string, since time.Time) ([]*host.Post, error) {
	q := url.Values{}
	q.Set("q", query)
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	var posts []bridgePost
	if err := b.do(ctx, http.MethodGet, "/search?"+q.Encode(), nil, &posts); err != nil {
		return nil, err
	}
	out := make([]*host.Post, 0, len(posts))
	for i := range posts {
		out = append(out, posts[i].toHost())
	}
	return out, nil
}

func (b *bridgeClient) FetchThread(ctx context.Context, community, postID string) (*host.Thread, error) {
	path := "/communities/" + url.PathEscape(community) + "/threads/" + url.PathEscape(postID)
	var t bridgeThread
	if err := b.do(ctx, http.MethodGet, path, nil, &t); err != nil {
		return nil, err
	}
	thread := &host.Thread{Post: *t.Post.toHost()}
	for _, c := range t.Comments {
		thread.Comments = append(thread.Comments, c.toHost())
	}
	return thread, nil
}

func (b *bridgeClient) SubmitComment(ctx context.Context, postID, body string) (string, error) {
	var reply struct {
		ID string `json:"id"`
	}
	payload := map[string]string{"body": body}
	if err := b.do(ctx, http.MethodPost, "/posts/"+url.PathEscape(postID)+"/comments", payload, &reply); err != nil {
		return "", err
	}
	return reply.ID, nil
}

func (b *bridgeClient) DistinguishComment(ctx context.Context, commentID string, sticky bool) error {
	payload := map[string]bool{"sticky": sticky}
	return b.do(ctx, http.MethodPost, "/comments/"+url.PathEscape(commentID)+"/distinguish", payload, nil)
}

func (b *bridgeClient) SendModmail(ctx context.Context, subject, body string) error {
	payload := map[string]string{"subject": subject, "body": body}
	return b.do(ctx, http.MethodPost, "/modmail", payload, nil)
}

func (b *bridgeClient) ModLog(ctx context.Context, user string, since time.Time) ([]host.ModAction, error) {
	q := url.Values{}
	q.Set("user", user)
	q.Set("since", strconv.FormatInt(since.UnixMilli(), 10))
	var actions []bridgeModAction
	if err := b.do(ctx, http.MethodGet, "/modlog?"+q.Encode(), nil, &actions); err != nil {
		return nil, err
	}
	out := make([]host.ModAction, 0, len(actions))
	for _, a := range actions {
		out = append(out, host.ModAction{
			Action:     a.Action,
			TargetUser: a.TargetUser,
			CreatedAt:  time.UnixMilli(a.CreatedAt),
		})
	}
	return out, nil
}

func (b *bridgeClient) GetCommunityInfo(ctx context.Context, community string) (*host.CommunityInfo, error) {
	var info host.CommunityInfo
	if err := b.do(ctx, http.MethodGet, "/communities/"+url.PathEscape(community), nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *bridgeClient) GetUserHistory(ctx context.Context, user string, limit int) ([]*host.Comment, error) {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	path := "/users/" + url.PathEscape(user) + "/history?" + q.Encode()
	var comments []*bridgeComment
	if err := b.do(ctx, http.MethodGet, path, nil, &comments); err != nil {
		return nil, err
	}
	out := make([]*host.Comment, 0, len(comments))
	for _, c := range comments {
		out = append(out, c.toHost())
	}
	return out, nil
}

func (b *bridgeClient) ReadWikiPage(ctx context.Context, page string) (string, error) {
	var reply struct {
		Content string `json:"content"`
	}
	if err := b.do(ctx, http.MethodGet, "/wiki/"+url.PathEscape(page), nil, &reply); err != nil {
		return "", err
	}
	return reply.Content, nil
}

func (b *bridgeClient) WriteWikiPage(ctx context.Context, page, content string) error {
	payload := map[string]string{"content": content}
	return b.do(ctx, http.MethodPut, "/wiki/"+url.PathEscape(page), payload, nil)
}
