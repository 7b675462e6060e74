// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package host defines the narrow interfaces through which the pipeline
// talks to the host social platform.
//
// The host is an external collaborator: this package carries no
// implementation beyond the in-memory fake used by tests. The interfaces
// deliberately expose single operations with no transactional guarantees
// across calls; every caller is written to tolerate partial failure.
package host

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound indicates the post, page, or user does not exist (or
	// was deleted). Readers treat it as "no state yet".
	ErrNotFound = errors.New("host: not found")

	// ErrPermissionDenied indicates the bot account lacks the privilege
	// (e.g. distinguishing a comment without mod rights). Callers swallow
	// it site-locally.
	ErrPermissionDenied = errors.New("host: permission denied")
)

// Post is a submission on the host platform.
type Post struct {
	ID        string
	Community string
	Title     string
	Author    string
	Score     int
	URL       string
	Permalink string
	CreatedAt time.Time
	Deleted   bool
}

// Comment is one comment in a thread tree. Replies nest arbitrarily; the
// analyzer flattens them with a depth bound.
type Comment struct {
	ID        string
	Author    string
	Body      string
	Score     int
	Permalink string
	Deleted   bool
	Replies   []*Comment
}

// Thread is a fetched post plus its comment tree.
type Thread struct {
	Post     Post
	Comments []*Comment
}

// ModAction is one entry of the community moderation log.
type ModAction struct {
	Action     string // "removecomment", "removelink", "banuser"
	TargetUser string
	CreatedAt  time.Time
}

// CommunityInfo is the metadata the community classifier enriches its
// prompt with.
type CommunityInfo struct {
	Name          string
	Description   string
	HotPostTitles []string
}

// Client is the full host surface the pipeline consumes. Implementations
// wrap the platform SDK; tests use Fake.
type Client interface {
	// GetPost loads a post by id. Returns ErrNotFound for deleted or
	// unknown posts.
	GetPost(ctx context.Context, postID string) (*Post, error)

	// SearchPosts runs the native community search for posts linking to
	// the query token, newer than since, within roughly the last week.
	SearchPosts(ctx context.Context, query string, since time.Time) ([]*Post, error)

	// FetchThread loads a post in another community together with its
	// comment tree.
	FetchThread(ctx context.Context, community, postID string) (*Thread, error)

	// SubmitComment posts a comment under postID and returns its id.
	SubmitComment(ctx context.Context, postID, body string) (string, error)

	// DistinguishComment promotes a comment to a mod sticky. Returns
	// ErrPermissionDenied without mod rights.
	DistinguishComment(ctx context.Context, commentID string, sticky bool) error

	// SendModmail delivers a message to the community's mod inbox.
	SendModmail(ctx context.Context, subject, body string) error

	// ModLog returns moderation actions targeting user since the given
	// time.
	ModLog(ctx context.Context, user string, since time.Time) ([]ModAction, error)

	// GetCommunityInfo returns description and hot-post titles for a
	// community.
	GetCommunityInfo(ctx context.Context, community string) (*CommunityInfo, error)

	// GetUserHistory returns up to limit recent comments by user across
	// the platform, newest first.
	GetUserHistory(ctx context.Context, user string, limit int) ([]*Comment, error)

	// ReadWikiPage returns the raw content of a wiki-like JSON page.
	// Returns ErrNotFound when the page does not exist yet.
	ReadWikiPage(ctx context.Context, page string) (string, error)

	// WriteWikiPage replaces the content of a wiki-like JSON page,
	// creating it when absent.
	WriteWikiPage(ctx context.Context, page, content string) error
}
