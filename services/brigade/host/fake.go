// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package host

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// SubmittedComment records one SubmitComment call on the fake.
type SubmittedComment struct {
	PostID string
	Body   string
	ID     string
}

// Modmail records one SendModmail call on the fake.
type Modmail struct {
	Subject string
	Body    string
}

// Fake is the in-memory host used by tests. Populate the exported maps
// before use; inspect the recorded slices afterwards.
//
// Thread Safety: safe for concurrent use.
type Fake struct {
	mu sync.Mutex

	Posts         map[string]*Post
	Threads       map[string]*Thread // keyed community + "/" + postID
	SearchResults []*Post
	ModActions    map[string][]ModAction
	Communities   map[string]*CommunityInfo
	UserHistories map[string][]*Comment
	WikiPages     map[string]string

	Comments      []SubmittedComment
	Distinguished []string
	Modmails      []Modmail

	// DenyDistinguish makes DistinguishComment fail with
	// ErrPermissionDenied, as it does for a non-mod account.
	DenyDistinguish bool

	// SubmitErr, when set, fails SubmitComment.
	SubmitErr error

	nextCommentID int
}

// NewFake returns an empty fake host.
func NewFake() *Fake {
	return &Fake{
		Posts:         map[string]*Post{},
		Threads:       map[string]*Thread{},
		ModActions:    map[string][]ModAction{},
		Communities:   map[string]*CommunityInfo{},
		UserHistories: map[string][]*Comment{},
		WikiPages:     map[string]string{},
	}
}

var _ Client = (*Fake)(nil)

func (f *Fake) GetPost(_ context.Context, postID string) (*Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.Posts[postID]
	if !ok || p.Deleted {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *Fake) SearchPosts(_ context.Context, _ string, since time.Time) ([]*Post, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*Post
	for _, p := range f.SearchResults {
		if p.CreatedAt.After(since) {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *Fake) FetchThread(_ context.Context, community, postID string) (*Thread, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.Threads[community+"/"+postID]
	if !ok {
		return nil, ErrNotFound
	}
	return t, nil
}

func (f *Fake) SubmitComment(_ context.Context, postID, body string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubmitErr != nil {
		return "", f.SubmitErr
	}
	f.nextCommentID++
	id := fmt.Sprintf("c%d", f.nextCommentID)
	f.Comments = append(f.Comments, SubmittedComment{PostID: postID, Body: body, ID: id})
	return id, nil
}

func (f *Fake) DistinguishComment(_ context.Context, commentID string, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DenyDistinguish {
		return ErrPermissionDenied
	}
	f.Distinguished = append(f.Distinguished, commentID)
	return nil
}

func (f *Fake) SendModmail(_ context.Context, subject, body string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Modmails = append(f.Modmails, Modmail{Subject: subject, Body: body})
	return nil
}

func (f *Fake) ModLog(_ context.Context, user string, since time.Time) ([]ModAction, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []ModAction
	for _, a := range f.ModActions[user] {
		if a.CreatedAt.After(since) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *Fake) GetCommunityInfo(_ context.Context, community string) (*CommunityInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.Communities[community]
	if !ok {
		return nil, ErrNotFound
	}
	return info, nil
}

func (f *Fake) GetUserHistory(_ context.Context, user string, limit int) ([]*Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	history := f.UserHistories[user]
	if limit > 0 && len(history) > limit {
		history = history[:limit]
	}
	return history, nil
}

func (f *Fake) ReadWikiPage(_ context.Context, page string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.WikiPages[page]
	if !ok {
		return "", ErrNotFound
	}
	return content, nil
}

func (f *Fake) WriteWikiPage(_ context.Context, page, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WikiPages[page] = content
	return nil
}

// CommentCount returns how many comments the fake accepted.
func (f *Fake) CommentCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Comments)
}

// ModmailCount returns how many modmails the fake accepted.
func (f *Fake) ModmailCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Modmails)
}
