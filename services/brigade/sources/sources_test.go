// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/hubwatch/services/brigade/archive"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
)

// stubStrategy is a canned Strategy for chain tests.
type stubStrategy struct {
	name  string
	cands []datatypes.Candidate
	err   error
	calls int
}

func (s *stubStrategy) Name() string { return s.name }

func (s *stubStrategy) Discover(context.Context, string, time.Time) ([]datatypes.Candidate, error) {
	s.calls++
	return s.cands, s.err
}

type allowAllDrama struct{}

func (allowAllDrama) IsDrama(string) bool { return true }

type noDrama struct{}

func (noDrama) IsDrama(string) bool { return false }

func TestChain_FirstNonEmptyWins(t *testing.T) {
	first := &stubStrategy{name: "a"}
	second := &stubStrategy{name: "b", cands: []datatypes.Candidate{{ID: "p1"}}}
	third := &stubStrategy{name: "c", cands: []datatypes.Candidate{{ID: "p2"}}}
	chain := NewChain(nil, first, second, third)

	got := chain.Discover(context.Background(), "ExampleCity", time.Now())
	require.Len(t, got, 1)
	assert.Equal(t, "p1", got[0].ID)
	assert.Equal(t, 0, third.calls, "chain must stop at the first non-empty set")
}

func TestChain_StrategyErrorSkipped(t *testing.T) {
	failing := &stubStrategy{name: "a", err: errors.New("down")}
	working := &stubStrategy{name: "b", cands: []datatypes.Candidate{{ID: "p1"}}}
	chain := NewChain(nil, failing, working)

	got := chain.Discover(context.Background(), "x", time.Now())
	require.Len(t, got, 1)
}

func TestChain_TotalFailureIsEmptyNotError(t *testing.T) {
	chain := NewChain(nil,
		&stubStrategy{name: "a", err: errors.New("down")},
		&stubStrategy{name: "b"})
	got := chain.Discover(context.Background(), "x", time.Now())
	assert.Empty(t, got)
}

func TestNativeSearch(t *testing.T) {
	fake := host.NewFake()
	fake.SearchResults = []*host.Post{
		{ID: "p1", Community: "DramaPit", Title: "a", Author: "usera",
			Permalink: "/r/DramaPit/comments/p1/", CreatedAt: time.Now()},
	}
	n := NewNativeSearch(fake, allowAllDrama{}, nil)

	got, err := n.Discover(context.Background(), "examplecity", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, datatypes.SourceNative, got[0].Source)
	assert.Equal(t, "dramapit", got[0].Community)
	assert.Equal(t, "usera", got[0].AuthorName)
}

func TestNativeSearch_DramaFilter(t *testing.T) {
	fake := host.NewFake()
	fake.SearchResults = []*host.Post{
		{ID: "p1", Community: "DramaPit", CreatedAt: time.Now()},
	}
	n := NewNativeSearch(fake, noDrama{}, nil)

	got, err := n.Discover(context.Background(), "examplecity", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestArchiveSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "reddit.com/r/examplecity", r.URL.Query().Get("q"))
		w.Write([]byte(`{"data":[{"id":"p1","author":"usera","title":"lol",` +
			`"subreddit":"DramaPit","permalink":"/r/DramaPit/comments/p1/","created_utc":1700000000}]}`))
	}))
	t.Cleanup(srv.Close)

	client := archive.NewClient(srv.URL, nil, archive.WithLimiter(rate.NewLimiter(rate.Inf, 1)))
	a := NewArchiveSearch(client, "reddit.com", nil)

	got, err := a.Discover(context.Background(), "examplecity", time.Unix(0, 0))
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, datatypes.SourceArchive, got[0].Source)
	assert.Equal(t, "dramapit", got[0].Community)
	assert.Equal(t, int64(1700000000000), got[0].CreatedAt)
}

type groundedStub struct {
	reply string
	err   error
}

func (g groundedStub) GenerateGrounded(context.Context, string, gemini.GenerationConfig) (string, error) {
	return g.reply, g.err
}

func TestAISearch_SynthesizesCandidates(t *testing.T) {
	s := NewAISearch(groundedStub{reply: "```json\n" +
		`[{"community":"r/DramaPit","title":"ExampleCity again","url":"https://x/r/DramaPit/comments/q1/"}]` +
		"\n```"}, nil)

	got, err := s.Discover(context.Background(), "examplecity", time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 1)
	c := got[0]
	assert.True(t, strings.HasPrefix(c.ID, "gem_"), "id = %q", c.ID)
	assert.Equal(t, datatypes.SourceAI, c.Source)
	assert.Equal(t, datatypes.UnknownAuthor, c.AuthorName)
	assert.Equal(t, c.URL, c.Permalink)
	assert.Equal(t, "dramapit", c.Community)
}

func TestAISearch_SelfLinkAndBlankDropped(t *testing.T) {
	s := NewAISearch(groundedStub{reply: `[
		{"community":"examplecity","title":"self","url":"https://x/1"},
		{"community":"dramapit","title":"","url":"https://x/2"},
		{"community":"dramapit","title":"ok","url":""}
	]`}, nil)

	got, err := s.Discover(context.Background(), "examplecity", time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAISearch_NonJSONIsEmpty(t *testing.T) {
	s := NewAISearch(groundedStub{reply: "I could not find anything."}, nil)
	got, err := s.Discover(context.Background(), "examplecity", time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestAISearch_NilProvider(t *testing.T) {
	s := NewAISearch(nil, nil)
	got, err := s.Discover(context.Background(), "examplecity", time.Now())
	require.NoError(t, err)
	assert.Empty(t, got)
}
