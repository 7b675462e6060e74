// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package analyzer

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

func newTestAnalyzer(t *testing.T, fake *host.Fake) (*Analyzer, *leaderboard.Actor) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)

	board := leaderboard.NewActor(kv, fake, nil)
	t.Cleanup(board.Close)
	engine := achievements.NewEngine(kv, 24*time.Hour, nil)
	memes := achievements.NewTalkingPoints(kv, nil, "examplecity", nil)
	return New(fake, board, engine, memes, kv, nil), board
}

func comment(author, body string, score int, replies ...*host.Comment) *host.Comment {
	return &host.Comment{
		ID: author + "-c", Author: author, Body: body, Score: score,
		Permalink: "/r/dramapit/comments/src1/x/" + author, Replies: replies,
	}
}

func seedThread(fake *host.Fake, comments ...*host.Comment) {
	fake.Threads["dramapit/src1"] = &host.Thread{
		Post: host.Post{
			ID: "src1", Community: "dramapit", Title: "look at these idiots",
			Author: "OriginalPoster", Score: 250,
		},
		Comments: comments,
	}
}

func TestParseThreadURL(t *testing.T) {
	tests := []struct {
		url       string
		community string
		postID    string
		ok        bool
	}{
		{"https://example.com/r/DramaPit/comments/src1/title/", "dramapit", "src1", true},
		{"/r/DramaPit/comments/abc123", "dramapit", "abc123", true},
		{"https://example.com/user/profile", "", "", false},
		{"not a url", "", "", false},
	}
	for _, tt := range tests {
		community, postID, err := ParseThreadURL(tt.url)
		if tt.ok {
			if err != nil {
				t.Errorf("ParseThreadURL(%q) unexpected error %v", tt.url, err)
				continue
			}
			if community != tt.community || postID != tt.postID {
				t.Errorf("ParseThreadURL(%q) = (%q, %q), want (%q, %q)",
					tt.url, community, postID, tt.community, tt.postID)
			}
		} else if !errors.Is(err, ErrInvalidURL) {
			t.Errorf("ParseThreadURL(%q) error = %v, want ErrInvalidURL", tt.url, err)
		}
	}
}

func TestAnalyze_RanksAndRecords(t *testing.T) {
	fake := host.NewFake()
	seedThread(fake,
		comment("BigHater", "ExampleCity is a cesspool", 150),
		comment("MidHater", "they banned me from r/ExampleCity", 60),
		comment("SmallHater", "examplecity moment", 12),
		comment("Bystander", "unrelated remark", 40),
		comment("Quiet", "examplecity bad", 3),
	)

	a, board := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(),
		"https://example.com/r/DramaPit/comments/src1/title/", "ExampleCity")
	require.NoError(t, err)

	haters := result.Analysis.Haters
	require.Len(t, haters, 4, "score<10 dropped")
	assert.Equal(t, "bighater", haters[0].UserName)
	assert.Equal(t, 3, haters[0].Points)
	assert.Equal(t, "midhater", haters[1].UserName)
	assert.Equal(t, 2, haters[1].Points)

	assert.Equal(t, 5, result.Analysis.CommentCount)
	assert.Equal(t, 4, result.Analysis.TargetMentions)
	assert.Equal(t, "look at these idiots", result.Analysis.PostTitle)
	assert.Equal(t, 4, result.AddedCount)

	entry, ok := board.UserEntry("bighater")
	require.True(t, ok)
	assert.Equal(t, 1, entry.AdversarialCount)
	assert.Equal(t, "ExampleCity is a cesspool", entry.FeaturedQuote)
	assert.Equal(t, 150, entry.FeaturedQuoteScore)
	assert.Contains(t, entry.HomeCommunities, "dramapit")
}

func TestAnalyze_PostAuthorBonus(t *testing.T) {
	fake := host.NewFake()
	seedThread(fake,
		comment("OriginalPoster", "I made this thread because examplecity sucks", 20),
		comment("Rando", "examplecity is fine actually", 30),
	)

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(),
		"/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)

	require.Len(t, result.Analysis.Haters, 2)
	top := result.Analysis.Haters[0]
	assert.Equal(t, "originalposter", top.UserName)
	assert.True(t, top.IsPostAuthor)
	assert.Equal(t, 3, top.Points, "1 base + 2 post author")
}

func TestAnalyze_MentionBeatsScore(t *testing.T) {
	fake := host.NewFake()
	seedThread(fake,
		comment("Hater", "examplecity is awful", 15),
		comment("Hater", "completely unrelated top comment", 200),
	)

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)

	require.Len(t, result.Analysis.Haters, 1)
	h := result.Analysis.Haters[0]
	assert.Equal(t, 15, h.BestScore, "mentioning comment preferred over higher score")
	assert.Contains(t, h.Quote, "examplecity is awful")
}

func TestAnalyze_ExcludesDeletedAndAutomod(t *testing.T) {
	fake := host.NewFake()
	deleted := comment("Ghost", "examplecity bad", 50)
	deleted.Deleted = true
	seedThread(fake,
		deleted,
		comment("AutoModerator", "This thread is locked. examplecity", 500),
		comment("RealUser", "examplecity discourse", 25),
	)

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)

	require.Len(t, result.Analysis.Haters, 1)
	assert.Equal(t, "realuser", result.Analysis.Haters[0].UserName)
	assert.Equal(t, 1, result.Analysis.CommentCount)
}

func TestAnalyze_NestedRepliesBounded(t *testing.T) {
	// Chain deeper than the depth bound.
	leaf := comment("Deep", "examplecity", 99)
	chain := leaf
	for i := 0; i < 12; i++ {
		chain = comment(fmt.Sprintf("User%d", i), "examplecity meh", 20, chain)
	}
	fake := host.NewFake()
	seedThread(fake, chain)

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)
	// 11 comments within depth 0..10; the deepest two are cut.
	assert.Equal(t, 11, result.Analysis.CommentCount)
}

func TestAnalyze_InvalidURLNoMutation(t *testing.T) {
	fake := host.NewFake()
	a, board := newTestAnalyzer(t, fake)

	_, err := a.AnalyzeAndRecord(context.Background(), "https://example.com/nothing", "examplecity")
	assert.True(t, errors.Is(err, ErrInvalidURL))
	assert.Empty(t, board.Snapshot().Users)
	assert.Empty(t, a.RecentAnalyses())
}

func TestAnalyze_FetchFailureNoMutation(t *testing.T) {
	fake := host.NewFake() // no thread seeded
	a, board := newTestAnalyzer(t, fake)

	_, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	assert.True(t, errors.Is(err, ErrFetchFailed))
	assert.Empty(t, board.Snapshot().Users)
	assert.Empty(t, a.RecentAnalyses())
}

func TestAnalyze_QuoteCollapsedAndTruncated(t *testing.T) {
	long := "> quoted context line\n\nexamplecity  is   truly\nsomething else "
	for len(long) < 600 {
		long += " padding words here"
	}
	fake := host.NewFake()
	seedThread(fake, comment("Wordy", long, 20))

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)

	quote := result.Analysis.Haters[0].Quote
	assert.NotContains(t, quote, ">")
	assert.NotContains(t, quote, "\n")
	assert.LessOrEqual(t, len([]rune(quote)), 400)
}

func TestAnalyze_FirstOffenseAchievement(t *testing.T) {
	fake := host.NewFake()
	seedThread(fake, comment("Newcomer", "examplecity is a cesspool, touch grass all of you", 20))

	a, _ := newTestAnalyzer(t, fake)
	result, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
	require.NoError(t, err)

	require.NotEmpty(t, result.Achievements)
	assert.Equal(t, "newcomer", result.Achievements[0].UserName)
	// The sole user on a fresh board ranks #1, so the rank achievement
	// outranks first_blood as the one to announce.
	assert.Equal(t, "king_of_the_hill", result.Achievements[0].Achievement.ID)
}

func TestAnalysesRingBounded(t *testing.T) {
	fake := host.NewFake()
	seedThread(fake, comment("Hater", "examplecity bad", 20))
	a, _ := newTestAnalyzer(t, fake)

	for i := 0; i < maxSnapshots+10; i++ {
		_, err := a.AnalyzeAndRecord(context.Background(), "/r/DramaPit/comments/src1/", "examplecity")
		require.NoError(t, err)
	}
	assert.Len(t, a.RecentAnalyses(), maxSnapshots)
}
