// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scanner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/classify"
	"github.com/AleutianAI/hubwatch/services/brigade/config"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/notify"
	"github.com/AleutianAI/hubwatch/services/brigade/sched"
	"github.com/AleutianAI/hubwatch/services/brigade/sources"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

type stubStrategy struct {
	candidates []datatypes.Candidate
	calls      int
	lastSince  time.Time
}

func (s *stubStrategy) Name() string { return "stub" }

func (s *stubStrategy) Discover(_ context.Context, _ string, since time.Time) ([]datatypes.Candidate, error) {
	s.calls++
	s.lastSince = since
	return s.candidates, nil
}

// tonedProvider answers every classification prompt with a fixed label.
type tonedProvider struct{ label string }

func (p *tonedProvider) Generate(context.Context, string, gemini.GenerationConfig) (string, error) {
	return p.label, nil
}

type fixture struct {
	scanner *Scanner
	stub    *stubStrategy
	idem    *idempotency.Store
	kv      *kvstore.Store
	board   *leaderboard.Actor
	jobs    *sched.Scheduler
}

func newFixture(t *testing.T, provider classify.Provider, candidates ...datatypes.Candidate) *fixture {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)

	settings := config.Defaults()
	settings.Community = "ExampleCity"
	settings.EnableAchievements = true
	settings.MinimumLinkAgeMinutes = 5

	fake := host.NewFake()
	idem := idempotency.New(kv)
	board := leaderboard.NewActor(kv, fake, nil)
	t.Cleanup(board.Close)
	engine := achievements.NewEngine(kv, 24*time.Hour, nil)
	memes := achievements.NewTalkingPoints(kv, idem, settings.Community, nil)
	tone := classify.NewToneClassifier(kv, idem, provider, settings.Community, nil)

	jobs := sched.New(kv, nil)
	jobs.Register(notify.JobNotifyBrigade, func(context.Context, []byte) error { return nil })
	jobs.Register(notify.JobPostAchievement, func(context.Context, []byte) error { return nil })

	stub := &stubStrategy{candidates: candidates}
	chain := sources.NewChain(nil, stub)

	return &fixture{
		scanner: New(settings, chain, tone, idem, kv, board, nil, engine, memes, jobs, nil),
		stub:    stub,
		idem:    idem,
		kv:      kv,
		board:   board,
		jobs:    jobs,
	}
}

func cand(id, community, author, title string) datatypes.Candidate {
	return datatypes.Candidate{
		ID:         id,
		Community:  community,
		AuthorName: author,
		Title:      title,
		URL:        "https://example.com/r/ExampleCity/comments/abc123/our_post/",
		Permalink:  "https://example.com/r/" + community + "/comments/" + id + "/",
		Source:     datatypes.SourceNative,
	}
}

func pending(t *testing.T, jobs *sched.Scheduler) int {
	t.Helper()
	n, err := jobs.Pending()
	require.NoError(t, err)
	return n
}

func TestParseTargetPostID(t *testing.T) {
	tests := []struct {
		url  string
		want string
		ok   bool
	}{
		{"https://example.com/r/ExampleCity/comments/abc123/title/", "t3_abc123", true},
		{"/r/examplecity/comments/xyz9", "t3_xyz9", true},
		{"https://example.com/r/OtherPlace/comments/abc123/", "", false},
		{"https://example.com/user/profile", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTargetPostID(tt.url, "examplecity")
		if ok != tt.ok || got != tt.want {
			t.Errorf("ParseTargetPostID(%q) = (%q, %v), want (%q, %v)",
				tt.url, got, ok, tt.want, tt.ok)
		}
	}
}

func TestTick_CreatesEventAndSchedulesNotification(t *testing.T) {
	f := newFixture(t, nil, cand("p1", "dramapit", "BigHater", "look at these idiots"))

	require.NoError(t, f.scanner.Tick(context.Background()))

	event, err := f.idem.GetEvent("p1-t3_abc123")
	require.NoError(t, err)
	assert.Equal(t, "t3_abc123", event.TargetPostID)
	assert.Equal(t, "dramapit", event.SourceCommunity)
	assert.Equal(t, datatypes.Neutral, event.Classification, "no provider defaults to neutral")
	assert.False(t, event.Notified())

	// One delayed notification, no achievement job for a neutral tone.
	assert.Equal(t, 1, pending(t, f.jobs))
}

func TestTick_HostileToneRecordsHaterAndAchievement(t *testing.T) {
	f := newFixture(t, &tonedProvider{label: "adversarial"},
		cand("p1", "dramapit", "BigHater", "examplecity is a cesspool"))

	require.NoError(t, f.scanner.Tick(context.Background()))

	event, err := f.idem.GetEvent("p1-t3_abc123")
	require.NoError(t, err)
	assert.Equal(t, datatypes.Adversarial, event.Classification)

	entry, ok := f.board.UserEntry("bighater")
	require.True(t, ok)
	assert.Equal(t, 1, entry.AdversarialCount)
	assert.NotEmpty(t, entry.UnlockedAchievements, "first offense unlocks something")

	// Notification plus one achievement announcement.
	assert.Equal(t, 2, pending(t, f.jobs))
}

func TestTick_SelfLinkSkipped(t *testing.T) {
	f := newFixture(t, nil, cand("p1", "ExampleCity", "Insider", "internal crosspost"))

	require.NoError(t, f.scanner.Tick(context.Background()))

	_, err := f.idem.GetEvent("p1-t3_abc123")
	assert.ErrorIs(t, err, idempotency.ErrEventNotFound)
	assert.Zero(t, pending(t, f.jobs))
}

func TestTick_DuplicateCandidateSkipped(t *testing.T) {
	f := newFixture(t, nil, cand("p1", "dramapit", "BigHater", "again"))

	require.NoError(t, f.scanner.Tick(context.Background()))
	require.NoError(t, f.scanner.Tick(context.Background()))

	assert.Equal(t, 1, pending(t, f.jobs), "rediscovered candidate must not reschedule")
}

func TestTick_UnparseableURLSkipped(t *testing.T) {
	c := cand("p1", "dramapit", "BigHater", "screenshot thread")
	c.URL = "https://img.example.com/screenshot.png"
	f := newFixture(t, nil, c)

	require.NoError(t, f.scanner.Tick(context.Background()))

	assert.Zero(t, pending(t, f.jobs))
	// The candidate is still marked processed so it is not retried.
	first, err := f.idem.MarkProcessed("p1")
	require.NoError(t, err)
	assert.False(t, first)
}

func TestTick_DiscoveryBudgetExhausted(t *testing.T) {
	f := newFixture(t, nil, cand("p1", "dramapit", "BigHater", "x"))
	for i := 0; i < 10; i++ {
		require.NoError(t, f.idem.Consume(idempotency.BucketSubPullpush, "examplecity"))
	}

	require.NoError(t, f.scanner.Tick(context.Background()))
	assert.Zero(t, f.stub.calls, "no discovery call past the budget")
}

func TestTick_ScanWatermarkAdvances(t *testing.T) {
	f := newFixture(t, nil)

	require.NoError(t, f.scanner.Tick(context.Background()))
	firstSince := f.stub.lastSince
	assert.WithinDuration(t, time.Now().Add(-24*time.Hour), firstSince, time.Minute,
		"first scan defaults to 24h lookback")

	require.NoError(t, f.scanner.Tick(context.Background()))
	assert.WithinDuration(t, time.Now(), f.stub.lastSince, time.Minute,
		"second scan resumes at the previous tick")
}
