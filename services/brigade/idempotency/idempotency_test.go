// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package idempotency

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(kvstore.New(db))
}

func TestMarkProcessed_FirstThenAlready(t *testing.T) {
	s := newTestStore(t)

	first, err := s.MarkProcessed("p1")
	require.NoError(t, err)
	assert.True(t, first)

	first, err = s.MarkProcessed("p1")
	require.NoError(t, err)
	assert.False(t, first)

	// A different candidate is unaffected.
	first, err = s.MarkProcessed("p2")
	require.NoError(t, err)
	assert.True(t, first)
}

func TestEventRoundTrip(t *testing.T) {
	s := newTestStore(t)

	event := &datatypes.BrigadeEvent{
		SchemaVersion:   1,
		ID:              datatypes.EventID("p1", "t3_abc123"),
		TargetPostID:    "t3_abc123",
		SourceCommunity: "exampledrama",
		SourcePostTitle: "look at these idiots",
		DetectedAt:      time.Now().UnixMilli(),
		Classification:  datatypes.Adversarial,
	}
	require.NoError(t, s.PutEvent(event, EventTTL))

	got, err := s.GetEvent("p1-t3_abc123")
	require.NoError(t, err)
	assert.Equal(t, event.SourceCommunity, got.SourceCommunity)
	assert.Equal(t, datatypes.Adversarial, got.Classification)
	assert.False(t, got.Notified())
}

func TestGetEvent_AbsentIsNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetEvent("nope")
	assert.True(t, errors.Is(err, ErrEventNotFound))
}

func TestPutEvent_RequiresID(t *testing.T) {
	s := newTestStore(t)
	err := s.PutEvent(&datatypes.BrigadeEvent{}, EventTTL)
	assert.Error(t, err)
}

func TestNotifiedMarker(t *testing.T) {
	s := newTestStore(t)

	notified, err := s.WasNotified("e1")
	require.NoError(t, err)
	assert.False(t, notified)

	require.NoError(t, s.MarkNotified("e1"))

	notified, err = s.WasNotified("e1")
	require.NoError(t, err)
	assert.True(t, notified)
}

func TestRateLimit_ConsumeUntilExhausted(t *testing.T) {
	s := newTestStore(t)

	// userTribute allows exactly 1 per 24h.
	allowed, remaining, _, err := s.RateLimit(BucketUserTribute, "usera")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Equal(t, int64(1), remaining)

	require.NoError(t, s.Consume(BucketUserTribute, "usera"))

	allowed, remaining, _, err = s.RateLimit(BucketUserTribute, "usera")
	require.NoError(t, err)
	assert.False(t, allowed)
	assert.Equal(t, int64(0), remaining)

	// Another user has their own window.
	allowed, _, _, err = s.RateLimit(BucketUserTribute, "userb")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestAllow(t *testing.T) {
	s := newTestStore(t)

	// userHaiku allows 2 per day.
	for i := 0; i < 2; i++ {
		ok, err := s.Allow(BucketUserHaiku, "usera")
		require.NoError(t, err)
		assert.True(t, ok, "request %d should be allowed", i)
	}
	ok, err := s.Allow(BucketUserHaiku, "usera")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUnknownBucket(t *testing.T) {
	s := newTestStore(t)
	_, _, _, err := s.RateLimit(Bucket("bogus"), "x")
	assert.Error(t, err)
	assert.Error(t, s.Consume(Bucket("bogus"), "x"))
}
