// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package velocity

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/feed"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

func newTestDetector(t *testing.T, threshold int) (*Detector, *host.Fake, *feed.Actor, *time.Time) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)

	fake := host.NewFake()
	feedActor := feed.NewActor(kv, "examplecity", "hubwatch", nil)
	t.Cleanup(feedActor.Close)

	d := NewDetector(kv, fake, feedActor, threshold, nil)
	clock := time.Now()
	d.now = func() time.Time { return clock }
	return d, fake, feedActor, &clock
}

func TestSpike_FiresOnceAtThreshold(t *testing.T) {
	d, fake, feedActor, clock := newTestDetector(t, 10)
	ctx := context.Background()

	// 12 comments within 4.5 minutes (scenario from the product notes).
	for i := 0; i < 12; i++ {
		*clock = clock.Add(22 * time.Second)
		require.NoError(t, d.OnComment(ctx, "t3_xyz"))
	}

	require.Equal(t, 1, fake.ModmailCount(), "exactly one modmail")
	assert.Contains(t, fake.Modmails[0].Body, "Comments in last 5 min: 10 (threshold: 10)")

	spikes := feedActor.GetByType(datatypes.EventTrafficSpike)
	require.Len(t, spikes, 1)

	// Four more comments a minute later must not re-alert.
	*clock = clock.Add(time.Minute)
	for i := 0; i < 4; i++ {
		require.NoError(t, d.OnComment(ctx, "t3_xyz"))
	}
	assert.Equal(t, 1, fake.ModmailCount())
	assert.Len(t, feedActor.GetByType(datatypes.EventTrafficSpike), 1)
}

func TestNoSpike_BelowThreshold(t *testing.T) {
	d, fake, feedActor, clock := newTestDetector(t, 10)
	ctx := context.Background()

	// 9 comments in 5 minutes: stays quiet.
	for i := 0; i < 9; i++ {
		*clock = clock.Add(30 * time.Second)
		require.NoError(t, d.OnComment(ctx, "t3_calm"))
	}
	assert.Equal(t, 0, fake.ModmailCount())
	assert.Empty(t, feedActor.GetByType(datatypes.EventTrafficSpike))
}

func TestSlowDrip_NeverSpikes(t *testing.T) {
	d, fake, _, clock := newTestDetector(t, 10)
	ctx := context.Background()

	// 30 comments spread one per 2 minutes: never 10 in any 5-minute window.
	for i := 0; i < 30; i++ {
		*clock = clock.Add(2 * time.Minute)
		require.NoError(t, d.OnComment(ctx, "t3_slow"))
	}
	assert.Equal(t, 0, fake.ModmailCount())
}

func TestSeriesPrunedToOneHour(t *testing.T) {
	d, _, _, clock := newTestDetector(t, 100)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, d.OnComment(ctx, "t3_a"))
		*clock = clock.Add(time.Minute)
	}
	*clock = clock.Add(2 * time.Hour)
	require.NoError(t, d.OnComment(ctx, "t3_a"))

	var record series
	kvs := d.kv
	require.NoError(t, kvs.GetJSON("brigade:velocity:t3_a", &record))
	assert.Len(t, record.Timestamps, 1, "old timestamps pruned")
}

func TestAlertWithTitle(t *testing.T) {
	d, fake, _, clock := newTestDetector(t, 3)
	fake.Posts["t3_hot"] = &host.Post{ID: "t3_hot", Title: "controversial take"}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		require.NoError(t, d.OnComment(ctx, "t3_hot"))
	}
	require.Equal(t, 1, fake.ModmailCount())
	assert.Contains(t, fake.Modmails[0].Body, "controversial take")
}

func TestAlertSurvivesDeletedPost(t *testing.T) {
	d, fake, _, clock := newTestDetector(t, 3)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		*clock = clock.Add(time.Second)
		require.NoError(t, d.OnComment(ctx, "t3_gone"))
	}
	require.Equal(t, 1, fake.ModmailCount())
	assert.Contains(t, fake.Modmails[0].Body, fmt.Sprintf("post %s", "t3_gone"))
}

func TestPerPostIsolation(t *testing.T) {
	d, fake, _, clock := newTestDetector(t, 5)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		*clock = clock.Add(time.Second)
		require.NoError(t, d.OnComment(ctx, "t3_a"))
		require.NoError(t, d.OnComment(ctx, "t3_b"))
	}
	assert.Equal(t, 0, fake.ModmailCount())

	*clock = clock.Add(time.Second)
	require.NoError(t, d.OnComment(ctx, "t3_a"))
	assert.Equal(t, 1, fake.ModmailCount(), "only t3_a crossed the threshold")
}
