// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package kvstore

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return New(db)
}

func TestSetMarkerNX_FirstThenAlready(t *testing.T) {
	s := newTestStore(t)

	first, err := s.SetMarkerNX("brigade:processed:p1", time.Hour)
	require.NoError(t, err)
	assert.True(t, first, "first call must report first")

	again, err := s.SetMarkerNX("brigade:processed:p1", time.Hour)
	require.NoError(t, err)
	assert.False(t, again, "second call must report already")
}

func TestHasMarker(t *testing.T) {
	s := newTestStore(t)

	ok, err := s.HasMarker("brigade:spikeAlert:t3_x")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = s.SetMarkerNX("brigade:spikeAlert:t3_x", time.Hour)
	require.NoError(t, err)

	ok, err = s.HasMarker("brigade:spikeAlert:t3_x")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJSONRoundTrip(t *testing.T) {
	s := newTestStore(t)

	type record struct {
		ID    string `json:"id"`
		Count int    `json:"count"`
	}
	require.NoError(t, s.SetJSON("brigade:event:e1", record{ID: "e1", Count: 3}, time.Hour))

	var got record
	require.NoError(t, s.GetJSON("brigade:event:e1", &got))
	assert.Equal(t, record{ID: "e1", Count: 3}, got)
}

func TestGetJSON_NotFound(t *testing.T) {
	s := newTestStore(t)

	var dest map[string]any
	err := s.GetJSON("absent", &dest)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestDelete_AbsentKeyOK(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Delete("never-existed"))
}

func TestIncrement_CountsWithinWindow(t *testing.T) {
	s := newTestStore(t)

	for want := int64(1); want <= 3; want++ {
		count, resetIn, err := s.Increment("ratelimit:subComment:c1", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, count)
		assert.Greater(t, resetIn, time.Duration(0))
		assert.LessOrEqual(t, resetIn, time.Minute)
	}

	got, err := s.GetCount("ratelimit:subComment:c1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got)
}

func TestIncrement_TTLExpiryResetsWindow(t *testing.T) {
	s := newTestStore(t)

	_, _, err := s.Increment("ratelimit:subPullpush:c1", time.Second)
	require.NoError(t, err)

	time.Sleep(1100 * time.Millisecond)

	count, _, err := s.Increment("ratelimit:subPullpush:c1", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count, "expired counter must restart at 1")
}

func TestGetCount_AbsentReadsZero(t *testing.T) {
	s := newTestStore(t)
	count, err := s.GetCount("ratelimit:unused:x")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestScanPrefix(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetJSON("jobs:a", 1, 0))
	require.NoError(t, s.SetJSON("jobs:b", 2, 0))
	require.NoError(t, s.SetJSON("other:c", 3, 0))

	var keys []string
	require.NoError(t, s.ScanPrefix("jobs:", func(key string, _ []byte) error {
		keys = append(keys, key)
		return nil
	}))
	assert.ElementsMatch(t, []string{"jobs:a", "jobs:b"}, keys)
}
