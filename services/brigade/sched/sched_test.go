// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package sched

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	s := New(kvstore.New(db), nil)
	s.poll = 10 * time.Millisecond
	t.Cleanup(s.Stop)
	return s
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRunAt_DeliversDueJob(t *testing.T) {
	s := newTestScheduler(t)
	var delivered atomic.Int64
	var gotPayload atomic.Value
	s.Register("notify", func(_ context.Context, payload []byte) error {
		gotPayload.Store(string(payload))
		delivered.Add(1)
		return nil
	})
	s.Start()

	_, err := s.RunAt("notify", []byte("p1-t3_abc123"), time.Now().Add(20*time.Millisecond))
	require.NoError(t, err)

	waitFor(t, func() bool { return delivered.Load() == 1 }, "job not delivered")
	assert.Equal(t, "p1-t3_abc123", gotPayload.Load())

	// Delivered jobs are removed and never redelivered.
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(1), delivered.Load())
	pending, err := s.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)
}

func TestRunAt_NotDueYet(t *testing.T) {
	s := newTestScheduler(t)
	var delivered atomic.Int64
	s.Register("later", func(context.Context, []byte) error {
		delivered.Add(1)
		return nil
	})
	s.Start()

	_, err := s.RunAt("later", nil, time.Now().Add(time.Hour))
	require.NoError(t, err)

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, int64(0), delivered.Load())
	pending, _ := s.Pending()
	assert.Equal(t, 1, pending)
}

func TestRunAt_UnknownHandlerRejected(t *testing.T) {
	s := newTestScheduler(t)
	_, err := s.RunAt("nope", nil, time.Now())
	assert.Error(t, err)
}

func TestFailedHandlerRedelivered(t *testing.T) {
	s := newTestScheduler(t)
	var attempts atomic.Int64
	s.Register("flaky", func(context.Context, []byte) error {
		if attempts.Add(1) < 3 {
			return errors.New("transient")
		}
		return nil
	})
	s.Start()

	_, err := s.RunAt("flaky", nil, time.Now())
	require.NoError(t, err)

	waitFor(t, func() bool { return attempts.Load() >= 3 }, "job not retried")
	waitFor(t, func() bool {
		pending, _ := s.Pending()
		return pending == 0
	}, "job not removed after success")
}

func TestCancel(t *testing.T) {
	s := newTestScheduler(t)
	var delivered atomic.Int64
	s.Register("cancelme", func(context.Context, []byte) error {
		delivered.Add(1)
		return nil
	})

	id, err := s.RunAt("cancelme", nil, time.Now().Add(50*time.Millisecond))
	require.NoError(t, err)
	require.NoError(t, s.Cancel(id))

	s.Start()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(0), delivered.Load())
}

func TestRestartRedelivery(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)

	// First scheduler persists a job but never starts.
	first := New(kv, nil)
	first.Register("notify", func(context.Context, []byte) error { return nil })
	_, err = first.RunAt("notify", []byte("e1"), time.Now())
	require.NoError(t, err)
	first.Stop()

	// Second scheduler over the same store picks it up.
	var delivered atomic.Int64
	second := New(kv, nil)
	second.poll = 10 * time.Millisecond
	second.Register("notify", func(context.Context, []byte) error {
		delivered.Add(1)
		return nil
	})
	second.Start()
	t.Cleanup(second.Stop)

	waitFor(t, func() bool { return delivered.Load() == 1 }, "persisted job not redelivered")
}

func TestRunEvery(t *testing.T) {
	s := newTestScheduler(t)
	var ticks atomic.Int64
	s.RunEvery("scan", 15*time.Millisecond, func(context.Context, []byte) error {
		ticks.Add(1)
		return nil
	})
	s.Start()

	waitFor(t, func() bool { return ticks.Load() >= 3 }, "periodic job did not tick")
}

func TestIdempotentDecorator(t *testing.T) {
	var effects atomic.Int64
	terminal := atomic.Bool{}

	h := Idempotent(
		func(context.Context, []byte) (bool, error) { return terminal.Load(), nil },
		func(context.Context, []byte) error { terminal.Store(true); return nil },
		func(context.Context, []byte) error { effects.Add(1); return nil },
	)

	require.NoError(t, h(context.Background(), nil))
	require.NoError(t, h(context.Background(), nil))
	require.NoError(t, h(context.Background(), nil))
	assert.Equal(t, int64(1), effects.Load(), "duplicate deliveries absorbed")
}

func TestIdempotentDecorator_EffectFailureSkipsMark(t *testing.T) {
	terminal := atomic.Bool{}
	h := Idempotent(
		func(context.Context, []byte) (bool, error) { return terminal.Load(), nil },
		func(context.Context, []byte) error { terminal.Store(true); return nil },
		func(context.Context, []byte) error { return errors.New("effect failed") },
	)

	assert.Error(t, h(context.Background(), nil))
	assert.False(t, terminal.Load(), "failed effect must not reach terminal state")
}
