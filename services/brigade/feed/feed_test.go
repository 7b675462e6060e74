// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package feed

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

func newTestActor(t *testing.T) (*Actor, *kvstore.Store) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)
	a := NewActor(kv, "ExampleCity", "hubwatch", nil)
	t.Cleanup(a.Close)
	return a, kv
}

func TestEmitAndRead_NewestFirst(t *testing.T) {
	a, _ := newTestActor(t)

	a.Emit(datatypes.EventBrigadeAlert, datatypes.BrigadeAlertPayload{TargetPostID: "t3_a"}, 0)
	a.Emit(datatypes.EventTrafficSpike, datatypes.TrafficSpikePayload{PostID: "t3_b"}, 0)

	events := a.Read()
	require.Len(t, events, 2)
	assert.Equal(t, datatypes.EventTrafficSpike, events[0].Type)
	assert.Equal(t, datatypes.EventBrigadeAlert, events[1].Type)
	assert.Equal(t, "examplecity", events[0].Community)
	assert.Equal(t, "hubwatch", events[0].SourceApp)
	assert.NotEmpty(t, events[0].ID)
}

func TestRingBound(t *testing.T) {
	a, _ := newTestActor(t)

	for i := 0; i < MaxEvents+25; i++ {
		a.Emit(datatypes.EventSystem, fmt.Sprintf("event-%d", i), 0)
	}

	events := a.Read()
	assert.Len(t, events, MaxEvents)
	// Newest survives, oldest evicted.
	assert.Equal(t, "event-124", events[0].Payload)
}

func TestExpiredPrunedOnAppend(t *testing.T) {
	a, _ := newTestActor(t)

	expired := datatypes.HubEvent{
		ID:        "old",
		Type:      datatypes.EventSystem,
		CreatedAt: time.Now().Add(-2 * time.Hour).UnixMilli(),
		ExpiresAt: time.Now().Add(-time.Hour).UnixMilli(),
	}
	a.Append(expired)
	a.Emit(datatypes.EventSystem, "fresh", 0)

	events := a.Read()
	require.Len(t, events, 1)
	assert.Equal(t, "fresh", events[0].Payload)
}

func TestGetByTypeAndRecent(t *testing.T) {
	a, _ := newTestActor(t)

	a.Emit(datatypes.EventBrigadeAlert, nil, 0)
	a.Emit(datatypes.EventTrafficSpike, nil, 0)
	a.Emit(datatypes.EventBrigadeAlert, nil, 0)

	alerts := a.GetByType(datatypes.EventBrigadeAlert)
	assert.Len(t, alerts, 2)

	recent := a.GetRecent(2)
	require.Len(t, recent, 2)
	assert.Equal(t, datatypes.EventBrigadeAlert, recent[0].Type)
}

func TestPersistenceAcrossRestart(t *testing.T) {
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)

	a := NewActor(kv, "examplecity", "hubwatch", nil)
	a.Emit(datatypes.EventBrigadeAlert, nil, 0)
	a.Close()

	b := NewActor(kv, "examplecity", "hubwatch", nil)
	t.Cleanup(b.Close)
	events := b.Read()
	require.Len(t, events, 1)
	assert.Equal(t, datatypes.EventBrigadeAlert, events[0].Type)
}

func TestSubscribe(t *testing.T) {
	a, _ := newTestActor(t)

	ch, cancel := a.Subscribe()
	defer cancel()

	emitted := a.Emit(datatypes.EventTrafficSpike, nil, 0)

	select {
	case got := <-ch:
		assert.Equal(t, emitted.ID, got.ID)
	case <-time.After(time.Second):
		t.Fatal("subscriber did not receive the event")
	}
}
