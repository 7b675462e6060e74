// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package feed maintains the shared hub event feed: an append-only,
// newest-first, bounded ring of structured events persisted as a single
// JSON document.
//
// A single actor goroutine owns the document and serializes every
// mutation, so no two writers race on the ring. Readers go through the
// same loop and see a consistent snapshot.
package feed

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

const (
	// MaxEvents bounds the ring length.
	MaxEvents = 100

	// DefaultEventTTL is applied when an Emit call passes a zero TTL.
	DefaultEventTTL = 7 * 24 * time.Hour

	docKey = "doc:events-feed"
)

// document is the persisted feed shape.
type document struct {
	SchemaVersion int                  `json:"schemaVersion"`
	UpdatedAt     int64                `json:"updatedAt"`
	Events        []datatypes.HubEvent `json:"events"`
}

// Actor owns the feed document. Construct with NewActor, stop with Close.
//
// Thread Safety: all exported methods are safe for concurrent use; they
// funnel through the actor loop.
type Actor struct {
	kv        *kvstore.Store
	community string
	sourceApp string
	logger    *slog.Logger
	now       func() time.Time

	requests chan func(*document)
	done     chan struct{}
	wg       sync.WaitGroup

	subMu       sync.Mutex
	subscribers map[int]chan datatypes.HubEvent
	nextSubID   int
}

// NewActor loads (or initializes) the feed document and starts the actor
// loop.
func NewActor(kv *kvstore.Store, community, sourceApp string, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		kv:          kv,
		community:   datatypes.NormalizeName(community),
		sourceApp:   sourceApp,
		logger:      logger.With("component", "feed"),
		now:         time.Now,
		requests:    make(chan func(*document), 64),
		done:        make(chan struct{}),
		subscribers: make(map[int]chan datatypes.HubEvent),
	}
	a.wg.Add(1)
	go a.run()
	return a
}

// Close stops the actor after draining queued requests.
func (a *Actor) Close() {
	close(a.done)
	a.wg.Wait()
}

func (a *Actor) run() {
	defer a.wg.Done()

	doc := a.load()
	for {
		select {
		case req := <-a.requests:
			req(doc)
		case <-a.done:
			for {
				select {
				case req := <-a.requests:
					req(doc)
				default:
					return
				}
			}
		}
	}
}

func (a *Actor) load() *document {
	var doc document
	err := a.kv.GetJSON(docKey, &doc)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			a.logger.Warn("feed document unreadable, starting fresh", "error", err)
		}
		return &document{SchemaVersion: 1}
	}
	if doc.SchemaVersion == 0 {
		doc.SchemaVersion = 1
	}
	return &doc
}

func (a *Actor) persist(doc *document) {
	doc.UpdatedAt = a.now().UnixMilli()
	if err := a.kv.SetJSON(docKey, doc, 0); err != nil {
		a.logger.Error("feed document write failed", "error", err)
	}
}

// do runs fn inside the actor loop and waits for it.
func (a *Actor) do(fn func(*document)) {
	reply := make(chan struct{})
	select {
	case a.requests <- func(doc *document) {
		fn(doc)
		close(reply)
	}:
		<-reply
	case <-a.done:
	}
}

// Emit builds a HubEvent of the given type and appends it. A zero ttl
// uses the default seven days.
func (a *Actor) Emit(eventType datatypes.HubEventType, payload any, ttl time.Duration) datatypes.HubEvent {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	now := a.now()
	event := datatypes.HubEvent{
		ID:        uuid.NewString(),
		Type:      eventType,
		CreatedAt: now.UnixMilli(),
		ExpiresAt: now.Add(ttl).UnixMilli(),
		Community: a.community,
		SourceApp: a.sourceApp,
		Payload:   payload,
	}
	a.Append(event)
	return event
}

// Append inserts the event at the head of the ring, pruning expired
// entries and trimming to the bound.
func (a *Actor) Append(event datatypes.HubEvent) {
	a.do(func(doc *document) {
		now := a.now()
		kept := make([]datatypes.HubEvent, 0, len(doc.Events)+1)
		kept = append(kept, event)
		for i := range doc.Events {
			if doc.Events[i].Expired(now) {
				continue
			}
			kept = append(kept, doc.Events[i])
		}
		if len(kept) > MaxEvents {
			kept = kept[:MaxEvents]
		}
		doc.Events = kept
		a.persist(doc)
	})
	a.broadcast(event)
}

// Read returns every live event, newest first.
func (a *Actor) Read() []datatypes.HubEvent {
	var out []datatypes.HubEvent
	a.do(func(doc *document) {
		now := a.now()
		for i := range doc.Events {
			if doc.Events[i].Expired(now) {
				continue
			}
			out = append(out, doc.Events[i])
		}
	})
	return out
}

// GetByType returns live events of one type, newest first.
func (a *Actor) GetByType(eventType datatypes.HubEventType) []datatypes.HubEvent {
	var out []datatypes.HubEvent
	for _, e := range a.Read() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// GetRecent returns at most limit live events, newest first.
func (a *Actor) GetRecent(limit int) []datatypes.HubEvent {
	events := a.Read()
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events
}

// Subscribe registers a listener for appended events. The returned cancel
// function must be called when done. Slow subscribers drop events rather
// than block the feed.
func (a *Actor) Subscribe() (<-chan datatypes.HubEvent, func()) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	id := a.nextSubID
	a.nextSubID++
	ch := make(chan datatypes.HubEvent, 16)
	a.subscribers[id] = ch
	cancel := func() {
		a.subMu.Lock()
		defer a.subMu.Unlock()
		if sub, ok := a.subscribers[id]; ok {
			delete(a.subscribers, id)
			close(sub)
		}
	}
	return ch, cancel
}

func (a *Actor) broadcast(event datatypes.HubEvent) {
	a.subMu.Lock()
	defer a.subMu.Unlock()
	for id, ch := range a.subscribers {
		select {
		case ch <- event:
		default:
			a.logger.Debug("dropping event for slow subscriber",
				"subscriber", fmt.Sprintf("%d", id), "type", event.Type)
		}
	}
}
