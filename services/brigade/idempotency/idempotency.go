// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package idempotency guards the pipeline's at-most-once side effects.
//
// It owns three kinds of state in the KV store: processed markers (one per
// candidate), brigade event records (one per detected cross-link), and the
// named rate-limit buckets that gate every external surface. All keys
// follow the persisted-state layout documented on each method.
package idempotency

import (
	"errors"
	"fmt"
	"time"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// ErrEventNotFound is returned by GetEvent for absent or expired events.
var ErrEventNotFound = errors.New("idempotency: event not found")

const (
	// EventTTL is how long a brigade event record lives.
	EventTTL = 7 * 24 * time.Hour

	// ProcessedTTL is the processed-marker lifetime. Longer than the
	// notification delay plus realistic redelivery so retry storms cannot
	// re-process a candidate.
	ProcessedTTL = 48 * time.Hour

	// NotifiedTTL is the terminal notified-marker lifetime, matching the
	// event TTL.
	NotifiedTTL = 7 * 24 * time.Hour
)

// Bucket names a rate-limit window. The set is closed; each bucket gates
// one external surface.
type Bucket string

const (
	BucketSubComment    Bucket = "subComment"
	BucketSubPullpush   Bucket = "subPullpush"
	BucketSubGemini     Bucket = "subGemini"
	BucketAltReport     Bucket = "altReport"
	BucketMemeDetection Bucket = "memeDetection"
	BucketUserComment   Bucket = "userComment"
	BucketUserHaiku     Bucket = "userHaiku"
	BucketUserTribute   Bucket = "userTribute"
	BucketSubTribute    Bucket = "subTribute"
)

// bucketLimit is (maxRequests, window) for one bucket.
type bucketLimit struct {
	maxRequests int64
	window      time.Duration
}

// Bucket windows are sized to the surface they protect: comments and
// pullpush calls are community-wide, the user* buckets are per-user.
var bucketLimits = map[Bucket]bucketLimit{
	BucketSubComment:    {30, time.Hour},
	BucketSubPullpush:   {10, time.Hour},
	BucketSubGemini:     {60, time.Hour},
	BucketAltReport:     {5, 24 * time.Hour},
	BucketMemeDetection: {20, time.Hour},
	BucketUserComment:   {3, time.Hour},
	BucketUserHaiku:     {2, 24 * time.Hour},
	BucketUserTribute:   {1, 24 * time.Hour},
	BucketSubTribute:    {10, 24 * time.Hour},
}

// Store implements the processed set, the event records, and the rate
// buckets over the shared KV store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	kv *kvstore.Store
}

// New wraps the KV store.
func New(kv *kvstore.Store) *Store {
	return &Store{kv: kv}
}

// MarkProcessed records that a candidate entered the pipeline.
//
// Outputs:
//   - first=true: this is the first sighting; proceed with side effects.
//   - first=false: already processed within the marker window; drop.
func (s *Store) MarkProcessed(candidateID string) (first bool, err error) {
	return s.kv.SetMarkerNX("brigade:processed:"+candidateID, ProcessedTTL)
}

// MarkNotified sets the terminal notified marker for an event. Redundant
// with BrigadeEvent.NotifiedAt but outlives event expiry races.
func (s *Store) MarkNotified(eventID string) error {
	_, err := s.kv.SetMarkerNX("brigade:notified:"+eventID, NotifiedTTL)
	return err
}

// WasNotified reports whether the terminal notified marker exists.
func (s *Store) WasNotified(eventID string) (bool, error) {
	return s.kv.HasMarker("brigade:notified:" + eventID)
}

// PutEvent stores a brigade event with the given TTL. Used both for the
// initial write and for the notifier's terminal rewrite.
func (s *Store) PutEvent(event *datatypes.BrigadeEvent, ttl time.Duration) error {
	if event.ID == "" {
		return fmt.Errorf("idempotency: event without id")
	}
	return s.kv.SetJSON("brigade:event:"+event.ID, event, ttl)
}

// GetEvent loads a brigade event. Returns ErrEventNotFound when the
// record is absent or expired, which handlers treat as cancellation.
func (s *Store) GetEvent(id string) (*datatypes.BrigadeEvent, error) {
	var event datatypes.BrigadeEvent
	err := s.kv.GetJSON("brigade:event:"+id, &event)
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

// RateLimit checks bucket capacity for id without consuming it.
//
// Outputs:
//   - allowed: the current count is below the bucket maximum.
//   - remaining: requests left before the bucket exhausts.
//   - resetIn: the bucket's window length, an upper bound on the reset.
func (s *Store) RateLimit(bucket Bucket, id string) (allowed bool, remaining int64, resetIn time.Duration, err error) {
	limit, ok := bucketLimits[bucket]
	if !ok {
		return false, 0, 0, fmt.Errorf("idempotency: unknown bucket %q", bucket)
	}
	count, err := s.kv.GetCount(rateKey(bucket, id))
	if err != nil {
		return false, 0, 0, err
	}
	remaining = limit.maxRequests - count
	if remaining < 0 {
		remaining = 0
	}
	return count < limit.maxRequests, remaining, limit.window, nil
}

// Consume spends one request from the bucket for id. The counter's TTL is
// bound to the window of its first increment.
func (s *Store) Consume(bucket Bucket, id string) error {
	limit, ok := bucketLimits[bucket]
	if !ok {
		return fmt.Errorf("idempotency: unknown bucket %q", bucket)
	}
	_, _, err := s.kv.Increment(rateKey(bucket, id), limit.window)
	return err
}

// Allow combines RateLimit and Consume: it consumes one request and
// reports whether the bucket still had capacity for it.
func (s *Store) Allow(bucket Bucket, id string) (bool, error) {
	limit, ok := bucketLimits[bucket]
	if !ok {
		return false, fmt.Errorf("idempotency: unknown bucket %q", bucket)
	}
	count, _, err := s.kv.Increment(rateKey(bucket, id), limit.window)
	if err != nil {
		return false, err
	}
	return count <= limit.maxRequests, nil
}

func rateKey(bucket Bucket, id string) string {
	return fmt.Sprintf("ratelimit:%s:%s", bucket, id)
}
