// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sched delivers delayed and periodic jobs with at-least-once
// semantics.
//
// Delayed jobs are persisted to the KV store before they are due, so a
// restart redelivers anything still pending. A job is deleted only after
// its handler returns without error; handlers therefore run at least
// once and must be idempotent. The Idempotent decorator gives handlers
// the standard shape: read the durable record, return early when
// terminal, perform the effect, write the terminal marker.
//
// Cancellation is implicit: handlers no-op when their underlying record
// has expired.
package sched

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

const (
	jobPrefix = "sched:job:"

	// jobTTL bounds how long an undeliverable job is retried.
	jobTTL = 48 * time.Hour

	// defaultPoll is how often the due-job scan runs.
	defaultPoll = 5 * time.Second
)

// Handler processes one job delivery. Payload is the bytes given to
// RunAt (nil for periodic jobs). A non-nil error leaves the job stored
// for redelivery on a later poll.
type Handler func(ctx context.Context, payload []byte) error

// job is the persisted delayed-job record.
type job struct {
	SchemaVersion int    `json:"schemaVersion"`
	ID            string `json:"id"`
	Name          string `json:"name"`
	Payload       []byte `json:"payload,omitempty"`
	RunAt         int64  `json:"runAt"`
}

// Scheduler owns the handler registry, the due-job poller, and the
// periodic tickers.
//
// Thread Safety: Register must complete before Start; everything else is
// safe for concurrent use.
type Scheduler struct {
	kv       *kvstore.Store
	logger   *slog.Logger
	poll     time.Duration
	now      func() time.Time
	handlers map[string]Handler

	mu      sync.Mutex
	started bool
	done    chan struct{}
	wg      sync.WaitGroup
}

// New builds a scheduler over the shared KV store.
func New(kv *kvstore.Store, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		kv:       kv,
		logger:   logger.With("component", "sched"),
		poll:     defaultPoll,
		now:      time.Now,
		handlers: make(map[string]Handler),
		done:     make(chan struct{}),
	}
}

// Register binds a handler name. Jobs referencing unknown names are
// dropped at delivery time with a logged error.
func (s *Scheduler) Register(name string, h Handler) {
	s.handlers[name] = h
}

// RunAt persists a job for delivery at the given time. Jobs already due
// run on the next poll.
func (s *Scheduler) RunAt(name string, payload []byte, when time.Time) (string, error) {
	if _, ok := s.handlers[name]; !ok {
		return "", fmt.Errorf("sched: no handler registered for %q", name)
	}
	j := job{
		SchemaVersion: 1,
		ID:            uuid.NewString(),
		Name:          name,
		Payload:       payload,
		RunAt:         when.UnixMilli(),
	}
	if err := s.kv.SetJSON(jobPrefix+j.ID, &j, jobTTL); err != nil {
		return "", fmt.Errorf("persist job %s: %w", name, err)
	}
	return j.ID, nil
}

// Cancel removes a pending job. Cancelling an unknown or already
// delivered job is not an error.
func (s *Scheduler) Cancel(jobID string) error {
	return s.kv.Delete(jobPrefix + jobID)
}

// RunEvery installs a periodic job on a fixed interval. The first run
// happens one interval after Start.
func (s *Scheduler) RunEvery(name string, every time.Duration, h Handler) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.dispatch(name, h, nil)
			case <-s.done:
				return
			}
		}
	}()
}

// Start launches the due-job poller. Persisted jobs from a previous run
// are picked up on the first poll.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.poll)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.deliverDue()
			case <-s.done:
				return
			}
		}
	}()
}

// Stop halts delivery and waits for in-flight handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

// deliverDue scans persisted jobs and runs every one whose time has come.
func (s *Scheduler) deliverDue() {
	now := s.now().UnixMilli()

	var due []job
	err := s.kv.ScanPrefix(jobPrefix, func(_ string, value []byte) error {
		var j job
		if err := json.Unmarshal(value, &j); err != nil {
			s.logger.Error("corrupt job record dropped", "error", err)
			return nil
		}
		if j.RunAt <= now {
			due = append(due, j)
		}
		return nil
	})
	if err != nil {
		s.logger.Error("job scan failed", "error", err)
		return
	}

	for _, j := range due {
		handler, ok := s.handlers[j.Name]
		if !ok {
			s.logger.Error("job without handler dropped", "name", j.Name, "job", j.ID)
			s.deleteJob(j.ID)
			continue
		}
		if s.dispatch(j.Name, handler, j.Payload) {
			s.deleteJob(j.ID)
		}
	}
}

// dispatch runs one handler, recovering panics. Returns true when the
// delivery succeeded.
func (s *Scheduler) dispatch(name string, h Handler, payload []byte) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panicked", "name", name, "panic", fmt.Sprintf("%v", r))
			ok = false
		}
	}()
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := h(ctx, payload); err != nil {
		s.logger.Warn("handler failed, job kept for redelivery", "name", name, "error", err)
		return false
	}
	return true
}

func (s *Scheduler) deleteJob(id string) {
	if err := s.kv.Delete(jobPrefix + id); err != nil {
		s.logger.Error("job delete failed", "job", id, "error", err)
	}
}

// Pending returns how many persisted jobs are waiting, due or not.
func (s *Scheduler) Pending() (int, error) {
	count := 0
	err := s.kv.ScanPrefix(jobPrefix, func(string, []byte) error {
		count++
		return nil
	})
	return count, err
}

// =============================================================================
// Idempotency decorator
// =============================================================================

// TerminalCheck reports whether the effect for this payload already
// happened. Implementations reread the durable record.
type TerminalCheck func(ctx context.Context, payload []byte) (terminal bool, err error)

// TerminalMark durably records that the effect happened. Called only
// after the wrapped handler succeeds.
type TerminalMark func(ctx context.Context, payload []byte) error

// Idempotent wraps a handler in the standard read-check-effect-mark
// sequence, absorbing duplicate deliveries.
func Idempotent(check TerminalCheck, mark TerminalMark, h Handler) Handler {
	return func(ctx context.Context, payload []byte) error {
		terminal, err := check(ctx, payload)
		if err != nil {
			return fmt.Errorf("terminal check: %w", err)
		}
		if terminal {
			return nil
		}
		if err := h(ctx, payload); err != nil {
			return err
		}
		if err := mark(ctx, payload); err != nil {
			return fmt.Errorf("terminal mark: %w", err)
		}
		return nil
	}
}
