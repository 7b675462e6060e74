// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package kvstore is the typed key-value layer over BadgerDB used by the
// brigade pipeline.
//
// Every value is either a JSON document, a bare marker, or a windowed
// counter, and every key carries a TTL. The package exposes exactly the
// primitives the pipeline's idempotency model needs:
//
//   - SetMarkerNX: set-if-absent with TTL (processed markers, alert markers)
//   - GetJSON / SetJSON: TTL'd JSON records (events, achievement records,
//     velocity series, classification cache)
//   - Increment: counter whose TTL is bound to the window of its first
//     increment (rate-limit buckets)
//
// Thread Safety: all methods are safe for concurrent use; BadgerDB
// transactions provide the necessary isolation.
package kvstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
)

// ErrNotFound is returned by reads of absent or expired keys. Callers
// treat it as "no state yet".
var ErrNotFound = errors.New("kvstore: key not found")

// Store is the typed KV facade over a badger database.
type Store struct {
	db *badgerstore.DB
}

// New wraps an opened database.
func New(db *badgerstore.DB) *Store {
	return &Store{db: db}
}

// SetMarkerNX sets key as a bare marker with the given TTL if it does not
// already exist.
//
// Outputs:
//   - bool: true when this call created the marker (the "first" outcome),
//     false when the marker already existed.
//   - error: non-nil on storage failure.
func (s *Store) SetMarkerNX(key string, ttl time.Duration) (bool, error) {
	first := false
	err := s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		if err == nil {
			return nil // already marked
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		first = true
		entry := badger.NewEntry([]byte(key), []byte{1}).WithTTL(ttl)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return false, fmt.Errorf("set marker %s: %w", key, err)
	}
	return first, nil
}

// HasMarker reports whether a live marker exists at key.
func (s *Store) HasMarker(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check marker %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v as JSON at key with the given TTL. A zero TTL stores
// the value without expiry.
func (s *Store) SetJSON(key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// GetJSON decodes the JSON value at key into dest. Returns ErrNotFound
// for absent or expired keys.
func (s *Store) GetJSON(key string, dest any) error {
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, dest)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Deleting an absent key is not an error.
func (s *Store) Delete(key string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
	if err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Increment bumps the counter at key and returns the new count together
// with the time remaining in its window.
//
// The TTL is bound to the window of the first increment: the first call
// sets the full window TTL, later calls preserve the original expiry so
// the counter resets exactly one window after it started.
func (s *Store) Increment(key string, window time.Duration) (count int64, resetIn time.Duration, err error) {
	now := time.Now()
	err = s.db.Update(func(txn *badger.Txn) error {
		remaining := window
		item, err := txn.Get([]byte(key))
		switch {
		case err == nil:
			if err := item.Value(func(val []byte) error {
				parsed, perr := strconv.ParseInt(string(val), 10, 64)
				if perr != nil {
					return fmt.Errorf("corrupt counter %s: %w", key, perr)
				}
				count = parsed
				return nil
			}); err != nil {
				return err
			}
			if exp := item.ExpiresAt(); exp > 0 {
				remaining = time.Unix(int64(exp), 0).Sub(now)
				if remaining <= 0 {
					// Expired between Get and here; start a fresh window.
					count = 0
					remaining = window
				}
			}
		case errors.Is(err, badger.ErrKeyNotFound):
			count = 0
		default:
			return err
		}

		count++
		resetIn = remaining
		entry := badger.NewEntry([]byte(key), []byte(strconv.FormatInt(count, 10))).WithTTL(remaining)
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("increment %s: %w", key, err)
	}
	return count, resetIn, nil
}

// GetCount reads the counter at key without bumping it. Absent counters
// read as zero.
func (s *Store) GetCount(key string) (int64, error) {
	var count int64
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			parsed, perr := strconv.ParseInt(string(val), 10, 64)
			if perr != nil {
				return fmt.Errorf("corrupt counter %s: %w", key, perr)
			}
			count = parsed
			return nil
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get count %s: %w", key, err)
	}
	return count, nil
}

// ScanPrefix calls fn with the raw value of every live key under prefix.
// Used by the scheduler to recover persisted jobs after a restart.
func (s *Store) ScanPrefix(prefix string, fn func(key string, value []byte) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())
			if err := item.Value(func(val []byte) error {
				cp := make([]byte, len(val))
				copy(cp, val)
				return fn(key, cp)
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", prefix, err)
	}
	return nil
}
