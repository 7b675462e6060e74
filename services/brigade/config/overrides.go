// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Overrides holds the mod-curated allow/block lists that take precedence
// over every AI classification. Names are normalized to lower case on
// load.
type Overrides struct {
	// AllowedCommunities are always classified Friendly.
	AllowedCommunities []string `yaml:"allowed_communities"`
	// BlockedCommunities are always classified Hateful.
	BlockedCommunities []string `yaml:"blocked_communities"`
	// DramaCommunities is the curated set the native search filters to.
	DramaCommunities []string `yaml:"drama_communities"`
}

// OverridesWatcher serves the current override lists and hot-reloads the
// backing file when it changes on disk.
//
// Thread Safety: Current() may be called from any goroutine.
type OverridesWatcher struct {
	path    string
	logger  *slog.Logger
	watcher *fsnotify.Watcher

	mu      sync.RWMutex
	current Overrides
	allowed map[string]bool
	blocked map[string]bool
	drama   map[string]bool

	done chan struct{}
}

// NewOverridesWatcher loads the override file and starts watching its
// directory for changes. A missing file is not an error; the lists start
// empty and populate when the file appears.
func NewOverridesWatcher(path string, logger *slog.Logger) (*OverridesWatcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := &OverridesWatcher{
		path:    path,
		logger:  logger.With("component", "overrides"),
		allowed: map[string]bool{},
		blocked: map[string]bool{},
		drama:   map[string]bool{},
		done:    make(chan struct{}),
	}
	if err := w.reload(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	if path != "" {
		fw, err := fsnotify.NewWatcher()
		if err != nil {
			return nil, fmt.Errorf("create fsnotify watcher: %w", err)
		}
		// Watch the directory: editors replace files via rename, which
		// drops a direct file watch.
		if err := fw.Add(filepath.Dir(path)); err != nil {
			fw.Close()
			return nil, fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
		}
		w.watcher = fw
		go w.watchLoop()
	}
	return w, nil
}

// Current returns a copy of the override lists.
func (w *OverridesWatcher) Current() Overrides {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Allowed reports whether the community is on the allow list.
func (w *OverridesWatcher) Allowed(community string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.allowed[normalizeKey(community)]
}

// Blocked reports whether the community is on the block list.
func (w *OverridesWatcher) Blocked(community string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.blocked[normalizeKey(community)]
}

// IsDrama reports whether the community is in the curated drama set.
// An empty drama set matches everything (no filter configured).
func (w *OverridesWatcher) IsDrama(community string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if len(w.drama) == 0 {
		return true
	}
	return w.drama[normalizeKey(community)]
}

// Close stops the background watcher.
func (w *OverridesWatcher) Close() error {
	select {
	case <-w.done:
	default:
		close(w.done)
	}
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

func (w *OverridesWatcher) watchLoop() {
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != filepath.Clean(w.path) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if err := w.reload(); err != nil {
				w.logger.Warn("override reload failed", "error", err)
				continue
			}
			w.logger.Info("overrides reloaded", "path", w.path)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("override watcher error", "error", err)
		}
	}
}

func (w *OverridesWatcher) reload() error {
	if w.path == "" {
		return nil
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	var o Overrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("parse overrides %s: %w", w.path, err)
	}

	allowed := toSet(o.AllowedCommunities)
	blocked := toSet(o.BlockedCommunities)
	drama := toSet(o.DramaCommunities)

	w.mu.Lock()
	w.current = o
	w.allowed = allowed
	w.blocked = blocked
	w.drama = drama
	w.mu.Unlock()
	return nil
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[normalizeKey(n)] = true
	}
	return set
}

func normalizeKey(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	name = strings.TrimPrefix(name, "/r/")
	name = strings.TrimPrefix(name, "r/")
	return name
}
