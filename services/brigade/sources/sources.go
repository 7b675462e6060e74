// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package sources discovers candidate cross-links for a target community.
//
// Discovery runs an ordered fallback chain over three strategies: native
// community search, the archive search API, and an AI-grounded web search.
// The chain returns the first non-empty result set; it never merges
// sources. Strategy failures are logged and skipped, and total failure
// yields an empty list rather than an error.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/hubwatch/services/brigade/archive"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
)

// Strategy yields candidate cross-link posts for the target community
// created after since. Implementations map their transport errors to the
// archive/gemini sentinels; the chain logs and moves on.
type Strategy interface {
	// Name identifies the strategy in logs.
	Name() string

	// Discover returns candidates, possibly empty.
	Discover(ctx context.Context, target string, since time.Time) ([]datatypes.Candidate, error)
}

// =============================================================================
// Native search
// =============================================================================

// DramaList filters native search results to a curated set of known drama
// communities. An empty list matches everything.
type DramaList interface {
	IsDrama(community string) bool
}

// NativeSearch discovers candidates through the host platform's own
// search, using the community URL token as keyword.
type NativeSearch struct {
	hostc  host.Client
	drama  DramaList
	logger *slog.Logger
}

// NewNativeSearch builds the native strategy over the host client.
func NewNativeSearch(hostc host.Client, drama DramaList, logger *slog.Logger) *NativeSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &NativeSearch{hostc: hostc, drama: drama, logger: logger.With("component", "sources")}
}

func (n *NativeSearch) Name() string { return "native" }

func (n *NativeSearch) Discover(ctx context.Context, target string, since time.Time) ([]datatypes.Candidate, error) {
	// Native search looks back at most a week regardless of since.
	weekAgo := time.Now().Add(-7 * 24 * time.Hour)
	if since.Before(weekAgo) {
		since = weekAgo
	}

	posts, err := n.hostc.SearchPosts(ctx, "r/"+target, since)
	if err != nil {
		return nil, fmt.Errorf("native search: %w", err)
	}

	var out []datatypes.Candidate
	for _, p := range posts {
		community := datatypes.NormalizeName(p.Community)
		if n.drama != nil && !n.drama.IsDrama(community) {
			continue
		}
		out = append(out, datatypes.Candidate{
			ID:         p.ID,
			Community:  community,
			Title:      p.Title,
			URL:        p.URL,
			Permalink:  p.Permalink,
			AuthorName: p.Author,
			CreatedAt:  p.CreatedAt.UnixMilli(),
			Source:     datatypes.SourceNative,
		})
	}
	return out, nil
}

// =============================================================================
// Archive search
// =============================================================================

// ArchiveSearch discovers candidates through the archive search API by
// querying for submissions whose URL contains the target community path.
type ArchiveSearch struct {
	client *archive.Client
	// siteHost is the host-platform domain used in the URL-contains
	// query, e.g. "reddit.com".
	siteHost string
	logger   *slog.Logger
}

// NewArchiveSearch builds the archive strategy.
func NewArchiveSearch(client *archive.Client, siteHost string, logger *slog.Logger) *ArchiveSearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &ArchiveSearch{client: client, siteHost: siteHost, logger: logger.With("component", "sources")}
}

func (a *ArchiveSearch) Name() string { return "archive" }

func (a *ArchiveSearch) Discover(ctx context.Context, target string, since time.Time) ([]datatypes.Candidate, error) {
	query := fmt.Sprintf("%s/r/%s", a.siteHost, target)
	subs, err := a.client.SearchSubmissions(ctx, query, since, 100)
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}

	out := make([]datatypes.Candidate, 0, len(subs))
	for _, sub := range subs {
		out = append(out, datatypes.Candidate{
			ID:         sub.ID,
			Community:  datatypes.NormalizeName(sub.Subreddit),
			Title:      sub.Title,
			URL:        sub.URL,
			Permalink:  sub.Permalink,
			AuthorName: sub.Author,
			CreatedAt:  int64(sub.CreatedUTC * 1000),
			Source:     datatypes.SourceArchive,
		})
	}
	return out, nil
}

// =============================================================================
// AI-grounded search
// =============================================================================

// AIProvider is the grounded-generation slice of the Gemini client.
type AIProvider interface {
	GenerateGrounded(ctx context.Context, prompt string, cfg gemini.GenerationConfig) (string, error)
}

// AISearch asks the AI provider, with web grounding enabled, for recent
// posts discussing the target community. It is the last-resort strategy
// and only participates when an API key is configured.
//
// Synthesized candidates carry gem_<ts>_<rand> ids, url == permalink, and
// the unknown author placeholder; downstream skips leaderboard writes for
// them.
type AISearch struct {
	provider AIProvider
	logger   *slog.Logger
	now      func() time.Time
}

// NewAISearch builds the AI strategy. A nil provider yields a strategy
// that always returns no candidates.
func NewAISearch(provider AIProvider, logger *slog.Logger) *AISearch {
	if logger == nil {
		logger = slog.Default()
	}
	return &AISearch{provider: provider, logger: logger.With("component", "sources"), now: time.Now}
}

func (s *AISearch) Name() string { return "ai" }

// aiCandidate is the JSON shape requested from the model.
type aiCandidate struct {
	Community string `json:"community"`
	Title     string `json:"title"`
	URL       string `json:"url"`
}

func (s *AISearch) Discover(ctx context.Context, target string, since time.Time) ([]datatypes.Candidate, error) {
	if s.provider == nil {
		return nil, nil
	}

	prompt := fmt.Sprintf(
		"Find social media posts from the last %d hours in OTHER communities that link to or discuss the community r/%s.\n"+
			"Reply with a JSON array only, each element {\"community\": \"...\", \"title\": \"...\", \"url\": \"...\"}. "+
			"Reply [] if none found.",
		int(time.Since(since).Hours())+1, target)

	reply, err := s.provider.GenerateGrounded(ctx, prompt, gemini.GenerationConfig{
		Temperature:     0.2,
		MaxOutputTokens: 1024,
	})
	if err != nil {
		return nil, fmt.Errorf("ai search: %w", err)
	}

	var parsed []aiCandidate
	if err := json.Unmarshal([]byte(gemini.StripFences(reply)), &parsed); err != nil {
		s.logger.Warn("ai search reply did not parse", "error", err)
		return nil, nil
	}

	now := s.now()
	out := make([]datatypes.Candidate, 0, len(parsed))
	for _, c := range parsed {
		if c.URL == "" || c.Title == "" {
			continue
		}
		community := datatypes.NormalizeName(c.Community)
		if community == "" || strings.EqualFold(community, target) {
			continue
		}
		out = append(out, datatypes.Candidate{
			ID:         fmt.Sprintf("gem_%d_%s", now.UnixMilli(), uuid.NewString()[:8]),
			Community:  community,
			Title:      c.Title,
			URL:        c.URL,
			Permalink:  c.URL,
			AuthorName: datatypes.UnknownAuthor,
			CreatedAt:  now.UnixMilli(),
			Source:     datatypes.SourceAI,
		})
	}
	return out, nil
}

// =============================================================================
// Chain
// =============================================================================

// Chain is the ordered fallback over discovery strategies.
type Chain struct {
	strategies []Strategy
	logger     *slog.Logger
}

// NewChain composes strategies in fallback order.
func NewChain(logger *slog.Logger, strategies ...Strategy) *Chain {
	if logger == nil {
		logger = slog.Default()
	}
	return &Chain{strategies: strategies, logger: logger.With("component", "sources")}
}

// Discover returns the first non-empty candidate set. Strategy errors are
// logged and skipped; exhausting every strategy returns an empty list.
func (c *Chain) Discover(ctx context.Context, target string, since time.Time) []datatypes.Candidate {
	target = datatypes.NormalizeName(target)
	for _, s := range c.strategies {
		cands, err := s.Discover(ctx, target, since)
		if err != nil {
			c.logger.Warn("discovery strategy failed", "strategy", s.Name(), "error", err)
			continue
		}
		if len(cands) > 0 {
			c.logger.Info("candidates discovered", "strategy", s.Name(), "count", len(cands))
			return cands
		}
	}
	return nil
}
