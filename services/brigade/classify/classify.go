// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package classify labels cross-link posts and source communities on the
// Friendly/Neutral/Adversarial/Hateful scale.
//
// Classification is a pure function of its inputs plus provider config:
// results are cached for seven days keyed by a content hash, the AI
// provider is optional (absent provider means Neutral), and every failure
// mode collapses to Neutral. Moderator-curated allow/block lists override
// all AI output for community classification.
package classify

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// CacheTTL is how long classification results are reused.
const CacheTTL = 7 * 24 * time.Hour

// Provider is the slice of the AI client the classifiers need. Satisfied
// by *gemini.Client; tests substitute a canned implementation.
type Provider interface {
	Generate(ctx context.Context, prompt string, cfg gemini.GenerationConfig) (string, error)
}

// cachedResult is the persisted form of one classification.
type cachedResult struct {
	SchemaVersion  int                      `json:"schemaVersion"`
	Classification datatypes.Classification `json:"classification"`
	ClassifiedAt   int64                    `json:"classifiedAt"`
}

// =============================================================================
// Tone classifier
// =============================================================================

// ToneClassifier maps a post title (and optional body) to a tone label.
//
// Thread Safety: safe for concurrent use.
type ToneClassifier struct {
	kv        *kvstore.Store
	idem      *idempotency.Store
	provider  Provider
	community string
	logger    *slog.Logger
}

// NewToneClassifier builds a tone classifier. A nil provider disables AI
// calls entirely; every Classify then returns Neutral.
func NewToneClassifier(kv *kvstore.Store, idem *idempotency.Store, provider Provider, community string, logger *slog.Logger) *ToneClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &ToneClassifier{
		kv:        kv,
		idem:      idem,
		provider:  provider,
		community: datatypes.NormalizeName(community),
		logger:    logger.With("component", "classify"),
	}
}

// Classify labels the tone of a single post.
//
// # Description
//
// Checks the content-hash cache first, then the per-community AI budget,
// then asks the provider for a single-word label. Every failure path
// (no provider, exhausted budget, transport error, unparseable reply)
// returns Neutral without an error.
func (t *ToneClassifier) Classify(ctx context.Context, title, body string) datatypes.Classification {
	key := "classification:tone:" + contentHash(title, body)

	var cached cachedResult
	if err := t.kv.GetJSON(key, &cached); err == nil {
		return cached.Classification
	}

	if t.provider == nil {
		return datatypes.Neutral
	}

	allowed, _, _, err := t.idem.RateLimit(idempotency.BucketSubGemini, t.community)
	if err != nil || !allowed {
		if err != nil {
			t.logger.Warn("rate limit check failed", "error", err)
		}
		return datatypes.Neutral
	}

	reply, err := t.provider.Generate(ctx, tonePrompt(title, body), gemini.GenerationConfig{
		Temperature:     0.1,
		MaxOutputTokens: 16,
	})
	if err != nil {
		t.logger.Warn("tone classification failed", "error", err)
		return datatypes.Neutral
	}
	if cerr := t.idem.Consume(idempotency.BucketSubGemini, t.community); cerr != nil {
		t.logger.Warn("consume gemini budget failed", "error", cerr)
	}

	tone, ok := datatypes.ParseClassification(gemini.StripFences(reply))
	if !ok {
		t.logger.Warn("unparseable tone reply", "reply", datatypes.Truncate(reply, 80))
		return datatypes.Neutral
	}

	t.cache(key, tone)
	return tone
}

func (t *ToneClassifier) cache(key string, tone datatypes.Classification) {
	result := cachedResult{
		SchemaVersion:  1,
		Classification: tone,
		ClassifiedAt:   time.Now().UnixMilli(),
	}
	if err := t.kv.SetJSON(key, result, CacheTTL); err != nil {
		t.logger.Warn("cache write failed", "key", key, "error", err)
	}
}

func tonePrompt(title, body string) string {
	var b strings.Builder
	b.WriteString("Classify the tone of this social media post toward the community it links to.\n")
	b.WriteString("Answer with exactly one word: Friendly, Neutral, Adversarial, or Hateful.\n\n")
	b.WriteString("Title: ")
	b.WriteString(datatypes.Truncate(title, 300))
	if body != "" {
		b.WriteString("\nBody: ")
		b.WriteString(datatypes.Truncate(body, 1000))
	}
	return b.String()
}

// =============================================================================
// Community classifier
// =============================================================================

// OverrideList is the moderator-curated allow/block surface the community
// classifier consults before any AI call. Satisfied by
// *config.OverridesWatcher.
type OverrideList interface {
	Allowed(community string) bool
	Blocked(community string) bool
}

// CommunityClassifier labels whole source communities, enriching its
// prompt with the community description and hot-post titles.
type CommunityClassifier struct {
	tone   *ToneClassifier
	kv     *kvstore.Store
	hostc  host.Client
	lists  OverrideList
	logger *slog.Logger
}

// NewCommunityClassifier builds a community classifier sharing the tone
// classifier's provider and budget.
func NewCommunityClassifier(tone *ToneClassifier, kv *kvstore.Store, hostc host.Client, lists OverrideList, logger *slog.Logger) *CommunityClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &CommunityClassifier{
		tone:   tone,
		kv:     kv,
		hostc:  hostc,
		lists:  lists,
		logger: logger.With("component", "classify"),
	}
}

// Classify labels a source community.
//
// Override lists win unconditionally: an allowed community is Friendly, a
// blocked one is Hateful, no cache write in either case so list edits
// take effect immediately. Otherwise results are cached per community for
// seven days.
func (c *CommunityClassifier) Classify(ctx context.Context, community string) datatypes.Classification {
	name := datatypes.NormalizeName(community)

	if c.lists != nil {
		if c.lists.Allowed(name) {
			return datatypes.Friendly
		}
		if c.lists.Blocked(name) {
			return datatypes.Hateful
		}
	}

	key := "classification:" + name
	var cached cachedResult
	if err := c.kv.GetJSON(key, &cached); err == nil {
		return cached.Classification
	}

	if c.tone.provider == nil {
		return datatypes.Neutral
	}

	title, body := c.promptContext(ctx, name)
	tone := c.tone.Classify(ctx, title, body)
	c.tone.cache(key, tone)
	return tone
}

// promptContext folds community metadata into a pseudo post for the tone
// prompt. Missing metadata is fine; the name alone still classifies.
func (c *CommunityClassifier) promptContext(ctx context.Context, name string) (title, body string) {
	title = fmt.Sprintf("The community r/%s", name)
	if c.hostc == nil {
		return title, ""
	}
	info, err := c.hostc.GetCommunityInfo(ctx, name)
	if err != nil {
		c.logger.Debug("community info unavailable", "community", name, "error", err)
		return title, ""
	}
	var b strings.Builder
	b.WriteString(info.Description)
	if len(info.HotPostTitles) > 0 {
		b.WriteString("\nRecent posts: ")
		b.WriteString(strings.Join(info.HotPostTitles, " | "))
	}
	return title, b.String()
}

func contentHash(title, body string) string {
	sum := sha256.Sum256([]byte(title + "||" + body))
	return hex.EncodeToString(sum[:16])
}
