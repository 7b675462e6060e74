// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package classify

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// fakeProvider returns a fixed reply and counts calls.
type fakeProvider struct {
	reply string
	err   error
	calls atomic.Int64
}

func (f *fakeProvider) Generate(_ context.Context, _ string, _ gemini.GenerationConfig) (string, error) {
	f.calls.Add(1)
	return f.reply, f.err
}

type staticLists struct {
	allowed map[string]bool
	blocked map[string]bool
}

func (s staticLists) Allowed(c string) bool { return s.allowed[c] }
func (s staticLists) Blocked(c string) bool { return s.blocked[c] }

func newTestStores(t *testing.T) (*kvstore.Store, *idempotency.Store) {
	t.Helper()
	db, err := badgerstore.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	kv := kvstore.New(db)
	return kv, idempotency.New(kv)
}

func TestClassify_NoProviderIsNeutral(t *testing.T) {
	kv, idem := newTestStores(t)
	tc := NewToneClassifier(kv, idem, nil, "examplecity", nil)

	tone := tc.Classify(context.Background(), "look at these idiots", "")
	assert.Equal(t, datatypes.Neutral, tone)
}

func TestClassify_ProviderReplyParsed(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "Adversarial"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	tone := tc.Classify(context.Background(), "look at these idiots", "")
	assert.Equal(t, datatypes.Adversarial, tone)
	assert.Equal(t, int64(1), provider.calls.Load())
}

func TestClassify_ResultCached(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "Hateful"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	first := tc.Classify(context.Background(), "same title", "")
	second := tc.Classify(context.Background(), "same title", "")
	assert.Equal(t, datatypes.Hateful, first)
	assert.Equal(t, datatypes.Hateful, second)
	assert.Equal(t, int64(1), provider.calls.Load(), "second call must hit the cache")

	// Different content misses the cache.
	tc.Classify(context.Background(), "other title", "")
	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestClassify_ProviderErrorIsNeutral(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{err: errors.New("boom")}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	tone := tc.Classify(context.Background(), "x", "")
	assert.Equal(t, datatypes.Neutral, tone)
}

func TestClassify_UnparseableReplyIsNeutralAndUncached(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "I think this post is somewhat rude."}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	tone := tc.Classify(context.Background(), "x", "")
	assert.Equal(t, datatypes.Neutral, tone)

	// Parse failures are not cached; the provider is asked again.
	tc.Classify(context.Background(), "x", "")
	assert.Equal(t, int64(2), provider.calls.Load())
}

func TestClassify_FencedReplyParsed(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "```\nHateful\n```"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	assert.Equal(t, datatypes.Hateful, tc.Classify(context.Background(), "x", ""))
}

func TestClassify_BudgetExhaustedIsNeutral(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "Hateful"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	// Exhaust the per-community gemini budget (60/hour).
	for i := 0; i < 60; i++ {
		require.NoError(t, idem.Consume(idempotency.BucketSubGemini, "examplecity"))
	}

	tone := tc.Classify(context.Background(), "fresh title", "")
	assert.Equal(t, datatypes.Neutral, tone)
	assert.Equal(t, int64(0), provider.calls.Load(), "no provider call past the budget")
}

func TestCommunityClassify_OverridesWin(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "Hateful"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)
	lists := staticLists{
		allowed: map[string]bool{"friendlyplace": true},
		blocked: map[string]bool{"dramapit": true},
	}
	cc := NewCommunityClassifier(tc, kv, nil, lists, nil)

	assert.Equal(t, datatypes.Friendly, cc.Classify(context.Background(), "r/FriendlyPlace"))
	assert.Equal(t, datatypes.Hateful, cc.Classify(context.Background(), "DramaPit"))
	assert.Equal(t, int64(0), provider.calls.Load(), "overrides bypass the provider")
}

func TestCommunityClassify_EnrichedAndCached(t *testing.T) {
	kv, idem := newTestStores(t)
	provider := &fakeProvider{reply: "Adversarial"}
	tc := NewToneClassifier(kv, idem, provider, "examplecity", nil)

	fake := host.NewFake()
	fake.Communities["dramapit"] = &host.CommunityInfo{
		Name:          "dramapit",
		Description:   "we watch other communities burn",
		HotPostTitles: []string{"ExampleCity strikes again"},
	}
	cc := NewCommunityClassifier(tc, kv, fake, staticLists{}, nil)

	first := cc.Classify(context.Background(), "dramapit")
	second := cc.Classify(context.Background(), "dramapit")
	assert.Equal(t, datatypes.Adversarial, first)
	assert.Equal(t, datatypes.Adversarial, second)
	assert.Equal(t, int64(1), provider.calls.Load())
}
