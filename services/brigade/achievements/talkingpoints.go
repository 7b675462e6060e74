// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package achievements

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// TalkingPointTTL keeps talking-point records one year.
const TalkingPointTTL = 365 * 24 * time.Hour

// memePhrases is the closed list of recurring drama talking points the
// tracker looks for in quotes. Matching is case-insensitive substring.
var memePhrases = map[string]string{
	"touch_grass":    "touch grass",
	"echo_chamber":   "echo chamber",
	"circlejerk":     "circlejerk",
	"cesspool":       "cesspool",
	"hivemind":       "hivemind",
	"kool_aid":       "kool-aid",
	"containment":    "containment sub",
	"mods_asleep":    "mods are asleep",
	"banned_from":    "got banned from",
	"power_trip":     "power trip",
	"down_the_drain": "down the drain",
	"rent_free":      "rent free",
}

// TalkingPoints tracks recurring memes per user in a durable record.
type TalkingPoints struct {
	kv        *kvstore.Store
	idem      *idempotency.Store
	community string
	logger    *slog.Logger
	now       func() time.Time
}

// NewTalkingPoints builds a tracker over the shared KV store. idem may be
// nil; detection record writes are then unbudgeted.
func NewTalkingPoints(kv *kvstore.Store, idem *idempotency.Store, community string, logger *slog.Logger) *TalkingPoints {
	if logger == nil {
		logger = slog.Default()
	}
	return &TalkingPoints{
		kv:        kv,
		idem:      idem,
		community: datatypes.NormalizeName(community),
		logger:    logger.With("component", "achievements"),
		now:       time.Now,
	}
}

func talkingPointKey(user string) string {
	return "brigade:talkingpoints:" + datatypes.NormalizeName(user)
}

// Track scans the quote for known meme phrases and updates the user's
// record. Record writes draw on the per-community detection budget; when
// it is exhausted the quote is skipped and both lists come back empty.
//
// # Outputs
//
//   - repeated: point ids seen before this call (count was already > 0).
//   - unique: every distinct point id the user has used so far.
func (t *TalkingPoints) Track(user, quote string) (repeated, unique []string, err error) {
	detected := DetectPhrases(quote)
	if len(detected) == 0 {
		return nil, nil, nil
	}

	if t.idem != nil {
		allowed, err := t.idem.Allow(idempotency.BucketMemeDetection, t.community)
		if err != nil {
			return nil, nil, err
		}
		if !allowed {
			t.logger.Debug("meme detection budget exhausted", "user", user)
			return nil, nil, nil
		}
	}

	record, err := t.record(user)
	if err != nil {
		return nil, nil, err
	}

	now := t.now().UnixMilli()
	for _, id := range detected {
		point, ok := record.Points[id]
		if !ok {
			point = &datatypes.TalkingPoint{}
			record.Points[id] = point
		} else {
			repeated = append(repeated, id)
		}
		point.Count++
		point.LastSeen = now
		if len(point.Examples) < 3 {
			point.Examples = append(point.Examples, datatypes.Truncate(quote, 200))
		}
	}
	for id := range record.Points {
		unique = append(unique, id)
	}

	if err := t.kv.SetJSON(talkingPointKey(user), record, TalkingPointTTL); err != nil {
		return nil, nil, fmt.Errorf("persist talking points: %w", err)
	}
	return repeated, unique, nil
}

func (t *TalkingPoints) record(user string) (*datatypes.TalkingPointDetection, error) {
	var record datatypes.TalkingPointDetection
	err := t.kv.GetJSON(talkingPointKey(user), &record)
	if errors.Is(err, kvstore.ErrNotFound) {
		return &datatypes.TalkingPointDetection{
			SchemaVersion: 1,
			UserName:      datatypes.NormalizeName(user),
			Points:        make(map[string]*datatypes.TalkingPoint),
		}, nil
	}
	if err != nil {
		return nil, err
	}
	if record.Points == nil {
		record.Points = make(map[string]*datatypes.TalkingPoint)
	}
	return &record, nil
}

// DetectPhrases returns the meme ids present in the text.
func DetectPhrases(text string) []string {
	lowered := strings.ToLower(text)
	var out []string
	for id, phrase := range memePhrases {
		if strings.Contains(lowered, phrase) {
			out = append(out, id)
		}
	}
	return out
}
