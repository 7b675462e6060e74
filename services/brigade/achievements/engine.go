// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package achievements runs the unlock state machine over the static
// achievement table.
//
// Per (user, achievement) the lifecycle is Undetected, then Unlocked,
// then Notified. Unlocks are detected by Evaluate against score, rank,
// and special conditions; the transition to Notified happens through
// MarkNotified after the scheduled announcement comment succeeds. One
// notification window per user protects against a burst of unlocks
// producing a burst of comments.
package achievements

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// RecordTTL keeps achievement records one year.
const RecordTTL = 365 * 24 * time.Hour

// Context carries the per-evaluation condition flags. Zero values mean
// "condition not met".
type Context struct {
	IsFirstOffense      bool
	IsAltExposed        bool
	RepeatedMemes       []string
	UniqueMemesUsed     []string
	ConsecutiveDays     int
	IsDramaticExit      bool
	FarewellCount       int
	IsLurkerLeaver      bool
	IsHostileTone       bool
	HomeSubCount        int
	DeletedContentCount int
	TrollingRisk        bool
	DeceptionIndicators int
}

// Unlock is one evaluation outcome for a met definition.
type Unlock struct {
	Definition datatypes.AchievementDefinition

	// IsNew is true the first time this user meets the definition.
	IsNew bool

	// ShouldNotify is true when the unlock is new and the user's
	// notification cooldown has elapsed.
	ShouldNotify bool

	// Rank is the user's 1-based leaderboard position at evaluation
	// time, 0 when unranked.
	Rank int
}

// Engine evaluates and persists achievement state.
//
// Thread Safety: safe for concurrent use across distinct users; per-user
// callers are serialized by the pipeline (one scanner, one analyzer run
// at a time touches a given user).
type Engine struct {
	kv       *kvstore.Store
	cooldown time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine builds an engine with the configured notification cooldown.
func NewEngine(kv *kvstore.Store, cooldown time.Duration, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		kv:       kv,
		cooldown: cooldown,
		logger:   logger.With("component", "achievements"),
		now:      time.Now,
	}
}

func recordKey(user string) string {
	return "brigade:achievements:" + datatypes.NormalizeName(user)
}

// Record loads the user's achievement record, returning a fresh one when
// absent.
func (e *Engine) Record(user string) (*datatypes.AchievementRecord, error) {
	var record datatypes.AchievementRecord
	err := e.kv.GetJSON(recordKey(user), &record)
	if errors.Is(err, kvstore.ErrNotFound) {
		return datatypes.NewAchievementRecord(user), nil
	}
	if err != nil {
		return nil, err
	}
	if record.Unlocked == nil {
		record.Unlocked = make(map[string]int64)
	}
	if record.Notified == nil {
		record.Notified = make(map[string]int64)
	}
	return &record, nil
}

// Evaluate runs every definition against the user's current standing.
//
// # Description
//
// For each met definition an Unlock is emitted carrying IsNew and
// ShouldNotify. New unlocks are appended to the durable record (which is
// persisted only when something actually changed); notification state is
// untouched here, MarkNotified moves it.
//
// # Outputs
//
//   - []Unlock: every met definition, new or not.
//   - error: storage failure only; condition evaluation cannot fail.
func (e *Engine) Evaluate(user string, entry *datatypes.UserEntry, rank int, evalCtx Context) ([]Unlock, error) {
	record, err := e.Record(user)
	if err != nil {
		return nil, fmt.Errorf("load achievement record: %w", err)
	}

	score := entry.Score()
	now := e.now().UnixMilli()
	cooldownOver := record.LastNotificationAt == 0 ||
		e.now().Sub(time.UnixMilli(record.LastNotificationAt)) > e.cooldown

	var unlocks []Unlock
	anyNew := false
	for _, def := range Definitions {
		if !meets(def, score, rank, evalCtx) {
			continue
		}
		_, alreadyUnlocked := record.Unlocked[def.ID]
		_, alreadyNotified := record.Notified[def.ID]
		isNew := !alreadyUnlocked
		canNotify := !alreadyNotified && cooldownOver

		unlocks = append(unlocks, Unlock{
			Definition:   def,
			IsNew:        isNew,
			ShouldNotify: isNew && canNotify,
			Rank:         rank,
		})

		if isNew {
			record.Unlocked[def.ID] = now
			record.LastAchievementAt = now
			record.TotalAchievements++
			if def.Tier > record.HighestTier {
				record.HighestTier = def.Tier
			}
			anyNew = true
		}
	}

	if anyNew {
		if err := e.kv.SetJSON(recordKey(user), record, RecordTTL); err != nil {
			return unlocks, fmt.Errorf("persist achievement record: %w", err)
		}
	}
	return unlocks, nil
}

// MarkNotified transitions (user, achievement) to Notified and stamps the
// shared notification window. Called after the announcement comment
// succeeds.
func (e *Engine) MarkNotified(user, achievementID string) error {
	record, err := e.Record(user)
	if err != nil {
		return fmt.Errorf("load achievement record: %w", err)
	}
	now := e.now().UnixMilli()
	record.Notified[achievementID] = now
	record.LastNotificationAt = now
	if err := e.kv.SetJSON(recordKey(user), record, RecordTTL); err != nil {
		return fmt.Errorf("persist achievement record: %w", err)
	}
	return nil
}

// GetHighestNew picks the single notifiable unlock of highest tier, ties
// broken by definition order. Returns nil when nothing is notifiable.
func GetHighestNew(unlocks []Unlock) *Unlock {
	var best *Unlock
	for i := range unlocks {
		u := &unlocks[i]
		if !u.ShouldNotify {
			continue
		}
		if best == nil ||
			u.Definition.Tier > best.Definition.Tier ||
			(u.Definition.Tier == best.Definition.Tier &&
				definitionOrder[u.Definition.ID] < definitionOrder[best.Definition.ID]) {
			best = u
		}
	}
	return best
}

func meets(def datatypes.AchievementDefinition, score float64, rank int, evalCtx Context) bool {
	if def.ScoreThreshold > 0 && score >= def.ScoreThreshold {
		return true
	}
	if def.RankThreshold > 0 && rank > 0 && rank <= def.RankThreshold {
		return true
	}
	if def.Special != "" {
		return meetsSpecial(def.Special, evalCtx)
	}
	return false
}

func meetsSpecial(special datatypes.SpecialCondition, evalCtx Context) bool {
	switch special {
	case datatypes.SpecialFirstOffense:
		return evalCtx.IsFirstOffense
	case datatypes.SpecialAltExposed:
		return evalCtx.IsAltExposed
	case datatypes.SpecialMemeRepeater:
		return len(evalCtx.RepeatedMemes) > 0
	case datatypes.SpecialMemeVariety:
		return len(evalCtx.UniqueMemesUsed) >= 5
	case datatypes.SpecialStreak:
		return evalCtx.ConsecutiveDays >= 3
	case datatypes.SpecialDramaticExit:
		return evalCtx.IsDramaticExit
	case datatypes.SpecialSerialFarewell:
		return evalCtx.FarewellCount >= 3
	case datatypes.SpecialLurkerLeaver:
		return evalCtx.IsLurkerLeaver
	case datatypes.SpecialHostileTone:
		return evalCtx.IsHostileTone
	case datatypes.SpecialMultiHome:
		return evalCtx.HomeSubCount >= 3
	case datatypes.SpecialDeletedContent:
		return evalCtx.DeletedContentCount >= 3
	case datatypes.SpecialTrollingRisk:
		return evalCtx.TrollingRisk
	case datatypes.SpecialDeception:
		return evalCtx.DeceptionIndicators > 0
	default:
		return false
	}
}
