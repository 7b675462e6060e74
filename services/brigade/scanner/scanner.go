// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scanner drives the periodic discovery tick: it pulls candidate
// cross-links from the source chain, classifies them, persists brigade
// events, and schedules the delayed notifications.
//
// Every candidate passes the processed marker before any side effect, so
// retried or overlapping ticks are at-most-once per candidate.
package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"regexp"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/analyzer"
	"github.com/AleutianAI/hubwatch/services/brigade/classify"
	"github.com/AleutianAI/hubwatch/services/brigade/config"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/notify"
	"github.com/AleutianAI/hubwatch/services/brigade/sched"
	"github.com/AleutianAI/hubwatch/services/brigade/sources"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

var (
	scanTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubwatch_scan_ticks_total",
		Help: "Scanner tick outcomes.",
	}, []string{"outcome"})
	candidatesSeen = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubwatch_scan_candidates_total",
		Help: "Candidates by disposition.",
	}, []string{"disposition"})
)

// achievementDelay staggers the achievement comment behind the brigade
// notification so the sticky lands first.
const achievementDelay = 30 * time.Second

// Scanner runs the discovery tick.
type Scanner struct {
	settings config.Settings
	chain    *sources.Chain
	tone     *classify.ToneClassifier
	idem     *idempotency.Store
	kv       *kvstore.Store
	board    *leaderboard.Actor
	analyze  *analyzer.Analyzer
	engine   *achievements.Engine
	memes    *achievements.TalkingPoints
	jobs     *sched.Scheduler
	logger   *slog.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// New wires the scanner. analyze, engine, and memes may be nil to
// disable the corresponding pass.
func New(settings config.Settings, chain *sources.Chain, tone *classify.ToneClassifier, idem *idempotency.Store, kv *kvstore.Store, board *leaderboard.Actor, analyze *analyzer.Analyzer, engine *achievements.Engine, memes *achievements.TalkingPoints, jobs *sched.Scheduler, logger *slog.Logger) *Scanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		settings: settings,
		chain:    chain,
		tone:     tone,
		idem:     idem,
		kv:       kv,
		board:    board,
		analyze:  analyze,
		engine:   engine,
		memes:    memes,
		jobs:     jobs,
		logger:   logger.With("component", "scanner"),
		tracer:   otel.Tracer("hubwatch/scanner"),
		now:      time.Now,
	}
}

// Tick runs one scan cycle.
func (s *Scanner) Tick(ctx context.Context) error {
	ctx, span := s.tracer.Start(ctx, "scanner.Tick")
	defer span.End()

	community := datatypes.NormalizeName(s.settings.Community)
	logger := s.logger.With("community", community)

	allowed, _, _, err := s.idem.RateLimit(idempotency.BucketSubPullpush, community)
	if err != nil {
		return err
	}
	if !allowed {
		logger.Info("discovery budget exhausted, skipping tick")
		scanTicks.WithLabelValues("ratelimited").Inc()
		return nil
	}

	since := s.lastScan(community)
	candidates := s.chain.Discover(ctx, community, since)
	span.SetAttributes(attribute.Int("candidates", len(candidates)))

	processed := 0
	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.processCandidate(ctx, community, &candidates[i]) {
			processed++
		}
	}

	if err := s.idem.Consume(idempotency.BucketSubPullpush, community); err != nil {
		logger.Warn("discovery budget consume failed", "error", err)
	}
	s.setLastScan(community)
	scanTicks.WithLabelValues("completed").Inc()
	logger.Info("scan tick complete", "discovered", len(candidates), "processed", processed)
	return nil
}

// processCandidate runs the per-candidate pipeline. Returns true when a
// brigade event was created.
func (s *Scanner) processCandidate(ctx context.Context, community string, candidate *datatypes.Candidate) bool {
	logger := s.logger.With("candidate", candidate.ID, "source", candidate.Community)

	if datatypes.NormalizeName(candidate.Community) == community {
		candidatesSeen.WithLabelValues("self_link").Inc()
		return false
	}

	first, err := s.idem.MarkProcessed(candidate.ID)
	if err != nil {
		logger.Error("processed marker failed", "error", err)
		return false
	}
	if !first {
		candidatesSeen.WithLabelValues("duplicate").Inc()
		return false
	}

	targetPostID, ok := ParseTargetPostID(candidate.URL, community)
	if !ok {
		candidatesSeen.WithLabelValues("unparseable").Inc()
		logger.Debug("candidate url does not resolve to a target post", "url", candidate.URL)
		return false
	}

	tone := s.tone.Classify(ctx, candidate.Title, "")

	event := &datatypes.BrigadeEvent{
		SchemaVersion:   1,
		ID:              datatypes.EventID(candidate.ID, targetPostID),
		TargetPostID:    targetPostID,
		SourceCommunity: candidate.Community,
		SourcePostURL:   candidate.Permalink,
		SourcePostTitle: candidate.Title,
		DetectedAt:      s.now().UnixMilli(),
		Classification:  tone,
	}
	if err := s.idem.PutEvent(event, idempotency.EventTTL); err != nil {
		logger.Error("event write failed", "error", err)
		return false
	}

	record := s.board.RecordHater(ctx, candidate.Community, candidate.AuthorName, tone, candidate.Title)

	if s.analyze != nil && candidate.Permalink != "" {
		if result, err := s.analyze.AnalyzeAndRecord(ctx, candidate.Permalink, community); err == nil {
			event.Analysis = result.Analysis
			if err := s.idem.PutEvent(event, idempotency.EventTTL); err != nil {
				logger.Error("event analysis attach failed", "error", err)
			}
			s.scheduleAchievements(event.ID, result.Achievements, logger)
		} else if !errors.Is(err, analyzer.ErrInvalidURL) {
			logger.Warn("thread analysis failed", "error", err)
		}
	}

	if record.UserRecorded {
		s.evaluateAuthor(event, candidate, record, logger)
	}

	delay := time.Duration(s.settings.MinimumLinkAgeMinutes) * time.Minute
	if _, err := s.jobs.RunAt(notify.JobNotifyBrigade, []byte(event.ID), s.now().Add(delay)); err != nil {
		logger.Error("notification scheduling failed", "error", err)
	}

	candidatesSeen.WithLabelValues("processed").Inc()
	logger.Info("brigade event recorded",
		"event", event.ID, "classification", tone.String(), "source", candidate.Source)
	return true
}

// evaluateAuthor runs the achievement pass for the candidate's author and
// schedules the announcement for the highest new unlock.
func (s *Scanner) evaluateAuthor(event *datatypes.BrigadeEvent, candidate *datatypes.Candidate, record leaderboard.RecordResult, logger *slog.Logger) {
	if s.engine == nil || !s.settings.EnableAchievements {
		return
	}

	var repeated, unique []string
	if s.memes != nil {
		var err error
		repeated, unique, err = s.memes.Track(candidate.AuthorName, candidate.Title)
		if err != nil {
			logger.Warn("talking point tracking failed", "error", err)
		}
	}

	entry, ok := s.board.UserEntry(candidate.AuthorName)
	if !ok {
		return
	}
	unlocks, err := s.engine.Evaluate(candidate.AuthorName, &entry, record.UserRank, achievements.Context{
		IsFirstOffense:  record.UserNew,
		RepeatedMemes:   repeated,
		UniqueMemesUsed: unique,
		HomeSubCount:    len(entry.HomeCommunities),
	})
	if err != nil {
		logger.Warn("achievement evaluation failed", "error", err)
		return
	}

	now := s.now().UnixMilli()
	for _, unlock := range unlocks {
		if unlock.IsNew {
			s.board.RecordAchievement(candidate.AuthorName, unlock.Definition.ID, unlock.Definition.Tier, now)
		}
	}
	if best := achievements.GetHighestNew(unlocks); best != nil {
		s.scheduleAchievements(event.ID, []analyzer.UserAchievement{{
			UserName:    datatypes.NormalizeName(candidate.AuthorName),
			Achievement: best.Definition,
		}}, logger)
	}
}

func (s *Scanner) scheduleAchievements(eventID string, earned []analyzer.UserAchievement, logger *slog.Logger) {
	if len(earned) == 0 || !s.settings.EnableAchievements {
		return
	}
	delay := time.Duration(s.settings.MinimumLinkAgeMinutes)*time.Minute + achievementDelay
	for _, ua := range earned {
		payload, err := json.Marshal(notify.AchievementPayload{
			EventID:       eventID,
			UserName:      ua.UserName,
			AchievementID: ua.Achievement.ID,
		})
		if err != nil {
			logger.Error("achievement payload marshal failed", "error", err)
			continue
		}
		if _, err := s.jobs.RunAt(notify.JobPostAchievement, payload, s.now().Add(delay)); err != nil {
			logger.Error("achievement scheduling failed", "user", ua.UserName, "error", err)
		}
	}
}

// lastScan reads the community's scan watermark, defaulting to 24 hours
// back.
func (s *Scanner) lastScan(community string) time.Time {
	raw, err := s.kv.GetCount("brigade:lastScan:" + community)
	if err != nil || raw == 0 {
		return s.now().Add(-24 * time.Hour)
	}
	return time.UnixMilli(raw)
}

func (s *Scanner) setLastScan(community string) {
	// Stored as a bare integer so GetCount can read it back.
	key := "brigade:lastScan:" + community
	if err := s.kv.SetJSON(key, s.now().UnixMilli(), 0); err != nil {
		s.logger.Warn("last scan watermark write failed", "error", err)
	}
}

// targetPostPattern matches ".../r/<community>/comments/<id>..." and
// captures the post id. Built per community, case-insensitive.
func targetPostPattern(community string) *regexp.Regexp {
	return regexp.MustCompile(`(?i)/r/` + regexp.QuoteMeta(community) + `/comments/([a-z0-9]+)`)
}

// ParseTargetPostID extracts the protected community's post id from a
// candidate URL. The returned id carries the host platform's t3_ prefix.
func ParseTargetPostID(rawURL, community string) (string, bool) {
	m := targetPostPattern(community).FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	return "t3_" + m[1], true
}
