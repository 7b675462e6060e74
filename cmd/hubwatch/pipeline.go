// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/hubwatch/pkg/logging"
	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/analyzer"
	"github.com/AleutianAI/hubwatch/services/brigade/archive"
	"github.com/AleutianAI/hubwatch/services/brigade/classify"
	"github.com/AleutianAI/hubwatch/services/brigade/config"
	"github.com/AleutianAI/hubwatch/services/brigade/enrich"
	"github.com/AleutianAI/hubwatch/services/brigade/feed"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/notify"
	"github.com/AleutianAI/hubwatch/services/brigade/scanner"
	"github.com/AleutianAI/hubwatch/services/brigade/sched"
	"github.com/AleutianAI/hubwatch/services/brigade/server"
	"github.com/AleutianAI/hubwatch/services/brigade/sources"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/badgerstore"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
	"github.com/AleutianAI/hubwatch/services/brigade/velocity"
)

// pipeline holds every wired component plus the handles needed for an
// orderly shutdown.
type pipeline struct {
	settings config.Settings
	logger   *logging.Logger

	db        *badgerstore.DB
	kv        *kvstore.Store
	idem      *idempotency.Store
	overrides *config.OverridesWatcher
	hostc     host.Client
	board     *leaderboard.Actor
	feed      *feed.Actor
	engine    *achievements.Engine
	memes     *achievements.TalkingPoints
	analyze   *analyzer.Analyzer
	detector  *velocity.Detector
	jobs      *sched.Scheduler
	scan      *scanner.Scanner
	enricher  *enrich.Enricher
	api       *server.Server
}

// buildPipeline loads configuration and wires every component. The
// returned pipeline is not started; serve starts the scheduler and API,
// scan only runs a tick.
func buildPipeline() (*pipeline, error) {
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New(logging.Config{
		Level:   logging.ParseLevel(logLevel),
		LogDir:  logDir,
		Service: "hubwatch",
		JSON:    jsonLogs,
	})
	slogger := logger.Slog()

	db, err := badgerstore.Open(badgerstore.DefaultConfig(settings.DataDir))
	if err != nil {
		logger.Close()
		return nil, fmt.Errorf("open data store: %w", err)
	}
	kv := kvstore.New(db)
	idem := idempotency.New(kv)

	overrides, err := config.NewOverridesWatcher(settings.OverridesPath, slogger)
	if err != nil {
		db.Close()
		logger.Close()
		return nil, fmt.Errorf("load overrides: %w", err)
	}

	hostc := newBridgeClient(settings.HostBridgeURL, slogger)
	arch := archive.NewClient(settings.ArchiveBaseURL, slogger)

	var gem *gemini.Client
	if settings.AIEnabled() {
		gem = gemini.NewClient(settings.GeminiAPIKey, slogger)
	}
	var provider classify.Provider
	var grounded sources.AIProvider
	var enrichProvider enrich.Provider
	if gem != nil {
		provider = gem
		grounded = gem
		enrichProvider = gem
	}

	community := settings.Community
	board := leaderboard.NewActor(kv, hostc, slogger)
	feedActor := feed.NewActor(kv, community, "hubwatch", slogger)
	engine := achievements.NewEngine(kv, time.Duration(settings.AchievementCooldownHours)*time.Hour, slogger)
	memes := achievements.NewTalkingPoints(kv, idem, community, slogger)
	tone := classify.NewToneClassifier(kv, idem, provider, community, slogger)
	communities := classify.NewCommunityClassifier(tone, kv, hostc, overrides, slogger)

	chain := sources.NewChain(slogger,
		sources.NewNativeSearch(hostc, overrides, slogger),
		sources.NewArchiveSearch(arch, settings.SiteHost, slogger),
		sources.NewAISearch(grounded, slogger),
	)

	analyze := analyzer.New(hostc, board, engine, memes, kv, slogger)

	var detector *velocity.Detector
	if settings.DetectTrafficSpikes {
		detector = velocity.NewDetector(kv, hostc, feedActor, settings.VelocityThreshold, slogger)
	}

	jobs := sched.New(kv, slogger)
	notifier := notify.New(settings, hostc, arch, idem, feedActor, engine, slogger)
	jobs.Register(notify.JobNotifyBrigade, notifier.NotifyBrigade)
	jobs.Register(notify.JobPostAchievement, notifier.PostAchievement)

	var eng *achievements.Engine
	var mms *achievements.TalkingPoints
	if settings.EnableAchievements {
		eng = engine
		mms = memes
	}
	scan := scanner.New(settings, chain, tone, idem, kv, board, analyze, eng, mms, jobs, slogger)

	enricher := enrich.New(board, hostc, arch, enrichProvider, community, settings.EnrichTopN, slogger)
	jobs.Register(enrich.JobEnrich, func(ctx context.Context, _ []byte) error {
		return enricher.Run(ctx)
	})

	api := server.New(settings.ListenAddr, community, board, feedActor, analyze, detector, communities, idem, slogger)

	return &pipeline{
		settings:  settings,
		logger:    logger,
		db:        db,
		kv:        kv,
		idem:      idem,
		overrides: overrides,
		hostc:     hostc,
		board:     board,
		feed:      feedActor,
		engine:    engine,
		memes:     memes,
		analyze:   analyze,
		detector:  detector,
		jobs:      jobs,
		scan:      scan,
		enricher:  enricher,
		api:       api,
	}, nil
}

// slog returns the pipeline's structured logger.
func (p *pipeline) slog() *slog.Logger {
	return p.logger.Slog()
}

// close tears the pipeline down in reverse dependency order.
func (p *pipeline) close() {
	p.feed.Close()
	p.board.Close()
	p.overrides.Close()
	if err := p.db.Close(); err != nil {
		p.slog().Error("data store close failed", "error", err)
	}
	p.logger.Close()
}
