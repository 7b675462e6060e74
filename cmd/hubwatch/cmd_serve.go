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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

// shutdownGrace bounds how long in-flight HTTP requests get on SIGTERM.
const shutdownGrace = 10 * time.Second

func runServe(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()
	logger := p.slog()

	if !p.settings.Enabled {
		logger.Info("pipeline disabled in configuration, nothing to do")
		return nil
	}

	// Periodic work: the discovery tick and the daily enrichment pass.
	interval := time.Duration(p.settings.ScanIntervalMinutes) * time.Minute
	p.jobs.RunEvery("scanTick", interval, func(ctx context.Context, _ []byte) error {
		return p.scan.Tick(ctx)
	})
	p.jobs.RunEvery("enrichDaily", 24*time.Hour, func(ctx context.Context, _ []byte) error {
		return p.enricher.Run(ctx)
	})
	p.jobs.RunEvery("publishLeaderboard", time.Hour, func(ctx context.Context, _ []byte) error {
		return p.board.PublishWiki(ctx)
	})
	p.jobs.Start()
	defer p.jobs.Stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- p.api.Start()
	}()

	logger.Info("hubwatch serving",
		"community", p.settings.Community,
		"addr", p.settings.ListenAddr,
		"scan_interval", interval,
		"ai", p.settings.AIEnabled(),
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return p.api.Shutdown(ctx)
}
