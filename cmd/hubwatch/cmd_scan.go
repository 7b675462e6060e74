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
	"time"

	"github.com/spf13/cobra"
)

// scanTimeout bounds a one-shot tick; a stuck upstream should not hang
// the CLI forever.
const scanTimeout = 5 * time.Minute

// runScan executes a single discovery tick. Scheduled notifications are
// persisted and will be delivered by the next serve run.
func runScan(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	ctx, cancel := context.WithTimeout(context.Background(), scanTimeout)
	defer cancel()

	if err := p.scan.Tick(ctx); err != nil {
		return err
	}
	pending, err := p.jobs.Pending()
	if err == nil {
		p.slog().Info("tick complete", "pending_jobs", pending)
	}
	return nil
}
