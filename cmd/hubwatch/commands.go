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
	"fmt"

	"github.com/spf13/cobra"
)

const version = "0.1.0"

// --- Global Command Variables ---
var (
	configPath string
	logLevel   string
	logDir     string
	jsonLogs   bool

	rootCmd = &cobra.Command{
		Use:   "hubwatch",
		Short: "Brigade detection and enrichment pipeline for community moderation",
		Long: `hubwatch watches a protected community for cross-community
brigading: it discovers hostile cross-links, classifies their tone,
tracks repeat offenders on a consolidated leaderboard, and posts
delayed notifications back to the community.`,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the full pipeline: scanner, scheduler, and HTTP API",
		RunE:  runServe, // Defined in cmd_serve.go
	}

	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Run a single discovery tick and exit",
		RunE:  runScan, // Defined in cmd_scan.go
	}

	leaderboardCmd = &cobra.Command{
		Use:   "leaderboard",
		Short: "Print the current hater leaderboard",
		RunE:  runLeaderboard, // Defined in cmd_leaderboard.go
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the hubwatch version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("hubwatch", version)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "directory for JSON log files (empty disables)")
	rootCmd.PersistentFlags().BoolVar(&jsonLogs, "log-json", false, "emit JSON logs on stderr")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(leaderboardCmd)
	rootCmd.AddCommand(versionCmd)
}
