// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config holds the typed settings for the brigade pipeline.
//
// Settings replace the host platform's dynamic settings bag with a single
// struct that handlers read once per invocation. Optional fields carry
// defaults applied in Load; validation runs through
// go-playground/validator so a bad deployment fails at startup, not in a
// handler.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// AIProvider selects the tone-classification backend.
type AIProvider string

const (
	ProviderNone   AIProvider = "none"
	ProviderGemini AIProvider = "gemini"
)

// Settings is the full pipeline configuration. YAML keys mirror the host
// settings form; zero values mean "use the default".
type Settings struct {
	// Community is the protected (target) community name.
	Community string `yaml:"community" validate:"required"`

	Enabled       bool `yaml:"enabled"`
	PublicComment bool `yaml:"public_comment"`
	ModmailNotify bool `yaml:"modmail_notify"`
	StickyComment bool `yaml:"sticky_comment"`

	// MinimumLinkAgeMinutes is the notify delay after detection.
	MinimumLinkAgeMinutes int `yaml:"minimum_link_age_minutes" validate:"gte=0,lte=1440"`

	AIProvider   AIProvider `yaml:"ai_provider" validate:"oneof=none gemini"`
	GeminiAPIKey string     `yaml:"gemini_api_key,omitempty"`

	IncludeDeletedContent   bool `yaml:"include_deleted_content"`
	DeletedContentThreshold int  `yaml:"deleted_content_threshold" validate:"gte=0"`

	DetectTrafficSpikes bool `yaml:"detect_traffic_spikes"`
	VelocityThreshold   int  `yaml:"velocity_threshold" validate:"gte=1"`

	EnableAchievements       bool `yaml:"enable_achievements"`
	AchievementCooldownHours int  `yaml:"achievement_cooldown_hours" validate:"gte=0"`

	// ScanIntervalMinutes controls the scanner cron.
	ScanIntervalMinutes int `yaml:"scan_interval_minutes" validate:"gte=1"`

	// EnrichTopN is how many leaderboard users the daily enrichment visits.
	EnrichTopN int `yaml:"enrich_top_n" validate:"gte=0,lte=25"`

	// DataDir is the badger database directory.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the HTTP API bind address.
	ListenAddr string `yaml:"listen_addr"`

	// ArchiveBaseURL points at the archive search API.
	ArchiveBaseURL string `yaml:"archive_base_url" validate:"omitempty,url"`

	// HostBridgeURL points at the platform adapter that proxies host
	// API calls (posts, comments, modmail).
	HostBridgeURL string `yaml:"host_bridge_url" validate:"omitempty,url"`

	// SiteHost is the host-platform domain used in archive URL-contains
	// queries.
	SiteHost string `yaml:"site_host"`

	// OverridesPath is the mod-curated classification override file,
	// hot-reloaded when it changes.
	OverridesPath string `yaml:"overrides_path"`
}

// geminiSecretPath is where container runtimes mount the API key secret.
const geminiSecretPath = "/run/secrets/gemini_api_key"

// Defaults returns the settings documented in the settings form.
func Defaults() Settings {
	return Settings{
		Enabled:                  true,
		PublicComment:            true,
		ModmailNotify:            true,
		MinimumLinkAgeMinutes:    5,
		AIProvider:               ProviderNone,
		DeletedContentThreshold:  3,
		DetectTrafficSpikes:      true,
		VelocityThreshold:        10,
		EnableAchievements:       true,
		AchievementCooldownHours: 24,
		ScanIntervalMinutes:      15,
		EnrichTopN:               5,
		DataDir:                  "data",
		ListenAddr:               ":8090",
		ArchiveBaseURL:           "https://api.pullpush.io",
		HostBridgeURL:            "http://localhost:8091",
		SiteHost:                 "reddit.com",
	}
}

// Load reads the YAML file at path, fills defaults for any zero-valued
// optional field, resolves the Gemini key from the environment or the
// container secret when absent, and validates the result.
func Load(path string) (Settings, error) {
	s := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return s, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(&s)
	resolveGeminiKey(&s)

	if err := s.Validate(); err != nil {
		return s, err
	}
	return s, nil
}

// Validate checks the settings against their constraints.
func (s *Settings) Validate() error {
	if err := validator.New().Struct(s); err != nil {
		return fmt.Errorf("invalid settings: %w", err)
	}
	if s.AIProvider == ProviderGemini && s.GeminiAPIKey == "" {
		return fmt.Errorf("invalid settings: ai_provider is gemini but no API key is configured")
	}
	return nil
}

// AIEnabled reports whether the settings enable AI classification.
func (s *Settings) AIEnabled() bool {
	return s.AIProvider == ProviderGemini && s.GeminiAPIKey != ""
}

func applyDefaults(s *Settings) {
	d := Defaults()
	if s.MinimumLinkAgeMinutes == 0 {
		s.MinimumLinkAgeMinutes = d.MinimumLinkAgeMinutes
	}
	if s.AIProvider == "" {
		s.AIProvider = d.AIProvider
	}
	if s.DeletedContentThreshold == 0 {
		s.DeletedContentThreshold = d.DeletedContentThreshold
	}
	if s.VelocityThreshold == 0 {
		s.VelocityThreshold = d.VelocityThreshold
	}
	if s.AchievementCooldownHours == 0 {
		s.AchievementCooldownHours = d.AchievementCooldownHours
	}
	if s.ScanIntervalMinutes == 0 {
		s.ScanIntervalMinutes = d.ScanIntervalMinutes
	}
	if s.EnrichTopN == 0 {
		s.EnrichTopN = d.EnrichTopN
	}
	if s.DataDir == "" {
		s.DataDir = d.DataDir
	}
	if s.ListenAddr == "" {
		s.ListenAddr = d.ListenAddr
	}
	if s.ArchiveBaseURL == "" {
		s.ArchiveBaseURL = d.ArchiveBaseURL
	}
	if s.HostBridgeURL == "" {
		s.HostBridgeURL = d.HostBridgeURL
	}
	if s.SiteHost == "" {
		s.SiteHost = d.SiteHost
	}
}

// resolveGeminiKey falls back to the environment, then the mounted
// container secret, mirroring how the deployment passes API keys.
func resolveGeminiKey(s *Settings) {
	if s.GeminiAPIKey != "" || s.AIProvider != ProviderGemini {
		return
	}
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		s.GeminiAPIKey = key
		return
	}
	if data, err := os.ReadFile(geminiSecretPath); err == nil {
		s.GeminiAPIKey = strings.TrimSpace(string(data))
	}
}
