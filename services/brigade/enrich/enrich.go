// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich runs the daily behavioral enrichment pass over the
// leaderboard's top users.
//
// For each stale top entry it pulls the user's recent comment history
// and asks the grounded AI provider for a short behavioral profile. A
// separate deleted-content pass compares the archive's copy of the
// user's comments against the live history; comments that survive only
// in the archive are summarized, and the ones aimed at the protected
// community become the flagged-content count. Results land back on the
// leaderboard through SetEnrichment.
package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/hubwatch/services/brigade/archive"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/gemini"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
)

// JobEnrich is the scheduler job name for the daily pass.
const JobEnrich = "enrichLeaderboard"

const (
	// StaleAfter is how long an enrichment result stays fresh.
	StaleAfter = 7 * 24 * time.Hour

	// historyLimit bounds the comment history pulled per user.
	historyLimit = 50

	// maxConcurrent bounds the enrichment fan-out.
	maxConcurrent = 3

	maxProfileRunes = 300
	maxStyleRunes   = 100
	maxSummaryRunes = 500
)

// Provider is the grounded-generation slice of the AI client. Satisfied
// by *gemini.Client.
type Provider interface {
	GenerateGrounded(ctx context.Context, prompt string, cfg gemini.GenerationConfig) (string, error)
}

// Archive is the comment-search slice of the archive client. Satisfied
// by *archive.Client.
type Archive interface {
	SearchCommentsByAuthor(ctx context.Context, author string, limit int) ([]archive.Comment, error)
}

// profileReply is the JSON document the provider is asked to produce.
type profileReply struct {
	BehavioralProfile string `json:"behavioralProfile"`
	EngagementStyle   string `json:"engagementStyle"`
	BehaviorSummary   string `json:"behaviorSummary"`
}

// deletedReply is the JSON document of the deleted-content analysis.
type deletedReply struct {
	Summary string `json:"summary"`
}

// Enricher runs the enrichment pass.
type Enricher struct {
	board     *leaderboard.Actor
	hostc     host.Client
	arch      Archive
	provider  Provider
	community string
	mention   *regexp.Regexp
	topN      int
	logger    *slog.Logger
	now       func() time.Time
}

// New builds an enricher. A nil provider leaves the profile fields and
// the deleted-content summary empty; a nil archive disables the
// deleted-content pass, so flagged content stays zero.
func New(board *leaderboard.Actor, hostc host.Client, arch Archive, provider Provider, community string, topN int, logger *slog.Logger) *Enricher {
	if logger == nil {
		logger = slog.Default()
	}
	name := datatypes.NormalizeName(community)
	return &Enricher{
		board:     board,
		hostc:     hostc,
		arch:      arch,
		provider:  provider,
		community: name,
		mention:   regexp.MustCompile(`(?i)\b(?:r/)?` + regexp.QuoteMeta(name) + `\b`),
		topN:      topN,
		logger:    logger.With("component", "enrich"),
		now:       time.Now,
	}
}

// Run enriches every stale top user. Per-user failures are logged and
// skipped so one bad profile does not starve the rest of the batch.
func (e *Enricher) Run(ctx context.Context) error {
	users := e.selectStale()
	if len(users) == 0 {
		return nil
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrent)
	for _, user := range users {
		user := user
		g.Go(func() error {
			if err := e.enrichUser(ctx, user); err != nil {
				e.logger.Warn("enrichment failed", "user", user, "error", err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	e.logger.Info("enrichment pass complete", "users", len(users))
	return nil
}

// selectStale picks top-ranked mains whose last enrichment is older than
// the freshness window.
func (e *Enricher) selectStale() []string {
	snapshot := e.board.Snapshot()
	cutoff := e.now().Add(-StaleAfter).UnixMilli()

	var out []string
	for _, ranked := range snapshot.TopUsers {
		if len(out) >= e.topN {
			break
		}
		entry, ok := snapshot.Users[ranked.Name]
		if !ok || entry.IsAltOf != "" {
			continue
		}
		if entry.OSINTEnrichedAt >= cutoff {
			continue
		}
		out = append(out, ranked.Name)
	}
	return out
}

func (e *Enricher) enrichUser(ctx context.Context, user string) error {
	history, err := e.hostc.GetUserHistory(ctx, user, historyLimit)
	if err != nil {
		return fmt.Errorf("user history: %w", err)
	}

	deleted, err := e.deletedContent(ctx, user, history)
	if err != nil {
		// Archive outage degrades the pass, it does not fail it. The
		// entry keeps its previous flagged count next time around.
		e.logger.Warn("deleted content lookup failed", "user", user, "error", err)
		deleted = nil
	}
	flagged := 0
	for i := range deleted {
		if e.mentionsCommunity(deleted[i].Body) {
			flagged++
		}
	}

	var reply profileReply
	if e.provider != nil && len(history) > 0 {
		raw, err := e.provider.GenerateGrounded(ctx, e.prompt(user, history), gemini.GenerationConfig{
			Temperature:     0.2,
			MaxOutputTokens: 512,
		})
		if err != nil {
			return fmt.Errorf("profile generation: %w", err)
		}
		if err := json.Unmarshal([]byte(gemini.StripFences(raw)), &reply); err != nil {
			return fmt.Errorf("profile reply parse: %w", err)
		}
	}

	deletedSummary, err := e.deletedSummary(ctx, user, deleted, flagged)
	if err != nil {
		return err
	}

	e.board.SetEnrichment(user,
		datatypes.Truncate(reply.BehavioralProfile, maxProfileRunes),
		datatypes.Truncate(reply.EngagementStyle, maxStyleRunes),
		datatypes.Truncate(reply.BehaviorSummary, maxSummaryRunes),
		datatypes.Truncate(deletedSummary, maxSummaryRunes),
		flagged)
	return nil
}

// deletedContent returns the user's archived comments that no longer
// exist live: either tombstoned in the archive itself, or tombstoned in
// the live history while the archive kept the pre-deletion body. Live
// comments never count, whatever they say.
func (e *Enricher) deletedContent(ctx context.Context, user string, live []*host.Comment) ([]archive.Comment, error) {
	if e.arch == nil {
		return nil, nil
	}
	archived, err := e.arch.SearchCommentsByAuthor(ctx, user, historyLimit)
	if err != nil {
		return nil, fmt.Errorf("archive search: %w", err)
	}

	liveDeleted := make(map[string]bool)
	for _, c := range live {
		if c != nil && c.Deleted {
			liveDeleted[c.ID] = true
		}
	}

	var out []archive.Comment
	for i := range archived {
		if archived[i].Deleted() || liveDeleted[archived[i].ID] {
			out = append(out, archived[i])
		}
	}
	return out, nil
}

// deletedSummary asks the provider for a short summary of the deleted
// set. Without a provider a plain count line stands in, so the stored
// document still records what was found.
func (e *Enricher) deletedSummary(ctx context.Context, user string, deleted []archive.Comment, flagged int) (string, error) {
	if len(deleted) == 0 {
		return "", nil
	}
	if e.provider == nil {
		return fmt.Sprintf("%d deleted comments found in the archive, %d targeting the community", len(deleted), flagged), nil
	}

	raw, err := e.provider.GenerateGrounded(ctx, e.deletedPrompt(user, deleted), gemini.GenerationConfig{
		Temperature:     0.2,
		MaxOutputTokens: 256,
	})
	if err != nil {
		return "", fmt.Errorf("deleted content summary: %w", err)
	}
	var reply deletedReply
	if err := json.Unmarshal([]byte(gemini.StripFences(raw)), &reply); err != nil {
		return "", fmt.Errorf("deleted summary parse: %w", err)
	}
	return reply.Summary, nil
}

func (e *Enricher) prompt(user string, history []*host.Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize the posting behavior of user %q based on their recent comments.\n", user)
	b.WriteString("Reply with a single JSON object with exactly these string fields: ")
	b.WriteString(`"behavioralProfile", "engagementStyle", "behaviorSummary".` + "\n\nComments:\n")
	shown := 0
	for _, c := range history {
		if c == nil || c.Deleted || c.Body == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s\n", datatypes.Truncate(datatypes.CollapseQuote(c.Body), 200))
		shown++
		if shown >= 20 {
			break
		}
	}
	return b.String()
}

func (e *Enricher) deletedPrompt(user string, deleted []archive.Comment) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize in two sentences the deleted comments of user %q listed below.\n", user)
	b.WriteString("Reply with a single JSON object with exactly one string field: ")
	b.WriteString(`"summary".` + "\n\nDeleted comments:\n")
	shown := 0
	for i := range deleted {
		body := deleted[i].Body
		if deleted[i].Deleted() {
			body = "(body not preserved)"
		}
		fmt.Fprintf(&b, "- %s\n", datatypes.Truncate(datatypes.CollapseQuote(body), 200))
		shown++
		if shown >= 20 {
			break
		}
	}
	return b.String()
}

// mentionsCommunity matches the community name as a whole word, bare or
// with the r/ prefix, case-insensitive. A bare substring is not enough:
// "seattleite" does not mention seattle.
func (e *Enricher) mentionsCommunity(body string) bool {
	return e.mention.MatchString(body)
}
