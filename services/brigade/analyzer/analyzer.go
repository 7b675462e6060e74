// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyzer extracts the most salient hostile participants from a
// linked thread and records them on the leaderboard.
//
// The flattening pass bounds work on adversarial input: at most 500
// comments, depth at most 10, deleted and automoderator comments
// excluded. Participant ranking is deterministic (points, then best
// score) so repeated analysis of the same thread yields the same order.
package analyzer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

var (
	// ErrInvalidURL is returned when the post URL does not match the
	// community thread pattern. No state is mutated.
	ErrInvalidURL = errors.New("analyzer: invalid thread url")

	// ErrFetchFailed is returned when the thread could not be loaded. No
	// state is mutated.
	ErrFetchFailed = errors.New("analyzer: could not fetch thread")
)

const (
	maxComments   = 500
	maxDepth      = 10
	maxHaters     = 15
	minBestScore  = 10
	maxQuoteRunes = 400

	analysesDocKey = "doc:thread-analyses"
	maxSnapshots   = 50
)

// threadURLPattern extracts (community, postID) from a thread permalink.
var threadURLPattern = regexp.MustCompile(`/r/([A-Za-z0-9_]+)/comments/([a-z0-9]+)`)

// ParseThreadURL returns the source community and post id embedded in a
// thread URL.
func ParseThreadURL(postURL string) (community, postID string, err error) {
	m := threadURLPattern.FindStringSubmatch(postURL)
	if m == nil {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURL, postURL)
	}
	return datatypes.NormalizeName(m[1]), m[2], nil
}

// UserAchievement pairs a user with the single achievement to announce.
type UserAchievement struct {
	UserName    string
	Achievement datatypes.AchievementDefinition
}

// Result is the outcome of one AnalyzeAndRecord run.
type Result struct {
	Analysis     *datatypes.ThreadAnalysis
	Achievements []UserAchievement
	AddedCount   int
}

// Analyzer fetches threads, ranks participants, and records them.
type Analyzer struct {
	hostc   host.Client
	board   *leaderboard.Actor
	engine  *achievements.Engine
	memes   *achievements.TalkingPoints
	kv      *kvstore.Store
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
	ringMu  sync.Mutex
}

// New builds an analyzer. engine and memes may be nil to disable the
// achievement pass (used by some tests).
func New(hostc host.Client, board *leaderboard.Actor, engine *achievements.Engine, memes *achievements.TalkingPoints, kv *kvstore.Store, logger *slog.Logger) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		hostc:  hostc,
		board:  board,
		engine: engine,
		memes:  memes,
		kv:     kv,
		logger: logger.With("component", "analyzer"),
		tracer: otel.Tracer("hubwatch/analyzer"),
		now:    time.Now,
	}
}

// AnalyzeAndRecord analyzes the thread at postURL and records every
// extracted hater against the leaderboard and achievement engine.
func (a *Analyzer) AnalyzeAndRecord(ctx context.Context, postURL, targetCommunity string) (*Result, error) {
	ctx, span := a.tracer.Start(ctx, "analyzer.AnalyzeAndRecord",
		trace.WithAttributes(attribute.String("target", targetCommunity)))
	defer span.End()

	sourceCommunity, postID, err := ParseThreadURL(postURL)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.String("source", sourceCommunity),
		attribute.String("post", postID))

	thread, err := a.hostc.FetchThread(ctx, sourceCommunity, postID)
	if err != nil {
		a.logger.Warn("thread fetch failed", "url", postURL, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}

	flat := flatten(thread.Comments)
	target := datatypes.NormalizeName(targetCommunity)
	haters, targetMentions := rankParticipants(flat, thread.Post.Author, target)

	analysis := &datatypes.ThreadAnalysis{
		Haters:         haters,
		CommentCount:   len(flat),
		TargetMentions: targetMentions,
		PostTitle:      thread.Post.Title,
		PostAuthor:     thread.Post.Author,
		PostScore:      thread.Post.Score,
	}

	result := &Result{Analysis: analysis}
	for i := range haters {
		a.recordHater(ctx, &haters[i], sourceCommunity, thread.Post.Title, result)
	}
	span.SetAttributes(attribute.Int("haters", len(haters)))

	a.appendSnapshot(datatypes.AnalysisSnapshot{
		AnalyzedAt:      a.now().UnixMilli(),
		SourceCommunity: sourceCommunity,
		PostID:          postID,
		PostURL:         postURL,
		Analysis:        analysis,
	})
	return result, nil
}

// recordHater pushes one participant through the leaderboard and
// achievement pass.
func (a *Analyzer) recordHater(ctx context.Context, h *datatypes.Hater, sourceCommunity, postTitle string, result *Result) {
	record := a.board.RecordHater(ctx, sourceCommunity, h.UserName, datatypes.Adversarial, postTitle)
	if !record.UserRecorded {
		return
	}
	result.AddedCount++
	a.board.UpdateFeaturedQuote(h.UserName, h.Quote, h.BestScore, h.QuoteLink)

	if a.engine == nil {
		return
	}

	var repeated, unique []string
	if a.memes != nil {
		var err error
		repeated, unique, err = a.memes.Track(h.UserName, h.Quote)
		if err != nil {
			a.logger.Warn("talking point tracking failed", "user", h.UserName, "error", err)
		}
	}

	entry, ok := a.board.UserEntry(h.UserName)
	if !ok {
		return
	}
	unlocks, err := a.engine.Evaluate(h.UserName, &entry, record.UserRank, achievements.Context{
		IsFirstOffense:  record.UserNew,
		RepeatedMemes:   repeated,
		UniqueMemesUsed: unique,
		HomeSubCount:    len(entry.HomeCommunities),
	})
	if err != nil {
		a.logger.Warn("achievement evaluation failed", "user", h.UserName, "error", err)
		return
	}

	now := a.now().UnixMilli()
	for _, unlock := range unlocks {
		if unlock.IsNew {
			a.board.RecordAchievement(h.UserName, unlock.Definition.ID, unlock.Definition.Tier, now)
		}
	}
	if best := achievements.GetHighestNew(unlocks); best != nil {
		result.Achievements = append(result.Achievements, UserAchievement{
			UserName:    datatypes.NormalizeName(h.UserName),
			Achievement: best.Definition,
		})
	}
}

// =============================================================================
// Flattening and ranking
// =============================================================================

type flatComment struct {
	author    string
	display   string
	body      string
	score     int
	permalink string
}

// flatten walks the comment tree breadth-limited by maxComments and
// maxDepth, dropping deleted and automoderator comments.
func flatten(roots []*host.Comment) []flatComment {
	var out []flatComment
	var walk func(c *host.Comment, depth int)
	walk = func(c *host.Comment, depth int) {
		if c == nil || depth > maxDepth || len(out) >= maxComments {
			return
		}
		author := datatypes.NormalizeName(c.Author)
		if !c.Deleted && author != "" && author != "[deleted]" && author != "automoderator" {
			out = append(out, flatComment{
				author:    author,
				display:   c.Author,
				body:      c.Body,
				score:     c.Score,
				permalink: c.Permalink,
			})
		}
		for _, reply := range c.Replies {
			if len(out) >= maxComments {
				return
			}
			walk(reply, depth+1)
		}
	}
	for _, root := range roots {
		if len(out) >= maxComments {
			break
		}
		walk(root, 0)
	}
	return out
}

// mentionsTarget reports whether the body names the target community,
// bare or with the community prefix.
func mentionsTarget(body, target string) bool {
	lowered := strings.ToLower(body)
	return strings.Contains(lowered, target) || strings.Contains(lowered, "r/"+target)
}

// rankParticipants aggregates comments by author, picks each author's
// best comment, scores them, and returns the top participants sorted by
// (points desc, best score desc).
func rankParticipants(flat []flatComment, postAuthor, target string) ([]datatypes.Hater, int) {
	type best struct {
		comment  flatComment
		mentions bool
	}
	byAuthor := make(map[string]*best)
	targetMentions := 0

	for i := range flat {
		c := flat[i]
		mentions := mentionsTarget(c.body, target)
		if mentions {
			targetMentions++
		}
		cur, ok := byAuthor[c.author]
		if !ok {
			byAuthor[c.author] = &best{comment: c, mentions: mentions}
			continue
		}
		// A target-mentioning comment always beats a non-mentioning one;
		// within the same class the higher score wins.
		switch {
		case mentions && !cur.mentions:
			*cur = best{comment: c, mentions: mentions}
		case mentions == cur.mentions && c.score > cur.comment.score:
			*cur = best{comment: c, mentions: mentions}
		}
	}

	author := datatypes.NormalizeName(postAuthor)
	var haters []datatypes.Hater
	for name, b := range byAuthor {
		if b.comment.score < minBestScore {
			continue
		}
		points := 1
		switch {
		case b.comment.score >= 100:
			points = 3
		case b.comment.score >= 50:
			points = 2
		}
		isPostAuthor := name == author && author != ""
		if isPostAuthor {
			points += 2
		}
		haters = append(haters, datatypes.Hater{
			UserName:     name,
			DisplayName:  b.comment.display,
			Points:       points,
			BestScore:    b.comment.score,
			Quote:        datatypes.Truncate(datatypes.CollapseQuote(b.comment.body), maxQuoteRunes),
			QuoteLink:    b.comment.permalink,
			IsPostAuthor: isPostAuthor,
		})
	}

	sortHaters(haters)
	if len(haters) > maxHaters {
		haters = haters[:maxHaters]
	}
	return haters, targetMentions
}

func sortHaters(haters []datatypes.Hater) {
	sort.Slice(haters, func(i, j int) bool {
		if haters[i].Points != haters[j].Points {
			return haters[i].Points > haters[j].Points
		}
		if haters[i].BestScore != haters[j].BestScore {
			return haters[i].BestScore > haters[j].BestScore
		}
		return haters[i].UserName < haters[j].UserName
	})
}

// =============================================================================
// Analyses ring
// =============================================================================

// analysesDoc is the persisted ring of recent analyses.
type analysesDoc struct {
	SchemaVersion int                          `json:"schemaVersion"`
	UpdatedAt     int64                        `json:"updatedAt"`
	Snapshots     []datatypes.AnalysisSnapshot `json:"snapshots"`
}

func (a *Analyzer) appendSnapshot(snap datatypes.AnalysisSnapshot) {
	a.ringMu.Lock()
	defer a.ringMu.Unlock()

	var doc analysesDoc
	if err := a.kv.GetJSON(analysesDocKey, &doc); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		a.logger.Warn("analyses ring unreadable, starting fresh", "error", err)
	}
	doc.SchemaVersion = 1
	doc.UpdatedAt = a.now().UnixMilli()
	doc.Snapshots = append([]datatypes.AnalysisSnapshot{snap}, doc.Snapshots...)
	if len(doc.Snapshots) > maxSnapshots {
		doc.Snapshots = doc.Snapshots[:maxSnapshots]
	}
	if err := a.kv.SetJSON(analysesDocKey, &doc, 0); err != nil {
		a.logger.Error("analyses ring write failed", "error", err)
	}
}

// RecentAnalyses returns the stored snapshots, newest first.
func (a *Analyzer) RecentAnalyses() []datatypes.AnalysisSnapshot {
	a.ringMu.Lock()
	defer a.ringMu.Unlock()

	var doc analysesDoc
	if err := a.kv.GetJSON(analysesDocKey, &doc); err != nil {
		return nil
	}
	return doc.Snapshots
}
