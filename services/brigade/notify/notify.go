// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package notify holds the scheduled job handlers that talk back to the
// community: the delayed brigade notification comment and the achievement
// announcement.
//
// Both handlers are written for at-least-once delivery. notifyBrigade
// rereads its event and aborts when NotifiedAt is already set, so a
// duplicate delivery produces no second comment, no modmail, and no feed
// event. Every failure before the terminal write leaves the event
// untouched for the next delivery.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/hubwatch/services/brigade/achievements"
	"github.com/AleutianAI/hubwatch/services/brigade/archive"
	"github.com/AleutianAI/hubwatch/services/brigade/config"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/feed"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
)

// Job names registered with the scheduler.
const (
	JobNotifyBrigade   = "notifyBrigade"
	JobPostAchievement = "postAchievement"
)

var (
	notificationsPosted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hubwatch_notifications_total",
		Help: "Brigade notification outcomes.",
	}, []string{"outcome"})
	achievementsPosted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubwatch_achievement_comments_total",
		Help: "Achievement announcement comments posted.",
	})
)

// AchievementPayload is the postAchievement job payload.
type AchievementPayload struct {
	EventID       string `json:"eventId"`
	UserName      string `json:"userName"`
	AchievementID string `json:"achievementId"`
}

// Notifier implements the notifyBrigade and postAchievement handlers.
type Notifier struct {
	settings config.Settings
	hostc    host.Client
	arch     *archive.Client
	idem     *idempotency.Store
	feed     *feed.Actor
	engine   *achievements.Engine
	logger   *slog.Logger
	now      func() time.Time
}

// New builds a notifier. arch may be nil when deleted-content checks are
// disabled; engine may be nil when achievements are disabled.
func New(settings config.Settings, hostc host.Client, arch *archive.Client, idem *idempotency.Store, feedActor *feed.Actor, engine *achievements.Engine, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		settings: settings,
		hostc:    hostc,
		arch:     arch,
		idem:     idem,
		feed:     feedActor,
		engine:   engine,
		logger:   logger.With("component", "notify"),
		now:      time.Now,
	}
}

// NotifyBrigade is the delayed notification handler. Payload is the
// brigade event id.
func (n *Notifier) NotifyBrigade(ctx context.Context, payload []byte) error {
	eventID := string(payload)
	if eventID == "" {
		return fmt.Errorf("notify: empty event id payload")
	}
	logger := n.logger.With("event", eventID)

	// Reread the durable record. Absence means TTL cancellation.
	event, err := n.idem.GetEvent(eventID)
	if errors.Is(err, idempotency.ErrEventNotFound) {
		logger.Info("event expired before notification")
		notificationsPosted.WithLabelValues("expired").Inc()
		return nil
	}
	if err != nil {
		return err
	}
	if event.Notified() {
		notificationsPosted.WithLabelValues("duplicate").Inc()
		return nil
	}

	community := datatypes.NormalizeName(n.settings.Community)
	allowed, _, _, err := n.idem.RateLimit(idempotency.BucketSubComment, community)
	if err != nil {
		return err
	}
	if !allowed {
		// Rate-limited notifications are dropped, not retried: the
		// event stays un-notified and the job is done.
		logger.Info("comment budget exhausted, dropping notification")
		notificationsPosted.WithLabelValues("ratelimited").Inc()
		return nil
	}

	post, err := n.hostc.GetPost(ctx, event.TargetPostID)
	if err != nil {
		if errors.Is(err, host.ErrNotFound) {
			logger.Info("target post gone, dropping notification")
			notificationsPosted.WithLabelValues("post_gone").Inc()
			return nil
		}
		return fmt.Errorf("load target post: %w", err)
	}

	deletedCount := 0
	if n.settings.IncludeDeletedContent && n.arch != nil {
		since := time.UnixMilli(event.DetectedAt).Add(-time.Hour)
		count, err := n.arch.CountDeletedComments(ctx, event.TargetPostID, since)
		if err != nil {
			logger.Warn("deleted content check failed", "error", err)
		} else {
			deletedCount = count
		}
	}

	if n.settings.PublicComment {
		body := n.commentBody(event)
		commentID, err := n.hostc.SubmitComment(ctx, post.ID, body)
		if err != nil {
			return fmt.Errorf("submit comment: %w", err)
		}
		if n.settings.StickyComment {
			if err := n.hostc.DistinguishComment(ctx, commentID, true); err != nil {
				// Non-mod accounts cannot sticky; the comment stands.
				if !errors.Is(err, host.ErrPermissionDenied) {
					logger.Warn("distinguish failed", "error", err)
				}
			}
		}
	}

	if n.settings.ModmailNotify && event.Classification.Hostile() {
		if err := n.hostc.SendModmail(ctx, "Brigade alert: "+event.SourceCommunity, n.modmailBody(event, deletedCount)); err != nil {
			logger.Warn("modmail failed", "error", err)
		}
	}

	// Terminal write: from here the event is immutable.
	event.NotifiedAt = n.now().UnixMilli()
	if err := n.idem.PutEvent(event, idempotency.EventTTL); err != nil {
		return fmt.Errorf("persist notified event: %w", err)
	}
	if err := n.idem.MarkNotified(event.ID); err != nil {
		logger.Warn("notified marker write failed", "error", err)
	}
	if err := n.idem.Consume(idempotency.BucketSubComment, community); err != nil {
		logger.Warn("comment budget consume failed", "error", err)
	}

	haterCount := 0
	if event.Analysis != nil {
		haterCount = len(event.Analysis.Haters)
	}
	n.feed.Emit(datatypes.EventBrigadeAlert, datatypes.BrigadeAlertPayload{
		TargetPostID:    event.TargetPostID,
		SourceCommunity: event.SourceCommunity,
		SourcePostURL:   event.SourcePostURL,
		Classification:  event.Classification,
		HaterCount:      haterCount,
	}, 0)
	notificationsPosted.WithLabelValues("posted").Inc()
	logger.Info("brigade notification posted",
		"source", event.SourceCommunity, "classification", event.Classification.String())
	return nil
}

// PostAchievement is the achievement announcement handler. Payload is an
// AchievementPayload JSON document.
func (n *Notifier) PostAchievement(ctx context.Context, payload []byte) error {
	var p AchievementPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("notify: bad achievement payload: %w", err)
	}
	if p.EventID == "" || p.UserName == "" || p.AchievementID == "" {
		return fmt.Errorf("notify: incomplete achievement payload")
	}
	if n.engine == nil || !n.settings.EnableAchievements {
		return nil
	}
	logger := n.logger.With("event", p.EventID, "user", p.UserName)

	// The announcement rides on the brigade event's target post; if the
	// event expired there is nowhere to post.
	event, err := n.idem.GetEvent(p.EventID)
	if errors.Is(err, idempotency.ErrEventNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	record, err := n.engine.Record(p.UserName)
	if err != nil {
		return err
	}
	if _, done := record.Notified[p.AchievementID]; done {
		return nil // duplicate delivery
	}

	def := findDefinition(p.AchievementID)
	if def == nil {
		logger.Warn("unknown achievement id in payload", "achievement", p.AchievementID)
		return nil
	}

	allowed, _, _, err := n.idem.RateLimit(idempotency.BucketUserComment, p.UserName)
	if err != nil {
		return err
	}
	if !allowed {
		return nil
	}

	body := fmt.Sprintf("Achievement unlocked: u/%s earned **%s** (%s tier).",
		p.UserName, def.Name, def.Tier.String())
	if _, err := n.hostc.SubmitComment(ctx, event.TargetPostID, body); err != nil {
		return fmt.Errorf("submit achievement comment: %w", err)
	}

	if err := n.engine.MarkNotified(p.UserName, p.AchievementID); err != nil {
		return err
	}
	if err := n.idem.Consume(idempotency.BucketUserComment, p.UserName); err != nil {
		logger.Warn("user comment budget consume failed", "error", err)
	}
	achievementsPosted.Inc()
	logger.Info("achievement announced", "achievement", p.AchievementID)
	return nil
}

func findDefinition(id string) *datatypes.AchievementDefinition {
	for i := range achievements.Definitions {
		if achievements.Definitions[i].ID == id {
			return &achievements.Definitions[i]
		}
	}
	return nil
}

// =============================================================================
// Comment bodies
// =============================================================================

// commentBody picks the rich sticky variant when the analysis extracted
// haters, the generic per-classification notice otherwise.
func (n *Notifier) commentBody(event *datatypes.BrigadeEvent) string {
	if event.Analysis != nil && len(event.Analysis.Haters) > 0 {
		return n.richBody(event)
	}
	return n.genericBody(event)
}

func (n *Notifier) genericBody(event *datatypes.BrigadeEvent) string {
	var b strings.Builder
	switch event.Classification {
	case datatypes.Hateful:
		b.WriteString("Heads up: this post is being linked from another community with openly hostile framing.\n\n")
	case datatypes.Adversarial:
		b.WriteString("Heads up: this post is being discussed critically in another community.\n\n")
	default:
		b.WriteString("This post has been linked from another community.\n\n")
	}
	fmt.Fprintf(&b, "Source: r/%s\n\n", event.SourceCommunity)
	fmt.Fprintf(&b, "Link: %s\n", event.SourcePostURL)
	return b.String()
}

func (n *Notifier) richBody(event *datatypes.BrigadeEvent) string {
	analysis := event.Analysis
	var b strings.Builder
	fmt.Fprintf(&b, "This post is being brigaded from r/%s (%d comments, %d mentioning us).\n\n",
		event.SourceCommunity, analysis.CommentCount, analysis.TargetMentions)

	b.WriteString("| Participant | Points | Top comment |\n|---|---|---|\n")
	shown := analysis.Haters
	if len(shown) > 10 {
		shown = shown[:10]
	}
	for _, h := range shown {
		quote := datatypes.Truncate(h.Quote, 120)
		fmt.Fprintf(&b, "| u/%s | %d | %s |\n", h.UserName, h.Points, quote)
	}
	b.WriteString("\nSee the full leaderboard on the community hub.\n")
	return b.String()
}

func (n *Notifier) modmailBody(event *datatypes.BrigadeEvent, deletedCount int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Cross-community link detected.\n\nSource: r/%s\nTitle: %s\nLink: %s\nClassification: %s\n",
		event.SourceCommunity, event.SourcePostTitle, event.SourcePostURL, event.Classification.String())
	if deletedCount >= n.settings.DeletedContentThreshold && n.settings.DeletedContentThreshold > 0 {
		fmt.Fprintf(&b, "\nDeleted comments since detection: %d\n", deletedCount)
	}
	return b.String()
}
