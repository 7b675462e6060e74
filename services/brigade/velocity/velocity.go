// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package velocity detects comment-velocity spikes on individual posts.
//
// Every comment event appends a timestamp to the post's sliding series
// (bounded in time, not count). When the five-minute count crosses the
// configured threshold, the detector fires at most one alert per post per
// hour: a modmail to the community inbox and a TrafficSpike feed event.
package velocity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/feed"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

const (
	// seriesWindow bounds how far back timestamps are kept.
	seriesWindow = time.Hour

	// seriesTTL is the storage lifetime of a velocity series.
	seriesTTL = 2 * time.Hour

	// spikeWindow is the detection window.
	spikeWindow = 5 * time.Minute

	// alertCooldown is the at-most-one-alert window per post.
	alertCooldown = time.Hour
)

var (
	commentsObserved = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubwatch_velocity_comments_total",
		Help: "Comment events observed by the velocity detector.",
	})
	spikesFired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hubwatch_velocity_spikes_total",
		Help: "Traffic spike alerts fired.",
	})
)

// series is the persisted per-post velocity record.
type series struct {
	SchemaVersion int     `json:"schemaVersion"`
	Timestamps    []int64 `json:"timestamps"`
}

// Detector watches per-post comment velocity.
//
// Thread Safety: safe for concurrent use; the alert marker makes the
// fire-once decision atomic even when two comment events race.
type Detector struct {
	kv        *kvstore.Store
	hostc     host.Client
	feed      *feed.Actor
	threshold int
	logger    *slog.Logger
	now       func() time.Time
}

// NewDetector builds a detector. hostc and feedActor may be nil in tests;
// the corresponding alert channel is then skipped.
func NewDetector(kv *kvstore.Store, hostc host.Client, feedActor *feed.Actor, threshold int, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		kv:        kv,
		hostc:     hostc,
		feed:      feedActor,
		threshold: threshold,
		logger:    logger.With("component", "velocity"),
		now:       time.Now,
	}
}

// OnComment records one comment event for the post and fires a spike
// alert when the rolling five-minute count reaches the threshold.
//
// Deletion of the post is tolerated: the alert goes out without a title.
func (d *Detector) OnComment(ctx context.Context, postID string) error {
	commentsObserved.Inc()
	now := d.now()

	count5, err := d.recordTimestamp(postID, now)
	if err != nil {
		return err
	}
	if count5 < d.threshold {
		return nil
	}

	first, err := d.kv.SetMarkerNX("brigade:spikeAlert:"+postID, alertCooldown)
	if err != nil {
		return fmt.Errorf("spike alert marker: %w", err)
	}
	if !first {
		return nil // already alerted within the hour
	}

	spikesFired.Inc()
	title := d.lookupTitle(ctx, postID)
	d.logger.Info("traffic spike detected",
		"post", postID, "count5m", count5, "threshold", d.threshold)

	if d.hostc != nil {
		body := fmt.Sprintf(
			"Unusual comment activity detected on post %s.\n\nComments in last 5 min: %d (threshold: %d)",
			postID, count5, d.threshold)
		if title != "" {
			body = fmt.Sprintf("Unusual comment activity detected on %q (%s).\n\nComments in last 5 min: %d (threshold: %d)",
				title, postID, count5, d.threshold)
		}
		if err := d.hostc.SendModmail(ctx, "Traffic spike alert", body); err != nil {
			d.logger.Warn("spike modmail failed", "post", postID, "error", err)
		}
	}

	if d.feed != nil {
		d.feed.Emit(datatypes.EventTrafficSpike, datatypes.TrafficSpikePayload{
			PostID:           postID,
			Title:            title,
			WindowMinutes:    int(spikeWindow.Minutes()),
			CommentsInWindow: count5,
			Threshold:        d.threshold,
		}, 0)
	}
	return nil
}

// recordTimestamp appends now to the post's series, prunes entries older
// than an hour, persists, and returns the five-minute count.
func (d *Detector) recordTimestamp(postID string, now time.Time) (int, error) {
	key := "brigade:velocity:" + postID

	var record series
	if err := d.kv.GetJSON(key, &record); err != nil && !errors.Is(err, kvstore.ErrNotFound) {
		return 0, fmt.Errorf("read velocity series: %w", err)
	}
	record.SchemaVersion = 1

	cutoff := now.Add(-seriesWindow).UnixMilli()
	kept := record.Timestamps[:0]
	for _, ts := range record.Timestamps {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	record.Timestamps = append(kept, now.UnixMilli())

	if err := d.kv.SetJSON(key, &record, seriesTTL); err != nil {
		return 0, fmt.Errorf("write velocity series: %w", err)
	}

	recent := now.Add(-spikeWindow).UnixMilli()
	count5 := 0
	for _, ts := range record.Timestamps {
		if ts > recent {
			count5++
		}
	}
	return count5, nil
}

func (d *Detector) lookupTitle(ctx context.Context, postID string) string {
	if d.hostc == nil {
		return ""
	}
	post, err := d.hostc.GetPost(ctx, postID)
	if err != nil {
		return ""
	}
	return post.Title
}
