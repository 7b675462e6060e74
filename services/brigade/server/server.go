// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package server exposes the HTTP API: leaderboard and feed queries,
// recent thread analyses, Prometheus metrics, a websocket stream of live
// feed events, and the small moderation write surface (opt-out, alt
// registration, tribute and comment webhooks).
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/hubwatch/services/brigade/analyzer"
	"github.com/AleutianAI/hubwatch/services/brigade/classify"
	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/feed"
	"github.com/AleutianAI/hubwatch/services/brigade/idempotency"
	"github.com/AleutianAI/hubwatch/services/brigade/leaderboard"
	"github.com/AleutianAI/hubwatch/services/brigade/velocity"
)

// writeWait bounds a single websocket write before the client is
// considered stuck.
const writeWait = 10 * time.Second

// Server is the HTTP read API.
type Server struct {
	community   string
	board       *leaderboard.Actor
	feed        *feed.Actor
	analyze     *analyzer.Analyzer
	detector    *velocity.Detector
	communities *classify.CommunityClassifier
	idem        *idempotency.Store
	logger      *slog.Logger
	upgrader    websocket.Upgrader

	http *http.Server
}

// New builds the server for one home community. analyze, detector,
// communities, and idem may be nil; the affected routes then return an
// empty list or report the feature disabled.
func New(addr, community string, board *leaderboard.Actor, feedActor *feed.Actor, analyze *analyzer.Analyzer, detector *velocity.Detector, communities *classify.CommunityClassifier, idem *idempotency.Store, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		community:   datatypes.NormalizeName(community),
		board:       board,
		feed:        feedActor,
		analyze:     analyze,
		detector:    detector,
		communities: communities,
		idem:        idem,
		logger:      logger.With("component", "server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The hub UI is served from another origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Routes builds the gin engine. Exposed for httptest.
func (s *Server) Routes() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/health", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/v1")
	{
		v1.GET("/leaderboard", s.handleLeaderboard)
		v1.POST("/leaderboard/optout", s.handleOptOut)
		v1.POST("/leaderboard/alts", s.handleRegisterAlt)
		v1.POST("/events/tribute", s.handleTributeEvent)
		v1.GET("/feed", s.handleFeed)
		v1.GET("/feed/stream", s.handleFeedStream)
		v1.GET("/feed/:type", s.handleFeedByType)
		v1.GET("/analyses", s.handleAnalyses)
		v1.GET("/communities/:name/classification", s.handleCommunityClassification)
		v1.POST("/events/comment", s.handleCommentEvent)
	}
	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("http api listening", "addr", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleLeaderboard(c *gin.Context) {
	c.JSON(http.StatusOK, s.board.Snapshot())
}

// handleOptOut excludes a user from the rankings on their request. The
// moderation surface calls this; the entry's history is preserved.
func (s *Server) handleOptOut(c *gin.Context) {
	var body struct {
		User string `json:"user" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}
	if err := s.board.OptOut(c.Request.Context(), body.User); err != nil {
		s.logger.Error("opt out failed", "user", body.User, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "opted out"})
}

func (s *Server) handleFeed(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = parsed
	}
	events := s.feed.GetRecent(limit)
	if events == nil {
		events = []datatypes.HubEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleFeedByType(c *gin.Context) {
	events := s.feed.GetByType(datatypes.HubEventType(c.Param("type")))
	if events == nil {
		events = []datatypes.HubEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

func (s *Server) handleAnalyses(c *gin.Context) {
	var analyses []datatypes.AnalysisSnapshot
	if s.analyze != nil {
		analyses = s.analyze.RecentAnalyses()
	}
	if analyses == nil {
		analyses = []datatypes.AnalysisSnapshot{}
	}
	c.JSON(http.StatusOK, gin.H{"analyses": analyses})
}

// handleRegisterAlt links an alt account (or sister community) to its
// main after a moderator confirms the report. Conflicting registrations
// surface as 409 so the moderation surface can explain the rejection. A
// per-community report budget caps how many registrations land per day.
func (s *Server) handleRegisterAlt(c *gin.Context) {
	var body struct {
		Kind string `json:"kind"`
		Alt  string `json:"alt" binding:"required"`
		Main string `json:"main" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "alt and main are required"})
		return
	}
	if s.idem != nil {
		allowed, _, _, err := s.idem.RateLimit(idempotency.BucketAltReport, s.community)
		if err != nil {
			s.logger.Error("alt report budget check failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		if !allowed {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "alt report budget exhausted for today"})
			return
		}
	}
	kind := leaderboard.AltUser
	if body.Kind == "community" {
		kind = leaderboard.AltCommunity
	}
	if err := s.board.RegisterAlt(kind, body.Alt, body.Main); err != nil {
		if errors.Is(err, leaderboard.ErrConflictingAlt) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		s.logger.Error("alt registration failed", "alt", body.Alt, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if s.idem != nil {
		if err := s.idem.Consume(idempotency.BucketAltReport, s.community); err != nil {
			s.logger.Warn("alt report budget consume failed", "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "registered"})
}

// handleTributeEvent records a tribute demand against a user. The per
// user budget (one per day) absorbs repeated reports of the same demand;
// the per-community budget bounds the daily total.
func (s *Server) handleTributeEvent(c *gin.Context) {
	if s.idem == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "tribute tracking disabled"})
		return
	}
	var body struct {
		User string `json:"user" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user is required"})
		return
	}
	user := datatypes.NormalizeName(body.User)
	allowed, _, _, err := s.idem.RateLimit(idempotency.BucketUserTribute, user)
	if err != nil {
		s.logger.Error("tribute budget check failed", "user", user, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !allowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "tribute already recorded today"})
		return
	}
	subAllowed, _, _, err := s.idem.RateLimit(idempotency.BucketSubTribute, s.community)
	if err != nil {
		s.logger.Error("tribute budget check failed", "community", s.community, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	if !subAllowed {
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "community tribute budget exhausted for today"})
		return
	}
	s.board.RecordTribute(body.User)
	if err := s.idem.Consume(idempotency.BucketUserTribute, user); err != nil {
		s.logger.Warn("tribute budget consume failed", "user", user, "error", err)
	}
	if err := s.idem.Consume(idempotency.BucketSubTribute, s.community); err != nil {
		s.logger.Warn("tribute budget consume failed", "community", s.community, "error", err)
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// handleCommunityClassification labels a source community. Moderator
// override lists win over cached or AI-produced labels.
func (s *Server) handleCommunityClassification(c *gin.Context) {
	if s.communities == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "community classification disabled"})
		return
	}
	name := datatypes.NormalizeName(c.Param("name"))
	tone := s.communities.Classify(c.Request.Context(), name)
	c.JSON(http.StatusOK, gin.H{
		"community":      name,
		"classification": tone.String(),
	})
}

// handleCommentEvent is the webhook the platform adapter calls for every
// new comment on a tracked post. It feeds the velocity detector.
func (s *Server) handleCommentEvent(c *gin.Context) {
	if s.detector == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "traffic spike detection disabled"})
		return
	}
	var body struct {
		PostID string `json:"postId" binding:"required"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "postId is required"})
		return
	}
	if err := s.detector.OnComment(c.Request.Context(), body.PostID); err != nil {
		s.logger.Error("comment event failed", "post", body.PostID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "recorded"})
}

// handleFeedStream upgrades to a websocket and pushes every appended feed
// event. A client that cannot keep up is disconnected rather than allowed
// to stall the feed.
func (s *Server) handleFeedStream(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	events, cancel := s.feed.Subscribe()
	defer cancel()

	// Reader goroutine: only there to surface client disconnects.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-closed:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
