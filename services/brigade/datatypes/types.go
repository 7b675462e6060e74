// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package datatypes defines the entities shared across the brigade
// detection pipeline: discovered candidates, brigade events, leaderboard
// documents, achievement records, and hub feed events.
//
// All durable documents use int64 Unix-millisecond timestamps and carry a
// schema_version field so the document stores can migrate forward on read.
// Names (users and communities) are normalized to lower case at the
// boundary; the original casing is preserved in display fields.
package datatypes

import (
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Classification
// =============================================================================

// Classification is the tone label attached to a discovered cross-link.
//
// The values are totally ordered by severity: Friendly < Neutral <
// Adversarial < Hateful. Only Adversarial and Hateful count toward
// leaderboard scores.
type Classification int

const (
	Friendly Classification = iota
	Neutral
	Adversarial
	Hateful
)

// String returns the canonical single-word form used in prompts,
// persisted documents, and comment templates.
func (c Classification) String() string {
	switch c {
	case Friendly:
		return "Friendly"
	case Neutral:
		return "Neutral"
	case Adversarial:
		return "Adversarial"
	case Hateful:
		return "Hateful"
	default:
		return "Neutral"
	}
}

// Hostile reports whether the classification counts toward leaderboard
// scores (Adversarial or worse).
func (c Classification) Hostile() bool {
	return c >= Adversarial
}

// ParseClassification maps a single-word model reply to a Classification.
//
// Matching is case-insensitive and tolerates surrounding whitespace and
// punctuation. Unrecognized input returns Neutral and ok=false, which is
// the conservative default for every call site.
func ParseClassification(s string) (Classification, bool) {
	switch strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!\"'`")) {
	case "friendly":
		return Friendly, true
	case "neutral":
		return Neutral, true
	case "adversarial":
		return Adversarial, true
	case "hateful":
		return Hateful, true
	default:
		return Neutral, false
	}
}

// MarshalText implements encoding.TextMarshaler so classifications
// serialize as their word form inside JSON documents.
func (c Classification) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Classification) UnmarshalText(b []byte) error {
	parsed, _ := ParseClassification(string(b))
	*c = parsed
	return nil
}

// =============================================================================
// Candidates and Brigade Events
// =============================================================================

// CandidateSource identifies which discovery strategy produced a candidate.
type CandidateSource string

const (
	SourceNative  CandidateSource = "native"
	SourceArchive CandidateSource = "archive"
	SourceAI      CandidateSource = "ai"
)

// UnknownAuthor is the author placeholder on AI-synthesized candidates.
// Candidates carrying it never reach the leaderboard.
const UnknownAuthor = "unknown"

// Candidate is a post discovered in another community that may link back
// to the protected community.
type Candidate struct {
	ID         string          `json:"id"`
	Community  string          `json:"community"`
	Title      string          `json:"title"`
	URL        string          `json:"url"`
	Permalink  string          `json:"permalink"`
	AuthorName string          `json:"authorName"`
	CreatedAt  int64           `json:"createdAt"`
	Source     CandidateSource `json:"source"`
}

// BrigadeEvent is the durable record of one detected cross-link.
//
// An event is immutable once NotifiedAt is set; the notifier is the only
// writer of that field and rereads the record before every mutation.
type BrigadeEvent struct {
	SchemaVersion   int             `json:"schemaVersion"`
	ID              string          `json:"id"`
	TargetPostID    string          `json:"targetPostId"`
	SourceCommunity string          `json:"sourceCommunity"`
	SourcePostURL   string          `json:"sourcePostUrl"`
	SourcePostTitle string          `json:"sourcePostTitle"`
	DetectedAt      int64           `json:"detectedAt"`
	NotifiedAt      int64           `json:"notifiedAt,omitempty"`
	Classification  Classification  `json:"classification"`
	Analysis        *ThreadAnalysis `json:"analysis,omitempty"`
}

// Notified reports whether the notify handler already ran to completion
// for this event.
func (e *BrigadeEvent) Notified() bool {
	return e.NotifiedAt != 0
}

// EventID derives the brigade event identity from the source post and the
// parsed target post. Stable across rediscovery of the same link.
func EventID(sourcePostID, targetPostID string) string {
	return sourcePostID + "-" + targetPostID
}

// =============================================================================
// Leaderboard documents
// =============================================================================

// LeaderboardSchemaVersion is the current leaderboard document schema.
const LeaderboardSchemaVersion = 2

// CommunityEntry is the per-source-community register.
type CommunityEntry struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName,omitempty"`
	HostileLinks     int      `json:"hostileLinks"`
	AdversarialCount int      `json:"adversarialCount"`
	HatefulCount     int      `json:"hatefulCount"`
	LastSeen         int64    `json:"lastSeen"`
	WorstTitle       string   `json:"worstTitle,omitempty"`
	KnownAlts        []string `json:"knownAlts,omitempty"`
	IsAltOf          string   `json:"isAltOf,omitempty"`
}

// Score is the community ranking formula: adversarial + 3*hateful.
func (e *CommunityEntry) Score() float64 {
	return float64(e.AdversarialCount) + 3*float64(e.HatefulCount)
}

// UserEntry is the per-user register. It extends the community fields
// with moderation history, featured quote, behavioral enrichment, and the
// achievement rollup.
type UserEntry struct {
	Name             string   `json:"name"`
	DisplayName      string   `json:"displayName,omitempty"`
	HostileLinks     int      `json:"hostileLinks"`
	AdversarialCount int      `json:"adversarialCount"`
	HatefulCount     int      `json:"hatefulCount"`
	LastSeen         int64    `json:"lastSeen"`
	WorstTitle       string   `json:"worstTitle,omitempty"`
	KnownAlts        []string `json:"knownAlts,omitempty"`
	IsAltOf          string   `json:"isAltOf,omitempty"`

	ModLogSpamCount     int      `json:"modLogSpamCount"`
	TributeRequestCount int      `json:"tributeRequestCount"`
	HomeCommunities     []string `json:"homeCommunities,omitempty"`

	FeaturedQuote      string `json:"featuredQuote,omitempty"`
	FeaturedQuoteScore int    `json:"featuredQuoteScore,omitempty"`
	FeaturedQuoteLink  string `json:"featuredQuoteLink,omitempty"`

	FlaggedContentCount   int    `json:"flaggedContentCount,omitempty"`
	BehavioralProfile     string `json:"behavioralProfile,omitempty"`
	EngagementStyle       string `json:"engagementStyle,omitempty"`
	BehaviorSummary       string `json:"behaviorSummary,omitempty"`
	DeletedContentSummary string `json:"deletedContentSummary,omitempty"`
	OSINTEnrichedAt       int64  `json:"osintEnrichedAt,omitempty"`

	UnlockedAchievements map[string]int64 `json:"unlockedAchievements,omitempty"`
	AchievementXP        int              `json:"achievementXP,omitempty"`
	HighestTier          Tier             `json:"highestTier,omitempty"`
}

// Score is the user ranking formula:
//
//	adversarial + 3*hateful + 2*modLogSpam + 2*flaggedContent + 0.5*tributes
func (e *UserEntry) Score() float64 {
	return float64(e.AdversarialCount) +
		3*float64(e.HatefulCount) +
		2*float64(e.ModLogSpamCount) +
		2*float64(e.FlaggedContentCount) +
		0.5*float64(e.TributeRequestCount)
}

// RankedName is a projection of an entry into the top lists.
type RankedName struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// Leaderboard is the durable per-community document holding both
// registers, the alt maps, and the cached top-10 projections.
//
// Invariants maintained by the leaderboard actor:
//   - an entry with IsAltOf set never appears in a top list;
//   - alt maps are 1-hop (no alt points at another alt);
//   - a name is either a main or an alt, never both.
type Leaderboard struct {
	SchemaVersion     int                        `json:"schemaVersion"`
	UpdatedAt         int64                      `json:"updatedAt"`
	TotalHostileLinks int                        `json:"totalHostileLinks"`
	Communities       map[string]*CommunityEntry `json:"communities"`
	Users             map[string]*UserEntry      `json:"users"`
	CommunityAltMap   map[string]string          `json:"communityAltMap,omitempty"`
	UserAltMap        map[string]string          `json:"userAltMap,omitempty"`
	TopCommunities    []RankedName               `json:"topCommunities,omitempty"`
	TopUsers          []RankedName               `json:"topUsers,omitempty"`
}

// NewLeaderboard returns an empty document at the current schema version.
func NewLeaderboard() *Leaderboard {
	return &Leaderboard{
		SchemaVersion:   LeaderboardSchemaVersion,
		Communities:     make(map[string]*CommunityEntry),
		Users:           make(map[string]*UserEntry),
		CommunityAltMap: make(map[string]string),
		UserAltMap:      make(map[string]string),
	}
}

// =============================================================================
// Achievements
// =============================================================================

// Tier is the achievement tier ladder. Ordered Bronze < Silver < Gold <
// Platinum < Diamond.
type Tier int

const (
	TierNone Tier = iota
	TierBronze
	TierSilver
	TierGold
	TierPlatinum
	TierDiamond
)

// String returns the display name of the tier.
func (t Tier) String() string {
	switch t {
	case TierBronze:
		return "Bronze"
	case TierSilver:
		return "Silver"
	case TierGold:
		return "Gold"
	case TierPlatinum:
		return "Platinum"
	case TierDiamond:
		return "Diamond"
	default:
		return "None"
	}
}

// XPBonus returns the XP award for unlocking an achievement of this tier.
func (t Tier) XPBonus() int {
	switch t {
	case TierBronze:
		return 2
	case TierSilver:
		return 5
	case TierGold:
		return 10
	case TierPlatinum:
		return 20
	case TierDiamond:
		return 50
	default:
		return 0
	}
}

// SpecialCondition is the closed tag set for non-threshold achievements.
type SpecialCondition string

const (
	SpecialFirstOffense   SpecialCondition = "first-offense"
	SpecialAltExposed     SpecialCondition = "alt-exposed"
	SpecialMemeRepeater   SpecialCondition = "meme-repeater"
	SpecialStreak         SpecialCondition = "streak"
	SpecialDramaticExit   SpecialCondition = "dramatic-exit"
	SpecialSerialFarewell SpecialCondition = "serial-farewell"
	SpecialLurkerLeaver   SpecialCondition = "lurker-leaver"
	SpecialHostileTone    SpecialCondition = "hostile-tone"
	SpecialMultiHome      SpecialCondition = "multi-home"
	SpecialDeletedContent SpecialCondition = "deleted-content"
	SpecialTrollingRisk   SpecialCondition = "trolling-risk"
	SpecialDeception      SpecialCondition = "deception"
	SpecialMemeVariety    SpecialCondition = "meme-variety"
)

// AchievementDefinition is one row of the static achievement table.
//
// Exactly one of ScoreThreshold, RankThreshold, or Special is meaningful;
// zero values mean "not applicable".
type AchievementDefinition struct {
	ID             string
	Name           string
	Tier           Tier
	ScoreThreshold float64
	RankThreshold  int
	Special        SpecialCondition
	Repeatable     bool
}

// AchievementRecord is the durable per-user unlock state.
//
// Unlocked is append-only; Notified is a subset of Unlocked plus pending
// notifications. LastNotificationAt is shared across achievements: one
// notification window per user, regardless of which achievement fired.
type AchievementRecord struct {
	SchemaVersion      int              `json:"schemaVersion"`
	UserName           string           `json:"userName"`
	Unlocked           map[string]int64 `json:"unlocked,omitempty"`
	Notified           map[string]int64 `json:"notified,omitempty"`
	LastAchievementAt  int64            `json:"lastAchievementAt,omitempty"`
	LastNotificationAt int64            `json:"lastNotificationAt,omitempty"`
	TotalAchievements  int              `json:"totalAchievements"`
	HighestTier        Tier             `json:"highestTier"`
}

// NewAchievementRecord returns an empty record for the named user.
func NewAchievementRecord(user string) *AchievementRecord {
	return &AchievementRecord{
		SchemaVersion: 1,
		UserName:      NormalizeName(user),
		Unlocked:      make(map[string]int64),
		Notified:      make(map[string]int64),
	}
}

// TalkingPoint tracks one recurring meme/talking point for a user.
type TalkingPoint struct {
	Count    int      `json:"count"`
	LastSeen int64    `json:"lastSeen"`
	Examples []string `json:"examples,omitempty"` // at most 3 kept
}

// TalkingPointDetection is the durable per-user talking point record.
type TalkingPointDetection struct {
	SchemaVersion int                      `json:"schemaVersion"`
	UserName      string                   `json:"userName"`
	Points        map[string]*TalkingPoint `json:"points,omitempty"`
}

// =============================================================================
// Thread analysis
// =============================================================================

// Hater is one ranked participant extracted from an analyzed thread.
type Hater struct {
	UserName     string `json:"userName"`
	DisplayName  string `json:"displayName,omitempty"`
	Points       int    `json:"points"`
	BestScore    int    `json:"bestScore"`
	Quote        string `json:"quote"`
	QuoteLink    string `json:"quoteLink,omitempty"`
	IsPostAuthor bool   `json:"isPostAuthor,omitempty"`
}

// ThreadAnalysis is the analysis payload attached to a brigade event.
type ThreadAnalysis struct {
	Haters         []Hater `json:"haters,omitempty"`
	CommentCount   int     `json:"commentCount"`
	TargetMentions int     `json:"targetMentions"`
	PostTitle      string  `json:"postTitle,omitempty"`
	PostAuthor     string  `json:"postAuthor,omitempty"`
	PostScore      int     `json:"postScore,omitempty"`
}

// AnalysisSnapshot is one entry of the durable analyses ring.
type AnalysisSnapshot struct {
	AnalyzedAt      int64           `json:"analyzedAt"`
	SourceCommunity string          `json:"sourceCommunity"`
	PostID          string          `json:"postId"`
	PostURL         string          `json:"postUrl"`
	Analysis        *ThreadAnalysis `json:"analysis"`
}

// =============================================================================
// Hub feed events
// =============================================================================

// HubEventType tags the discriminated HubEvent union.
type HubEventType string

const (
	EventBrigadeAlert         HubEventType = "BrigadeAlert"
	EventTrafficSpike         HubEventType = "TrafficSpike"
	EventFarewellAnnouncement HubEventType = "FarewellAnnouncement"
	EventHaikuDetection       HubEventType = "HaikuDetection"
	EventCommunityEvent       HubEventType = "CommunityEvent"
	EventSystem               HubEventType = "System"
)

// BrigadeAlertPayload is the HubEvent payload for a notified brigade.
type BrigadeAlertPayload struct {
	TargetPostID    string         `json:"targetPostId"`
	SourceCommunity string         `json:"sourceCommunity"`
	SourcePostURL   string         `json:"sourcePostUrl"`
	Classification  Classification `json:"classification"`
	HaterCount      int            `json:"haterCount,omitempty"`
}

// TrafficSpikePayload is the HubEvent payload for a comment-velocity spike.
type TrafficSpikePayload struct {
	PostID           string `json:"postId"`
	Title            string `json:"title,omitempty"`
	WindowMinutes    int    `json:"windowMinutes"`
	CommentsInWindow int    `json:"commentsInWindow"`
	Threshold        int    `json:"threshold"`
}

// HubEvent is one entry of the shared event feed ring. Payload holds the
// type-specific struct; consumers switch on Type before decoding.
type HubEvent struct {
	ID        string       `json:"id"`
	Type      HubEventType `json:"type"`
	CreatedAt int64        `json:"createdAt"`
	ExpiresAt int64        `json:"expiresAt"`
	Community string       `json:"community"`
	SourceApp string       `json:"sourceApp"`
	Payload   any          `json:"payload,omitempty"`
}

// Expired reports whether the event is past its TTL at the given time.
func (e *HubEvent) Expired(now time.Time) bool {
	return e.ExpiresAt != 0 && now.UnixMilli() > e.ExpiresAt
}

// =============================================================================
// Helpers
// =============================================================================

// NormalizeName lower-cases a user or community name and strips the
// common "u/" and "r/" prefixes. Display casing is kept separately.
func NormalizeName(name string) string {
	name = strings.TrimSpace(name)
	for _, prefix := range []string{"u/", "r/", "/u/", "/r/"} {
		if strings.HasPrefix(strings.ToLower(name), prefix) {
			name = name[len(prefix):]
			break
		}
	}
	return strings.ToLower(name)
}

// Truncate cuts s to at most max runes, appending an ellipsis when it cut
// anything. Used for worst titles (100) and featured quotes (400).
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	if max <= 1 {
		return string(r[:max])
	}
	return string(r[:max-1]) + "…"
}

// CollapseQuote flattens a comment body into a single-line quote: drops
// markdown quote lines (">"), collapses all whitespace runs, and trims.
func CollapseQuote(body string) string {
	var kept []string
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, ">") {
			continue
		}
		kept = append(kept, trimmed)
	}
	return strings.Join(strings.Fields(strings.Join(kept, " ")), " ")
}

// FormatScore renders a score without a trailing ".0" for whole values.
func FormatScore(score float64) string {
	if score == float64(int64(score)) {
		return fmt.Sprintf("%d", int64(score))
	}
	return fmt.Sprintf("%.1f", score)
}
