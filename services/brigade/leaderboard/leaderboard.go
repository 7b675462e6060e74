// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package leaderboard maintains the durable hater leaderboard: the
// per-source-community and per-user registers, alt-account consolidation,
// and the cached top-10 projections.
//
// A single actor goroutine owns the document; every mutation is a
// serialized read-modify-write so concurrent handlers cannot lose
// updates. Alt maps are kept 1-hop and acyclic: a name is either a main
// or an alt, never both.
package leaderboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/hubwatch/services/brigade/datatypes"
	"github.com/AleutianAI/hubwatch/services/brigade/host"
	"github.com/AleutianAI/hubwatch/services/brigade/storage/kvstore"
)

// ErrConflictingAlt is returned by RegisterAlt for self-links and
// alt-of-alt chains. The document is not mutated.
var ErrConflictingAlt = errors.New("leaderboard: conflicting alt registration")

const (
	docKey = "doc:hater-leaderboard"

	// Wiki pages mirrored to the host platform so moderators can read
	// them in place.
	leaderboardPage = "hub-bot-9000/hater-leaderboard"
	optOutPage      = "hub-bot-9000/opt-out"

	// topN bounds the cached ranking projections.
	topN = 10

	// modLogWindow is how far back the moderation log is consulted when
	// recomputing a user's spam count.
	modLogWindow = 30 * 24 * time.Hour
)

// AltKind selects which register an alt registration touches.
type AltKind int

const (
	AltUser AltKind = iota
	AltCommunity
)

// RecordResult reports what a RecordHater mutation did.
type RecordResult struct {
	// UserRecorded is false when the author was unknown (AI-sourced
	// candidates) and no user entry was touched.
	UserRecorded bool

	// UserNew is true when this mutation created the user entry. Feeds
	// the first-offense achievement condition.
	UserNew bool

	// UserScore is the user's score after the mutation (resolved to the
	// main when the name is an alt).
	UserScore float64

	// UserRank is the 1-based position in topUsers after the mutation, 0
	// when unranked.
	UserRank int
}

// Actor owns the leaderboard document.
//
// Thread Safety: all exported methods are safe for concurrent use.
type Actor struct {
	kv     *kvstore.Store
	hostc  host.Client
	logger *slog.Logger
	now    func() time.Time

	// optOut holds users who asked to be excluded from the rankings.
	// Only the actor goroutine reads it after startup.
	optOut map[string]bool

	requests chan func(*datatypes.Leaderboard)
	done     chan struct{}
	wg       sync.WaitGroup
}

// NewActor loads (or initializes) the document and starts the actor loop.
// hostc may be nil; mod-log spam counts then stay at their last value.
func NewActor(kv *kvstore.Store, hostc host.Client, logger *slog.Logger) *Actor {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Actor{
		kv:       kv,
		hostc:    hostc,
		logger:   logger.With("component", "leaderboard"),
		now:      time.Now,
		requests: make(chan func(*datatypes.Leaderboard), 64),
		done:     make(chan struct{}),
	}
	a.optOut = a.loadOptOuts()
	a.wg.Add(1)
	go a.run()
	return a
}

// loadOptOuts reads the opt-out wiki page. A missing page or unreachable
// host means nobody has opted out yet.
func (a *Actor) loadOptOuts() map[string]bool {
	set := make(map[string]bool)
	if a.hostc == nil {
		return set
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	content, err := a.hostc.ReadWikiPage(ctx, optOutPage)
	if err != nil {
		if !errors.Is(err, host.ErrNotFound) {
			a.logger.Warn("opt-out page unreadable", "error", err)
		}
		return set
	}
	var names []string
	if err := json.Unmarshal([]byte(content), &names); err != nil {
		a.logger.Warn("opt-out page malformed", "error", err)
		return set
	}
	for _, name := range names {
		set[datatypes.NormalizeName(name)] = true
	}
	return set
}

// Close stops the actor after draining queued requests.
func (a *Actor) Close() {
	close(a.done)
	a.wg.Wait()
}

func (a *Actor) run() {
	defer a.wg.Done()

	doc := a.load()
	for {
		select {
		case req := <-a.requests:
			req(doc)
		case <-a.done:
			for {
				select {
				case req := <-a.requests:
					req(doc)
				default:
					return
				}
			}
		}
	}
}

func (a *Actor) load() *datatypes.Leaderboard {
	var doc datatypes.Leaderboard
	err := a.kv.GetJSON(docKey, &doc)
	if err != nil {
		if !errors.Is(err, kvstore.ErrNotFound) {
			a.logger.Warn("leaderboard unreadable, starting fresh", "error", err)
		}
		return datatypes.NewLeaderboard()
	}
	// Forward-migrate older documents: maps may be nil after decode.
	if doc.Communities == nil {
		doc.Communities = make(map[string]*datatypes.CommunityEntry)
	}
	if doc.Users == nil {
		doc.Users = make(map[string]*datatypes.UserEntry)
	}
	if doc.CommunityAltMap == nil {
		doc.CommunityAltMap = make(map[string]string)
	}
	if doc.UserAltMap == nil {
		doc.UserAltMap = make(map[string]string)
	}
	doc.SchemaVersion = datatypes.LeaderboardSchemaVersion
	return &doc
}

func (a *Actor) persist(doc *datatypes.Leaderboard) {
	doc.UpdatedAt = a.now().UnixMilli()
	if err := a.kv.SetJSON(docKey, doc, 0); err != nil {
		a.logger.Error("leaderboard write failed", "error", err)
	}
}

func (a *Actor) do(fn func(*datatypes.Leaderboard)) {
	reply := make(chan struct{})
	select {
	case a.requests <- func(doc *datatypes.Leaderboard) {
		fn(doc)
		close(reply)
	}:
		<-reply
	case <-a.done:
	}
}

// =============================================================================
// Mutations
// =============================================================================

// RecordHater registers one hostile cross-link against both the source
// community and the author.
//
// # Description
//
// No-op for tones below Adversarial. The author side is skipped entirely
// for the unknown-author placeholder carried by AI-sourced candidates.
// Both names resolve through the alt maps before any counter moves, so
// an alt's activity lands on its main. After the counter bump the host
// moderation log is consulted to refresh the user's spam count.
func (a *Actor) RecordHater(ctx context.Context, sourceCommunity, author string, tone datatypes.Classification, title string) RecordResult {
	var result RecordResult
	if !tone.Hostile() {
		return result
	}

	community := datatypes.NormalizeName(sourceCommunity)
	user := datatypes.NormalizeName(author)
	recordUser := user != "" && user != datatypes.UnknownAuthor

	// Mod log lookup happens outside the actor loop; it is a suspension
	// point and must not serialize behind the document.
	spamCount := -1
	if recordUser && a.hostc != nil {
		if actions, err := a.hostc.ModLog(ctx, user, a.now().Add(-modLogWindow)); err == nil {
			spamCount = spamFromModLog(actions)
		} else {
			a.logger.Debug("mod log unavailable", "user", user, "error", err)
		}
	}

	a.do(func(doc *datatypes.Leaderboard) {
		now := a.now().UnixMilli()
		doc.TotalHostileLinks++

		cname := resolveAlt(doc.CommunityAltMap, community)
		centry, ok := doc.Communities[cname]
		if !ok {
			centry = &datatypes.CommunityEntry{Name: cname, DisplayName: sourceCommunity}
			doc.Communities[cname] = centry
		}
		bumpCommunity(centry, tone, title, now)
		markAltEntryCommunity(doc, community, cname)

		if recordUser {
			uname := resolveAlt(doc.UserAltMap, user)
			uentry, ok := doc.Users[uname]
			if !ok {
				uentry = &datatypes.UserEntry{Name: uname, DisplayName: author}
				doc.Users[uname] = uentry
				result.UserNew = true
			}
			bumpUser(uentry, tone, title, now)
			appendIfAbsent(&uentry.HomeCommunities, community)
			if spamCount >= 0 {
				uentry.ModLogSpamCount = spamCount
			}
			markAltEntryUser(doc, user, uname)
			result.UserRecorded = true
			result.UserScore = uentry.Score()
		}

		a.recomputeTops(doc)
		if result.UserRecorded {
			result.UserRank = rankOf(doc.TopUsers, resolveAlt(doc.UserAltMap, user))
		}
		a.persist(doc)
	})
	return result
}

// RecordTribute bumps a user's tribute request counter (0.5 score each).
func (a *Actor) RecordTribute(author string) {
	user := datatypes.NormalizeName(author)
	if user == "" || user == datatypes.UnknownAuthor {
		return
	}
	a.do(func(doc *datatypes.Leaderboard) {
		uname := resolveAlt(doc.UserAltMap, user)
		uentry, ok := doc.Users[uname]
		if !ok {
			uentry = &datatypes.UserEntry{Name: uname, DisplayName: author}
			doc.Users[uname] = uentry
		}
		uentry.TributeRequestCount++
		uentry.LastSeen = a.now().UnixMilli()
		a.recomputeTops(doc)
		a.persist(doc)
	})
}

// UpdateFeaturedQuote keeps the single highest-scoring quote per user.
func (a *Actor) UpdateFeaturedQuote(author, quote string, score int, link string) {
	user := datatypes.NormalizeName(author)
	if user == "" || user == datatypes.UnknownAuthor {
		return
	}
	a.do(func(doc *datatypes.Leaderboard) {
		uname := resolveAlt(doc.UserAltMap, user)
		uentry, ok := doc.Users[uname]
		if !ok {
			return
		}
		if score <= uentry.FeaturedQuoteScore && uentry.FeaturedQuote != "" {
			return
		}
		uentry.FeaturedQuote = datatypes.Truncate(quote, 400)
		uentry.FeaturedQuoteScore = score
		uentry.FeaturedQuoteLink = link
		a.persist(doc)
	})
}

// RecordAchievement stamps an unlocked achievement on the user entry and
// adds the tier XP bonus. HighestTier only moves up.
func (a *Actor) RecordAchievement(author, achievementID string, tier datatypes.Tier, unlockedAt int64) {
	user := datatypes.NormalizeName(author)
	if user == "" || user == datatypes.UnknownAuthor {
		return
	}
	a.do(func(doc *datatypes.Leaderboard) {
		uname := resolveAlt(doc.UserAltMap, user)
		uentry, ok := doc.Users[uname]
		if !ok {
			return
		}
		if uentry.UnlockedAchievements == nil {
			uentry.UnlockedAchievements = make(map[string]int64)
		}
		if _, seen := uentry.UnlockedAchievements[achievementID]; seen {
			return
		}
		uentry.UnlockedAchievements[achievementID] = unlockedAt
		uentry.AchievementXP += tier.XPBonus()
		if tier > uentry.HighestTier {
			uentry.HighestTier = tier
		}
		a.persist(doc)
	})
}

// SetEnrichment writes the behavioral-profile fields produced by the
// daily enrichment job. flaggedCount counts the user's deleted content
// flagged against the community and enters the score, so the top lists
// are recomputed.
func (a *Actor) SetEnrichment(author, profile, style, summary, deletedSummary string, flaggedCount int) {
	user := datatypes.NormalizeName(author)
	a.do(func(doc *datatypes.Leaderboard) {
		uname := resolveAlt(doc.UserAltMap, user)
		uentry, ok := doc.Users[uname]
		if !ok {
			return
		}
		uentry.BehavioralProfile = profile
		uentry.EngagementStyle = style
		uentry.BehaviorSummary = summary
		uentry.DeletedContentSummary = deletedSummary
		uentry.FlaggedContentCount = flaggedCount
		uentry.OSINTEnrichedAt = a.now().UnixMilli()
		a.recomputeTops(doc)
		a.persist(doc)
	})
}

// RegisterAlt links alt to main in the chosen register.
//
// Rejected with ErrConflictingAlt when alt == main or when the intended
// main is itself an alt (2-hop chain). An alt that is already a main of
// others is accepted as a cluster merge: its former alts are rewritten to
// point at the new main so the map stays 1-hop.
func (a *Actor) RegisterAlt(kind AltKind, alt, main string) error {
	altName := datatypes.NormalizeName(alt)
	mainName := datatypes.NormalizeName(main)
	if altName == "" || mainName == "" || altName == mainName {
		return fmt.Errorf("%w: self link", ErrConflictingAlt)
	}

	var regErr error
	a.do(func(doc *datatypes.Leaderboard) {
		altMap := doc.UserAltMap
		if kind == AltCommunity {
			altMap = doc.CommunityAltMap
		}

		if _, isAlt := altMap[mainName]; isAlt {
			regErr = fmt.Errorf("%w: %s is already an alt", ErrConflictingAlt, mainName)
			return
		}
		if existing, isAlt := altMap[altName]; isAlt {
			if existing == mainName {
				return // already registered
			}
			regErr = fmt.Errorf("%w: %s is already an alt of %s", ErrConflictingAlt, altName, existing)
			return
		}

		// Cluster merge: redirect the alt's own alts to the new main.
		for name, m := range altMap {
			if m == altName {
				altMap[name] = mainName
			}
		}
		altMap[altName] = mainName

		if kind == AltCommunity {
			mergeCommunityAlt(doc, altName, mainName)
		} else {
			mergeUserAlt(doc, altName, mainName)
		}
		a.recomputeTops(doc)
		a.persist(doc)
	})
	return regErr
}

// OptOut removes a user from the rankings and records the request on the
// opt-out wiki page. The entry itself is kept; only the top lists drop
// the name.
func (a *Actor) OptOut(ctx context.Context, author string) error {
	user := datatypes.NormalizeName(author)
	if user == "" {
		return fmt.Errorf("opt out: empty user name")
	}

	already := false
	var names []string
	a.do(func(doc *datatypes.Leaderboard) {
		if a.optOut[user] {
			already = true
			return
		}
		a.optOut[user] = true
		a.recomputeTops(doc)
		a.persist(doc)
		for name := range a.optOut {
			names = append(names, name)
		}
	})
	if already || a.hostc == nil {
		return nil
	}
	sort.Strings(names)
	content, err := json.Marshal(names)
	if err != nil {
		return fmt.Errorf("marshal opt-out list: %w", err)
	}
	if err := a.hostc.WriteWikiPage(ctx, optOutPage, string(content)); err != nil {
		return fmt.Errorf("write opt-out page: %w", err)
	}
	return nil
}

// OptedOut reports whether a user has asked to be excluded.
func (a *Actor) OptedOut(author string) bool {
	user := datatypes.NormalizeName(author)
	var out bool
	a.do(func(*datatypes.Leaderboard) {
		out = a.optOut[user]
	})
	return out
}

// PublishWiki mirrors the current document to the host wiki page.
func (a *Actor) PublishWiki(ctx context.Context) error {
	if a.hostc == nil {
		return nil
	}
	content, err := json.MarshalIndent(a.Snapshot(), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal leaderboard: %w", err)
	}
	if err := a.hostc.WriteWikiPage(ctx, leaderboardPage, string(content)); err != nil {
		return fmt.Errorf("publish leaderboard page: %w", err)
	}
	return nil
}

// =============================================================================
// Reads
// =============================================================================

// Snapshot returns a deep copy of the current document.
func (a *Actor) Snapshot() *datatypes.Leaderboard {
	var copied datatypes.Leaderboard
	a.do(func(doc *datatypes.Leaderboard) {
		data, err := json.Marshal(doc)
		if err != nil {
			a.logger.Error("snapshot marshal failed", "error", err)
			return
		}
		if err := json.Unmarshal(data, &copied); err != nil {
			a.logger.Error("snapshot unmarshal failed", "error", err)
		}
	})
	if copied.Users == nil {
		copied.Users = make(map[string]*datatypes.UserEntry)
	}
	if copied.Communities == nil {
		copied.Communities = make(map[string]*datatypes.CommunityEntry)
	}
	return &copied
}

// UserEntry returns a copy of one user's entry, resolved through the alt
// map. ok is false when no entry exists.
func (a *Actor) UserEntry(author string) (entry datatypes.UserEntry, ok bool) {
	user := datatypes.NormalizeName(author)
	a.do(func(doc *datatypes.Leaderboard) {
		if e, found := doc.Users[resolveAlt(doc.UserAltMap, user)]; found {
			entry = *e
			ok = true
		}
	})
	return entry, ok
}

// UserRank returns the 1-based topUsers position, 0 when unranked.
func (a *Actor) UserRank(author string) int {
	user := datatypes.NormalizeName(author)
	var rank int
	a.do(func(doc *datatypes.Leaderboard) {
		rank = rankOf(doc.TopUsers, resolveAlt(doc.UserAltMap, user))
	})
	return rank
}

// TopUsers returns the cached user ranking.
func (a *Actor) TopUsers() []datatypes.RankedName {
	var out []datatypes.RankedName
	a.do(func(doc *datatypes.Leaderboard) {
		out = append(out, doc.TopUsers...)
	})
	return out
}

// TopCommunities returns the cached community ranking.
func (a *Actor) TopCommunities() []datatypes.RankedName {
	var out []datatypes.RankedName
	a.do(func(doc *datatypes.Leaderboard) {
		out = append(out, doc.TopCommunities...)
	})
	return out
}

// =============================================================================
// Document rules
// =============================================================================

func resolveAlt(altMap map[string]string, name string) string {
	if main, ok := altMap[name]; ok {
		return main
	}
	return name
}

func bumpCommunity(e *datatypes.CommunityEntry, tone datatypes.Classification, title string, now int64) {
	e.HostileLinks++
	e.LastSeen = now
	if tone == datatypes.Hateful {
		e.HatefulCount++
		e.WorstTitle = datatypes.Truncate(title, 100)
	} else {
		e.AdversarialCount++
	}
}

func bumpUser(e *datatypes.UserEntry, tone datatypes.Classification, title string, now int64) {
	e.HostileLinks++
	e.LastSeen = now
	if tone == datatypes.Hateful {
		e.HatefulCount++
		e.WorstTitle = datatypes.Truncate(title, 100)
	} else {
		e.AdversarialCount++
	}
}

// markAltEntryUser keeps an alt's own historical entry but flags it so it
// never ranks.
func markAltEntryUser(doc *datatypes.Leaderboard, name, main string) {
	if name == main {
		return
	}
	if e, ok := doc.Users[name]; ok {
		e.IsAltOf = main
	}
}

func markAltEntryCommunity(doc *datatypes.Leaderboard, name, main string) {
	if name == main {
		return
	}
	if e, ok := doc.Communities[name]; ok {
		e.IsAltOf = main
	}
}

func mergeUserAlt(doc *datatypes.Leaderboard, altName, mainName string) {
	mentry, ok := doc.Users[mainName]
	if !ok {
		mentry = &datatypes.UserEntry{Name: mainName, DisplayName: mainName}
		doc.Users[mainName] = mentry
	}
	appendIfAbsent(&mentry.KnownAlts, altName)

	if aentry, ok := doc.Users[altName]; ok {
		// Fold counters into the main; the alt entry stays for history.
		mentry.HostileLinks += aentry.HostileLinks
		mentry.AdversarialCount += aentry.AdversarialCount
		mentry.HatefulCount += aentry.HatefulCount
		mentry.TributeRequestCount += aentry.TributeRequestCount
		for _, home := range aentry.HomeCommunities {
			appendIfAbsent(&mentry.HomeCommunities, home)
		}
		// The alt's own alts now belong to the main.
		for _, known := range aentry.KnownAlts {
			appendIfAbsent(&mentry.KnownAlts, known)
		}
		aentry.KnownAlts = nil
		aentry.IsAltOf = mainName
	}
}

func mergeCommunityAlt(doc *datatypes.Leaderboard, altName, mainName string) {
	mentry, ok := doc.Communities[mainName]
	if !ok {
		mentry = &datatypes.CommunityEntry{Name: mainName, DisplayName: mainName}
		doc.Communities[mainName] = mentry
	}
	appendIfAbsent(&mentry.KnownAlts, altName)

	if aentry, ok := doc.Communities[altName]; ok {
		mentry.HostileLinks += aentry.HostileLinks
		mentry.AdversarialCount += aentry.AdversarialCount
		mentry.HatefulCount += aentry.HatefulCount
		for _, known := range aentry.KnownAlts {
			appendIfAbsent(&mentry.KnownAlts, known)
		}
		aentry.KnownAlts = nil
		aentry.IsAltOf = mainName
	}
}

func (a *Actor) recomputeTops(doc *datatypes.Leaderboard) {
	doc.TopCommunities = doc.TopCommunities[:0]
	for _, e := range doc.Communities {
		if e.IsAltOf != "" {
			continue
		}
		doc.TopCommunities = append(doc.TopCommunities,
			datatypes.RankedName{Name: e.Name, Score: e.Score()})
	}
	sortRanked(doc.TopCommunities)
	if len(doc.TopCommunities) > topN {
		doc.TopCommunities = doc.TopCommunities[:topN]
	}

	doc.TopUsers = doc.TopUsers[:0]
	for _, e := range doc.Users {
		if e.IsAltOf != "" || a.optOut[e.Name] {
			continue
		}
		doc.TopUsers = append(doc.TopUsers,
			datatypes.RankedName{Name: e.Name, Score: e.Score()})
	}
	sortRanked(doc.TopUsers)
	if len(doc.TopUsers) > topN {
		doc.TopUsers = doc.TopUsers[:topN]
	}
}

func sortRanked(ranked []datatypes.RankedName) {
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].Score != ranked[j].Score {
			return ranked[i].Score > ranked[j].Score
		}
		return ranked[i].Name < ranked[j].Name
	})
}

func rankOf(ranked []datatypes.RankedName, name string) int {
	for i := range ranked {
		if ranked[i].Name == name {
			return i + 1
		}
	}
	return 0
}

func appendIfAbsent(list *[]string, item string) {
	for _, existing := range *list {
		if strings.EqualFold(existing, item) {
			return
		}
	}
	*list = append(*list, item)
}

func spamFromModLog(actions []host.ModAction) int {
	removes, bans := 0, 0
	for _, action := range actions {
		switch action.Action {
		case "removecomment", "removelink":
			removes++
		case "banuser":
			bans++
		}
	}
	return removes + 3*bans
}
