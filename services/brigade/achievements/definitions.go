// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package achievements

import "github.com/AleutianAI/hubwatch/services/brigade/datatypes"

// Definitions is the static achievement table. Order matters: it breaks
// tier ties when picking the single unlock to announce. None of the
// current achievements are repeatable.
var Definitions = []datatypes.AchievementDefinition{
	// Score thresholds.
	{ID: "first_blood", Name: "First Blood", Tier: datatypes.TierBronze,
		Special: datatypes.SpecialFirstOffense},
	{ID: "frequent_flyer", Name: "Frequent Flyer", Tier: datatypes.TierBronze,
		ScoreThreshold: 5},
	{ID: "serial_brigader", Name: "Serial Brigader", Tier: datatypes.TierSilver,
		ScoreThreshold: 10},
	{ID: "dedicated_hater", Name: "Dedicated Hater", Tier: datatypes.TierGold,
		ScoreThreshold: 25},
	{ID: "obsession_unlocked", Name: "Obsession Unlocked", Tier: datatypes.TierPlatinum,
		ScoreThreshold: 50},
	{ID: "arch_nemesis", Name: "Arch Nemesis", Tier: datatypes.TierDiamond,
		ScoreThreshold: 100},

	// Rank thresholds.
	{ID: "top_ten", Name: "Top Ten Material", Tier: datatypes.TierSilver,
		RankThreshold: 10},
	{ID: "podium_finish", Name: "Podium Finish", Tier: datatypes.TierGold,
		RankThreshold: 3},
	{ID: "king_of_the_hill", Name: "King of the Hill", Tier: datatypes.TierPlatinum,
		RankThreshold: 1},

	// Special conditions.
	{ID: "mask_off", Name: "Mask Off", Tier: datatypes.TierGold,
		Special: datatypes.SpecialAltExposed},
	{ID: "broken_record", Name: "Broken Record", Tier: datatypes.TierSilver,
		Special: datatypes.SpecialMemeRepeater},
	{ID: "meme_connoisseur", Name: "Meme Connoisseur", Tier: datatypes.TierSilver,
		Special: datatypes.SpecialMemeVariety},
	{ID: "hot_streak", Name: "Hot Streak", Tier: datatypes.TierGold,
		Special: datatypes.SpecialStreak},
	{ID: "dramatic_exit", Name: "Dramatic Exit", Tier: datatypes.TierBronze,
		Special: datatypes.SpecialDramaticExit},
	{ID: "revolving_door", Name: "Revolving Door", Tier: datatypes.TierSilver,
		Special: datatypes.SpecialSerialFarewell},
	{ID: "silent_departure", Name: "Silent Departure", Tier: datatypes.TierBronze,
		Special: datatypes.SpecialLurkerLeaver},
	{ID: "charming_personality", Name: "Charming Personality", Tier: datatypes.TierBronze,
		Special: datatypes.SpecialHostileTone},
	{ID: "world_traveler", Name: "World Traveler", Tier: datatypes.TierSilver,
		Special: datatypes.SpecialMultiHome},
	{ID: "evidence_eraser", Name: "Evidence Eraser", Tier: datatypes.TierGold,
		Special: datatypes.SpecialDeletedContent},
	{ID: "certified_troll", Name: "Certified Troll", Tier: datatypes.TierGold,
		Special: datatypes.SpecialTrollingRisk},
	{ID: "smoke_and_mirrors", Name: "Smoke and Mirrors", Tier: datatypes.TierPlatinum,
		Special: datatypes.SpecialDeception},
}

// definitionOrder maps id to table position for tie breaking.
var definitionOrder = func() map[string]int {
	order := make(map[string]int, len(Definitions))
	for i, def := range Definitions {
		order[def.ID] = i
	}
	return order
}()
