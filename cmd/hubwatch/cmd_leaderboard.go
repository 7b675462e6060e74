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
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// runLeaderboard prints the top users and communities from the local
// data store.
func runLeaderboard(cmd *cobra.Command, args []string) error {
	p, err := buildPipeline()
	if err != nil {
		return err
	}
	defer p.close()

	snapshot := p.board.Snapshot()

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "TOP USERS")
	fmt.Fprintln(w, "RANK\tUSER\tSCORE\tADV\tHATE\tALTS")
	for i, ranked := range snapshot.TopUsers {
		entry := snapshot.Users[ranked.Name]
		if entry == nil {
			continue
		}
		fmt.Fprintf(w, "%d\t%s\t%.1f\t%d\t%d\t%d\n",
			i+1, entry.Name, ranked.Score, entry.AdversarialCount, entry.HatefulCount, len(entry.KnownAlts))
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "TOP COMMUNITIES")
	fmt.Fprintln(w, "RANK\tCOMMUNITY\tSCORE")
	for i, ranked := range snapshot.TopCommunities {
		fmt.Fprintf(w, "%d\t%s\t%.1f\n", i+1, ranked.Name, ranked.Score)
	}
	return w.Flush()
}
