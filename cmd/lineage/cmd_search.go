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
	"strings"

	"github.com/spf13/cobra"
)

func newSearchCmd(a *app) *cobra.Command {
	var (
		topN   int
		weight float64
	)
	cmd := &cobra.Command{
		Use:   "search QUERY",
		Short: "Hybrid keyword and vector search over ingested source",
		Long: `Search runs a keyword (BM25) and a vector search concurrently and fuses
them with Reciprocal Rank Fusion. --weight 0 is pure keyword, 1 is pure
vector. When one backend is down the other still answers and the result
is marked degraded.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			var w *float64
			if cmd.Flags().Changed("weight") {
				w = &weight
			}
			resp, err := svc.Search(cmd.Context(), strings.Join(args, " "), topN, w)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				return printJSON(out, resp)
			}
			if resp.Degraded {
				for _, f := range resp.Failures {
					fmt.Fprintf(out, "degraded: %v\n", f)
				}
			}
			for i, r := range resp.Results {
				fmt.Fprintf(out, "%2d. %.5f  %s#%d\n", i+1, r.Score, r.Metadata.Path, r.Metadata.ChunkIndex)
				fmt.Fprintf(out, "    %s\n", snippet(r.Text, 160))
			}
			if len(resp.Results) == 0 {
				fmt.Fprintln(out, "no results")
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&topN, "top-n", "n", 0, "number of results (default from config)")
	cmd.Flags().Float64VarP(&weight, "weight", "w", 0, "fusion weight in [0,1] (default from config)")
	return cmd
}

// snippet flattens whitespace and truncates to limit runes.
func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}
