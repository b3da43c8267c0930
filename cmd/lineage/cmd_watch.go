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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ingest"
)

func newWatchCmd(a *app) *cobra.Command {
	var (
		debounce time.Duration
		initial  bool
	)
	cmd := &cobra.Command{
		Use:   "watch DIR",
		Short: "Re-ingest files as they change",
		Long: `Watch ingests DIR once and then re-ingests supported files whenever they
are written, created or removed. Removed files are dropped from the search
index; what the graph learned from them is kept. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if initial {
				r, err := svc.Pipeline.IngestDir(ctx, a.cfg.Scope, args[0])
				if err != nil {
					return err
				}
				printReport(out, r)
			}

			w, err := ingest.NewWatcher(svc.Pipeline, a.cfg.Scope, args[0], ingest.WatchOptions{
				Debounce: debounce,
				OnBatch: func(r *ingest.Report, removed []string, err error) {
					if a.flags.jsonOutput {
						_ = printJSON(out, map[string]any{"report": r, "removed": removed, "error": errString(err)})
						return
					}
					if r != nil {
						printReport(out, r)
					}
					if len(removed) > 0 {
						fmt.Fprintf(out, "removed: %s\n", strings.Join(removed, ", "))
					}
					if err != nil {
						fmt.Fprintf(out, "error: %v\n", err)
					}
				},
			})
			if err != nil {
				return err
			}
			return w.Run(ctx)
		},
	}
	cmd.Flags().DurationVar(&debounce, "debounce", ingest.DefaultDebounce, "wait for writes to settle")
	cmd.Flags().BoolVar(&initial, "initial", true, "ingest the directory before watching")
	return cmd
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
