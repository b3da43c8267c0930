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
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

func newEnrichCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "enrich [URN...]",
		Short: "Ask the enrichment model for additional lineage edges",
		Long: `Enrich sends the given nodes (or every node in the scope) to the configured
model and stores the edges it proposes as "proposed" with source "llm".
Proposals never overwrite parser edges. Model failures are logged and
produce no edges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(cmd.Context())
			if err != nil {
				return err
			}
			if svc.Gateway == nil {
				return errors.New("enrichment is not configured: set enrichment.model")
			}
			summary, err := svc.Gateway.Enrich(cmd.Context(), a.cfg.Scope, args)
			if err != nil {
				return err
			}
			if a.flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), summary)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d proposed edges created, %d updated, %d skipped\n",
				summary.EdgesCreated, summary.EdgesUpdated, summary.Skipped)
			return nil
		},
	}
}
