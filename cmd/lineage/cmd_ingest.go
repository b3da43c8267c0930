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
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage"
	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/ingest"
)

func newIngestCmd(a *app) *cobra.Command {
	var (
		enrich      bool
		waitTimeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ingest PATH...",
		Short: "Parse files into the lineage graph and the search index",
		Long: `Ingest parses every supported file under each PATH (honouring .gitignore),
writes the lineage it finds to the graph and indexes the source for search.
Files are isolated: one that fails to parse does not affect the others.

Examples:
  lineage ingest ./warehouse
  lineage ingest models/orders.sql procs/summary.sql --enrich`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if cmd.Flags().Changed("enrich") {
				a.cfg.Ingest.Enrich = enrich
			}
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}

			var reports []*ingest.Report
			var files []ast.SourceFile
			for _, arg := range args {
				info, err := os.Stat(arg)
				if err != nil {
					return err
				}
				if info.IsDir() {
					r, err := svc.Pipeline.IngestDir(ctx, a.cfg.Scope, arg)
					if err != nil {
						return err
					}
					reports = append(reports, r)
					continue
				}
				content, err := os.ReadFile(arg)
				if err != nil {
					return err
				}
				files = append(files, ast.SourceFile{Path: filepath.ToSlash(filepath.Clean(arg)), Content: content})
			}
			if len(files) > 0 {
				r, err := svc.Pipeline.IngestFiles(ctx, a.cfg.Scope, files)
				if err != nil {
					return err
				}
				reports = append(reports, r)
			}

			if err := waitEnrichment(ctx, svc, reports, waitTimeout); err != nil {
				a.logger.Warn("enrichment did not finish", "error", err)
			}
			if a.flags.jsonOutput {
				return printJSON(cmd.OutOrStdout(), reports)
			}
			for _, r := range reports {
				printReport(cmd.OutOrStdout(), r)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&enrich, "enrich", false, "propose extra edges with the enrichment model")
	cmd.Flags().DurationVar(&waitTimeout, "enrich-timeout", 5*time.Minute, "how long to wait for enrichment before exiting")
	return cmd
}

func waitEnrichment(ctx context.Context, svc *lineage.Service, reports []*ingest.Report, timeout time.Duration) error {
	for _, r := range reports {
		if r.EnrichmentScheduled {
			wctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return svc.Pipeline.WaitEnrichment(wctx)
		}
	}
	return nil
}

func printReport(w io.Writer, r *ingest.Report) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FILE\tPLUGIN\tOUTCOME\tCHUNKS\tNOTE")
	for _, f := range r.Files {
		note := f.Error
		if note == "" && f.IndexError != "" {
			note = "index: " + f.IndexError
		}
		if note == "" && !f.Changed {
			note = "unchanged"
		}
		if note == "" && f.Redactions > 0 {
			note = fmt.Sprintf("%d redacted", f.Redactions)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", f.Path, f.Plugin, f.Outcome, f.Chunks, note)
	}
	_ = tw.Flush()
	fmt.Fprintf(w, "\nrun %s: %d files, %d nodes created, %d edges created, %d stubs, %s\n",
		r.RunID, len(r.Files), r.Graph.NodesCreated, r.Graph.EdgesCreated, r.Graph.StubsCreated,
		r.Duration.Round(time.Millisecond))
}
