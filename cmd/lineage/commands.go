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
	"errors"
	"io"

	"github.com/spf13/cobra"
)

// run executes the CLI with args and releases everything it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	root, a := newRootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	return errors.Join(err, a.teardown())
}

func newRootCmd() (*cobra.Command, *app) {
	a := &app{}
	root := &cobra.Command{
		Use:   "lineage",
		Short: "Extract data lineage and search source with hybrid retrieval",
		Long: `lineage parses SQL, Python and lineage metadata files into a graph of
data assets and the code that reads and writes them, and indexes the
source for keyword plus vector search.

Configuration is read from ~/.aleutian/lineage.yaml (see 'lineage config init').
LINEAGE_* environment variables override secrets and endpoints.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations["skipSetup"] == "true" {
				return nil
			}
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.flags.configPath, "config", "", "config file (default ~/.aleutian/lineage.yaml)")
	pf.StringVar(&a.flags.scope, "scope", "", "project scope (overrides config)")
	pf.StringVar(&a.flags.dataDir, "data-dir", "", "data directory (overrides config)")
	pf.StringVar(&a.flags.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&a.flags.jsonOutput, "json", false, "print JSON")
	pf.StringVar(&a.flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address, e.g. :9464")
	pf.BoolVar(&a.flags.inMemory, "in-memory", false, "keep the graph and local index in memory")
	_ = pf.MarkHidden("in-memory")

	root.AddCommand(
		newIngestCmd(a),
		newSearchCmd(a),
		newEnrichCmd(a),
		newWatchCmd(a),
		newPluginsCmd(a),
		newGraphCmd(a),
		newConfigCmd(a),
	)
	return root, a
}
