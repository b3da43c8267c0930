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
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

func newPluginsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "plugins",
		Short: "List parser plugins and the extensions they own",
		Long: `Plugins shows the registered parsers in registration order and which
extension each one owns. When two plugins claim an extension the one
registered first wins; the losing claims are listed as shadowed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			reg, err := ast.NewRegistryFromNames(a.cfg.Plugins.Order, a.cfg.Plugins.Extensions)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if a.flags.jsonOutput {
				return printJSON(out, map[string]any{
					"plugins":  reg.Plugins(),
					"claims":   reg.Claims(),
					"shadowed": reg.Shadowed(),
				})
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "EXTENSION\tPLUGIN")
			for _, c := range reg.Claims() {
				fmt.Fprintf(tw, "%s\t%s\n", c.Extension, c.Plugin)
			}
			for _, c := range reg.Shadowed() {
				fmt.Fprintf(tw, "%s\t%s (shadowed)\n", c.Extension, c.Plugin)
			}
			return tw.Flush()
		},
	}
}
