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
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

func newGraphCmd(a *app) *cobra.Command {
	var label string
	cmd := &cobra.Command{
		Use:   "graph [NAME|URN]",
		Short: "Inspect a node and its lineage edges",
		Long: `With an argument, graph prints the node and its direct upstream and
downstream edges. NAME is resolved within the scope using --label.
Without an argument it lists every node in the scope.

Examples:
  lineage graph orders
  lineage graph build_summary --label Function
  lineage graph urn:lineage:default:dataasset:orders`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			svc, err := a.service(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()

			if len(args) == 0 {
				nodes, err := svc.Store.NodesByScope(ctx, a.cfg.Scope)
				if err != nil {
					return err
				}
				if a.flags.jsonOutput {
					return printJSON(out, nodes)
				}
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "URN\tTYPE\tSTUB")
				for _, n := range nodes {
					fmt.Fprintf(tw, "%s\t%s\t%t\n", n.URN, n.Type, n.Stub)
				}
				return tw.Flush()
			}

			urn := args[0]
			if !strings.HasPrefix(urn, "urn:") {
				l, ok := ast.ParseLabel(label)
				if !ok {
					return fmt.Errorf("unknown label %q", label)
				}
				urn, err = svc.Extractor.URN(a.cfg.Scope, l, args[0])
				if err != nil {
					return err
				}
			}
			lin, err := svc.Extractor.Lineage(ctx, urn)
			if err != nil {
				return err
			}
			if a.flags.jsonOutput {
				return printJSON(out, lin)
			}
			printLineage(out, lin)
			return nil
		},
	}
	cmd.Flags().StringVarP(&label, "label", "l", string(ast.LabelDataAsset), "node label for NAME: DataAsset, Function, Class or Job")
	return cmd
}

func printLineage(w io.Writer, lin *graph.NodeLineage) {
	n := lin.Node
	fmt.Fprintf(w, "%s\n  type: %s  stub: %t\n", n.URN, n.Type, n.Stub)
	if len(n.Sources) > 0 {
		fmt.Fprintf(w, "  sources: %s\n", strings.Join(n.Sources, ", "))
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "\nDIRECTION\tRELATIONSHIP\tNODE\tSTATUS\tCONFIDENCE")
	for _, e := range lin.Outgoing {
		fmt.Fprintf(tw, "out\t%s\t%s\t%s/%s\t%.2f\n", e.Relationship, e.TargetURN, e.SourceKind, e.Status, e.Confidence)
	}
	for _, e := range lin.Incoming {
		fmt.Fprintf(tw, "in\t%s\t%s\t%s/%s\t%.2f\n", e.Relationship, e.SourceURN, e.SourceKind, e.Status, e.Confidence)
	}
	_ = tw.Flush()
}
