// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"fmt"
	"strings"
)

// MetadataDocument is the native lineage metadata format shared by the
// JSON and YAML plugins.
//
//	datasets:
//	  - name: sales.orders_summary
//	    type: View
//	    derived_from: [sales.orders]
//	jobs:
//	  - name: nightly_summary
//	    inputs: [sales.orders]
//	    outputs: [sales.orders_summary]
type MetadataDocument struct {
	Datasets []MetadataDataset `json:"datasets" yaml:"datasets"`
	Jobs     []MetadataJob     `json:"jobs" yaml:"jobs"`
}

// MetadataDataset declares a table, view, or dataset.
type MetadataDataset struct {
	Name        string         `json:"name" yaml:"name"`
	Type        string         `json:"type" yaml:"type"`
	Properties  map[string]any `json:"properties" yaml:"properties"`
	DerivedFrom []string       `json:"derived_from" yaml:"derived_from"`
}

// MetadataJob declares a job with its inputs and outputs.
type MetadataJob struct {
	Name       string         `json:"name" yaml:"name"`
	Type       string         `json:"type" yaml:"type"`
	Properties map[string]any `json:"properties" yaml:"properties"`
	Inputs     []string       `json:"inputs" yaml:"inputs"`
	Outputs    []string       `json:"outputs" yaml:"outputs"`
	Executes   []string       `json:"executes" yaml:"executes"`
}

// datasetType maps a declared type to a NodeType. Unknown declarations
// default to Dataset.
func datasetType(s string) NodeType {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "table", "seed", "snapshot", "source":
		return TypeTable
	case "view":
		return TypeView
	default:
		return TypeDataset
	}
}

func jobType(s string) NodeType {
	if strings.EqualFold(strings.TrimSpace(s), "script") {
		return TypeScript
	}
	return TypeJob
}

// build turns a document into nodes and edges. Entries without a name are
// reported as diagnostics and degrade the result.
func (d *MetadataDocument) build(b *resultBuilder) {
	for i, ds := range d.Datasets {
		name := strings.TrimSpace(ds.Name)
		if name == "" {
			b.result.MarkDegraded(fmt.Sprintf("datasets[%d]: missing name", i))
			continue
		}
		ref := b.define(Node{
			Label:      LabelDataAsset,
			Type:       datasetType(ds.Type),
			Name:       name,
			Properties: copyProps(ds.Properties),
		})
		for _, src := range ds.DerivedFrom {
			b.link(ref, Ref{Label: LabelDataAsset, Name: strings.TrimSpace(src)}, RelDerives, nil)
		}
	}

	for i, job := range d.Jobs {
		name := strings.TrimSpace(job.Name)
		if name == "" {
			b.result.MarkDegraded(fmt.Sprintf("jobs[%d]: missing name", i))
			continue
		}
		ref := b.define(Node{
			Label:      LabelJob,
			Type:       jobType(job.Type),
			Name:       name,
			Properties: copyProps(job.Properties),
		})
		for _, in := range job.Inputs {
			b.link(ref, Ref{Label: LabelDataAsset, Name: strings.TrimSpace(in)}, RelReadsFrom, nil)
		}
		for _, out := range job.Outputs {
			b.link(ref, Ref{Label: LabelDataAsset, Name: strings.TrimSpace(out)}, RelWritesTo, nil)
		}
		for _, ex := range job.Executes {
			b.link(ref, Ref{Label: LabelFunction, Name: strings.TrimSpace(ex)}, RelExecutes, nil)
		}
	}
}

func copyProps(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
