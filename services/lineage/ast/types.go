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
	"sort"
	"strings"
)

// Label is the coarse category of a lineage node.
type Label string

const (
	// LabelDataAsset covers tables, views, and datasets.
	LabelDataAsset Label = "DataAsset"

	// LabelFunction covers procedures, functions, methods, and triggers.
	LabelFunction Label = "Function"

	// LabelClass covers classes in scripting-language sources.
	LabelClass Label = "Class"

	// LabelJob covers scripts and scheduled jobs that move data.
	LabelJob Label = "Job"
)

// Valid reports whether l is a known label.
func (l Label) Valid() bool {
	switch l {
	case LabelDataAsset, LabelFunction, LabelClass, LabelJob:
		return true
	}
	return false
}

// ParseLabel matches a label name case-insensitively.
func ParseLabel(s string) (Label, bool) {
	for _, l := range []Label{LabelDataAsset, LabelFunction, LabelClass, LabelJob} {
		if strings.EqualFold(string(l), strings.TrimSpace(s)) {
			return l, true
		}
	}
	return "", false
}

// NodeType refines a Label.
type NodeType string

const (
	TypeTable     NodeType = "Table"
	TypeView      NodeType = "View"
	TypeProcedure NodeType = "Procedure"
	TypeFunction  NodeType = "Function"
	TypeTrigger   NodeType = "Trigger"
	TypeMethod    NodeType = "Method"
	TypeClass     NodeType = "Class"
	TypeDataset   NodeType = "Dataset"
	TypeJob       NodeType = "Job"
	TypeScript    NodeType = "Script"

	// TypeUnknown marks stub nodes whose definition has not been seen.
	TypeUnknown NodeType = "Unknown"
)

// Relationship is the kind of a lineage edge.
type Relationship string

const (
	RelReadsFrom Relationship = "READS_FROM"
	RelWritesTo  Relationship = "WRITES_TO"
	RelCalls     Relationship = "CALLS"
	RelDerives   Relationship = "DERIVES"
	RelExecutes  Relationship = "EXECUTES"
)

// Valid reports whether r is one of the five lineage relationships.
func (r Relationship) Valid() bool {
	switch r {
	case RelReadsFrom, RelWritesTo, RelCalls, RelDerives, RelExecutes:
		return true
	}
	return false
}

// ParseRelationship matches a relationship name case-insensitively.
func ParseRelationship(s string) (Relationship, bool) {
	r := Relationship(strings.ToUpper(strings.TrimSpace(s)))
	return r, r.Valid()
}

// Ref identifies an entity inside a parsed unit. Parsers do not know the
// project scope, so they reference entities by label and name; the graph
// extractor turns refs into URNs.
type Ref struct {
	Label Label  `json:"label" yaml:"label"`
	Name  string `json:"name" yaml:"name"`
}

// String returns "Label:name".
func (r Ref) String() string {
	return string(r.Label) + ":" + r.Name
}

// key is the case-insensitive identity used for in-unit deduplication.
func (r Ref) key() string {
	return string(r.Label) + ":" + strings.ToLower(r.Name)
}

// Node is an entity defined by the parsed unit.
type Node struct {
	Label      Label          `json:"label"`
	Type       NodeType       `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
}

// Ref returns the reference that points at this node.
func (n Node) Ref() Ref {
	return Ref{Label: n.Label, Name: n.Name}
}

// Edge is a lineage fact between two refs. Authority fields (source kind,
// confidence, status) are assigned by the extractor, never by parsers.
type Edge struct {
	Source       Ref            `json:"source"`
	Target       Ref            `json:"target"`
	Relationship Relationship   `json:"relationship"`
	Properties   map[string]any `json:"properties,omitempty"`
}

// ParseContext carries per-file inputs that are not part of the content.
type ParseContext struct {
	// ProjectScope is the project the file belongs to.
	ProjectScope string

	// FilePath is the path relative to the project root, forward slashes.
	FilePath string
}

// Metadata keys set by parsers and dispatch.
const (
	MetaDegraded    = "degraded"
	MetaDiagnostics = "diagnostics"
	MetaContentHash = "content_hash"
	MetaLanguage    = "language"
)

// LineageResult is the uniform output of every parser plugin.
type LineageResult struct {
	FilePath     string         `json:"file_path"`
	Plugin       string         `json:"plugin"`
	Nodes        []Node         `json:"nodes"`
	Edges        []Edge         `json:"edges"`
	ExternalRefs []Ref          `json:"external_refs"`
	Metadata     map[string]any `json:"metadata"`
}

// NewLineageResult returns an empty result with initialized collections.
func NewLineageResult(filePath string) *LineageResult {
	return &LineageResult{
		FilePath:     filePath,
		Nodes:        []Node{},
		Edges:        []Edge{},
		ExternalRefs: []Ref{},
		Metadata:     map[string]any{},
	}
}

// Degraded reports whether the parser flagged the result as partial.
func (r *LineageResult) Degraded() bool {
	if r == nil || r.Metadata == nil {
		return false
	}
	d, _ := r.Metadata[MetaDegraded].(bool)
	return d
}

// MarkDegraded flags the result as partial and records why.
func (r *LineageResult) MarkDegraded(reason string) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	r.Metadata[MetaDegraded] = true
	r.AddDiagnostic(reason)
}

// AddDiagnostic records a message without changing the degraded flag.
func (r *LineageResult) AddDiagnostic(msg string) {
	if r.Metadata == nil {
		r.Metadata = map[string]any{}
	}
	diags, _ := r.Metadata[MetaDiagnostics].([]string)
	r.Metadata[MetaDiagnostics] = append(diags, msg)
}

// Diagnostics returns the recorded diagnostic messages.
func (r *LineageResult) Diagnostics() []string {
	if r == nil || r.Metadata == nil {
		return nil
	}
	diags, _ := r.Metadata[MetaDiagnostics].([]string)
	return diags
}

// resultBuilder accumulates nodes and edges for one unit, dropping exact
// duplicates and deriving external refs at finish.
type resultBuilder struct {
	result    *LineageResult
	nodeIndex map[string]int
	edgeSeen  map[string]bool
}

func newResultBuilder(filePath, plugin string) *resultBuilder {
	res := NewLineageResult(filePath)
	res.Plugin = plugin
	return &resultBuilder{
		result:    res,
		nodeIndex: make(map[string]int),
		edgeSeen:  make(map[string]bool),
	}
}

// define adds a node, merging properties into an earlier definition of the
// same ref. A later concrete type replaces TypeUnknown.
func (b *resultBuilder) define(n Node) Ref {
	k := n.Ref().key()
	if i, ok := b.nodeIndex[k]; ok {
		existing := &b.result.Nodes[i]
		if existing.Type == TypeUnknown || existing.Type == "" {
			existing.Type = n.Type
		}
		for pk, pv := range n.Properties {
			if existing.Properties == nil {
				existing.Properties = map[string]any{}
			}
			existing.Properties[pk] = pv
		}
		return existing.Ref()
	}
	if n.Properties == nil {
		n.Properties = map[string]any{}
	}
	b.nodeIndex[k] = len(b.result.Nodes)
	b.result.Nodes = append(b.result.Nodes, n)
	return n.Ref()
}

func (b *resultBuilder) defined(r Ref) bool {
	_, ok := b.nodeIndex[r.key()]
	return ok
}

func (b *resultBuilder) link(src, dst Ref, rel Relationship, props map[string]any) {
	if src.Name == "" || dst.Name == "" {
		return
	}
	k := src.key() + "|" + string(rel) + "|" + dst.key()
	if b.edgeSeen[k] {
		return
	}
	b.edgeSeen[k] = true
	b.result.Edges = append(b.result.Edges, Edge{
		Source:       src,
		Target:       dst,
		Relationship: rel,
		Properties:   props,
	})
}

// finish computes external refs: edge endpoints not defined in this unit,
// sorted for deterministic output.
func (b *resultBuilder) finish() *LineageResult {
	seen := make(map[string]bool)
	var refs []Ref
	for _, e := range b.result.Edges {
		for _, r := range []Ref{e.Source, e.Target} {
			if b.defined(r) || seen[r.key()] {
				continue
			}
			seen[r.key()] = true
			refs = append(refs, r)
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].key() < refs[j].key() })
	if refs == nil {
		refs = []Ref{}
	}
	b.result.ExternalRefs = refs
	return b.result
}
