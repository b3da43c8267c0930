// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"sort"
	"time"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

// SourceKind records who asserted an edge.
type SourceKind string

const (
	// SourceParser edges come from deterministic parsing.
	SourceParser SourceKind = "parser"

	// SourceLLM edges come from model inference.
	SourceLLM SourceKind = "llm"
)

// Status is the review state of an edge.
type Status string

const (
	StatusApproved Status = "approved"
	StatusProposed Status = "proposed"
)

// Node is a persisted lineage entity.
type Node struct {
	URN        string         `json:"urn"`
	Label      ast.Label      `json:"label"`
	Type       ast.NodeType   `json:"type"`
	Name       string         `json:"name"`
	Scope      string         `json:"scope"`
	Properties map[string]any `json:"properties,omitempty"`

	// Stub is true until some unit defines the entity.
	Stub bool `json:"stub"`

	// Sources lists the files that defined (or first referenced) the node.
	Sources []string `json:"sources,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Edge is a persisted lineage fact.
type Edge struct {
	SourceURN    string           `json:"source_urn"`
	TargetURN    string           `json:"target_urn"`
	Relationship ast.Relationship `json:"relationship"`
	SourceKind   SourceKind       `json:"source_kind"`
	Confidence   float64          `json:"confidence"`
	Status       Status           `json:"status"`
	Properties   map[string]any   `json:"properties,omitempty"`

	// Sources lists "path" or "path:line" origins of a parser edge.
	Sources []string `json:"sources,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Key returns the deduplication key of the edge.
func (e *Edge) Key() EdgeKey {
	return EdgeKey{Source: e.SourceURN, Target: e.TargetURN, Relationship: e.Relationship, Kind: e.SourceKind}
}

// EdgeKey identifies an edge. Parser and model assertions of the same
// relationship are distinct edges.
type EdgeKey struct {
	Source       string
	Target       string
	Relationship ast.Relationship
	Kind         SourceKind
}

// EdgeProposal is a relationship suggested by a model.
type EdgeProposal struct {
	SourceURN    string           `json:"source_urn"`
	TargetURN    string           `json:"target_urn"`
	Relationship ast.Relationship `json:"relationship"`
	Confidence   float64          `json:"confidence"`
	Rationale    string           `json:"rationale,omitempty"`
	Model        string           `json:"model,omitempty"`

	// SourceKind and Status are always llm and proposed.
	SourceKind SourceKind `json:"source_kind"`
	Status     Status     `json:"status"`
}

// ApplySummary counts what a write changed.
type ApplySummary struct {
	NodesCreated   int `json:"nodes_created"`
	NodesUpdated   int `json:"nodes_updated"`
	NodesUnchanged int `json:"nodes_unchanged"`
	EdgesCreated   int `json:"edges_created"`
	EdgesUpdated   int `json:"edges_updated"`
	EdgesUnchanged int `json:"edges_unchanged"`
	StubsCreated   int `json:"stubs_created"`

	// Rejected counts entities, edges, or proposals that failed validation.
	Rejected int `json:"rejected"`

	// Skipped counts proposals that duplicate an approved parser edge.
	Skipped int `json:"skipped"`

	// Touched lists the URNs the write defined or referenced.
	Touched []string `json:"touched,omitempty"`

	Failed []UnitFailure `json:"failed,omitempty"`
}

// Add accumulates o into s.
func (s *ApplySummary) Add(o ApplySummary) {
	s.NodesCreated += o.NodesCreated
	s.NodesUpdated += o.NodesUpdated
	s.NodesUnchanged += o.NodesUnchanged
	s.EdgesCreated += o.EdgesCreated
	s.EdgesUpdated += o.EdgesUpdated
	s.EdgesUnchanged += o.EdgesUnchanged
	s.StubsCreated += o.StubsCreated
	s.Rejected += o.Rejected
	s.Skipped += o.Skipped
	s.Touched = append(s.Touched, o.Touched...)
	s.Failed = append(s.Failed, o.Failed...)
}

// Changed reports whether anything besides timestamps was written.
func (s ApplySummary) Changed() bool {
	return s.NodesCreated+s.NodesUpdated+s.EdgesCreated+s.EdgesUpdated+s.StubsCreated > 0
}

// NodeLineage is a node with its direct edges.
type NodeLineage struct {
	Node Node `json:"node"`

	// Outgoing edges have the node as source (what it reads, writes, calls).
	Outgoing []Edge `json:"outgoing"`

	// Incoming edges have the node as target.
	Incoming []Edge `json:"incoming"`
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortEdgeKeys(keys []EdgeKey) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Source != b.Source {
			return a.Source < b.Source
		}
		if a.Relationship != b.Relationship {
			return a.Relationship < b.Relationship
		}
		if a.Target != b.Target {
			return a.Target < b.Target
		}
		return a.Kind < b.Kind
	})
}
