// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

const systemPrompt = `You are a data lineage analyst. You are given lineage graph nodes
(tables, views, procedures, functions, jobs). Propose relationships between
them that the source code implies but a parser may have missed.

Rules:
- Only use URNs from the provided node list. Never invent nodes.
- relationship is one of READS_FROM, WRITES_TO, CALLS, DERIVES, EXECUTES.
- confidence is a number between 0 and 1.
- Answer with one JSON object: {"edges":[{"source":"<urn>","target":"<urn>","relationship":"<REL>","confidence":0.0,"rationale":"<short reason>"}]}
- Answer {"edges":[]} when nothing is implied.`

type promptNode struct {
	URN   string         `json:"urn"`
	Label ast.Label      `json:"label"`
	Type  ast.NodeType   `json:"type"`
	Name  string         `json:"name"`
	Stub  bool           `json:"stub,omitempty"`
	Props map[string]any `json:"properties,omitempty"`
}

// buildPrompt renders the context nodes as the user message.
func buildPrompt(nodes []graph.Node) (string, error) {
	doc := struct {
		Nodes []promptNode `json:"nodes"`
	}{Nodes: make([]promptNode, len(nodes))}
	for i, n := range nodes {
		doc.Nodes[i] = promptNode{URN: n.URN, Label: n.Label, Type: n.Type, Name: n.Name, Stub: n.Stub, Props: n.Properties}
	}
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode prompt: %w", err)
	}
	return "Lineage nodes:\n" + string(raw) + "\n\nPropose edges as JSON.", nil
}

type rawProposal struct {
	Source       string   `json:"source"`
	Target       string   `json:"target"`
	Relationship string   `json:"relationship"`
	Confidence   *float64 `json:"confidence"`
	Rationale    string   `json:"rationale"`
}

// confidence is the model's value for logging, nil when it gave none.
func (r rawProposal) confidence() any {
	if r.Confidence == nil {
		return nil
	}
	return *r.Confidence
}

// decodeAnswer accepts {"edges":[...]} or a bare array, optionally wrapped
// in a markdown code fence.
func decodeAnswer(answer string) ([]rawProposal, error) {
	s := stripFences(answer)
	if s == "" {
		return nil, fmt.Errorf("%w: empty answer", ErrMalformedOutput)
	}
	if strings.HasPrefix(s, "[") {
		var list []rawProposal
		if err := json.Unmarshal([]byte(s), &list); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
		}
		return list, nil
	}
	var doc struct {
		Edges *[]rawProposal `json:"edges"`
	}
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedOutput, err)
	}
	if doc.Edges == nil {
		return nil, fmt.Errorf("%w: missing edges", ErrMalformedOutput)
	}
	return *doc.Edges, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	// Drop the info string ("json").
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}
