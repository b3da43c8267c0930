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
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

func urn(t *testing.T, label ast.Label, name string) string {
	t.Helper()
	u, err := graph.URN("p", label, name)
	require.NoError(t, err)
	return u
}

func contextNodes(t *testing.T) []graph.Node {
	return []graph.Node{
		{URN: urn(t, ast.LabelDataAsset, "orders"), Label: ast.LabelDataAsset, Type: ast.TypeTable, Name: "orders", Scope: "p"},
		{URN: urn(t, ast.LabelDataAsset, "orders_summary"), Label: ast.LabelDataAsset, Type: ast.TypeTable, Name: "orders_summary", Scope: "p"},
		{URN: urn(t, ast.LabelFunction, "build_summary"), Label: ast.LabelFunction, Type: ast.TypeProcedure, Name: "build_summary", Scope: "p"},
	}
}

func answer(edges ...string) string {
	return `{"edges":[` + strings.Join(edges, ",") + `]}`
}

func edgeJSON(src, dst, rel string, conf float64) string {
	return fmt.Sprintf(`{"source":%q,"target":%q,"relationship":%q,"confidence":%v,"rationale":"r"}`, src, dst, rel, conf)
}

func fixed(s string) Inferer {
	return InfererFunc(func(context.Context, string) (string, error) { return s, nil })
}

func newGateway(t *testing.T, inf Inferer, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	cfg.Model = "test-model"
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGateway(inf, nil, cfg)
	require.NoError(t, err)
	return g
}

func TestPropose_Accepts(t *testing.T) {
	nodes := contextNodes(t)
	orders, summary := nodes[0].URN, nodes[1].URN

	var prompt string
	inf := InfererFunc(func(_ context.Context, p string) (string, error) {
		prompt = p
		return answer(
			edgeJSON(summary, orders, "derives", 0.8),
			edgeJSON(summary, orders, "DERIVES", 0.9),
		), nil
	})
	got := newGateway(t, inf, nil).Propose(context.Background(), nodes)

	require.Len(t, got, 1, "duplicates collapse")
	p := got[0]
	assert.Equal(t, summary, p.SourceURN)
	assert.Equal(t, orders, p.TargetURN)
	assert.Equal(t, ast.RelDerives, p.Relationship)
	assert.InDelta(t, 0.8, p.Confidence, 1e-9)
	assert.Equal(t, graph.SourceLLM, p.SourceKind)
	assert.Equal(t, graph.StatusProposed, p.Status)
	assert.Equal(t, "test-model", p.Model)

	for _, n := range nodes {
		assert.Contains(t, prompt, n.URN)
	}
}

func TestPropose_Drops(t *testing.T) {
	nodes := contextNodes(t)
	orders, summary, proc := nodes[0].URN, nodes[1].URN, nodes[2].URN
	invented := urn(t, ast.LabelDataAsset, "invented")

	inf := fixed(answer(
		edgeJSON(proc, invented, "WRITES_TO", 0.9),    // unknown target
		edgeJSON(invented, orders, "READS_FROM", 0.9), // unknown source
		edgeJSON(orders, orders, "DERIVES", 0.9),
		edgeJSON(proc, orders, "OWNS", 0.9),
		edgeJSON(proc, orders, "READS_FROM", 1.5),
		edgeJSON(proc, orders, "READS_FROM", -0.1),
		edgeJSON(proc, summary, "WRITES_TO", 0.2), // below minimum
		edgeJSON(proc, summary, "WRITES_TO", 0.7),
	))
	got := newGateway(t, inf, func(c *Config) { c.MinConfidence = 0.5 }).Propose(context.Background(), nodes)

	require.Len(t, got, 1)
	assert.Equal(t, proc, got[0].SourceURN)
	assert.Equal(t, summary, got[0].TargetURN)
	assert.Equal(t, ast.RelWritesTo, got[0].Relationship)
}

func TestPropose_DropsMissingConfidence(t *testing.T) {
	nodes := contextNodes(t)
	orders, summary := nodes[0].URN, nodes[1].URN

	inf := fixed(answer(
		fmt.Sprintf(`{"source":%q,"target":%q,"relationship":"DERIVES","rationale":"r"}`, summary, orders),
		fmt.Sprintf(`{"source":%q,"target":%q,"relationship":"CALLS","confidence":null}`, summary, orders),
		edgeJSON(summary, orders, "READS_FROM", 0),
	))
	got := newGateway(t, inf, nil).Propose(context.Background(), nodes)

	require.Len(t, got, 1, "an explicit zero is a confidence; an absent one is not")
	assert.Equal(t, ast.RelReadsFrom, got[0].Relationship)
	assert.Zero(t, got[0].Confidence)
}

func TestPropose_FailOpen(t *testing.T) {
	nodes := contextNodes(t)
	tests := []struct {
		name string
		inf  Inferer
	}{
		{"provider error", InfererFunc(func(context.Context, string) (string, error) {
			return "", errors.New("503 service unavailable")
		})},
		{"not json", fixed("I think orders feeds the summary.")},
		{"wrong shape", fixed(`{"answer":"none"}`)},
		{"empty", fixed("   ")},
		{"timeout", InfererFunc(func(ctx context.Context, _ string) (string, error) {
			<-ctx.Done()
			return "", ctx.Err()
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newGateway(t, tt.inf, func(c *Config) { c.Timeout = 20 * time.Millisecond })
			start := time.Now()
			assert.Empty(t, g.Propose(context.Background(), nodes))
			assert.Less(t, time.Since(start), time.Second)
		})
	}
}

func TestPropose_ContextBounds(t *testing.T) {
	nodes := contextNodes(t)
	orders, summary, proc := nodes[0].URN, nodes[1].URN, nodes[2].URN

	t.Run("fewer than two nodes skips the model", func(t *testing.T) {
		var calls atomic.Int32
		inf := InfererFunc(func(context.Context, string) (string, error) {
			calls.Add(1)
			return answer(), nil
		})
		assert.Empty(t, newGateway(t, inf, nil).Propose(context.Background(), nodes[:1]))
		assert.Zero(t, calls.Load())
	})

	t.Run("nodes past the cap are unknown", func(t *testing.T) {
		var prompt string
		inf := InfererFunc(func(_ context.Context, p string) (string, error) {
			prompt = p
			return answer(
				edgeJSON(summary, orders, "DERIVES", 0.9),
				edgeJSON(proc, orders, "READS_FROM", 0.9),
			), nil
		})
		got := newGateway(t, inf, func(c *Config) { c.MaxContextNodes = 2 }).Propose(context.Background(), nodes)
		require.Len(t, got, 1)
		assert.Equal(t, summary, got[0].SourceURN)
		assert.NotContains(t, prompt, proc)
	})

	t.Run("cancelled caller", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		g := newGateway(t, fixed(answer(edgeJSON(summary, orders, "DERIVES", 0.9))), func(c *Config) {
			c.RatePerSecond = 0.001
		})
		// Drain the single token so Wait has to block on the cancelled context.
		require.True(t, g.limiter.Allow())
		assert.Empty(t, g.Propose(ctx, nodes))
	})
}

func TestDecodeAnswer(t *testing.T) {
	t.Run("code fence", func(t *testing.T) {
		got, err := decodeAnswer("```json\n{\"edges\":[{\"source\":\"a\",\"target\":\"b\",\"relationship\":\"CALLS\",\"confidence\":0.5}]}\n```")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "CALLS", got[0].Relationship)
		require.NotNil(t, got[0].Confidence)
		assert.InDelta(t, 0.5, *got[0].Confidence, 1e-9)
	})

	t.Run("bare array", func(t *testing.T) {
		got, err := decodeAnswer(`[{"source":"a","target":"b","relationship":"CALLS","confidence":0.5}]`)
		require.NoError(t, err)
		assert.Len(t, got, 1)
	})

	t.Run("empty edges", func(t *testing.T) {
		got, err := decodeAnswer(`{"edges":[]}`)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("malformed", func(t *testing.T) {
		_, err := decodeAnswer(`{"edges":`)
		assert.ErrorIs(t, err, ErrMalformedOutput)
	})
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(nil, nil, DefaultConfig())
	assert.Error(t, err)

	cfg := DefaultConfig()
	cfg.MinConfidence = 2
	_, err = NewGateway(fixed("{}"), nil, cfg)
	assert.Error(t, err)

	g, err := NewGateway(fixed("{}"), nil, Config{})
	require.NoError(t, err)
	assert.Equal(t, 50, g.cfg.MaxContextNodes)
	assert.Equal(t, 30*time.Second, g.cfg.Timeout)

	_, err = g.Enrich(context.Background(), "p", nil)
	assert.Error(t, err, "enrich needs an extractor")
}

func TestEnrich_PersistsProposed(t *testing.T) {
	db, err := lbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := graph.NewBadgerStore(db)
	x := graph.NewExtractor(store)
	ctx := context.Background()

	// build_summary reads orders (parser, approved). orders_summary is only
	// defined, so a model edge to it is new.
	res := ast.NewLineageResult("etl.sql")
	res.Plugin = "sql"
	res.Nodes = []ast.Node{
		{Label: ast.LabelDataAsset, Type: ast.TypeTable, Name: "orders"},
		{Label: ast.LabelDataAsset, Type: ast.TypeTable, Name: "orders_summary"},
		{Label: ast.LabelFunction, Type: ast.TypeProcedure, Name: "build_summary"},
	}
	res.Edges = []ast.Edge{{
		Source:       ast.Ref{Label: ast.LabelFunction, Name: "build_summary"},
		Target:       ast.Ref{Label: ast.LabelDataAsset, Name: "orders"},
		Relationship: ast.RelReadsFrom,
	}}
	_, err = x.Apply(ctx, []*ast.LineageResult{res}, "p")
	require.NoError(t, err)

	orders := urn(t, ast.LabelDataAsset, "orders")
	summary := urn(t, ast.LabelDataAsset, "orders_summary")
	proc := urn(t, ast.LabelFunction, "build_summary")

	// A faulty model claims approval; the extractor boundary ignores it.
	inf := fixed(`{"edges":[
		{"source":"` + proc + `","target":"` + summary + `","relationship":"WRITES_TO","confidence":0.85,"status":"approved","source_kind":"parser"},
		{"source":"` + proc + `","target":"` + orders + `","relationship":"READS_FROM","confidence":0.9}
	]}`)
	cfg := DefaultConfig()
	cfg.RatePerSecond = 0
	g, err := NewGateway(inf, x, cfg)
	require.NoError(t, err)

	summaryApplied, err := g.Enrich(ctx, "p", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, summaryApplied.EdgesCreated)
	assert.Equal(t, 1, summaryApplied.Skipped, "duplicate of the approved parser edge")

	edges, err := store.EdgesFrom(ctx, proc)
	require.NoError(t, err)
	var llm, parser int
	for _, e := range edges {
		switch e.SourceKind {
		case graph.SourceLLM:
			llm++
			assert.Equal(t, graph.StatusProposed, e.Status)
			assert.Equal(t, summary, e.TargetURN)
			assert.InDelta(t, 0.85, e.Confidence, 1e-9)
		case graph.SourceParser:
			parser++
			assert.Equal(t, graph.StatusApproved, e.Status)
		}
	}
	assert.Equal(t, 1, llm)
	assert.Equal(t, 1, parser)

	t.Run("failing model leaves the graph alone", func(t *testing.T) {
		bad, err := NewGateway(InfererFunc(func(context.Context, string) (string, error) {
			return "", errors.New("boom")
		}), x, cfg)
		require.NoError(t, err)
		s, err := bad.Enrich(ctx, "p", []string{orders, summary})
		require.NoError(t, err)
		assert.False(t, s.Changed())
	})
}
