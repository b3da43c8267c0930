// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lineage

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/config"
	"github.com/AleutianAI/AleutianLineage/services/lineage/enrich"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/telemetry"
)

// keywordEmbedder maps text onto counts of a few fixed words.
type keywordEmbedder struct{}

var keywords = []string{"orders", "summary", "customer", "amount"}

func (keywordEmbedder) Model() string { return "keywords" }

func (keywordEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, len(keywords))
		lower := strings.ToLower(t)
		for j, k := range keywords {
			v[j] = float32(strings.Count(lower, k)) + 0.01
		}
		out[i] = v
	}
	return out, nil
}

func testConfig() config.Config {
	cfg := config.DefaultConfig()
	cfg.Scope = "warehouse"
	cfg.Embedding.Dimension = len(keywords)
	cfg.Ingest.ChunkSize = 200
	cfg.Ingest.ChunkOverlap = 0
	cfg.Enrichment.RatePerSecond = 0
	return cfg
}

func TestService_IngestSearchEnrich(t *testing.T) {
	cfg := testConfig()
	cfg.Ingest.Enrich = true
	cfg.Enrichment.Model = "test-model"

	reg := prometheus.NewRegistry()
	metrics := telemetry.NewMetrics(reg)

	orders, _ := graph.URN("warehouse", ast.LabelDataAsset, "orders")
	summary, _ := graph.URN("warehouse", ast.LabelDataAsset, "orders_summary")
	inf := enrich.InfererFunc(func(context.Context, string) (string, error) {
		return "```json\n{\"edges\":[{\"source\":\"" + summary + "\",\"target\":\"" + orders +
			"\",\"relationship\":\"DERIVES\",\"confidence\":0.9}]}\n```", nil
	})

	svc, err := New(context.Background(), cfg, Options{
		InMemory: true,
		Embedder: keywordEmbedder{},
		Inferer:  inf,
		Metrics:  metrics,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = svc.Close() })
	require.NotNil(t, svc.Gateway)

	ctx := context.Background()
	report, err := svc.Pipeline.IngestFiles(ctx, cfg.Scope, []ast.SourceFile{
		{Path: "ddl/orders.sql", Content: []byte("CREATE TABLE orders (id INT, customer_id INT, amount NUMERIC);")},
		{Path: "procs/summary.sql", Content: []byte(`CREATE PROCEDURE build_summary AS
BEGIN
    INSERT INTO orders_summary
    SELECT customer_id, SUM(amount) FROM orders GROUP BY customer_id;
END;`)},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, report.Counts["succeeded"])
	require.True(t, report.EnrichmentScheduled)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, svc.Pipeline.WaitEnrichment(waitCtx))

	edges, err := svc.Store.Edges(ctx, cfg.Scope)
	require.NoError(t, err)
	var approved, proposed int
	for _, e := range edges {
		switch e.Status {
		case graph.StatusApproved:
			approved++
		case graph.StatusProposed:
			proposed++
		}
	}
	assert.Equal(t, 2, approved)
	assert.Equal(t, 1, proposed)

	resp, err := svc.Search(ctx, "orders_summary", 5, nil)
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	require.NotEmpty(t, resp.Results)
	assert.Equal(t, "procs/summary.sql", resp.Results[0].Metadata.Path)

	dense := 1.0
	resp, err = svc.Search(ctx, "customer amount", 1, &dense)
	require.NoError(t, err)
	assert.Len(t, resp.Results, 1)

	assert.Equal(t, 2.0, counterTotal(t, reg, "lineage_files_ingested_total"))
}

func TestService_NoEnrichmentWithoutModel(t *testing.T) {
	svc, err := New(context.Background(), testConfig(), Options{InMemory: true, Embedder: keywordEmbedder{}})
	require.NoError(t, err)
	defer svc.Close()
	assert.Nil(t, svc.Gateway)
}

func TestService_BadPluginsCloseEverything(t *testing.T) {
	cfg := testConfig()
	cfg.Plugins.Order = []string{"cobol"}
	_, err := New(context.Background(), cfg, Options{InMemory: true, Embedder: keywordEmbedder{}})
	assert.ErrorContains(t, err, "register plugins")
}

func TestService_PersistentDataDir(t *testing.T) {
	cfg := testConfig()
	cfg.DataDir = t.TempDir()
	ctx := context.Background()

	svc, err := New(ctx, cfg, Options{Embedder: keywordEmbedder{}})
	require.NoError(t, err)
	_, err = svc.Pipeline.IngestFiles(ctx, cfg.Scope, []ast.SourceFile{
		{Path: "orders.sql", Content: []byte("CREATE TABLE orders (id INT);")},
	})
	require.NoError(t, err)
	require.NoError(t, svc.Close())

	svc, err = New(ctx, cfg, Options{Embedder: keywordEmbedder{}})
	require.NoError(t, err)
	defer svc.Close()
	nodes, err := svc.Store.NodesByScope(ctx, cfg.Scope)
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	resp, err := svc.Search(ctx, "orders", 3, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, resp.Results)
}

// counterTotal sums a counter family across labels.
func counterTotal(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	var total float64
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, m := range f.GetMetric() {
			total += m.GetCounter().GetValue()
		}
	}
	return total
}
