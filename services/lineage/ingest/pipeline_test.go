// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/enrich"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
	"github.com/AleutianAI/AleutianLineage/services/lineage/policy"
	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

const (
	ordersSQL  = "CREATE TABLE orders (id INT, customer_id INT, amount NUMERIC);\n"
	summarySQL = `CREATE PROCEDURE build_summary AS
BEGIN
    INSERT INTO orders_summary
    SELECT customer_id, SUM(amount) FROM orders GROUP BY customer_id;
END;
`
)

// countingEmbedder returns {len(text), 1} and counts calls.
type countingEmbedder struct {
	calls atomic.Int32
	texts atomic.Int32
}

func (e *countingEmbedder) Model() string { return "counting" }

func (e *countingEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	e.calls.Add(1)
	e.texts.Add(int32(len(texts)))
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = []float32{float32(len(t)), 1}
	}
	return out, nil
}

// spyInvalidator wraps the cached embedder and records invalidations.
type spyInvalidator struct {
	inner  Invalidator
	mu     sync.Mutex
	hashes []string
}

func (s *spyInvalidator) Invalidate(ctx context.Context, hashes ...string) error {
	s.mu.Lock()
	s.hashes = append(s.hashes, hashes...)
	s.mu.Unlock()
	return s.inner.Invalidate(ctx, hashes...)
}

// spyObserver records observer callbacks.
type spyObserver struct {
	mu       sync.Mutex
	outcomes []string
	enriched []int
}

func (o *spyObserver) FileIngested(outcome string, _ int, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, outcome)
}

func (o *spyObserver) EnrichmentDone(created int, _ error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enriched = append(o.enriched, created)
}

type harness struct {
	pipeline  *Pipeline
	store     *graph.BadgerStore
	extractor *graph.Extractor
	manifest  *Manifest
	index     *index.BleveIndex
	provider  *countingEmbedder
	inval     *spyInvalidator
	observer  *spyObserver
	registry  *ast.Registry
}

type harnessOption func(*Deps, *Config)

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	db, err := lbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	reg, err := ast.NewRegistryFromNames(ast.DefaultPluginOrder, nil)
	require.NoError(t, err)

	idx, err := index.NewBleveIndex("", 2, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })

	h := &harness{
		store:    graph.NewBadgerStore(db),
		manifest: NewManifest(db),
		index:    idx,
		provider: &countingEmbedder{},
		observer: &spyObserver{},
		registry: reg,
	}
	h.extractor = graph.NewExtractor(h.store)
	cached := embed.NewCached(h.provider, cache.NewMemoryCache(256, cache.DefaultConfig()))
	h.inval = &spyInvalidator{inner: cached}

	deps := Deps{
		Registry:    reg,
		Extractor:   h.extractor,
		Manifest:    h.manifest,
		Index:       idx,
		Embedder:    cached,
		Invalidator: h.inval,
		Observer:    h.observer,
	}
	cfg := DefaultConfig()
	cfg.ChunkSize = 80
	cfg.ChunkOverlap = 0
	for _, o := range opts {
		o(&deps, &cfg)
	}
	h.pipeline, err = NewPipeline(deps, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = h.pipeline.Close() })
	return h
}

func files(kv ...string) []ast.SourceFile {
	out := make([]ast.SourceFile, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, ast.SourceFile{Path: kv[i], Content: []byte(kv[i+1])})
	}
	return out
}

func TestIngestFiles_OrdersScenario(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.pipeline.IngestFiles(ctx, "p", files("tables/orders.sql", ordersSQL, "procs/summary.sql", summarySQL))
	require.NoError(t, err)
	require.Len(t, report.Files, 2)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, 2, report.Counts["succeeded"])
	for _, fr := range report.Files {
		assert.True(t, fr.Changed)
		assert.Positive(t, fr.Chunks)
		assert.Empty(t, fr.IndexError)
	}

	nodes, err := h.store.NodesByScope(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	edges, err := h.store.Edges(ctx, "p")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, graph.StatusApproved, e.Status)
		assert.Equal(t, graph.SourceParser, e.SourceKind)
	}

	hits, err := h.index.SparseSearch(ctx, index.SparseQuery{Text: "orders_summary", Scope: "p", Limit: 5})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "procs/summary.sql", hits[0].Metadata.Path)

	entry, err := h.manifest.Get(ctx, "p", "tables/orders.sql")
	require.NoError(t, err)
	assert.Equal(t, embed.ContentHash(ordersSQL), entry.ContentHash)
	assert.Equal(t, report.RunID, entry.RunID)

	assert.ElementsMatch(t, []string{"succeeded", "succeeded"}, h.observer.outcomes)
}

func TestIngestFiles_Isolation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.Register("boom", []string{".boom"},
		ast.ParserFunc(func(context.Context, []byte, ast.ParseContext) (*ast.LineageResult, error) {
			panic("parser bug")
		})))

	report, err := h.pipeline.IngestFiles(context.Background(), "p", files(
		"a.sql", ordersSQL,
		"bad.boom", "anything",
		"b.sql", summarySQL,
	))
	require.NoError(t, err)
	require.Len(t, report.Files, 3)
	assert.Equal(t, "succeeded", report.Files[0].Outcome)
	assert.Equal(t, "failed", report.Files[1].Outcome)
	assert.NotEmpty(t, report.Files[1].Error)
	assert.Equal(t, "succeeded", report.Files[2].Outcome)
	assert.Equal(t, 2, report.Graph.EdgesCreated)
}

func TestIngestFiles_Idempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	in := files("a.sql", ordersSQL, "b.sql", summarySQL)

	_, err := h.pipeline.IngestFiles(ctx, "p", in)
	require.NoError(t, err)
	embedded := h.provider.texts.Load()
	docs := h.index.Len()

	report, err := h.pipeline.IngestFiles(ctx, "p", in)
	require.NoError(t, err)
	for _, fr := range report.Files {
		assert.False(t, fr.Changed)
	}
	assert.False(t, report.Graph.Changed())
	assert.Equal(t, embedded, h.provider.texts.Load(), "unchanged chunks come from cache")
	assert.Equal(t, docs, h.index.Len())
	assert.Empty(t, h.inval.hashes)
}

func TestIngestFiles_ChangedContentInvalidates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", ordersSQL))
	require.NoError(t, err)
	before := h.provider.texts.Load()
	prev, err := h.manifest.Get(ctx, "p", "a.sql")
	require.NoError(t, err)

	changed := "CREATE TABLE orders (id BIGINT);\n"
	report, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", changed))
	require.NoError(t, err)
	assert.True(t, report.Files[0].Changed)
	assert.Equal(t, prev.ChunkHashes, h.inval.hashes)
	assert.Greater(t, h.provider.texts.Load(), before)

	hits, err := h.index.SparseSearch(ctx, index.SparseQuery{Text: "customer_id", Scope: "p", Limit: 5})
	require.NoError(t, err)
	assert.Empty(t, hits, "old chunk text is replaced")
}

func TestIngestFiles_Errors(t *testing.T) {
	h := newHarness(t)

	_, err := h.pipeline.IngestFiles(context.Background(), "bad scope", files("a.sql", ordersSQL))
	assert.ErrorIs(t, err, graph.ErrInvalidScope)

	empty := newHarness(t, func(d *Deps, _ *Config) { d.Registry = ast.NewRegistry() })
	_, err = empty.pipeline.IngestFiles(context.Background(), "p", files("a.sql", ordersSQL))
	assert.ErrorIs(t, err, ast.ErrNoParsers)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = h.pipeline.IngestFiles(ctx, "p", files("a.sql", ordersSQL))
	assert.ErrorIs(t, err, context.Canceled)
}

// failingIndex rejects every write.
type failingIndex struct{ index.Index }

func (failingIndex) Upsert(context.Context, []index.SearchDocument) error {
	return index.ErrBackendUnavailable
}

func (failingIndex) DeletePath(context.Context, string, string) error {
	return index.ErrBackendUnavailable
}

func TestIngestFiles_IndexOutageIsPerFile(t *testing.T) {
	h := newHarness(t, func(d *Deps, _ *Config) { d.Index = failingIndex{} })
	ctx := context.Background()

	report, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", ordersSQL))
	require.NoError(t, err)
	fr := report.Files[0]
	assert.Equal(t, "succeeded", fr.Outcome)
	assert.Contains(t, fr.IndexError, "unavailable")
	assert.Equal(t, 1, fr.Graph.NodesCreated)

	_, err = h.manifest.Get(ctx, "p", "a.sql")
	assert.ErrorIs(t, err, ErrEntryNotFound, "retried next run")
}

func TestRemoveFile(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", ordersSQL))
	require.NoError(t, err)
	require.Positive(t, h.index.Len())

	require.NoError(t, h.pipeline.RemoveFile(ctx, "p", "a.sql"))
	assert.Zero(t, h.index.Len())
	assert.NotEmpty(t, h.inval.hashes)
	_, err = h.manifest.Get(ctx, "p", "a.sql")
	assert.ErrorIs(t, err, ErrEntryNotFound)

	// The graph keeps what was learned.
	nodes, err := h.store.NodesByScope(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, nodes, 1)

	require.NoError(t, h.pipeline.RemoveFile(ctx, "p", "never.sql"))
}

func TestIngestDir(t *testing.T) {
	h := newHarness(t)
	root := t.TempDir()
	write := func(rel, content string) {
		full := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
		require.NoError(t, os.WriteFile(full, []byte(content), 0o644))
	}
	write(".gitignore", "build/\n")
	write("sql/orders.sql", ordersSQL)
	write("sql/summary.sql", summarySQL)
	write("build/generated.sql", ordersSQL)
	write("node_modules/pkg/x.sql", ordersSQL)
	write("README.txt", "not parsed")

	report, err := h.pipeline.IngestDir(context.Background(), "p", root)
	require.NoError(t, err)
	var paths []string
	for _, fr := range report.Files {
		paths = append(paths, fr.Path)
	}
	assert.Equal(t, []string{"sql/orders.sql", "sql/summary.sql"}, paths)

	_, err = h.pipeline.IngestDir(context.Background(), "p", filepath.Join(root, "missing"))
	assert.Error(t, err)
}

func TestIngestFiles_MaxFileSize(t *testing.T) {
	h := newHarness(t, func(_ *Deps, c *Config) { c.MaxFileSize = 10 })
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.sql"), []byte(ordersSQL), 0o644))

	report, err := h.pipeline.IngestDir(context.Background(), "p", root)
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, OutcomeTooLarge, report.Files[0].Outcome)
}

func TestIngestFiles_SizeLimitWithoutWalk(t *testing.T) {
	h := newHarness(t, func(_ *Deps, c *Config) { c.MaxFileSize = 64 })
	ctx := context.Background()

	big := strings.Repeat(ordersSQL, 20)
	report, err := h.pipeline.IngestFiles(ctx, "p", files("big.sql", big, "small.sql", "CREATE TABLE t (id INT);\n"))
	require.NoError(t, err)
	require.Len(t, report.Files, 2)

	assert.Equal(t, "big.sql", report.Files[0].Path)
	assert.Equal(t, OutcomeTooLarge, report.Files[0].Outcome)
	assert.Zero(t, report.Files[0].Chunks)
	assert.Equal(t, "small.sql", report.Files[1].Path)
	assert.Equal(t, "succeeded", report.Files[1].Outcome)
	assert.Equal(t, 1, report.Counts[OutcomeTooLarge])

	_, err = h.manifest.Get(ctx, "p", "big.sql")
	assert.ErrorIs(t, err, ErrEntryNotFound)
	hits, err := h.index.SparseSearch(ctx, index.SparseQuery{Text: "orders", Scope: "p", Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, hits)
	assert.Equal(t, 1, h.index.Len())
}

func TestIngestFiles_UnclaimedFileNotIndexed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	report, err := h.pipeline.IngestFiles(ctx, "p", files("notes/README.md", "orders are loaded nightly"))
	require.NoError(t, err)
	require.Len(t, report.Files, 1)
	assert.Equal(t, "skipped", report.Files[0].Outcome)
	assert.Zero(t, report.Files[0].Chunks)
	assert.Zero(t, h.provider.calls.Load())
	assert.Zero(t, h.index.Len())

	_, err = h.manifest.Get(ctx, "p", "notes/README.md")
	assert.ErrorIs(t, err, ErrEntryNotFound)
}

func TestIngestFiles_Enrichment(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	h := newHarness(t)

	inf := enrich.InfererFunc(func(ctx context.Context, _ string) (string, error) {
		calls.Add(1)
		<-release
		proc, _ := graph.URN("p", ast.LabelFunction, "build_summary")
		orders, _ := graph.URN("p", ast.LabelDataAsset, "orders")
		summary, _ := graph.URN("p", ast.LabelDataAsset, "orders_summary")
		return `{"edges":[
			{"source":"` + summary + `","target":"` + orders + `","relationship":"DERIVES","confidence":0.8},
			{"source":"` + proc + `","target":"` + orders + `","relationship":"READS_FROM","confidence":0.9}
		]}`, nil
	})
	gcfg := enrich.DefaultConfig()
	gcfg.RatePerSecond = 0
	gw, err := enrich.NewGateway(inf, h.extractor, gcfg)
	require.NoError(t, err)
	h.pipeline.deps.Gateway = gw
	h.pipeline.cfg.Enrich = true

	ctx := context.Background()
	report, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", ordersSQL, "b.sql", summarySQL))
	require.NoError(t, err)
	// The run reported while the model is still blocked.
	assert.True(t, report.EnrichmentScheduled)

	close(release)
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, h.pipeline.WaitEnrichment(waitCtx))
	assert.Equal(t, int32(1), calls.Load())

	edges, err := h.store.Edges(ctx, "p")
	require.NoError(t, err)
	var proposed int
	for _, e := range edges {
		if e.SourceKind == graph.SourceLLM {
			proposed++
			assert.Equal(t, graph.StatusProposed, e.Status)
		}
	}
	assert.Equal(t, 1, proposed, "the READS_FROM proposal duplicates a parser edge")
	assert.Equal(t, []int{1}, h.observer.enriched)
}

func TestNewPipeline_Requires(t *testing.T) {
	_, err := NewPipeline(Deps{}, DefaultConfig())
	assert.Error(t, err)

	h := newHarness(t)
	_, err = NewPipeline(Deps{
		Registry:  h.registry,
		Extractor: h.extractor,
		Manifest:  h.manifest,
		Index:     h.index,
	}, Config{})
	assert.Error(t, err, "index without embedder")
}

func TestWaitEnrichment_ContextDone(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.pipeline.bg.Go(func() { <-block })
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.pipeline.WaitEnrichment(ctx), context.DeadlineExceeded)
}

func TestIngestFiles_RedactsBeforeIndexing(t *testing.T) {
	engine, err := policy.New()
	require.NoError(t, err)
	redactor, err := engine.Redactor("secret")
	require.NoError(t, err)
	h := newHarness(t, func(d *Deps, _ *Config) { d.Redactor = redactor })
	ctx := context.Background()

	src := "CREATE TABLE orders (id INT); -- key AKIA1234567890123456\n"
	report, err := h.pipeline.IngestFiles(ctx, "p", files("a.sql", src))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Files[0].Redactions)
	assert.Equal(t, 1, report.Files[0].Graph.NodesCreated, "parsing sees the original text")

	hits, err := h.index.SparseSearch(ctx, index.SparseQuery{Text: "orders", Scope: "p", Limit: 5})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.NotContains(t, hits[0].Text, "AKIA1234567890123456")
	assert.Contains(t, hits[0].Text, "[REDACTED:AWS_ACCESS_KEY_ID]")
}
