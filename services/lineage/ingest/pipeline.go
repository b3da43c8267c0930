// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ingest drives files through parsing, graph extraction and
// document indexing, and schedules enrichment once a run completes.
//
// Each file is processed independently: a parse failure, graph write
// failure or index outage is recorded in that file's report and never
// aborts the run. Only a registry with no parsers fails the whole call.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/enrich"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
)

// File outcomes beyond the dispatch outcomes.
const (
	OutcomeWriteFailed = "write_failed"
	OutcomeTooLarge    = "too_large"
)

// Invalidator drops cached embeddings by content hash. *embed.Cached
// implements it.
type Invalidator interface {
	Invalidate(ctx context.Context, hashes ...string) error
}

// Redactor masks sensitive text before it is embedded or indexed.
// *policy.Redactor implements it.
type Redactor interface {
	Redact(text string) (string, int)
}

// Observer receives per-file results, e.g. for Prometheus counters.
type Observer interface {
	FileIngested(outcome string, chunks int, d time.Duration)
	EnrichmentDone(created int, err error)
}

// Config tunes the pipeline.
type Config struct {
	// Workers bounds concurrent file processing. Default: 4
	Workers int

	// EmbedBatchSize is the number of chunks per embedding call. Default: 32
	EmbedBatchSize int

	// MaxFileSize skips larger files. Default: 5 MiB
	MaxFileSize int64

	// Enrich schedules model enrichment after each run.
	Enrich bool

	ChunkSize    int
	ChunkOverlap int
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Workers:        4,
		EmbedBatchSize: 32,
		MaxFileSize:    5 << 20,
		ChunkSize:      index.DefaultChunkSize,
		ChunkOverlap:   index.DefaultChunkOverlap,
	}
}

// Deps are the pipeline's collaborators. Index, Embedder, Invalidator,
// Redactor, Gateway and Observer are optional.
type Deps struct {
	Registry    *ast.Registry
	Extractor   *graph.Extractor
	Manifest    *Manifest
	Index       index.Index
	Embedder    embed.Embedder
	Invalidator Invalidator
	Redactor    Redactor
	Gateway     *enrich.Gateway
	Observer    Observer
	Logger      *slog.Logger
}

// FileReport is the outcome of one file.
type FileReport struct {
	Path    string `json:"path"`
	Plugin  string `json:"plugin,omitempty"`
	Outcome string `json:"outcome"`
	Error   string `json:"error,omitempty"`

	// Changed is false when the content hash matches the previous run.
	Changed bool `json:"changed"`

	Chunks     int                `json:"chunks"`
	Redactions int                `json:"redactions,omitempty"`
	IndexError string             `json:"index_error,omitempty"`
	Graph      graph.ApplySummary `json:"graph"`
	Duration   time.Duration      `json:"duration"`
}

// Report is the outcome of one run.
type Report struct {
	RunID    string             `json:"run_id"`
	Scope    string             `json:"scope"`
	Files    []FileReport       `json:"files"`
	Counts   map[string]int     `json:"counts"`
	Graph    graph.ApplySummary `json:"graph"`
	Duration time.Duration      `json:"duration"`

	// EnrichmentScheduled is set when enrichment was started in the
	// background. Use Pipeline.WaitEnrichment to wait for it.
	EnrichmentScheduled bool `json:"enrichment_scheduled"`
}

// Pipeline ingests files into the graph and the document index.
//
// Thread Safety: Safe for concurrent use.
type Pipeline struct {
	deps    Deps
	cfg     Config
	chunker *index.Chunker
	logger  *slog.Logger

	// Enrichment outlives the ingest call that scheduled it and stops on
	// Close.
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewPipeline validates deps and applies config defaults.
func NewPipeline(deps Deps, cfg Config) (*Pipeline, error) {
	switch {
	case deps.Registry == nil:
		return nil, errors.New("ingest: registry is required")
	case deps.Extractor == nil:
		return nil, errors.New("ingest: extractor is required")
	case deps.Manifest == nil:
		return nil, errors.New("ingest: manifest is required")
	case deps.Index != nil && deps.Embedder == nil:
		return nil, errors.New("ingest: an index needs an embedder")
	}
	def := DefaultConfig()
	if cfg.Workers < 1 {
		cfg.Workers = def.Workers
	}
	if cfg.EmbedBatchSize < 1 {
		cfg.EmbedBatchSize = def.EmbedBatchSize
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = def.MaxFileSize
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		deps:     deps,
		cfg:      cfg,
		chunker:  index.NewChunker(cfg.ChunkSize, cfg.ChunkOverlap),
		logger:   deps.Logger.With("component", "ingest"),
		bgCtx:    ctx,
		bgCancel: cancel,
	}, nil
}

// Supported reports whether some parser claims path.
func (p *Pipeline) Supported(path string) bool {
	_, _, ok := p.deps.Registry.Lookup(path)
	return ok
}

// IngestDir walks root, honouring .gitignore, and ingests every file a
// parser claims. Paths in the report are relative to root.
func (p *Pipeline) IngestDir(ctx context.Context, scope, root string) (*Report, error) {
	m, err := NewMatcher(root)
	if err != nil {
		return nil, err
	}
	paths, err := Walk(root, m, p.Supported)
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	files, skipped := p.readFiles(root, paths)
	report, err := p.IngestFiles(ctx, scope, files)
	if err != nil {
		return nil, err
	}
	for _, fr := range skipped {
		report.Files = append(report.Files, fr)
		report.Counts[fr.Outcome]++
	}
	return report, nil
}

func (p *Pipeline) readFiles(root string, paths []string) ([]ast.SourceFile, []FileReport) {
	files := make([]ast.SourceFile, 0, len(paths))
	var skipped []FileReport
	for _, rel := range paths {
		full := filepath.Join(root, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err == nil && info.Size() > p.cfg.MaxFileSize {
			p.logger.Warn("skipping large file", "path", rel, "size", info.Size())
			skipped = append(skipped, FileReport{Path: rel, Outcome: OutcomeTooLarge})
			continue
		}
		content, err := os.ReadFile(full)
		if err != nil {
			skipped = append(skipped, FileReport{Path: rel, Outcome: ast.OutcomeFailed.String(), Error: err.Error()})
			continue
		}
		files = append(files, ast.SourceFile{Path: rel, Content: content})
	}
	return files, skipped
}

// IngestFiles parses, extracts and indexes files under scope.
//
// Outputs:
//
//	*Report - One FileReport per input file, in input order.
//	error   - ast.ErrNoParsers, graph.ErrInvalidScope, or ctx.Err() when
//	          the caller cancelled. Per-file failures are in the report.
func (p *Pipeline) IngestFiles(ctx context.Context, scope string, files []ast.SourceFile) (*Report, error) {
	if err := graph.ValidateScope(scope); err != nil {
		return nil, err
	}
	start := time.Now()
	runID := uuid.NewString()
	logger := p.logger.With("run_id", runID, "scope", scope)

	reports := make([]FileReport, len(files))
	eligible := make([]ast.SourceFile, 0, len(files))
	pos := make([]int, 0, len(files))
	for i, f := range files {
		if size := int64(len(f.Content)); size > p.cfg.MaxFileSize {
			logger.Warn("skipping large file", "path", f.Path, "size", size)
			reports[i] = FileReport{Path: f.Path, Outcome: OutcomeTooLarge}
			continue
		}
		eligible = append(eligible, f)
		pos = append(pos, i)
	}

	batch, err := p.deps.Registry.DispatchBatch(ctx, eligible, scope, p.cfg.Workers)
	if err != nil {
		return nil, err
	}

	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for j, f := range eligible {
		g.Go(func() error {
			reports[pos[j]] = p.processFile(ctx, scope, runID, f, batch.Results[j])
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &Report{RunID: runID, Scope: scope, Files: reports, Counts: make(map[string]int)}
	touched := make(map[string]struct{})
	for _, fr := range reports {
		report.Counts[fr.Outcome]++
		report.Graph.Add(fr.Graph)
		for _, u := range fr.Graph.Touched {
			touched[u] = struct{}{}
		}
	}
	report.Duration = time.Since(start)

	if p.cfg.Enrich && p.deps.Gateway != nil && len(touched) > 1 {
		urns := make([]string, 0, len(touched))
		for u := range touched {
			urns = append(urns, u)
		}
		p.scheduleEnrichment(scope, runID, urns)
		report.EnrichmentScheduled = true
	}

	logger.Info("ingestion run complete",
		"files", len(files),
		"counts", report.Counts,
		"nodes_created", report.Graph.NodesCreated,
		"edges_created", report.Graph.EdgesCreated,
		"duration", report.Duration,
	)
	return report, nil
}

func (p *Pipeline) processFile(ctx context.Context, scope, runID string, f ast.SourceFile, dr ast.DispatchResult) FileReport {
	start := time.Now()
	fr := FileReport{Path: f.Path, Plugin: dr.Plugin, Outcome: dr.Outcome.String()}
	if dr.Err != nil {
		fr.Error = dr.Err.Error()
	}
	defer func() {
		fr.Duration = time.Since(start)
		if p.deps.Observer != nil {
			p.deps.Observer.FileIngested(fr.Outcome, fr.Chunks, fr.Duration)
		}
	}()

	// Unclaimed files carry no lineage and are not searchable content.
	if dr.Outcome == ast.OutcomeSkipped {
		return fr
	}

	if dr.Outcome.HasResult() {
		summary, err := p.deps.Extractor.Apply(ctx, []*ast.LineageResult{dr.Result}, scope)
		fr.Graph = summary
		if err != nil {
			fr.Outcome = OutcomeWriteFailed
			fr.Error = err.Error()
			p.logger.Error("graph write failed", "path", f.Path, "error", err)
		}
	}

	hash := embed.ContentHash(string(f.Content))
	prev, err := p.deps.Manifest.Get(ctx, scope, f.Path)
	if err != nil && !errors.Is(err, ErrEntryNotFound) {
		p.logger.Warn("manifest read failed", "path", f.Path, "error", err)
	}
	fr.Changed = prev == nil || prev.ContentHash != hash

	text := string(f.Content)
	if p.deps.Redactor != nil {
		text, fr.Redactions = p.deps.Redactor.Redact(text)
		if fr.Redactions > 0 {
			p.logger.Info("redacted sensitive content", "path", f.Path, "matches", fr.Redactions)
		}
	}
	chunkHashes, err := p.indexFile(ctx, scope, f.Path, text, prev, fr.Changed)
	fr.Chunks = len(chunkHashes)
	if err != nil {
		fr.IndexError = err.Error()
		p.logger.Warn("indexing failed", "path", f.Path, "error", err)
		// Keep the previous entry so the next run retries the index.
		return fr
	}

	entry := &Entry{
		Scope:       scope,
		Path:        f.Path,
		ContentHash: hash,
		ChunkHashes: chunkHashes,
		Plugin:      dr.Plugin,
		Outcome:     fr.Outcome,
		RunID:       runID,
		IngestedAt:  time.Now().UTC(),
	}
	if err := p.deps.Manifest.Put(ctx, entry); err != nil {
		p.logger.Warn("manifest write failed", "path", f.Path, "error", err)
	}
	return fr
}

// indexFile chunks, embeds and upserts one file. Unchanged content is still
// re-indexed so a lost index recovers; the embeddings come from cache.
func (p *Pipeline) indexFile(ctx context.Context, scope, path, text string, prev *Entry, changed bool) ([]string, error) {
	chunks, err := p.chunker.Split(path, text)
	if err != nil {
		return nil, err
	}
	hashes := make([]string, len(chunks))
	for i, c := range chunks {
		hashes[i] = embed.ContentHash(c)
	}

	if changed && prev != nil && p.deps.Invalidator != nil {
		if stale := staleHashes(prev.ChunkHashes, hashes); len(stale) > 0 {
			if err := p.deps.Invalidator.Invalidate(ctx, stale...); err != nil {
				p.logger.Warn("embedding invalidation failed", "path", path, "error", err)
			}
		}
	}
	if p.deps.Index == nil {
		return hashes, nil
	}

	if prev != nil && len(prev.ChunkHashes) > len(chunks) {
		if err := p.deps.Index.DeletePath(ctx, scope, path); err != nil {
			return hashes, fmt.Errorf("delete stale chunks: %w", err)
		}
	}
	if len(chunks) == 0 {
		return hashes, nil
	}

	docs := make([]index.SearchDocument, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := min(start+p.cfg.EmbedBatchSize, len(chunks))
		vecs, err := p.deps.Embedder.Embed(ctx, chunks[start:end])
		if err != nil {
			return hashes, fmt.Errorf("embed chunks: %w", err)
		}
		for j, v := range vecs {
			i := start + j
			docs = append(docs, index.SearchDocument{
				DocID:  index.DocID(scope, path, i),
				Text:   chunks[i],
				Vector: v,
				Metadata: index.DocMetadata{
					Path:        path,
					Scope:       scope,
					ChunkIndex:  i,
					ContentHash: hashes[i],
				},
			})
		}
	}
	if err := p.deps.Index.Upsert(ctx, docs); err != nil {
		return hashes, fmt.Errorf("upsert: %w", err)
	}
	return hashes, nil
}

// RemoveFile drops a deleted file's chunks, cached embeddings and
// manifest entry. Graph nodes and approved edges are kept.
func (p *Pipeline) RemoveFile(ctx context.Context, scope, path string) error {
	prev, err := p.deps.Manifest.Get(ctx, scope, path)
	if errors.Is(err, ErrEntryNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	var errs []error
	if p.deps.Index != nil {
		errs = append(errs, p.deps.Index.DeletePath(ctx, scope, path))
	}
	if p.deps.Invalidator != nil && len(prev.ChunkHashes) > 0 {
		errs = append(errs, p.deps.Invalidator.Invalidate(ctx, prev.ChunkHashes...))
	}
	errs = append(errs, p.deps.Manifest.Delete(ctx, scope, path))
	return errors.Join(errs...)
}

func (p *Pipeline) scheduleEnrichment(scope, runID string, urns []string) {
	p.bg.Go(func() {
		logger := p.logger.With("run_id", runID, "scope", scope)
		summary, err := p.deps.Gateway.Enrich(p.bgCtx, scope, urns)
		if p.deps.Observer != nil {
			p.deps.Observer.EnrichmentDone(summary.EdgesCreated, err)
		}
		if err != nil {
			logger.Warn("enrichment failed", "error", err)
			return
		}
		logger.Info("enrichment complete", "edges_created", summary.EdgesCreated, "skipped", summary.Skipped)
	})
}

// WaitEnrichment blocks until scheduled enrichment finishes or ctx ends.
func (p *Pipeline) WaitEnrichment(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.bg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels background enrichment and waits for it to stop.
func (p *Pipeline) Close() error {
	p.bgCancel()
	p.bg.Wait()
	return nil
}
