// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval answers text queries by fusing keyword and vector
// search over the document index.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
)

// DefaultSubsearchTimeout bounds each sub-search.
const DefaultSubsearchTimeout = 5 * time.Second

// Config tunes the engine.
type Config struct {
	// SubsearchTimeout bounds each modality independently. Default: 5s
	SubsearchTimeout time.Duration

	// RRFK is the fusion constant. Default: 60
	RRFK int

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Request is one search.
type Request struct {
	Query        string
	TopN         int
	FusionWeight float64 // 0 is pure sparse, 1 is pure dense

	// Collection restricts the search to one ingestion scope. Empty
	// searches every scope.
	Collection string
}

// Validate checks the request bounds.
func (r Request) Validate() error {
	switch {
	case strings.TrimSpace(r.Query) == "":
		return fmt.Errorf("%w: empty query", ErrInvalidRequest)
	case r.TopN < 1:
		return fmt.Errorf("%w: top_n %d", ErrInvalidRequest, r.TopN)
	case r.FusionWeight < 0 || r.FusionWeight > 1:
		return fmt.Errorf("%w: fusion_weight %v outside [0,1]", ErrInvalidRequest, r.FusionWeight)
	}
	return nil
}

// Response is the fused ranking.
type Response struct {
	Results []RankedDocument `json:"results"`

	// Degraded is set when one modality failed and the ranking comes
	// from the other alone.
	Degraded bool `json:"degraded"`

	// Failures holds the failed sub-search, if any.
	Failures []*SubsearchError `json:"-"`

	SparseCount int           `json:"sparse_count"`
	DenseCount  int           `json:"dense_count"`
	Took        time.Duration `json:"took"`
}

// Engine is the hybrid retrieval engine.
//
// Thread Safety: Safe for concurrent use.
type Engine struct {
	index    index.Index
	embedder embed.Embedder
	timeout  time.Duration
	k        int
	logger   *slog.Logger
}

// NewEngine builds an engine over idx. The embedder is normally an
// *embed.Cached so repeated queries skip the provider.
func NewEngine(idx index.Index, embedder embed.Embedder, cfg Config) (*Engine, error) {
	if idx == nil {
		return nil, errors.New("retrieval: index is required")
	}
	if embedder == nil {
		return nil, errors.New("retrieval: embedder is required")
	}
	if cfg.SubsearchTimeout <= 0 {
		cfg.SubsearchTimeout = DefaultSubsearchTimeout
	}
	if cfg.RRFK <= 0 {
		cfg.RRFK = DefaultRRFK
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		index:    idx,
		embedder: embedder,
		timeout:  cfg.SubsearchTimeout,
		k:        cfg.RRFK,
		logger:   cfg.Logger.With("component", "retrieval"),
	}, nil
}

// Search runs the sparse and dense sub-searches concurrently, each asking
// for 2*TopN candidates, and fuses them.
//
// Outputs:
//
//	*Response - At most TopN results. Degraded when one modality failed.
//	error     - ErrInvalidRequest, ErrSearchUnavailable wrapping both
//	            causes, or ctx.Err() when the caller cancelled.
func (e *Engine) Search(ctx context.Context, req Request) (*Response, error) {
	if err := req.Validate(); err != nil {
		recordSearch(ctx, "invalid")
		return nil, err
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "retrieval.Engine.Search",
		trace.WithAttributes(
			attribute.Int("top_n", req.TopN),
			attribute.Float64("fusion_weight", req.FusionWeight),
			attribute.String("collection", req.Collection),
		),
	)
	defer span.End()

	limit := 2 * req.TopN
	var (
		sparse, dense       []index.Hit
		sparseErr, denseErr *SubsearchError
		g                   errgroup.Group
	)
	// Neither branch returns an error: a failed modality degrades the
	// response instead of cancelling its sibling.
	g.Go(func() error {
		sparse, sparseErr = e.subsearch(ctx, ModalitySparse, func(ctx context.Context) ([]index.Hit, error) {
			return e.index.SparseSearch(ctx, index.SparseQuery{Text: req.Query, Scope: req.Collection, Limit: limit})
		})
		return nil
	})
	g.Go(func() error {
		dense, denseErr = e.subsearch(ctx, ModalityDense, func(ctx context.Context) ([]index.Hit, error) {
			vec, err := embed.EmbedOne(ctx, e.embedder, req.Query)
			if err != nil {
				return nil, fmt.Errorf("embed query: %w", err)
			}
			return e.index.DenseSearch(ctx, index.DenseQuery{Vector: vec, Scope: req.Collection, Limit: limit})
		})
		return nil
	})
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		recordSearch(ctx, "cancelled")
		span.SetStatus(codes.Error, "cancelled")
		return nil, err
	}

	weight := req.FusionWeight
	resp := &Response{SparseCount: len(sparse), DenseCount: len(dense)}
	switch {
	case sparseErr != nil && denseErr != nil:
		err := fmt.Errorf("%w: %w", ErrSearchUnavailable, errors.Join(sparseErr, denseErr))
		recordSearch(ctx, "unavailable")
		span.RecordError(err)
		span.SetStatus(codes.Error, "both modalities failed")
		e.logger.Error("search unavailable", "sparse_error", sparseErr.Err, "dense_error", denseErr.Err)
		return nil, err
	case sparseErr != nil:
		resp.Degraded = true
		resp.Failures = []*SubsearchError{sparseErr}
		weight = 1
	case denseErr != nil:
		resp.Degraded = true
		resp.Failures = []*SubsearchError{denseErr}
		weight = 0
	}

	results := Fuse(sparse, dense, weight, e.k)
	if len(results) > req.TopN {
		results = results[:req.TopN]
	}
	resp.Results = results
	resp.Took = time.Since(start)

	outcome := "ok"
	if resp.Degraded {
		outcome = "degraded"
		e.logger.Warn("degraded search", "failed", resp.Failures[0].Modality, "error", resp.Failures[0].Err)
	}
	recordSearch(ctx, outcome)
	span.SetAttributes(
		attribute.Bool("degraded", resp.Degraded),
		attribute.Int("results", len(results)),
	)
	return resp, nil
}

// subsearch runs one modality under its own timeout. A timeout or error
// becomes a *SubsearchError.
func (e *Engine) subsearch(ctx context.Context, m Modality, fn func(context.Context) ([]index.Hit, error)) ([]index.Hit, *SubsearchError) {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	start := time.Now()
	hits, err := fn(ctx)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	recordSubsearch(ctx, m, err, time.Since(start))
	if err != nil {
		return nil, &SubsearchError{Modality: m, Err: err}
	}
	return hits, nil
}
