// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package enrich proposes lineage edges with a language model.
//
// Enrichment is additive and fail-open: a failing or misbehaving model
// yields no proposals, never an error, and every accepted proposal is
// stored as an llm/proposed edge through the extractor's separate write
// path. Nothing here can approve an edge.
package enrich

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	"github.com/AleutianAI/AleutianLineage/services/lineage/graph"
)

// Config tunes the gateway.
type Config struct {
	// MaxContextNodes caps the nodes sent in one prompt. Default: 50
	MaxContextNodes int

	// MinConfidence drops weaker proposals. Default: 0
	MinConfidence float64

	// Timeout bounds one inference call. Default: 30s
	Timeout time.Duration

	// RatePerSecond and Burst throttle inference calls. A non-positive
	// rate disables throttling. Default: 1/s, burst 1
	RatePerSecond float64
	Burst         int

	// Model is recorded on proposals.
	Model string

	Logger *slog.Logger
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		MaxContextNodes: 50,
		Timeout:         30 * time.Second,
		RatePerSecond:   1,
		Burst:           1,
	}
}

// Gateway turns graph context into edge proposals.
//
// Thread Safety: Safe for concurrent use.
type Gateway struct {
	inferer   Inferer
	extractor *graph.Extractor
	limiter   *rate.Limiter
	cfg       Config
	logger    *slog.Logger
}

// NewGateway builds a gateway. extractor may be nil when only Propose is
// used.
func NewGateway(inferer Inferer, extractor *graph.Extractor, cfg Config) (*Gateway, error) {
	if inferer == nil {
		return nil, errors.New("enrich: inferer is required")
	}
	def := DefaultConfig()
	if cfg.MaxContextNodes <= 0 {
		cfg.MaxContextNodes = def.MaxContextNodes
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		return nil, errors.New("enrich: min confidence outside [0,1]")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	return &Gateway{
		inferer:   inferer,
		extractor: extractor,
		limiter:   rate.NewLimiter(limit, cfg.Burst),
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "enrich"),
	}, nil
}

// Propose asks the model for edges between contextNodes.
//
// Only the first MaxContextNodes nodes are sent, and a proposal survives
// only if both endpoints are among them, it is not a self-loop, its
// relationship is known and it carries a confidence in [MinConfidence, 1].
// Every result is llm/proposed. Any failure yields an empty list.
func (g *Gateway) Propose(ctx context.Context, contextNodes []graph.Node) []graph.EdgeProposal {
	ctx, span := tracer.Start(ctx, "enrich.Gateway.Propose",
		trace.WithAttributes(attribute.Int("context_nodes", len(contextNodes))),
	)
	defer span.End()

	nodes := contextNodes
	if len(nodes) > g.cfg.MaxContextNodes {
		g.logger.Debug("truncating enrichment context", "nodes", len(nodes), "max", g.cfg.MaxContextNodes)
		nodes = nodes[:g.cfg.MaxContextNodes]
	}
	if len(nodes) < 2 {
		return nil
	}
	known := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		known[n.URN] = struct{}{}
	}

	prompt, err := buildPrompt(nodes)
	if err != nil {
		g.fail(ctx, span, &EnrichmentFailure{Stage: "prompt", Err: err})
		return nil
	}
	if err := g.limiter.Wait(ctx); err != nil {
		g.fail(ctx, span, &EnrichmentFailure{Stage: "throttle", Err: err})
		return nil
	}

	inferCtx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()
	answer, err := g.inferer.Infer(inferCtx, prompt)
	if err != nil {
		g.fail(ctx, span, &EnrichmentFailure{Stage: "infer", Err: err})
		return nil
	}
	raw, err := decodeAnswer(answer)
	if err != nil {
		g.fail(ctx, span, &EnrichmentFailure{Stage: "decode", Err: err})
		return nil
	}

	out := make([]graph.EdgeProposal, 0, len(raw))
	seen := make(map[graph.EdgeKey]struct{}, len(raw))
	for _, r := range raw {
		p, reason := g.accept(r, known)
		if reason != "" {
			recordDropped(ctx, reason)
			g.logger.Warn("dropped edge proposal",
				"reason", reason,
				"source", r.Source,
				"target", r.Target,
				"relationship", r.Relationship,
				"confidence", r.confidence(),
			)
			continue
		}
		key := graph.EdgeKey{Source: p.SourceURN, Target: p.TargetURN, Relationship: p.Relationship, Kind: graph.SourceLLM}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	recordAccepted(ctx, len(out))
	span.SetAttributes(attribute.Int("proposals", len(out)))
	return out
}

// accept validates one raw proposal. A non-empty reason means drop.
func (g *Gateway) accept(r rawProposal, known map[string]struct{}) (graph.EdgeProposal, string) {
	if _, ok := known[r.Source]; !ok {
		return graph.EdgeProposal{}, "unknown_source"
	}
	if _, ok := known[r.Target]; !ok {
		return graph.EdgeProposal{}, "unknown_target"
	}
	if r.Source == r.Target {
		return graph.EdgeProposal{}, "self_loop"
	}
	rel, ok := ast.ParseRelationship(r.Relationship)
	if !ok {
		return graph.EdgeProposal{}, "unknown_relationship"
	}
	if r.Confidence == nil {
		return graph.EdgeProposal{}, "missing_confidence"
	}
	conf := *r.Confidence
	if math.IsNaN(conf) || conf < 0 || conf > 1 {
		return graph.EdgeProposal{}, "confidence_out_of_range"
	}
	if conf < g.cfg.MinConfidence {
		return graph.EdgeProposal{}, "below_min_confidence"
	}
	return graph.EdgeProposal{
		SourceURN:    r.Source,
		TargetURN:    r.Target,
		Relationship: rel,
		Confidence:   conf,
		Rationale:    r.Rationale,
		Model:        g.cfg.Model,
		SourceKind:   graph.SourceLLM,
		Status:       graph.StatusProposed,
	}, ""
}

func (g *Gateway) fail(ctx context.Context, span trace.Span, f *EnrichmentFailure) {
	recordFailure(ctx, f.Stage)
	span.RecordError(f)
	g.logger.Warn("EnrichmentFailure", "stage", f.Stage, "error", f.Err)
}

// Enrich loads the nodes for urns (every node in scope when urns is
// empty), proposes edges between them and stores the proposals.
//
// Outputs:
//
//	graph.ApplySummary - What ApplyProposals wrote.
//	error              - Store or write errors. Model failures are not
//	                     errors; they produce an empty summary.
func (g *Gateway) Enrich(ctx context.Context, scope string, urns []string) (graph.ApplySummary, error) {
	if g.extractor == nil {
		return graph.ApplySummary{}, errors.New("enrich: no extractor configured")
	}
	if err := graph.ValidateScope(scope); err != nil {
		return graph.ApplySummary{}, err
	}
	store := g.extractor.Store()

	var (
		nodes []graph.Node
		err   error
	)
	if len(urns) == 0 {
		nodes, err = store.NodesByScope(ctx, scope)
	} else {
		nodes, err = store.GetNodes(ctx, urns)
	}
	if err != nil {
		return graph.ApplySummary{}, err
	}

	proposals := g.Propose(ctx, nodes)
	if len(proposals) == 0 {
		return graph.ApplySummary{}, nil
	}
	summary, err := g.extractor.ApplyProposals(ctx, scope, proposals)
	if err != nil {
		return summary, err
	}
	g.logger.Info("stored edge proposals",
		"scope", scope,
		"proposed", len(proposals),
		"created", summary.EdgesCreated,
		"skipped", summary.Skipped,
		"rejected", summary.Rejected,
	)
	return summary, nil
}
