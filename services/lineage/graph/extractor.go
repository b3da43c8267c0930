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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
)

// Retry defaults for unit transactions.
const (
	DefaultMaxAttempts     = 8
	DefaultInitialInterval = 10 * time.Millisecond
	DefaultMaxInterval     = 500 * time.Millisecond
)

// Extractor maps parser results onto the graph store.
type Extractor struct {
	store      GraphStore
	normalizer *Normalizer
	logger     *slog.Logger
	now        func() time.Time

	maxAttempts     uint
	initialInterval time.Duration
	maxInterval     time.Duration
}

// ExtractorOption configures an Extractor.
type ExtractorOption func(*Extractor)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ExtractorOption {
	return func(e *Extractor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNormalizer replaces the default name normalizer.
func WithNormalizer(n *Normalizer) ExtractorOption {
	return func(e *Extractor) {
		if n != nil {
			e.normalizer = n
		}
	}
}

// WithRetry sets the transaction retry budget.
func WithRetry(maxAttempts int, initial, maxInterval time.Duration) ExtractorOption {
	return func(e *Extractor) {
		if maxAttempts > 0 {
			e.maxAttempts = uint(maxAttempts)
		}
		if initial > 0 {
			e.initialInterval = initial
		}
		if maxInterval > 0 {
			e.maxInterval = maxInterval
		}
	}
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) ExtractorOption {
	return func(e *Extractor) {
		if now != nil {
			e.now = now
		}
	}
}

// NewExtractor creates an extractor writing to store.
func NewExtractor(store GraphStore, opts ...ExtractorOption) *Extractor {
	e := &Extractor{
		store:           store,
		normalizer:      defaultNormalizer,
		logger:          slog.Default(),
		now:             time.Now,
		maxAttempts:     DefaultMaxAttempts,
		initialInterval: DefaultInitialInterval,
		maxInterval:     DefaultMaxInterval,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "graph_extractor"))
	return e
}

// Store returns the underlying store.
func (e *Extractor) Store() GraphStore {
	return e.store
}

// URN assigns the identifier of (scope, label, name).
func (e *Extractor) URN(scope string, label ast.Label, name string) (string, error) {
	return e.normalizer.URN(scope, label, name)
}

// Apply writes each result in its own transaction.
//
// A unit whose transaction cannot be committed after retries is recorded in
// the summary's Failed list and its *GraphWriteFailure is joined into the
// returned error; the remaining units are still applied. Cancellation stops
// the loop and returns the context error.
func (e *Extractor) Apply(ctx context.Context, results []*ast.LineageResult, scope string) (ApplySummary, error) {
	ctx, span := tracer.Start(ctx, "graph.Extractor.Apply",
		trace.WithAttributes(
			attribute.String("scope", scope),
			attribute.Int("units", len(results)),
		),
	)
	defer span.End()

	var summary ApplySummary
	if err := ValidateScope(scope); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return summary, err
	}

	var errs []error
	for _, res := range results {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		unit, err := e.applyUnit(ctx, res, scope)
		summary.Add(unit)
		if err == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			errs = append(errs, err)
			break
		}
		var wf *GraphWriteFailure
		if errors.As(err, &wf) {
			summary.Failed = append(summary.Failed, UnitFailure{
				FilePath: wf.FilePath,
				Attempts: wf.Attempts,
				Error:    wf.Err.Error(),
			})
		}
		errs = append(errs, err)
	}

	span.SetAttributes(
		attribute.Int("nodes_created", summary.NodesCreated),
		attribute.Int("edges_created", summary.EdgesCreated),
		attribute.Int("stubs_created", summary.StubsCreated),
		attribute.Int("failed", len(summary.Failed)),
	)
	err := errors.Join(errs...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "graph apply incomplete")
	}
	return summary, err
}

// unitPlan is a result resolved to URNs, ready to write.
type unitPlan struct {
	path  string
	scope string
	nodes map[string]*plannedNode
	refs  map[string]ast.Ref
	edges map[EdgeKey]*plannedEdge
}

type plannedNode struct {
	label ast.Label
	typ   ast.NodeType
	name  string
	props map[string]any
}

type plannedEdge struct {
	props   map[string]any
	origins map[string]bool
}

// plan resolves refs to URNs outside the transaction. Entities that cannot
// be named are counted as rejected and left out.
func (e *Extractor) plan(res *ast.LineageResult, scope string) (*unitPlan, int, error) {
	if res == nil {
		return nil, 0, fmt.Errorf("%w: nil result", ErrInvalidUnit)
	}
	p := &unitPlan{
		path:  res.FilePath,
		scope: scope,
		nodes: make(map[string]*plannedNode),
		refs:  make(map[string]ast.Ref),
		edges: make(map[EdgeKey]*plannedEdge),
	}
	rejected := 0
	reject := func(what string, err error) {
		rejected++
		e.logger.Warn("rejected lineage fact",
			slog.String("file", res.FilePath),
			slog.String("fact", what),
			slog.String("error", err.Error()),
		)
	}

	for _, n := range res.Nodes {
		urn, err := e.URN(scope, n.Label, n.Name)
		if err != nil {
			reject(n.Ref().String(), err)
			continue
		}
		pn, ok := p.nodes[urn]
		if !ok {
			pn = &plannedNode{label: n.Label, typ: n.Type, name: strings.TrimSpace(n.Name), props: map[string]any{}}
			p.nodes[urn] = pn
		} else if pn.typ == "" || pn.typ == ast.TypeUnknown {
			pn.typ = n.Type
		}
		for k, v := range n.Properties {
			pn.props[k] = v
		}
	}
	for _, pn := range p.nodes {
		if pn.typ == "" {
			pn.typ = ast.TypeUnknown
		}
	}

	addRef := func(r ast.Ref) (string, error) {
		urn, err := e.URN(scope, r.Label, r.Name)
		if err != nil {
			return "", err
		}
		if _, defined := p.nodes[urn]; !defined {
			if _, seen := p.refs[urn]; !seen {
				p.refs[urn] = ast.Ref{Label: r.Label, Name: strings.TrimSpace(r.Name)}
			}
		}
		return urn, nil
	}

	for _, r := range res.ExternalRefs {
		if _, err := addRef(r); err != nil {
			reject(r.String(), err)
		}
	}

	for _, ed := range res.Edges {
		what := ed.Source.String() + " -" + string(ed.Relationship) + "-> " + ed.Target.String()
		if !ed.Relationship.Valid() {
			reject(what, fmt.Errorf("unknown relationship %q", ed.Relationship))
			continue
		}
		src, err := addRef(ed.Source)
		if err != nil {
			reject(what, err)
			continue
		}
		tgt, err := addRef(ed.Target)
		if err != nil {
			reject(what, err)
			continue
		}
		key := EdgeKey{Source: src, Target: tgt, Relationship: ed.Relationship, Kind: SourceParser}
		pe, ok := p.edges[key]
		if !ok {
			pe = &plannedEdge{props: map[string]any{}, origins: map[string]bool{}}
			p.edges[key] = pe
		}
		for k, v := range ed.Properties {
			if k == "file" || k == "line" {
				continue
			}
			pe.props[k] = v
		}
		if o := origin(res.FilePath, ed.Properties); o != "" {
			pe.origins[o] = true
		}
	}
	return p, rejected, nil
}

// origin formats where a parser saw an edge: "path:line" or "path".
func origin(path string, props map[string]any) string {
	if path == "" {
		return ""
	}
	var line int
	switch v := props["line"].(type) {
	case int:
		line = v
	case int64:
		line = int(v)
	case float64:
		line = int(v)
	}
	if line > 0 {
		return fmt.Sprintf("%s:%d", path, line)
	}
	return path
}

func (e *Extractor) applyUnit(ctx context.Context, res *ast.LineageResult, scope string) (ApplySummary, error) {
	start := time.Now()
	path := ""
	if res != nil {
		path = res.FilePath
	}

	p, rejected, err := e.plan(res, scope)
	if err != nil {
		recordUnit(ctx, "invalid", time.Since(start))
		return ApplySummary{}, &GraphWriteFailure{FilePath: path, Err: err}
	}

	attempts := 0
	summary, err := e.retry(ctx, func() (ApplySummary, error) {
		attempts++
		var s ApplySummary
		err := e.store.Update(ctx, func(tx Tx) error {
			s = ApplySummary{}
			return e.writeUnit(tx, p, &s)
		})
		return s, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			recordUnit(ctx, "cancelled", time.Since(start))
			return ApplySummary{Rejected: rejected}, ctxErr
		}
		recordUnit(ctx, "failed", time.Since(start))
		e.logger.Error("graph unit write failed",
			slog.String("file", path),
			slog.Int("attempts", attempts),
			slog.String("error", err.Error()),
		)
		return ApplySummary{Rejected: rejected}, &GraphWriteFailure{FilePath: path, Attempts: attempts, Err: err}
	}
	summary.Rejected += rejected
	recordUnit(ctx, "ok", time.Since(start))
	return summary, nil
}

// retry runs op with exponential backoff. Invalid units and cancellation
// are not retried.
func (e *Extractor) retry(ctx context.Context, op func() (ApplySummary, error)) (ApplySummary, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.initialInterval
	b.MaxInterval = e.maxInterval

	return backoff.Retry(ctx, func() (ApplySummary, error) {
		s, err := op()
		switch {
		case err == nil:
			return s, nil
		case errors.Is(err, ErrInvalidUnit), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return s, backoff.Permanent(err)
		case errors.Is(err, ErrWriteConflict):
			recordConflict(ctx)
		}
		return s, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.maxAttempts),
		backoff.WithNotify(func(err error, next time.Duration) {
			e.logger.Debug("retrying graph write",
				slog.String("error", err.Error()),
				slog.Duration("backoff", next),
			)
		}),
	)
}

// writeUnit performs the unit's reads and writes inside tx. It must not
// mutate p because the transaction may be retried.
func (e *Extractor) writeUnit(tx Tx, p *unitPlan, s *ApplySummary) error {
	now := e.now().UTC()

	for _, urn := range sortedKeys(p.nodes) {
		pn := p.nodes[urn]
		cur, err := tx.GetNode(urn)
		switch {
		case errors.Is(err, ErrNodeNotFound):
			n := &Node{
				URN:        urn,
				Label:      pn.label,
				Type:       pn.typ,
				Name:       pn.name,
				Scope:      p.scope,
				Properties: copyMap(pn.props),
				Sources:    addSource(nil, p.path),
				CreatedAt:  now,
				UpdatedAt:  now,
			}
			if err := tx.PutNode(n); err != nil {
				return err
			}
			s.NodesCreated++
		case err != nil:
			return err
		default:
			changed := mergeNode(cur, pn, p.path)
			cur.UpdatedAt = now
			if err := tx.PutNode(cur); err != nil {
				return err
			}
			if changed {
				s.NodesUpdated++
			} else {
				s.NodesUnchanged++
			}
		}
		s.Touched = append(s.Touched, urn)
	}

	for _, urn := range sortedKeys(p.refs) {
		ref := p.refs[urn]
		_, err := tx.GetNode(urn)
		switch {
		case errors.Is(err, ErrNodeNotFound):
			stub := &Node{
				URN:       urn,
				Label:     ref.Label,
				Type:      ast.TypeUnknown,
				Name:      ref.Name,
				Scope:     p.scope,
				Stub:      true,
				Sources:   addSource(nil, p.path),
				CreatedAt: now,
				UpdatedAt: now,
			}
			if err := tx.PutNode(stub); err != nil {
				return err
			}
			s.StubsCreated++
		case err != nil:
			return err
		}
		s.Touched = append(s.Touched, urn)
	}

	keys := make([]EdgeKey, 0, len(p.edges))
	for k := range p.edges {
		keys = append(keys, k)
	}
	sortEdgeKeys(keys)

	for _, key := range keys {
		pe := p.edges[key]
		origins := sortedKeys(pe.origins)
		cur, err := tx.GetEdge(key)
		switch {
		case errors.Is(err, ErrEdgeNotFound):
			edge := &Edge{
				SourceURN:    key.Source,
				TargetURN:    key.Target,
				Relationship: key.Relationship,
				SourceKind:   SourceParser,
				Confidence:   1.0,
				Status:       StatusApproved,
				Properties:   copyMap(pe.props),
				Sources:      origins,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.PutEdge(edge); err != nil {
				return err
			}
			s.EdgesCreated++
		case err != nil:
			return err
		default:
			changed := false
			if cur.Confidence != 1.0 || cur.Status != StatusApproved {
				cur.Confidence, cur.Status = 1.0, StatusApproved
				changed = true
			}
			// The latest unit's properties replace the stored set.
			if !sameJSON(cur.Properties, pe.props) {
				cur.Properties = copyMap(pe.props)
				changed = true
			}
			sources := replaceOrigins(cur.Sources, p.path, origins)
			if !equalStrings(cur.Sources, sources) {
				cur.Sources = sources
				changed = true
			}
			cur.UpdatedAt = now
			if err := tx.PutEdge(cur); err != nil {
				return err
			}
			if changed {
				s.EdgesUpdated++
			} else {
				s.EdgesUnchanged++
			}
		}
	}
	return nil
}

// mergeNode folds a definition into a stored node and reports whether
// anything besides timestamps changed.
func mergeNode(cur *Node, pn *plannedNode, path string) bool {
	changed := false
	if cur.Stub {
		cur.Stub = false
		cur.Name = pn.name
		changed = true
	}
	if pn.typ != ast.TypeUnknown && cur.Type != pn.typ {
		cur.Type = pn.typ
		changed = true
	}
	merged := overlay(cur.Properties, pn.props)
	if !sameJSON(cur.Properties, merged) {
		cur.Properties = merged
		changed = true
	}
	sources := addSource(cur.Sources, path)
	if len(sources) != len(cur.Sources) {
		cur.Sources = sources
		changed = true
	}
	return changed
}

// ApplyProposals persists model proposals as llm/proposed edges in one
// transaction. Proposals with an unknown relationship, a confidence outside
// [0,1], a self-loop, or an endpoint outside scope are rejected before
// writing; proposals whose endpoints are not stored are rejected inside the
// transaction. A proposal that repeats an approved parser edge is skipped.
func (e *Extractor) ApplyProposals(ctx context.Context, scope string, proposals []EdgeProposal) (ApplySummary, error) {
	ctx, span := tracer.Start(ctx, "graph.Extractor.ApplyProposals",
		trace.WithAttributes(
			attribute.String("scope", scope),
			attribute.Int("proposals", len(proposals)),
		),
	)
	defer span.End()

	var summary ApplySummary
	if err := ValidateScope(scope); err != nil {
		return summary, err
	}

	byKey := make(map[EdgeKey]EdgeProposal)
	for _, p := range proposals {
		if err := validateProposal(p, scope); err != nil {
			summary.Rejected++
			e.logger.Warn("rejected edge proposal",
				slog.String("source", p.SourceURN),
				slog.String("target", p.TargetURN),
				slog.String("relationship", string(p.Relationship)),
				slog.String("error", err.Error()),
			)
			continue
		}
		p.SourceKind = SourceLLM
		p.Status = StatusProposed
		byKey[EdgeKey{Source: p.SourceURN, Target: p.TargetURN, Relationship: p.Relationship, Kind: SourceLLM}] = p
	}
	if len(byKey) == 0 {
		return summary, nil
	}
	keys := make([]EdgeKey, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sortEdgeKeys(keys)

	attempts := 0
	written, err := e.retry(ctx, func() (ApplySummary, error) {
		attempts++
		var s ApplySummary
		err := e.store.Update(ctx, func(tx Tx) error {
			s = ApplySummary{}
			return e.writeProposals(tx, keys, byKey, &s)
		})
		return s, err
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return summary, ctxErr
		}
		wf := &GraphWriteFailure{FilePath: "proposals:" + scope, Attempts: attempts, Err: err}
		summary.Failed = append(summary.Failed, UnitFailure{FilePath: wf.FilePath, Attempts: attempts, Error: err.Error()})
		span.RecordError(wf)
		span.SetStatus(codes.Error, "proposal write failed")
		return summary, wf
	}
	summary.Add(written)
	span.SetAttributes(
		attribute.Int("edges_created", summary.EdgesCreated),
		attribute.Int("skipped", summary.Skipped),
		attribute.Int("rejected", summary.Rejected),
	)
	return summary, nil
}

func validateProposal(p EdgeProposal, scope string) error {
	switch {
	case !p.Relationship.Valid():
		return fmt.Errorf("%w: unknown relationship %q", ErrInvalidProposal, p.Relationship)
	case math.IsNaN(p.Confidence) || p.Confidence < 0 || p.Confidence > 1:
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidProposal, p.Confidence)
	case p.SourceURN == p.TargetURN:
		return fmt.Errorf("%w: self-loop", ErrInvalidProposal)
	case !InScope(p.SourceURN, scope) || !InScope(p.TargetURN, scope):
		return fmt.Errorf("%w: endpoint outside scope %s", ErrInvalidProposal, scope)
	}
	return nil
}

func (e *Extractor) writeProposals(tx Tx, keys []EdgeKey, byKey map[EdgeKey]EdgeProposal, s *ApplySummary) error {
	now := e.now().UTC()
	touched := make(map[string]bool)

	for _, key := range keys {
		p := byKey[key]

		missing := false
		for _, urn := range []string{key.Source, key.Target} {
			if _, err := tx.GetNode(urn); err != nil {
				if !errors.Is(err, ErrNodeNotFound) {
					return err
				}
				missing = true
			}
		}
		if missing {
			s.Rejected++
			continue
		}

		parserKey := key
		parserKey.Kind = SourceParser
		if pe, err := tx.GetEdge(parserKey); err == nil && pe.Status == StatusApproved {
			s.Skipped++
			continue
		} else if err != nil && !errors.Is(err, ErrEdgeNotFound) {
			return err
		}

		props := map[string]any{}
		if p.Rationale != "" {
			props["rationale"] = p.Rationale
		}
		if p.Model != "" {
			props["model"] = p.Model
		}

		cur, err := tx.GetEdge(key)
		switch {
		case errors.Is(err, ErrEdgeNotFound):
			edge := &Edge{
				SourceURN:    key.Source,
				TargetURN:    key.Target,
				Relationship: key.Relationship,
				SourceKind:   SourceLLM,
				Confidence:   p.Confidence,
				Status:       StatusProposed,
				Properties:   props,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			if err := tx.PutEdge(edge); err != nil {
				return err
			}
			s.EdgesCreated++
		case err != nil:
			return err
		default:
			changed := cur.Confidence != p.Confidence || !sameJSON(cur.Properties, props)
			cur.Confidence = p.Confidence
			cur.Properties = props
			cur.Status = StatusProposed
			cur.UpdatedAt = now
			if err := tx.PutEdge(cur); err != nil {
				return err
			}
			if changed {
				s.EdgesUpdated++
			} else {
				s.EdgesUnchanged++
			}
		}
		touched[key.Source] = true
		touched[key.Target] = true
	}
	s.Touched = sortedKeys(touched)
	return nil
}

// Lineage returns a node with its direct upstream and downstream edges.
func (e *Extractor) Lineage(ctx context.Context, urn string) (*NodeLineage, error) {
	ctx, span := tracer.Start(ctx, "graph.Extractor.Lineage", trace.WithAttributes(attribute.String("urn", urn)))
	defer span.End()

	n, err := e.store.GetNode(ctx, urn)
	if err != nil {
		return nil, err
	}
	out, err := e.store.EdgesFrom(ctx, urn)
	if err != nil {
		return nil, fmt.Errorf("outgoing edges: %w", err)
	}
	in, err := e.store.EdgesTo(ctx, urn)
	if err != nil {
		return nil, fmt.Errorf("incoming edges: %w", err)
	}
	if out == nil {
		out = []Edge{}
	}
	if in == nil {
		in = []Edge{}
	}
	return &NodeLineage{Node: *n, Outgoing: out, Incoming: in}, nil
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// overlay returns base with update's keys written over it.
func overlay(base, update map[string]any) map[string]any {
	out := copyMap(base)
	for k, v := range update {
		out[k] = v
	}
	return out
}

// sameJSON compares property maps by their JSON encoding, so an int
// written by a parser equals the float64 read back from storage.
func sameJSON(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	return errA == nil && errB == nil && string(ja) == string(jb)
}

func addSource(sources []string, path string) []string {
	if path == "" {
		return sources
	}
	i := sort.SearchStrings(sources, path)
	if i < len(sources) && sources[i] == path {
		return sources
	}
	out := make([]string, 0, len(sources)+1)
	out = append(out, sources[:i]...)
	out = append(out, path)
	return append(out, sources[i:]...)
}

// replaceOrigins drops path's previous origins and adds the current ones.
func replaceOrigins(sources []string, path string, origins []string) []string {
	out := make([]string, 0, len(sources)+len(origins))
	for _, s := range sources {
		if path != "" && (s == path || strings.HasPrefix(s, path+":")) {
			continue
		}
		out = append(out, s)
	}
	out = append(out, origins...)
	sort.Strings(out)
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
