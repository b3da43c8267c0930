// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package ast routes source files to lineage parser plugins.
//
// A Registry maps file extensions to Parser implementations. Dispatch runs
// one parser against one file under a time budget and converts every
// failure mode (error, panic, timeout) into a per-file Outcome so that one
// bad file never aborts its siblings.
//
// Built-in plugins (SQL, Python, JSON and YAML metadata) are listed in the
// Builtins table and registered in configuration order by
// NewRegistryFromNames.
package ast

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
)

// DefaultParseTimeout bounds a single Parse call.
const DefaultParseTimeout = 30 * time.Second

// Parser is the capability every plugin implements.
//
// Description:
//
//	Parse turns the content of one file into a LineageResult. Malformed
//	input must not cause an error: implementations return a partial result
//	flagged with MarkDegraded instead. An error is reserved for input that
//	cannot be processed at all (binary content, size limit). Parse must be
//	pure with respect to content and pctx.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Parser interface {
	Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error)
}

// ParserFunc adapts a function to the Parser interface.
type ParserFunc func(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error)

// Parse calls f.
func (f ParserFunc) Parse(ctx context.Context, content []byte, pctx ParseContext) (*LineageResult, error) {
	return f(ctx, content, pctx)
}

// Outcome classifies a dispatch.
type Outcome int

const (
	OutcomeSucceeded Outcome = iota
	OutcomeDegraded
	OutcomeFailed
	OutcomeSkipped
)

// String returns the lowercase outcome name used in logs and metrics.
func (o Outcome) String() string {
	switch o {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeDegraded:
		return "degraded"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// HasResult reports whether the outcome carries a LineageResult.
func (o Outcome) HasResult() bool {
	return o == OutcomeSucceeded || o == OutcomeDegraded
}

// SourceFile is one unit of a batch.
type SourceFile struct {
	Path    string
	Content []byte
}

// DispatchResult is the per-file result of Dispatch.
type DispatchResult struct {
	Path     string
	Plugin   string
	Outcome  Outcome
	Result   *LineageResult
	Err      error
	Duration time.Duration
}

// BatchResult aggregates per-file dispatch results in input order.
type BatchResult struct {
	Results []DispatchResult
	Counts  map[Outcome]int
}

// Count returns how many files ended with outcome o.
func (b *BatchResult) Count(o Outcome) int {
	if b == nil {
		return 0
	}
	return b.Counts[o]
}

// Claim records which plugin owns an extension.
type Claim struct {
	Extension string
	Plugin    string
}

type registration struct {
	name       string
	extensions []string
	parser     Parser
}

// Registry maps extensions to parsers.
//
// The first plugin to claim an extension keeps it. Later claims are
// recorded in Shadowed and never take effect, so the winner depends only on
// registration order.
//
// Thread Safety:
//
//	Registry is safe for concurrent use. Registration is expected at
//	startup; Dispatch only takes a read lock for the lookup.
type Registry struct {
	mu       sync.RWMutex
	plugins  []*registration
	byExt    map[string]*registration
	shadowed []Claim

	timeout time.Duration
	logger  *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithParseTimeout sets the per-file time budget. Non-positive values keep
// the default.
func WithParseTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithLogger sets the registry logger.
func WithLogger(logger *slog.Logger) RegistryOption {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// NewRegistry creates an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byExt:   make(map[string]*registration),
		timeout: DefaultParseTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "parser_registry"))
	return r
}

// Register adds a plugin under name for the given extensions.
//
// Description:
//
//	Extensions are normalized to lowercase with a leading dot. An
//	extension already claimed by an earlier plugin is not reassigned; the
//	attempt is logged and recorded in Shadowed.
//
// Inputs:
//
//	name       - Plugin name, unique within the registry.
//	extensions - Extensions such as ".sql" or ".lineage.json".
//	p          - The parser. Must not be nil.
//
// Outputs:
//
//	error - ErrInvalidRegistration for an empty name, nil parser, no
//	        extensions, or a duplicate plugin name.
func (r *Registry) Register(name string, extensions []string, p Parser) error {
	if name == "" || p == nil || len(extensions) == 0 {
		return fmt.Errorf("%w: name, parser and extensions are required", ErrInvalidRegistration)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.plugins {
		if existing.name == name {
			return fmt.Errorf("%w: plugin %q already registered", ErrInvalidRegistration, name)
		}
	}

	reg := &registration{name: name, parser: p}
	for _, raw := range extensions {
		ext := normalizeExtension(raw)
		if ext == "" {
			return fmt.Errorf("%w: empty extension for plugin %q", ErrInvalidRegistration, name)
		}
		reg.extensions = append(reg.extensions, ext)
	}

	for _, ext := range reg.extensions {
		if owner, taken := r.byExt[ext]; taken {
			r.shadowed = append(r.shadowed, Claim{Extension: ext, Plugin: name})
			r.logger.Warn("extension already claimed, keeping first plugin",
				slog.String("extension", ext),
				slog.String("winner", owner.name),
				slog.String("shadowed", name))
			continue
		}
		r.byExt[ext] = reg
	}
	r.plugins = append(r.plugins, reg)
	return nil
}

func normalizeExtension(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" || ext == "." {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

// Lookup returns the plugin that owns filename.
//
// The longest claimed suffix wins, so ".lineage.json" is preferred over
// ".json" for "orders.lineage.json".
func (r *Registry) Lookup(filename string) (string, Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	reg := r.lookupLocked(filename)
	if reg == nil {
		return "", nil, false
	}
	return reg.name, reg.parser, true
}

func (r *Registry) lookupLocked(filename string) *registration {
	base := strings.ToLower(path.Base(strings.ReplaceAll(filename, "\\", "/")))
	for i := 0; i < len(base); i++ {
		if base[i] != '.' {
			continue
		}
		if reg, ok := r.byExt[base[i:]]; ok {
			return reg
		}
	}
	return nil
}

// Len returns the number of registered plugins.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.plugins)
}

// Plugins returns plugin names in registration order.
func (r *Registry) Plugins() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, len(r.plugins))
	for i, p := range r.plugins {
		names[i] = p.name
	}
	return names
}

// Claims returns the effective extension owners sorted by extension.
func (r *Registry) Claims() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()

	claims := make([]Claim, 0, len(r.byExt))
	for ext, reg := range r.byExt {
		claims = append(claims, Claim{Extension: ext, Plugin: reg.name})
	}
	sort.Slice(claims, func(i, j int) bool { return claims[i].Extension < claims[j].Extension })
	return claims
}

// Shadowed returns claims that lost to an earlier registration.
func (r *Registry) Shadowed() []Claim {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Claim(nil), r.shadowed...)
}

// Dispatch parses one file with the plugin that owns its extension.
//
// Description:
//
//	Selects the plugin, runs it under the per-file timeout, and classifies
//	the result. Errors, panics, timeouts and nil results become
//	OutcomeFailed with a *ParseFailure. A missing plugin is OutcomeSkipped.
//	Dispatch itself never panics and never returns an error.
//
// Inputs:
//
//	ctx      - Parent context. Cancellation fails the file.
//	filename - Path used for plugin selection and reporting.
//	content  - Raw file bytes.
//	pctx     - Per-file context. FilePath defaults to filename.
//
// Outputs:
//
//	DispatchResult - Outcome, result (for succeeded/degraded), cause.
func (r *Registry) Dispatch(ctx context.Context, filename string, content []byte, pctx ParseContext) DispatchResult {
	start := time.Now()
	if pctx.FilePath == "" {
		pctx.FilePath = filename
	}

	ctx, span := tracer.Start(ctx, "ast.Registry.Dispatch")
	defer span.End()
	span.SetAttributes(attribute.String("file", filename))

	res := r.dispatch(ctx, filename, content, pctx)
	res.Duration = time.Since(start)

	span.SetAttributes(
		attribute.String("plugin", res.Plugin),
		attribute.String("outcome", res.Outcome.String()),
	)
	if res.Outcome == OutcomeFailed {
		span.RecordError(res.Err)
		span.SetStatus(codes.Error, "parse failed")
	}
	recordDispatchMetrics(ctx, res.Plugin, res.Outcome, res.Duration)
	return res
}

func (r *Registry) dispatch(ctx context.Context, filename string, content []byte, pctx ParseContext) DispatchResult {
	out := DispatchResult{Path: filename}

	r.mu.RLock()
	empty := len(r.plugins) == 0
	reg := r.lookupLocked(filename)
	timeout := r.timeout
	r.mu.RUnlock()

	if empty {
		out.Outcome = OutcomeFailed
		out.Err = &ParseFailure{Path: filename, Err: ErrNoParsers}
		return out
	}
	if reg == nil {
		out.Outcome = OutcomeSkipped
		out.Err = fmt.Errorf("%s: %w", filename, ErrPluginNotFound)
		r.logger.Warn("skipping file without parser plugin", slog.String("file", filename))
		return out
	}
	out.Plugin = reg.name

	result, err := invoke(ctx, reg.parser, content, pctx, timeout)
	if err == nil && result == nil {
		err = fmt.Errorf("%w: plugin returned no result", ErrParseFailed)
	}
	if err != nil {
		out.Outcome = OutcomeFailed
		out.Err = &ParseFailure{Path: filename, Plugin: reg.name, Err: err}
		r.logger.Error("parse failed",
			slog.String("file", filename),
			slog.String("plugin", reg.name),
			slog.String("error", err.Error()))
		return out
	}

	if result.Metadata == nil {
		result.Metadata = map[string]any{}
	}
	result.FilePath = pctx.FilePath
	result.Plugin = reg.name
	out.Result = result
	out.Outcome = OutcomeSucceeded
	if result.Degraded() {
		out.Outcome = OutcomeDegraded
		r.logger.Warn("partial parse",
			slog.String("file", filename),
			slog.String("plugin", reg.name),
			slog.Any("diagnostics", result.Diagnostics()))
	}
	return out
}

type parseOutput struct {
	result *LineageResult
	err    error
}

// invoke runs the parser in its own goroutine so that a runaway parser
// cannot hold the caller past the deadline. A parser that ignores ctx keeps
// running until it returns; its result is discarded.
func invoke(ctx context.Context, p Parser, content []byte, pctx ParseContext, timeout time.Duration) (*LineageResult, error) {
	parseCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan parseOutput, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- parseOutput{err: fmt.Errorf("%w: %v", ErrParserPanic, rec)}
			}
		}()
		res, err := p.Parse(parseCtx, content, pctx)
		done <- parseOutput{result: res, err: err}
	}()

	select {
	case out := <-done:
		return out.result, out.err
	case <-parseCtx.Done():
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseFailed, ctx.Err())
		}
		return nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
	}
}

// DispatchBatch parses files with bounded concurrency.
//
// Description:
//
//	Each file is dispatched independently; a failed file does not cancel
//	its siblings. Results keep input order.
//
// Inputs:
//
//	ctx     - Parent context.
//	files   - Files to parse.
//	scope   - Project scope applied to every file.
//	workers - Maximum concurrent parses. Values below 1 mean 1.
//
// Outputs:
//
//	*BatchResult - Per-file results and outcome counts.
//	error        - ErrNoParsers when the registry is empty.
func (r *Registry) DispatchBatch(ctx context.Context, files []SourceFile, scope string, workers int) (*BatchResult, error) {
	if r.Len() == 0 {
		return nil, ErrNoParsers
	}
	if workers < 1 {
		workers = 1
	}

	results := make([]DispatchResult, len(files))
	g := new(errgroup.Group)
	g.SetLimit(workers)
	for i, f := range files {
		g.Go(func() error {
			results[i] = r.Dispatch(ctx, f.Path, f.Content, ParseContext{ProjectScope: scope, FilePath: f.Path})
			return nil
		})
	}
	_ = g.Wait()

	batch := &BatchResult{Results: results, Counts: make(map[Outcome]int)}
	for _, res := range results {
		batch.Counts[res.Outcome]++
	}
	return batch, nil
}

// IsSkip reports whether err marks a skipped file.
func IsSkip(err error) bool {
	return errors.Is(err, ErrPluginNotFound)
}
