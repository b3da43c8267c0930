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
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

const buildSummarySQL = `
CREATE PROCEDURE build_summary AS
BEGIN
    INSERT INTO orders_summary
    SELECT customer_id, SUM(amount) FROM orders GROUP BY customer_id;
END;`

func newTestStore(t *testing.T) *BadgerStore {
	t.Helper()
	db, err := lbadger.OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewBadgerStore(db)
}

func sqlResult(t *testing.T, path, src string) *ast.LineageResult {
	t.Helper()
	res, err := ast.NewSQLPlugin().Parse(context.Background(), []byte(src), ast.ParseContext{ProjectScope: "p", FilePath: path})
	require.NoError(t, err)
	return res
}

// procResult builds a unit defining proc that reads each table.
func procResult(path, proc string, line int, reads ...string) *ast.LineageResult {
	res := ast.NewLineageResult(path)
	res.Plugin = "sql"
	src := ast.Ref{Label: ast.LabelFunction, Name: proc}
	res.Nodes = append(res.Nodes, ast.Node{Label: ast.LabelFunction, Type: ast.TypeProcedure, Name: proc})
	for _, r := range reads {
		ref := ast.Ref{Label: ast.LabelDataAsset, Name: r}
		res.Edges = append(res.Edges, ast.Edge{
			Source:       src,
			Target:       ref,
			Relationship: ast.RelReadsFrom,
			Properties:   map[string]any{"file": path, "line": line},
		})
		res.ExternalRefs = append(res.ExternalRefs, ref)
	}
	return res
}

func mustURN(t *testing.T, label ast.Label, name string) string {
	t.Helper()
	urn, err := URN("p", label, name)
	require.NoError(t, err)
	return urn
}

func TestApply_OrdersSummaryScenario(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	sum, err := x.Apply(ctx, []*ast.LineageResult{
		sqlResult(t, "ddl/orders.sql", "CREATE TABLE orders (id INT, customer_id INT, amount DECIMAL(10, 2));"),
		sqlResult(t, "procs/build_summary.sql", buildSummarySQL),
	}, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.NodesCreated)
	assert.Equal(t, 1, sum.StubsCreated)
	assert.Equal(t, 2, sum.EdgesCreated)
	assert.Empty(t, sum.Failed)

	nodes, err := store.NodesByScope(ctx, "p")
	require.NoError(t, err)
	require.Len(t, nodes, 3)

	orders := mustURN(t, ast.LabelDataAsset, "orders")
	summary := mustURN(t, ast.LabelDataAsset, "orders_summary")
	proc := mustURN(t, ast.LabelFunction, "build_summary")

	n, err := store.GetNode(ctx, orders)
	require.NoError(t, err)
	assert.False(t, n.Stub)
	assert.Equal(t, ast.TypeTable, n.Type)
	assert.Equal(t, []string{"ddl/orders.sql"}, n.Sources)

	s, err := store.GetNode(ctx, summary)
	require.NoError(t, err)
	assert.True(t, s.Stub)
	assert.Equal(t, ast.TypeUnknown, s.Type)

	edges, err := store.Edges(ctx, "p")
	require.NoError(t, err)
	require.Len(t, edges, 2)
	for _, e := range edges {
		assert.Equal(t, proc, e.SourceURN)
		assert.Equal(t, SourceParser, e.SourceKind)
		assert.Equal(t, 1.0, e.Confidence)
		assert.Equal(t, StatusApproved, e.Status)
	}

	// The table defined in one file is the node the procedure reads.
	in, err := store.EdgesTo(ctx, orders)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.Equal(t, proc, in[0].SourceURN)
	assert.Equal(t, ast.RelReadsFrom, in[0].Relationship)
}

func TestApply_Idempotent(t *testing.T) {
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	x := NewExtractor(store, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	results := []*ast.LineageResult{
		sqlResult(t, "ddl/orders.sql", "CREATE TABLE orders (id INT, customer_id INT, amount DECIMAL(10, 2));"),
		sqlResult(t, "procs/build_summary.sql", buildSummarySQL),
	}
	_, err := x.Apply(ctx, results, "p")
	require.NoError(t, err)

	clock = t0.Add(time.Hour)
	sum, err := x.Apply(ctx, results, "p")
	require.NoError(t, err)
	assert.False(t, sum.Changed())
	assert.Zero(t, sum.NodesCreated)
	assert.Zero(t, sum.NodesUpdated)
	assert.Zero(t, sum.EdgesCreated)
	assert.Zero(t, sum.EdgesUpdated)
	assert.Zero(t, sum.StubsCreated)
	assert.Equal(t, 2, sum.NodesUnchanged)
	assert.Equal(t, 2, sum.EdgesUnchanged)

	nodes, err := store.NodesByScope(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)
	edges, err := store.Edges(ctx, "p")
	require.NoError(t, err)
	assert.Len(t, edges, 2)

	n, err := store.GetNode(ctx, mustURN(t, ast.LabelDataAsset, "orders"))
	require.NoError(t, err)
	assert.True(t, n.CreatedAt.Equal(t0))
	assert.True(t, n.UpdatedAt.Equal(t0.Add(time.Hour)), "only timestamps move")
}

func TestApply_StubResolution(t *testing.T) {
	store := newTestStore(t)
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := t0
	x := NewExtractor(store, WithClock(func() time.Time { return clock }))
	ctx := context.Background()

	sum, err := x.Apply(ctx, []*ast.LineageResult{sqlResult(t, "procs/build_summary.sql", buildSummarySQL)}, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.NodesCreated)
	assert.Equal(t, 2, sum.StubsCreated)

	orders := mustURN(t, ast.LabelDataAsset, "orders")
	stub, err := store.GetNode(ctx, orders)
	require.NoError(t, err)
	assert.True(t, stub.Stub)
	assert.Equal(t, ast.TypeUnknown, stub.Type)

	clock = t0.Add(time.Minute)
	sum, err = x.Apply(ctx, []*ast.LineageResult{
		sqlResult(t, "ddl/orders.sql", "CREATE TABLE dbo.Orders (id INT);"),
	}, "p")
	require.NoError(t, err)
	assert.Zero(t, sum.NodesCreated, "the definition lands on the stub's URN")
	assert.Equal(t, 1, sum.NodesUpdated)
	assert.Zero(t, sum.StubsCreated)

	real, err := store.GetNode(ctx, orders)
	require.NoError(t, err)
	assert.False(t, real.Stub)
	assert.Equal(t, ast.TypeTable, real.Type)
	assert.Equal(t, "dbo.Orders", real.Name)
	assert.True(t, real.CreatedAt.Equal(t0))

	in, err := store.EdgesTo(ctx, orders)
	require.NoError(t, err)
	require.Len(t, in, 1)
	assert.True(t, in[0].UpdatedAt.Equal(t0), "edges are untouched by stub resolution")
}

func TestApply_EdgeOriginsAcrossFiles(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	a := procResult("a.sql", "load", 3, "orders")
	b := procResult("b.sql", "load", 7, "Orders")

	sum, err := x.Apply(ctx, []*ast.LineageResult{a, b}, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EdgesCreated)
	assert.Equal(t, 1, sum.EdgesUpdated)

	edges, err := store.Edges(ctx, "p")
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, []string{"a.sql:3", "b.sql:7"}, edges[0].Sources)

	sum, err = x.Apply(ctx, []*ast.LineageResult{a, b}, "p")
	require.NoError(t, err)
	assert.False(t, sum.Changed(), "interleaved files stay idempotent")

	sum, err = x.Apply(ctx, []*ast.LineageResult{procResult("a.sql", "load", 5, "orders")}, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EdgesUpdated)
	edges, err = store.Edges(ctx, "p")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.sql:5", "b.sql:7"}, edges[0].Sources)
}

func TestApply_EdgePropertiesReplaced(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	first := procResult("procs/p.sql", "load", 12, "orders")
	first.Edges[0].Properties["mode"] = "incremental"
	first.Edges[0].Properties["watermark"] = "updated_at"
	_, err := x.Apply(ctx, []*ast.LineageResult{first}, "p")
	require.NoError(t, err)

	again := procResult("procs/p.sql", "load", 12, "orders")
	again.Edges[0].Properties["mode"] = "full"
	sum, err := x.Apply(ctx, []*ast.LineageResult{again}, "p")
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EdgesUpdated)

	edges, err := store.EdgesFrom(ctx, mustURN(t, ast.LabelFunction, "load"))
	require.NoError(t, err)
	require.Len(t, edges, 1)
	assert.Equal(t, "full", edges[0].Properties["mode"])
	assert.NotContains(t, edges[0].Properties, "watermark")
	assert.Equal(t, StatusApproved, edges[0].Status)
}

func TestApply_IsolatesFailedUnits(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	sum, err := x.Apply(ctx, []*ast.LineageResult{
		procResult("a.sql", "a", 1, "t1"),
		nil,
		procResult("c.sql", "c", 1, "t2"),
	}, "p")
	require.Error(t, err)
	var wf *GraphWriteFailure
	require.ErrorAs(t, err, &wf)
	assert.ErrorIs(t, err, ErrInvalidUnit)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, 2, sum.NodesCreated)
	assert.Equal(t, 2, sum.EdgesCreated)
}

func TestApply_RejectsInvalidFacts(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	res := procResult("a.sql", "load", 1, "orders")
	res.Nodes = append(res.Nodes, ast.Node{Label: "Bogus", Type: ast.TypeTable, Name: "x"})
	res.Edges = append(res.Edges, ast.Edge{
		Source:       ast.Ref{Label: ast.LabelFunction, Name: "load"},
		Target:       ast.Ref{Label: ast.LabelDataAsset, Name: "orders"},
		Relationship: "OWNS",
	})

	sum, err := x.Apply(ctx, []*ast.LineageResult{res}, "p")
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Rejected)
	assert.Equal(t, 1, sum.NodesCreated)
	assert.Equal(t, 1, sum.EdgesCreated)
}

func TestApply_InvalidScope(t *testing.T) {
	x := NewExtractor(newTestStore(t))
	_, err := x.Apply(context.Background(), nil, "a:b")
	assert.ErrorIs(t, err, ErrInvalidScope)
}

func TestApply_Cancelled(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Apply(ctx, []*ast.LineageResult{procResult("a.sql", "a", 1, "t")}, "p")
	assert.ErrorIs(t, err, context.Canceled)

	nodes, err := store.NodesByScope(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, nodes)
}

// conflictingStore runs the transaction body, then reports a conflict for
// the first n commits.
type conflictingStore struct {
	*BadgerStore
	mu        sync.Mutex
	remaining int
	calls     int
}

func (s *conflictingStore) Update(ctx context.Context, fn func(Tx) error) error {
	s.mu.Lock()
	s.calls++
	fail := s.remaining != 0
	if s.remaining > 0 {
		s.remaining--
	}
	s.mu.Unlock()
	if !fail {
		return s.BadgerStore.Update(ctx, fn)
	}
	injected := errors.New("injected")
	err := s.BadgerStore.Update(ctx, func(tx Tx) error {
		if err := fn(tx); err != nil {
			return err
		}
		return injected
	})
	if errors.Is(err, injected) {
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	}
	return err
}

func TestApply_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{BadgerStore: newTestStore(t), remaining: 2}
	x := NewExtractor(store, WithRetry(5, time.Millisecond, 2*time.Millisecond))

	sum, err := x.Apply(context.Background(), []*ast.LineageResult{procResult("a.sql", "a", 1, "t")}, "p")
	require.NoError(t, err)
	assert.Equal(t, 3, store.calls)
	assert.Equal(t, 1, sum.NodesCreated, "aborted attempts are not counted")
	assert.Equal(t, 1, sum.StubsCreated)
	assert.Equal(t, 1, sum.EdgesCreated)
}

func TestApply_RetriesExhausted(t *testing.T) {
	store := &conflictingStore{BadgerStore: newTestStore(t), remaining: -1}
	x := NewExtractor(store, WithRetry(3, time.Millisecond, 2*time.Millisecond))

	sum, err := x.Apply(context.Background(), []*ast.LineageResult{procResult("a.sql", "a", 1, "t")}, "p")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrWriteConflict)

	var wf *GraphWriteFailure
	require.ErrorAs(t, err, &wf)
	assert.Equal(t, "a.sql", wf.FilePath)
	assert.Equal(t, 3, wf.Attempts)
	require.Len(t, sum.Failed, 1)
	assert.Equal(t, 3, sum.Failed[0].Attempts)
	assert.Zero(t, sum.NodesCreated)

	nodes, err := store.NodesByScope(context.Background(), "p")
	require.NoError(t, err)
	assert.Empty(t, nodes, "a failed unit writes nothing")
}

func TestApply_ConcurrentUnitsShareStub(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store, WithRetry(50, time.Millisecond, 10*time.Millisecond))
	ctx := context.Background()

	const workers = 8
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		total ApplySummary
		errs  []error
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			path := fmt.Sprintf("proc_%d.sql", i)
			sum, err := x.Apply(ctx, []*ast.LineageResult{procResult(path, fmt.Sprintf("proc_%d", i), 2, "orders")}, "p")
			mu.Lock()
			defer mu.Unlock()
			total.Add(sum)
			if err != nil {
				errs = append(errs, err)
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, workers, total.NodesCreated)
	assert.Equal(t, 1, total.StubsCreated, "exactly one writer creates the shared stub")
	assert.Equal(t, workers, total.EdgesCreated)

	in, err := store.EdgesTo(ctx, mustURN(t, ast.LabelDataAsset, "orders"))
	require.NoError(t, err)
	assert.Len(t, in, workers)
}

func TestApplyProposals_EdgeAuthority(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	_, err := x.Apply(ctx, []*ast.LineageResult{
		sqlResult(t, "ddl/orders.sql", "CREATE TABLE orders (id INT);"),
		sqlResult(t, "procs/build_summary.sql", buildSummarySQL),
	}, "p")
	require.NoError(t, err)

	orders := mustURN(t, ast.LabelDataAsset, "orders")
	summary := mustURN(t, ast.LabelDataAsset, "orders_summary")
	proc := mustURN(t, ast.LabelFunction, "build_summary")

	sum, err := x.ApplyProposals(ctx, "p", []EdgeProposal{
		// Duplicates the parser edge.
		{SourceURN: proc, TargetURN: orders, Relationship: ast.RelReadsFrom, Confidence: 0.99},
		// New relationship; the requested status is ignored.
		{SourceURN: summary, TargetURN: orders, Relationship: ast.RelDerives, Confidence: 0.7, Status: StatusApproved, Rationale: "aggregates orders", Model: "m"},
		{SourceURN: summary, TargetURN: orders, Relationship: ast.RelCalls, Confidence: 1.5},
		{SourceURN: summary, TargetURN: summary, Relationship: ast.RelDerives, Confidence: 0.5},
		{SourceURN: summary, TargetURN: mustURN(t, ast.LabelDataAsset, "ghost"), Relationship: ast.RelDerives, Confidence: 0.5},
		{SourceURN: summary, TargetURN: "urn:lineage:other:dataasset:orders", Relationship: ast.RelDerives, Confidence: 0.5},
		{SourceURN: summary, TargetURN: orders, Relationship: "OWNS", Confidence: 0.5},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EdgesCreated)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 5, sum.Rejected)

	out, err := store.EdgesFrom(ctx, summary)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, SourceLLM, out[0].SourceKind)
	assert.Equal(t, StatusProposed, out[0].Status)
	assert.Equal(t, 0.7, out[0].Confidence)
	assert.Equal(t, "aggregates orders", out[0].Properties["rationale"])

	// Re-proposing updates confidence but never promotes.
	sum, err = x.ApplyProposals(ctx, "p", []EdgeProposal{
		{SourceURN: summary, TargetURN: orders, Relationship: ast.RelDerives, Confidence: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, sum.EdgesUpdated)
	out, err = store.EdgesFrom(ctx, summary)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, 0.9, out[0].Confidence)
	assert.Equal(t, StatusProposed, out[0].Status)
	assert.NotContains(t, out[0].Properties, "rationale", "properties come from the latest proposal only")

	// Parser edges keep their authority.
	parser, err := store.EdgesFrom(ctx, proc)
	require.NoError(t, err)
	require.Len(t, parser, 2)
	for _, e := range parser {
		assert.Equal(t, SourceParser, e.SourceKind)
		assert.Equal(t, 1.0, e.Confidence)
		assert.Equal(t, StatusApproved, e.Status)
	}

	// A later parser run leaves the model edge alone.
	_, err = x.Apply(ctx, []*ast.LineageResult{sqlResult(t, "procs/build_summary.sql", buildSummarySQL)}, "p")
	require.NoError(t, err)
	out, err = store.EdgesFrom(ctx, summary)
	require.NoError(t, err)
	assert.Len(t, out, 1)
}

func TestLineage(t *testing.T) {
	store := newTestStore(t)
	x := NewExtractor(store)
	ctx := context.Background()

	_, err := x.Apply(ctx, []*ast.LineageResult{sqlResult(t, "procs/build_summary.sql", buildSummarySQL)}, "p")
	require.NoError(t, err)

	l, err := x.Lineage(ctx, mustURN(t, ast.LabelFunction, "build_summary"))
	require.NoError(t, err)
	assert.Equal(t, ast.TypeProcedure, l.Node.Type)
	assert.Len(t, l.Outgoing, 2)
	assert.Empty(t, l.Incoming)

	l, err = x.Lineage(ctx, mustURN(t, ast.LabelDataAsset, "orders_summary"))
	require.NoError(t, err)
	assert.Empty(t, l.Outgoing)
	require.Len(t, l.Incoming, 1)
	assert.Equal(t, ast.RelWritesTo, l.Incoming[0].Relationship)

	_, err = x.Lineage(ctx, mustURN(t, ast.LabelDataAsset, "missing"))
	assert.ErrorIs(t, err, ErrNodeNotFound)
}
