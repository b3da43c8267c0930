// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
	"github.com/AleutianAI/AleutianLineage/services/lineage/embed"
	"github.com/AleutianAI/AleutianLineage/services/lineage/index"
)

// fakeIndex serves canned hits and records queries.
type fakeIndex struct {
	mu          sync.Mutex
	sparse      []index.Hit
	dense       []index.Hit
	sparseErr   error
	denseErr    error
	block       bool // block searches until ctx is done
	sparseQuery index.SparseQuery
	denseQuery  index.DenseQuery
}

func (f *fakeIndex) Dimension() int                                       { return 2 }
func (f *fakeIndex) Upsert(context.Context, []index.SearchDocument) error { return nil }
func (f *fakeIndex) DeletePath(context.Context, string, string) error     { return nil }
func (f *fakeIndex) Close() error                                         { return nil }

func (f *fakeIndex) SparseSearch(ctx context.Context, q index.SparseQuery) ([]index.Hit, error) {
	f.mu.Lock()
	f.sparseQuery = q
	block, out, err := f.block, f.sparse, f.sparseErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out, err
}

func (f *fakeIndex) DenseSearch(ctx context.Context, q index.DenseQuery) ([]index.Hit, error) {
	f.mu.Lock()
	f.denseQuery = q
	block, out, err := f.block, f.dense, f.denseErr
	f.mu.Unlock()
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return out, err
}

// stubEmbedder returns a fixed vector and counts provider calls.
type stubEmbedder struct {
	calls atomic.Int32
	err   error
}

func (s *stubEmbedder) Model() string { return "stub" }

func (s *stubEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	s.calls.Add(1)
	if s.err != nil {
		return nil, s.err
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = []float32{1, 0}
	}
	return out, nil
}

func newEngine(t *testing.T, idx index.Index, e embed.Embedder, timeout time.Duration) *Engine {
	t.Helper()
	eng, err := NewEngine(idx, e, Config{SubsearchTimeout: timeout})
	require.NoError(t, err)
	return eng
}

func TestEngine_Search(t *testing.T) {
	idx := &fakeIndex{sparse: hits("A", "B", "C"), dense: hits("C", "A", "B")}
	eng := newEngine(t, idx, &stubEmbedder{}, time.Second)

	resp, err := eng.Search(context.Background(), Request{Query: "orders", TopN: 2, FusionWeight: 0, Collection: "warehouse"})
	require.NoError(t, err)
	assert.False(t, resp.Degraded)
	assert.Equal(t, []string{"A", "B"}, ids(resp.Results))
	assert.Equal(t, 3, resp.SparseCount)
	assert.Equal(t, 3, resp.DenseCount)

	assert.Equal(t, 4, idx.sparseQuery.Limit, "over-fetch 2*TopN")
	assert.Equal(t, 4, idx.denseQuery.Limit)
	assert.Equal(t, "warehouse", idx.sparseQuery.Scope)
	assert.Equal(t, "warehouse", idx.denseQuery.Scope)
	assert.Equal(t, []float32{1, 0}, idx.denseQuery.Vector)

	resp, err = eng.Search(context.Background(), Request{Query: "orders", TopN: 3, FusionWeight: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"C", "A", "B"}, ids(resp.Results))
}

func TestEngine_Validation(t *testing.T) {
	eng := newEngine(t, &fakeIndex{}, &stubEmbedder{}, time.Second)
	for _, req := range []Request{
		{Query: "  ", TopN: 1},
		{Query: "q", TopN: 0},
		{Query: "q", TopN: 1, FusionWeight: -0.1},
		{Query: "q", TopN: 1, FusionWeight: 1.5},
	} {
		_, err := eng.Search(context.Background(), req)
		assert.ErrorIs(t, err, ErrInvalidRequest, "%+v", req)
	}
}

func TestEngine_Degraded(t *testing.T) {
	errDown := errors.New("connection refused")

	t.Run("dense backend down", func(t *testing.T) {
		idx := &fakeIndex{sparse: hits("A", "B"), denseErr: errDown}
		eng := newEngine(t, idx, &stubEmbedder{}, time.Second)

		// Weight 1 would zero every sparse result; the survivor ranks alone.
		resp, err := eng.Search(context.Background(), Request{Query: "q", TopN: 5, FusionWeight: 1})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.Equal(t, []string{"A", "B"}, ids(resp.Results))
		require.Len(t, resp.Failures, 1)
		assert.Equal(t, ModalityDense, resp.Failures[0].Modality)
		assert.ErrorIs(t, resp.Failures[0], errDown)
	})

	t.Run("embedding provider down", func(t *testing.T) {
		idx := &fakeIndex{sparse: hits("A"), dense: hits("B")}
		eng := newEngine(t, idx, &stubEmbedder{err: embed.ErrUnavailable}, time.Second)

		resp, err := eng.Search(context.Background(), Request{Query: "q", TopN: 5, FusionWeight: 0.5})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.Equal(t, []string{"A"}, ids(resp.Results))
		assert.ErrorIs(t, resp.Failures[0], embed.ErrUnavailable)
	})

	t.Run("sparse backend down", func(t *testing.T) {
		idx := &fakeIndex{sparseErr: index.ErrBackendUnavailable, dense: hits("C", "A")}
		eng := newEngine(t, idx, &stubEmbedder{}, time.Second)

		resp, err := eng.Search(context.Background(), Request{Query: "q", TopN: 5, FusionWeight: 0})
		require.NoError(t, err)
		assert.True(t, resp.Degraded)
		assert.Equal(t, []string{"C", "A"}, ids(resp.Results))
		assert.Equal(t, ModalitySparse, resp.Failures[0].Modality)
	})

	t.Run("both down", func(t *testing.T) {
		idx := &fakeIndex{sparseErr: index.ErrBackendUnavailable, denseErr: errDown}
		eng := newEngine(t, idx, &stubEmbedder{}, time.Second)

		_, err := eng.Search(context.Background(), Request{Query: "q", TopN: 5, FusionWeight: 0.5})
		require.ErrorIs(t, err, ErrSearchUnavailable)
		assert.ErrorIs(t, err, index.ErrBackendUnavailable)
		assert.ErrorIs(t, err, errDown)

		var sub *SubsearchError
		assert.ErrorAs(t, err, &sub)
	})
}

func TestEngine_SubsearchTimeout(t *testing.T) {
	idx := &fakeIndex{block: true}
	eng := newEngine(t, idx, &stubEmbedder{}, 20*time.Millisecond)

	start := time.Now()
	_, err := eng.Search(context.Background(), Request{Query: "q", TopN: 1})
	assert.ErrorIs(t, err, ErrSearchUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), time.Second)
}

func TestEngine_Cancellation(t *testing.T) {
	idx := &fakeIndex{block: true}
	eng := newEngine(t, idx, &stubEmbedder{}, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := eng.Search(ctx, Request{Query: "q", TopN: 1})
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrSearchUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("search did not observe cancellation")
	}
}

func TestEngine_EmbeddingCache(t *testing.T) {
	provider := &stubEmbedder{}
	cached := embed.NewCached(provider, cache.NewMemoryCache(16, cache.DefaultConfig()))
	idx := &fakeIndex{sparse: hits("A"), dense: hits("A")}
	eng := newEngine(t, idx, cached, time.Second)

	for range 3 {
		_, err := eng.Search(context.Background(), Request{Query: "orders summary", TopN: 1, FusionWeight: 0.5})
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestNewEngine_Requires(t *testing.T) {
	_, err := NewEngine(nil, &stubEmbedder{}, Config{})
	assert.Error(t, err)
	_, err = NewEngine(&fakeIndex{}, nil, Config{})
	assert.Error(t, err)

	eng, err := NewEngine(&fakeIndex{}, &stubEmbedder{}, Config{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSubsearchTimeout, eng.timeout)
	assert.Equal(t, DefaultRRFK, eng.k)
}
