// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embed

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/AleutianLineage/services/lineage/cache"
)

// DefaultFlightTimeout bounds a provider call shared by concurrent callers.
const DefaultFlightTimeout = 2 * time.Minute

// CacheObserver receives hit and miss counts for each Embed call.
type CacheObserver func(hits, misses int)

// CachedOption configures a Cached embedder.
type CachedOption func(*Cached)

// WithCacheTTL sets the TTL passed to the cache. Zero uses the cache default.
func WithCacheTTL(ttl time.Duration) CachedOption {
	return func(c *Cached) { c.ttl = ttl }
}

// WithCacheObserver registers a hit/miss observer.
func WithCacheObserver(o CacheObserver) CachedOption {
	return func(c *Cached) { c.observe = o }
}

// WithFlightTimeout bounds the shared provider call. The call runs detached
// from any single caller's context, so this is its only deadline.
func WithFlightTimeout(d time.Duration) CachedOption {
	return func(c *Cached) { c.flightTimeout = d }
}

// WithCachedLogger sets the logger.
func WithCachedLogger(logger *slog.Logger) CachedOption {
	return func(c *Cached) { c.logger = logger }
}

// Cached memoizes an Embedder.
//
// # Description
//
// Vectors are stored under "emb:<model>:<sha256(text)>", so identical text
// is embedded once per model no matter which file or query produced it.
// Concurrent calls for the same missing texts share one provider call.
// The shared call is detached from the callers' contexts: a caller that
// gives up returns its own ctx.Err() while the others keep waiting.
//
// Cache failures other than a miss are logged and treated as misses; the
// provider stays the source of truth.
//
// # Thread Safety
//
// Cached is safe for concurrent use.
type Cached struct {
	inner         Embedder
	cache         cache.Cache
	ttl           time.Duration
	flightTimeout time.Duration
	group         singleflight.Group
	observe       CacheObserver
	logger        *slog.Logger
}

// NewCached wraps inner with c.
func NewCached(inner Embedder, c cache.Cache, opts ...CachedOption) *Cached {
	e := &Cached{
		inner:         inner,
		cache:         c,
		flightTimeout: DefaultFlightTimeout,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "embed_cache", "model", inner.Model())
	return e
}

// Model implements Embedder.
func (c *Cached) Model() string {
	return c.inner.Model()
}

// Key returns the cache key for a content hash under this model.
func (c *Cached) Key(hash string) string {
	return "emb:" + c.inner.Model() + ":" + hash
}

// Embed implements Embedder.
func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if err := validate(texts); err != nil {
		return nil, err
	}

	out := make([][]float32, len(texts))
	keys := make([]string, len(texts))
	missing := make(map[string][]int)
	var order []string
	for i, t := range texts {
		keys[i] = c.Key(ContentHash(t))
		if idx, seen := missing[keys[i]]; seen {
			missing[keys[i]] = append(idx, i)
			continue
		}
		vec, ok := c.lookup(ctx, keys[i])
		if ok {
			out[i] = vec
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		missing[keys[i]] = []int{i}
		order = append(order, keys[i])
	}
	if c.observe != nil {
		c.observe(len(texts)-len(order), len(order))
	}
	if len(order) == 0 {
		return out, nil
	}

	toEmbed := make([]string, len(order))
	for j, k := range order {
		toEmbed[j] = texts[missing[k][0]]
	}
	var vecs [][]float32
	flight := c.group.DoChan(strings.Join(order, "|"), func() (any, error) {
		return c.embedShared(context.WithoutCancel(ctx), order, toEmbed)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-flight:
		if res.Err != nil {
			return nil, res.Err
		}
		vecs = res.Val.([][]float32)
	}

	for j, k := range order {
		for _, i := range missing[k] {
			out[i] = vecs[j]
		}
	}
	return out, nil
}

// embedShared runs the provider call for a flight and fills the cache.
func (c *Cached) embedShared(ctx context.Context, keys, texts []string) ([][]float32, error) {
	if c.flightTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.flightTimeout)
		defer cancel()
	}
	vecs, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(keys) {
		return nil, fmt.Errorf("%w: want %d vectors, got %d", ErrBadResponse, len(keys), len(vecs))
	}
	for j, k := range keys {
		if err := c.cache.Set(ctx, k, encodeVector(vecs[j]), c.ttl); err != nil {
			c.logger.Warn("embedding cache write failed", "key", k, "error", err)
		}
	}
	return vecs, nil
}

func (c *Cached) lookup(ctx context.Context, key string) ([]float32, bool) {
	raw, err := c.cache.Get(ctx, key)
	if err != nil {
		if !cache.IsMiss(err) {
			c.logger.Warn("embedding cache read failed", "key", key, "error", err)
		}
		return nil, false
	}
	vec, err := decodeVector(raw)
	if err != nil {
		c.logger.Warn("discarding corrupt cache entry", "key", key, "error", err)
		return nil, false
	}
	return vec, true
}

// Invalidate drops cached vectors for the given content hashes. It is the
// hook re-ingestion calls when a file's chunks change.
func (c *Cached) Invalidate(ctx context.Context, hashes ...string) error {
	if len(hashes) == 0 {
		return nil
	}
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = c.Key(h)
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		return fmt.Errorf("invalidate %d embeddings: %w", len(keys), err)
	}
	c.logger.Debug("invalidated embeddings", "count", len(keys))
	return nil
}

// InvalidateTexts is Invalidate for raw texts.
func (c *Cached) InvalidateTexts(ctx context.Context, texts ...string) error {
	hashes := make([]string, len(texts))
	for i, t := range texts {
		hashes[i] = ContentHash(t)
	}
	return c.Invalidate(ctx, hashes...)
}

// Vectors are stored as little-endian float32s.
func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) ([]float32, error) {
	if len(b) == 0 || len(b)%4 != 0 {
		return nil, fmt.Errorf("invalid vector encoding of %d bytes", len(b))
	}
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v, nil
}
