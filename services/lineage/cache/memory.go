// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// DefaultMemoryEntries bounds the in-process cache.
const DefaultMemoryEntries = 50_000

// MemoryCache is a bounded, expiring in-process Cache.
//
// Entries expire after the cache-wide TTL; the per-call ttl of Set is
// ignored because the LRU has a single expiry.
type MemoryCache struct {
	lru    *expirable.LRU[string, []byte]
	prefix string
}

// NewMemoryCache creates a cache holding at most size entries.
func NewMemoryCache(size int, cfg Config) *MemoryCache {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	return &MemoryCache{
		lru:    expirable.NewLRU[string, []byte](size, nil, cfg.DefaultTTL),
		prefix: cfg.Prefix,
	}
}

// Get implements Cache. The returned slice is a copy.
func (m *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, ok := m.lru.Get(m.prefix + key)
	if !ok {
		return nil, ErrMiss
	}
	return append([]byte(nil), v...), nil
}

// Set implements Cache.
func (m *MemoryCache) Set(ctx context.Context, key string, value []byte, _ time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.lru.Add(m.prefix+key, append([]byte(nil), value...))
	return nil
}

// Delete implements Cache.
func (m *MemoryCache) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	for _, k := range keys {
		m.lru.Remove(m.prefix + k)
	}
	return nil
}

// Len returns the number of live entries.
func (m *MemoryCache) Len() int {
	return m.lru.Len()
}
