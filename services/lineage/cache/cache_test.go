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
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	c := NewRedisCacheWithClient(client, DefaultConfig())
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestCacheContract(t *testing.T) {
	backends := map[string]func(t *testing.T) Cache{
		"redis": func(t *testing.T) Cache {
			c, _ := setupTestRedis(t)
			return c
		},
		"memory": func(t *testing.T) Cache {
			return NewMemoryCache(16, DefaultConfig())
		},
	}
	for name, newCache := range backends {
		t.Run(name, func(t *testing.T) {
			c := newCache(t)
			ctx := context.Background()

			_, err := c.Get(ctx, "k")
			assert.True(t, IsMiss(err))

			require.NoError(t, c.Set(ctx, "k", []byte("v1"), 0))
			got, err := c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), got)

			require.NoError(t, c.Set(ctx, "k", []byte("v2"), time.Minute))
			got, err = c.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), got)

			require.NoError(t, c.Set(ctx, "other", []byte("x"), 0))
			require.NoError(t, c.Delete(ctx, "k", "missing"))
			_, err = c.Get(ctx, "k")
			assert.ErrorIs(t, err, ErrMiss)
			_, err = c.Get(ctx, "other")
			assert.NoError(t, err)

			require.NoError(t, c.Delete(ctx))
		})
	}
}

func TestRedisCache_PrefixAndTTL(t *testing.T) {
	c, mr := setupTestRedis(t)
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "emb:abc", []byte("v"), time.Minute))
	assert.True(t, mr.Exists("lineage:emb:abc"))
	assert.Equal(t, time.Minute, mr.TTL("lineage:emb:abc"))

	require.NoError(t, c.Set(ctx, "emb:def", []byte("v"), 0))
	assert.Equal(t, DefaultConfig().DefaultTTL, mr.TTL("lineage:emb:def"))

	mr.FastForward(2 * time.Minute)
	_, err := c.Get(ctx, "emb:abc")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestNewRedisCache(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisCache(context.Background(), RedisConfig{Addr: mr.Addr(), Config: DefaultConfig()})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	_, err = NewRedisCache(context.Background(), RedisConfig{Addr: "127.0.0.1:1"})
	assert.Error(t, err)
}

func TestRedisCache_BackendError(t *testing.T) {
	c, mr := setupTestRedis(t)
	mr.Close()

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
	assert.False(t, IsMiss(err), "an unreachable backend is not a miss")
}

func TestMemoryCache_EvictsAndExpires(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(2, Config{DefaultTTL: time.Hour})
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), 0))
	require.NoError(t, c.Set(ctx, "c", []byte("3"), 0))
	assert.Equal(t, 2, c.Len())
	_, err := c.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrMiss, "least recently used entry is evicted")

	short := NewMemoryCache(4, Config{DefaultTTL: 20 * time.Millisecond})
	require.NoError(t, short.Set(ctx, "k", []byte("v"), 0))
	time.Sleep(60 * time.Millisecond)
	_, err = short.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrMiss)
}

func TestMemoryCache_CopiesValues(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(4, DefaultConfig())
	v := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", v, 0))
	v[0] = 'x'

	got, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), got)
	got[1] = 'y'

	again, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again)
}
