// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readyServer(t *testing.T, ready *atomic.Bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/.well-known/ready" && ready.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testClient builds a connected client with no Weaviate behind it, for
// breaker and retry tests.
func testClient(cfg ClientConfig) *ResilientClient {
	cfg.applyDefaults()
	c := newResilientClient(nil, cfg)
	c.state.Store(int32(StateConnected))
	return c
}

func fastRetry() ClientConfig {
	return ClientConfig{
		URL:              "http://localhost:8080",
		RetryAttempts:    2,
		RetryBackoff:     time.Millisecond,
		MaxRetryBackoff:  2 * time.Millisecond,
		CircuitThreshold: 3,
		CircuitWindow:    time.Minute,
		CircuitCooldown:  time.Hour,
	}
}

var errRefused = &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}

func TestClientConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ClientConfig)
		want   string
	}{
		{"valid", func(*ClientConfig) {}, ""},
		{"missing url", func(c *ClientConfig) { c.URL = "" }, "url"},
		{"negative retry_attempts", func(c *ClientConfig) { c.RetryAttempts = -1 }, "retry_attempts"},
		{"invalid retry_jitter", func(c *ClientConfig) { c.RetryJitter = 1.5 }, "retry_jitter"},
		{"zero circuit_threshold", func(c *ClientConfig) { c.CircuitThreshold = 0 }, "circuit_threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultClientConfig()
			cfg.URL = "http://localhost:8080"
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.want == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestWeaviateConfig(t *testing.T) {
	wc, err := weaviateConfig(ClientConfig{URL: "https://weaviate.internal:8443"})
	require.NoError(t, err)
	assert.Equal(t, "https", wc.Scheme)
	assert.Equal(t, "weaviate.internal:8443", wc.Host)

	wc, err = weaviateConfig(ClientConfig{URL: "localhost:8080", APIKey: "k"})
	require.NoError(t, err)
	assert.Equal(t, "http", wc.Scheme)
	assert.Equal(t, "localhost:8080", wc.Host)
	assert.Equal(t, "Bearer k", wc.Headers["Authorization"])
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "degraded", StateDegraded.String())
	assert.Equal(t, "circuit_open", StateCircuitOpen.String())
	assert.Equal(t, "half_open", StateHalfOpen.String())
	assert.Equal(t, "unknown", ConnectionState(99).String())
}

func TestNewResilientClient(t *testing.T) {
	var ready atomic.Bool
	ready.Store(true)
	srv := readyServer(t, &ready)

	cfg := DefaultClientConfig()
	cfg.URL = srv.URL
	c, err := NewResilientClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsAvailable())
	assert.NotNil(t, c.Client())
}

func TestNewResilientClient_Unavailable(t *testing.T) {
	var ready atomic.Bool
	srv := readyServer(t, &ready)

	cfg := DefaultClientConfig()
	cfg.URL = srv.URL
	cfg.HealthCheckTimeout = 200 * time.Millisecond

	_, err := NewResilientClient(cfg)
	assert.ErrorIs(t, err, ErrWeaviateUnavailable)

	cfg.AllowStartDegraded = true
	c, err := NewResilientClient(cfg)
	require.NoError(t, err)
	defer c.Close()
	assert.True(t, c.IsDegraded())

	h := NewSearchDegradation(nil)
	c.RegisterHandler(h)
	assert.True(t, h.ShouldSkip(), "handler learns the current state on registration")

	ready.Store(true)
	require.NoError(t, c.WaitForReady(context.Background(), 2*time.Second))
	assert.True(t, c.IsAvailable())
	assert.False(t, h.ShouldSkip())
	assert.EqualValues(t, 1, h.Skipped())
}

func TestExecute_RetriesTransientErrors(t *testing.T) {
	c := testClient(fastRetry())
	var calls int
	err := c.Execute(context.Background(), "search", func(context.Context) error {
		calls++
		if calls < 3 {
			return errRefused
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateConnected, c.GetState())
}

func TestExecute_DoesNotRetryApplicationErrors(t *testing.T) {
	c := testClient(fastRetry())
	bad := errors.New("invalid where filter")
	var calls int
	err := c.Execute(context.Background(), "search", func(context.Context) error {
		calls++
		return bad
	})
	assert.ErrorIs(t, err, bad)
	assert.Equal(t, 1, calls)
	assert.Equal(t, StateConnected, c.GetState(), "application errors do not trip the breaker")
}

func TestExecute_ExhaustedRetriesDegrade(t *testing.T) {
	c := testClient(fastRetry())
	var calls int
	err := c.Execute(context.Background(), "batch", func(context.Context) error {
		calls++
		return errRefused
	})
	assert.ErrorIs(t, err, ErrWeaviateUnavailable)
	assert.Equal(t, 3, calls)
	assert.Equal(t, StateDegraded, c.GetState())
}

func TestExecute_CircuitOpen(t *testing.T) {
	c := testClient(fastRetry())
	for range 3 {
		_ = c.Execute(context.Background(), "search", func(context.Context) error { return errRefused })
	}
	require.Equal(t, StateCircuitOpen, c.GetState())

	called := false
	err := c.Execute(context.Background(), "search", func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
}

func TestExecute_HalfOpenProbe(t *testing.T) {
	cfg := fastRetry()
	cfg.CircuitCooldown = time.Millisecond
	c := testClient(cfg)
	c.state.Store(int32(StateCircuitOpen))
	c.breaker.now = func() time.Time { return time.Now().Add(time.Second) }

	require.NoError(t, c.Execute(context.Background(), "search", func(context.Context) error { return nil }))
	assert.Equal(t, StateConnected, c.GetState())
}

func TestExecute_Cancelled(t *testing.T) {
	c := testClient(fastRetry())
	ctx, cancel := context.WithCancel(context.Background())
	err := c.Execute(ctx, "search", func(context.Context) error {
		cancel()
		return context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestExecute_Closed(t *testing.T) {
	c := testClient(fastRetry())
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())
	err := c.Execute(context.Background(), "search", func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrClientClosed)
}

func TestBreaker_SlidingWindow(t *testing.T) {
	b := newBreaker(3, time.Minute, time.Hour)
	now := time.Unix(1000, 0)
	b.now = func() time.Time { return now }

	assert.Equal(t, 1, b.fail())
	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, b.fail(), "failures outside the window are forgotten")
	assert.Equal(t, 2, b.fail())
	assert.False(t, b.tripped(2))
	assert.True(t, b.tripped(b.fail()))
	assert.Equal(t, 3, b.fail(), "the log never grows past the threshold")

	b.open()
	assert.False(t, b.cooled())
	now = now.Add(time.Hour)
	assert.True(t, b.cooled())

	assert.True(t, b.tryProbe())
	assert.False(t, b.tryProbe(), "one probe at a time")
	b.endProbe()
	assert.True(t, b.tryProbe())

	b.reset()
	assert.Equal(t, 1, b.fail())
}

func TestOnFailure_DegradesThenOpens(t *testing.T) {
	cfg := fastRetry()
	cfg.CircuitWindow = 50 * time.Millisecond
	c := testClient(cfg)

	c.onFailure()
	assert.Equal(t, StateDegraded, c.GetState())
	time.Sleep(80 * time.Millisecond)
	c.onFailure()
	c.onFailure()
	assert.Equal(t, StateDegraded, c.GetState(), "the first failure aged out of the window")
	c.onFailure()
	assert.Equal(t, StateCircuitOpen, c.GetState())
}

func TestTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"cancelled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"op error", errRefused, true},
		{"plain", errors.New("random"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, transient(tt.err))
		})
	}
}

func TestWrapWeaviateError(t *testing.T) {
	assert.Nil(t, WrapWeaviateError(nil))
	assert.ErrorIs(t, WrapWeaviateError(context.DeadlineExceeded), ErrConnectionTimeout)
	assert.ErrorIs(t, WrapWeaviateError(errRefused), ErrWeaviateUnavailable)
	assert.Contains(t, WrapWeaviateError(errors.New("x")).Error(), "weaviate error")
}

type mockHandler struct {
	degraded  atomic.Int32
	recovered atomic.Int32
}

func (m *mockHandler) OnDegraded(string) { m.degraded.Add(1) }
func (m *mockHandler) OnRecovered()       { m.recovered.Add(1) }

func TestSetState_NotifiesHandlers(t *testing.T) {
	c := testClient(fastRetry())
	h := &mockHandler{}
	c.RegisterHandler(h)

	c.setState(StateConnected)
	assert.EqualValues(t, 0, h.degraded.Load())

	c.setState(StateDegraded)
	c.setState(StateCircuitOpen)
	assert.EqualValues(t, 1, h.degraded.Load(), "degraded to open is not a new degradation")

	c.setState(StateConnected)
	assert.EqualValues(t, 1, h.recovered.Load())
}
