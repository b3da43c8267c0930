// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package weaviate wraps the Weaviate client used by the document index
// with a circuit breaker, retries and background health checks.
//
// When Weaviate is down the client reports itself degraded instead of
// failing every call with a network timeout, so the retrieval engine can
// fall back to the other search modality quickly.
package weaviate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "aleutian.lineage.weaviate"

// ConnectionState is the client's view of Weaviate.
type ConnectionState int32

const (
	// StateConnected indicates normal operation.
	StateConnected ConnectionState = iota
	// StateDegraded indicates Weaviate is failing but requests still go out.
	StateDegraded
	// StateCircuitOpen indicates requests are blocked until cooldown.
	StateCircuitOpen
	// StateHalfOpen lets a single probe request through.
	StateHalfOpen
)

var stateNames = [...]string{"connected", "degraded", "circuit_open", "half_open"}

func (s ConnectionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// unhealthy is true for the states degradation handlers are told about.
func (s ConnectionState) unhealthy() bool {
	return s == StateDegraded || s == StateCircuitOpen
}

// ClientConfig configures the resilient client. Zero durations and
// counts take the DefaultClientConfig value.
type ClientConfig struct {
	// URL is the Weaviate server URL, e.g. "http://localhost:8080".
	URL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// RetryAttempts is the number of retries after the first try.
	RetryAttempts int

	// RetryBackoff and MaxRetryBackoff bound the exponential backoff;
	// RetryJitter randomizes each wait by that fraction (0..1).
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration
	RetryJitter     float64

	// CircuitThreshold failures inside CircuitWindow open the circuit for
	// CircuitCooldown.
	CircuitThreshold int
	CircuitWindow    time.Duration
	CircuitCooldown  time.Duration

	// Readiness is probed every HealthCheckInterval while connected and
	// every DegradedCheckInterval otherwise.
	HealthCheckInterval   time.Duration
	DegradedCheckInterval time.Duration
	HealthCheckTimeout    time.Duration

	// AllowStartDegraded lets NewResilientClient succeed while Weaviate is
	// down. The index then answers searches with ErrBackendUnavailable
	// until the health loop sees Weaviate come up.
	AllowStartDegraded bool

	Logger *slog.Logger
}

// DefaultClientConfig returns the production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		RetryAttempts:         3,
		RetryBackoff:          100 * time.Millisecond,
		MaxRetryBackoff:       5 * time.Second,
		RetryJitter:           0.25,
		CircuitThreshold:      5,
		CircuitWindow:         30 * time.Second,
		CircuitCooldown:       30 * time.Second,
		HealthCheckInterval:   10 * time.Second,
		DegradedCheckInterval: 5 * time.Second,
		HealthCheckTimeout:    5 * time.Second,
	}
}

// Validate reports every invalid field at once.
func (c *ClientConfig) Validate() error {
	var errs []error
	check := func(bad bool, msg string) {
		if bad {
			errs = append(errs, errors.New(msg))
		}
	}
	check(c.URL == "", "url is required")
	check(c.RetryAttempts < 0, "retry_attempts cannot be negative")
	check(c.RetryBackoff < 0, "retry_backoff cannot be negative")
	check(c.RetryJitter < 0 || c.RetryJitter > 1, "retry_jitter must lie in [0,1]")
	check(c.CircuitThreshold < 1, "circuit_threshold must be at least 1")
	check(c.CircuitWindow <= 0, "circuit_window must be positive")
	check(c.HealthCheckTimeout <= 0, "health_check_timeout must be positive")
	return errors.Join(errs...)
}

func (c *ClientConfig) applyDefaults() {
	d := DefaultClientConfig()
	orDefault(&c.RetryAttempts, d.RetryAttempts)
	orDefault(&c.RetryBackoff, d.RetryBackoff)
	orDefault(&c.MaxRetryBackoff, d.MaxRetryBackoff)
	orDefault(&c.RetryJitter, d.RetryJitter)
	orDefault(&c.CircuitThreshold, d.CircuitThreshold)
	orDefault(&c.CircuitWindow, d.CircuitWindow)
	orDefault(&c.CircuitCooldown, d.CircuitCooldown)
	orDefault(&c.HealthCheckInterval, d.HealthCheckInterval)
	orDefault(&c.DegradedCheckInterval, d.DegradedCheckInterval)
	orDefault(&c.HealthCheckTimeout, d.HealthCheckTimeout)
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

func orDefault[T comparable](v *T, def T) {
	var zero T
	if *v == zero {
		*v = def
	}
}

// weaviateConfig splits URL into the scheme and host the client expects.
func weaviateConfig(cfg ClientConfig) (weaviate.Config, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || u.Host == "" {
		if u, err = url.Parse("http://" + cfg.URL); err != nil {
			return weaviate.Config{}, fmt.Errorf("parse url %q: %w", cfg.URL, err)
		}
	}
	wc := weaviate.Config{Host: u.Host, Scheme: u.Scheme}
	if cfg.APIKey != "" {
		wc.Headers = map[string]string{"Authorization": "Bearer " + cfg.APIKey}
	}
	return wc, nil
}

// ResilientClient guards a Weaviate client with retries, a circuit
// breaker and a background readiness loop.
//
// Thread Safety: Safe for concurrent use.
type ResilientClient struct {
	client  *weaviate.Client
	config  ClientConfig
	logger  *slog.Logger
	breaker *breaker

	state  atomic.Int32
	closed atomic.Bool

	healthCtx    context.Context
	healthCancel context.CancelFunc
	healthWg     sync.WaitGroup

	handlersMu sync.RWMutex
	handlers   []DegradationHandler
}

// NewResilientClient creates a client and probes readiness once.
//
// Outputs:
//
//	*ResilientClient - Client with its health loop running. Call Close.
//	error - Invalid configuration, or Weaviate unreachable while
//	        AllowStartDegraded is false.
func NewResilientClient(config ClientConfig) (*ResilientClient, error) {
	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid weaviate config: %w", err)
	}
	wc, err := weaviateConfig(config)
	if err != nil {
		return nil, err
	}
	client, err := weaviate.NewClient(wc)
	if err != nil {
		return nil, fmt.Errorf("create weaviate client: %w", err)
	}

	c := newResilientClient(client, config)
	if err := c.ready(context.Background()); err != nil {
		if !config.AllowStartDegraded {
			c.healthCancel()
			return nil, fmt.Errorf("%w: %w", ErrWeaviateUnavailable, err)
		}
		c.logger.Warn("weaviate unavailable at startup, starting degraded", "url", config.URL, "error", err)
	} else {
		c.setState(StateConnected)
	}
	c.healthWg.Go(c.watchHealth)

	c.logger.Info("weaviate client ready", "url", config.URL, "state", c.GetState().String())
	return c, nil
}

// newResilientClient builds the client in the degraded state without
// probing or starting the health loop.
func newResilientClient(client *weaviate.Client, config ClientConfig) *ResilientClient {
	ctx, cancel := context.WithCancel(context.Background())
	c := &ResilientClient{
		client:       client,
		config:       config,
		logger:       config.Logger.With("component", "weaviate_client"),
		breaker:      newBreaker(config.CircuitThreshold, config.CircuitWindow, config.CircuitCooldown),
		healthCtx:    ctx,
		healthCancel: cancel,
	}
	c.state.Store(int32(StateDegraded))
	return c
}

// Client returns the underlying Weaviate client. Calls made on it
// directly bypass the breaker; wrap them in Execute.
func (c *ResilientClient) Client() *weaviate.Client {
	return c.client
}

// IsAvailable reports whether requests are expected to succeed.
func (c *ResilientClient) IsAvailable() bool {
	s := c.GetState()
	return s == StateConnected || s == StateHalfOpen
}

// IsDegraded reports whether Weaviate is failing.
func (c *ResilientClient) IsDegraded() bool {
	return c.GetState().unhealthy()
}

// GetState returns the current connection state.
func (c *ResilientClient) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// RegisterHandler adds a degradation handler. A handler registered while
// the client is degraded is told so immediately.
func (c *ResilientClient) RegisterHandler(h DegradationHandler) {
	c.handlersMu.Lock()
	c.handlers = append(c.handlers, h)
	c.handlersMu.Unlock()
	if c.IsDegraded() {
		h.OnDegraded("weaviate unavailable at registration")
	}
}

// Execute runs fn under the circuit breaker, retrying transient network
// errors and timeouts with exponential backoff. Other errors return
// immediately and do not count against Weaviate. Cancellation of ctx
// stops the retries and returns ctx.Err().
func (c *ResilientClient) Execute(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if c.closed.Load() {
		return ErrClientClosed
	}
	ctx, span := otel.Tracer(tracerName).Start(ctx, "weaviate."+op,
		trace.WithAttributes(attribute.String("state", c.GetState().String())),
	)
	defer span.End()

	release, err := c.admit()
	if err != nil {
		span.SetStatus(codes.Error, "circuit open")
		return err
	}
	defer release()

	err = c.retry(ctx, span, op, fn)
	switch {
	case err == nil:
		c.onSuccess()
		span.SetStatus(codes.Ok, "")
		return nil
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		span.SetStatus(codes.Error, "cancelled")
		return ctx.Err()
	}
	if transient(err) {
		c.onFailure()
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, "request failed")
	return WrapWeaviateError(err)
}

// admit gates a request on the circuit. The returned func frees the
// half-open probe slot when the request held it.
func (c *ResilientClient) admit() (func(), error) {
	switch c.GetState() {
	case StateCircuitOpen:
		if !c.breaker.cooled() {
			return nil, ErrCircuitOpen
		}
		c.setState(StateHalfOpen)
		fallthrough
	case StateHalfOpen:
		if !c.breaker.tryProbe() {
			return nil, ErrCircuitOpen
		}
		return c.breaker.endProbe, nil
	}
	return func() {}, nil
}

func (c *ResilientClient) retry(ctx context.Context, span trace.Span, op string, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.config.RetryBackoff
	b.MaxInterval = c.config.MaxRetryBackoff
	b.RandomizationFactor = c.config.RetryJitter
	b.Multiplier = 2

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := fn(ctx)
		if err != nil && !transient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(c.config.RetryAttempts+1)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, wait time.Duration) {
			span.AddEvent("retry", trace.WithAttributes(
				attribute.Int("attempt", attempt),
				attribute.Int64("backoff_ms", wait.Milliseconds()),
			))
			c.logger.Debug("retrying weaviate request", "op", op, "attempt", attempt, "error", err)
		}),
	)
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

func (c *ResilientClient) onSuccess() {
	switch c.GetState() {
	case StateHalfOpen, StateDegraded:
		c.breaker.reset()
		c.setState(StateConnected)
	}
}

// onFailure counts an infrastructure failure. A failed half-open probe
// or a full window opens the circuit; a first failure only degrades.
func (c *ResilientClient) onFailure() {
	n := c.breaker.fail()
	switch s := c.GetState(); {
	case s == StateCircuitOpen:
	case s == StateHalfOpen || c.breaker.tripped(n):
		c.breaker.open()
		c.setState(StateCircuitOpen)
		c.logger.Warn("circuit breaker opened", "failures", n, "window", c.config.CircuitWindow)
	case s == StateConnected:
		c.setState(StateDegraded)
	}
}

// WaitForReady polls readiness until Weaviate answers or timeout elapses.
func (c *ResilientClient) WaitForReady(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	tick := time.NewTicker(500 * time.Millisecond)
	defer tick.Stop()
	for {
		if c.ready(ctx) == nil {
			c.breaker.reset()
			c.setState(StateConnected)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("weaviate not ready within %v: %w", timeout, ErrWeaviateUnavailable)
		case <-tick.C:
		}
	}
}

// Close stops the health loop. It is idempotent.
func (c *ResilientClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.healthCancel()
	c.healthWg.Wait()
	c.logger.Debug("weaviate client closed")
	return nil
}

// setState swaps the state and notifies handlers when the client crosses
// between healthy and unhealthy. Degraded to circuit-open is not a new
// degradation.
func (c *ResilientClient) setState(next ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(next)))
	if prev == next {
		return
	}
	c.logger.Info("weaviate state changed", "from", prev.String(), "to", next.String())
	if prev.unhealthy() == next.unhealthy() {
		return
	}

	c.handlersMu.RLock()
	handlers := c.handlers
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		if next.unhealthy() {
			h.OnDegraded("weaviate " + next.String())
		} else {
			h.OnRecovered()
		}
	}
}

// ready asks Weaviate's readiness endpoint.
func (c *ResilientClient) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.HealthCheckTimeout)
	defer cancel()
	ctx, span := otel.Tracer(tracerName).Start(ctx, "weaviate.ready")
	defer span.End()

	ok, err := c.client.Misc().ReadyChecker().Do(ctx)
	switch {
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "ready check failed")
		return fmt.Errorf("ready check: %w", err)
	case !ok:
		span.SetStatus(codes.Error, "not ready")
		return ErrWeaviateUnavailable
	}
	return nil
}

func (c *ResilientClient) watchHealth() {
	timer := time.NewTimer(c.healthInterval())
	defer timer.Stop()
	for {
		select {
		case <-c.healthCtx.Done():
			return
		case <-timer.C:
			c.probe()
			timer.Reset(c.healthInterval())
		}
	}
}

func (c *ResilientClient) healthInterval() time.Duration {
	if c.IsDegraded() {
		return c.config.DegradedCheckInterval
	}
	return c.config.HealthCheckInterval
}

// probe moves the state on a readiness result. An open circuit is only
// moved to half-open; the next request's outcome closes it.
func (c *ResilientClient) probe() {
	err := c.ready(c.healthCtx)
	state := c.GetState()
	switch {
	case err != nil && state == StateConnected:
		c.setState(StateDegraded)
	case err != nil:
	case state == StateDegraded, state == StateHalfOpen:
		c.breaker.reset()
		c.setState(StateConnected)
	case state == StateCircuitOpen && c.breaker.cooled():
		c.setState(StateHalfOpen)
	}
}
