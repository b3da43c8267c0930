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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultServiceTimeout bounds a single request to the embeddings service.
const DefaultServiceTimeout = 30 * time.Second

// ServiceClient calls the embeddings service over HTTP.
//
// # Description
//
// The service exposes POST /batch_embed {"texts": [...]} and GET /health.
// It runs the transformer model (BGE, Nomic, ...) out of process so the
// lineage binary stays free of model weights.
//
// # Thread Safety
//
// ServiceClient is safe for concurrent use.
type ServiceClient struct {
	baseURL    string
	model      string
	dim        int
	httpClient *http.Client
}

// ServiceOption configures a ServiceClient.
type ServiceOption func(*ServiceClient)

// WithHTTPClient replaces the default client.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *ServiceClient) { s.httpClient = c }
}

// WithTimeout sets the per-request timeout.
func WithTimeout(d time.Duration) ServiceOption {
	return func(s *ServiceClient) { s.httpClient.Timeout = d }
}

// WithDimension makes the client reject vectors of any other dimension.
func WithDimension(dim int) ServiceOption {
	return func(s *ServiceClient) { s.dim = dim }
}

// NewServiceClient creates a client for the service at baseURL.
//
// # Inputs
//
//   - baseURL: e.g. "http://localhost:8000". A trailing slash is ignored.
//   - model: Model name reported by Model(), which keys the embedding
//     cache. The service decides the actual model.
//
// # Example
//
//	client := embed.NewServiceClient("http://localhost:8000", "nomic-embed-text-v1.5")
//	vecs, err := client.Embed(ctx, []string{"SELECT * FROM orders"})
func NewServiceClient(baseURL, model string, opts ...ServiceOption) *ServiceClient {
	c := &ServiceClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: DefaultServiceTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type batchRequest struct {
	Texts []string `json:"texts"`
}

type batchResponse struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	Model     string      `json:"model"`
	Vectors   [][]float32 `json:"vectors"`
	Dim       int         `json:"dim"`
}

type healthResponse struct {
	Status string `json:"status"`
	Model  string `json:"model"`
}

// Model implements Embedder.
func (c *ServiceClient) Model() string {
	return c.model
}

// Embed implements Embedder with one /batch_embed call.
func (c *ServiceClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if ctx == nil {
		return nil, ErrInvalidInput
	}
	if err := validate(texts); err != nil {
		return nil, err
	}

	body, err := json.Marshal(batchRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/batch_embed", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var out batchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%w: decode: %w", ErrBadResponse, err)
	}
	if err := checkVectors(out.Vectors, len(texts), c.dim); err != nil {
		return nil, err
	}
	return out.Vectors, nil
}

// Health checks that the service is up and its model is loaded.
func (c *ServiceClient) Health(ctx context.Context) error {
	if ctx == nil {
		return ErrInvalidInput
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: status %d: %s", ErrUnavailable, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	var h healthResponse
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return fmt.Errorf("%w: decode health: %w", ErrBadResponse, err)
	}
	if h.Status != "ok" {
		return fmt.Errorf("%w: status %q", ErrUnavailable, h.Status)
	}
	return nil
}
