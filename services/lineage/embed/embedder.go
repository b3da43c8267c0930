// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package embed turns text into dense vectors.
//
// Embedder is the capability the index and retrieval layers depend on.
// ServiceClient talks to the local embeddings service, OpenAIEmbedder to
// any OpenAI-compatible endpoint, and Cached memoizes either one behind a
// cache.Cache keyed by content hash.
package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

var (
	// ErrInvalidInput is returned for nil contexts and empty input.
	ErrInvalidInput = errors.New("invalid embedding input")

	// ErrBadResponse is returned when the provider answers with the wrong
	// number of vectors or an unexpected dimension.
	ErrBadResponse = errors.New("malformed embedding response")

	// ErrUnavailable is returned when the provider cannot be reached or
	// reports itself unhealthy.
	ErrUnavailable = errors.New("embedding provider unavailable")
)

// Embedder converts texts to vectors, one per input, in input order.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// Model names the model producing the vectors. It is part of every
	// cache key so switching models never serves stale vectors.
	Model() string
}

// EmbedOne embeds a single text.
func EmbedOne(ctx context.Context, e Embedder, text string) ([]float32, error) {
	vecs, err := e.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("%w: want 1 vector, got %d", ErrBadResponse, len(vecs))
	}
	return vecs[0], nil
}

// ContentHash is the hex SHA-256 of text.
func ContentHash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func validate(texts []string) error {
	if len(texts) == 0 {
		return fmt.Errorf("%w: texts is empty", ErrInvalidInput)
	}
	for i, t := range texts {
		if t == "" {
			return fmt.Errorf("%w: text %d is empty", ErrInvalidInput, i)
		}
	}
	return nil
}

func checkVectors(vecs [][]float32, want, dim int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: want %d vectors, got %d", ErrBadResponse, want, len(vecs))
	}
	if dim <= 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != dim {
			return fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrBadResponse, i, len(v), dim)
		}
	}
	return nil
}
