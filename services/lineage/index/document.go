// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index stores chunked source text for hybrid retrieval.
//
// Every backend answers two kinds of query over the same documents: a
// sparse (keyword, BM25-style) search over the text and a dense (vector)
// search over the embedding. The retrieval engine fuses the two rankings.
//
// Backends:
//
//   - BleveIndex: bleve for sparse search plus an exact cosine scan for
//     dense search. Used locally and in tests.
//   - WeaviateIndex: Weaviate BM25 and nearVector over one class.
//
// A collection's vector dimension is fixed when it is created. Documents
// and query vectors of any other dimension fail with ErrDimensionMismatch.
package index

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

var (
	// ErrDimensionMismatch is returned for vectors of the wrong dimension.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrInvalidDocument is returned for documents missing required fields.
	ErrInvalidDocument = errors.New("invalid search document")

	// ErrInvalidQuery is returned for empty queries and non-positive limits.
	ErrInvalidQuery = errors.New("invalid index query")

	// ErrBackendUnavailable is returned when the backend cannot serve the
	// request at all. The retrieval engine treats it as a failed modality.
	ErrBackendUnavailable = errors.New("search backend unavailable")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("index is closed")
)

// DocMetadata locates a chunk in its source.
type DocMetadata struct {
	Path        string `json:"path"`
	Scope       string `json:"scope"`
	ChunkIndex  int    `json:"chunk_index"`
	ContentHash string `json:"content_hash"`
}

// SearchDocument is one indexed chunk. Sparse terms are derived from Text
// by the backend's analyzer.
type SearchDocument struct {
	DocID    string      `json:"doc_id"`
	Text     string      `json:"text"`
	Vector   []float32   `json:"-"`
	Metadata DocMetadata `json:"metadata"`
}

// Hit is one ranked result of a sub-search. Score is backend-specific and
// only meaningful for ordering within one result list.
type Hit struct {
	DocID    string
	Score    float64
	Text     string
	Metadata DocMetadata
}

// SparseQuery is a keyword search.
type SparseQuery struct {
	Text  string
	Scope string // empty searches every scope
	Limit int
}

// DenseQuery is a nearest-neighbour search.
type DenseQuery struct {
	Vector []float32
	Scope  string
	Limit  int
}

// Index is the document store capability used by ingestion and retrieval.
type Index interface {
	// Dimension is the collection's fixed vector dimension.
	Dimension() int

	// Upsert writes docs, replacing any with the same DocID. If any
	// document is invalid nothing is written.
	Upsert(ctx context.Context, docs []SearchDocument) error

	// DeletePath removes every chunk of one file.
	DeletePath(ctx context.Context, scope, path string) error

	// SparseSearch ranks documents by keyword relevance, best first.
	SparseSearch(ctx context.Context, q SparseQuery) ([]Hit, error)

	// DenseSearch ranks documents by vector similarity, best first.
	DenseSearch(ctx context.Context, q DenseQuery) ([]Hit, error)

	Close() error
}

// chunkNamespace seeds deterministic chunk IDs.
var chunkNamespace = uuid.MustParse("6f1c3a52-8d0e-4c55-9b7e-0a4f2d8c9e31")

// DocID derives a stable UUID for a chunk so re-ingestion overwrites the
// previous version instead of adding a duplicate.
func DocID(scope, path string, chunkIndex int) string {
	return uuid.NewSHA1(chunkNamespace, []byte(scope+"\x00"+path+"\x00"+strconv.Itoa(chunkIndex))).String()
}

// Validate checks doc against a collection of dimension dim.
func (d SearchDocument) Validate(dim int) error {
	switch {
	case d.DocID == "":
		return fmt.Errorf("%w: doc_id is required", ErrInvalidDocument)
	case d.Text == "":
		return fmt.Errorf("%w: %s: text is required", ErrInvalidDocument, d.DocID)
	case d.Metadata.Scope == "":
		return fmt.Errorf("%w: %s: scope is required", ErrInvalidDocument, d.DocID)
	}
	if len(d.Vector) != dim {
		return fmt.Errorf("%w: %s has %d, collection has %d", ErrDimensionMismatch, d.DocID, len(d.Vector), dim)
	}
	return nil
}

func validateAll(docs []SearchDocument, dim int) error {
	var errs []error
	for _, d := range docs {
		if err := d.Validate(dim); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (q SparseQuery) validate() error {
	if q.Text == "" {
		return fmt.Errorf("%w: empty text", ErrInvalidQuery)
	}
	if q.Limit < 1 {
		return fmt.Errorf("%w: limit %d", ErrInvalidQuery, q.Limit)
	}
	return nil
}

func (q DenseQuery) validate(dim int) error {
	if q.Limit < 1 {
		return fmt.Errorf("%w: limit %d", ErrInvalidQuery, q.Limit)
	}
	if len(q.Vector) != dim {
		return fmt.Errorf("%w: query has %d, collection has %d", ErrDimensionMismatch, len(q.Vector), dim)
	}
	return nil
}
