// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/go-openapi/strfmt"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"

	lweaviate "github.com/AleutianAI/AleutianLineage/services/lineage/weaviate"
)

// DefaultClassName is the Weaviate class holding lineage chunks.
const DefaultClassName = "LineageChunk"

const dimensionMarker = "dimension="

// ChunkClass returns the schema for the chunk class. Vectors are supplied
// by the caller, so the vectorizer is disabled and the dimension is
// recorded in the description.
func ChunkClass(name string, dim int) *models.Class {
	filterable := true
	searchable := true
	keyword := func(n, desc string) *models.Property {
		return &models.Property{
			Name:            n,
			DataType:        []string{"text"},
			Description:     desc,
			Tokenization:    "field",
			IndexFilterable: &filterable,
		}
	}
	return &models.Class{
		Class:       name,
		Description: fmt.Sprintf("Lineage source chunks (%s%d)", dimensionMarker, dim),
		Vectorizer:  "none",
		Properties: []*models.Property{
			keyword("docId", "Stable chunk identifier"),
			{
				Name:            "text",
				DataType:        []string{"text"},
				Description:     "Chunk content",
				Tokenization:    "word",
				IndexSearchable: &searchable,
			},
			keyword("path", "Source file path"),
			keyword("scope", "Ingestion scope"),
			{
				Name:     "chunkIndex",
				DataType: []string{"int"},
			},
			keyword("contentHash", "SHA-256 of the chunk text"),
		},
	}
}

func parseDimension(description string) (int, bool) {
	_, rest, ok := strings.Cut(description, dimensionMarker)
	if !ok {
		return 0, false
	}
	end := strings.IndexFunc(rest, func(r rune) bool { return r < '0' || r > '9' })
	if end >= 0 {
		rest = rest[:end]
	}
	n, err := strconv.Atoi(rest)
	return n, err == nil
}

// WeaviateIndex is the Index backend for a shared Weaviate deployment.
//
// Every call goes through the resilient client, so transient failures are
// retried and a tripped circuit fails fast. While Weaviate is degraded,
// searches are skipped and return ErrBackendUnavailable immediately.
//
// Thread Safety: Safe for concurrent use.
type WeaviateIndex struct {
	client      *lweaviate.ResilientClient
	degradation *lweaviate.SearchDegradation
	class       string
	dim         int
	logger      *slog.Logger
}

// NewWeaviateIndex ensures the chunk class exists and matches dim.
//
// Outputs:
//
//	*WeaviateIndex - Ready index.
//	error          - ErrDimensionMismatch if the class was created for a
//	                 different dimension, or a wrapped client error.
func NewWeaviateIndex(ctx context.Context, client *lweaviate.ResilientClient, class string, dim int, logger *slog.Logger) (*WeaviateIndex, error) {
	if client == nil {
		return nil, errors.New("weaviate client is required")
	}
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	if class == "" {
		class = DefaultClassName
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "weaviate_index", "class", class)

	w := &WeaviateIndex{
		client:      client,
		degradation: lweaviate.NewSearchDegradation(logger),
		class:       class,
		dim:         dim,
		logger:      logger,
	}
	client.RegisterHandler(w.degradation)

	if err := w.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *WeaviateIndex) ensureSchema(ctx context.Context) error {
	existing, err := w.client.Client().Schema().ClassGetter().WithClassName(w.class).Do(ctx)
	if err == nil && existing != nil {
		stored, ok := parseDimension(existing.Description)
		if !ok {
			w.logger.Warn("class has no recorded dimension, assuming configured value", "dimension", w.dim)
			return nil
		}
		if stored != w.dim {
			return fmt.Errorf("%w: class %s was created with %d, configured %d", ErrDimensionMismatch, w.class, stored, w.dim)
		}
		return nil
	}

	// The getter errors when the class does not exist.
	w.logger.Info("creating class", "dimension", w.dim)
	err = w.client.Execute(ctx, "create_class", func(ctx context.Context) error {
		return w.client.Client().Schema().ClassCreator().WithClass(ChunkClass(w.class, w.dim)).Do(ctx)
	})
	if err != nil {
		return fmt.Errorf("create class %s: %w", w.class, err)
	}
	return nil
}

// Dimension implements Index.
func (w *WeaviateIndex) Dimension() int {
	return w.dim
}

// Upsert implements Index. Object IDs are the document IDs, so a repeat
// upsert replaces the stored object.
func (w *WeaviateIndex) Upsert(ctx context.Context, docs []SearchDocument) error {
	if err := validateAll(docs, w.dim); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	objects := make([]*models.Object, len(docs))
	for i, d := range docs {
		objects[i] = &models.Object{
			Class:  w.class,
			ID:     strfmt.UUID(d.DocID),
			Vector: d.Vector,
			Properties: map[string]any{
				"docId":       d.DocID,
				"text":        d.Text,
				"path":        d.Metadata.Path,
				"scope":       d.Metadata.Scope,
				"chunkIndex":  d.Metadata.ChunkIndex,
				"contentHash": d.Metadata.ContentHash,
			},
		}
	}

	err := w.client.Execute(ctx, "upsert", func(ctx context.Context) error {
		resp, err := w.client.Client().Batch().ObjectsBatcher().WithObjects(objects...).Do(ctx)
		if err != nil {
			return err
		}
		var failed []error
		for _, item := range resp {
			if item.Result == nil || item.Result.Errors == nil {
				continue
			}
			for _, e := range item.Result.Errors.Error {
				failed = append(failed, fmt.Errorf("object %s: %s", item.ID, e.Message))
			}
		}
		return errors.Join(failed...)
	})
	return w.wrap(ctx, err)
}

// DeletePath implements Index.
func (w *WeaviateIndex) DeletePath(ctx context.Context, scope, path string) error {
	where := filters.Where().
		WithOperator(filters.And).
		WithOperands([]*filters.WhereBuilder{
			equals("scope", scope),
			equals("path", path),
		})

	err := w.client.Execute(ctx, "delete_path", func(ctx context.Context) error {
		resp, err := w.client.Client().Batch().ObjectsBatchDeleter().
			WithClassName(w.class).
			WithWhere(where).
			WithOutput("minimal").
			Do(ctx)
		if err != nil {
			return err
		}
		if resp != nil && resp.Results != nil && resp.Results.Failed > 0 {
			return fmt.Errorf("%d objects failed to delete", resp.Results.Failed)
		}
		return nil
	})
	return w.wrap(ctx, err)
}

// SparseSearch implements Index using BM25 over the text property.
func (w *WeaviateIndex) SparseSearch(ctx context.Context, q SparseQuery) ([]Hit, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	if w.degradation.ShouldSkip() {
		return nil, fmt.Errorf("%w: weaviate degraded", ErrBackendUnavailable)
	}

	gql := w.client.Client().GraphQL()
	builder := gql.Get().
		WithClassName(w.class).
		WithFields(w.fields("score")...).
		WithBM25(gql.Bm25ArgBuilder().WithQuery(q.Text).WithProperties("text")).
		WithLimit(q.Limit)
	if q.Scope != "" {
		builder = builder.WithWhere(equals("scope", q.Scope))
	}
	return w.search(ctx, "sparse_search", builder, func(c chunkResult) float64 {
		return float64(c.Additional.Score)
	})
}

// DenseSearch implements Index using nearVector. The score is Weaviate's
// certainty, which is in [0,1] for cosine distance.
func (w *WeaviateIndex) DenseSearch(ctx context.Context, q DenseQuery) ([]Hit, error) {
	if err := q.validate(w.dim); err != nil {
		return nil, err
	}
	if w.degradation.ShouldSkip() {
		return nil, fmt.Errorf("%w: weaviate degraded", ErrBackendUnavailable)
	}

	gql := w.client.Client().GraphQL()
	builder := gql.Get().
		WithClassName(w.class).
		WithFields(w.fields("certainty")...).
		WithNearVector(gql.NearVectorArgBuilder().WithVector(q.Vector)).
		WithLimit(q.Limit)
	if q.Scope != "" {
		builder = builder.WithWhere(equals("scope", q.Scope))
	}
	return w.search(ctx, "dense_search", builder, func(c chunkResult) float64 {
		return float64(c.Additional.Certainty)
	})
}

// Close implements Index. The resilient client is owned by the caller.
func (w *WeaviateIndex) Close() error {
	w.degradation.SetDisabled()
	return nil
}

func (w *WeaviateIndex) fields(score string) []graphql.Field {
	return []graphql.Field{
		{Name: "docId"},
		{Name: "text"},
		{Name: "path"},
		{Name: "scope"},
		{Name: "chunkIndex"},
		{Name: "contentHash"},
		{Name: "_additional", Fields: []graphql.Field{{Name: score}}},
	}
}

func (w *WeaviateIndex) search(ctx context.Context, op string, builder *graphql.GetBuilder, score func(chunkResult) float64) ([]Hit, error) {
	var chunks []chunkResult
	err := w.client.Execute(ctx, op, func(ctx context.Context) error {
		resp, err := builder.Do(ctx)
		if err != nil {
			return err
		}
		if resp == nil {
			return errors.New("nil GraphQL response")
		}
		if len(resp.Errors) > 0 {
			msgs := make([]string, 0, len(resp.Errors))
			for _, e := range resp.Errors {
				msgs = append(msgs, e.Message)
			}
			return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
		}
		chunks, err = parseChunks(resp, w.class)
		return err
	})
	if err != nil {
		return nil, w.wrap(ctx, err)
	}

	hits := make([]Hit, 0, len(chunks))
	for _, c := range chunks {
		hits = append(hits, Hit{
			DocID: c.DocID,
			Score: score(c),
			Text:  c.Text,
			Metadata: DocMetadata{
				Path:        c.Path,
				Scope:       c.Scope,
				ChunkIndex:  c.ChunkIndex,
				ContentHash: c.ContentHash,
			},
		})
	}
	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	return hits, nil
}

// wrap marks infrastructure failures as ErrBackendUnavailable. Context
// errors pass through untouched so callers can tell cancellation apart.
func (w *WeaviateIndex) wrap(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return fmt.Errorf("%w: %w", ErrBackendUnavailable, err)
}

func equals(path, value string) *filters.WhereBuilder {
	return filters.Where().
		WithPath([]string{path}).
		WithOperator(filters.Equal).
		WithValueString(value)
}

type chunkResult struct {
	DocID       string `json:"docId"`
	Text        string `json:"text"`
	Path        string `json:"path"`
	Scope       string `json:"scope"`
	ChunkIndex  int    `json:"chunkIndex"`
	ContentHash string `json:"contentHash"`
	Additional  struct {
		Score     flexFloat `json:"score"`
		Certainty flexFloat `json:"certainty"`
	} `json:"_additional"`
}

// flexFloat accepts numbers and numeric strings. BM25 scores come back as
// strings.
type flexFloat float64

func (f *flexFloat) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if s == "" || s == "null" {
		*f = 0
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("parse score %q: %w", s, err)
	}
	*f = flexFloat(v)
	return nil
}

func parseChunks(resp *models.GraphQLResponse, class string) ([]chunkResult, error) {
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal GraphQL data: %w", err)
	}
	var parsed struct {
		Get map[string][]chunkResult `json:"Get"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal GraphQL data: %w", err)
	}
	return parsed.Get[class], nil
}
