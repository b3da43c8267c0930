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
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"sort"
	"strconv"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"
	"gonum.org/v1/gonum/floats"
)

// Bleve document fields.
const (
	fieldText   = "text"
	fieldScope  = "scope"
	fieldPath   = "path"
	fieldChunk  = "chunk"
	fieldHash   = "hash"
	fieldVector = "vec"
)

var dimensionKey = []byte("lineage:dimension")

var storedFields = []string{fieldText, fieldScope, fieldPath, fieldChunk, fieldHash}

// buildMapping indexes text with the standard analyzer and scope/path as
// exact keywords. The vector is stored, not indexed, so it survives a
// reopen without bleve's vector build tags.
func buildMapping() mapping.IndexMapping {
	text := bleve.NewTextFieldMapping()
	text.Analyzer = standard.Name
	text.Store = true

	keyword := bleve.NewKeywordFieldMapping()
	keyword.Store = true

	chunk := bleve.NewNumericFieldMapping()
	chunk.Store = true

	blob := bleve.NewTextFieldMapping()
	blob.Index = false
	blob.Store = true
	blob.IncludeInAll = false

	doc := bleve.NewDocumentStaticMapping()
	doc.AddFieldMappingsAt(fieldText, text)
	doc.AddFieldMappingsAt(fieldScope, keyword)
	doc.AddFieldMappingsAt(fieldPath, keyword)
	doc.AddFieldMappingsAt(fieldHash, keyword)
	doc.AddFieldMappingsAt(fieldChunk, chunk)
	doc.AddFieldMappingsAt(fieldVector, blob)

	im := bleve.NewIndexMapping()
	im.DefaultMapping = doc
	im.DefaultAnalyzer = standard.Name
	return im
}

type denseEntry struct {
	unit     []float64
	text     string
	metadata DocMetadata
}

// BleveIndex is the local Index backend.
//
// Sparse search is bleve's BM25-style scoring over the text field. Dense
// search is an exact cosine scan over unit vectors held in memory, which
// is fine for the corpus sizes a single workstation ingests.
//
// Thread Safety: Safe for concurrent use.
type BleveIndex struct {
	mu     sync.RWMutex
	index  bleve.Index
	dim    int
	dense  map[string]denseEntry
	closed bool
	logger *slog.Logger
}

// NewBleveIndex opens the index at path, creating it if needed. An empty
// path keeps everything in memory.
//
// Outputs:
//
//	*BleveIndex - The open index.
//	error       - ErrDimensionMismatch when an existing index was created
//	              with a different dimension.
func NewBleveIndex(path string, dim int, logger *slog.Logger) (*BleveIndex, error) {
	if dim < 1 {
		return nil, fmt.Errorf("%w: dimension %d", ErrDimensionMismatch, dim)
	}
	if logger == nil {
		logger = slog.Default()
	}
	b := &BleveIndex{
		dim:    dim,
		dense:  make(map[string]denseEntry),
		logger: logger.With("component", "bleve_index"),
	}

	var err error
	switch {
	case path == "":
		b.index, err = bleve.NewMemOnly(buildMapping())
	case exists(path):
		b.index, err = bleve.Open(path)
	default:
		b.index, err = bleve.New(path, buildMapping())
	}
	if err != nil {
		return nil, fmt.Errorf("open bleve index %q: %w", path, err)
	}

	if err := b.checkDimension(); err != nil {
		_ = b.index.Close()
		return nil, err
	}
	if err := b.loadVectors(); err != nil {
		_ = b.index.Close()
		return nil, err
	}
	return b, nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func (b *BleveIndex) checkDimension() error {
	raw, err := b.index.GetInternal(dimensionKey)
	if err != nil {
		return fmt.Errorf("read dimension: %w", err)
	}
	if raw == nil {
		return b.index.SetInternal(dimensionKey, []byte(strconv.Itoa(b.dim)))
	}
	stored, err := strconv.Atoi(string(raw))
	if err != nil {
		return fmt.Errorf("corrupt dimension %q: %w", raw, err)
	}
	if stored != b.dim {
		return fmt.Errorf("%w: index was created with %d, configured %d", ErrDimensionMismatch, stored, b.dim)
	}
	return nil
}

// loadVectors rebuilds the in-memory vector table from stored fields.
func (b *BleveIndex) loadVectors() error {
	count, err := b.index.DocCount()
	if err != nil || count == 0 {
		return err
	}
	req := bleve.NewSearchRequestOptions(bleve.NewMatchAllQuery(), int(count), 0, false)
	req.Fields = append([]string{fieldVector}, storedFields...)
	res, err := b.index.Search(req)
	if err != nil {
		return fmt.Errorf("load vectors: %w", err)
	}
	for _, h := range res.Hits {
		s, _ := h.Fields[fieldVector].(string)
		vec, err := decodeVector(s)
		if err != nil || len(vec) != b.dim {
			b.logger.Warn("skipping stored vector", "doc_id", h.ID, "error", err)
			continue
		}
		text, md := fieldsToDoc(h.Fields)
		b.dense[h.ID] = denseEntry{unit: unit(vec), text: text, metadata: md}
	}
	b.logger.Debug("loaded vectors", "count", len(b.dense))
	return nil
}

// Dimension implements Index.
func (b *BleveIndex) Dimension() int {
	return b.dim
}

// Len returns the number of indexed documents.
func (b *BleveIndex) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.dense)
}

// Upsert implements Index.
func (b *BleveIndex) Upsert(ctx context.Context, docs []SearchDocument) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := validateAll(docs, b.dim); err != nil {
		return err
	}
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	for _, d := range docs {
		if err := batch.Index(d.DocID, map[string]any{
			fieldText:   d.Text,
			fieldScope:  d.Metadata.Scope,
			fieldPath:   d.Metadata.Path,
			fieldChunk:  float64(d.Metadata.ChunkIndex),
			fieldHash:   d.Metadata.ContentHash,
			fieldVector: encodeVector(d.Vector),
		}); err != nil {
			return fmt.Errorf("index %s: %w", d.DocID, err)
		}
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("bleve batch: %w", err)
	}
	for _, d := range docs {
		b.dense[d.DocID] = denseEntry{unit: unit(d.Vector), text: d.Text, metadata: d.Metadata}
	}
	return nil
}

// DeletePath implements Index.
func (b *BleveIndex) DeletePath(ctx context.Context, scope, path string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	batch := b.index.NewBatch()
	var ids []string
	for id, e := range b.dense {
		if e.metadata.Scope == scope && e.metadata.Path == path {
			batch.Delete(id)
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("bleve delete: %w", err)
	}
	for _, id := range ids {
		delete(b.dense, id)
	}
	return nil
}

// SparseSearch implements Index. Equal scores are ordered by DocID.
func (b *BleveIndex) SparseSearch(ctx context.Context, q SparseQuery) ([]Hit, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}

	match := bleve.NewMatchQuery(q.Text)
	match.SetField(fieldText)
	var qry query.Query = match
	if q.Scope != "" {
		term := bleve.NewTermQuery(q.Scope)
		term.SetField(fieldScope)
		qry = bleve.NewConjunctionQuery(match, term)
	}

	req := bleve.NewSearchRequestOptions(qry, q.Limit, 0, false)
	req.Fields = storedFields
	req.SortBy([]string{"-_score", "_id"})

	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("%w: bleve search: %w", ErrBackendUnavailable, err)
	}
	hits := make([]Hit, 0, len(res.Hits))
	for _, h := range res.Hits {
		text, md := fieldsToDoc(h.Fields)
		hits = append(hits, Hit{DocID: h.ID, Score: h.Score, Text: text, Metadata: md})
	}
	return hits, nil
}

// DenseSearch implements Index with an exact cosine scan. Equal
// similarities are ordered by DocID.
func (b *BleveIndex) DenseSearch(ctx context.Context, q DenseQuery) ([]Hit, error) {
	if err := q.validate(b.dim); err != nil {
		return nil, err
	}
	qv := unit(q.Vector)

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, ErrClosed
	}
	hits := make([]Hit, 0, len(b.dense))
	n := 0
	for id, e := range b.dense {
		if q.Scope != "" && e.metadata.Scope != q.Scope {
			continue
		}
		if n++; n%1024 == 0 && ctx.Err() != nil {
			b.mu.RUnlock()
			return nil, ctx.Err()
		}
		hits = append(hits, Hit{DocID: id, Score: floats.Dot(qv, e.unit), Text: e.text, Metadata: e.metadata})
	}
	b.mu.RUnlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].DocID < hits[j].DocID
	})
	if len(hits) > q.Limit {
		hits = hits[:q.Limit]
	}
	return hits, nil
}

// Close implements Index.
func (b *BleveIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.index.Close()
}

func fieldsToDoc(fields map[string]any) (string, DocMetadata) {
	str := func(k string) string {
		s, _ := fields[k].(string)
		return s
	}
	chunk, _ := fields[fieldChunk].(float64)
	return str(fieldText), DocMetadata{
		Path:        str(fieldPath),
		Scope:       str(fieldScope),
		ChunkIndex:  int(chunk),
		ContentHash: str(fieldHash),
	}
}

// unit returns v as float64 scaled to length 1. A zero vector stays zero.
func unit(v []float32) []float64 {
	out := make([]float64, len(v))
	for i, f := range v {
		out[i] = float64(f)
	}
	if n := floats.Norm(out, 2); n > 0 {
		floats.Scale(1/n, out)
	}
	return out
}

func encodeVector(v []float32) string {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return base64.StdEncoding.EncodeToString(buf)
}

func decodeVector(s string) ([]float32, error) {
	buf, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	if len(buf)%4 != 0 {
		return nil, errors.New("truncated vector")
	}
	v := make([]float32, len(buf)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return v, nil
}
