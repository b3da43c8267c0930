// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"

	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

// Key layout, shared database with the graph store:
//
//	f/<scope>\x00<path>   manifest entry JSON
const (
	manifestPrefix = "f/"
	manifestSep    = "\x00"
)

// ErrEntryNotFound is returned when a file has no manifest entry.
var ErrEntryNotFound = errors.New("manifest entry not found")

// Entry records what was last ingested for one file.
type Entry struct {
	Scope       string    `json:"scope"`
	Path        string    `json:"path"`
	ContentHash string    `json:"content_hash"`
	ChunkHashes []string  `json:"chunk_hashes"`
	Plugin      string    `json:"plugin,omitempty"`
	Outcome     string    `json:"outcome"`
	RunID       string    `json:"run_id"`
	IngestedAt  time.Time `json:"ingested_at"`
}

// Manifest tracks per-file content and chunk hashes so re-ingestion can
// tell changed files apart and invalidate stale embeddings.
type Manifest struct {
	db *lbadger.DB
}

// NewManifest returns a manifest stored in db.
func NewManifest(db *lbadger.DB) *Manifest {
	return &Manifest{db: db}
}

func manifestKey(scope, path string) []byte {
	return []byte(manifestPrefix + scope + manifestSep + path)
}

// Get returns the entry for path, or ErrEntryNotFound.
func (m *Manifest) Get(ctx context.Context, scope, path string) (*Entry, error) {
	var e Entry
	err := m.db.View(ctx, func(txn *badger.Txn) error {
		raw, err := lbadger.Get(txn, manifestKey(scope, path))
		if errors.Is(err, lbadger.ErrKeyNotFound) {
			return ErrEntryNotFound
		}
		if err != nil {
			return err
		}
		return json.Unmarshal(raw, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// Put stores e, replacing any previous entry.
func (m *Manifest) Put(ctx context.Context, e *Entry) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode manifest entry: %w", err)
	}
	return m.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Set(manifestKey(e.Scope, e.Path), raw)
	})
}

// Delete removes the entry for path. Missing entries are not an error.
func (m *Manifest) Delete(ctx context.Context, scope, path string) error {
	return m.db.Update(ctx, func(txn *badger.Txn) error {
		return txn.Delete(manifestKey(scope, path))
	})
}

// List returns every entry in scope ordered by path.
func (m *Manifest) List(ctx context.Context, scope string) ([]Entry, error) {
	var out []Entry
	prefix := []byte(manifestPrefix + scope + manifestSep)
	err := m.db.View(ctx, func(txn *badger.Txn) error {
		return lbadger.ScanPrefix(txn, prefix, false, func(key, value []byte) error {
			var e Entry
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("decode %s: %w", strings.TrimPrefix(string(key), manifestPrefix), err)
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// staleHashes returns the hashes in old that are not in current.
func staleHashes(old, current []string) []string {
	keep := make(map[string]struct{}, len(current))
	for _, h := range current {
		keep[h] = struct{}{}
	}
	var stale []string
	for _, h := range old {
		if _, ok := keep[h]; !ok {
			stale = append(stale, h)
			keep[h] = struct{}{}
		}
	}
	return stale
}
