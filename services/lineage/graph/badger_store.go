// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/AleutianAI/AleutianLineage/services/lineage/ast"
	lbadger "github.com/AleutianAI/AleutianLineage/services/lineage/storage/badger"
)

// Key layout:
//
//	n/<urn>                               node JSON
//	e/<src>\x00<rel>\x00<tgt>\x00<kind>   edge JSON
//	i/<tgt>\x00<rel>\x00<src>\x00<kind>   empty, reverse index for EdgesTo
const (
	nodePrefix    = "n/"
	edgePrefix    = "e/"
	inversePrefix = "i/"
	sep           = "\x00"
)

func nodeKey(urn string) []byte {
	return []byte(nodePrefix + urn)
}

func edgeKey(k EdgeKey) []byte {
	return []byte(edgePrefix + k.Source + sep + string(k.Relationship) + sep + k.Target + sep + string(k.Kind))
}

func inverseKey(k EdgeKey) []byte {
	return []byte(inversePrefix + k.Target + sep + string(k.Relationship) + sep + k.Source + sep + string(k.Kind))
}

func parseInverseKey(key []byte) (EdgeKey, bool) {
	parts := strings.Split(strings.TrimPrefix(string(key), inversePrefix), sep)
	if len(parts) != 4 {
		return EdgeKey{}, false
	}
	return EdgeKey{Target: parts[0], Relationship: ast.Relationship(parts[1]), Source: parts[2], Kind: SourceKind(parts[3])}, true
}

// BadgerStore is the GraphStore backed by the shared lineage BadgerDB.
type BadgerStore struct {
	db *lbadger.DB
}

// NewBadgerStore wraps db. The caller owns db and closes it.
func NewBadgerStore(db *lbadger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

type badgerTx struct {
	txn *badger.Txn
}

func (t *badgerTx) GetNode(urn string) (*Node, error) {
	raw, err := lbadger.Get(t.txn, nodeKey(urn))
	if errors.Is(err, lbadger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, urn)
	}
	if err != nil {
		return nil, err
	}
	var n Node
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, fmt.Errorf("decoding node %s: %w", urn, err)
	}
	return &n, nil
}

func (t *badgerTx) PutNode(n *Node) error {
	raw, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("encoding node %s: %w", n.URN, err)
	}
	return t.txn.Set(nodeKey(n.URN), raw)
}

func (t *badgerTx) GetEdge(k EdgeKey) (*Edge, error) {
	raw, err := lbadger.Get(t.txn, edgeKey(k))
	if errors.Is(err, lbadger.ErrKeyNotFound) {
		return nil, ErrEdgeNotFound
	}
	if err != nil {
		return nil, err
	}
	var e Edge
	if err := json.Unmarshal(raw, &e); err != nil {
		return nil, fmt.Errorf("decoding edge: %w", err)
	}
	return &e, nil
}

func (t *badgerTx) PutEdge(e *Edge) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding edge: %w", err)
	}
	k := e.Key()
	if err := t.txn.Set(edgeKey(k), raw); err != nil {
		return err
	}
	return t.txn.Set(inverseKey(k), []byte{})
}

// Update implements GraphStore.
func (s *BadgerStore) Update(ctx context.Context, fn func(Tx) error) error {
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
	if errors.Is(err, lbadger.ErrConflict) {
		return fmt.Errorf("%w: %w", ErrWriteConflict, err)
	}
	return err
}

// View implements GraphStore.
func (s *BadgerStore) View(ctx context.Context, fn func(Tx) error) error {
	return s.db.View(ctx, func(txn *badger.Txn) error {
		return fn(&badgerTx{txn: txn})
	})
}

// GetNode implements GraphStore.
func (s *BadgerStore) GetNode(ctx context.Context, urn string) (*Node, error) {
	var n *Node
	err := s.View(ctx, func(tx Tx) error {
		var err error
		n, err = tx.GetNode(urn)
		return err
	})
	return n, err
}

// GetNodes implements GraphStore.
func (s *BadgerStore) GetNodes(ctx context.Context, urns []string) ([]Node, error) {
	nodes := make([]Node, 0, len(urns))
	err := s.View(ctx, func(tx Tx) error {
		for _, urn := range urns {
			n, err := tx.GetNode(urn)
			if errors.Is(err, ErrNodeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			nodes = append(nodes, *n)
		}
		return nil
	})
	return nodes, err
}

// NodesByScope implements GraphStore. Nodes are returned in URN order.
func (s *BadgerStore) NodesByScope(ctx context.Context, scope string) ([]Node, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	var nodes []Node
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return lbadger.ScanPrefix(txn, nodeKey(ScopePrefix(scope)), false, func(_, value []byte) error {
			var n Node
			if err := json.Unmarshal(value, &n); err != nil {
				return fmt.Errorf("decoding node: %w", err)
			}
			nodes = append(nodes, n)
			return nil
		})
	})
	return nodes, err
}

// EdgesFrom implements GraphStore.
func (s *BadgerStore) EdgesFrom(ctx context.Context, urn string) ([]Edge, error) {
	return s.scanEdges(ctx, []byte(edgePrefix+urn+sep))
}

// Edges implements GraphStore. Edges are keyed by source URN, so this
// returns every edge whose source is in scope.
func (s *BadgerStore) Edges(ctx context.Context, scope string) ([]Edge, error) {
	if err := ValidateScope(scope); err != nil {
		return nil, err
	}
	return s.scanEdges(ctx, []byte(edgePrefix+ScopePrefix(scope)))
}

func (s *BadgerStore) scanEdges(ctx context.Context, prefix []byte) ([]Edge, error) {
	var edges []Edge
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return lbadger.ScanPrefix(txn, prefix, false, func(_, value []byte) error {
			var e Edge
			if err := json.Unmarshal(value, &e); err != nil {
				return fmt.Errorf("decoding edge: %w", err)
			}
			edges = append(edges, e)
			return nil
		})
	})
	return edges, err
}

// EdgesTo implements GraphStore.
func (s *BadgerStore) EdgesTo(ctx context.Context, urn string) ([]Edge, error) {
	var edges []Edge
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var keys []EdgeKey
		err := lbadger.ScanPrefix(txn, []byte(inversePrefix+urn+sep), true, func(key, _ []byte) error {
			if k, ok := parseInverseKey(key); ok {
				keys = append(keys, k)
			}
			return nil
		})
		if err != nil {
			return err
		}
		tx := &badgerTx{txn: txn}
		for _, k := range keys {
			e, err := tx.GetEdge(k)
			if errors.Is(err, ErrEdgeNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			edges = append(edges, *e)
		}
		return nil
	})
	return edges, err
}
