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

import "context"

// Tx is the unit of atomic graph access handed to Update and View.
//
// Get methods return ErrNodeNotFound / ErrEdgeNotFound for missing keys.
// Writes are only visible to other transactions after commit.
type Tx interface {
	GetNode(urn string) (*Node, error)
	PutNode(n *Node) error
	GetEdge(key EdgeKey) (*Edge, error)
	PutEdge(e *Edge) error
}

// GraphStore persists nodes and edges.
//
// Update commits fn's writes atomically when fn returns nil. A commit that
// loses a race with another writer returns an error wrapping
// ErrWriteConflict; callers retry the whole function.
type GraphStore interface {
	Update(ctx context.Context, fn func(Tx) error) error
	View(ctx context.Context, fn func(Tx) error) error

	GetNode(ctx context.Context, urn string) (*Node, error)

	// GetNodes returns the stored nodes among urns in input order. Missing
	// URNs are skipped.
	GetNodes(ctx context.Context, urns []string) ([]Node, error)

	NodesByScope(ctx context.Context, scope string) ([]Node, error)
	EdgesFrom(ctx context.Context, urn string) ([]Edge, error)
	EdgesTo(ctx context.Context, urn string) ([]Edge, error)
	Edges(ctx context.Context, scope string) ([]Edge, error)
}
