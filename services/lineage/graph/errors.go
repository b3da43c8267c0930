// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package graph turns parser output into a persisted lineage graph.
//
// Parsers reference entities by label and name. The Extractor assigns each
// entity a deterministic URN within a project scope, resolves references
// that no unit defines into stub nodes, and writes every ingestion unit in
// its own transaction. Parser edges are authoritative (approved, confidence
// 1.0); edges proposed by a model travel a separate write path and are never
// promoted.
//
// # Thread Safety
//
// Extractor and BadgerStore are safe for concurrent use. Concurrent units
// touching the same keys conflict at commit and are retried.
package graph

import (
	"errors"
	"fmt"
)

// Sentinel errors for graph operations.
var (
	// ErrNodeNotFound is returned when a URN has no stored node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrEdgeNotFound is returned when an edge key has no stored edge.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrWriteConflict is returned when a transaction lost a race with a
	// concurrent writer. The extractor retries these.
	ErrWriteConflict = errors.New("graph write conflict")

	// ErrInvalidScope is returned for an empty scope or one containing ':'
	// or whitespace.
	ErrInvalidScope = errors.New("invalid project scope")

	// ErrInvalidName is returned when a name normalizes to nothing.
	ErrInvalidName = errors.New("invalid entity name")

	// ErrInvalidLabel is returned for a label outside the known set.
	ErrInvalidLabel = errors.New("invalid node label")

	// ErrInvalidUnit is returned for a unit that can never be written.
	ErrInvalidUnit = errors.New("invalid ingestion unit")

	// ErrInvalidProposal is returned for a model proposal that fails
	// validation.
	ErrInvalidProposal = errors.New("invalid edge proposal")
)

// GraphWriteFailure reports a unit whose transaction could not be committed
// after retries.
type GraphWriteFailure struct {
	// FilePath identifies the unit.
	FilePath string

	// Attempts is the number of transactions tried.
	Attempts int

	// Err is the last error.
	Err error
}

// Error implements the error interface.
func (e *GraphWriteFailure) Error() string {
	return fmt.Sprintf("graph write failed for %s after %d attempt(s): %v", e.FilePath, e.Attempts, e.Err)
}

// Unwrap returns the underlying error.
func (e *GraphWriteFailure) Unwrap() error {
	return e.Err
}

// UnitFailure is the summary record of a failed unit.
type UnitFailure struct {
	FilePath string `json:"file_path"`
	Attempts int    `json:"attempts"`
	Error    string `json:"error"`
}
