// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ast

import (
	"errors"
	"fmt"
)

// Sentinel errors for dispatch and parsing.
//
// Check with errors.Is; ParseFailure unwraps to one of these or to the
// parser's own error.
var (
	// ErrPluginNotFound indicates that no registered plugin claims the file's
	// extension. Dispatch reports it with OutcomeSkipped.
	ErrPluginNotFound = errors.New("no parser plugin for file")

	// ErrNoParsers indicates the registry is empty. This is the only
	// registry condition that fails a whole batch.
	ErrNoParsers = errors.New("no parser plugins registered")

	// ErrUnknownPlugin indicates a configured plugin name has no entry in
	// the registration table.
	ErrUnknownPlugin = errors.New("unknown parser plugin")

	// ErrParseFailed indicates a parser produced no usable result.
	ErrParseFailed = errors.New("parse failed")

	// ErrParserPanic indicates a parser panicked. Dispatch recovers it.
	ErrParserPanic = errors.New("parser panicked")

	// ErrTimeout indicates a parser exceeded the per-file time budget.
	ErrTimeout = errors.New("parse timeout")

	// ErrInvalidContent indicates content that cannot be parsed at all,
	// such as non-UTF-8 bytes.
	ErrInvalidContent = errors.New("invalid content")

	// ErrFileTooLarge indicates content above the plugin's size limit.
	ErrFileTooLarge = errors.New("file too large")

	// ErrInvalidRegistration indicates a malformed Register call.
	ErrInvalidRegistration = errors.New("invalid plugin registration")
)

// ParseFailure is the per-file failure reported by dispatch. It never
// aborts sibling files in a batch.
type ParseFailure struct {
	// Path is the file that failed.
	Path string

	// Plugin is the plugin that was selected, empty if none.
	Plugin string

	// Err is the underlying cause.
	Err error
}

// Error implements error.
func (e *ParseFailure) Error() string {
	if e.Plugin == "" {
		return fmt.Sprintf("parse %s: %v", e.Path, e.Err)
	}
	return fmt.Sprintf("parse %s with %s: %v", e.Path, e.Plugin, e.Err)
}

// Unwrap returns the underlying cause.
func (e *ParseFailure) Unwrap() error {
	return e.Err
}
