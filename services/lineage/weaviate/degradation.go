// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"log/slog"
	"sync/atomic"
)

// DegradationHandler is told when Weaviate becomes unavailable and when
// it comes back.
//
// Thread Safety: Implementations must be safe for concurrent use.
type DegradationHandler interface {
	OnDegraded(reason string)
	OnRecovered()
}

// DegradationMode is the operating mode of a dependent component.
type DegradationMode int32

const (
	ModeNormal DegradationMode = iota
	ModeDegraded
	// ModeDisabled is terminal; recovery does not leave it.
	ModeDisabled
)

var modeNames = [...]string{"normal", "degraded", "disabled"}

func (m DegradationMode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return "unknown"
	}
	return modeNames[m]
}

// SearchDegradation lets the document index fail fast while Weaviate is
// degraded, so the retrieval engine answers from the surviving modality
// without waiting out a network timeout.
//
// Thread Safety: Safe for concurrent use.
type SearchDegradation struct {
	mode    atomic.Int32
	skipped atomic.Int64
	logger  *slog.Logger
}

// NewSearchDegradation creates the handler. A nil logger uses
// slog.Default().
func NewSearchDegradation(logger *slog.Logger) *SearchDegradation {
	if logger == nil {
		logger = slog.Default()
	}
	return &SearchDegradation{logger: logger.With("component", "weaviate_search")}
}

// OnDegraded implements DegradationHandler.
func (h *SearchDegradation) OnDegraded(reason string) {
	if h.mode.CompareAndSwap(int32(ModeNormal), int32(ModeDegraded)) {
		h.logger.Warn("dense and keyword search on weaviate suspended", "reason", reason)
	}
}

// OnRecovered implements DegradationHandler.
func (h *SearchDegradation) OnRecovered() {
	if h.mode.CompareAndSwap(int32(ModeDegraded), int32(ModeNormal)) {
		h.logger.Info("weaviate search resumed", "skipped", h.skipped.Load())
	}
}

// SetDisabled switches search off for good, e.g. after the index closed.
func (h *SearchDegradation) SetDisabled() {
	h.mode.Store(int32(ModeDisabled))
}

// Mode returns the current mode.
func (h *SearchDegradation) Mode() DegradationMode {
	return DegradationMode(h.mode.Load())
}

// ShouldSkip reports whether a search should fail fast, and counts it.
func (h *SearchDegradation) ShouldSkip() bool {
	if h.Mode() == ModeNormal {
		return false
	}
	h.skipped.Add(1)
	return true
}

// Skipped returns how many searches were short-circuited.
func (h *SearchDegradation) Skipped() int64 {
	return h.skipped.Load()
}
