// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidRequest is returned for an empty query, TopN < 1 or a
	// fusion weight outside [0,1].
	ErrInvalidRequest = errors.New("invalid search request")

	// ErrSearchUnavailable is returned when both sub-searches failed.
	ErrSearchUnavailable = errors.New("search unavailable: both modalities failed")
)

// Modality names a sub-search.
type Modality string

const (
	ModalitySparse Modality = "sparse"
	ModalityDense  Modality = "dense"
)

// SubsearchError records why one modality produced no results.
type SubsearchError struct {
	Modality Modality
	Err      error
}

func (e *SubsearchError) Error() string {
	return fmt.Sprintf("%s search: %v", e.Modality, e.Err)
}

func (e *SubsearchError) Unwrap() error {
	return e.Err
}
