// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package enrich

import (
	"errors"
	"fmt"
)

// ErrMalformedOutput is returned when the model's answer is not the
// expected JSON document.
var ErrMalformedOutput = errors.New("malformed inference output")

// EnrichmentFailure records why a Propose call produced nothing. Propose
// logs it and returns an empty list; it never reaches the caller.
type EnrichmentFailure struct {
	// Stage is "prompt", "throttle", "infer" or "decode".
	Stage string
	Err   error
}

func (e *EnrichmentFailure) Error() string {
	return fmt.Sprintf("enrichment failed at %s: %v", e.Stage, e.Err)
}

func (e *EnrichmentFailure) Unwrap() error {
	return e.Err
}
