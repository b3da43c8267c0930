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
	"context"
	"errors"
	"fmt"
	"net"
)

var (
	// ErrWeaviateUnavailable is returned when Weaviate is not reachable.
	ErrWeaviateUnavailable = errors.New("weaviate unavailable")

	// ErrCircuitOpen is returned while the breaker blocks requests.
	ErrCircuitOpen = errors.New("weaviate circuit open")

	// ErrConnectionTimeout is returned when a request times out.
	ErrConnectionTimeout = errors.New("weaviate request timed out")

	// ErrClientClosed is returned after Close.
	ErrClientClosed = errors.New("weaviate client closed")
)

// transient reports whether err looks like an infrastructure failure
// worth retrying. Only these count toward the breaker.
func transient(err error) bool {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, context.DeadlineExceeded):
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WrapWeaviateError maps timeouts to ErrConnectionTimeout and network
// failures to ErrWeaviateUnavailable.
func WrapWeaviateError(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrConnectionTimeout, err)
	case errors.As(err, &netErr):
		return fmt.Errorf("%w: %w", ErrWeaviateUnavailable, err)
	}
	return fmt.Errorf("weaviate error: %w", err)
}
