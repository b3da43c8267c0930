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
	"sync"
	"sync/atomic"
	"time"
)

// breaker counts infrastructure failures in a sliding window, remembers
// when the circuit opened and hands out the single half-open probe slot.
// The connection state itself lives on ResilientClient.
type breaker struct {
	threshold int
	window    time.Duration
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	recent   []time.Time // oldest first, all inside window
	openedAt time.Time

	probing atomic.Bool
}

func newBreaker(threshold int, window, cooldown time.Duration) *breaker {
	return &breaker{
		threshold: threshold,
		window:    window,
		cooldown:  cooldown,
		now:       time.Now,
		recent:    make([]time.Time, 0, threshold),
	}
}

// fail records a failure and returns the number inside the window.
func (b *breaker) fail() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	cutoff := now.Add(-b.window)
	kept := b.recent[:0]
	for _, t := range b.recent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	kept = append(kept, now)
	if len(kept) > b.threshold {
		kept = kept[len(kept)-b.threshold:]
	}
	b.recent = kept
	return len(kept)
}

func (b *breaker) tripped(failures int) bool {
	return failures >= b.threshold
}

func (b *breaker) open() {
	b.mu.Lock()
	b.openedAt = b.now()
	b.mu.Unlock()
}

func (b *breaker) reset() {
	b.mu.Lock()
	b.recent = b.recent[:0]
	b.mu.Unlock()
}

// cooled reports whether the open circuit may let a probe through.
func (b *breaker) cooled() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Sub(b.openedAt) >= b.cooldown
}

func (b *breaker) tryProbe() bool { return b.probing.CompareAndSwap(false, true) }

func (b *breaker) endProbe() { b.probing.Store(false) }
