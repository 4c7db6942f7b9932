// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package realtime

import (
	"math/rand"
	"time"
)

// defaultBackoffCap bounds the delay between reconnect attempts.
const defaultBackoffCap = 60 * time.Second

// backoffJitterFraction is the maximum jitter added to a base delay,
// as a fraction of that delay.
const backoffJitterFraction = 0.10

// backoff produces the reconnect delay schedule: 1s, 2s, 4s, 8s, ...
// capped, with additive jitter so a fleet of clients does not
// reconnect in lockstep.
//
// Not safe for concurrent use; owned by the lifecycle goroutine.
type backoff struct {
	attempt int
	cap     time.Duration
	rng     *rand.Rand
}

func newBackoff(cap time.Duration) *backoff {
	if cap <= 0 {
		cap = defaultBackoffCap
	}
	return &backoff{
		cap: cap,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// baseDelay is the deterministic pre-jitter delay for a 1-based
// attempt number: 1s doubling per attempt, capped.
func baseDelay(attempt int, cap time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// next advances the schedule and returns the delay for the attempt,
// jitter included.
func (b *backoff) next() time.Duration {
	b.attempt++
	base := baseDelay(b.attempt, b.cap)
	jitter := time.Duration(b.rng.Float64() * backoffJitterFraction * float64(base))
	return base + jitter
}

// reset restarts the schedule after a successful handshake.
func (b *backoff) reset() {
	b.attempt = 0
}
