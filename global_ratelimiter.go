/************************************************************************************
 *
 * corvid, A client-side connector for Discord-shaped chat platform gateways
 *
 * SPDX-License-Identifier: BSD-3-Clause
 *
 * Copyright 2025 The corvid Authors
 *
 * Licensed under the BSD 3-Clause License.
 * See the LICENSE file for details.
 *
 ************************************************************************************/

package corvid

import (
	"context"
	"sync/atomic"
	"time"
)

// GlobalRateLimiter is a process-wide gate shared by every RequestStream
// of a Router. When tripped it suspends all outgoing requests until its
// deadline elapses. It is a single atomic cell, not a mutex: every stream
// reads the same instant, and Trip is a CAS-to-later so concurrent trips
// from multiple streams never regress the deadline.
type GlobalRateLimiter struct {
	clk      Clock
	deadline atomic.Int64 // unix nano; zero means "no active deadline"
}

// NewGlobalRateLimiter creates a GlobalRateLimiter using clk for all time
// math. A nil clk uses SystemClock.
func NewGlobalRateLimiter(clk Clock) *GlobalRateLimiter {
	if clk == nil {
		clk = SystemClock
	}
	return &GlobalRateLimiter{clk: clk}
}

// Trip sets the deadline to now+duration if that is later than the
// current deadline. Called by any RequestStream that observes a 429
// carrying the global flag.
func (g *GlobalRateLimiter) Trip(duration time.Duration) {
	newDeadline := g.clk.Now().Add(duration).UnixNano()
	for {
		old := g.deadline.Load()
		if newDeadline <= old {
			return
		}
		if g.deadline.CompareAndSwap(old, newDeadline) {
			return
		}
	}
}

// Deadline returns the current deadline, or the zero time if none is
// active.
func (g *GlobalRateLimiter) Deadline() time.Time {
	d := g.deadline.Load()
	if d == 0 {
		return time.Time{}
	}
	return time.Unix(0, d)
}

// Await blocks until the deadline, if any, has elapsed. It returns
// immediately if there is no active deadline or it has already passed. It
// honors ctx cancellation.
func (g *GlobalRateLimiter) Await(ctx context.Context) error {
	for {
		d := g.deadline.Load()
		if d == 0 {
			return nil
		}
		remaining := time.Unix(0, d).Sub(g.clk.Now())
		if remaining <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.clk.After(remaining):
			// Deadline may have been pushed further out by another
			// stream's Trip while we slept; loop to re-check.
		}
	}
}

// IsTripped reports whether the global gate is currently suspending
// dispatch.
func (g *GlobalRateLimiter) IsTripped() bool {
	d := g.deadline.Load()
	return d != 0 && g.clk.Now().Before(time.Unix(0, d))
}
