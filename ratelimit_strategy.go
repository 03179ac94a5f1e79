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
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/optional"
)

// Snapshot is a point-in-time view of a bucket's rate-limit state.
//
// Date is the server's clock at the moment the snapshot was taken, which
// lets delay computation stay correct under client/server clock skew:
// delay = max(0, ResetAt - Date). ResetAt is None until a strategy has
// actually observed a reset instant for this bucket — a fresh
// HeaderStrategy that has never seen an X-RateLimit-Reset header, or a
// fresh TokenBucketStrategy that has never had Observe called, has no
// reset instant to report at all, which is a different thing from a reset
// instant of zero.
type Snapshot struct {
	Remaining uint64
	ResetAt   optional.Option[int64] // millis since epoch
	Date      int64                  // millis since epoch
}

// RateLimitStrategy is a per-bucket policy: given a response it updates
// its internal state and returns how long the owning RequestStream must
// wait before its next dispatch. Implementations are confined to a single
// RequestStream's goroutine except for Snapshot, which must be safe to
// call concurrently.
type RateLimitStrategy interface {
	// Observe inspects a completed HTTP response and returns the delay
	// before the next request on this bucket may be sent.
	Observe(resp *http.Response) time.Duration
	// Snapshot returns the strategy's current state. Must be memory-safe
	// to call from any goroutine.
	Snapshot() Snapshot
}

/*****************************
 *       HeaderStrategy
 *****************************/

// HeaderStrategy derives delay from the remote service's rate-limit
// response headers: X-RateLimit-Remaining, X-RateLimit-Reset, and Date.
// This is the strategy used for every endpoint the platform itself rate
// limits.
type HeaderStrategy struct {
	clk Clock

	// packed atomically: remaining|resetAt|date, each stored
	// independently to keep Snapshot lock-free.
	remaining atomic.Uint64
	resetAt   atomic.Int64
	haveReset atomic.Bool
	date      atomic.Int64
}

var _ RateLimitStrategy = (*HeaderStrategy)(nil)

// NewHeaderStrategy creates a HeaderStrategy with remaining treated as
// "present but unknown" until the first response is observed, which
// causes the first dispatch on a fresh bucket to incur zero delay.
func NewHeaderStrategy(clk Clock) *HeaderStrategy {
	if clk == nil {
		clk = SystemClock
	}
	hs := &HeaderStrategy{clk: clk}
	hs.remaining.Store(1)
	return hs
}

// Observe implements RateLimitStrategy.
func (hs *HeaderStrategy) Observe(resp *http.Response) time.Duration {
	remaining, haveRemaining := parseUintHeader(resp.Header, "X-RateLimit-Remaining")
	resetAt, haveReset := parseUnixSecondsHeader(resp.Header, "X-RateLimit-Reset")
	date := parseDateHeader(resp.Header, hs.clk)

	if !haveRemaining {
		remaining = 1 // "present but unknown" => treated as zero delay
	}
	hs.remaining.Store(remaining)
	hs.date.Store(date)
	if haveReset {
		hs.resetAt.Store(resetAt)
		hs.haveReset.Store(true)
	}

	if remaining > 0 {
		return 0
	}
	if !haveReset {
		return 0
	}
	delay := resetAt - date
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay) * time.Millisecond
}

// Snapshot implements RateLimitStrategy.
func (hs *HeaderStrategy) Snapshot() Snapshot {
	resetAt := optional.None[int64]()
	if hs.haveReset.Load() {
		resetAt = optional.Some(hs.resetAt.Load())
	}
	return Snapshot{
		Remaining: hs.remaining.Load(),
		ResetAt:   resetAt,
		Date:      hs.date.Load(),
	}
}

func parseUintHeader(h http.Header, name string) (uint64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func parseUnixSecondsHeader(h http.Header, name string) (int64, bool) {
	v := h.Get(name)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return int64(f * 1000), true
}

func parseDateHeader(h http.Header, clk Clock) int64 {
	v := h.Get("Date")
	if v == "" {
		return clk.Now().UnixMilli()
	}
	t, err := http.ParseTime(v)
	if err != nil {
		return clk.Now().UnixMilli()
	}
	return t.UnixMilli()
}

/*****************************
 *     TokenBucketStrategy
 *****************************/

// TokenBucketStrategy self-limits endpoints the remote service does not
// rate-limit itself (e.g. reaction adds). It ignores response headers
// entirely; Observe only consumes a permit.
type TokenBucketStrategy struct {
	clk      Clock
	capacity uint64
	interval time.Duration

	tokens    atomic.Int64
	resetAt   atomic.Int64
	haveReset atomic.Bool
	lastFill  atomic.Int64
}

var _ RateLimitStrategy = (*TokenBucketStrategy)(nil)

// NewTokenBucketStrategy creates a strategy with the given capacity and
// refill interval. A full bucket permits `capacity` immediate dispatches;
// thereafter one token refills every interval/capacity.
func NewTokenBucketStrategy(clk Clock, capacity uint64, refillInterval time.Duration) *TokenBucketStrategy {
	if clk == nil {
		clk = SystemClock
	}
	tb := &TokenBucketStrategy{clk: clk, capacity: capacity, interval: refillInterval}
	tb.tokens.Store(int64(capacity))
	tb.lastFill.Store(clk.Now().UnixNano())
	return tb
}

// Observe implements RateLimitStrategy. It refills based on elapsed time
// since the last call, consumes one token, and reports how long the
// caller must wait until the next token is available.
func (tb *TokenBucketStrategy) Observe(*http.Response) time.Duration {
	now := tb.clk.Now()
	perToken := tb.interval / time.Duration(max64(tb.capacity, 1))

	last := tb.lastFill.Load()
	elapsed := now.UnixNano() - last
	refilled := int64(0)
	if perToken > 0 {
		refilled = elapsed / int64(perToken)
	}
	if refilled > 0 {
		if newTokens := tb.tokens.Add(refilled); newTokens > int64(tb.capacity) {
			tb.tokens.Store(int64(tb.capacity))
		}
		tb.lastFill.Store(last + refilled*int64(perToken))
	}

	remaining := tb.tokens.Add(-1)
	if remaining >= 0 {
		tb.resetAt.Store(now.UnixMilli())
		tb.haveReset.Store(true)
		return 0
	}

	// Exhausted: compute time until the next token lands, then put the
	// token count back to zero (can't go negative forever).
	tb.tokens.Store(0)
	waitNanos := int64(perToken) - (elapsed % max64i(int64(perToken), 1))
	if waitNanos < 0 {
		waitNanos = int64(perToken)
	}
	resetAt := now.Add(time.Duration(waitNanos))
	tb.resetAt.Store(resetAt.UnixMilli())
	tb.haveReset.Store(true)
	return time.Duration(waitNanos)
}

// Snapshot implements RateLimitStrategy.
func (tb *TokenBucketStrategy) Snapshot() Snapshot {
	remaining := tb.tokens.Load()
	if remaining < 0 {
		remaining = 0
	}
	resetAt := optional.None[int64]()
	if tb.haveReset.Load() {
		resetAt = optional.Some(tb.resetAt.Load())
	}
	return Snapshot{
		Remaining: uint64(remaining),
		ResetAt:   resetAt,
		Date:      tb.clk.Now().UnixMilli(),
	}
}

func max64(a uint64, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}

func max64i(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
