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

import "time"

// Clock abstracts monotonic time and sleeping so delay computation in the
// rate-limit path is deterministic under test. All duration math in this
// package goes through a Clock rather than calling time.Now/time.Sleep
// directly.
type Clock interface {
	// Now returns the current wall-clock time.
	Now() time.Time
	// After returns a channel that fires once d has elapsed. Mirrors
	// time.After; callers must not assume the channel is buffered beyond
	// one value.
	After(d time.Duration) <-chan time.Time
}

// systemClock is the production Clock, backed by the time package.
type systemClock struct{}

// SystemClock is the default Clock used when none is supplied.
var SystemClock Clock = systemClock{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }
