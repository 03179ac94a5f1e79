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

import "net/http"

// responseOutcome is what a RequestStream has produced for a single
// dispatch attempt, before the ResponseFunction pipeline runs.
type responseOutcome struct {
	route    Route
	response *http.Response
	body     []byte
	err      error
	// empty marks "caller's future completes without a value" — set by a
	// transformer like EmptyIfNotFound.
	empty bool
	// retry requests the owning RequestStream re-enqueue this
	// correlation at the head of its queue. Only honored once per
	// correlation; see RequestCorrelation.retried.
	retry bool
}

// ResponseFunction is a cross-cutting response post-processor. It is
// applied, in pipeline order, to every response a RequestStream produces
// before the caller's Future is completed. A transformer earlier in the
// pipeline that has already claimed the outcome (o.empty) shadows any
// later transformer: EmptyOnErrorStatus and RetryOnceOnErrorStatus both
// leave an already-empty outcome untouched, so
// WithResponseTransformers(EmptyIfNotFound(), RetryOnceOnErrorStatus(nil, 404))
// delivers an empty success on a 404 rather than a retry.
type ResponseFunction func(outcome responseOutcome) responseOutcome

// runPipeline applies fns in order, short-circuiting further processing
// once a transformer requests a retry (the stream must re-enqueue before
// any later transformer sees this outcome again).
func runPipeline(fns []ResponseFunction, outcome responseOutcome) responseOutcome {
	for _, fn := range fns {
		outcome = fn(outcome)
		if outcome.retry {
			return outcome
		}
	}
	return outcome
}

// EmptyIfNotFound converts a 404 response from a matching route into an
// "empty success" — the caller's Future completes without a value and
// without error. If no matchers are given, it applies to every route.
func EmptyIfNotFound(matchers ...RouteMatcher) ResponseFunction {
	return EmptyOnErrorStatus(AnyOfRoutesOrAll(matchers), http.StatusNotFound)
}

// EmptyOnErrorStatus converts a response with any of the listed statuses,
// from a route the matcher selects, into an "empty success".
func EmptyOnErrorStatus(matcher RouteMatcher, statuses ...int) ResponseFunction {
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(o responseOutcome) responseOutcome {
		if o.empty || o.response == nil || !matcher(o.route) {
			return o
		}
		if _, ok := set[o.response.StatusCode]; ok {
			o.empty = true
			o.err = nil
		}
		return o
	}
}

// RetryOnceOnErrorStatus re-enqueues the correlation at the front of its
// stream the first time a matching route produces one of the listed
// statuses. A second occurrence for the same correlation is surfaced as
// an error, since the retry budget is per-correlation, not per-stream.
func RetryOnceOnErrorStatus(matcher RouteMatcher, statuses ...int) ResponseFunction {
	if matcher == nil {
		matcher = AnyRoute()
	}
	set := make(map[int]struct{}, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return func(o responseOutcome) responseOutcome {
		if o.empty || o.response == nil || !matcher(o.route) {
			return o
		}
		if _, ok := set[o.response.StatusCode]; ok {
			o.retry = true
		}
		return o
	}
}

// AnyOfRoutesOrAll returns AnyRoute() when matchers is empty, otherwise
// AnyOfRoutes(matchers...). It exists because the factories in spec.md
// (EmptyIfNotFound([matcher])) take an optional matcher list.
func AnyOfRoutesOrAll(matchers []RouteMatcher) RouteMatcher {
	if len(matchers) == 0 {
		return AnyRoute()
	}
	return AnyOfRoutes(matchers...)
}
