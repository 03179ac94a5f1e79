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
	"regexp"
	"strings"
)

// noMajorParameter is the sentinel major-parameter value used by routes
// that do not carry one (e.g. /users/@me).
const noMajorParameter = "-"

// Route describes one REST endpoint's method and path template, and which
// named placeholder (if any) is its major parameter.
type Route struct {
	Method string
	// Template is the path pattern with named placeholders, e.g.
	// "/channels/{channel.id}/messages/{message.id}".
	Template string
	// MajorParam is the placeholder name whose resolved value becomes the
	// BucketKey's major parameter. Empty if the route has none.
	MajorParam string
}

var placeholderRe = regexp.MustCompile(`\{([a-zA-Z0-9_.]+)\}`)

// resolve substitutes placeholders in the Route's template with the
// supplied params, returning the concrete URI path.
func (r Route) resolve(params map[string]string) string {
	return placeholderRe.ReplaceAllStringFunc(r.Template, func(m string) string {
		name := m[1 : len(m)-1]
		if v, ok := params[name]; ok {
			return v
		}
		return m
	})
}

// deleteMessageTemplate is special-cased per spec: the remote service
// assigns message-delete a dedicated bucket per HTTP method, so
// ComputeBucketKey prefixes its bucket template with the method. No other
// route's template is prefixed.
const deleteMessageTemplate = "/channels/{channel.id}/messages/{message.id}"

// BucketKey identifies a rate-limit bucket. Equality and hashing are
// structural: two requests produce the same BucketKey iff they share a
// route template and resolve to the same major parameter.
type BucketKey struct {
	RouteTemplate string
	MajorParam    string
}

// ComputeBucketKey derives the BucketKey for a request against its Route.
// params is the substitution map used to resolve the Route's template; the
// major parameter's concrete value is read from it by the Route's
// MajorParam name.
func ComputeBucketKey(route Route, params map[string]string) BucketKey {
	template := route.Template
	major := noMajorParameter
	if route.MajorParam != "" {
		if v, ok := params[route.MajorParam]; ok && v != "" {
			major = v
		}
	}

	// The message-delete route gets a bucket fully isolated from GET/PATCH
	// on the same resource: the service tracks DELETE separately.
	if route.Method == "DELETE" && route.Template == deleteMessageTemplate {
		template = route.Method + ":" + template
	}

	return BucketKey{RouteTemplate: template, MajorParam: major}
}

// String renders a BucketKey for logging/diagnostics.
func (k BucketKey) String() string {
	return k.RouteTemplate + "#" + k.MajorParam
}

// RouteMatcher selects a subset of Routes. Used only by the
// ResponseFunction pipeline to scope a transformer to particular
// endpoints.
type RouteMatcher func(route Route) bool

// AnyRoute matches every route.
func AnyRoute() RouteMatcher {
	return func(Route) bool { return true }
}

// ExactRoute matches a single route by method and template.
func ExactRoute(method, template string) RouteMatcher {
	return func(r Route) bool {
		return r.Method == method && r.Template == template
	}
}

// AnyOfRoutes matches if any of the given matchers match.
func AnyOfRoutes(matchers ...RouteMatcher) RouteMatcher {
	return func(r Route) bool {
		for _, m := range matchers {
			if m(r) {
				return true
			}
		}
		return false
	}
}

// MethodRoute matches any route with the given HTTP method, regardless of
// template. Useful for scoping a transformer to e.g. all DELETE calls.
func MethodRoute(method string) RouteMatcher {
	method = strings.ToUpper(method)
	return func(r Route) bool { return strings.ToUpper(r.Method) == method }
}
