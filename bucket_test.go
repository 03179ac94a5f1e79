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

import "testing"

func TestRoute_Resolve(t *testing.T) {
	r := Route{Method: "GET", Template: "/channels/{channel.id}/messages/{message.id}"}
	got := r.resolve(map[string]string{"channel.id": "1", "message.id": "2"})
	want := "/channels/1/messages/2"
	if got != want {
		t.Fatalf("resolve() = %q, want %q", got, want)
	}
}

func TestRoute_ResolveMissingParam(t *testing.T) {
	r := Route{Method: "GET", Template: "/users/{user.id}"}
	got := r.resolve(map[string]string{})
	if got != "/users/{user.id}" {
		t.Fatalf("resolve() with missing param = %q, want template unchanged", got)
	}
}

func TestComputeBucketKey_SameMajorParamSameBucket(t *testing.T) {
	route := Route{Method: "POST", Template: "/channels/{channel.id}/messages", MajorParam: "channel.id"}
	a := ComputeBucketKey(route, map[string]string{"channel.id": "123"})
	b := ComputeBucketKey(route, map[string]string{"channel.id": "123"})
	if a != b {
		t.Fatalf("expected identical bucket keys, got %v and %v", a, b)
	}
}

func TestComputeBucketKey_DifferentMajorParamDifferentBucket(t *testing.T) {
	route := Route{Method: "POST", Template: "/channels/{channel.id}/messages", MajorParam: "channel.id"}
	a := ComputeBucketKey(route, map[string]string{"channel.id": "123"})
	b := ComputeBucketKey(route, map[string]string{"channel.id": "456"})
	if a == b {
		t.Fatalf("expected distinct bucket keys for distinct major params, got %v for both", a)
	}
}

func TestComputeBucketKey_NoMajorParam(t *testing.T) {
	route := Route{Method: "GET", Template: "/users/@me"}
	key := ComputeBucketKey(route, nil)
	if key.MajorParam != noMajorParameter {
		t.Fatalf("expected sentinel major param %q, got %q", noMajorParameter, key.MajorParam)
	}
}

func TestComputeBucketKey_MessageDeleteIsolatedFromOtherMethods(t *testing.T) {
	del := Route{Method: "DELETE", Template: deleteMessageTemplate, MajorParam: "channel.id"}
	get := Route{Method: "GET", Template: deleteMessageTemplate, MajorParam: "channel.id"}
	params := map[string]string{"channel.id": "1", "message.id": "2"}

	delKey := ComputeBucketKey(del, params)
	getKey := ComputeBucketKey(get, params)

	if delKey == getKey {
		t.Fatalf("expected DELETE on message route to use a dedicated bucket, got same key %v", delKey)
	}
}

func TestRouteMatchers(t *testing.T) {
	r := Route{Method: "DELETE", Template: "/channels/{channel.id}/messages/{message.id}"}

	if !AnyRoute()(r) {
		t.Fatalf("AnyRoute() should match everything")
	}
	if !ExactRoute("DELETE", r.Template)(r) {
		t.Fatalf("ExactRoute() should match an identical method+template")
	}
	if ExactRoute("GET", r.Template)(r) {
		t.Fatalf("ExactRoute() should not match a different method")
	}
	if !MethodRoute("delete")(r) {
		t.Fatalf("MethodRoute() should be case-insensitive")
	}
	if !AnyOfRoutes(ExactRoute("GET", "/foo"), ExactRoute("DELETE", r.Template))(r) {
		t.Fatalf("AnyOfRoutes() should match if any matcher matches")
	}
}
