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

// Package corvid implements the two hard parts of a Discord-shaped client:
// a per-bucket HTTP request router that honors the platform's rate-limit
// protocol, and a distributed gateway relay that multiplexes a single
// upstream Gateway session across downstream worker processes over an
// external broker.
//
// Router usage:
//
//	router := corvid.NewRouter(
//		corvid.WithToken("Bot "+token),
//		corvid.WithResponseTransformers(corvid.EmptyIfNotFound()),
//	)
//	future := corvid.Exchange(router, req)
//	resp, err := future.Await(ctx)
//
// Gateway relay usage: see UpstreamGatewayClient and DownstreamGatewayClient.
package corvid
