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
	"os"

	"github.com/marouanesouiri/stdx/xlog"
	"golang.org/x/sync/errgroup"
)

// UpstreamGatewayClient is the node that owns a real GatewayConnection. It
// relays every inbound payload to the broker and forwards every payload
// the broker hands it back out over the connection, per spec.md §4.9: a
// single leader runs the real socket, everyone else talks to it through
// the broker.
type UpstreamGatewayClient struct {
	conn   GatewayConnection
	sink   PayloadSink
	source PayloadSource
	logger xlog.Logger
	url    string
}

// NewUpstreamGatewayClient wires a GatewayConnection to a broker's
// PayloadSink/PayloadSource pair.
func NewUpstreamGatewayClient(conn GatewayConnection, sink PayloadSink, source PayloadSource, opts ...UpstreamOption) *UpstreamGatewayClient {
	c := &UpstreamGatewayClient{conn: conn, sink: sink, source: source}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	}
	return c
}

// UpstreamOption configures an UpstreamGatewayClient during construction.
type UpstreamOption func(*UpstreamGatewayClient)

// WithUpstreamLogger sets the client's logger.
func WithUpstreamLogger(logger xlog.Logger) UpstreamOption {
	return func(c *UpstreamGatewayClient) { c.logger = logger }
}

// Run drives the connection against url and relays in both directions
// until one of its three subtasks terminates: the connection's own
// Execute loop, the inbound-to-sink pump, and the broker-to-outbound
// pump. Any one failing cancels ctx for the other two, so Run always
// returns the first error encountered (spec.md §4.9's "joined with
// all-must-succeed semantics").
func (c *UpstreamGatewayClient) Run(ctx context.Context, url string) error {
	c.url = url
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return c.conn.Execute(gctx, url)
	})

	g.Go(func() error {
		return c.pumpInboundToSink(gctx)
	})

	g.Go(func() error {
		return c.pumpSourceToOutbound(gctx)
	})

	return g.Wait()
}

// pumpInboundToSink forwards every payload the connection receives to the
// broker, preserving arrival order.
func (c *UpstreamGatewayClient) pumpInboundToSink(ctx context.Context) error {
	inbound := c.conn.Inbound()
	return c.sink.Send(ctx, func() (GatewayPayload, bool) {
		select {
		case p, ok := <-inbound:
			return p, ok
		case <-ctx.Done():
			return GatewayPayload{}, false
		}
	})
}

// pumpSourceToOutbound drains the broker and writes whatever it hands
// back to the real connection — commands issued by downstream workers.
func (c *UpstreamGatewayClient) pumpSourceToOutbound(ctx context.Context) error {
	outbound := c.conn.Outbound()
	return c.source.Receive(ctx, func(p GatewayPayload) error {
		select {
		case outbound <- p:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
}

// Close tears down the underlying connection.
func (c *UpstreamGatewayClient) Close(reconnect bool) error {
	return c.conn.Close(reconnect)
}

func (c *UpstreamGatewayClient) SessionID() string { return c.conn.SessionID() }
func (c *UpstreamGatewayClient) Sequence() uint64  { return c.conn.Sequence() }
