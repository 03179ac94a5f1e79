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
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
	"golang.org/x/sync/errgroup"
)

// DownstreamGatewayClient is a worker node with no real Gateway connection
// at all: everything it knows about the Gateway passes through the
// broker's PayloadSink/PayloadSource. It is what the rest of a cluster
// looks like once one node has claimed the upstream leader role
// (spec.md §4.10).
//
// Each direction of traffic (payload in, payload out, control in, control
// out) is its own keepLatestTopic pipeline: a slow or blocked consumer
// never backs up the others, and a consumer that falls behind simply
// sees the newest value rather than queueing stale ones.
type DownstreamGatewayClient struct {
	sink   PayloadSink
	source PayloadSource
	logger xlog.Logger

	receiver        *keepLatestTopic[GatewayPayload]
	dispatch        *keepLatestTopic[GatewayPayload]
	sender          *keepLatestTopic[GatewayPayload]
	controlReceiver *keepLatestTopic[NodeControl]
	controlSender   *keepLatestTopic[NodeControl]

	seq       atomic.Uint64
	sessionID atomic.Pointer[string]
}

// NewDownstreamGatewayClient wires a broker's Sink/Source pair into a
// DownstreamGatewayClient's four pipelines.
func NewDownstreamGatewayClient(sink PayloadSink, source PayloadSource, opts ...DownstreamOption) *DownstreamGatewayClient {
	c := &DownstreamGatewayClient{
		sink:            sink,
		source:          source,
		receiver:        newKeepLatestTopic[GatewayPayload](),
		dispatch:        newKeepLatestTopic[GatewayPayload](),
		sender:          newKeepLatestTopic[GatewayPayload](),
		controlReceiver: newKeepLatestTopic[NodeControl](),
		controlSender:   newKeepLatestTopic[NodeControl](),
	}
	for _, o := range opts {
		o(c)
	}
	if c.logger == nil {
		c.logger = xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	}
	return c
}

// DownstreamOption configures a DownstreamGatewayClient during
// construction.
type DownstreamOption func(*DownstreamGatewayClient)

// WithDownstreamLogger sets the client's logger.
func WithDownstreamLogger(logger xlog.Logger) DownstreamOption {
	return func(c *DownstreamGatewayClient) { c.logger = logger }
}

// Dispatch returns the channel of inbound dispatch-worthy payloads, in
// the "keep latest" sense: a slow reader sees only the most recent
// payload, never a backlog.
func (c *DownstreamGatewayClient) Dispatch() <-chan GatewayPayload { return c.dispatch.channel() }

// Outbound accepts payloads this worker wants relayed through the
// upstream leader (e.g. presence/voice-state updates).
func (c *DownstreamGatewayClient) Outbound(p GatewayPayload) { c.sender.publish(p) }

// Run drives all four pipelines until ctx is cancelled or one of them
// terminates with an error.
func (c *DownstreamGatewayClient) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return c.runInboundPayloads(gctx) })
	g.Go(func() error { return c.runOutboundPayloads(gctx) })
	g.Go(func() error { return c.runInboundControl(gctx) })
	g.Go(func() error { return c.runOutboundControl(gctx) })

	return g.Wait()
}

// runInboundPayloads receives payloads from the broker, tracks sequence
// and session id, and republishes onto the receiver/dispatch topics.
func (c *DownstreamGatewayClient) runInboundPayloads(ctx context.Context) error {
	return c.source.Receive(ctx, func(p GatewayPayload) error {
		if p.Sequence != nil {
			// Monotonic: a stale duplicate (lower sequence) is dropped
			// rather than regressing the tracked cursor.
			for {
				cur := c.seq.Load()
				if *p.Sequence <= cur {
					break
				}
				if c.seq.CompareAndSwap(cur, *p.Sequence) {
					break
				}
			}
		}
		if sid, ok := extractSessionID(p); ok {
			c.sessionID.Store(&sid)
		}
		c.receiver.publish(p)
		if p.Op == OpcodeDispatch {
			c.dispatch.publish(p)
		}
		return nil
	})
}

// runOutboundPayloads drains the sender topic and forwards to the
// broker's sink.
func (c *DownstreamGatewayClient) runOutboundPayloads(ctx context.Context) error {
	sendCh := c.sender.channel()
	return c.sink.Send(ctx, func() (GatewayPayload, bool) {
		select {
		case p, ok := <-sendCh:
			return p, ok
		case <-ctx.Done():
			return GatewayPayload{}, false
		}
	})
}

// runInboundControl receives NodeControl messages from the broker (e.g.
// the leader acknowledging this worker's own close/reconnect request)
// and republishes onto the local control-receiver topic.
func (c *DownstreamGatewayClient) runInboundControl(ctx context.Context) error {
	return c.source.ReceiveControl(ctx, func(ctrl NodeControl) error {
		c.controlReceiver.publish(ctrl)
		return nil
	})
}

// runOutboundControl drains the control-sender topic and forwards to the
// broker.
func (c *DownstreamGatewayClient) runOutboundControl(ctx context.Context) error {
	sendCh := c.controlSender.channel()
	return c.sink.SendControl(ctx, func() (NodeControl, bool) {
		select {
		case ctrl, ok := <-sendCh:
			return ctrl, ok
		case <-ctx.Done():
			return NodeControl{}, false
		}
	})
}

// Close requests the upstream leader reconnect or fully close the real
// connection, and waits for the matching acknowledgment on the
// control-receiver topic. It waits until the acknowledgment arrives or
// ctx is done.
func (c *DownstreamGatewayClient) Close(ctx context.Context, reconnect bool, shardIndex uint32) error {
	op := NodeControlClose
	if reconnect {
		op = NodeControlReconnect
	}
	c.controlSender.publish(NodeControl{Op: op, ShardIndex: shardIndex})

	ackCh := c.controlReceiver.channel()
	for {
		select {
		case ctrl := <-ackCh:
			if ctrl.Op == op && ctrl.ShardIndex == shardIndex {
				return nil
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *DownstreamGatewayClient) Sequence() uint64 { return c.seq.Load() }

func (c *DownstreamGatewayClient) SessionID() string {
	if p := c.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// IsConnected and ResponseTime have no meaningful local answer on a
// worker with no real socket; per spec.md §9 Open Question 1 this is an
// acknowledged gap rather than a resolved one — callers that need a live
// answer must ask the upstream leader over the control topic themselves.
func (c *DownstreamGatewayClient) IsConnected() bool          { return false }
func (c *DownstreamGatewayClient) ResponseTime() time.Duration { return 0 }
