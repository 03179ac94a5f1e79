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
	"net"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/marouanesouiri/stdx/xlog"
)

// GatewayConnection is the standard, already-connected Gateway client
// that UpstreamGatewayClient composes with a PayloadSink/Source pair.
// Its keep-alive/heartbeat/resume state machine is out of scope for this
// package (spec.md §1) — it is referenced only through this interface.
type GatewayConnection interface {
	// Inbound is the stream of payloads the connection has received.
	Inbound() <-chan GatewayPayload
	// Outbound accepts payloads to be written to the real socket
	// (downstream commands flowing back out).
	Outbound() chan<- GatewayPayload
	// Execute runs the connection's read/heartbeat loop against url until
	// it errors or ctx is cancelled.
	Execute(ctx context.Context, url string) error
	// Close tears down the connection, optionally signaling a resumable
	// reconnect.
	Close(reconnect bool) error

	SessionID() string
	Sequence() uint64
	ResponseTime() time.Duration
}

// wsConnection is a minimal GatewayConnection backed by
// github.com/gobwas/ws, grounded on the teacher's Shard.connect/readLoop.
// It does not implement heartbeating or resume itself (out of scope);
// Execute only pumps frames in both directions, tracking sequence and
// session id as payloads pass through, same as the real Shard does before
// handing a payload to its dispatcher.
type wsConnection struct {
	url    string
	logger xlog.Logger

	conn net.Conn

	inbound  chan GatewayPayload
	outbound chan GatewayPayload

	seq       atomic.Uint64
	sessionID atomic.Pointer[string]
	latencyNs atomic.Int64
}

var _ GatewayConnection = (*wsConnection)(nil)

// NewWSConnection creates a GatewayConnection that will dial url when
// Execute is called.
func NewWSConnection(logger xlog.Logger) *wsConnection {
	return &wsConnection{
		logger:   logger,
		inbound:  make(chan GatewayPayload, 64),
		outbound: make(chan GatewayPayload, 64),
	}
}

func (c *wsConnection) Inbound() <-chan GatewayPayload  { return c.inbound }
func (c *wsConnection) Outbound() chan<- GatewayPayload { return c.outbound }

func (c *wsConnection) SessionID() string {
	if p := c.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *wsConnection) Sequence() uint64 { return c.seq.Load() }

func (c *wsConnection) ResponseTime() time.Duration {
	return time.Duration(c.latencyNs.Load())
}

// Execute dials url and runs the read/write pumps until either fails or
// ctx is cancelled.
func (c *wsConnection) Execute(ctx context.Context, url string) error {
	dialer := ws.Dialer{}
	conn, _, _, err := dialer.Dial(ctx, url)
	if err != nil {
		return &BrokerTransportError{Op: "dial", Err: err}
	}
	c.conn = conn
	defer conn.Close()

	errCh := make(chan error, 2)
	go c.readPump(errCh)
	go c.writePump(ctx, errCh)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *wsConnection) readPump(errCh chan<- error) {
	for {
		msg, op, err := wsutil.ReadServerData(c.conn)
		if err != nil {
			errCh <- &BrokerTransportError{Op: "read", Err: err}
			return
		}
		switch op {
		case ws.OpText, ws.OpBinary:
			payload, err := UnmarshalPayload(msg)
			if err != nil {
				c.logger.WithField("error", err).Warn("dropping malformed gateway frame")
				continue
			}
			if payload.Sequence != nil {
				c.seq.Store(*payload.Sequence)
			}
			if sid, ok := extractSessionID(payload); ok {
				c.sessionID.Store(&sid)
			}
			c.inbound <- payload
		case ws.OpClose:
			errCh <- &BrokerTransportError{Op: "read", Err: net.ErrClosed}
			return
		}
	}
}

func (c *wsConnection) writePump(ctx context.Context, errCh chan<- error) {
	for {
		select {
		case p := <-c.outbound:
			raw, err := MarshalPayload(p)
			if err != nil {
				c.logger.WithField("error", err).Warn("dropping unencodable outbound payload")
				continue
			}
			if err := wsutil.WriteClientMessage(c.conn, ws.OpText, raw); err != nil {
				errCh <- &BrokerTransportError{Op: "write", Err: err}
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close closes the underlying socket. reconnect is accepted for interface
// symmetry with the real client but carries no special behavior here: a
// resumable close is the real Shard's concern, out of scope for this
// package.
func (c *wsConnection) Close(reconnect bool) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}
