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
	"os"
	"testing"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/marouanesouiri/stdx/xlog"
)

// startTestWSServer accepts a single raw TCP connection, performs the
// server-side WebSocket handshake, and hands the connection off to handle
// on its own goroutine. It returns the ws:// URL a wsConnection can dial.
func startTestWSServer(t *testing.T, handle func(conn net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		if _, err := ws.Upgrade(conn); err != nil {
			conn.Close()
			return
		}
		handle(conn)
	}()

	return "ws://" + ln.Addr().String()
}

func TestWSConnection_ReceivesPayloadAndTracksSequence(t *testing.T) {
	seq := uint64(7)
	payload := GatewayPayload{Op: OpcodeDispatch, EventName: "READY", Sequence: &seq, Data: []byte(`{"session_id":"sess-xyz"}`)}
	raw, err := MarshalPayload(payload)
	if err != nil {
		t.Fatalf("MarshalPayload() error: %v", err)
	}

	url := startTestWSServer(t, func(conn net.Conn) {
		defer conn.Close()
		_ = wsutil.WriteServerMessage(conn, ws.OpText, raw)
		time.Sleep(50 * time.Millisecond) // keep the socket open while the client reads
	})

	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	conn := NewWSConnection(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Execute(ctx, url) }()

	select {
	case got := <-conn.Inbound():
		if got.EventName != "READY" {
			t.Fatalf("got event %q, want READY", got.EventName)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the inbound payload")
	}

	if conn.Sequence() != seq {
		t.Fatalf("got sequence %d, want %d", conn.Sequence(), seq)
	}
	if conn.SessionID() != "sess-xyz" {
		t.Fatalf("got session id %q, want sess-xyz", conn.SessionID())
	}

	cancel()
	<-done
}

func TestWSConnection_OutboundPayloadReachesServer(t *testing.T) {
	received := make(chan GatewayPayload, 1)

	url := startTestWSServer(t, func(conn net.Conn) {
		defer conn.Close()
		msg, _, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		p, err := UnmarshalPayload(msg)
		if err != nil {
			return
		}
		received <- p
	})

	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	conn := NewWSConnection(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- conn.Execute(ctx, url) }()

	conn.Outbound() <- GatewayPayload{Op: OpcodeHeartbeat}

	select {
	case p := <-received:
		if p.Op != OpcodeHeartbeat {
			t.Fatalf("got op %d, want heartbeat", p.Op)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the server to observe the outbound payload")
	}

	cancel()
	<-done
}

func TestWSConnection_ServerCloseEndsExecute(t *testing.T) {
	url := startTestWSServer(t, func(conn net.Conn) {
		defer conn.Close()
		_ = wsutil.WriteServerMessage(conn, ws.OpClose, nil)
	})

	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	conn := NewWSConnection(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := conn.Execute(ctx, url)
	if err == nil {
		t.Fatalf("expected Execute to return an error once the server closed the socket")
	}
}
