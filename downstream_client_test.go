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
	"testing"
	"time"
)

func TestDownstreamGatewayClient_SequenceIsMonotonic(t *testing.T) {
	broker := NewInMemoryBroker()
	client := NewDownstreamGatewayClient(broker.Sink(), broker.Source())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // let the client's subscriptions register

	sink := broker.Sink()
	publish := func(seq uint64) {
		done := false
		_ = sink.Send(ctx, func() (GatewayPayload, bool) {
			if done {
				return GatewayPayload{}, false
			}
			done = true
			s := seq
			return GatewayPayload{Op: OpcodeDispatch, EventName: "X", Sequence: &s}, true
		})
	}

	publish(5)
	waitForSequence(t, client, 5)

	publish(2) // stale, must not regress the cursor
	time.Sleep(20 * time.Millisecond)
	if got := client.Sequence(); got != 5 {
		t.Fatalf("sequence regressed: got %d, want 5", got)
	}

	publish(9)
	waitForSequence(t, client, 9)

	cancel()
	<-runErr
}

func waitForSequence(t *testing.T, c *DownstreamGatewayClient, want uint64) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		if c.Sequence() == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for sequence %d, last seen %d", want, c.Sequence())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestDownstreamGatewayClient_CapturesSessionIDFromReady(t *testing.T) {
	broker := NewInMemoryBroker()
	client := NewDownstreamGatewayClient(broker.Sink(), broker.Source())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // let the client's subscriptions register

	sink := broker.Sink()
	sent := false
	_ = sink.Send(ctx, func() (GatewayPayload, bool) {
		if sent {
			return GatewayPayload{}, false
		}
		sent = true
		return GatewayPayload{Op: OpcodeDispatch, EventName: "READY", Data: []byte(`{"session_id":"sess-1"}`)}, true
	})

	deadline := time.After(time.Second)
	for client.SessionID() == "" {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for session id capture")
		case <-time.After(time.Millisecond):
		}
	}
	if got := client.SessionID(); got != "sess-1" {
		t.Fatalf("got session id %q, want %q", got, "sess-1")
	}

	cancel()
	<-runErr
}

func TestDownstreamGatewayClient_DispatchOnlyReceivesDispatchOpcodes(t *testing.T) {
	broker := NewInMemoryBroker()
	client := NewDownstreamGatewayClient(broker.Sink(), broker.Source())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()
	time.Sleep(10 * time.Millisecond) // let the client's subscriptions register

	sink := broker.Sink()
	queue := []GatewayPayload{
		{Op: OpcodeHeartbeat},
		{Op: OpcodeDispatch, EventName: "MESSAGE_CREATE"},
	}
	i := 0
	_ = sink.Send(ctx, func() (GatewayPayload, bool) {
		if i >= len(queue) {
			return GatewayPayload{}, false
		}
		p := queue[i]
		i++
		return p, true
	})

	select {
	case p := <-client.Dispatch():
		if p.EventName != "MESSAGE_CREATE" {
			t.Fatalf("got event %q, want MESSAGE_CREATE", p.EventName)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for the dispatch payload")
	}

	cancel()
	<-runErr
}

func TestDownstreamGatewayClient_CloseRoundTripsThroughControlTopic(t *testing.T) {
	broker := NewInMemoryBroker()
	client := NewDownstreamGatewayClient(broker.Sink(), broker.Source())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	// Stand in for the upstream leader: watch for this node's close
	// request and ack it back over the control channel.
	source := broker.Source()
	go func() {
		_ = source.ReceiveControl(ctx, func(c NodeControl) error {
			if c.Op == NodeControlReconnect && c.ShardIndex == 4 {
				sink := broker.Sink()
				acked := false
				return sink.SendControl(ctx, func() (NodeControl, bool) {
					if acked {
						return NodeControl{}, false
					}
					acked = true
					return c, true
				})
			}
			return nil
		})
	}()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), time.Second)
	defer closeCancel()
	if err := client.Close(closeCtx, true, 4); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	cancel()
	<-runErr
}

func TestDownstreamGatewayClient_CloseHonorsContextCancellation(t *testing.T) {
	broker := NewInMemoryBroker()
	// The client's sink goes to a separate broker so its own close request
	// is never echoed back onto its control-receiver topic.
	client := NewDownstreamGatewayClient(NewInMemoryBroker().Sink(), broker.Source())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- client.Run(ctx) }()

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer closeCancel()
	// Nothing ever acknowledges this close request, so it must return only
	// once closeCtx expires.
	if err := client.Close(closeCtx, false, 1); err == nil {
		t.Fatalf("expected Close() to return an error once its context expired")
	}

	cancel()
	<-runErr
}
