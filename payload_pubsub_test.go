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

func TestKeepLatestTopic_OverwritesUnreadValue(t *testing.T) {
	topic := newKeepLatestTopic[int]()
	topic.publish(1)
	topic.publish(2)

	select {
	case v := <-topic.channel():
		if v != 2 {
			t.Fatalf("expected the latest published value 2, got %d", v)
		}
	default:
		t.Fatalf("expected a value to be available")
	}
}

func TestKeepLatestTopic_CloseStopsPublish(t *testing.T) {
	topic := newKeepLatestTopic[int]()
	topic.close()
	topic.publish(1) // must not panic on a closed channel

	_, ok := <-topic.channel()
	if ok {
		t.Fatalf("expected the channel to be closed with no pending value")
	}
}

func TestInMemoryBroker_RoundTripsPayload(t *testing.T) {
	broker := NewInMemoryBroker()
	sink := broker.Sink()
	source := broker.Source()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := make(chan GatewayPayload, 1)
	go func() {
		_ = source.Receive(ctx, func(p GatewayPayload) error {
			received <- p
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond) // let the subscription register
	sent := false
	_ = sink.Send(ctx, func() (GatewayPayload, bool) {
		if sent {
			return GatewayPayload{}, false
		}
		sent = true
		return GatewayPayload{Op: OpcodeDispatch, EventName: "MESSAGE_CREATE"}, true
	})

	select {
	case p := <-received:
		if p.EventName != "MESSAGE_CREATE" {
			t.Fatalf("got event %q, want MESSAGE_CREATE", p.EventName)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the payload to round-trip through the broker")
	}
}

func TestInMemoryBroker_RoundTripsControl(t *testing.T) {
	broker := NewInMemoryBroker()
	sink := broker.Sink()
	source := broker.Source()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	received := make(chan NodeControl, 1)
	go func() {
		_ = source.ReceiveControl(ctx, func(c NodeControl) error {
			received <- c
			return nil
		})
	}()

	time.Sleep(10 * time.Millisecond)
	sent := false
	_ = sink.SendControl(ctx, func() (NodeControl, bool) {
		if sent {
			return NodeControl{}, false
		}
		sent = true
		return NodeControl{Op: NodeControlReconnect, ShardIndex: 3}, true
	})

	select {
	case c := <-received:
		if c.Op != NodeControlReconnect || c.ShardIndex != 3 {
			t.Fatalf("got %+v, want RECONNECT for shard 3", c)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for the control message to round-trip")
	}
}
