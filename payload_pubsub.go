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
	"sync"
)

// PayloadSink pushes framed Gateway payloads and control messages to an
// external broker. Implementations choose their own wire encoding; the
// core only requires that each publish correspond to exactly one
// GatewayPayload or NodeControl (spec.md §6).
type PayloadSink interface {
	// Send publishes every payload produced by next until next returns
	// false (its stream is exhausted) or ctx is done. A transport error
	// terminates with that error; ordering within one call is preserved.
	Send(ctx context.Context, next func() (GatewayPayload, bool)) error
	// SendControl is Send's NodeControl counterpart, on the control
	// topic.
	SendControl(ctx context.Context, next func() (NodeControl, bool)) error
}

// PayloadSource pulls framed Gateway payloads and control messages from
// an external broker, invoking handler for each. Delivery is best-effort:
// duplicates and sequence gaps are tolerated by consumers.
type PayloadSource interface {
	// Receive invokes handler for every payload received on the payload
	// topic until ctx is done or the subscription ends.
	Receive(ctx context.Context, handler func(GatewayPayload) error) error
	// ReceiveControl is Receive's NodeControl counterpart, on the
	// control topic.
	ReceiveControl(ctx context.Context, handler func(NodeControl) error) error
}

/*****************************
 *      keepLatestTopic
 *****************************/

// keepLatestTopic is a single-producer, single-consumer channel of
// capacity one whose overflow policy is "keep latest": a send that finds
// the slot already full drops the previous value rather than blocking.
// DownstreamGatewayClient's four internal pipelines are all built on this,
// per spec.md §4.10 — the worker prefers fresh state over completeness.
type keepLatestTopic[T any] struct {
	mu     sync.Mutex
	ch     chan T
	closed bool
}

func newKeepLatestTopic[T any]() *keepLatestTopic[T] {
	return &keepLatestTopic[T]{ch: make(chan T, 1)}
}

// publish overwrites any unread value with v. Never blocks.
func (t *keepLatestTopic[T]) publish(v T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	select {
	case t.ch <- v:
	default:
		select {
		case <-t.ch:
		default:
		}
		select {
		case t.ch <- v:
		default:
		}
	}
}

func (t *keepLatestTopic[T]) channel() <-chan T { return t.ch }

func (t *keepLatestTopic[T]) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.ch)
	}
}

/*****************************
 *    In-memory test broker
 *****************************/

// InMemoryBroker is a PayloadSink+PayloadSource pair backed by Go
// channels, with no external transport at all. It exists for tests and
// single-process wiring of an UpstreamGatewayClient to a
// DownstreamGatewayClient. It is not partitioned by shard key: every
// subscriber of a topic receives every message published on it, including
// messages sent through this same broker's Sink. A message published
// before a subscriber registers, or while its 64-slot buffer is full, is
// not delivered to that subscriber.
type InMemoryBroker struct {
	mu          sync.Mutex
	payloadSubs []chan GatewayPayload
	controlSubs []chan NodeControl
}

// NewInMemoryBroker creates an empty broker. Use Sink/Source to obtain
// the PayloadSink/PayloadSource views of it.
func NewInMemoryBroker() *InMemoryBroker {
	return &InMemoryBroker{}
}

func (b *InMemoryBroker) subscribePayload() chan GatewayPayload {
	ch := make(chan GatewayPayload, 64)
	b.mu.Lock()
	b.payloadSubs = append(b.payloadSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *InMemoryBroker) subscribeControl() chan NodeControl {
	ch := make(chan NodeControl, 64)
	b.mu.Lock()
	b.controlSubs = append(b.controlSubs, ch)
	b.mu.Unlock()
	return ch
}

func (b *InMemoryBroker) publishPayload(p GatewayPayload) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.payloadSubs {
		select {
		case ch <- p:
		default:
		}
	}
}

func (b *InMemoryBroker) publishControl(c NodeControl) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.controlSubs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Sink returns the PayloadSink view of the broker.
func (b *InMemoryBroker) Sink() PayloadSink { return inMemorySink{b} }

// Source returns the PayloadSource view of the broker.
func (b *InMemoryBroker) Source() PayloadSource { return inMemorySource{b} }

type inMemorySink struct{ b *InMemoryBroker }

func (s inMemorySink) Send(ctx context.Context, next func() (GatewayPayload, bool)) error {
	for {
		p, ok := next()
		if !ok {
			return nil
		}
		s.b.publishPayload(p)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

func (s inMemorySink) SendControl(ctx context.Context, next func() (NodeControl, bool)) error {
	for {
		c, ok := next()
		if !ok {
			return nil
		}
		s.b.publishControl(c)
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

type inMemorySource struct{ b *InMemoryBroker }

func (s inMemorySource) Receive(ctx context.Context, handler func(GatewayPayload) error) error {
	ch := s.b.subscribePayload()
	for {
		select {
		case p, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(p); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s inMemorySource) ReceiveControl(ctx context.Context, handler func(NodeControl) error) error {
	ch := s.b.subscribeControl()
	for {
		select {
		case c, ok := <-ch:
			if !ok {
				return nil
			}
			if err := handler(c); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
