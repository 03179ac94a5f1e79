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
	"sync/atomic"

	"github.com/marouanesouiri/stdx/result"
)

// Request describes one REST call, immutable and consumed exactly once by
// the Router. T tags the expected response shape for the caller; the
// core only needs it to type the returned Future.
type Request[T any] struct {
	Route  Route
	Params map[string]string
	Body   []byte
	// AuthRequired mirrors the teacher's authNotRequired flag inverted:
	// most endpoints require the bot token, a few (GET /gateway) don't.
	AuthRequired bool
	// Parse decodes a successful response body into T. If nil, the zero
	// value of T is always delivered on success.
	Parse func([]byte) (T, error)
	// ShardTag is an opaque observability tag; the core never inspects
	// it beyond carrying it through to logs.
	ShardTag string
}

// Future is a single-fire completion handle for a Request's result,
// the async analogue of the teacher's callWithData[T].wait()/submit().
// Exactly one of Await/OnComplete's delivered result.Result[T] will ever
// be produced.
type Future[T any] struct {
	ch     chan result.Result[T]
	once   sync.Once
	cancel func()
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{ch: make(chan result.Result[T], 1)}
}

// complete delivers res to the Future exactly once; later calls are
// no-ops, matching RequestCorrelation's "fulfilled exactly once"
// invariant.
func (f *Future[T]) complete(res result.Result[T]) {
	f.once.Do(func() {
		f.ch <- res
		close(f.ch)
	})
}

// Cancel cancels the underlying RequestCorrelation this Future was handed
// out for (see RequestCorrelation.Cancel): if the correlation is still
// queued, the owning RequestStream removes it and completes this Future
// with ErrCancelled; if already dispatching, the HTTP call runs to
// completion but its result is discarded. A Future obtained any other way
// (e.g. in a test) has nothing to cancel and this is a no-op.
func (f *Future[T]) Cancel() {
	if f.cancel != nil {
		f.cancel()
	}
}

// Await blocks until the Future resolves or ctx is cancelled. A caller
// giving up via ctx also cancels the underlying correlation, so a stream
// that has not yet dispatched it removes it from its queue instead of
// running it to completion for no one.
func (f *Future[T]) Await(ctx context.Context) (T, error) {
	var zero T
	select {
	case res, ok := <-f.ch:
		if !ok {
			return zero, ErrCancelled
		}
		if res.IsErr() {
			return zero, res.Err()
		}
		return res.Value(), nil
	case <-ctx.Done():
		f.Cancel()
		return zero, ctx.Err()
	}
}

// OnComplete runs fn with the Future's result once it resolves. fn is
// invoked on the Router's response scheduler so it may safely do
// blocking work, matching the teacher's callWithData.submit style.
func (f *Future[T]) OnComplete(scheduler Scheduler, fn func(result.Result[T])) {
	go func() {
		res, ok := <-f.ch
		scheduler.Submit(func() {
			if !ok {
				fn(result.Err[T](ErrCancelled))
				return
			}
			fn(res)
		})
	}()
}

// RequestCorrelation pairs a Request with its completion handle and an
// opaque shard tag. It is created by Exchange, pushed onto exactly
// one RequestStream's FIFO, and removed/completed by that stream.
type RequestCorrelation[T any] struct {
	req    Request[T]
	future *Future[T]

	// retried tracks whether the user-level retryOnce budget for this
	// correlation has already been spent. 429-triggered re-enqueues do
	// not touch this counter; see RequestStream.
	retried atomic.Bool
	// cancelled is set if the caller drops the Future while the
	// correlation is still queued.
	cancelled atomic.Bool
}

func newRequestCorrelation[T any](req Request[T]) *RequestCorrelation[T] {
	c := &RequestCorrelation[T]{req: req, future: newFuture[T]()}
	c.future.cancel = c.Cancel
	return c
}

// Cancel marks the correlation cancelled. If it is still queued, the
// owning RequestStream removes it and completes its Future with
// ErrCancelled on its next poll; if already dispatching, the HTTP call
// runs to completion but its result is discarded.
func (c *RequestCorrelation[T]) Cancel() {
	c.cancelled.Store(true)
}

// correlation is the type-erased view of a RequestCorrelation[T] that
// RequestStream operates on. A single stream serves every Request[T]
// instantiation sharing a BucketKey, so its FIFO cannot be generic over T.
type correlation interface {
	route() Route
	body() []byte
	authRequired() bool
	shardTag() string
	isCancelled() bool
	resolvedURI() string
	// markRetriedOnce reports true the first time it is called for this
	// correlation, false thereafter — the user-level retry budget.
	markRetriedOnce() bool
	completeEmpty()
	completeError(err error)
	completeBody(body []byte)
}

func (c *RequestCorrelation[T]) route() Route           { return c.req.Route }
func (c *RequestCorrelation[T]) body() []byte           { return c.req.Body }
func (c *RequestCorrelation[T]) authRequired() bool     { return c.req.AuthRequired }
func (c *RequestCorrelation[T]) shardTag() string       { return c.req.ShardTag }
func (c *RequestCorrelation[T]) isCancelled() bool      { return c.cancelled.Load() }
func (c *RequestCorrelation[T]) resolvedURI() string    { return c.req.Route.resolve(c.req.Params) }

func (c *RequestCorrelation[T]) markRetriedOnce() bool {
	return c.retried.CompareAndSwap(false, true)
}

func (c *RequestCorrelation[T]) completeEmpty() {
	var zero T
	c.future.complete(result.Ok(zero))
}

func (c *RequestCorrelation[T]) completeError(err error) {
	c.future.complete(result.Err[T](err))
}

func (c *RequestCorrelation[T]) completeBody(body []byte) {
	if c.req.Parse == nil {
		var zero T
		c.future.complete(result.Ok(zero))
		return
	}
	v, err := c.req.Parse(body)
	if err != nil {
		c.future.complete(result.Err[T](err))
		return
	}
	c.future.complete(result.Ok(v))
}

var _ correlation = (*RequestCorrelation[struct{}])(nil)
