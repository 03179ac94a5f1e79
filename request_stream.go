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
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

// httpExecutor holds the fields every RequestStream shares with the
// owning Router: the transport, base URL, and auth/identification
// headers. Grounded on the teacher's requester struct.
type httpExecutor struct {
	client    *http.Client
	baseURL   string
	token     string
	userAgent string
}

func (e *httpExecutor) do(ctx context.Context, c correlation) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, c.route().Method, e.baseURL+c.resolvedURI(), bytes.NewReader(c.body()))
	if err != nil {
		return nil, nil, err
	}
	if c.authRequired() {
		req.Header.Set("Authorization", e.token)
	}
	req.Header.Set("User-Agent", e.userAgent)
	switch c.route().Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp, nil, err
	}
	return resp, body, nil
}

// RequestStreamStatus is a read-only projection of a RequestStream's
// rate-limit state, returned by Router.Status.
type RequestStreamStatus struct {
	GlobalRateLimited bool
	Snapshot          Snapshot
}

// IsRateLimited reports whether the bucket (or the global gate) is
// currently suspending dispatch.
func (s RequestStreamStatus) IsRateLimited() bool {
	return s.GlobalRateLimited || s.Snapshot.Remaining == 0
}

// RequestStream is the per-bucket serial worker: it owns a FIFO of
// pending correlations, dequeues one at a time, dispatches it, applies
// the strategy and transformer pipeline, completes the caller's Future,
// then honors whatever delay the strategy computed before the next
// dispatch. At most one HTTP request from a stream is in flight at any
// instant.
type RequestStream struct {
	key    BucketKey
	logger xlog.Logger

	exec      *httpExecutor
	strategy  RateLimitStrategy
	global    *GlobalRateLimiter
	transform []ResponseFunction
	clk       Clock
	scheduler Scheduler

	mu    sync.Mutex
	queue []correlation

	notify chan struct{}
	quit   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc

	idleTimeout time.Duration
	onIdleEvict func()

	doneOnce sync.Once
	done     chan struct{}
}

func newRequestStream(
	key BucketKey,
	exec *httpExecutor,
	strategy RateLimitStrategy,
	global *GlobalRateLimiter,
	transform []ResponseFunction,
	clk Clock,
	scheduler Scheduler,
	logger xlog.Logger,
	idleTimeout time.Duration,
	onIdleEvict func(),
) *RequestStream {
	if clk == nil {
		clk = SystemClock
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &RequestStream{
		key:         key,
		logger:      logger,
		exec:        exec,
		strategy:    strategy,
		global:      global,
		transform:   transform,
		clk:         clk,
		scheduler:   scheduler,
		notify:      make(chan struct{}, 1),
		quit:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
		idleTimeout: idleTimeout,
		onIdleEvict: onIdleEvict,
		done:        make(chan struct{}),
	}
	go s.loop()
	return s
}

// complete runs fn — one of a correlation's completeEmpty/completeBody/
// completeError calls — on the stream's response scheduler rather than on
// this loop goroutine, so a caller's completion callback can never stall
// dispatch of the next queued correlation.
func (s *RequestStream) complete(fn func()) {
	s.scheduler.Submit(fn)
}

func (s *RequestStream) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// enqueue appends a correlation to the back of the FIFO.
func (s *RequestStream) enqueue(c correlation) {
	s.mu.Lock()
	s.queue = append(s.queue, c)
	s.mu.Unlock()
	s.signal()
}

// enqueueFront pushes a correlation to the head of the FIFO, used for the
// automatic 429 re-enqueue and for RetryOnceOnErrorStatus.
func (s *RequestStream) enqueueFront(c correlation) {
	s.mu.Lock()
	s.queue = append([]correlation{c}, s.queue...)
	s.mu.Unlock()
	s.signal()
}

func (s *RequestStream) dequeue() (correlation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil, false
	}
	c := s.queue[0]
	s.queue = s.queue[1:]
	return c, true
}

func (s *RequestStream) depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// status returns the stream's current RequestStreamStatus.
func (s *RequestStream) status() RequestStreamStatus {
	return RequestStreamStatus{
		GlobalRateLimited: s.global.IsTripped(),
		Snapshot:          s.strategy.Snapshot(),
	}
}

// loop is the stream's cooperative task: IDLE/READY/WAITING_GLOBAL/
// WAITING_BUCKET/DISPATCHING/APPLYING/COMPLETING from spec.md §4.6.
func (s *RequestStream) loop() {
	defer close(s.done)
	var pendingDelay time.Duration

	for {
		c, ok := s.dequeue()
		if !ok {
			if s.waitForWork() {
				continue
			}
			return
		}

		// A closed stream (s.ctx cancelled) dispatches nothing further
		// from its queue.
		if c.isCancelled() || s.ctx.Err() != nil {
			s.complete(func() { c.completeError(ErrCancelled) })
			continue
		}

		// WAITING_GLOBAL
		if err := s.global.Await(s.ctx); err != nil {
			s.complete(func() { c.completeError(ErrCancelled) })
			continue
		}

		// WAITING_BUCKET: the delay computed from the *previous*
		// dispatch's response is honored before this one, never before
		// the one that produced it.
		if pendingDelay > 0 {
			select {
			case <-s.clk.After(pendingDelay):
			case <-s.ctx.Done():
				s.complete(func() { c.completeError(ErrCancelled) })
				return
			}
			pendingDelay = 0
		}

		if c.isCancelled() {
			s.complete(func() { c.completeError(ErrCancelled) })
			continue
		}

		// DISPATCHING: the HTTP call runs on an independent, never
		// cancelled context. s.ctx only gates the queue/global waits
		// above — Router.Close() must let an in-flight dispatch run to
		// completion and discard its result, not abort it.
		resp, body, err := s.exec.do(context.Background(), c)
		if err != nil {
			s.complete(func() { c.completeError(&TransportError{Method: c.route().Method, Endpoint: c.resolvedURI(), Err: err}) })
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			pendingDelay = s.handleTooManyRequests(c, resp, body)
			continue
		}

		pendingDelay = s.strategy.Observe(resp)

		// A correlation cancelled while its HTTP call was in flight still
		// ran to completion above (it is never aborted mid-dispatch); its
		// result is discarded here rather than delivered.
		if c.isCancelled() {
			s.complete(func() { c.completeError(ErrCancelled) })
			continue
		}

		// APPLYING
		outcome := runPipeline(s.transform, responseOutcome{route: c.route(), response: resp, body: body})

		switch {
		case outcome.retry:
			if c.markRetriedOnce() {
				s.enqueueFront(c)
			} else {
				s.complete(func() {
					c.completeError(&StatusError{Method: c.route().Method, Endpoint: c.resolvedURI(), StatusCode: resp.StatusCode, Body: body})
				})
			}
		case outcome.empty:
			s.complete(c.completeEmpty)
		case resp.StatusCode >= 400:
			s.complete(func() {
				c.completeError(&StatusError{Method: c.route().Method, Endpoint: c.resolvedURI(), StatusCode: resp.StatusCode, Body: body})
			})
		default:
			s.complete(func() { c.completeBody(body) })
		}
	}
}

// handleTooManyRequests absorbs a 429: it trips the global gate when the
// response carries the global flag, always lets the strategy update its
// view of the bucket from the reset header, and re-enqueues the same
// correlation at the front of the queue exactly once. This is the
// internal retry spec.md §6 describes; it never touches the
// correlation's user-level retry-once budget.
func (s *RequestStream) handleTooManyRequests(c correlation, resp *http.Response, body []byte) time.Duration {
	retryAfter := parseRetryAfter(resp, body)
	global := isGlobalRateLimit(resp, body)

	if s.logger != nil {
		s.logger.WithFields(map[string]any{
			"bucket":      s.key.String(),
			"retry_after": retryAfter.String(),
			"global":      global,
		}).Warn("rate limited")
	}

	if global {
		s.global.Trip(retryAfter)
	}

	delay := s.strategy.Observe(resp)
	s.enqueueFront(c)
	if global && delay < retryAfter {
		return retryAfter
	}
	return delay
}

// waitForWork blocks until the queue has something in it, the stream is
// told to stop, or (if idleTimeout is set) the stream times out and
// self-evicts. Returns true if the caller should re-poll the queue,
// false if the loop must exit.
func (s *RequestStream) waitForWork() bool {
	if s.idleTimeout <= 0 {
		select {
		case <-s.notify:
			return true
		case <-s.quit:
			return false
		}
	}

	timer := time.NewTimer(s.idleTimeout)
	defer timer.Stop()
	select {
	case <-s.notify:
		return true
	case <-s.quit:
		return false
	case <-timer.C:
		if s.onIdleEvict != nil {
			s.onIdleEvict()
		}
		return false
	}
}

// close cancels in-flight awaits and stops the loop once its current
// dispatch (if any) finishes draining the queue. Queued correlations are
// completed with ErrCancelled.
func (s *RequestStream) close() {
	s.doneOnce.Do(func() {
		close(s.quit)
		s.cancel()
	})
	<-s.done
	for {
		c, ok := s.dequeue()
		if !ok {
			break
		}
		s.complete(func() { c.completeError(ErrCancelled) })
	}
}

// parseRetryAfter reads Retry-After from headers (seconds or
// milliseconds, per spec.md §9 Open Question 4 — disambiguated by
// magnitude: a value too large to plausibly be seconds is treated as
// milliseconds) or, failing that, the body's retry_after field.
func parseRetryAfter(resp *http.Response, body []byte) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return retryAfterDuration(f)
		}
	}
	if idx := bytes.Index(body, []byte(`"retry_after"`)); idx >= 0 {
		rest := body[idx+len(`"retry_after"`):]
		rest = bytes.TrimLeft(rest, " :")
		end := 0
		for end < len(rest) && (rest[end] == '.' || (rest[end] >= '0' && rest[end] <= '9')) {
			end++
		}
		if end > 0 {
			if f, err := strconv.ParseFloat(string(rest[:end]), 64); err == nil {
				return retryAfterDuration(f)
			}
		}
	}
	return time.Second
}

// retryAfterDuration disambiguates seconds vs milliseconds. The remote
// service's 429 bodies send retry_after in milliseconds, while the
// standard Retry-After header sends (possibly fractional) seconds; a
// value whose magnitude is implausible as seconds (> 300) is treated as
// already being milliseconds.
func retryAfterDuration(v float64) time.Duration {
	if v > 300 {
		return time.Duration(v) * time.Millisecond
	}
	return time.Duration(v * float64(time.Second))
}

// isGlobalRateLimit reports whether a 429 response carries the global
// flag, via either the header or the JSON body field.
func isGlobalRateLimit(resp *http.Response, body []byte) bool {
	if strings.EqualFold(resp.Header.Get("X-RateLimit-Global"), "true") {
		return true
	}
	return bytes.Contains(body, []byte(`"global":true`)) || bytes.Contains(body, []byte(`"global": true`))
}
