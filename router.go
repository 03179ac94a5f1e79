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
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/marouanesouiri/stdx/optional"
	"github.com/marouanesouiri/stdx/xlog"
)

// routerOptions configures a Router. Construct with NewRouter's functional
// options, following the teacher's WithX(...) option pattern.
type routerOptions struct {
	logger              xlog.Logger
	responseScheduler   Scheduler
	transformers        []ResponseFunction
	clock               Clock
	baseURL             string
	token               string
	userAgent           string
	streamIdleTimeout   time.Duration
	httpClient          *http.Client
	rateLimitedStrategy func(Route) RateLimitStrategy
}

// RouterOption configures a Router during construction.
type RouterOption func(*routerOptions)

// WithLogger sets the Router's logger. Defaults to an xlog text logger on
// stdout at info level.
func WithLogger(logger xlog.Logger) RouterOption {
	return func(o *routerOptions) { o.logger = logger }
}

// WithResponseScheduler sets the scheduler that runs completed Futures'
// callbacks. Defaults to a WorkerPoolScheduler.
func WithResponseScheduler(s Scheduler) RouterOption {
	return func(o *routerOptions) { o.responseScheduler = s }
}

// WithResponseTransformers sets the ordered ResponseFunction pipeline
// applied to every response before a caller's Future completes.
func WithResponseTransformers(fns ...ResponseFunction) RouterOption {
	return func(o *routerOptions) { o.transformers = fns }
}

// WithClock overrides the Clock used for all delay computation. Intended
// for deterministic tests.
func WithClock(clk Clock) RouterOption {
	return func(o *routerOptions) { o.clock = clk }
}

// WithBaseURL overrides the REST API base URL.
func WithBaseURL(url string) RouterOption {
	return func(o *routerOptions) { o.baseURL = url }
}

// WithToken sets the Authorization header value sent on authenticated
// requests (e.g. "Bot <token>").
func WithToken(token string) RouterOption {
	return func(o *routerOptions) { o.token = token }
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) RouterOption {
	return func(o *routerOptions) { o.userAgent = ua }
}

// WithStreamIdleTimeout configures how long an empty RequestStream waits
// before self-evicting from the Router's bucket map. Zero (the default)
// means never evict.
func WithStreamIdleTimeout(d time.Duration) RouterOption {
	return func(o *routerOptions) { o.streamIdleTimeout = d }
}

// WithHTTPClient overrides the *http.Client used for dispatch.
func WithHTTPClient(c *http.Client) RouterOption {
	return func(o *routerOptions) { o.httpClient = c }
}

// WithRateLimitStrategyFactory overrides how a RateLimitStrategy is chosen
// for a new bucket. f is called once per bucket with a Route whose only
// set field is Template, holding the BucketKey's RouteTemplate (with its
// "DELETE:" prefix for message deletes); Method and MajorParam are empty.
// The default uses HeaderStrategy for every route.
func WithRateLimitStrategyFactory(f func(Route) RateLimitStrategy) RouterOption {
	return func(o *routerOptions) { o.rateLimitedStrategy = f }
}

// Router is the façade over the per-bucket RequestStream map. It exposes
// Exchange (submit a request, get a Future) and Status (inspect a
// bucket's current rate-limit state).
type Router struct {
	opts   routerOptions
	exec   *httpExecutor
	global *GlobalRateLimiter

	mu      sync.Mutex
	streams map[BucketKey]*RequestStream

	closed bool
}

const defaultBaseURL = "https://discord.com/api/v10"

// NewRouter constructs a Router. A nil httpClient gets a default
// transport tuned like the teacher's requester (bounded idle conns,
// HTTP/2 attempted, 30s timeout).
func NewRouter(opts ...RouterOption) *Router {
	o := routerOptions{
		baseURL:   defaultBaseURL,
		userAgent: "corvid (github.com/corvidhq/corvid)",
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	}
	if o.responseScheduler == nil {
		o.responseScheduler = NewWorkerPoolScheduler(o.logger)
	}
	if o.clock == nil {
		o.clock = SystemClock
	}
	if o.httpClient == nil {
		o.httpClient = &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          500,
				MaxIdleConnsPerHost:   100,
				MaxConnsPerHost:       200,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: time.Second,
				ForceAttemptHTTP2:     true,
			},
		}
	}
	if o.rateLimitedStrategy == nil {
		clk := o.clock
		o.rateLimitedStrategy = func(Route) RateLimitStrategy { return NewHeaderStrategy(clk) }
	}

	return &Router{
		opts: o,
		exec: &httpExecutor{
			client:    o.httpClient,
			baseURL:   o.baseURL,
			token:     o.token,
			userAgent: o.userAgent,
		},
		global:  NewGlobalRateLimiter(o.clock),
		streams: make(map[BucketKey]*RequestStream),
	}
}

// Exchange submits req against its bucket's RequestStream, creating the
// stream on first use, and returns a Future for the eventual result.
// getOrCreate is atomic under contention: two concurrent calls resolving
// to the same BucketKey yield exactly one stream.
func Exchange[T any](r *Router, req Request[T]) *Future[T] {
	key := ComputeBucketKey(req.Route, req.Params)
	stream := r.getOrCreateStream(key)

	c := newRequestCorrelation(req)
	stream.enqueue(c)
	return c.future
}

// getOrCreateStream implements the get-or-create contract: the loser of a
// race discards its candidate stream without ever starting its loop.
func (r *Router) getOrCreateStream(key BucketKey) *RequestStream {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.streams[key]; ok {
		return s
	}

	strategy := r.opts.rateLimitedStrategy(Route{Template: key.RouteTemplate})
	var s *RequestStream
	s = newRequestStream(
		key,
		r.exec,
		strategy,
		r.global,
		r.opts.transformers,
		r.opts.clock,
		r.opts.responseScheduler,
		r.opts.logger,
		r.opts.streamIdleTimeout,
		func() { r.evictStream(key, s) },
	)
	r.streams[key] = s
	return s
}

// evictStream removes self from the map, but only if it is still the
// current occupant — a concurrent Exchange may already have replaced it
// with a fresh stream by the time the idle timer fires.
func (r *Router) evictStream(key BucketKey, self *RequestStream) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.streams[key] == self {
		delete(r.streams, key)
	}
}

// Status returns the RequestStreamStatus for req's bucket, or None if no
// stream has been created for that bucket yet — status is only
// meaningful after at least one Exchange, same as the teacher's cache
// getters return None for a key that was never stored.
func (r *Router) Status(route Route, params map[string]string) optional.Option[RequestStreamStatus] {
	key := ComputeBucketKey(route, params)
	r.mu.Lock()
	s, ok := r.streams[key]
	r.mu.Unlock()
	if !ok {
		return optional.None[RequestStreamStatus]()
	}
	return optional.Some(s.status())
}

// ResponseScheduler returns the Router's response scheduler, for use by
// Future.OnComplete callers.
func (r *Router) ResponseScheduler() Scheduler { return r.opts.responseScheduler }

// Close cancels every stream's queue; in-flight requests are allowed to
// drain, and any still-queued correlation is completed with
// ErrCancelled.
func (r *Router) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	streams := make([]*RequestStream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.close()
	}
	r.opts.responseScheduler.Shutdown()
}
