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
	"sync/atomic"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

// Scheduler runs completion callbacks. The response scheduler must
// tolerate callers doing blocking work in their callback; the rate-limit
// scheduler (plain time.Timer usage inside RequestStream) never runs
// anything through a Scheduler at all, by design — see §5 of SPEC_FULL.md.
type Scheduler interface {
	Submit(task func())
	Shutdown()
}

// WorkerPoolScheduler is a goroutine pool that grows under load and
// shrinks back down after an idle timeout, adapted from the teacher's
// defaultWorkerPool so a slow or blocking caller callback cannot stall a
// RequestStream's internal dispatch loop.
type WorkerPoolScheduler struct {
	logger xlog.Logger

	minWorkers int
	maxWorkers int
	queueCap   int

	workerCount        int32
	queue              chan func()
	queueGrowThreshold float64

	stopSignal   chan struct{}
	shutdownOnce atomic.Bool
	idleTimeout  time.Duration
}

var _ Scheduler = (*WorkerPoolScheduler)(nil)

// SchedulerOption configures a WorkerPoolScheduler.
type SchedulerOption func(*WorkerPoolScheduler)

// WithMinWorkers sets the floor on live workers.
func WithMinWorkers(n int) SchedulerOption { return func(p *WorkerPoolScheduler) { p.minWorkers = n } }

// WithMaxWorkers sets the ceiling on live workers.
func WithMaxWorkers(n int) SchedulerOption { return func(p *WorkerPoolScheduler) { p.maxWorkers = n } }

// WithQueueCapacity sets the pending-task buffer size.
func WithQueueCapacity(n int) SchedulerOption { return func(p *WorkerPoolScheduler) { p.queueCap = n } }

// WithIdleTimeout sets how long an above-minimum worker waits for work
// before exiting.
func WithIdleTimeout(d time.Duration) SchedulerOption {
	return func(p *WorkerPoolScheduler) { p.idleTimeout = d }
}

// WithQueueGrowThreshold sets the queue-fullness fraction (0..1) at which
// the pool spawns an extra worker, up to maxWorkers.
func WithQueueGrowThreshold(threshold float64) SchedulerOption {
	return func(p *WorkerPoolScheduler) { p.queueGrowThreshold = threshold }
}

// NewWorkerPoolScheduler creates a response scheduler. logger must not be
// nil; callers typically pass their Router's logger.
func NewWorkerPoolScheduler(logger xlog.Logger, opts ...SchedulerOption) *WorkerPoolScheduler {
	p := &WorkerPoolScheduler{
		logger:             logger,
		minWorkers:         4,
		maxWorkers:         64,
		queueCap:           256,
		idleTimeout:        30 * time.Second,
		stopSignal:         make(chan struct{}),
		queueGrowThreshold: 0.75,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan func(), p.queueCap)
	for i := 0; i < p.minWorkers; i++ {
		p.addWorker()
	}
	return p
}

func (p *WorkerPoolScheduler) addWorker() {
	atomic.AddInt32(&p.workerCount, 1)

	go func() {
		idleTimer := time.NewTimer(p.idleTimeout)
		defer idleTimer.Stop()

		for {
			select {
			case task := <-p.queue:
				task()

				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.idleTimeout)

			case <-idleTimer.C:
				if atomic.LoadInt32(&p.workerCount) > int32(p.minWorkers) {
					atomic.AddInt32(&p.workerCount, -1)
					p.logger.Debug("scheduler: worker exited due to idle timeout")
					return
				}
				idleTimer.Reset(p.idleTimeout)

			case <-p.stopSignal:
				return
			}
		}
	}()
}

// Submit enqueues task, spawning an extra worker first if the queue is
// past its grow threshold and under the worker ceiling. If the queue is
// full, it blocks until room frees up rather than silently dropping
// caller-visible completions.
func (p *WorkerPoolScheduler) Submit(task func()) {
	if p.shutdownOnce.Load() {
		return
	}
	if float64(len(p.queue)) >= float64(p.queueCap)*p.queueGrowThreshold {
		if atomic.LoadInt32(&p.workerCount) < int32(p.maxWorkers) {
			p.addWorker()
			p.logger.Debug("scheduler: spawned new worker due to high queue usage")
		}
	}
	select {
	case p.queue <- task:
	case <-p.stopSignal:
	}
}

// Shutdown stops the pool; tasks already queued are abandoned.
func (p *WorkerPoolScheduler) Shutdown() {
	if p.shutdownOnce.CompareAndSwap(false, true) {
		close(p.stopSignal)
	}
}

// InlineScheduler runs every task synchronously on the calling goroutine.
// Useful for tests that need deterministic ordering of callback delivery.
type InlineScheduler struct{}

var _ Scheduler = InlineScheduler{}

func (InlineScheduler) Submit(task func()) { task() }
func (InlineScheduler) Shutdown()          {}
