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
	"os"
	"sync"
	"testing"
	"time"

	"github.com/marouanesouiri/stdx/xlog"
)

func TestWorkerPoolScheduler_RunsSubmittedTasks(t *testing.T) {
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	p := NewWorkerPoolScheduler(logger, WithMinWorkers(1), WithMaxWorkers(2), WithQueueCapacity(4))
	defer p.Shutdown()

	var wg sync.WaitGroup
	wg.Add(3)
	for i := 0; i < 3; i++ {
		p.Submit(func() { wg.Done() })
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for submitted tasks to run")
	}
}

func TestWorkerPoolScheduler_GrowsUnderLoad(t *testing.T) {
	logger := xlog.NewTextLogger(os.Stdout, xlog.LogLevelInfoLevel)
	p := NewWorkerPoolScheduler(logger,
		WithMinWorkers(1),
		WithMaxWorkers(4),
		WithQueueCapacity(8),
		// Threshold 0: every Submit below maxWorkers spawns a worker, so
		// each of the 4 blocking tasks gets its own.
		WithQueueGrowThreshold(0),
	)
	defer p.Shutdown()

	release := make(chan struct{})
	var started sync.WaitGroup
	started.Add(4)
	for i := 0; i < 4; i++ {
		p.Submit(func() {
			started.Done()
			<-release
		})
	}

	done := make(chan struct{})
	go func() {
		started.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected the pool to grow enough workers to start all 4 blocked tasks")
	}
	close(release)
}

func TestInlineScheduler_RunsSynchronously(t *testing.T) {
	ran := false
	InlineScheduler{}.Submit(func() { ran = true })
	if !ran {
		t.Fatalf("InlineScheduler should run its task before Submit returns")
	}
}
