// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
)

// ErrPoolClosed is returned by Run after Close.
var ErrPoolClosed = errors.New("thread pool closed")

// Worker is one goroutine of a ThreadPool. The calling goroutine of Run
// is represented by the last worker.
type Worker struct {
	ID  int
	CPU int

	runs  atomic.Int64
	idles atomic.Int64
}

// Runs returns how many tasks and pipeline steps the worker executed.
func (w *Worker) Runs() int64 { return w.runs.Load() }

// Idles returns how many scans found nothing to do.
func (w *Worker) Idles() int64 { return w.idles.Load() }

type job struct {
	ctx context.Context
	fn  func(context.Context, *Worker)
	wg  *sync.WaitGroup
}

// ThreadPool is a fixed set of long-lived goroutines that all run the
// same function when Run is called.
//
// Thread Safety:
//
//	Run must not be called concurrently with itself or Close.
type ThreadPool struct {
	workers []*Worker
	jobs    []chan job
	done    sync.WaitGroup
	closed  atomic.Bool
	logger  *slog.Logger
}

// NewThreadPool starts n pool goroutines. With pin set each goroutine is
// locked to an OS thread bound to CPU i mod NumCPU; pinning failures are
// logged and ignored.
func NewThreadPool(n int, pin bool, logger *slog.Logger) *ThreadPool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &ThreadPool{
		workers: make([]*Worker, n+1),
		jobs:    make([]chan job, n),
		logger:  logger,
	}
	ncpu := runtime.NumCPU()
	for i := range p.workers {
		p.workers[i] = &Worker{ID: i, CPU: i % ncpu}
	}
	for i := 0; i < n; i++ {
		p.jobs[i] = make(chan job)
		p.done.Add(1)
		go p.serve(p.workers[i], p.jobs[i], pin)
	}
	return p
}

func (p *ThreadPool) serve(w *Worker, jobs <-chan job, pin bool) {
	defer p.done.Done()
	if pin {
		runtime.LockOSThread()
		if err := pinToCPU(w.CPU); err != nil {
			p.logger.Warn("worker affinity not applied", "worker", w.ID, "cpu", w.CPU, "error", err)
		}
	}
	for j := range jobs {
		j.fn(j.ctx, w)
		j.wg.Done()
	}
}

// Size returns the number of workers including the caller.
func (p *ThreadPool) Size() int { return len(p.workers) }

// Workers returns every worker; the last is the caller's.
func (p *ThreadPool) Workers() []*Worker { return p.workers }

// Run calls fn on every pool goroutine and on the calling goroutine and
// returns when all calls have returned.
func (p *ThreadPool) Run(ctx context.Context, fn func(context.Context, *Worker)) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	var wg sync.WaitGroup
	wg.Add(len(p.jobs))
	for _, ch := range p.jobs {
		ch <- job{ctx: ctx, fn: fn, wg: &wg}
	}
	fn(ctx, p.workers[len(p.workers)-1])
	wg.Wait()
	return nil
}

// Close stops the pool goroutines.
func (p *ThreadPool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, ch := range p.jobs {
		close(ch)
	}
	p.done.Wait()
}
