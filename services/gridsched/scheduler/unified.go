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
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/telemetry"
)

type actionKind int

const (
	actNone actionKind = iota
	actReduction
	actInitiate
	actRun
	actStage
)

type action struct {
	kind  actionKind
	task  *detailed.Task
	stage detailed.Stage
}

// UnifiedScheduler runs a timestep on a worker pool plus the calling
// goroutine. Every goroutine runs the same loop: select one action under
// the scheduler lock, then perform it unlocked.
//
// Selection priority:
//
//  1. the current phase's reduction, once it is the phase's only
//     unfinished task
//  2. the best externally-ready task under the discipline
//  3. the oldest internally-ready task, initiated, or consumed on the
//     spot when it needs no messages this timestep
//  4. a task near the head of a device stage queue that can advance,
//     latest stage first
//  5. polling receives, done by the worker after releasing the lock
//
// Thread Safety:
//
//	Execute must not be called concurrently.
type UnifiedScheduler struct {
	c       *core
	pool    *ThreadPool
	backend ExecutionBackend
	mpi     *MPIScheduler

	schedMu sync.Mutex
}

// NewUnified creates a unified scheduler for g on c and starts its
// workers.
func NewUnified(g *detailed.Graph, c comm.Communicator, cfg Config) (*UnifiedScheduler, error) {
	sc, err := newCore(g, c, cfg)
	if err != nil {
		return nil, err
	}
	s := &UnifiedScheduler{
		c:    sc,
		pool: NewThreadPool(cfg.Workers, cfg.PinWorkers, sc.logger),
		mpi:  &MPIScheduler{c: sc},
	}
	if cfg.UseDevice {
		s.backend = newHeterogeneous(sc, cfg.Devices, cfg.StreamsPerDevice)
	} else {
		s.backend = newCpuOnly(sc)
	}
	sc.logger.Info("unified scheduler started",
		"workers", s.pool.Size(),
		"backend", s.backend.Name(),
		"discipline", g.Discipline().String(),
	)
	return s, nil
}

// Graph implements Scheduler.
func (s *UnifiedScheduler) Graph() *detailed.Graph { return s.c.graph }

// Stats implements Scheduler.
func (s *UnifiedScheduler) Stats() Stats { return s.c.stats.snapshot() }

// Workers returns the pool's workers.
func (s *UnifiedScheduler) Workers() []*Worker { return s.pool.Workers() }

// Close stops the workers and releases devices.
func (s *UnifiedScheduler) Close() error {
	s.pool.Close()
	s.backend.Close()
	return nil
}

// Execute runs the timestep.
//
// Description:
//
//	Copy-data timesteps are delegated to the MPI scheduler. Otherwise
//	every worker runs the scan-and-act loop until all local tasks are
//	done or one of them hits a fatal error, after which the device
//	results are flushed to the host and outstanding sends drained.
//
// Outputs:
//
//	error - The first fatal error, tagged with this rank.
func (s *UnifiedScheduler) Execute(ctx context.Context, ts Timestep) error {
	if ts.CopyData {
		return s.mpi.Execute(ctx, ts)
	}
	c := s.c
	ctx, span := tracer.Start(ctx, "scheduler.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler", "unified"),
		attribute.String("backend", s.backend.Name()),
		attribute.Int("timestep", ts.Index),
		attribute.Int("rank", c.comm.Rank()),
		attribute.Int("workers", s.pool.Size()),
		attribute.String("run_id", c.runID),
	)

	if err := c.begin(ts); err != nil {
		return fault.WithRank(err, c.comm.Rank())
	}
	if err := s.backend.BeginTimestep(ts); err != nil {
		return fault.WithRank(err, c.comm.Rank())
	}

	start := time.Now()
	if err := s.pool.Run(ctx, s.runWorker); err != nil {
		c.fail(fault.New(fault.Internal, "", "", err))
	}
	if !c.aborted.Load() {
		if err := s.backend.FlushToHost(ctx); err != nil {
			c.fail(err)
		}
	}
	if err := c.finish(ctx); err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	c.report(ctx, "unified", time.Since(start))
	return nil
}

func (s *UnifiedScheduler) runWorker(ctx context.Context, w *Worker) {
	c := s.c
	for !c.aborted.Load() {
		if err := ctx.Err(); err != nil {
			c.fail(fault.New(fault.Communication, "", "", err))
			return
		}
		a, err := s.selectAction(ctx)
		if err != nil {
			c.fail(err)
			return
		}

		switch a.kind {
		case actNone:
			// Receives are polled outside the selection lock so message
			// decoding does not serialize selection.
			n, err := c.pollRecvs()
			if err != nil {
				c.fail(err)
				return
			}
			if n > 0 {
				continue
			}
			if c.graph.Finished() {
				return
			}
			w.idles.Add(1)
			waitStart := time.Now()
			if err := c.idle(); err != nil {
				c.fail(err)
				return
			}
			runtime.Gosched()
			c.stats.add(statWait, time.Since(waitStart))
			continue
		case actReduction:
			err = c.runReduction(ctx, a.task)
		case actInitiate:
			err = c.initiate(ctx, a.task)
		case actRun:
			err = s.backend.Run(ctx, a.task)
		case actStage:
			if c.metrics != nil {
				c.metrics.StageTransitions.Add(ctx, 1,
					metric.WithAttributes(attribute.String("stage", a.stage.String())))
			}
			err = s.backend.Step(ctx, a.stage, a.task)
		}
		if err != nil {
			c.fail(err)
			return
		}
		w.runs.Add(1)
	}
}

// stageScanLimit bounds how far into a device stage queue selection
// looks for a task whose stream has finished.
const stageScanLimit = 8

// selectAction picks the next action under the scheduler lock. It never
// polls receives; actNone tells the caller to poll.
func (s *UnifiedScheduler) selectAction(ctx context.Context) (action, error) {
	s.schedMu.Lock()
	defer s.schedMu.Unlock()
	c := s.c
	g := c.graph

	for {
		if t, ok := g.TakePhaseReduction(); ok {
			return action{kind: actReduction, task: t}, nil
		}

		if t, ok := g.PopExternal(); ok {
			if c.metrics != nil {
				_, external := g.QueueLengths()
				c.metrics.QueueLength.Record(ctx, int64(external+1),
					metric.WithAttributes(attribute.String("queue", "external")))
			}
			return action{kind: actRun, task: t}, nil
		}

		if t, ok := g.PopInternal(); ok {
			if t.Template.Type == taskgraph.Reduction {
				g.SetPhaseSync(t)
				continue
			}
			if len(g.ActiveInBatches(t)) == 0 {
				if err := g.MarkInitiated(t); err != nil {
					return action{}, err
				}
				continue
			}
			return action{kind: actInitiate, task: t}, nil
		}

		for _, st := range detailed.StagesLatestFirst {
			t, ok := g.TakeStage(st, stageScanLimit, func(t *detailed.Task) bool {
				return s.backend.StageReady(st, t)
			})
			if ok {
				return action{kind: actStage, task: t, stage: st}, nil
			}
		}
		return action{kind: actNone}, nil
	}
}
