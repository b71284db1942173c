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
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/telemetry"
)

// MPIScheduler executes a timestep on the calling goroutine alone.
//
// Thread Safety:
//
//	Execute must not be called concurrently.
type MPIScheduler struct {
	c *core
}

// NewMPI creates a single-goroutine scheduler for g on c.
func NewMPI(g *detailed.Graph, c comm.Communicator, cfg Config) (*MPIScheduler, error) {
	sc, err := newCore(g, c, cfg)
	if err != nil {
		return nil, err
	}
	return &MPIScheduler{c: sc}, nil
}

// Graph implements Scheduler.
func (s *MPIScheduler) Graph() *detailed.Graph { return s.c.graph }

// Stats implements Scheduler.
func (s *MPIScheduler) Stats() Stats { return s.c.stats.snapshot() }

// Close implements Scheduler.
func (s *MPIScheduler) Close() error { return nil }

// Execute runs the timestep.
//
// Description:
//
//	Each pass does the first of: run the phase's reduction when it is
//	the only unfinished task of the phase; initiate the next
//	internally-ready task; run the next externally-ready task; poll
//	receives. Reduction tasks never post receives.
//
// Outputs:
//
//	error - The first fatal error, tagged with this rank.
func (s *MPIScheduler) Execute(ctx context.Context, ts Timestep) error {
	c := s.c
	ctx, span := tracer.Start(ctx, "scheduler.Execute")
	defer span.End()
	span.SetAttributes(
		attribute.String("scheduler", "mpi"),
		attribute.Int("timestep", ts.Index),
		attribute.Int("rank", c.comm.Rank()),
		attribute.String("run_id", c.runID),
	)

	if err := c.begin(ts); err != nil {
		return fault.WithRank(err, c.comm.Rank())
	}
	start := time.Now()
	s.loop(ctx)
	err := c.finish(ctx)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	c.report(ctx, "mpi", time.Since(start))
	return nil
}

func (s *MPIScheduler) loop(ctx context.Context) {
	c := s.c
	g := c.graph
	for !g.Finished() && !c.aborted.Load() {
		if err := ctx.Err(); err != nil {
			c.fail(fault.New(fault.Communication, "", "", err))
			return
		}
		if t, ok := g.TakePhaseReduction(); ok {
			if err := c.runReduction(ctx, t); err != nil {
				c.fail(err)
			}
			continue
		}
		if t, ok := g.PopInternal(); ok {
			if t.Template.Type == taskgraph.Reduction {
				g.SetPhaseSync(t)
				continue
			}
			if err := c.initiate(ctx, t); err != nil {
				c.fail(err)
			}
			continue
		}
		if t, ok := g.PopExternal(); ok {
			if err := c.runCPU(ctx, t); err != nil {
				c.fail(err)
			}
			continue
		}

		n, err := c.pollRecvs()
		if err != nil {
			c.fail(err)
			return
		}
		if n == 0 {
			waitStart := time.Now()
			if err := c.idle(); err != nil {
				c.fail(err)
				return
			}
			runtime.Gosched()
			c.stats.add(statWait, time.Since(waitStart))
		}
	}
}
