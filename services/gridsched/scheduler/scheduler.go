// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package scheduler executes a detailed task graph one timestep at a
// time on one rank.
//
// Two schedulers share one execution core. MPIScheduler is a single
// goroutine loop. UnifiedScheduler runs the same scan-and-act loop on a
// pool of workers plus the calling goroutine and drives an optional
// device pipeline through an ExecutionBackend.
//
// Both poll: receives are tested without blocking from the loop itself,
// so a worker that finds nothing to run spins with runtime.Gosched.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/telemetry"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
)

var (
	tracer = otel.Tracer("gridsched.scheduler")
	meter  = otel.Meter("gridsched.scheduler")
)

var (
	// ErrNilWarehouse is returned when a timestep lacks a warehouse.
	ErrNilWarehouse = errors.New("timestep needs an old and a new warehouse")

	// ErrNilDependency is returned when a scheduler is built without a
	// graph, communicator or load balancer.
	ErrNilDependency = errors.New("scheduler dependency is nil")

	// ErrRankMismatch is returned when the graph and communicator
	// disagree about the rank.
	ErrRankMismatch = errors.New("graph and communicator ranks differ")
)

// Timestep is one execution request.
type Timestep struct {
	// Index is the timestep number, passed to task bodies.
	Index int
	// First selects FirstIteration dependencies.
	First bool
	// OldDW is the finalized warehouse of the previous timestep.
	OldDW *warehouse.DataWarehouse
	// NewDW receives this timestep's computes.
	NewDW *warehouse.DataWarehouse
	// CopyData marks a data-migration timestep. The unified scheduler
	// hands these to its MPI scheduler.
	CopyData bool
}

// Scheduler executes one rank's share of a timestep.
type Scheduler interface {
	// Execute runs every local task of the graph exactly once. The
	// first fatal error aborts the timestep and is returned tagged with
	// the rank.
	Execute(ctx context.Context, ts Timestep) error
	// Graph returns the detailed graph being executed.
	Graph() *detailed.Graph
	// Stats returns the timing of the last Execute.
	Stats() Stats
	// Close releases workers and devices.
	Close() error
}

// Config is the runtime configuration of a scheduler. It is read once
// at construction.
type Config struct {
	// Workers is the number of pool goroutines besides the caller. Zero
	// selects the MPI scheduler in New.
	Workers int
	// Discipline orders the externally-ready queue.
	Discipline detailed.Discipline
	// Seed drives the random disciplines.
	Seed uint64
	// UseDevice enables the device pipeline.
	UseDevice bool
	// Devices is the number of simulated devices. Default 1.
	Devices int
	// StreamsPerDevice pre-creates streams. Default 4.
	StreamsPerDevice int
	// PinWorkers binds pool goroutines to CPUs where supported.
	PinWorkers bool
	// LoadBalancer maps patches to ranks and receives task timings.
	LoadBalancer grid.LoadBalancer
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// New returns the scheduler cfg asks for: the MPI scheduler for a
// CPU-only run without workers, the unified scheduler otherwise.
func New(g *detailed.Graph, c comm.Communicator, cfg Config) (Scheduler, error) {
	if cfg.Workers == 0 && !cfg.UseDevice {
		return NewMPI(g, c, cfg)
	}
	return NewUnified(g, c, cfg)
}

// core is the execution state shared by both schedulers: the graph, the
// communication layer and the first fatal error of the timestep.
type core struct {
	graph  *detailed.Graph
	comm   comm.Communicator
	coll   *comm.Collective
	lb     grid.LoadBalancer
	logger *slog.Logger
	runID  string

	// Reset by begin.
	ts    Timestep
	recvs *comm.RequestSet
	sends *comm.RequestSet
	stats timing

	errMu   sync.Mutex
	err     error
	aborted atomic.Bool

	progress rate.Sometimes

	metricsOnce sync.Once
	metrics     *telemetry.Metrics
}

func newCore(g *detailed.Graph, c comm.Communicator, cfg Config) (*core, error) {
	if g == nil || c == nil || cfg.LoadBalancer == nil {
		return nil, fault.New(fault.Configuration, "", "", ErrNilDependency)
	}
	if g.Rank() != c.Rank() || g.NumRanks() != c.Size() {
		return nil, fault.New(fault.Configuration, "", "",
			fmt.Errorf("%w: graph %d/%d, communicator %d/%d", ErrRankMismatch, g.Rank(), g.NumRanks(), c.Rank(), c.Size()))
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	g.SetDiscipline(cfg.Discipline, cfg.Seed)

	runID := uuid.NewString()
	return &core{
		graph:    g,
		comm:     c,
		coll:     comm.NewCollective(c),
		lb:       cfg.LoadBalancer,
		logger:   logger.With("component", "scheduler", "rank", c.Rank(), "run_id", runID),
		runID:    runID,
		recvs:    &comm.RequestSet{},
		sends:    &comm.RequestSet{},
		progress: rate.Sometimes{Interval: 2 * time.Second},
	}, nil
}

// initMetrics lazily creates the instruments. Failure leaves metrics nil
// and execution continues.
func (c *core) initMetrics() {
	c.metricsOnce.Do(func() {
		m, err := telemetry.NewMetrics(meter)
		if err != nil {
			c.logger.Error("failed to initialize scheduler metrics (observability degraded)",
				slog.String("error", err.Error()))
			return
		}
		c.metrics = m
	})
}

func (c *core) begin(ts Timestep) error {
	if ts.OldDW == nil || ts.NewDW == nil {
		return fault.New(fault.Configuration, "", "", ErrNilWarehouse)
	}
	c.initMetrics()
	c.ts = ts
	c.recvs = &comm.RequestSet{}
	c.sends = &comm.RequestSet{}
	c.stats.reset()
	c.errMu.Lock()
	c.err = nil
	c.errMu.Unlock()
	c.aborted.Store(false)
	c.graph.InitTimestep(ts.First)
	return nil
}

// finish drains outstanding sends and returns the timestep's outcome.
func (c *core) finish(ctx context.Context) error {
	if !c.aborted.Load() {
		start := time.Now()
		if err := c.sends.WaitAll(ctx); err != nil {
			c.fail(err)
		}
		c.stats.add(statWait, time.Since(start))
	}
	if err := c.graph.Err(); err != nil {
		c.fail(err)
	}
	if err := c.firstErr(); err != nil {
		return err
	}
	if !c.graph.Finished() {
		return fault.New(fault.Internal, "", "",
			fmt.Errorf("timestep %d ended with %d of %d local tasks done", c.ts.Index, c.graph.NumDone(), c.graph.NumLocal()))
	}
	return nil
}

// fail records err as the timestep's fatal error if it is the first.
func (c *core) fail(err error) {
	if err == nil {
		return
	}
	err = fault.WithRank(err, c.comm.Rank())
	c.errMu.Lock()
	first := c.err == nil
	if first {
		c.err = err
	}
	c.errMu.Unlock()
	c.aborted.Store(true)
	if first {
		c.logger.Error("timestep aborted", "timestep", c.ts.Index, "error", err)
		if c.metrics != nil {
			c.metrics.Failures.Add(context.Background(), 1,
				metric.WithAttributes(attribute.String("kind", fault.KindOf(err).String())))
		}
	}
}

func (c *core) firstErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

func (c *core) dw(which taskgraph.WhichDW) *warehouse.DataWarehouse {
	if which == taskgraph.OldDW {
		return c.ts.OldDW
	}
	return c.ts.NewDW
}

func (c *core) ownsPatch(patch int) bool {
	return c.lb.PatchRank(patch) == c.comm.Rank()
}

func (c *core) runContext(t *detailed.Task, ev taskgraph.Event) *taskgraph.RunContext {
	return &taskgraph.RunContext{
		Task:     t.Template,
		Patches:  t.Patches,
		Matls:    t.Matls,
		OldDW:    c.ts.OldDW,
		NewDW:    c.ts.NewDW,
		Event:    ev,
		Rank:     c.comm.Rank(),
		Timestep: c.ts.Index,
	}
}

// taskError attaches the task name to err, keeping its fault kind.
// Errors without a kind are internal.
func taskError(t *detailed.Task, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		if fe.Task != "" {
			return err
		}
		cp := *fe
		cp.Task = t.Name()
		return &cp
	}
	return fault.New(fault.Internal, t.Name(), "", err)
}

// initiate posts the receives t is the first to need and moves it past
// Initiated.
func (c *core) initiate(ctx context.Context, t *detailed.Task) error {
	batches := c.graph.ActiveInBatches(t)
	if len(batches) > 0 {
		if err := c.ts.NewDW.ExchangeParticleQuantities(ctx, t.PatchIDs()); err != nil {
			return taskError(t, err)
		}
	}
	for _, b := range batches {
		if !c.graph.ClaimReceive(b) {
			continue
		}
		if err := c.postRecv(ctx, b); err != nil {
			return taskError(t, err)
		}
	}
	return c.graph.MarkInitiated(t)
}

// runCPU runs t's body on the host and completes it.
func (c *core) runCPU(ctx context.Context, t *detailed.Task) error {
	ctx, span := tracer.Start(ctx, "scheduler.Task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task", t.Name()),
		attribute.Int("rank", t.Rank),
		attribute.String("event", taskgraph.CPU.String()),
	)

	start := time.Now()
	if t.Template.Type == taskgraph.Normal && t.Template.Run != nil {
		if err := t.Template.Run(ctx, c.runContext(t, taskgraph.CPU)); err != nil {
			telemetry.RecordError(span, err)
			return taskError(t, err)
		}
	}
	elapsed := time.Since(start)
	c.recordTask(ctx, t, taskgraph.CPU, elapsed)
	return c.complete(ctx, t, elapsed)
}

// complete reports t's cost, ships its outgoing batches and releases its
// dependents.
func (c *core) complete(ctx context.Context, t *detailed.Task, elapsed time.Duration) error {
	if t.Template.Type == taskgraph.Normal {
		c.lb.AddContribution(t.Template.Name, t.PatchIDs(), elapsed)
	}
	if err := c.postSends(ctx, t); err != nil {
		return taskError(t, err)
	}
	return c.graph.Done(t)
}

// runReduction combines this rank's partials and all-reduces them
// across ranks. Every rank runs its instance in the same phase order.
func (c *core) runReduction(ctx context.Context, t *detailed.Task) error {
	ctx, span := tracer.Start(ctx, "scheduler.Reduction")
	defer span.End()
	span.SetAttributes(attribute.String("task", t.Name()), attribute.Int("rank", t.Rank))

	start := time.Now()
	for _, d := range t.Template.Computes {
		label := d.Label
		local := c.ts.NewDW.ReductionPartial(label)
		value, err := c.coll.Allreduce(ctx, local, label.Op.Combine)
		if err != nil {
			telemetry.RecordError(span, err)
			return fault.New(fault.Communication, t.Name(), label.Name, err)
		}
		c.ts.NewDW.SetReduction(label, value)
		if c.metrics != nil {
			c.metrics.Reductions.Add(ctx, 1, metric.WithAttributes(attribute.String("variable", label.Name)))
		}
	}
	c.stats.add(statReduce, time.Since(start))
	c.stats.tasks.Add(1)
	return c.graph.Done(t)
}

func (c *core) recordTask(ctx context.Context, t *detailed.Task, ev taskgraph.Event, elapsed time.Duration) {
	c.stats.add(statTask, elapsed)
	c.stats.tasks.Add(1)
	if c.metrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("task", t.Template.Name),
		attribute.String("event", ev.String()),
	)
	c.metrics.TasksExecuted.Add(ctx, 1, attrs)
	c.metrics.TaskDuration.Record(ctx, elapsed.Seconds(), attrs)
}

// report logs and exports the timing of the finished timestep.
func (c *core) report(ctx context.Context, kind string, elapsed time.Duration) {
	st := c.stats.snapshot()
	log := telemetry.LoggerWithTrace(ctx, c.logger)
	log.Info("timestep executed",
		slog.Int("timestep", c.ts.Index),
		slog.String("scheduler", kind),
		slog.Int("tasks", st.Tasks),
		slog.Int("messages", st.Messages),
		slog.Int64("bytes", st.Bytes),
		slog.Duration("send", st.Send),
		slog.Duration("recv", st.Recv),
		slog.Duration("test", st.Test),
		slog.Duration("wait", st.Wait),
		slog.Duration("task", st.Task),
		slog.Duration("reduce", st.Reduce),
		slog.Duration("elapsed", elapsed),
	)
	if c.metrics == nil {
		return
	}
	c.metrics.ExecuteDuration.Record(ctx, elapsed.Seconds(),
		metric.WithAttributes(attribute.String("scheduler", kind)))
	for cat, d := range st.byCategory() {
		c.metrics.PhaseTime.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("category", cat)))
	}
}

// idle is called when a loop finds nothing to do.
func (c *core) idle() error {
	if _, err := c.sends.TestSome(); err != nil {
		return err
	}
	c.progress.Do(func() {
		internal, external := c.graph.QueueLengths()
		c.logger.Debug("waiting for messages",
			"timestep", c.ts.Index,
			"done", c.graph.NumDone(),
			"local", c.graph.NumLocal(),
			"internal_ready", internal,
			"external_ready", external,
			"pending_recvs", c.recvs.Len(),
		)
	})
	return nil
}
