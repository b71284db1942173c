// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/scheduler"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse/archive"
)

// DriverConfig configures one rank's timestep loop.
type DriverConfig struct {
	// Timesteps is the number of timesteps Run executes.
	Timesteps int
	// Reductions are read from each finalized warehouse into StepResult.
	Reductions []vars.VarLabel
	// Archive, when set, receives a checkpoint every CheckpointInterval
	// timesteps. Zero interval disables checkpoints.
	Archive            *archive.Archive
	CheckpointInterval int
	// Progress, when set, is updated after every timestep.
	Progress *Progress
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// StepResult summarizes one executed timestep on one rank.
type StepResult struct {
	Timestep   int                `json:"timestep"`
	Reductions map[string]float64 `json:"reductions"`
	Elapsed    time.Duration      `json:"elapsed_ns"`
	Stats      scheduler.Stats    `json:"stats"`
	Checkpoint string             `json:"checkpoint,omitempty"`
}

// Driver owns the two warehouses of one rank and swaps them between
// timesteps.
//
// Thread Safety:
//
//	Not safe for concurrent use.
type Driver struct {
	rank   int
	grid   *grid.Grid
	sched  scheduler.Scheduler
	cfg    DriverConfig
	logger *slog.Logger

	old  *warehouse.DataWarehouse
	cur  *warehouse.DataWarehouse
	next int
}

// NewDriver creates the driver of rank. The first timestep reads an
// empty, finalized old warehouse.
func NewDriver(rank int, g *grid.Grid, s scheduler.Scheduler, cfg DriverConfig) *Driver {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	old := warehouse.New(g, 0)
	old.Finalize()
	return &Driver{
		rank:   rank,
		grid:   g,
		sched:  s,
		cfg:    cfg,
		logger: logger.With("component", "driver", "rank", rank),
		old:    old,
	}
}

// Warehouse returns the most recently finalized warehouse, or nil
// before the first timestep.
func (d *Driver) Warehouse() *warehouse.DataWarehouse {
	return d.cur
}

// Run executes the configured number of timesteps, stopping at the
// first error.
func (d *Driver) Run(ctx context.Context) ([]StepResult, error) {
	results := make([]StepResult, 0, d.cfg.Timesteps)
	for i := 0; i < d.cfg.Timesteps; i++ {
		res, err := d.Step(ctx)
		if err != nil {
			if d.cfg.Progress != nil {
				d.cfg.Progress.fail(d.rank, d.next, err)
			}
			return results, err
		}
		results = append(results, res)
	}
	if d.cfg.Progress != nil {
		d.cfg.Progress.finish(d.rank)
	}
	return results, nil
}

// Step executes the next timestep.
//
// Description:
//
//	A fresh new warehouse receives the timestep's computes. After a
//	successful execute it is finalized, optionally checkpointed, and
//	becomes the old warehouse of the following timestep.
//
// Outputs:
//
//	StepResult - Reductions, timing and checkpoint id.
//	error - The scheduler's fault, or a reduction or archive failure.
func (d *Driver) Step(ctx context.Context) (StepResult, error) {
	index := d.next
	if d.cur != nil {
		d.old = d.cur
	}
	nw := warehouse.New(d.grid, d.old.Generation()+1)

	start := time.Now()
	err := d.sched.Execute(ctx, scheduler.Timestep{
		Index: index,
		First: index == 0,
		OldDW: d.old,
		NewDW: nw,
	})
	if err != nil {
		return StepResult{Timestep: index}, err
	}
	nw.Finalize()
	d.cur = nw
	d.next++

	res := StepResult{
		Timestep:   index,
		Reductions: make(map[string]float64, len(d.cfg.Reductions)),
		Elapsed:    time.Since(start),
		Stats:      d.sched.Stats(),
	}
	for _, label := range d.cfg.Reductions {
		v, err := nw.GetReduction(label)
		if err != nil {
			return res, fault.WithRank(err, d.rank)
		}
		res.Reductions[label.Name] = v
	}

	if d.cfg.Archive != nil && d.cfg.CheckpointInterval > 0 && (index+1)%d.cfg.CheckpointInterval == 0 {
		m, err := d.cfg.Archive.Save(ctx, d.rank, index, nw.Snapshot())
		if err != nil {
			return res, fault.WithRank(fault.New(fault.Internal, "", "", fmt.Errorf("checkpoint: %w", err)), d.rank)
		}
		res.Checkpoint = m.ID
	}

	if d.cfg.Progress != nil {
		d.cfg.Progress.record(d.rank, res)
	}
	d.logger.Debug("timestep finalized",
		"timestep", index,
		"elapsed", res.Elapsed,
		"reductions", res.Reductions,
		"checkpoint", res.Checkpoint,
	)
	return res, nil
}
