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
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/comm/local"
	"github.com/AleutianAI/gridsched/services/gridsched/config"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/scheduler"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse/archive"
)

// Setup is everything ranks of one run share: the grid and the compiled
// task graph.
type Setup struct {
	Config config.Config
	Grid   *grid.Grid
	Heat   *Heat
	Graph  *taskgraph.Graph
}

// NewSetup builds the grid and compiles the heat problem for cfg.
func NewSetup(cfg config.Config) (*Setup, error) {
	g, err := grid.NewUniformGrid(grid.IntVector(cfg.Grid.Resolution), grid.IntVector(cfg.Grid.Layout))
	if err != nil {
		return nil, err
	}
	heat := NewHeat(HeatConfig{
		Alpha:   cfg.Problem.Alpha,
		Initial: cfg.Problem.Initial,
		Source:  cfg.Problem.Source,
		Device:  cfg.Problem.DeviceTasks,
	}, g)
	tg, err := heat.Graph()
	if err != nil {
		return nil, err
	}
	return &Setup{Config: cfg, Grid: g, Heat: heat, Graph: tg}, nil
}

// RankOptions are the optional collaborators of a rank.
type RankOptions struct {
	Archive  *archive.Archive
	Progress *Progress
	Logger   *slog.Logger
}

// RankResult is one rank's outcome.
type RankResult struct {
	Rank      int
	Steps     []StepResult
	Warehouse *warehouse.DataWarehouse
}

// Compile returns the detailed graph of rank in a world of ranks.
func (s *Setup) Compile(ranks, rank int) (*detailed.Graph, *grid.BlockBalancer, error) {
	lb, err := grid.NewBlockBalancer(s.Grid, ranks)
	if err != nil {
		return nil, nil, err
	}
	dg, err := detailed.Compile(s.Graph, s.Grid, lb, rank)
	if err != nil {
		return nil, nil, err
	}
	return dg, lb, nil
}

// RunRank runs every timestep of the problem on c's rank.
func (s *Setup) RunRank(ctx context.Context, c comm.Communicator, opts RankOptions) (RankResult, error) {
	res := RankResult{Rank: c.Rank()}
	dg, lb, err := s.Compile(c.Size(), c.Rank())
	if err != nil {
		return res, err
	}

	sc := s.Config.Scheduler
	sched, err := scheduler.New(dg, c, scheduler.Config{
		Workers:          sc.Workers,
		Discipline:       s.Config.Discipline(),
		Seed:             sc.Seed,
		UseDevice:        sc.UseDevice,
		Devices:          sc.Devices,
		StreamsPerDevice: sc.StreamsPerDevice,
		PinWorkers:       sc.PinWorkers,
		LoadBalancer:     lb,
		Logger:           opts.Logger,
	})
	if err != nil {
		return res, err
	}
	defer sched.Close()

	d := NewDriver(c.Rank(), s.Grid, sched, DriverConfig{
		Timesteps:          s.Config.Problem.Timesteps,
		Reductions:         s.Heat.Reductions(),
		Archive:            opts.Archive,
		CheckpointInterval: s.Config.Checkpoint.Interval,
		Progress:           opts.Progress,
		Logger:             opts.Logger,
	})
	res.Steps, err = d.Run(ctx)
	res.Warehouse = d.Warehouse()
	return res, err
}

// RunWorld runs every rank of an in-process world concurrently. The
// first rank to fail cancels the others; its error is returned.
//
// Outputs:
//
//	[]RankResult - Per-rank results, indexed by rank, also on failure.
//	error - The first fatal error.
func (s *Setup) RunWorld(ctx context.Context, opts RankOptions) ([]RankResult, error) {
	world := local.NewWorld(s.Config.World.Ranks)
	out := make([]RankResult, len(world))

	g, gctx := errgroup.WithContext(ctx)
	for r, c := range world {
		g.Go(func() error {
			res, err := s.RunRank(gctx, c, opts)
			out[r] = res
			return err
		})
	}
	err := g.Wait()

	var closeErrs []error
	for _, c := range world {
		closeErrs = append(closeErrs, c.Close())
	}
	if err != nil {
		return out, err
	}
	return out, errors.Join(closeErrs...)
}
