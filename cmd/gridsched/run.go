// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/gridsched/pkg/logging"
	"github.com/AleutianAI/gridsched/pkg/ux"
	"github.com/AleutianAI/gridsched/services/gridsched/comm/wsnet"
	"github.com/AleutianAI/gridsched/services/gridsched/config"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/simulation"
	"github.com/AleutianAI/gridsched/services/gridsched/status"
	"github.com/AleutianAI/gridsched/services/gridsched/telemetry"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse/archive"
)

// runProblem wires logging, telemetry, the status server and the
// archive around one run and prints the per-timestep results of the
// lowest rank this process ran.
func runProblem(ctx context.Context, w io.Writer, cfg config.Config, jsonOut bool) error {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return fault.New(fault.Configuration, "", "", err)
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "gridsched",
		Format:  logging.Format(cfg.Logging.Format),
		Quiet:   cfg.Logging.Quiet,
	})
	defer logger.Close()

	tcfg := cfg.Telemetry
	if tcfg.ServiceVersion == "" {
		tcfg.ServiceVersion = status.ServiceVersion
	}
	shutdownTelemetry, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return fault.New(fault.Configuration, "", "", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	setup, err := simulation.NewSetup(cfg)
	if err != nil {
		return fault.New(fault.Configuration, "", "", err)
	}

	runID := uuid.NewString()
	progress := simulation.NewProgress(runID, cfg.World.Ranks, cfg.Problem.Timesteps)
	logger.Info("run starting",
		"run_id", runID,
		"transport", cfg.World.Transport,
		"ranks", cfg.World.Ranks,
		"patches", cfg.NumPatches(),
		"workers", cfg.Scheduler.Workers,
		"discipline", cfg.Discipline().String(),
		"timesteps", cfg.Problem.Timesteps,
	)

	if cfg.Status.Enabled {
		srv := status.New(progress, telemetry.MetricsHandler(), logger.Slog())
		if _, err := srv.Start(cfg.Status.Addr); err != nil {
			return fault.New(fault.Configuration, "", "", err)
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	opts := simulation.RankOptions{Progress: progress}
	if cfg.Checkpoint.Enabled {
		acfg := archive.DefaultConfig(cfg.Checkpoint.Path)
		if cfg.Checkpoint.InMemory {
			acfg = archive.InMemoryConfig()
		}
		acfg.Logger = logger.Slog()
		arc, err := archive.Open(acfg)
		if err != nil {
			return err
		}
		defer arc.Close()
		opts.Archive = arc
	}

	start := time.Now()
	var results []simulation.RankResult
	switch cfg.World.Transport {
	case "websocket":
		opts.Logger = logger.ForRank(cfg.World.Rank, runID)
		var res simulation.RankResult
		res, err = runNetworkedRank(ctx, setup, cfg, opts)
		results = []simulation.RankResult{res}
	default:
		opts.Logger = logger.Slog().With(slog.String("run_id", runID))
		results, err = setup.RunWorld(ctx, opts)
	}
	elapsed := time.Since(start)

	p := ux.NewPrinter(w)
	if err != nil {
		logger.Error("run failed", "run_id", runID, "kind", fault.KindOf(err).String(), "error", err)
		return err
	}
	logger.Info("run complete", "run_id", runID, "elapsed", elapsed)

	steps := results[0].Steps
	if jsonOut {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(struct {
			RunID string                  `json:"run_id"`
			Rank  int                     `json:"rank"`
			Steps []simulation.StepResult `json:"steps"`
		}{runID, results[0].Rank, steps})
	}
	printSteps(p, setup, steps)
	p.Success(fmt.Sprintf("%d timesteps on %d ranks in %s", len(steps), cfg.World.Ranks, elapsed.Round(time.Millisecond)))
	return nil
}

func runNetworkedRank(ctx context.Context, setup *simulation.Setup, cfg config.Config, opts simulation.RankOptions) (simulation.RankResult, error) {
	c, err := wsnet.Connect(ctx, wsnet.Config{
		Rank:        cfg.World.Rank,
		Addrs:       cfg.World.Addrs,
		DialTimeout: cfg.World.DialTimeout,
		Logger:      opts.Logger,
	})
	if err != nil {
		return simulation.RankResult{Rank: cfg.World.Rank}, err
	}
	res, err := setup.RunRank(ctx, c, opts)
	if cerr := c.Close(); err == nil && cerr != nil {
		err = fault.New(fault.Communication, "", "", cerr)
	}
	return res, err
}

func printSteps(p *ux.Printer, setup *simulation.Setup, steps []simulation.StepResult) {
	names := make([]string, 0, len(setup.Heat.Reductions()))
	for _, l := range setup.Heat.Reductions() {
		names = append(names, l.Name)
	}
	sort.Strings(names)

	headers := append([]string{"STEP"}, names...)
	headers = append(headers, "TASKS", "MESSAGES", "ELAPSED")
	rows := make([][]string, 0, len(steps))
	for _, s := range steps {
		row := []string{strconv.Itoa(s.Timestep)}
		for _, n := range names {
			row = append(row, strconv.FormatFloat(s.Reductions[n], 'g', 8, 64))
		}
		row = append(row,
			strconv.Itoa(s.Stats.Tasks),
			strconv.Itoa(s.Stats.Messages),
			s.Elapsed.Round(time.Microsecond).String(),
		)
		rows = append(rows, row)
	}
	p.Table(headers, rows)
}

// writeGraph compiles rank's detailed task graph and writes it as JSON
// or Graphviz DOT.
func writeGraph(w io.Writer, cfg config.Config, gf graphFlags) error {
	if gf.rank < 0 || gf.rank >= cfg.World.Ranks {
		return fault.New(fault.Configuration, "", "",
			fmt.Errorf("rank %d outside world of %d ranks", gf.rank, cfg.World.Ranks))
	}
	setup, err := simulation.NewSetup(cfg)
	if err != nil {
		return fault.New(fault.Configuration, "", "", err)
	}
	dg, _, err := setup.Compile(cfg.World.Ranks, gf.rank)
	if err != nil {
		return err
	}

	if gf.output != "" {
		f, err := os.Create(gf.output)
		if err != nil {
			return err
		}
		defer f.Close()
		w = f
	}
	switch gf.format {
	case "json":
		return dg.WriteJSON(w)
	case "dot":
		return dg.WriteDOT(w)
	default:
		return fault.New(fault.Configuration, "", "", fmt.Errorf("unknown graph format %q (json or dot)", gf.format))
	}
}
