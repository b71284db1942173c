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
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/config"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse/archive"
)

func testConfig(ranks, workers int) config.Config {
	cfg := config.Default()
	cfg.Grid.Resolution = [3]int{8, 8, 2}
	cfg.Grid.Layout = [3]int{2, 2, 1}
	cfg.World.Ranks = ranks
	cfg.Scheduler.Workers = workers
	cfg.Problem.Timesteps = 4
	cfg.Problem.Alpha = 0.1
	cfg.Problem.Initial = 0
	cfg.Problem.Source = 100
	return cfg
}

func runWorld(t *testing.T, cfg config.Config, opts RankOptions) (*Setup, []RankResult) {
	t.Helper()
	require.NoError(t, cfg.Validate())
	s, err := NewSetup(cfg)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	results, err := s.RunWorld(ctx, opts)
	require.NoError(t, err)
	require.Len(t, results, cfg.World.Ranks)
	return s, results
}

// field gathers label on every patch from its owning rank.
func field(t *testing.T, s *Setup, results []RankResult, label vars.VarLabel) map[int][]float64 {
	t.Helper()
	lb, err := grid.NewBlockBalancer(s.Grid, len(results))
	require.NoError(t, err)
	out := make(map[int][]float64)
	for _, p := range s.Grid.Patches() {
		dw := results[lb.PatchRank(p.ID)].Warehouse
		require.NotNil(t, dw)
		v, err := dw.GetModifiable(label, p.ID, 0)
		require.NoError(t, err)
		out[p.ID] = slices.Clone(v.Data)
	}
	return out
}

func TestHeat_ConservesEnergyAndSpreads(t *testing.T) {
	_, results := runWorld(t, testConfig(1, 0), RankOptions{})
	steps := results[0].Steps
	require.Len(t, steps, 4)

	prevPeak := steps[0].Reductions[Peak.Name]
	assert.Equal(t, 100.0, prevPeak)
	for _, st := range steps {
		assert.InDelta(t, 100.0, st.Reductions[Energy.Name], 1e-9, "timestep %d", st.Timestep)
	}
	for _, st := range steps[1:] {
		peak := st.Reductions[Peak.Name]
		assert.Less(t, peak, prevPeak, "timestep %d", st.Timestep)
		prevPeak = peak
	}

	dw := results[0].Warehouse
	sum := 0.0
	for p := 0; p < 4; p++ {
		share, err := dw.GetPerPatch(Share, p, 0)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, share, 0.0)
		sum += share
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestHeat_RankAndWorkerInvariance(t *testing.T) {
	ref, refResults := runWorld(t, testConfig(1, 0), RankOptions{})
	wantT := field(t, ref, refResults, Temperature)
	wantS := field(t, ref, refResults, Smoothed)

	for _, tc := range []struct {
		name           string
		ranks, workers int
	}{
		{"2 ranks mpi", 2, 0},
		{"4 ranks mpi", 4, 0},
		{"2 ranks unified", 2, 3},
		{"3 ranks unified", 3, 1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			s, results := runWorld(t, testConfig(tc.ranks, tc.workers), RankOptions{})
			assert.Equal(t, wantT, field(t, s, results, Temperature))
			assert.Equal(t, wantS, field(t, s, results, Smoothed))
			for _, r := range results {
				last := r.Steps[len(r.Steps)-1]
				assert.InDelta(t, 100.0, last.Reductions[Energy.Name], 1e-9, "rank %d", r.Rank)
			}
		})
	}
}

func TestHeat_DeviceTasksMatchHost(t *testing.T) {
	ref, refResults := runWorld(t, testConfig(1, 0), RankOptions{})
	want := field(t, ref, refResults, Temperature)

	cfg := testConfig(2, 2)
	cfg.Scheduler.UseDevice = true
	cfg.Problem.DeviceTasks = true
	s, results := runWorld(t, cfg, RankOptions{})
	assert.Equal(t, want, field(t, s, results, Temperature))
	assert.Equal(t, field(t, ref, refResults, Smoothed), field(t, s, results, Smoothed))
}

func TestHeat_DivergenceIsConvergenceFault(t *testing.T) {
	cfg := testConfig(2, 0)
	cfg.Problem.Alpha = 1e10
	cfg.Problem.Source = 1e300
	s, err := NewSetup(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	progress := NewProgress("diverge", 2, cfg.Problem.Timesteps)
	_, err = s.RunWorld(ctx, RankOptions{Progress: progress})
	require.Error(t, err)
	assert.Equal(t, fault.Convergence, fault.KindOf(err))
	assert.Equal(t, 3, fault.ExitCode(err))

	snap := progress.Snapshot()
	assert.True(t, snap.Failed())
	assert.False(t, snap.Finished())
}

func TestDriver_CheckpointsEveryInterval(t *testing.T) {
	a, err := archive.Open(archive.InMemoryConfig())
	require.NoError(t, err)
	defer a.Close()

	cfg := testConfig(2, 0)
	cfg.Checkpoint.Enabled = true
	cfg.Checkpoint.InMemory = true
	cfg.Checkpoint.Interval = 2
	progress := NewProgress("ckpt", 2, cfg.Problem.Timesteps)
	_, results := runWorld(t, cfg, RankOptions{Archive: a, Progress: progress})

	for _, r := range results {
		steps, err := a.Steps(context.Background(), r.Rank)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 3}, steps, "rank %d", r.Rank)
		assert.NotEmpty(t, r.Steps[1].Checkpoint)
		assert.Empty(t, r.Steps[0].Checkpoint)
	}

	m, pieces, err := a.Load(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, 3, m.Step)
	assert.Equal(t, len(pieces), m.Pieces)
	assert.NotEmpty(t, pieces)

	snap := progress.Snapshot()
	assert.True(t, snap.Finished())
	assert.False(t, snap.Failed())
	for _, rs := range snap.Ranks {
		assert.Equal(t, 3, rs.Timestep)
		assert.Positive(t, rs.Tasks)
	}
}
