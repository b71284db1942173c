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
	"fmt"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/comm/local"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
)

// pairGrid is an 8x4 domain split into patch 0 (x<4) and patch 1 (x>=4).
// With two ranks each rank owns one patch.
func pairGrid(t *testing.T) *grid.Grid {
	t.Helper()
	g, err := grid.NewUniformGrid(grid.IntVector{8, 4, 1}, grid.IntVector{2, 1, 1})
	require.NoError(t, err)
	return g
}

var shift = grid.IntVector{4, 0, 0}

// splitDiamond builds A -> {B, C} -> D with A and B on patch 0, C and D
// on patch 1, so C and D read everything they need from the other patch.
func splitDiamond(t *testing.T) *taskgraph.Graph {
	t.Helper()
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "A",
		OnPatches: []int{0},
		Computes:  []taskgraph.Dependency{{Label: labelU, DW: taskgraph.NewDW}},
		Run: func(_ context.Context, rc *taskgraph.RunContext) error {
			return eachPatch(rc, func(p *grid.Patch, m int) error {
				u, err := rc.Allocate(labelU, p.ID, m)
				if err != nil {
					return err
				}
				vars.ForEach(p.Box, func(c grid.IntVector) {
					u.Set(c, float64(c[0])+10*float64(c[1])+0.25)
				})
				return nil
			})
		},
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "B",
		OnPatches: []int{0},
		Requires:  []taskgraph.Dependency{{Label: labelU, DW: taskgraph.NewDW}},
		Computes:  []taskgraph.Dependency{{Label: labelV, DW: taskgraph.NewDW}},
		Run: func(_ context.Context, rc *taskgraph.RunContext) error {
			return eachPatch(rc, func(p *grid.Patch, m int) error {
				u, err := rc.Get(taskgraph.NewDW, labelU, p.ID, m, 0)
				if err != nil {
					return err
				}
				v, err := rc.Allocate(labelV, p.ID, m)
				if err != nil {
					return err
				}
				vars.ForEach(p.Box, func(c grid.IntVector) {
					v.Set(c, 3*u.At(c)+1)
				})
				return nil
			})
		},
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "C",
		OnPatches: []int{1},
		Requires:  []taskgraph.Dependency{{Label: labelU, DW: taskgraph.NewDW, FromPatches: []int{0}}},
		Computes:  []taskgraph.Dependency{{Label: labelW, DW: taskgraph.NewDW}},
		Run: func(_ context.Context, rc *taskgraph.RunContext) error {
			return eachPatch(rc, func(p *grid.Patch, m int) error {
				u, err := rc.Get(taskgraph.NewDW, labelU, 0, m, 0)
				if err != nil {
					return err
				}
				w, err := rc.Allocate(labelW, p.ID, m)
				if err != nil {
					return err
				}
				vars.ForEach(p.Box, func(c grid.IntVector) {
					w.Set(c, u.At(c.Sub(shift))/7)
				})
				return nil
			})
		},
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "D",
		OnPatches: []int{1},
		Requires: []taskgraph.Dependency{
			{Label: labelV, DW: taskgraph.NewDW, FromPatches: []int{0}},
			{Label: labelW, DW: taskgraph.NewDW},
		},
		Computes: []taskgraph.Dependency{{Label: labelOut, DW: taskgraph.NewDW}},
		Run: func(_ context.Context, rc *taskgraph.RunContext) error {
			return eachPatch(rc, func(p *grid.Patch, m int) error {
				v, err := rc.Get(taskgraph.NewDW, labelV, 0, m, 0)
				if err != nil {
					return err
				}
				w, err := rc.Get(taskgraph.NewDW, labelW, p.ID, m, 0)
				if err != nil {
					return err
				}
				out, err := rc.Allocate(labelOut, p.ID, m)
				if err != nil {
					return err
				}
				vars.ForEach(p.Box, func(c grid.IntVector) {
					out.Set(c, v.At(c.Sub(shift))*w.At(c)-0.1)
				})
				return nil
			})
		},
	}))
	require.NoError(t, tg.Compile())
	return tg
}

func TestExecute_SplitDiamondAcrossRanks(t *testing.T) {
	serial := newRunOn(t, splitDiamond(t), pairGrid(t), 1, Config{})
	serial.mustStep(t, 0, true)
	want, err := serial.news[0].GetModifiable(labelOut, 1, 0)
	require.NoError(t, err)

	for _, workers := range []int{0, 2} {
		t.Run(fmt.Sprintf("workers=%d", workers), func(t *testing.T) {
			r := newRunOn(t, splitDiamond(t), pairGrid(t), 2, Config{Workers: workers})
			require.Equal(t, 0, r.lbs[0].PatchRank(0))
			require.Equal(t, 1, r.lbs[0].PatchRank(1))

			r.mustStep(t, 0, true)

			d := r.scheds[1].Graph()
			for _, task := range d.LocalTasks() {
				if task.Template.Name == "D" {
					assert.Len(t, d.ActiveInBatches(task), 1, "D reads v from rank 0")
				}
			}

			got, err := r.news[1].GetModifiable(labelOut, 1, 0)
			require.NoError(t, err)
			assert.Equal(t, want.Box, got.Box)
			require.Len(t, got.Data, len(want.Data))
			for i := range want.Data {
				assert.Equal(t, math.Float64bits(want.Data[i]), math.Float64bits(got.Data[i]), "cell %d", i)
			}

			assert.Equal(t, 2, r.scheds[0].Stats().Messages, "A and B each ship one batch")
			assert.Zero(t, r.scheds[1].Stats().Messages)
			assert.False(t, r.news[0].Exists(labelOut, 1, 0), "rank 0 never runs D")
			for _, name := range []string{"A", "B", "C", "D"} {
				assert.Equal(t, 1, r.runCount(name), "task %s", name)
			}
		})
	}
}

func TestUnified_SelectionIsIdempotent(t *testing.T) {
	tg := splitDiamond(t)
	g := pairGrid(t)
	lb, err := grid.NewBlockBalancer(g, 2)
	require.NoError(t, err)
	dg, err := detailed.Compile(tg, g, lb, 1)
	require.NoError(t, err)

	// Rank 0 never runs, so rank 1 stalls waiting for its messages.
	us, err := NewUnified(dg, local.NewWorld(2)[1], Config{Workers: 1, LoadBalancer: lb})
	require.NoError(t, err)
	t.Cleanup(func() { _ = us.Close() })

	old := warehouse.New(g, 0)
	old.Finalize()
	c := us.c
	require.NoError(t, c.begin(Timestep{First: true, OldDW: old, NewDW: warehouse.New(g, 1)}))

	ctx := context.Background()
	for steps := 0; ; steps++ {
		require.Less(t, steps, 100, "selection never went idle")
		a, err := us.selectAction(ctx)
		require.NoError(t, err)
		if a.kind == actNone {
			n, err := c.pollRecvs()
			require.NoError(t, err)
			require.Zero(t, n)
			break
		}
		switch a.kind {
		case actInitiate:
			require.NoError(t, c.initiate(ctx, a.task))
		case actRun:
			require.NoError(t, us.backend.Run(ctx, a.task))
		default:
			t.Fatalf("unexpected action %d on %s", a.kind, a.task.Name())
		}
	}

	internal, external := dg.QueueLengths()
	done := dg.NumDone()
	pending := c.recvs.Len()
	states := make([]detailed.State, 0, dg.NumLocal())
	for _, task := range dg.LocalTasks() {
		states = append(states, dg.State(task))
	}
	assert.Contains(t, states, detailed.AwaitingExternal)

	for i := 0; i < 3; i++ {
		a, err := us.selectAction(ctx)
		require.NoError(t, err)
		assert.Equal(t, actNone, a.kind, "repeat %d", i)

		gotInternal, gotExternal := dg.QueueLengths()
		assert.Equal(t, internal, gotInternal)
		assert.Equal(t, external, gotExternal)
		assert.Equal(t, done, dg.NumDone())
		assert.Equal(t, pending, c.recvs.Len())
		for j, task := range dg.LocalTasks() {
			assert.Equal(t, states[j], dg.State(task), "task %s", task.Name())
		}
	}
}

func TestUnified_ReductionLastAcrossInterleavings(t *testing.T) {
	energy := vars.ReductionLabel("energy", vars.Sum)
	const seeds = 50

	for seed := uint64(1); seed <= seeds; seed++ {
		var early, ran atomic.Int64
		tg := taskgraph.New()
		for _, name := range []string{"a", "b", "c"} {
			require.NoError(t, tg.AddTask(&taskgraph.Task{
				Name: name,
				Computes: []taskgraph.Dependency{
					{Label: vars.CellLabel(name + "_field"), DW: taskgraph.NewDW},
					{Label: energy, DW: taskgraph.NewDW},
				},
				Run: func(_ context.Context, rc *taskgraph.RunContext) error {
					time.Sleep(rand.N(200 * time.Microsecond))
					return eachPatch(rc, func(p *grid.Patch, m int) error {
						if _, err := rc.Allocate(vars.CellLabel(name+"_field"), p.ID, m); err != nil {
							return err
						}
						if _, err := rc.Reduced(taskgraph.NewDW, energy); err == nil {
							early.Add(1)
						}
						ran.Add(1)
						// The contribution is the body's last action, so a
						// complete total proves the reduction started after it.
						return rc.Reduce(energy, p.ID, 1)
					})
				},
			}))
		}
		require.NoError(t, tg.Compile())
		require.Equal(t, 1, tg.NumPhases())

		r := newRun(t, tg, 1, Config{Workers: 4, Discipline: detailed.Random, Seed: seed})
		r.mustStep(t, 0, true)

		total, err := r.news[0].GetReduction(energy)
		require.NoError(t, err)
		require.Equal(t, 12.0, total, "seed %d: reduction missed a contribution", seed)
		require.Zero(t, early.Load(), "seed %d: reduction finished before a phase task", seed)
		require.Equal(t, int64(12), ran.Load())
	}
}

func TestCompile_UnresolvedRequireRunsNothing(t *testing.T) {
	var ran atomic.Int64
	body := func(context.Context, *taskgraph.RunContext) error {
		ran.Add(1)
		return nil
	}
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "A",
		Computes: []taskgraph.Dependency{{Label: labelU, DW: taskgraph.NewDW}},
		Run:      body,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "B",
		Requires: []taskgraph.Dependency{{Label: labelU, DW: taskgraph.NewDW}, {Label: labelV, DW: taskgraph.NewDW}},
		Computes: []taskgraph.Dependency{{Label: labelOut, DW: taskgraph.NewDW}},
		Run:      body,
	}))

	err := tg.Compile()
	require.ErrorIs(t, err, taskgraph.ErrUnresolvedRequire)
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, fault.Configuration, fe.Kind)
	assert.Equal(t, "B", fe.Task)
	assert.Equal(t, labelV.Name, fe.Variable)

	g := pairGrid(t)
	lb, lerr := grid.NewBlockBalancer(g, 1)
	require.NoError(t, lerr)
	_, err = detailed.Compile(tg, g, lb, 0)
	assert.ErrorIs(t, err, taskgraph.ErrNotCompiled, "an uncompiled graph cannot be expanded")
	assert.Zero(t, ran.Load(), "no task body runs")
	assert.Zero(t, lb.RunCount("A"))
}
