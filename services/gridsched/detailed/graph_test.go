// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detailed

import (
	"bytes"
	"context"
	"errors"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

func noop(context.Context, *taskgraph.RunContext) error { return nil }

// twoPatches returns an 8x4 grid split into two patches along x.
func twoPatches(t *testing.T, ranks int) (*grid.Grid, grid.LoadBalancer) {
	t.Helper()
	g, err := grid.NewUniformGrid(grid.IntVector{8, 4, 1}, grid.IntVector{2, 1, 1})
	require.NoError(t, err)
	lb, err := grid.NewBlockBalancer(g, ranks)
	require.NoError(t, err)
	return g, lb
}

// ghostGraph is init -> smooth, smooth reading T with one ghost layer.
func ghostGraph(t *testing.T, cond taskgraph.Condition) *taskgraph.Graph {
	t.Helper()
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "init",
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "smooth",
		Requires: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW, Ghost: 1, Condition: cond}},
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("U"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.Compile())
	return tg
}

// drain runs the selection loop of a single-threaded executor without
// bodies or messages and returns the task names in completion order.
func drain(t *testing.T, g *Graph) []string {
	t.Helper()
	var order []string
	for steps := 0; !g.Finished(); steps++ {
		require.Less(t, steps, 10000, "selection loop did not terminate")
		if task, ok := g.TakePhaseReduction(); ok {
			require.NoError(t, g.Done(task))
			order = append(order, task.Name())
			continue
		}
		if task, ok := g.PopExternal(); ok {
			require.NoError(t, g.Done(task))
			order = append(order, task.Name())
			continue
		}
		if task, ok := g.PopInternal(); ok {
			if task.Template.Type == taskgraph.Reduction {
				g.SetPhaseSync(task)
				continue
			}
			for _, b := range g.ActiveInBatches(task) {
				g.ClaimReceive(b)
			}
			require.NoError(t, g.MarkInitiated(task))
			continue
		}
		t.Fatalf("no selectable task with %d of %d done", g.NumDone(), g.NumLocal())
	}
	return order
}

func TestCompile_GhostExchange(t *testing.T) {
	g, lb := twoPatches(t, 2)
	tg := ghostGraph(t, taskgraph.Always)

	dg, err := Compile(tg, g, lb, 0)
	require.NoError(t, err)

	require.Len(t, dg.Tasks(), 4)
	assert.Equal(t, "init (Patches: 0) (Matls: 0)", dg.Task(0).Name())
	assert.Equal(t, "smooth (Patches: 1) (Matls: 0)", dg.Task(3).Name())
	assert.Equal(t, 2, dg.NumLocal())
	assert.Len(t, dg.InternalDeps(), 2)

	require.Len(t, dg.Batches(), 2)
	b := dg.Batch(0)
	assert.Equal(t, 1, b.From)
	assert.Equal(t, 1, b.FromRank)
	assert.Equal(t, 0, b.ToRank)
	assert.Equal(t, []int{2}, b.ToTasks)
	require.Len(t, b.Deps, 1)

	d := dg.Deps()[b.Deps[0]]
	assert.Equal(t, "T", d.Label.Name)
	assert.Equal(t, 1, d.FromPatch)
	assert.Equal(t, 0, d.ToPatch)
	assert.Equal(t, grid.Box{Low: grid.IntVector{4, 0, 0}, High: grid.IntVector{5, 4, 1}}, d.Region)
	assert.Equal(t, 1, dg.Task(1).NumMessages())
}

func TestCompile_TagsAgreeAcrossRanks(t *testing.T) {
	g, lb := twoPatches(t, 2)
	tg := ghostGraph(t, taskgraph.Always)

	r0, err := Compile(tg, g, lb, 0)
	require.NoError(t, err)
	r1, err := Compile(tg, g, lb, 1)
	require.NoError(t, err)

	require.Equal(t, len(r0.Batches()), len(r1.Batches()))
	for i, b := range r0.Batches() {
		o := r1.Batch(i)
		assert.Equal(t, b.Tag, o.Tag)
		assert.Equal(t, b.From, o.From)
		assert.Equal(t, b.ToRank, o.ToRank)
	}
}

func TestCompile_SingleRankHasNoBatches(t *testing.T) {
	g, lb := twoPatches(t, 1)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)

	assert.Empty(t, dg.Batches())
	// smooth on patch 0 depends on init on both patches.
	assert.Len(t, dg.InternalDeps(), 4)
	assert.Equal(t, 4, dg.NumLocal())
}

func TestCompile_Errors(t *testing.T) {
	g, lb := twoPatches(t, 2)

	_, err := Compile(taskgraph.New(), g, lb, 0)
	assert.ErrorIs(t, err, taskgraph.ErrNotCompiled)

	_, err = Compile(ghostGraph(t, taskgraph.Always), g, lb, 5)
	assert.ErrorIs(t, err, ErrBadRank)
	assert.Equal(t, fault.Configuration, fault.KindOf(err))

	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "lonely",
		OnPatches: []int{7},
		Computes:  []taskgraph.Dependency{{Label: vars.CellLabel("x"), DW: taskgraph.NewDW}},
		Run:       noop,
	}))
	require.NoError(t, tg.Compile())
	_, err = Compile(tg, g, lb, 0)
	assert.ErrorIs(t, err, grid.ErrUnknownPatch)
}

func TestCompile_ProducerMissingOnPatch(t *testing.T) {
	g, lb := twoPatches(t, 1)
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:      "left",
		OnPatches: []int{0},
		Computes:  []taskgraph.Dependency{{Label: vars.CellLabel("x"), DW: taskgraph.NewDW}},
		Run:       noop,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "reader",
		Requires: []taskgraph.Dependency{{Label: vars.CellLabel("x"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.Compile())

	_, err := Compile(tg, g, lb, 0)
	require.ErrorIs(t, err, taskgraph.ErrUnresolvedRequire)
	var fe *fault.Error
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, "reader", fe.Task)
	assert.Equal(t, "x", fe.Variable)
}

func TestCompile_OldDataRoutesThroughSendTask(t *testing.T) {
	g, lb := twoPatches(t, 2)
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "step",
		Requires: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.OldDW, Ghost: 1}},
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.Compile())

	dg, err := Compile(tg, g, lb, 0)
	require.NoError(t, err)
	require.Len(t, dg.Tasks(), 4)
	assert.Equal(t, taskgraph.SendOldDataName, dg.Task(1).Name())
	assert.Equal(t, 1, dg.Task(1).Rank)

	require.Len(t, dg.Batches(), 2)
	b := dg.Batch(0)
	assert.Equal(t, 1, b.From)
	assert.Equal(t, 0, b.ToRank)
	d := dg.Deps()[b.Deps[0]]
	assert.Equal(t, taskgraph.OldDW, d.DW)
	assert.Equal(t, grid.Box{Low: grid.IntVector{4, 0, 0}, High: grid.IntVector{5, 4, 1}}, d.Region)
	assert.Empty(t, dg.InternalDeps())
}

func TestTimestep_ExternalDependencyFlow(t *testing.T) {
	g, lb := twoPatches(t, 2)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)
	dg.InitTimestep(true)

	task, ok := dg.PopInternal()
	require.True(t, ok)
	assert.Equal(t, "init (Patches: 0) (Matls: 0)", task.Name())
	_, ok = dg.PopInternal()
	assert.False(t, ok, "smooth waits for init")

	require.NoError(t, dg.MarkInitiated(task))
	assert.Equal(t, ExternallyReady, dg.State(task))
	run, ok := dg.PopExternal()
	require.True(t, ok)
	require.NoError(t, dg.Done(run))

	smooth, ok := dg.PopInternal()
	require.True(t, ok)
	in := dg.ActiveInBatches(smooth)
	require.Len(t, in, 1)
	assert.True(t, dg.ClaimReceive(in[0]))
	assert.False(t, dg.ClaimReceive(in[0]), "receive is posted once")

	require.NoError(t, dg.MarkInitiated(smooth))
	assert.Equal(t, AwaitingExternal, dg.State(smooth))
	_, ok = dg.PopExternal()
	assert.False(t, ok)

	require.NoError(t, dg.BatchReceived(in[0]))
	require.NoError(t, dg.BatchReceived(in[0]))
	assert.Equal(t, ExternallyReady, dg.State(smooth))
	run, ok = dg.PopExternal()
	require.True(t, ok)
	require.NoError(t, dg.Done(run))
	assert.True(t, dg.Finished())
	assert.NoError(t, dg.Err())
}

func TestTimestep_ReceiveBeforeInitiate(t *testing.T) {
	g, lb := twoPatches(t, 2)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)
	dg.InitTimestep(true)

	smooth := dg.Task(2)
	require.NoError(t, dg.BatchReceived(dg.ActiveInBatches(smooth)[0]))

	order := drain(t, dg)
	assert.Equal(t, []string{"init (Patches: 0) (Matls: 0)", "smooth (Patches: 0) (Matls: 0)"}, order)
}

func TestTimestep_IllegalTransition(t *testing.T) {
	g, lb := twoPatches(t, 1)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)
	dg.InitTimestep(true)

	err = dg.Done(dg.Task(0))
	require.Error(t, err)
	assert.Equal(t, fault.Internal, fault.KindOf(err))
	assert.Error(t, dg.Err())

	dg.InitTimestep(false)
	assert.NoError(t, dg.Err(), "errors reset per timestep")
}

func TestTimestep_ConditionalDependencies(t *testing.T) {
	g, lb := twoPatches(t, 2)
	dg, err := Compile(ghostGraph(t, taskgraph.FirstIteration), g, lb, 0)
	require.NoError(t, err)

	dg.InitTimestep(true)
	internal, _ := dg.QueueLengths()
	assert.Equal(t, 1, internal)
	assert.Len(t, dg.ActiveInBatches(dg.Task(2)), 1)

	dg.InitTimestep(false)
	internal, _ = dg.QueueLengths()
	assert.Equal(t, 2, internal, "smooth has no active dependency after the first step")
	assert.Empty(t, dg.ActiveInBatches(dg.Task(2)))
	assert.Empty(t, dg.ActiveOutBatches(dg.Task(0)))
	assert.Equal(t, 2, dg.Generation())
}

func TestTimestep_ReductionRunsLastInPhase(t *testing.T) {
	energy := vars.ReductionLabel("energy", vars.Sum)
	tg := taskgraph.New()
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "a",
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "sum",
		Requires: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW}},
		Computes: []taskgraph.Dependency{{Label: energy, DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "other",
		Requires: []taskgraph.Dependency{{Label: vars.CellLabel("T"), DW: taskgraph.NewDW}},
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("V"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.AddTask(&taskgraph.Task{
		Name:     "post",
		Requires: []taskgraph.Dependency{{Label: energy, DW: taskgraph.NewDW}},
		Computes: []taskgraph.Dependency{{Label: vars.CellLabel("U"), DW: taskgraph.NewDW}},
		Run:      noop,
	}))
	require.NoError(t, tg.Compile())

	g, lb := twoPatches(t, 1)
	dg, err := Compile(tg, g, lb, 0)
	require.NoError(t, err)
	require.Equal(t, 2, dg.NumPhases())

	for _, d := range []Discipline{FCFS, Stack, Random, MostMessages, PatchOrderRandom} {
		dg.SetDiscipline(d, 42)
		dg.InitTimestep(true)
		order := drain(t, dg)
		require.Len(t, order, dg.NumLocal())

		red := slices.Index(order, taskgraph.ReductionPrefix+"energy")
		require.GreaterOrEqual(t, red, 0)
		for i, name := range order {
			task := findTask(dg, name)
			if task.Phase == 0 && i > red {
				t.Errorf("%s: phase 0 task %s ran after the reduction", d, name)
			}
			if task.Phase == 1 && i < red {
				t.Errorf("%s: phase 1 task %s ran before the reduction", d, name)
			}
		}
	}
}

func findTask(g *Graph, name string) *Task {
	for _, t := range g.Tasks() {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

func TestDiscipline_Ordering(t *testing.T) {
	tmpl := &taskgraph.Task{Name: "x"}
	g, _ := twoPatches(t, 1)
	p0, _ := g.Patch(0)
	p1, _ := g.Patch(1)
	tasks := []*Task{
		{Index: 0, Template: tmpl, Patches: []*grid.Patch{p1}, messages: 1, seq: 0},
		{Index: 1, Template: tmpl, Patches: []*grid.Patch{p0}, messages: 3, seq: 1},
		{Index: 2, Template: tmpl, Patches: []*grid.Patch{p1}, messages: 2, seq: 2},
	}

	popAll := func(d Discipline) []int {
		h := &readyHeap{d: d}
		for _, task := range tasks {
			h.push(task)
		}
		var out []int
		for {
			task, ok := h.pop()
			if !ok {
				return out
			}
			out = append(out, task.Index)
		}
	}

	assert.Equal(t, []int{0, 1, 2}, popAll(FCFS))
	assert.Equal(t, []int{2, 1, 0}, popAll(Stack))
	assert.Equal(t, []int{1, 2, 0}, popAll(MostMessages))
	assert.Equal(t, []int{0, 2, 1}, popAll(LeastMessages))
	assert.Equal(t, []int{1, 0, 2}, popAll(PatchOrder))
}

func TestParseDiscipline(t *testing.T) {
	d, err := ParseDiscipline("mostchildren")
	require.NoError(t, err)
	assert.Equal(t, MostChildren, d)
	assert.Equal(t, "PatchOrderRandom", PatchOrderRandom.String())
	assert.Len(t, Disciplines(), 13)

	_, err = ParseDiscipline("bogus")
	assert.ErrorIs(t, err, ErrUnknownDiscipline)
}

func TestStages_FIFO(t *testing.T) {
	g, lb := twoPatches(t, 1)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)
	dg.InitTimestep(true)

	dg.PushStage(StageDeviceReady, dg.Task(1))
	dg.PushStage(StageDeviceReady, dg.Task(0))
	head, ok := dg.PeekStage(StageDeviceReady)
	require.True(t, ok)
	assert.Equal(t, 1, head.Index)
	assert.Equal(t, 2, dg.StageLen(StageDeviceReady))

	got, _ := dg.PopStage(StageDeviceReady)
	assert.Equal(t, 1, got.Index)
	got, _ = dg.PopStage(StageDeviceReady)
	assert.Equal(t, 0, got.Index)
	_, ok = dg.PopStage(StageDeviceReady)
	assert.False(t, ok)
	assert.Equal(t, StageCompletion, StagesLatestFirst[0])
}

func TestStages_TakeSkipsBusyHead(t *testing.T) {
	g, lb := twoPatches(t, 1)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)
	dg.InitTimestep(true)

	dg.PushStage(StageCompletion, dg.Task(0))
	dg.PushStage(StageCompletion, dg.Task(1))
	busy := func(t *Task) bool { return t.Index != 0 }

	got, ok := dg.TakeStage(StageCompletion, 4, busy)
	require.True(t, ok)
	assert.Equal(t, 1, got.Index, "a ready task behind a busy head advances")
	assert.Equal(t, 1, dg.StageLen(StageCompletion))

	_, ok = dg.TakeStage(StageCompletion, 4, busy)
	assert.False(t, ok)
	_, ok = dg.TakeStage(StageCompletion, 0, func(*Task) bool { return true })
	assert.False(t, ok, "limit bounds the scan")

	got, ok = dg.TakeStage(StageCompletion, 1, func(*Task) bool { return true })
	require.True(t, ok)
	assert.Equal(t, 0, got.Index)
	assert.Zero(t, dg.StageLen(StageCompletion))
}

func TestEdges_Emission(t *testing.T) {
	g, lb := twoPatches(t, 2)
	dg, err := Compile(ghostGraph(t, taskgraph.Always), g, lb, 0)
	require.NoError(t, err)

	edges := dg.Edges()
	require.Len(t, edges, 4)
	assert.False(t, edges[0].External)
	ext := edges[2]
	assert.True(t, ext.External)
	assert.Equal(t, []string{"T"}, ext.Vars)
	assert.Equal(t, "init (Patches: 1) (Matls: 0)", ext.From)

	var dot bytes.Buffer
	require.NoError(t, dg.WriteDOT(&dot))
	assert.Contains(t, dot.String(), "digraph detailed")
	assert.Contains(t, dot.String(), "style=dashed")
	assert.Contains(t, dot.String(), "cluster_rank1")

	var js bytes.Buffer
	require.NoError(t, dg.WriteJSON(&js))
	assert.Contains(t, js.String(), `"external": true`)
}
