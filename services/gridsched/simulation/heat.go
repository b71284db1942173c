// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package simulation drives timesteps of a problem through a scheduler.
//
// Heat is the bundled problem: explicit heat diffusion from a point
// source on a uniform grid, with a smoothed output field, a global energy
// and peak reduction per timestep, and each patch's share of the energy.
// Driver runs one rank's timestep loop; RunWorld runs every rank of an
// in-process world.
package simulation

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// Variables computed by the heat problem.
var (
	Temperature = vars.CellLabel("temperature")
	Smoothed    = vars.CellLabel("smoothed")
	PatchEnergy = vars.PerPatchLabel("patch_energy")
	Share       = vars.PerPatchLabel("energy_share")
	Energy      = vars.ReductionLabel("energy", vars.Sum)
	Peak        = vars.ReductionLabel("peak", vars.Max)
)

// neighbors are the six face neighbors of a cell.
var neighbors = []grid.IntVector{
	{-1, 0, 0}, {1, 0, 0},
	{0, -1, 0}, {0, 1, 0},
	{0, 0, -1}, {0, 0, 1},
}

// HeatConfig parameterizes the heat problem.
type HeatConfig struct {
	// Alpha is the diffusion number. Values above 1/6 are unstable and
	// eventually fail with a convergence fault.
	Alpha float64
	// Initial is the starting temperature everywhere but the source.
	Initial float64
	// Source is the starting temperature of the domain's center cell.
	Source float64
	// Device runs the stencil tasks through the device pipeline when the
	// scheduler has one.
	Device bool
}

// Heat is the heat-diffusion problem.
type Heat struct {
	cfg    HeatConfig
	center grid.IntVector
}

// NewHeat creates the problem for grid g.
func NewHeat(cfg HeatConfig, g *grid.Grid) *Heat {
	domain := g.Levels[0].Domain
	var center grid.IntVector
	for i := 0; i < 3; i++ {
		center[i] = (domain.Low[i] + domain.High[i]) / 2
	}
	return &Heat{cfg: cfg, center: center}
}

// Reductions returns the reduction variables reported per timestep.
func (h *Heat) Reductions() []vars.VarLabel {
	return []vars.VarLabel{Energy, Peak}
}

// Graph declares and compiles the problem's tasks.
//
// Description:
//
//	advance      temperature from the previous timestep's temperature
//	             with one ghost layer; initializes on the first timestep
//	smooth       box-filters the new temperature with one ghost layer
//	energy       per-patch energy and peak, contributing to the
//	             energy (sum) and peak (max) reductions
//	share        each patch's fraction of the global energy
//
// Outputs:
//
//	*taskgraph.Graph - Compiled graph, shared read-only by every rank.
//	error - A configuration fault from compilation.
func (h *Heat) Graph() (*taskgraph.Graph, error) {
	tg := taskgraph.New()
	tasks := []*taskgraph.Task{
		{
			Name: "advance",
			Requires: []taskgraph.Dependency{{
				Label: Temperature, DW: taskgraph.OldDW, Ghost: 1,
				Condition: taskgraph.SubsequentIterations,
			}},
			Computes:   []taskgraph.Dependency{{Label: Temperature, DW: taskgraph.NewDW}},
			UsesDevice: h.cfg.Device,
			Run:        h.advance,
		},
		{
			Name:       "smooth",
			Requires:   []taskgraph.Dependency{{Label: Temperature, DW: taskgraph.NewDW, Ghost: 1}},
			Computes:   []taskgraph.Dependency{{Label: Smoothed, DW: taskgraph.NewDW}},
			UsesDevice: h.cfg.Device,
			Run:        smooth,
		},
		{
			Name:     "energy",
			Requires: []taskgraph.Dependency{{Label: Temperature, DW: taskgraph.NewDW}},
			Computes: []taskgraph.Dependency{
				{Label: PatchEnergy, DW: taskgraph.NewDW},
				{Label: Energy, DW: taskgraph.NewDW},
				{Label: Peak, DW: taskgraph.NewDW},
			},
			Run: energy,
		},
		{
			Name: "share",
			Requires: []taskgraph.Dependency{
				{Label: PatchEnergy, DW: taskgraph.NewDW},
				{Label: Energy, DW: taskgraph.NewDW},
			},
			Computes: []taskgraph.Dependency{{Label: Share, DW: taskgraph.NewDW}},
			Run:      share,
		},
	}
	for _, t := range tasks {
		if err := tg.AddTask(t); err != nil {
			return nil, err
		}
	}
	if err := tg.Compile(); err != nil {
		return nil, err
	}
	return tg, nil
}

func forEachPatch(rc *taskgraph.RunContext, fn func(p *grid.Patch, matl int) error) error {
	for _, p := range rc.Patches {
		for _, m := range rc.Matls {
			if err := fn(p, m); err != nil {
				return err
			}
		}
	}
	return nil
}

func inside(b grid.Box, c grid.IntVector) bool {
	for i := 0; i < 3; i++ {
		if c[i] < b.Low[i] || c[i] >= b.High[i] {
			return false
		}
	}
	return true
}

func (h *Heat) advance(_ context.Context, rc *taskgraph.RunContext) error {
	return forEachPatch(rc, func(p *grid.Patch, m int) error {
		next, err := rc.Allocate(Temperature, p.ID, m)
		if err != nil {
			return err
		}
		if rc.Timestep == 0 {
			vars.ForEach(p.Box, func(c grid.IntVector) {
				next.Set(c, h.cfg.Initial)
			})
			if inside(p.Box, h.center) {
				next.Set(h.center, h.cfg.Source)
			}
			return nil
		}

		prev, err := rc.Get(taskgraph.OldDW, Temperature, p.ID, m, 1)
		if err != nil {
			return err
		}
		// Cells outside prev.Box lie outside the domain: insulated walls.
		vars.ForEach(p.Box, func(c grid.IntVector) {
			t := prev.At(c)
			lap := 0.0
			for _, d := range neighbors {
				if n := c.Add(d); inside(prev.Box, n) {
					lap += prev.At(n) - t
				}
			}
			next.Set(c, t+h.cfg.Alpha*lap)
		})
		return nil
	})
}

func smooth(_ context.Context, rc *taskgraph.RunContext) error {
	return forEachPatch(rc, func(p *grid.Patch, m int) error {
		t, err := rc.Get(taskgraph.NewDW, Temperature, p.ID, m, 1)
		if err != nil {
			return err
		}
		out, err := rc.Allocate(Smoothed, p.ID, m)
		if err != nil {
			return err
		}
		vars.ForEach(p.Box, func(c grid.IntVector) {
			sum, n := t.At(c), 1.0
			for _, d := range neighbors {
				if c2 := c.Add(d); inside(t.Box, c2) {
					sum += t.At(c2)
					n++
				}
			}
			out.Set(c, sum/n)
		})
		return nil
	})
}

func energy(_ context.Context, rc *taskgraph.RunContext) error {
	return forEachPatch(rc, func(p *grid.Patch, m int) error {
		t, err := rc.Get(taskgraph.NewDW, Temperature, p.ID, m, 0)
		if err != nil {
			return err
		}
		sum, peak := 0.0, math.Inf(-1)
		var bad *grid.IntVector
		vars.ForEach(p.Box, func(c grid.IntVector) {
			v := t.At(c)
			if bad == nil && (math.IsNaN(v) || math.IsInf(v, 0)) {
				cc := c
				bad = &cc
			}
			sum += v
			peak = math.Max(peak, v)
		})
		if bad != nil {
			return fault.New(fault.Convergence, "", Temperature.Name,
				fmt.Errorf("non-finite temperature at %v on timestep %d", *bad, rc.Timestep))
		}
		if err := rc.NewDW.PutPerPatch(PatchEnergy, p.ID, m, sum); err != nil {
			return err
		}
		if err := rc.Reduce(Energy, p.ID, sum); err != nil {
			return err
		}
		return rc.Reduce(Peak, p.ID, peak)
	})
}

func share(_ context.Context, rc *taskgraph.RunContext) error {
	total, err := rc.Reduced(taskgraph.NewDW, Energy)
	if err != nil {
		return err
	}
	return forEachPatch(rc, func(p *grid.Patch, m int) error {
		e, err := rc.NewDW.GetPerPatch(PatchEnergy, p.ID, m)
		if err != nil {
			return err
		}
		frac := 0.0
		if total != 0 {
			frac = e / total
		}
		return rc.NewDW.PutPerPatch(Share, p.ID, m, frac)
	})
}
