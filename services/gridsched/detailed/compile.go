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
	"errors"
	"fmt"
	"slices"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

var (
	// ErrBadRank is returned when the local rank is outside the balancer.
	ErrBadRank = errors.New("rank outside load balancer range")

	// ErrUnownedPatch is returned when the load balancer places a patch
	// on no valid rank.
	ErrUnownedPatch = errors.New("patch has no owning rank")
)

type instanceKey struct {
	task string
	unit int
}

type depKey struct {
	batch    int
	label    string
	dw       taskgraph.WhichDW
	from, to int
	matl     int
	region   grid.Box
}

type source struct {
	patch  *grid.Patch
	region grid.Box
}

type compiler struct {
	out  *Graph
	tg   *taskgraph.Graph
	grid *grid.Grid
	lb   grid.LoadBalancer

	byPatch  map[instanceKey]int
	byRank   map[instanceKey]int
	internal map[[2]int]int
	batches  map[[2]int]int
	deps     map[depKey]int
}

// Compile expands a compiled task graph over the grid.
//
// Description:
//
//	Creates one Task per (template, patch) for normal templates and one
//	per (template, rank) for reduction and old-data send templates. Every
//	Requires is resolved to producer instances: same-rank producers
//	become InternalDeps, other ranks become Deps grouped into one Batch
//	per (producer, destination rank). The expansion covers all ranks so
//	batch tags are identical everywhere.
//
// Inputs:
//
//	tg   - A compiled task graph.
//	g    - The grid.
//	lb   - Patch ownership.
//	rank - The rank that will execute this graph.
//
// Outputs:
//
//	*Graph - The arena, ready for SetDiscipline and InitTimestep.
//	error  - A configuration fault. Nothing should run on error.
func Compile(tg *taskgraph.Graph, g *grid.Grid, lb grid.LoadBalancer, rank int) (*Graph, error) {
	if !tg.IsCompiled() {
		return nil, fault.New(fault.Configuration, "", "", taskgraph.ErrNotCompiled)
	}
	if rank < 0 || rank >= lb.NumRanks() {
		return nil, fault.New(fault.Configuration, "", "",
			fmt.Errorf("%w: %d of %d", ErrBadRank, rank, lb.NumRanks()))
	}

	c := &compiler{
		out: &Graph{
			rank:      rank,
			ranks:     lb.NumRanks(),
			numPhases: tg.NumPhases(),
			tg:        tg,
			grid:      g,
		},
		tg:       tg,
		grid:     g,
		lb:       lb,
		byPatch:  make(map[instanceKey]int),
		byRank:   make(map[instanceKey]int),
		internal: make(map[[2]int]int),
		batches:  make(map[[2]int]int),
		deps:     make(map[depKey]int),
	}
	if err := c.createTasks(); err != nil {
		return nil, err
	}
	if err := c.linkTasks(); err != nil {
		return nil, err
	}
	c.finish()
	return c.out, nil
}

func (c *compiler) createTasks() error {
	for _, tmpl := range c.tg.Tasks() {
		if tmpl.Type != taskgraph.Normal {
			for r := 0; r < c.lb.NumRanks(); r++ {
				c.byRank[instanceKey{tmpl.Name, r}] = c.newTask(tmpl, nil, r)
			}
			continue
		}
		for _, id := range tmpl.OnPatches {
			if _, err := c.grid.Patch(id); err != nil {
				return fault.New(fault.Configuration, tmpl.Name, "", err)
			}
		}
		for _, p := range c.grid.Patches() {
			if !taskgraph.RunsOn(tmpl, p.ID) {
				continue
			}
			owner := c.lb.PatchRank(p.ID)
			if owner < 0 || owner >= c.lb.NumRanks() {
				return fault.New(fault.Configuration, tmpl.Name, "",
					fmt.Errorf("%w: patch %d", ErrUnownedPatch, p.ID))
			}
			c.byPatch[instanceKey{tmpl.Name, p.ID}] = c.newTask(tmpl, []*grid.Patch{p}, owner)
		}
	}
	return nil
}

func (c *compiler) newTask(tmpl *taskgraph.Task, patches []*grid.Patch, rank int) int {
	idx := len(c.out.tasks)
	matls := tmpl.Materials()
	c.out.tasks = append(c.out.tasks, &Task{
		Index:       idx,
		Template:    tmpl,
		Patches:     patches,
		Matls:       matls,
		Rank:        rank,
		StaticOrder: idx,
		Phase:       tmpl.Phase(),
		name:        taskName(tmpl, patches, matls),
	})
	return idx
}

func (c *compiler) linkTasks() error {
	for _, t := range c.out.tasks {
		switch t.Template.Type {
		case taskgraph.Reduction:
			name := t.Template.Computes[0].Label.Name
			for _, p := range c.tg.PartialProducers(name) {
				for _, inst := range c.instancesOn(p, t.Rank) {
					c.addInternal(inst, t.Index, taskgraph.Always)
				}
			}
		case taskgraph.Normal:
			for _, d := range t.Template.Requires {
				if err := c.linkRequire(t, d); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *compiler) instancesOn(tmpl *taskgraph.Task, rank int) []int {
	var out []int
	for _, p := range c.grid.Patches() {
		if idx, ok := c.byPatch[instanceKey{tmpl.Name, p.ID}]; ok && c.out.tasks[idx].Rank == rank {
			out = append(out, idx)
		}
	}
	return out
}

func (c *compiler) linkRequire(t *Task, d taskgraph.Dependency) error {
	if d.Label.Kind == vars.Reduction {
		// Old reduction values are already local on every rank.
		if d.DW == taskgraph.NewDW {
			r := c.byRank[instanceKey{taskgraph.ReductionPrefix + d.Label.Name, t.Rank}]
			c.addInternal(r, t.Index, d.Condition)
		}
		return nil
	}

	p := t.Patches[0]
	sources, err := c.sources(t, p, d)
	if err != nil {
		return err
	}
	for _, src := range sources {
		owner := c.lb.PatchRank(src.patch.ID)
		if d.DW == taskgraph.OldDW {
			if owner == t.Rank {
				continue
			}
			prod := c.byRank[instanceKey{taskgraph.SendOldDataName, owner}]
			for _, m := range t.Matls {
				c.addExternal(prod, t, d, src.patch.ID, p.ID, m, src.region)
			}
			continue
		}

		prod, ok := c.producerOn(d.Label.Name, src.patch.ID)
		if !ok {
			return fault.New(fault.Configuration, t.Template.Name, d.Label.Name,
				fmt.Errorf("%w: not computed on patch %d", taskgraph.ErrUnresolvedRequire, src.patch.ID))
		}
		if prod == t.Index {
			continue
		}
		if c.out.tasks[prod].Rank == t.Rank {
			c.addInternal(prod, t.Index, d.Condition)
			continue
		}
		for _, m := range t.Matls {
			c.addExternal(prod, t, d, src.patch.ID, p.ID, m, src.region)
		}
	}
	return nil
}

// sources lists the patches and cell regions a requirement reads.
func (c *compiler) sources(t *Task, p *grid.Patch, d taskgraph.Dependency) ([]source, error) {
	if len(d.FromPatches) > 0 {
		out := make([]source, 0, len(d.FromPatches))
		for _, id := range d.FromPatches {
			q, err := c.grid.Patch(id)
			if err != nil {
				return nil, fault.New(fault.Configuration, t.Template.Name, d.Label.Name, err)
			}
			out = append(out, source{patch: q, region: q.Box})
		}
		return out, nil
	}

	out := []source{{patch: p, region: p.Box}}
	if d.Ghost == 0 || !d.Label.Kind.IsGrid() {
		return out, nil
	}
	for _, q := range c.grid.Neighbors(p, d.Ghost) {
		region := c.grid.GhostRegion(p, q, d.Ghost)
		if region.Empty() {
			continue
		}
		out = append(out, source{patch: q, region: region})
	}
	return out, nil
}

func (c *compiler) producerOn(label string, patch int) (int, bool) {
	for _, tmpl := range c.tg.Producers(label) {
		if taskgraph.RunsOn(tmpl, patch) {
			idx, ok := c.byPatch[instanceKey{tmpl.Name, patch}]
			return idx, ok
		}
	}
	return 0, false
}

func (c *compiler) addInternal(from, to int, cond taskgraph.Condition) {
	key := [2]int{from, to}
	if i, ok := c.internal[key]; ok {
		e := c.out.internal[i]
		e.Conditions = addCondition(e.Conditions, cond)
		return
	}
	i := len(c.out.internal)
	c.internal[key] = i
	c.out.internal = append(c.out.internal, &InternalDep{
		Prereq:       from,
		Dependent:    to,
		Conditions:   []taskgraph.Condition{cond},
		satisfiedGen: -1,
	})
	c.out.tasks[from].internalOut = append(c.out.tasks[from].internalOut, i)
	c.out.tasks[to].internalIn = append(c.out.tasks[to].internalIn, i)
}

func (c *compiler) addExternal(prod int, cons *Task, d taskgraph.Dependency, from, to, matl int, region grid.Box) {
	producer := c.out.tasks[prod]
	bkey := [2]int{prod, cons.Rank}
	bi, ok := c.batches[bkey]
	if !ok {
		bi = len(c.out.batches)
		c.batches[bkey] = bi
		c.out.batches = append(c.out.batches, &Batch{
			Index:    bi,
			Tag:      bi,
			From:     prod,
			FromRank: producer.Rank,
			ToRank:   cons.Rank,
		})
		producer.outBatches = append(producer.outBatches, bi)
	}
	b := c.out.batches[bi]
	if !slices.Contains(b.ToTasks, cons.Index) {
		b.ToTasks = append(b.ToTasks, cons.Index)
	}
	if !slices.Contains(cons.inBatches, bi) {
		cons.inBatches = append(cons.inBatches, bi)
	}

	dkey := depKey{batch: bi, label: d.Label.Name, dw: d.DW, from: from, to: to, matl: matl, region: region}
	di, ok := c.deps[dkey]
	if !ok {
		di = len(c.out.deps)
		c.deps[dkey] = di
		level := 0
		if q, err := c.grid.Patch(from); err == nil {
			level = q.Level
		}
		c.out.deps = append(c.out.deps, &Dep{
			Index:     di,
			Batch:     bi,
			Label:     d.Label,
			DW:        d.DW,
			FromPatch: from,
			ToPatch:   to,
			Matl:      matl,
			Level:     level,
			Region:    region,
			Producer:  prod,
		})
		b.Deps = append(b.Deps, di)
	}
	dep := c.out.deps[di]
	if !slices.Contains(dep.Consumers, cons.Index) {
		dep.Consumers = append(dep.Consumers, cons.Index)
	}
	dep.Conditions = addCondition(dep.Conditions, d.Condition)
}

func (c *compiler) finish() {
	g := c.out
	for _, t := range g.tasks {
		for _, bi := range t.outBatches {
			t.messages += len(g.batches[bi].Deps)
		}
		if t.Rank == g.rank {
			g.local = append(g.local, t.Index)
		}
	}
	g.discipline = FCFS
	g.initRNG(1)
}
