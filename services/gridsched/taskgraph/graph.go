// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"container/heap"
	"fmt"
	"slices"

	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// ReductionPrefix names generated reduction tasks.
const ReductionPrefix = "Reduction::"

// SendOldDataName names the generated old-data send task.
const SendOldDataName = "SendOldData"

// Graph is the abstract task graph of one timestep.
//
// Thread Safety:
//
//	Not safe for concurrent mutation. A compiled graph is immutable and
//	safe for concurrent reads.
type Graph struct {
	tasks     []*Task
	byName    map[string]*Task
	labels    map[string]vars.VarLabel
	producers map[string][]*Task
	partials  map[string][]*Task
	reducers  map[string]*Task
	maxGhost  map[string]int
	numPhases int
	compiled  bool
}

// New creates an empty task graph.
func New() *Graph {
	return &Graph{byName: make(map[string]*Task)}
}

// AddTask registers a task template.
//
// Outputs:
//
//	error - ErrNilTask, ErrEmptyName, ErrNoBody, ErrDuplicateTask or
//	        ErrAlreadyCompiled, each wrapped as a configuration fault.
func (g *Graph) AddTask(t *Task) error {
	if g.compiled {
		return configError("", "", ErrAlreadyCompiled)
	}
	if t == nil {
		return configError("", "", ErrNilTask)
	}
	if t.Name == "" {
		return configError("", "", ErrEmptyName)
	}
	if t.Type == Normal && t.Run == nil {
		return configError(t.Name, "", ErrNoBody)
	}
	if _, ok := g.byName[t.Name]; ok {
		return configError(t.Name, "", ErrDuplicateTask)
	}
	g.tasks = append(g.tasks, t)
	g.byName[t.Name] = t
	return nil
}

// Tasks returns the tasks in compiled order.
func (g *Graph) Tasks() []*Task {
	return g.tasks
}

// Task looks a task up by name.
func (g *Graph) Task(name string) (*Task, bool) {
	t, ok := g.byName[name]
	return t, ok
}

// NumPhases returns the number of phases after compilation.
func (g *Graph) NumPhases() int {
	return g.numPhases
}

// IsCompiled reports whether Compile succeeded.
func (g *Graph) IsCompiled() bool {
	return g.compiled
}

// Label returns the declared label for a variable name.
func (g *Graph) Label(name string) (vars.VarLabel, bool) {
	l, ok := g.labels[name]
	return l, ok
}

// Producers returns the tasks that compute a non-reduction variable.
func (g *Graph) Producers(label string) []*Task {
	return g.producers[label]
}

// PartialProducers returns the tasks contributing to a reduction variable.
func (g *Graph) PartialProducers(label string) []*Task {
	return g.partials[label]
}

// Reducer returns the generated reduction task of a reduction variable.
func (g *Graph) Reducer(label string) *Task {
	return g.reducers[label]
}

// MaxGhost returns the largest ghost width any task requires of label.
func (g *Graph) MaxGhost(label string) int {
	return g.maxGhost[label]
}

// RunsOn reports whether t executes on patch.
func RunsOn(t *Task, patch int) bool {
	return len(t.OnPatches) == 0 || slices.Contains(t.OnPatches, patch)
}

// Compile validates the graph and fixes its order and phases.
//
// Description:
//
//	Generates one reduction task per computed reduction variable and a
//	SendOldData task when any task reads old data with ghost cells,
//	resolves every Requires to its producers, rejects cycles, sorts the
//	tasks topologically (ties keep insertion order) and assigns phases:
//	every reduction task closes the phase it sits in.
//
// Outputs:
//
//	error - A configuration fault naming the offending task and
//	        variable. Nothing executes when Compile fails.
func (g *Graph) Compile() error {
	if g.compiled {
		return configError("", "", ErrAlreadyCompiled)
	}
	if err := g.collectLabels(); err != nil {
		return err
	}
	g.addGeneratedTasks()
	if err := g.resolveProducers(); err != nil {
		return err
	}
	if err := g.validateRequires(); err != nil {
		return err
	}

	edges := g.buildEdges()
	if err := g.detectCycle(edges); err != nil {
		return err
	}
	g.tasks = g.sort(edges)
	g.assignPhases()
	if err := g.verifyPhases(); err != nil {
		return err
	}
	g.countChildren(edges)
	g.compiled = true
	return nil
}

func (g *Graph) collectLabels() error {
	g.labels = make(map[string]vars.VarLabel)
	g.maxGhost = make(map[string]int)
	for _, t := range g.tasks {
		for _, deps := range [][]Dependency{t.Requires, t.Computes} {
			for _, d := range deps {
				if d.Label.Name == "" {
					return configError(t.Name, "", fmt.Errorf("%w: unnamed variable", ErrBadDependency))
				}
				if prev, ok := g.labels[d.Label.Name]; ok && prev.Kind != d.Label.Kind {
					return configError(t.Name, d.Label.Name,
						fmt.Errorf("%w: %s and %s", ErrKindConflict, prev.Kind, d.Label.Kind))
				}
				g.labels[d.Label.Name] = d.Label
				if d.Ghost > g.maxGhost[d.Label.Name] {
					g.maxGhost[d.Label.Name] = d.Ghost
				}
			}
		}
		for _, d := range t.Computes {
			if d.DW != NewDW || d.Ghost != 0 || len(d.FromPatches) != 0 {
				return configError(t.Name, d.Label.Name,
					fmt.Errorf("%w: computes must target NewDW without ghosts", ErrBadDependency))
			}
		}
		for _, d := range t.Requires {
			if d.Ghost < 0 || (d.Ghost > 0 && !d.Label.Kind.IsGrid()) {
				return configError(t.Name, d.Label.Name,
					fmt.Errorf("%w: ghost %d on %s variable", ErrBadDependency, d.Ghost, d.Label.Kind))
			}
			if len(d.FromPatches) > 0 && d.Ghost != 0 {
				return configError(t.Name, d.Label.Name,
					fmt.Errorf("%w: explicit source patches cannot request ghosts", ErrBadDependency))
			}
		}
	}
	return nil
}

func (g *Graph) addGeneratedTasks() {
	var reductions []string
	seen := make(map[string]bool)
	needOldSend := false
	for _, t := range g.tasks {
		for _, d := range t.Computes {
			if d.Label.Kind == vars.Reduction && !seen[d.Label.Name] {
				seen[d.Label.Name] = true
				reductions = append(reductions, d.Label.Name)
			}
		}
		for _, d := range t.Requires {
			if d.DW == OldDW && (d.Ghost > 0 || len(d.FromPatches) > 0) {
				needOldSend = true
			}
		}
	}

	g.reducers = make(map[string]*Task)
	for _, name := range reductions {
		label := g.labels[name]
		rt := &Task{
			Name:     ReductionPrefix + name,
			Type:     Reduction,
			Requires: []Dependency{{Label: label, DW: NewDW}},
			Computes: []Dependency{{Label: label, DW: NewDW}},
		}
		g.tasks = append(g.tasks, rt)
		g.byName[rt.Name] = rt
		g.reducers[name] = rt
	}

	if needOldSend {
		st := &Task{Name: SendOldDataName, Type: SendOldData}
		g.tasks = append([]*Task{st}, g.tasks...)
		g.byName[st.Name] = st
	}
}

func (g *Graph) resolveProducers() error {
	g.producers = make(map[string][]*Task)
	g.partials = make(map[string][]*Task)
	for _, t := range g.tasks {
		if t.Type != Normal {
			continue
		}
		for _, d := range t.Computes {
			if d.Label.Kind == vars.Reduction {
				g.partials[d.Label.Name] = append(g.partials[d.Label.Name], t)
				continue
			}
			for _, other := range g.producers[d.Label.Name] {
				if patchesOverlap(other, t) {
					return configError(t.Name, d.Label.Name,
						fmt.Errorf("%w: also computed by %q", ErrMultipleProducers, other.Name))
				}
			}
			g.producers[d.Label.Name] = append(g.producers[d.Label.Name], t)
		}
	}
	return nil
}

func patchesOverlap(a, b *Task) bool {
	if len(a.OnPatches) == 0 || len(b.OnPatches) == 0 {
		return true
	}
	for _, p := range a.OnPatches {
		if slices.Contains(b.OnPatches, p) {
			return true
		}
	}
	return false
}

func (g *Graph) computed(label vars.VarLabel) bool {
	if label.Kind == vars.Reduction {
		return g.reducers[label.Name] != nil
	}
	return len(g.producers[label.Name]) > 0
}

func (g *Graph) validateRequires() error {
	for _, t := range g.tasks {
		if t.Type != Normal {
			continue
		}
		for _, d := range t.Requires {
			if !g.computed(d.Label) {
				return configError(t.Name, d.Label.Name,
					fmt.Errorf("%w: %s required from %s", ErrUnresolvedRequire, d.Label.Name, d.DW))
			}
		}
	}
	return nil
}

// buildEdges returns, for every task index in insertion order, the
// indices of the tasks that must run after it within a timestep.
func (g *Graph) buildEdges() [][]int {
	index := make(map[*Task]int, len(g.tasks))
	for i, t := range g.tasks {
		index[t] = i
	}
	edges := make([][]int, len(g.tasks))
	add := func(from, to *Task) {
		i, j := index[from], index[to]
		if !slices.Contains(edges[i], j) {
			edges[i] = append(edges[i], j)
		}
	}

	for _, t := range g.tasks {
		switch t.Type {
		case Reduction:
			name := t.Computes[0].Label.Name
			for _, p := range g.partials[name] {
				add(p, t)
			}
		case Normal:
			for _, d := range t.Requires {
				if d.DW != NewDW {
					continue
				}
				if d.Label.Kind == vars.Reduction {
					add(g.reducers[d.Label.Name], t)
					continue
				}
				for _, p := range g.producers[d.Label.Name] {
					add(p, t)
				}
			}
		}
	}
	return edges
}

func (g *Graph) detectCycle(edges [][]int) error {
	const (
		white = iota
		grey
		black
	)
	color := make([]int, len(g.tasks))
	var path []string

	var visit func(i int) error
	visit = func(i int) error {
		color[i] = grey
		path = append(path, g.tasks[i].Name)
		for _, j := range edges[i] {
			switch color[j] {
			case grey:
				start := slices.Index(path, g.tasks[j].Name)
				cycle := append(slices.Clone(path[start:]), g.tasks[j].Name)
				return configError(g.tasks[j].Name, "", &CycleError{Path: cycle})
			case white:
				if err := visit(j); err != nil {
					return err
				}
			}
		}
		path = path[:len(path)-1]
		color[i] = black
		return nil
	}

	for i := range g.tasks {
		if color[i] == white {
			if err := visit(i); err != nil {
				return err
			}
		}
	}
	return nil
}

// sort is Kahn's algorithm taking the lowest insertion index among ready
// tasks, so independent tasks keep declaration order.
func (g *Graph) sort(edges [][]int) []*Task {
	indeg := make([]int, len(g.tasks))
	for _, out := range edges {
		for _, j := range out {
			indeg[j]++
		}
	}
	ready := &intHeap{}
	for i, d := range indeg {
		if d == 0 {
			heap.Push(ready, i)
		}
	}

	order := make([]*Task, 0, len(g.tasks))
	for ready.Len() > 0 {
		i := heap.Pop(ready).(int)
		t := g.tasks[i]
		t.sortedOrder = len(order)
		order = append(order, t)
		for _, j := range edges[i] {
			indeg[j]--
			if indeg[j] == 0 {
				heap.Push(ready, j)
			}
		}
	}

	// Rewrite children in sorted-order indices for countChildren.
	remap := make([]int, len(g.tasks))
	for i, t := range g.tasks {
		remap[i] = t.sortedOrder
	}
	for i, out := range edges {
		t := g.tasks[i]
		t.children = t.children[:0]
		for _, j := range out {
			t.children = append(t.children, remap[j])
		}
		slices.Sort(t.children)
	}
	return order
}

func (g *Graph) assignPhases() {
	phase := 0
	for i, t := range g.tasks {
		t.phase = phase
		if t.Type == Reduction && i < len(g.tasks)-1 {
			phase++
		}
	}
	g.numPhases = phase + 1
}

func (g *Graph) verifyPhases() error {
	count := make([]int, g.numPhases)
	for _, t := range g.tasks {
		if t.Type == Reduction {
			count[t.phase]++
			if count[t.phase] > 1 {
				return configError(t.Name, "", fmt.Errorf("%w: phase %d", ErrPhaseReductions, t.phase))
			}
		}
	}
	return nil
}

func (g *Graph) countChildren(_ [][]int) {
	for i := len(g.tasks) - 1; i >= 0; i-- {
		t := g.tasks[i]
		reach := make(map[int]bool)
		var walk func(int)
		walk = func(k int) {
			for _, c := range g.tasks[k].children {
				if !reach[c] {
					reach[c] = true
					walk(c)
				}
			}
		}
		walk(i)
		t.allChildren = len(reach)

		t.l2Children = 0
		for _, c := range t.children {
			t.l2Children += len(g.tasks[c].children)
		}
	}
}

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
