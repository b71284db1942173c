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
	"fmt"
	"strings"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// State is the lifecycle position of a task within a timestep.
type State int

const (
	// Init is the state after InitTimestep.
	Init State = iota
	// Initiated means receives for the task have been posted.
	Initiated
	// AwaitingExternal means at least one incoming batch is outstanding.
	AwaitingExternal
	// ExternallyReady means the task waits only for a worker.
	ExternallyReady
	// Running means a worker has selected the task.
	Running
	// Done means the task finished and its sends were posted.
	Done
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Initiated:
		return "initiated"
	case AwaitingExternal:
		return "awaiting_external"
	case ExternallyReady:
		return "externally_ready"
	case Running:
		return "running"
	case Done:
		return "done"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allowedTransitions = map[State][]State{
	Init:             {Initiated, Running},
	Initiated:        {AwaitingExternal, ExternallyReady},
	AwaitingExternal: {ExternallyReady},
	ExternallyReady:  {Running},
	Running:          {Done},
}

func canTransition(from, to State) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task is one task template bound to patches, materials and a rank.
type Task struct {
	Index       int
	Template    *taskgraph.Task
	Patches     []*grid.Patch
	Matls       []int
	Rank        int
	StaticOrder int
	Phase       int

	name        string
	internalIn  []int
	internalOut []int
	inBatches   []int
	outBatches  []int
	messages    int

	// Guarded by Graph.mu.
	state           State
	pendingInternal int
	externalCount   int
	initiated       bool
	seq             uint64
	randKey         uint64
}

// Name returns "name (Patches: 0, 1) (Matls: 0)" for patch tasks and the
// bare template name for rank-wide tasks.
func (t *Task) Name() string {
	return t.name
}

func (t *Task) String() string {
	return t.name
}

// PatchIDs returns the ids of the task's patches.
func (t *Task) PatchIDs() []int {
	ids := make([]int, len(t.Patches))
	for i, p := range t.Patches {
		ids[i] = p.ID
	}
	return ids
}

// InBatches returns the indices of batches this task receives.
func (t *Task) InBatches() []int { return t.inBatches }

// OutBatches returns the indices of batches this task sends.
func (t *Task) OutBatches() []int { return t.outBatches }

// NumMessages returns the number of deps the task sends.
func (t *Task) NumMessages() int { return t.messages }

// HasExternalDeps reports whether the task receives any batch.
func (t *Task) HasExternalDeps() bool { return len(t.inBatches) > 0 }

func (t *Task) level() int {
	if len(t.Patches) == 0 {
		return -1
	}
	return t.Patches[0].Level
}

func (t *Task) firstPatch() int {
	if len(t.Patches) == 0 {
		return -1
	}
	return t.Patches[0].ID
}

func taskName(tmpl *taskgraph.Task, patches []*grid.Patch, matls []int) string {
	if len(patches) == 0 {
		return tmpl.Name
	}
	ps := make([]string, len(patches))
	for i, p := range patches {
		ps[i] = fmt.Sprint(p.ID)
	}
	ms := make([]string, len(matls))
	for i, m := range matls {
		ms[i] = fmt.Sprint(m)
	}
	return fmt.Sprintf("%s (Patches: %s) (Matls: %s)", tmpl.Name, strings.Join(ps, ", "), strings.Join(ms, ", "))
}

// InternalDep orders two tasks on the same rank.
type InternalDep struct {
	Prereq     int
	Dependent  int
	Conditions []taskgraph.Condition

	active       bool
	satisfiedGen int
}

// Batch is every message from one producer instance to one rank.
type Batch struct {
	Index    int
	Tag      int
	From     int
	FromRank int
	ToRank   int
	Deps     []int
	ToTasks  []int

	// Guarded by Graph.mu.
	active   bool
	posted   bool
	received bool
}

// Dep is one variable window shipped in a batch.
type Dep struct {
	Index      int
	Batch      int
	Label      vars.VarLabel
	DW         taskgraph.WhichDW
	FromPatch  int
	ToPatch    int
	Matl       int
	Level      int
	Region     grid.Box
	Producer   int
	Consumers  []int
	Conditions []taskgraph.Condition

	active bool
}

func anyActive(conds []taskgraph.Condition, first bool) bool {
	for _, c := range conds {
		if c.Active(first) {
			return true
		}
	}
	return false
}

func addCondition(conds []taskgraph.Condition, c taskgraph.Condition) []taskgraph.Condition {
	for _, have := range conds {
		if have == c {
			return conds
		}
	}
	return append(conds, c)
}
