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
	"context"
	"fmt"

	"github.com/AleutianAI/gridsched/services/gridsched/device"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
)

// WhichDW selects the warehouse a dependency reads.
type WhichDW int

const (
	// OldDW is the previous timestep's finalized warehouse.
	OldDW WhichDW = iota
	// NewDW is the warehouse being filled this timestep.
	NewDW
)

func (w WhichDW) String() string {
	if w == OldDW {
		return "OldDW"
	}
	return "NewDW"
}

// Condition gates a dependency on the iteration being executed.
type Condition int

const (
	// Always applies on every timestep.
	Always Condition = iota
	// FirstIteration applies only on the first executed timestep.
	FirstIteration
	// SubsequentIterations applies on every timestep after the first.
	SubsequentIterations
)

// Active reports whether the condition holds for the given iteration.
func (c Condition) Active(first bool) bool {
	switch c {
	case FirstIteration:
		return first
	case SubsequentIterations:
		return !first
	default:
		return true
	}
}

// Type classifies a task.
type Type int

const (
	// Normal tasks run a body once per patch.
	Normal Type = iota
	// Reduction tasks combine a reduction variable across ranks. One per
	// rank, generated automatically.
	Reduction
	// SendOldData is the per-rank pseudo task that ships previous
	// timestep ghost data to other ranks.
	SendOldData
)

func (t Type) String() string {
	switch t {
	case Reduction:
		return "Reduction"
	case SendOldData:
		return "SendOldData"
	default:
		return "Normal"
	}
}

// Dependency is one Requires or Computes declaration.
type Dependency struct {
	Label vars.VarLabel
	DW    WhichDW
	// Ghost is the ghost-cell width required around each patch.
	Ghost int
	// FromPatches, when set on a Requires, names the exact patches whose
	// whole interior is needed instead of the task's own patch.
	FromPatches []int
	Condition   Condition
}

func (d Dependency) String() string {
	return fmt.Sprintf("%s(%s, ghost %d)", d.Label.Name, d.DW, d.Ghost)
}

// Event says which part of a task's execution the body is called for.
type Event int

const (
	// CPU runs the body on the host.
	CPU Event = iota
	// GPU runs the body on a device stream.
	GPU
)

func (e Event) String() string {
	if e == GPU {
		return "GPU"
	}
	return "CPU"
}

// Func is a task body.
type Func func(ctx context.Context, rc *RunContext) error

// Task is an immutable template describing a unit of work.
type Task struct {
	Name     string
	Type     Type
	Requires []Dependency
	Computes []Dependency
	// Matls are the materials the task runs on. Empty means material 0.
	Matls []int
	// OnPatches restricts the task to these patches. Empty means all.
	OnPatches []int
	// UsesDevice marks the task for the device pipeline when one exists.
	UsesDevice bool
	Run        Func

	sortedOrder int
	phase       int
	children    []int
	allChildren int
	l2Children  int
}

// SortedOrder returns the task's position in the compiled order.
func (t *Task) SortedOrder() int { return t.sortedOrder }

// Phase returns the task's compiled phase.
func (t *Task) Phase() int { return t.phase }

// NumChildren returns the number of direct dependents.
func (t *Task) NumChildren() int { return len(t.children) }

// NumAllChildren returns the number of transitive dependents.
func (t *Task) NumAllChildren() int { return t.allChildren }

// NumL2Children returns the sum of the children's direct dependent counts.
func (t *Task) NumL2Children() int { return t.l2Children }

// Materials returns the task's materials, defaulting to {0}.
func (t *Task) Materials() []int {
	if len(t.Matls) == 0 {
		return []int{0}
	}
	return t.Matls
}

// RunContext is everything a task body may touch.
type RunContext struct {
	Task     *Task
	Patches  []*grid.Patch
	Matls    []int
	OldDW    *warehouse.DataWarehouse
	NewDW    *warehouse.DataWarehouse
	Event    Event
	Rank     int
	Timestep int

	// Stream and the mirrors are set for GPU events.
	Stream    *device.Stream
	OldMirror *device.Mirror
	NewMirror *device.Mirror
}

func (rc *RunContext) dw(which WhichDW) *warehouse.DataWarehouse {
	if which == OldDW {
		return rc.OldDW
	}
	return rc.NewDW
}

func (rc *RunContext) mirror(which WhichDW) *device.Mirror {
	if which == OldDW {
		return rc.OldMirror
	}
	return rc.NewMirror
}

// Get returns label on patch with ghost cells from the selected
// warehouse. On a GPU event the device copy prepared by the pipeline is
// returned instead.
func (rc *RunContext) Get(which WhichDW, label vars.VarLabel, patch, matl, ghost int) (*vars.GridVar, error) {
	if rc.Event == GPU {
		if m := rc.mirror(which); m != nil {
			id := device.VarID{Key: vars.Key{Label: label.Name, Patch: patch, Matl: matl}, Ghost: ghost}
			if e, ok := m.Lookup(id); ok && e.Buffer() != nil {
				return e.Buffer(), nil
			}
			return nil, fault.New(fault.Device, rc.Task.Name, label.Name,
				fmt.Errorf("no device copy of %s ghost %d", id.Key, ghost))
		}
	}
	return rc.dw(which).Get(label, patch, matl, ghost)
}

// Allocate returns zeroed storage for a computed grid variable, on the
// device for GPU events.
func (rc *RunContext) Allocate(label vars.VarLabel, patch, matl int) (*vars.GridVar, error) {
	if rc.Event == GPU && rc.NewMirror != nil {
		id := device.VarID{Key: vars.Key{Label: label.Name, Patch: patch, Matl: matl}}
		if e, ok := rc.NewMirror.Lookup(id); ok && e.Buffer() != nil {
			return e.Buffer(), nil
		}
		return nil, fault.New(fault.Device, rc.Task.Name, label.Name,
			fmt.Errorf("computes %s not allocated on device", id.Key))
	}
	return rc.NewDW.Allocate(label, patch, matl)
}

// Reduce contributes a patch partial to a reduction variable.
func (rc *RunContext) Reduce(label vars.VarLabel, patch int, value float64) error {
	return rc.NewDW.PutReduction(label, patch, value)
}

// Reduced reads a reduction value from the selected warehouse.
func (rc *RunContext) Reduced(which WhichDW, label vars.VarLabel) (float64, error) {
	return rc.dw(which).GetReduction(label)
}
