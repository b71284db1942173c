// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package vars defines simulation variables: their labels, the closed set
// of field kinds, and the concrete storage for each kind.
package vars

import (
	"fmt"
	"math"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
)

// FieldKind is the closed set of variable layouts the scheduler moves.
type FieldKind int

const (
	// CellCentered holds one value per cell.
	CellCentered FieldKind = iota
	// FaceX holds one value per x-face.
	FaceX
	// FaceY holds one value per y-face.
	FaceY
	// FaceZ holds one value per z-face.
	FaceZ
	// PerPatch holds a single value per patch.
	PerPatch
	// Reduction holds a single value per rank, combined across ranks.
	Reduction
)

func (k FieldKind) String() string {
	switch k {
	case CellCentered:
		return "cc"
	case FaceX:
		return "fcx"
	case FaceY:
		return "fcy"
	case FaceZ:
		return "fcz"
	case PerPatch:
		return "perpatch"
	case Reduction:
		return "reduction"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// IsGrid reports whether the kind stores an array over a box and so can
// carry ghost cells.
func (k FieldKind) IsGrid() bool {
	switch k {
	case CellCentered, FaceX, FaceY, FaceZ:
		return true
	}
	return false
}

// Extend maps a cell box into this kind's index space. Face kinds gain
// one layer on the high side of their axis.
func (k FieldKind) Extend(b grid.Box) grid.Box {
	if b.Empty() {
		return b
	}
	switch k {
	case FaceX:
		b.High[0]++
	case FaceY:
		b.High[1]++
	case FaceZ:
		b.High[2]++
	}
	return b
}

// ReduceOp combines reduction partials.
type ReduceOp int

const (
	// Sum adds partials.
	Sum ReduceOp = iota
	// Min keeps the smallest partial.
	Min
	// Max keeps the largest partial.
	Max
)

func (op ReduceOp) String() string {
	switch op {
	case Min:
		return "min"
	case Max:
		return "max"
	default:
		return "sum"
	}
}

// Identity returns the neutral element of op.
func (op ReduceOp) Identity() float64 {
	switch op {
	case Min:
		return math.Inf(1)
	case Max:
		return math.Inf(-1)
	default:
		return 0
	}
}

// Combine merges two partials.
func (op ReduceOp) Combine(a, b float64) float64 {
	switch op {
	case Min:
		return math.Min(a, b)
	case Max:
		return math.Max(a, b)
	default:
		return a + b
	}
}

// VarLabel names a variable and fixes its kind.
type VarLabel struct {
	Name string   `json:"name"`
	Kind FieldKind `json:"kind"`
	Op   ReduceOp `json:"op,omitempty"`
}

func (l VarLabel) String() string {
	return l.Name
}

// CellLabel returns a cell-centered label.
func CellLabel(name string) VarLabel {
	return VarLabel{Name: name, Kind: CellCentered}
}

// FaceLabel returns a face-centered label along axis 0, 1 or 2.
func FaceLabel(name string, axis int) VarLabel {
	return VarLabel{Name: name, Kind: FaceX + FieldKind(axis)}
}

// PerPatchLabel returns a per-patch label.
func PerPatchLabel(name string) VarLabel {
	return VarLabel{Name: name, Kind: PerPatch}
}

// ReductionLabel returns a reduction label combined with op.
func ReductionLabel(name string, op ReduceOp) VarLabel {
	return VarLabel{Name: name, Kind: Reduction, Op: op}
}

// Key identifies one stored variable instance. Reduction keys use
// Patch == NoPatch.
type Key struct {
	Label string `json:"label"`
	Patch int    `json:"patch"`
	Matl  int    `json:"matl"`
	Level int    `json:"level"`
}

// NoPatch is the patch id of rank-wide variables.
const NoPatch = -1

func (k Key) String() string {
	return fmt.Sprintf("%s/p%d/m%d/l%d", k.Label, k.Patch, k.Matl, k.Level)
}
