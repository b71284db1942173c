// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package vars

import (
	"errors"
	"fmt"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
)

// ErrRegionOutside is returned when a copy region is not covered by both
// source and destination storage.
var ErrRegionOutside = errors.New("region outside variable storage")

// Variable is implemented only by GridVar, PerPatchVar and ReductionVar.
type Variable interface {
	FieldKind() FieldKind
	isVariable()
}

// GridVar is array storage over a box in its kind's index space.
type GridVar struct {
	Kind FieldKind
	Box  grid.Box
	Data []float64
}

// NewGridVar allocates zeroed storage covering cells in the kind's index
// space.
func NewGridVar(kind FieldKind, cells grid.Box) *GridVar {
	box := kind.Extend(cells)
	return &GridVar{Kind: kind, Box: box, Data: make([]float64, box.Volume())}
}

func (v *GridVar) FieldKind() FieldKind { return v.Kind }
func (*GridVar) isVariable()            {}

// At returns the value at c, which must lie inside Box.
func (v *GridVar) At(c grid.IntVector) float64 {
	return v.Data[v.Box.Index(c)]
}

// Set stores x at c, which must lie inside Box.
func (v *GridVar) Set(c grid.IntVector, x float64) {
	v.Data[v.Box.Index(c)] = x
}

// Clone returns a deep copy.
func (v *GridVar) Clone() *GridVar {
	out := &GridVar{Kind: v.Kind, Box: v.Box, Data: make([]float64, len(v.Data))}
	copy(out.Data, v.Data)
	return out
}

// CopyRegion copies src into v over region, given in v's index space.
func (v *GridVar) CopyRegion(src *GridVar, region grid.Box) error {
	if region.Empty() {
		return nil
	}
	if !v.Box.Contains(region) || !src.Box.Contains(region) {
		return fmt.Errorf("%w: region %v dst %v src %v", ErrRegionOutside, region, v.Box, src.Box)
	}
	ext := region.Extent()
	for z := region.Low[2]; z < region.High[2]; z++ {
		for y := region.Low[1]; y < region.High[1]; y++ {
			row := grid.IntVector{region.Low[0], y, z}
			d := v.Box.Index(row)
			s := src.Box.Index(row)
			copy(v.Data[d:d+ext[0]], src.Data[s:s+ext[0]])
		}
	}
	return nil
}

// Window returns a copy of v restricted to region.
func (v *GridVar) Window(region grid.Box) (*GridVar, error) {
	out := &GridVar{Kind: v.Kind, Box: region, Data: make([]float64, region.Volume())}
	if err := out.CopyRegion(v, region); err != nil {
		return nil, err
	}
	return out, nil
}

// ForEach calls fn for every cell of the cell box in row-major order.
func ForEach(cells grid.Box, fn func(c grid.IntVector)) {
	for z := cells.Low[2]; z < cells.High[2]; z++ {
		for y := cells.Low[1]; y < cells.High[1]; y++ {
			for x := cells.Low[0]; x < cells.High[0]; x++ {
				fn(grid.IntVector{x, y, z})
			}
		}
	}
}

// PerPatchVar holds one value for a patch.
type PerPatchVar struct {
	Value float64
}

func (*PerPatchVar) FieldKind() FieldKind { return PerPatch }
func (*PerPatchVar) isVariable()          {}

// ReductionVar holds a rank partial or a global reduced value.
type ReductionVar struct {
	Op    ReduceOp
	Value float64
}

func (*ReductionVar) FieldKind() FieldKind { return Reduction }
func (*ReductionVar) isVariable()          {}

var (
	_ Variable = (*GridVar)(nil)
	_ Variable = (*PerPatchVar)(nil)
	_ Variable = (*ReductionVar)(nil)
)
