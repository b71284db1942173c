// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package grid describes the structured mesh a run executes on.
//
// A Grid is a stack of Levels; each Level tiles its domain with
// non-overlapping Patches. Index space is integer cell coordinates and
// every Box is half-open: [Low, High).
package grid

import (
	"errors"
	"fmt"
	"sort"
)

// IntVector is a 3D integer cell index or extent.
type IntVector [3]int

// Add returns a+b.
func (a IntVector) Add(b IntVector) IntVector {
	return IntVector{a[0] + b[0], a[1] + b[1], a[2] + b[2]}
}

// Sub returns a-b.
func (a IntVector) Sub(b IntVector) IntVector {
	return IntVector{a[0] - b[0], a[1] - b[1], a[2] - b[2]}
}

// Min returns the component-wise minimum.
func (a IntVector) Min(b IntVector) IntVector {
	return IntVector{min(a[0], b[0]), min(a[1], b[1]), min(a[2], b[2])}
}

// Max returns the component-wise maximum.
func (a IntVector) Max(b IntVector) IntVector {
	return IntVector{max(a[0], b[0]), max(a[1], b[1]), max(a[2], b[2])}
}

// Splat returns {n, n, n}.
func Splat(n int) IntVector {
	return IntVector{n, n, n}
}

func (a IntVector) String() string {
	return fmt.Sprintf("[%d,%d,%d]", a[0], a[1], a[2])
}

// Box is a half-open cell region [Low, High).
type Box struct {
	Low  IntVector `json:"low"`
	High IntVector `json:"high"`
}

// Empty reports whether the box contains no cells.
func (b Box) Empty() bool {
	return b.High[0] <= b.Low[0] || b.High[1] <= b.Low[1] || b.High[2] <= b.Low[2]
}

// Extent returns the number of cells along each axis, zero if empty.
func (b Box) Extent() IntVector {
	if b.Empty() {
		return IntVector{}
	}
	return b.High.Sub(b.Low)
}

// Volume returns the number of cells in the box.
func (b Box) Volume() int {
	e := b.Extent()
	return e[0] * e[1] * e[2]
}

// Intersect returns the overlap of two boxes, possibly empty.
func (b Box) Intersect(o Box) Box {
	return Box{Low: b.Low.Max(o.Low), High: b.High.Min(o.High)}
}

// Grow returns the box expanded by n cells on every face.
func (b Box) Grow(n int) Box {
	return Box{Low: b.Low.Sub(Splat(n)), High: b.High.Add(Splat(n))}
}

// Contains reports whether o lies entirely inside b.
func (b Box) Contains(o Box) bool {
	if o.Empty() {
		return true
	}
	for i := 0; i < 3; i++ {
		if o.Low[i] < b.Low[i] || o.High[i] > b.High[i] {
			return false
		}
	}
	return true
}

// Index returns the row-major offset of cell c inside b. c must lie in b.
func (b Box) Index(c IntVector) int {
	e := b.Extent()
	return ((c[2]-b.Low[2])*e[1]+(c[1]-b.Low[1]))*e[0] + (c[0] - b.Low[0])
}

func (b Box) String() string {
	return b.Low.String() + "-" + b.High.String()
}

// Patch is one rectangular tile of a level.
type Patch struct {
	ID    int `json:"id"`
	Level int `json:"level"`
	Box   Box `json:"box"`
}

func (p *Patch) String() string {
	return fmt.Sprintf("%d", p.ID)
}

// Level is one refinement level of the grid.
type Level struct {
	Index   int
	Domain  Box
	Patches []*Patch
}

// Grid is the full patch hierarchy.
type Grid struct {
	Levels  []*Level
	patches []*Patch
}

var (
	// ErrBadLayout indicates a decomposition that does not tile the domain.
	ErrBadLayout = errors.New("patch layout does not divide domain")

	// ErrUnknownPatch indicates a patch id not present in the grid.
	ErrUnknownPatch = errors.New("unknown patch")
)

// NewUniformGrid splits a single-level domain of the given cell
// resolution into layout[0]*layout[1]*layout[2] equal patches.
//
// Description:
//
//	Patch ids are assigned in x-fastest order starting at zero. Each
//	resolution component must be a positive multiple of the matching
//	layout component.
//
// Outputs:
//
//	*Grid - The decomposed grid.
//	error - ErrBadLayout if the layout does not tile the domain.
func NewUniformGrid(resolution, layout IntVector) (*Grid, error) {
	var size IntVector
	for i := 0; i < 3; i++ {
		if layout[i] <= 0 || resolution[i] <= 0 || resolution[i]%layout[i] != 0 {
			return nil, fmt.Errorf("%w: resolution %v layout %v", ErrBadLayout, resolution, layout)
		}
		size[i] = resolution[i] / layout[i]
	}

	level := &Level{Index: 0, Domain: Box{High: resolution}}
	id := 0
	for k := 0; k < layout[2]; k++ {
		for j := 0; j < layout[1]; j++ {
			for i := 0; i < layout[0]; i++ {
				low := IntVector{i * size[0], j * size[1], k * size[2]}
				level.Patches = append(level.Patches, &Patch{
					ID:    id,
					Level: 0,
					Box:   Box{Low: low, High: low.Add(size)},
				})
				id++
			}
		}
	}

	return &Grid{Levels: []*Level{level}, patches: level.Patches}, nil
}

// Patches returns every patch of every level ordered by id.
func (g *Grid) Patches() []*Patch {
	return g.patches
}

// NumPatches returns the total patch count.
func (g *Grid) NumPatches() int {
	return len(g.patches)
}

// Patch returns the patch with the given id.
func (g *Grid) Patch(id int) (*Patch, error) {
	if id < 0 || id >= len(g.patches) {
		return nil, fmt.Errorf("%w: %d", ErrUnknownPatch, id)
	}
	return g.patches[id], nil
}

// Neighbors returns the patches on p's level, excluding p, whose
// interior overlaps p grown by ghost cells, ordered by id.
func (g *Grid) Neighbors(p *Patch, ghost int) []*Patch {
	if ghost <= 0 {
		return nil
	}
	level := g.Levels[p.Level]
	halo := p.Box.Grow(ghost).Intersect(level.Domain)

	var out []*Patch
	for _, q := range level.Patches {
		if q.ID == p.ID {
			continue
		}
		if !halo.Intersect(q.Box).Empty() {
			out = append(out, q)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GhostRegion returns the part of q's interior that p needs when p asks
// for ghost cells, clipped to the level domain. Empty when unrelated.
func (g *Grid) GhostRegion(p, q *Patch, ghost int) Box {
	level := g.Levels[p.Level]
	return p.Box.Grow(ghost).Intersect(level.Domain).Intersect(q.Box)
}

// RequestedBox returns the region a task on p reads with the given ghost
// width, clipped to the level domain.
func (g *Grid) RequestedBox(p *Patch, ghost int) Box {
	return p.Box.Grow(ghost).Intersect(g.Levels[p.Level].Domain)
}
