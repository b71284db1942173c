// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package warehouse stores one timestep's variables for one rank.
//
// A DataWarehouse holds variables the rank computed itself plus foreign
// pieces received from other ranks. Get assembles a task's requested
// region (interior plus ghost cells) from both. Once finalized a
// warehouse is read-only for local puts; foreign pieces may still arrive
// because the next timestep reads it as its old warehouse.
//
// # Thread Safety
//
// All methods are safe for concurrent use. Tasks working on different
// variables never contend beyond the map lock.
package warehouse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/gridsched/services/gridsched/device"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

var (
	// ErrNotFound is returned when a variable instance does not exist.
	ErrNotFound = errors.New("variable not found")

	// ErrExists is returned when a variable instance is put twice.
	ErrExists = errors.New("variable already exists")

	// ErrFinalized is returned when putting into a finalized warehouse.
	ErrFinalized = errors.New("warehouse is finalized")

	// ErrKindMismatch is returned when a variable's kind disagrees with
	// its label.
	ErrKindMismatch = errors.New("variable kind does not match label")
)

// ParticleExchanger moves particle quantities between ranks for the
// given patches before a task posts its receives.
type ParticleExchanger func(ctx context.Context, patches []int) error

// DataWarehouse is the versioned variable store of one rank.
type DataWarehouse struct {
	generation int
	grid       *grid.Grid

	mu         sync.RWMutex
	vars       map[vars.Key]vars.Variable
	labels     map[string]vars.VarLabel
	foreign    map[vars.Key][]*vars.GridVar
	partials   map[string]map[int]float64
	reductions map[string]*vars.ReductionVar
	finalized  bool
	mirror     *device.Mirror
	particles  ParticleExchanger
}

// New creates an empty warehouse for the given generation (timestep).
func New(g *grid.Grid, generation int) *DataWarehouse {
	return &DataWarehouse{
		generation: generation,
		grid:       g,
		vars:       make(map[vars.Key]vars.Variable),
		labels:     make(map[string]vars.VarLabel),
		foreign:    make(map[vars.Key][]*vars.GridVar),
		partials:   make(map[string]map[int]float64),
		reductions: make(map[string]*vars.ReductionVar),
	}
}

// Generation returns the timestep this warehouse belongs to.
func (dw *DataWarehouse) Generation() int {
	return dw.generation
}

// Grid returns the grid the warehouse's patches belong to.
func (dw *DataWarehouse) Grid() *grid.Grid {
	return dw.grid
}

func key(label vars.VarLabel, patch, matl int) vars.Key {
	return vars.Key{Label: label.Name, Patch: patch, Matl: matl}
}

// Put stores a variable computed on this rank.
func (dw *DataWarehouse) Put(label vars.VarLabel, patch, matl int, v vars.Variable) error {
	if v.FieldKind() != label.Kind {
		return fault.New(fault.Configuration, "", label.Name,
			fmt.Errorf("%w: %s put as %s", ErrKindMismatch, label.Kind, v.FieldKind()))
	}
	k := key(label, patch, matl)

	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.finalized {
		return fault.New(fault.Internal, "", label.Name, fmt.Errorf("%w: put %s", ErrFinalized, k))
	}
	if _, ok := dw.vars[k]; ok {
		return fault.New(fault.Internal, "", label.Name, fmt.Errorf("%w: %s", ErrExists, k))
	}
	dw.vars[k] = v
	dw.labels[label.Name] = label
	return nil
}

// Allocate creates zeroed storage for a grid variable on patch and puts it.
func (dw *DataWarehouse) Allocate(label vars.VarLabel, patch, matl int) (*vars.GridVar, error) {
	if !label.Kind.IsGrid() {
		return nil, fault.New(fault.Configuration, "", label.Name,
			fmt.Errorf("%w: allocate %s", ErrKindMismatch, label.Kind))
	}
	p, err := dw.grid.Patch(patch)
	if err != nil {
		return nil, fault.New(fault.Internal, "", label.Name, err)
	}
	v := vars.NewGridVar(label.Kind, p.Box)
	if err := dw.Put(label, patch, matl, v); err != nil {
		return nil, err
	}
	return v, nil
}

// Exists reports whether this rank stores the instance.
func (dw *DataWarehouse) Exists(label vars.VarLabel, patch, matl int) bool {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	_, ok := dw.vars[key(label, patch, matl)]
	return ok
}

// GetModifiable returns the stored grid variable itself.
func (dw *DataWarehouse) GetModifiable(label vars.VarLabel, patch, matl int) (*vars.GridVar, error) {
	k := key(label, patch, matl)
	dw.mu.RLock()
	v, ok := dw.vars[k]
	dw.mu.RUnlock()
	if !ok {
		return nil, fault.New(fault.Internal, "", label.Name, fmt.Errorf("%w: %s", ErrNotFound, k))
	}
	gv, ok := v.(*vars.GridVar)
	if !ok {
		return nil, fault.New(fault.Configuration, "", label.Name, fmt.Errorf("%w: %s", ErrKindMismatch, k))
	}
	return gv, nil
}

// Get returns a new grid variable covering patch grown by ghost cells
// (clipped to the domain), assembled from the local instance and from
// neighbor data, local or foreign.
//
// Description:
//
//	The patch's own interior is copied first, then each neighbor's
//	overlap in ascending patch id order, so the assembly is identical
//	whichever rank the neighbors live on.
//
// Outputs:
//
//	*vars.GridVar - Fresh storage the caller may read freely.
//	error - A fault.ExtentMismatch error if any part of the region has
//	        no source, fault.Internal if the interior is missing.
func (dw *DataWarehouse) Get(label vars.VarLabel, patch, matl, ghost int) (*vars.GridVar, error) {
	p, err := dw.grid.Patch(patch)
	if err != nil {
		return nil, fault.New(fault.Internal, "", label.Name, err)
	}
	own, err := dw.GetModifiable(label, patch, matl)
	if err != nil {
		if ghost != 0 {
			return nil, err
		}
		// A whole remote patch arrives as one foreign piece.
		src, serr := dw.source(label, patch, matl, label.Kind.Extend(p.Box))
		if serr != nil {
			return nil, err
		}
		return src.Clone(), nil
	}
	if ghost == 0 {
		return own.Clone(), nil
	}

	out := vars.NewGridVar(label.Kind, dw.grid.RequestedBox(p, ghost))
	if err := out.CopyRegion(own, own.Box); err != nil {
		return nil, fault.New(fault.ExtentMismatch, "", label.Name, err)
	}
	covered := p.Box.Volume()

	for _, q := range dw.grid.Neighbors(p, ghost) {
		region := label.Kind.Extend(dw.grid.GhostRegion(p, q, ghost))
		src, err := dw.source(label, q.ID, matl, region)
		if err != nil {
			return nil, err
		}
		if err := out.CopyRegion(src, region); err != nil {
			return nil, fault.New(fault.ExtentMismatch, "", label.Name, err)
		}
		covered += dw.grid.GhostRegion(p, q, ghost).Volume()
	}

	if want := dw.grid.RequestedBox(p, ghost).Volume(); covered != want {
		return nil, fault.New(fault.ExtentMismatch, "", label.Name,
			fmt.Errorf("assembled %d of %d cells for patch %d ghost %d", covered, want, patch, ghost))
	}
	return out, nil
}

// source finds storage covering region of patch q: the local instance
// or a received foreign piece.
func (dw *DataWarehouse) source(label vars.VarLabel, q, matl int, region grid.Box) (*vars.GridVar, error) {
	k := key(label, q, matl)
	dw.mu.RLock()
	defer dw.mu.RUnlock()

	if v, ok := dw.vars[k]; ok {
		if gv, ok := v.(*vars.GridVar); ok && gv.Box.Contains(region) {
			return gv, nil
		}
	}
	for _, piece := range dw.foreign[k] {
		if piece.Box.Contains(region) {
			return piece, nil
		}
	}
	return nil, fault.New(fault.ExtentMismatch, "", label.Name,
		fmt.Errorf("no data for region %v of %s", region, k))
}

// Region returns read-only storage covering region of patch, either the
// local instance or a foreign piece. region is in the label's index
// space.
func (dw *DataWarehouse) Region(label vars.VarLabel, patch, matl int, region grid.Box) (*vars.GridVar, error) {
	return dw.source(label, patch, matl, region)
}

// Extract returns a piece of a local variable for shipping to another
// rank. region is in the label's index space; empty means the whole
// variable.
func (dw *DataWarehouse) Extract(label vars.VarLabel, patch, matl int, region grid.Box) (vars.Piece, error) {
	piece := vars.Piece{Label: label, Key: key(label, patch, matl)}

	switch {
	case label.Kind.IsGrid():
		gv, err := dw.GetModifiable(label, patch, matl)
		if err != nil {
			return piece, err
		}
		if region.Empty() {
			region = gv.Box
		}
		w, err := gv.Window(region)
		if err != nil {
			return piece, fault.New(fault.ExtentMismatch, "", label.Name, err)
		}
		piece.Box = w.Box
		piece.Data = w.Data
	case label.Kind == vars.PerPatch:
		v, err := dw.GetPerPatch(label, patch, matl)
		if err != nil {
			return piece, err
		}
		piece.Data = []float64{v}
	default:
		v, err := dw.GetReduction(label)
		if err != nil {
			return piece, err
		}
		piece.Key.Patch = vars.NoPatch
		piece.Data = []float64{v}
	}
	return piece, nil
}

// PutForeign stores a piece received from another rank. Allowed on a
// finalized warehouse.
func (dw *DataWarehouse) PutForeign(p vars.Piece) error {
	dw.mu.Lock()
	defer dw.mu.Unlock()

	switch {
	case p.Label.Kind.IsGrid():
		if len(p.Data) != p.Box.Volume() {
			return fault.New(fault.ExtentMismatch, "", p.Label.Name,
				fmt.Errorf("piece %s has %d values for box %v", p.Key, len(p.Data), p.Box))
		}
		dw.foreign[p.Key] = append(dw.foreign[p.Key], p.GridVar())
	case len(p.Data) != 1:
		return fault.New(fault.ExtentMismatch, "", p.Label.Name,
			fmt.Errorf("%s piece %s has %d values", p.Label.Kind, p.Key, len(p.Data)))
	case p.Label.Kind == vars.PerPatch:
		dw.vars[p.Key] = &vars.PerPatchVar{Value: p.Data[0]}
	default:
		dw.reductions[p.Label.Name] = &vars.ReductionVar{Op: p.Label.Op, Value: p.Data[0]}
	}
	dw.labels[p.Label.Name] = p.Label
	return nil
}

// ClearForeign drops all received pieces.
func (dw *DataWarehouse) ClearForeign() {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.foreign = make(map[vars.Key][]*vars.GridVar)
}

// ForeignCount returns the number of received grid pieces.
func (dw *DataWarehouse) ForeignCount() int {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	n := 0
	for _, ps := range dw.foreign {
		n += len(ps)
	}
	return n
}

// PutPerPatch stores a per-patch value.
func (dw *DataWarehouse) PutPerPatch(label vars.VarLabel, patch, matl int, value float64) error {
	return dw.Put(label, patch, matl, &vars.PerPatchVar{Value: value})
}

// GetPerPatch returns a per-patch value.
func (dw *DataWarehouse) GetPerPatch(label vars.VarLabel, patch, matl int) (float64, error) {
	k := key(label, patch, matl)
	dw.mu.RLock()
	v, ok := dw.vars[k]
	dw.mu.RUnlock()
	if !ok {
		return 0, fault.New(fault.Internal, "", label.Name, fmt.Errorf("%w: %s", ErrNotFound, k))
	}
	pv, ok := v.(*vars.PerPatchVar)
	if !ok {
		return 0, fault.New(fault.Configuration, "", label.Name, fmt.Errorf("%w: %s", ErrKindMismatch, k))
	}
	return pv.Value, nil
}

// PutReduction contributes a patch's partial to a reduction. Partials
// are combined in patch order by ReductionPartial.
func (dw *DataWarehouse) PutReduction(label vars.VarLabel, patch int, value float64) error {
	if label.Kind != vars.Reduction {
		return fault.New(fault.Configuration, "", label.Name, fmt.Errorf("%w: reduce %s", ErrKindMismatch, label.Kind))
	}
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if dw.finalized {
		return fault.New(fault.Internal, "", label.Name, ErrFinalized)
	}
	m, ok := dw.partials[label.Name]
	if !ok {
		m = make(map[int]float64)
		dw.partials[label.Name] = m
	}
	if prev, ok := m[patch]; ok {
		value = label.Op.Combine(prev, value)
	}
	m[patch] = value
	dw.labels[label.Name] = label
	return nil
}

// ReductionPartial combines this rank's partials in ascending patch
// order, returning the identity when there are none.
func (dw *DataWarehouse) ReductionPartial(label vars.VarLabel) float64 {
	dw.mu.RLock()
	defer dw.mu.RUnlock()

	m := dw.partials[label.Name]
	patches := make([]int, 0, len(m))
	for p := range m {
		patches = append(patches, p)
	}
	sort.Ints(patches)

	acc := label.Op.Identity()
	for i, p := range patches {
		if i == 0 {
			acc = m[p]
			continue
		}
		acc = label.Op.Combine(acc, m[p])
	}
	return acc
}

// SetReduction stores the globally reduced value.
func (dw *DataWarehouse) SetReduction(label vars.VarLabel, value float64) {
	dw.mu.Lock()
	defer dw.mu.Unlock()
	dw.reductions[label.Name] = &vars.ReductionVar{Op: label.Op, Value: value}
	dw.labels[label.Name] = label
}

// GetReduction returns the globally reduced value.
func (dw *DataWarehouse) GetReduction(label vars.VarLabel) (float64, error) {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	rv, ok := dw.reductions[label.Name]
	if !ok {
		return 0, fault.New(fault.Internal, "", label.Name, fmt.Errorf("%w: reduction %s", ErrNotFound, label.Name))
	}
	return rv.Value, nil
}

// Finalize makes the warehouse read-only for local puts.
func (dw *DataWarehouse) Finalize() {
	dw.mu.Lock()
	dw.finalized = true
	dw.mu.Unlock()
}

// Unfinalize reopens the warehouse for puts.
func (dw *DataWarehouse) Unfinalize() {
	dw.mu.Lock()
	dw.finalized = false
	dw.mu.Unlock()
}

// IsFinalized reports the finalize state.
func (dw *DataWarehouse) IsFinalized() bool {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	return dw.finalized
}

// AttachDevice binds a device mirror to this warehouse. The mirror moves
// with the warehouse when it becomes the old warehouse.
func (dw *DataWarehouse) AttachDevice(m *device.Mirror) {
	dw.mu.Lock()
	dw.mirror = m
	dw.mu.Unlock()
}

// Device returns the attached mirror, or nil.
func (dw *DataWarehouse) Device() *device.Mirror {
	dw.mu.RLock()
	defer dw.mu.RUnlock()
	return dw.mirror
}

// PutFromDevice stores a device-computed grid variable on the host,
// bypassing the finalize check used for task puts.
func (dw *DataWarehouse) PutFromDevice(label vars.VarLabel, patch, matl int, v *vars.GridVar) error {
	k := key(label, patch, matl)
	dw.mu.Lock()
	defer dw.mu.Unlock()
	if _, ok := dw.vars[k]; ok {
		return nil
	}
	dw.vars[k] = v
	dw.labels[label.Name] = label
	return nil
}

// Snapshot returns every locally stored variable and reduction as pieces,
// ordered by key.
func (dw *DataWarehouse) Snapshot() []vars.Piece {
	dw.mu.RLock()
	defer dw.mu.RUnlock()

	out := make([]vars.Piece, 0, len(dw.vars)+len(dw.reductions))
	for k, v := range dw.vars {
		label := dw.labels[k.Label]
		p := vars.Piece{Label: label, Key: k}
		switch tv := v.(type) {
		case *vars.GridVar:
			p.Box = tv.Box
			p.Data = append([]float64(nil), tv.Data...)
		case *vars.PerPatchVar:
			p.Data = []float64{tv.Value}
		}
		out = append(out, p)
	}
	for name, rv := range dw.reductions {
		out = append(out, vars.Piece{
			Label: dw.labels[name],
			Key:   vars.Key{Label: name, Patch: vars.NoPatch},
			Data:  []float64{rv.Value},
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Key, out[j].Key
		if a.Label != b.Label {
			return a.Label < b.Label
		}
		if a.Patch != b.Patch {
			return a.Patch < b.Patch
		}
		return a.Matl < b.Matl
	})
	return out
}

// SetParticleExchanger installs the particle exchange hook.
func (dw *DataWarehouse) SetParticleExchanger(fn ParticleExchanger) {
	dw.mu.Lock()
	dw.particles = fn
	dw.mu.Unlock()
}

// ExchangeParticleQuantities runs the installed exchanger for patches.
// Without one it does nothing; grid-only problems install none.
func (dw *DataWarehouse) ExchangeParticleQuantities(ctx context.Context, patches []int) error {
	dw.mu.RLock()
	fn := dw.particles
	dw.mu.RUnlock()
	if fn == nil || len(patches) == 0 {
		return nil
	}
	if err := fn(ctx, patches); err != nil {
		return fault.New(fault.Communication, "", "", fmt.Errorf("particle exchange: %w", err))
	}
	return nil
}
