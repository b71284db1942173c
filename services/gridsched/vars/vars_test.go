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
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
)

func box(lx, ly, hx, hy int) grid.Box {
	return grid.Box{Low: grid.IntVector{lx, ly, 0}, High: grid.IntVector{hx, hy, 1}}
}

func TestFieldKind_Extend(t *testing.T) {
	b := box(0, 0, 4, 4)
	assert.Equal(t, b, CellCentered.Extend(b))
	assert.Equal(t, box(0, 0, 5, 4), FaceX.Extend(b))
	assert.Equal(t, box(0, 0, 4, 5), FaceY.Extend(b))
	assert.Equal(t, grid.IntVector{4, 4, 2}, FaceZ.Extend(b).High)
	assert.True(t, FaceZ.IsGrid())
	assert.False(t, Reduction.IsGrid())
	assert.Equal(t, FaceY, FaceLabel("v", 1).Kind)
}

func TestReduceOp(t *testing.T) {
	assert.Equal(t, 5.0, Sum.Combine(2, 3))
	assert.Equal(t, 2.0, Min.Combine(2, 3))
	assert.Equal(t, 3.0, Max.Combine(2, 3))
	assert.True(t, math.IsInf(Min.Identity(), 1))
	assert.Equal(t, 7.0, Max.Combine(Max.Identity(), 7))
}

func TestGridVar_CopyRegion(t *testing.T) {
	src := NewGridVar(CellCentered, box(0, 0, 4, 4))
	ForEach(src.Box, func(c grid.IntVector) { src.Set(c, float64(c[0]+10*c[1])) })

	dst := NewGridVar(CellCentered, box(3, 0, 8, 4))
	require.NoError(t, dst.CopyRegion(src, box(3, 0, 4, 4)))
	assert.Equal(t, 3.0, dst.At(grid.IntVector{3, 0, 0}))
	assert.Equal(t, 33.0, dst.At(grid.IntVector{3, 3, 0}))
	assert.Equal(t, 0.0, dst.At(grid.IntVector{4, 0, 0}))

	err := dst.CopyRegion(src, box(2, 0, 4, 4))
	assert.ErrorIs(t, err, ErrRegionOutside)
}

func TestGridVar_WindowAndClone(t *testing.T) {
	v := NewGridVar(CellCentered, box(0, 0, 3, 3))
	ForEach(v.Box, func(c grid.IntVector) { v.Set(c, float64(c[0]*c[1])) })

	w, err := v.Window(box(1, 1, 3, 3))
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2, 2, 4}, w.Data)

	c := v.Clone()
	c.Data[0] = 99
	assert.Equal(t, 0.0, v.Data[0])
}

func TestEncodeDecodePieces_ExactBits(t *testing.T) {
	pieces := []Piece{
		{
			Label: CellLabel("T"),
			Key:   Key{Label: "T", Patch: 3, Matl: 1, Level: 0},
			Box:   box(4, 0, 6, 1),
			Data:  []float64{0.1 + 0.2, math.Copysign(0, -1)},
		},
		{
			Label: ReductionLabel("energy", Max),
			Key:   Key{Label: "energy", Patch: NoPatch},
			Data:  []float64{math.Inf(-1)},
			OldDW: true,
		},
	}

	got, err := DecodePieces(EncodePieces(pieces))
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, pieces[0].Key, got[0].Key)
	assert.Equal(t, pieces[0].Box, got[0].Box)
	for i := range pieces[0].Data {
		assert.Equal(t, math.Float64bits(pieces[0].Data[i]), math.Float64bits(got[0].Data[i]))
	}
	assert.Equal(t, Max, got[1].Label.Op)
	assert.True(t, got[1].OldDW)
	assert.True(t, math.IsInf(got[1].Data[0], -1))
}

func TestDecodePieces_Corrupt(t *testing.T) {
	msg := EncodePieces([]Piece{{Label: CellLabel("T"), Box: box(0, 0, 2, 1), Data: []float64{1, 2}}})

	_, err := DecodePieces(msg[:len(msg)-4])
	assert.ErrorIs(t, err, ErrCorruptMessage)

	_, err = DecodePieces([]byte{9, 0, 0, 0, 0})
	assert.ErrorIs(t, err, ErrCorruptMessage)

	_, err = DecodePieces([]byte{1, 0xff, 0xff, 0xff, 0xff})
	assert.ErrorIs(t, err, ErrCorruptMessage)

	bad := EncodePieces([]Piece{{Label: CellLabel("T"), Box: box(0, 0, 2, 1), Data: []float64{1, 2}}})
	bad[1+4+2+1] = 42 // kind byte after the one-letter name
	_, err = DecodePieces(bad)
	assert.ErrorIs(t, err, ErrCorruptMessage)

	empty := EncodePieces([]Piece{{Label: PerPatchLabel("dt"), Key: Key{Label: "dt"}}})
	_, err = DecodePieces(empty)
	assert.ErrorIs(t, err, ErrCorruptMessage)
}
