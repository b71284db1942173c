// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grid

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_Operations(t *testing.T) {
	a := Box{Low: IntVector{0, 0, 0}, High: IntVector{4, 4, 1}}
	b := Box{Low: IntVector{2, 2, 0}, High: IntVector{6, 6, 1}}

	assert.Equal(t, 16, a.Volume())
	assert.Equal(t, Box{Low: IntVector{2, 2, 0}, High: IntVector{4, 4, 1}}, a.Intersect(b))
	assert.True(t, a.Intersect(Box{Low: IntVector{5, 5, 0}, High: IntVector{6, 6, 1}}).Empty())
	assert.Equal(t, Box{Low: IntVector{-1, -1, -1}, High: IntVector{5, 5, 2}}, a.Grow(1))
	assert.True(t, a.Grow(1).Contains(a))
	assert.False(t, a.Contains(b))
	assert.Equal(t, 0, a.Index(IntVector{0, 0, 0}))
	assert.Equal(t, 5, a.Index(IntVector{1, 1, 0}))
}

func TestNewUniformGrid(t *testing.T) {
	g, err := NewUniformGrid(IntVector{8, 4, 1}, IntVector{2, 2, 1})
	require.NoError(t, err)
	require.Equal(t, 4, g.NumPatches())

	p3, err := g.Patch(3)
	require.NoError(t, err)
	assert.Equal(t, Box{Low: IntVector{4, 2, 0}, High: IntVector{8, 4, 1}}, p3.Box)

	_, err = g.Patch(4)
	assert.ErrorIs(t, err, ErrUnknownPatch)
}

func TestNewUniformGrid_BadLayout(t *testing.T) {
	_, err := NewUniformGrid(IntVector{7, 4, 1}, IntVector{2, 2, 1})
	assert.ErrorIs(t, err, ErrBadLayout)

	_, err = NewUniformGrid(IntVector{8, 4, 1}, IntVector{0, 2, 1})
	assert.ErrorIs(t, err, ErrBadLayout)
}

func TestGrid_Neighbors(t *testing.T) {
	g, err := NewUniformGrid(IntVector{12, 12, 1}, IntVector{3, 3, 1})
	require.NoError(t, err)

	center, _ := g.Patch(4)
	ids := func(ps []*Patch) []int {
		var out []int
		for _, p := range ps {
			out = append(out, p.ID)
		}
		return out
	}

	assert.Equal(t, []int{0, 1, 2, 3, 5, 6, 7, 8}, ids(g.Neighbors(center, 1)), "diagonals included")
	assert.Nil(t, g.Neighbors(center, 0))

	corner, _ := g.Patch(0)
	assert.Equal(t, []int{1, 3, 4}, ids(g.Neighbors(corner, 1)))

	region := g.GhostRegion(corner, center, 1)
	assert.Equal(t, Box{Low: IntVector{4, 4, 0}, High: IntVector{5, 5, 1}}, region)
	assert.Equal(t, Box{Low: IntVector{0, 0, 0}, High: IntVector{5, 5, 1}}, g.RequestedBox(corner, 1))
}

func TestBlockBalancer(t *testing.T) {
	g, err := NewUniformGrid(IntVector{10, 1, 1}, IntVector{5, 1, 1})
	require.NoError(t, err)

	lb, err := NewBlockBalancer(g, 2)
	require.NoError(t, err)

	assert.Equal(t, []int{0, 1, 2}, LocalPatches(lb, g, 0))
	assert.Equal(t, []int{3, 4}, LocalPatches(lb, g, 1))
	assert.Equal(t, -1, lb.PatchRank(9))

	lb.AddContribution("smooth", []int{0, 1}, 10*time.Millisecond)
	lb.AddContribution("smooth", []int{1}, 2*time.Millisecond)
	lb.AddContribution("reduce", nil, time.Millisecond)

	costs := lb.Costs()
	require.Len(t, costs, 2)
	assert.Equal(t, 5*time.Millisecond, costs[0].Cost)
	assert.Equal(t, 7*time.Millisecond, costs[1].Cost)
	assert.Equal(t, 2, lb.RunCount("smooth"))
	assert.Equal(t, 1, lb.RunCount("reduce"))

	_, err = NewBlockBalancer(g, 6)
	assert.ErrorIs(t, err, ErrBadRankCount)
}
