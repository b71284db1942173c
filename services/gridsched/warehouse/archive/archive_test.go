// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package archive

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

func openTest(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a
}

func TestArchive_SaveLoad(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	pieces := []vars.Piece{
		{
			Label: vars.CellLabel("T"),
			Key:   vars.Key{Label: "T", Patch: 0},
			Box:   grid.Box{High: grid.IntVector{2, 1, 1}},
			Data:  []float64{1.5, 2.5},
		},
		{
			Label: vars.ReductionLabel("energy", vars.Sum),
			Key:   vars.Key{Label: "energy", Patch: vars.NoPatch},
			Data:  []float64{4},
		},
	}

	m, err := a.Save(ctx, 1, 10, pieces)
	require.NoError(t, err)
	assert.NotEmpty(t, m.ID)
	assert.Equal(t, 2, m.Pieces)

	got, loaded, err := a.Load(ctx, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, m.ID, got.ID)
	require.Len(t, loaded, 2)
	assert.Equal(t, "T", loaded[0].Key.Label)
	assert.Equal(t, []float64{1.5, 2.5}, loaded[0].Data)
	assert.Equal(t, vars.NoPatch, loaded[1].Key.Patch)
}

func TestArchive_LoadMissing(t *testing.T) {
	a := openTest(t)
	_, _, err := a.Load(context.Background(), 0, 3)
	assert.ErrorIs(t, err, ErrNoCheckpoint)
}

func TestArchive_StepsPerRank(t *testing.T) {
	a := openTest(t)
	ctx := context.Background()

	for _, step := range []int{20, 5, 10} {
		_, err := a.Save(ctx, 0, step, nil)
		require.NoError(t, err)
	}
	_, err := a.Save(ctx, 1, 7, nil)
	require.NoError(t, err)

	steps, err := a.Steps(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, []int{5, 10, 20}, steps)

	steps, err = a.Steps(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []int{7}, steps)
}

func TestOpen_PersistentRequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}
