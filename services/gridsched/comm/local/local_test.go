// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package local

import (
	"context"
	"math"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

func TestComm_SendRecv(t *testing.T) {
	ctx := context.Background()
	world := NewWorld(2)
	a, b := world[0], world[1]
	assert.Equal(t, 2, a.Size())
	assert.Equal(t, 1, b.Rank())

	payload := []byte{1, 2, 3}
	sreq, err := a.Isend(ctx, 1, 5, payload)
	require.NoError(t, err)
	require.NoError(t, comm.Wait(ctx, sreq))
	payload[0] = 9

	rreq, err := b.Irecv(ctx, 0, 5)
	require.NoError(t, err)
	require.NoError(t, comm.Wait(ctx, rreq))
	assert.Equal(t, []byte{1, 2, 3}, rreq.Payload(), "payload is copied on send")
}

func TestComm_BadPeerAndClose(t *testing.T) {
	ctx := context.Background()
	world := NewWorld(2)

	_, err := world[0].Isend(ctx, 2, 0, nil)
	assert.ErrorIs(t, err, comm.ErrBadRank)
	assert.Equal(t, fault.Communication, fault.KindOf(err))

	pending, err := world[1].Irecv(ctx, 0, 3)
	require.NoError(t, err)
	require.NoError(t, world[1].Close())
	require.NoError(t, world[1].Close())
	done, err := pending.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, comm.ErrClosed)

	_, err = world[0].Isend(ctx, 1, 3, nil)
	assert.ErrorIs(t, err, comm.ErrClosed)
}

func TestCollective_AllreduceAndBarrier(t *testing.T) {
	ctx := context.Background()
	world := NewWorld(4)
	results := make([]float64, len(world))
	maxes := make([]float64, len(world))

	var wg sync.WaitGroup
	for r, c := range world {
		wg.Add(1)
		go func(r int, c *Comm) {
			defer wg.Done()
			col := comm.NewCollective(c)
			sum, err := col.Allreduce(ctx, float64(r+1), func(a, b float64) float64 { return a + b })
			assert.NoError(t, err)
			results[r] = sum
			assert.NoError(t, col.Barrier(ctx))
			m, err := col.Allreduce(ctx, float64(r), math.Max)
			assert.NoError(t, err)
			maxes[r] = m
		}(r, c)
	}
	wg.Wait()

	for r := range world {
		assert.Equal(t, 10.0, results[r])
		assert.Equal(t, 3.0, maxes[r])
	}
}
