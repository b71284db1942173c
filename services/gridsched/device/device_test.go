// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package device

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

func TestMirror_GhostClaimExclusive(t *testing.T) {
	dev := NewDevice(0, 1)
	defer dev.Close()
	m := NewMirror(dev)
	id := VarID{Key: vars.Key{Label: "T", Patch: 4}, Ghost: 1}

	const claimers = 8
	var wins atomic.Int32
	var start sync.WaitGroup
	var done sync.WaitGroup
	start.Add(1)
	for i := 0; i < claimers; i++ {
		done.Add(1)
		go func() {
			defer done.Done()
			start.Wait()
			if m.TestAndSetAwaitingGhostData(id) {
				wins.Add(1)
			}
		}()
	}
	start.Done()
	done.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.True(t, m.Entry(id).Has(AwaitingGhostCopy))
}

func TestEntry_Flags(t *testing.T) {
	e := &Entry{}
	assert.True(t, e.TestAndSet(CopyingIntoDevice))
	assert.False(t, e.TestAndSet(CopyingIntoDevice))
	e.Set(ValidOnDevice)
	e.Clear(CopyingIntoDevice)
	assert.True(t, e.Has(ValidOnDevice))
	assert.False(t, e.Has(CopyingIntoDevice))
	assert.True(t, e.TestAndSet(CopyingIntoDevice))

	cells := grid.Box{High: grid.IntVector{2, 2, 1}}
	buf := e.Allocate(vars.CellCentered, cells)
	assert.Same(t, buf, e.Allocate(vars.CellCentered, cells))
	assert.True(t, e.Has(Allocated))
}

func TestStream_OrderAndQuery(t *testing.T) {
	pool := NewStreamPool(0, 1)
	defer pool.Close()

	s := pool.Acquire()
	gate := make(chan struct{})
	var order []int
	require.NoError(t, s.Enqueue(func() error { <-gate; order = append(order, 1); return nil }))
	require.NoError(t, s.Enqueue(func() error { order = append(order, 2); return nil }))

	assert.False(t, s.Query())
	assert.Error(t, pool.Release(s), "pending stream must not be released")

	close(gate)
	require.Eventually(t, s.Query, time.Second, time.Millisecond)
	assert.Equal(t, []int{1, 2}, order)
	require.NoError(t, pool.Release(s))
	assert.Equal(t, 1, pool.Idle())
}

func TestStream_ErrorSticky(t *testing.T) {
	pool := NewStreamPool(0, 0)
	defer pool.Close()

	s := pool.Acquire()
	boom := errors.New("copy failed")
	require.NoError(t, s.Enqueue(func() error { return boom }))
	require.NoError(t, s.Enqueue(func() error { return nil }))
	require.Eventually(t, s.Query, time.Second, time.Millisecond)
	assert.ErrorIs(t, s.Err(), boom)

	require.NoError(t, pool.Release(s))
	assert.NoError(t, s.Err(), "release resets stream error")
}

func TestStream_EnqueueRacingClose(t *testing.T) {
	pool := NewStreamPool(0, 1)
	s := pool.Acquire()

	var ran, rejected atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				err := s.Enqueue(func() error { ran.Add(1); return nil })
				if err != nil {
					assert.ErrorIs(t, err, ErrStreamClosed)
					rejected.Add(1)
				}
			}
		}()
	}
	pool.Close()
	wg.Wait()

	assert.Equal(t, int64(800), ran.Load()+rejected.Load(), "every op either ran or was rejected")
	assert.ErrorIs(t, s.Enqueue(func() error { return nil }), ErrStreamClosed)
}

func TestTablePool_ExactSize(t *testing.T) {
	p := NewTablePool()
	tbl := p.Acquire(2)
	assert.Equal(t, 2, tbl.Cap())

	require.NoError(t, tbl.Add(TableEntry{Var: &DeviceVarInfo{}}))
	require.NoError(t, tbl.Add(TableEntry{Ghost: &GhostVarInfo{}}))
	assert.True(t, tbl.Full())
	assert.ErrorIs(t, tbl.Add(TableEntry{}), ErrTableFull)

	p.Release(tbl)
	again := p.Acquire(2)
	assert.Empty(t, again.Entries())
	assert.Equal(t, 2, again.Cap())
}
