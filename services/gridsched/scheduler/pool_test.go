// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadPool_RunOnEveryWorker(t *testing.T) {
	p := NewThreadPool(3, false, nil)
	defer p.Close()
	require.Equal(t, 4, p.Size())

	var mu sync.Mutex
	seen := make(map[int]int)
	for i := 0; i < 5; i++ {
		err := p.Run(context.Background(), func(_ context.Context, w *Worker) {
			mu.Lock()
			seen[w.ID]++
			mu.Unlock()
		})
		require.NoError(t, err)
	}
	assert.Equal(t, map[int]int{0: 5, 1: 5, 2: 5, 3: 5}, seen)
}

func TestThreadPool_ZeroWorkersRunsOnCaller(t *testing.T) {
	p := NewThreadPool(0, false, nil)
	defer p.Close()

	var calls atomic.Int32
	require.NoError(t, p.Run(context.Background(), func(_ context.Context, w *Worker) {
		calls.Add(1)
		assert.Equal(t, 0, w.ID)
	}))
	assert.Equal(t, int32(1), calls.Load())
}

func TestThreadPool_PinnedWorkersStillRun(t *testing.T) {
	p := NewThreadPool(2, true, nil)
	defer p.Close()

	var calls atomic.Int32
	require.NoError(t, p.Run(context.Background(), func(context.Context, *Worker) {
		calls.Add(1)
	}))
	assert.Equal(t, int32(3), calls.Load())
}

func TestThreadPool_Closed(t *testing.T) {
	p := NewThreadPool(2, false, nil)
	p.Close()
	p.Close()
	err := p.Run(context.Background(), func(context.Context, *Worker) {
		t.Error("closed pool must not run work")
	})
	assert.ErrorIs(t, err, ErrPoolClosed)
}
