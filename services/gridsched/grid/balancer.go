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
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

// LoadBalancer assigns patches to ranks and receives per-task cost
// measurements.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use. AddContribution is
//	called from every worker after each task run.
type LoadBalancer interface {
	// PatchRank returns the owning rank of a patch.
	PatchRank(patchID int) int

	// NumRanks returns the number of ranks patches are spread across.
	NumRanks() int

	// AddContribution records the wall time a task spent on patches.
	AddContribution(task string, patches []int, elapsed time.Duration)
}

// ErrBadRankCount indicates a rank count that cannot own the grid.
var ErrBadRankCount = errors.New("invalid rank count")

// BlockBalancer assigns contiguous runs of patch ids to ranks and keeps
// per-patch accumulated cost.
type BlockBalancer struct {
	ranks  int
	owner  []int
	mu     sync.Mutex
	costs  map[int]time.Duration
	counts map[string]int
}

// NewBlockBalancer splits the grid's patches into ranks contiguous
// blocks, the first numPatches%ranks blocks holding one extra patch.
func NewBlockBalancer(g *Grid, ranks int) (*BlockBalancer, error) {
	n := g.NumPatches()
	if ranks <= 0 || ranks > n {
		return nil, fmt.Errorf("%w: %d ranks for %d patches", ErrBadRankCount, ranks, n)
	}

	owner := make([]int, n)
	base, extra := n/ranks, n%ranks
	id := 0
	for r := 0; r < ranks; r++ {
		size := base
		if r < extra {
			size++
		}
		for i := 0; i < size; i++ {
			owner[id] = r
			id++
		}
	}

	return &BlockBalancer{
		ranks:  ranks,
		owner:  owner,
		costs:  make(map[int]time.Duration),
		counts: make(map[string]int),
	}, nil
}

// PatchRank returns the owning rank, or -1 for an unknown patch.
func (b *BlockBalancer) PatchRank(patchID int) int {
	if patchID < 0 || patchID >= len(b.owner) {
		return -1
	}
	return b.owner[patchID]
}

// NumRanks returns the rank count.
func (b *BlockBalancer) NumRanks() int {
	return b.ranks
}

// AddContribution splits elapsed evenly over the patches the task ran on.
func (b *BlockBalancer) AddContribution(task string, patches []int, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts[task]++
	if len(patches) == 0 {
		return
	}
	share := elapsed / time.Duration(len(patches))
	for _, p := range patches {
		b.costs[p] += share
	}
}

// PatchCost is the accumulated cost of one patch.
type PatchCost struct {
	Patch int           `json:"patch"`
	Rank  int           `json:"rank"`
	Cost  time.Duration `json:"cost_ns"`
}

// Costs returns the accumulated cost of every measured patch, by id.
func (b *BlockBalancer) Costs() []PatchCost {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]PatchCost, 0, len(b.costs))
	for p, c := range b.costs {
		out = append(out, PatchCost{Patch: p, Rank: b.PatchRank(p), Cost: c})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Patch < out[j].Patch })
	return out
}

// RunCount returns how many contributions a task name has reported.
func (b *BlockBalancer) RunCount(task string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[task]
}

// LocalPatches returns the ids owned by rank, ascending.
func LocalPatches(lb LoadBalancer, g *Grid, rank int) []int {
	var out []int
	for _, p := range g.Patches() {
		if lb.PatchRank(p.ID) == rank {
			out = append(out, p.ID)
		}
	}
	return out
}
