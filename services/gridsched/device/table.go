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
	"fmt"
	"sync"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// Destination says which side of a transfer a staged variable ends on.
type Destination int

const (
	// ToDevice stages a host variable onto the device.
	ToDevice Destination = iota
	// ToHost stages a device variable back to the host.
	ToHost
)

// DeviceVarInfo describes one variable a task moves between host and
// device, or allocates on the device for its computes.
type DeviceVarInfo struct {
	ID       VarID
	Label    vars.VarLabel
	Cells    grid.Box
	Dest     Destination
	Computes bool
	OldDW    bool
	// Claimed is set when this task won the transfer claim and must
	// publish validity once its stream drains.
	Claimed bool
}

// GhostVarInfo describes one ghost-region copy into a device variable.
type GhostVarInfo struct {
	Dest   VarID
	Source VarID
	Region grid.Box
	// Foreign copies come from host-resident pieces received from
	// another rank.
	Foreign bool
}

// TableEntry is either a DeviceVarInfo or a GhostVarInfo.
type TableEntry struct {
	Var   *DeviceVarInfo
	Ghost *GhostVarInfo
}

// TaskTable is the per-task device metadata table. Its capacity is fixed
// at acquisition to the exact number of entries the task needs.
type TaskTable struct {
	entries []TableEntry
	size    int
}

// Add appends an entry, failing once the table is full.
func (t *TaskTable) Add(e TableEntry) error {
	if len(t.entries) >= t.size {
		return fmt.Errorf("%w: capacity %d", ErrTableFull, t.size)
	}
	t.entries = append(t.entries, e)
	return nil
}

// Entries returns the entries in insertion order.
func (t *TaskTable) Entries() []TableEntry {
	return t.entries
}

// Cap returns the exact capacity the table was sized for.
func (t *TaskTable) Cap() int {
	return t.size
}

// Full reports whether every slot has been filled.
func (t *TaskTable) Full() bool {
	return len(t.entries) == t.size
}

// TablePool recycles task tables by exact size.
type TablePool struct {
	mu    sync.Mutex
	pools map[int]*sync.Pool
}

// NewTablePool creates an empty table pool.
func NewTablePool() *TablePool {
	return &TablePool{pools: make(map[int]*sync.Pool)}
}

func (p *TablePool) pool(size int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sp, ok := p.pools[size]
	if !ok {
		sp = &sync.Pool{New: func() any {
			return &TaskTable{entries: make([]TableEntry, 0, size), size: size}
		}}
		p.pools[size] = sp
	}
	return sp
}

// Acquire returns an empty table with capacity exactly size.
func (p *TablePool) Acquire(size int) *TaskTable {
	t := p.pool(size).Get().(*TaskTable)
	t.entries = t.entries[:0]
	return t
}

// Release returns a table to the pool.
func (p *TablePool) Release(t *TaskTable) {
	if t == nil {
		return
	}
	clear(t.entries)
	t.entries = t.entries[:0]
	p.pool(t.size).Put(t)
}
