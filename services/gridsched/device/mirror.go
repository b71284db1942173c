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
	"sort"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// Status is a bit set describing where a variable instance is valid and
// which transfers are in flight.
type Status uint32

const (
	// Allocated means device storage exists.
	Allocated Status = 1 << iota
	// ValidOnDevice means the device copy holds current interior data.
	ValidOnDevice
	// CopyingIntoDevice is claimed by the task performing host-to-device.
	CopyingIntoDevice
	// CopyingIntoHost is claimed by the task performing device-to-host.
	CopyingIntoHost
	// AwaitingGhostCopy is claimed by the task assembling ghost cells.
	AwaitingGhostCopy
	// ValidWithGhosts means ghost cells on the device are assembled.
	ValidWithGhosts
)

// VarID names a device copy: the host key plus the ghost width the
// storage was assembled with. Interior-only copies use Ghost 0.
type VarID struct {
	Key   vars.Key
	Ghost int
}

// Entry is the device side of one variable instance.
type Entry struct {
	ID     VarID
	status atomic.Uint32

	mu  sync.RWMutex
	buf *vars.GridVar
}

// Status returns a snapshot of the flags.
func (e *Entry) Status() Status {
	return Status(e.status.Load())
}

// Has reports whether every flag in s is set.
func (e *Entry) Has(s Status) bool {
	return Status(e.status.Load())&s == s
}

// Set raises flags.
func (e *Entry) Set(s Status) {
	for {
		old := e.status.Load()
		if e.status.CompareAndSwap(old, old|uint32(s)) {
			return
		}
	}
}

// Clear lowers flags.
func (e *Entry) Clear(s Status) {
	for {
		old := e.status.Load()
		if e.status.CompareAndSwap(old, old&^uint32(s)) {
			return
		}
	}
}

// TestAndSet raises flag and reports true only for the caller that
// observed it lowered.
func (e *Entry) TestAndSet(flag Status) bool {
	for {
		old := e.status.Load()
		if old&uint32(flag) != 0 {
			return false
		}
		if e.status.CompareAndSwap(old, old|uint32(flag)) {
			return true
		}
	}
}

// Buffer returns the device storage, nil before allocation.
func (e *Entry) Buffer() *vars.GridVar {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.buf
}

// Allocate creates zeroed device storage over cells once; later calls
// return the existing storage.
func (e *Entry) Allocate(kind vars.FieldKind, cells grid.Box) *vars.GridVar {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.buf == nil {
		e.buf = vars.NewGridVar(kind, cells)
		e.Set(Allocated)
	}
	return e.buf
}

// Mirror is a device's view of one data warehouse.
type Mirror struct {
	Device  *Device
	mu      sync.Mutex
	entries map[VarID]*Entry
}

// NewMirror creates an empty mirror bound to dev.
func NewMirror(dev *Device) *Mirror {
	return &Mirror{Device: dev, entries: make(map[VarID]*Entry)}
}

// Entry returns the entry for id, creating it when absent.
func (m *Mirror) Entry(id VarID) *Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		e = &Entry{ID: id}
		m.entries[id] = e
	}
	return e
}

// Lookup returns the entry for id if one exists.
func (m *Mirror) Lookup(id VarID) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	return e, ok
}

// TestAndSetAwaitingGhostData claims ghost assembly for id.
func (m *Mirror) TestAndSetAwaitingGhostData(id VarID) bool {
	return m.Entry(id).TestAndSet(AwaitingGhostCopy)
}

// TestAndSetCopyingIntoDevice claims the host-to-device copy for id.
func (m *Mirror) TestAndSetCopyingIntoDevice(id VarID) bool {
	return m.Entry(id).TestAndSet(CopyingIntoDevice)
}

// TestAndSetCopyingIntoHost claims the device-to-host copy for id.
func (m *Mirror) TestAndSetCopyingIntoHost(id VarID) bool {
	return m.Entry(id).TestAndSet(CopyingIntoHost)
}

// Entries returns all entries ordered by key for deterministic walks.
func (m *Mirror) Entries() []*Entry {
	m.mu.Lock()
	out := make([]*Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].ID, out[j].ID
		if a.Key.Label != b.Key.Label {
			return a.Key.Label < b.Key.Label
		}
		if a.Key.Patch != b.Key.Patch {
			return a.Key.Patch < b.Key.Patch
		}
		if a.Key.Matl != b.Key.Matl {
			return a.Key.Matl < b.Key.Matl
		}
		return a.Ghost < b.Ghost
	})
	return out
}

// Len returns the number of entries.
func (m *Mirror) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
