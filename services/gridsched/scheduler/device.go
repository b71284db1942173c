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
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/device"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
	"github.com/AleutianAI/gridsched/services/gridsched/warehouse"
)

// Heterogeneous runs device tasks through the staged device pipeline
// and host tasks on the worker, copying device results to the host
// first when a host task reads them.
//
// Device task stages:
//
//	Run          InitiateTransferIn: claim and enqueue host-to-device copies
//	VerifyTransfer   mark copies valid, enqueue owned ghost assembly
//	FinalizeDevice   mark ghosts valid, wait for other claimers
//	DeviceReady      enqueue the body on the task's stream
//	Completion       mark computes valid, copy sent results back, complete
//
// Host task stages:
//
//	Run          InitiateTransferOut: claim and enqueue device-to-host copies
//	FinalizeHost     wait until every input is on the host
//	HostReady        run the body
//
// Thread Safety:
//
//	Safe for concurrent use by the unified scheduler's workers. A task's
//	stream and table belong to it alone from Run until completion.
type Heterogeneous struct {
	c       *core
	devices []*device.Device
	tables  *device.TablePool

	mu   sync.Mutex
	work map[int]*deviceWork
}

type validity struct {
	entry *device.Entry
	flag  device.Status
}

type hostNeed struct {
	label vars.VarLabel
	patch int
	matl  int
}

type ghostJob struct {
	id    device.VarID
	entry *device.Entry
	label vars.VarLabel
	dw    *warehouse.DataWarehouse
	box   grid.Box
}

type deviceWork struct {
	dev     *device.Device
	stream  *device.Stream
	table   *device.TaskTable
	claimed []*device.Entry
	ghosts  []ghostJob
	waits   []validity
	host    []hostNeed
	start   time.Time
}

func newHeterogeneous(c *core, devices, streams int) *Heterogeneous {
	if devices <= 0 {
		devices = 1
	}
	if streams <= 0 {
		streams = 4
	}
	h := &Heterogeneous{
		c:      c,
		tables: device.NewTablePool(),
		work:   make(map[int]*deviceWork),
	}
	for i := 0; i < devices; i++ {
		h.devices = append(h.devices, device.NewDevice(i, streams))
	}
	return h
}

// Name implements ExecutionBackend.
func (h *Heterogeneous) Name() string { return "heterogeneous" }

// BeginTimestep attaches a mirror to any warehouse without one.
func (h *Heterogeneous) BeginTimestep(ts Timestep) error {
	for _, dw := range []*warehouse.DataWarehouse{ts.OldDW, ts.NewDW} {
		if dw.Device() == nil {
			dw.AttachDevice(device.NewMirror(h.devices[0]))
		}
	}
	h.mu.Lock()
	clear(h.work)
	h.mu.Unlock()
	return nil
}

// Close releases every device stream.
func (h *Heterogeneous) Close() {
	for _, d := range h.devices {
		d.Close()
	}
}

func (h *Heterogeneous) put(t *detailed.Task, w *deviceWork) {
	h.mu.Lock()
	h.work[t.Index] = w
	h.mu.Unlock()
}

func (h *Heterogeneous) get(t *detailed.Task) *deviceWork {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.work[t.Index]
}

// release returns the task's stream and table and forgets it.
func (h *Heterogeneous) release(t *detailed.Task, w *deviceWork) error {
	h.mu.Lock()
	delete(h.work, t.Index)
	h.mu.Unlock()
	h.tables.Release(w.table)
	if w.stream == nil {
		return nil
	}
	if err := w.dev.Streams.Release(w.stream); err != nil {
		return fault.New(fault.Device, t.Name(), "", err)
	}
	return nil
}

// deviceError keeps the fault kind of a failed stream operation and
// classifies anything else as a device fault.
func deviceError(t *detailed.Task, err error) error {
	var fe *fault.Error
	if errors.As(err, &fe) {
		return taskError(t, err)
	}
	return fault.New(fault.Device, t.Name(), "", err)
}

// Run implements ExecutionBackend.
func (h *Heterogeneous) Run(ctx context.Context, t *detailed.Task) error {
	if t.Template.Type != taskgraph.Normal || !t.Template.UsesDevice || len(t.Patches) == 0 {
		return h.initiateTransferOut(ctx, t)
	}
	return h.initiateTransferIn(t)
}

// StageReady implements ExecutionBackend.
func (h *Heterogeneous) StageReady(st detailed.Stage, t *detailed.Task) bool {
	w := h.get(t)
	if w == nil || w.stream == nil {
		return true
	}
	switch st {
	case detailed.StageDeviceReady, detailed.StageHostReady:
		return true
	default:
		return w.stream.Query()
	}
}

// Step implements ExecutionBackend.
func (h *Heterogeneous) Step(ctx context.Context, st detailed.Stage, t *detailed.Task) error {
	w := h.get(t)
	if w == nil {
		return fault.New(fault.Internal, t.Name(), "", fmt.Errorf("no device state for stage %s", st))
	}
	switch st {
	case detailed.StageVerifyTransfer:
		return h.verifyTransferComplete(t, w)
	case detailed.StageFinalizeDevice:
		return h.finalizeDevicePreparation(t, w)
	case detailed.StageDeviceReady:
		return h.runOnDevice(ctx, t, w)
	case detailed.StageCompletion:
		return h.completionPending(ctx, t, w)
	case detailed.StageFinalizeHost:
		return h.finalizeHostPreparation(t, w)
	case detailed.StageHostReady:
		if err := h.release(t, w); err != nil {
			return err
		}
		return h.c.runCPU(ctx, t)
	default:
		return fault.New(fault.Internal, t.Name(), "", fmt.Errorf("unknown stage %s", st))
	}
}

// stagePlan collects a device task's table entries and transfers before
// the table is sized.
type stagePlan struct {
	entries []device.TableEntry
	copies  []device.Op
	work    *deviceWork
}

func (h *Heterogeneous) initiateTransferIn(t *detailed.Task) error {
	c := h.c
	g := c.graph.Grid()
	plan := &stagePlan{work: &deviceWork{dev: h.devices[t.Patches[0].ID%len(h.devices)]}}

	for _, p := range t.Patches {
		for _, m := range t.Matls {
			for _, d := range t.Template.Requires {
				if !d.Condition.Active(c.ts.First) || !d.Label.Kind.IsGrid() {
					continue
				}
				dw := c.dw(d.DW)
				oldDW := d.DW == taskgraph.OldDW
				switch {
				case len(d.FromPatches) > 0:
					for _, id := range d.FromPatches {
						q, err := g.Patch(id)
						if err != nil {
							return fault.New(fault.Internal, t.Name(), d.Label.Name, err)
						}
						h.stageInterior(plan, dw, d.Label, q, m, oldDW)
					}
				case d.Ghost == 0:
					h.stageInterior(plan, dw, d.Label, p, m, oldDW)
				default:
					h.stageGhost(plan, dw, d.Label, p, m, d.Ghost, oldDW)
				}
			}
			for _, d := range t.Template.Computes {
				if !d.Label.Kind.IsGrid() {
					continue
				}
				id := device.VarID{Key: vars.Key{Label: d.Label.Name, Patch: p.ID, Matl: m}}
				c.ts.NewDW.Device().Entry(id).Allocate(d.Label.Kind, p.Box)
				plan.entries = append(plan.entries, device.TableEntry{Var: &device.DeviceVarInfo{
					ID: id, Label: d.Label, Cells: p.Box, Dest: device.ToDevice, Computes: true,
				}})
			}
		}
	}

	w := plan.work
	w.table = h.tables.Acquire(len(plan.entries))
	for _, e := range plan.entries {
		if err := w.table.Add(e); err != nil {
			return fault.New(fault.Internal, t.Name(), "", err)
		}
	}
	w.stream = w.dev.Streams.Acquire()
	h.put(t, w)
	for _, op := range plan.copies {
		if err := w.stream.Enqueue(op); err != nil {
			return fault.New(fault.Device, t.Name(), "", err)
		}
	}
	c.graph.PushStage(detailed.StageVerifyTransfer, t)
	return nil
}

// stageInterior makes patch q's interior of label valid on the device,
// copying it from the host if no other task already claimed that copy.
func (h *Heterogeneous) stageInterior(plan *stagePlan, dw *warehouse.DataWarehouse, label vars.VarLabel, q *grid.Patch, matl int, oldDW bool) {
	mirror := dw.Device()
	id := device.VarID{Key: vars.Key{Label: label.Name, Patch: q.ID, Matl: matl}}
	e := mirror.Entry(id)
	info := &device.DeviceVarInfo{ID: id, Label: label, Cells: q.Box, Dest: device.ToDevice, OldDW: oldDW}

	if !e.Has(device.ValidOnDevice) && mirror.TestAndSetCopyingIntoDevice(id) {
		info.Claimed = true
		plan.work.claimed = append(plan.work.claimed, e)
		plan.copies = append(plan.copies, func() error {
			src, err := dw.Get(label, q.ID, matl, 0)
			if err != nil {
				return err
			}
			buf := e.Allocate(label.Kind, q.Box)
			if err := buf.CopyRegion(src, src.Box); err != nil {
				return fault.New(fault.ExtentMismatch, "", label.Name, err)
			}
			return nil
		})
	}
	plan.entries = append(plan.entries, device.TableEntry{Var: info})
	plan.work.waits = append(plan.work.waits, validity{entry: e, flag: device.ValidOnDevice})
}

// stageGhost makes label on p with ghost cells valid on the device.
// Exactly one task wins the assembly claim per instance; the rest wait
// for ValidWithGhosts.
func (h *Heterogeneous) stageGhost(plan *stagePlan, dw *warehouse.DataWarehouse, label vars.VarLabel, p *grid.Patch, matl, ghost int, oldDW bool) {
	g := h.c.graph.Grid()
	mirror := dw.Device()
	key := vars.Key{Label: label.Name, Patch: p.ID, Matl: matl}
	id := device.VarID{Key: key, Ghost: ghost}
	e := mirror.Entry(id)
	box := g.RequestedBox(p, ghost)
	info := &device.DeviceVarInfo{ID: id, Label: label, Cells: box, Dest: device.ToDevice, OldDW: oldDW}

	if !e.Has(device.ValidWithGhosts) && mirror.TestAndSetAwaitingGhostData(id) {
		info.Claimed = true
		plan.entries = append(plan.entries, device.TableEntry{Ghost: &device.GhostVarInfo{
			Dest:   id,
			Source: device.VarID{Key: key},
			Region: label.Kind.Extend(p.Box),
		}})
		for _, q := range g.Neighbors(p, ghost) {
			plan.entries = append(plan.entries, device.TableEntry{Ghost: &device.GhostVarInfo{
				Dest:    id,
				Source:  device.VarID{Key: vars.Key{Label: label.Name, Patch: q.ID, Matl: matl}},
				Region:  label.Kind.Extend(g.GhostRegion(p, q, ghost)),
				Foreign: !h.c.ownsPatch(q.ID),
			}})
		}
		plan.work.ghosts = append(plan.work.ghosts, ghostJob{id: id, entry: e, label: label, dw: dw, box: box})
	}
	plan.entries = append(plan.entries, device.TableEntry{Var: info})
	plan.work.waits = append(plan.work.waits, validity{entry: e, flag: device.ValidWithGhosts})
}

func (h *Heterogeneous) verifyTransferComplete(t *detailed.Task, w *deviceWork) error {
	if err := w.stream.Err(); err != nil {
		return deviceError(t, err)
	}
	for _, e := range w.claimed {
		e.Set(device.ValidOnDevice)
	}
	for _, job := range w.ghosts {
		var infos []device.GhostVarInfo
		for _, te := range w.table.Entries() {
			if te.Ghost != nil && te.Ghost.Dest == job.id {
				infos = append(infos, *te.Ghost)
			}
		}
		if err := w.stream.Enqueue(assembleGhosts(job, infos)); err != nil {
			return fault.New(fault.Device, t.Name(), job.label.Name, err)
		}
	}
	h.c.graph.PushStage(detailed.StageFinalizeDevice, t)
	return nil
}

// assembleGhosts copies the interior and every neighbor overlap into the
// ghost variable, from the device where the source is valid there and
// from the host otherwise.
func assembleGhosts(job ghostJob, infos []device.GhostVarInfo) device.Op {
	return func() error {
		buf := job.entry.Allocate(job.label.Kind, job.box)
		mirror := job.dw.Device()
		for _, gi := range infos {
			src, err := ghostSource(job, mirror, gi)
			if err != nil {
				return err
			}
			if err := buf.CopyRegion(src, gi.Region); err != nil {
				return fault.New(fault.ExtentMismatch, "", job.label.Name, err)
			}
		}
		return nil
	}
}

func ghostSource(job ghostJob, mirror *device.Mirror, gi device.GhostVarInfo) (*vars.GridVar, error) {
	if !gi.Foreign {
		if e, ok := mirror.Lookup(gi.Source); ok && e.Has(device.ValidOnDevice) {
			if b := e.Buffer(); b != nil && b.Box.Contains(gi.Region) {
				return b, nil
			}
		}
	}
	return job.dw.Region(job.label, gi.Source.Key.Patch, gi.Source.Key.Matl, gi.Region)
}

func (h *Heterogeneous) finalizeDevicePreparation(t *detailed.Task, w *deviceWork) error {
	if err := w.stream.Err(); err != nil {
		return deviceError(t, err)
	}
	for _, job := range w.ghosts {
		job.entry.Set(device.ValidOnDevice | device.ValidWithGhosts)
	}
	w.ghosts = nil
	for _, v := range w.waits {
		if !v.entry.Has(v.flag) {
			h.c.graph.PushStage(detailed.StageFinalizeDevice, t)
			return nil
		}
	}
	h.c.graph.PushStage(detailed.StageDeviceReady, t)
	return nil
}

func (h *Heterogeneous) runOnDevice(ctx context.Context, t *detailed.Task, w *deviceWork) error {
	c := h.c
	rc := c.runContext(t, taskgraph.GPU)
	rc.Stream = w.stream
	rc.OldMirror = c.ts.OldDW.Device()
	rc.NewMirror = c.ts.NewDW.Device()

	w.start = time.Now()
	if t.Template.Run != nil {
		if err := w.stream.Enqueue(func() error { return t.Template.Run(ctx, rc) }); err != nil {
			return fault.New(fault.Device, t.Name(), "", err)
		}
	}
	c.graph.PushStage(detailed.StageCompletion, t)
	return nil
}

// completionPending publishes the task's device results. Results that
// leave the rank are copied to the host first so the sends can read
// them.
func (h *Heterogeneous) completionPending(ctx context.Context, t *detailed.Task, w *deviceWork) error {
	c := h.c
	if err := w.stream.Err(); err != nil {
		return deviceError(t, err)
	}
	elapsed := time.Since(w.start)

	mirror := c.ts.NewDW.Device()
	toHost := len(c.graph.ActiveOutBatches(t)) > 0
	for _, te := range w.table.Entries() {
		if te.Var == nil || !te.Var.Computes {
			continue
		}
		e := mirror.Entry(te.Var.ID)
		e.Set(device.ValidOnDevice)
		if toHost && mirror.TestAndSetCopyingIntoHost(te.Var.ID) {
			k := te.Var.ID.Key
			if err := c.ts.NewDW.PutFromDevice(te.Var.Label, k.Patch, k.Matl, e.Buffer().Clone()); err != nil {
				return taskError(t, err)
			}
		}
	}
	if err := h.release(t, w); err != nil {
		return err
	}
	c.recordTask(ctx, t, taskgraph.GPU, elapsed)
	return c.complete(ctx, t, elapsed)
}

// hostNeeds lists the locally owned new-warehouse inputs of t that are
// not on the host yet.
func (h *Heterogeneous) hostNeeds(t *detailed.Task) []hostNeed {
	c := h.c
	g := c.graph.Grid()
	seen := make(map[vars.Key]bool)
	var out []hostNeed
	for _, p := range t.Patches {
		for _, m := range t.Matls {
			for _, d := range t.Template.Requires {
				if d.DW != taskgraph.NewDW || !d.Condition.Active(c.ts.First) || !d.Label.Kind.IsGrid() {
					continue
				}
				ids := []int{p.ID}
				if len(d.FromPatches) > 0 {
					ids = d.FromPatches
				} else if d.Ghost > 0 {
					for _, q := range g.Neighbors(p, d.Ghost) {
						ids = append(ids, q.ID)
					}
				}
				for _, q := range ids {
					k := vars.Key{Label: d.Label.Name, Patch: q, Matl: m}
					if seen[k] || !c.ownsPatch(q) || c.ts.NewDW.Exists(d.Label, q, m) {
						continue
					}
					seen[k] = true
					out = append(out, hostNeed{label: d.Label, patch: q, matl: m})
				}
			}
		}
	}
	return out
}

func (h *Heterogeneous) initiateTransferOut(ctx context.Context, t *detailed.Task) error {
	c := h.c
	needs := h.hostNeeds(t)
	if len(needs) == 0 {
		return c.runCPU(ctx, t)
	}

	w := &deviceWork{dev: h.devices[0], host: needs}
	w.stream = w.dev.Streams.Acquire()
	h.put(t, w)
	mirror := c.ts.NewDW.Device()
	for _, n := range needs {
		id := device.VarID{Key: vars.Key{Label: n.label.Name, Patch: n.patch, Matl: n.matl}}
		e, ok := mirror.Lookup(id)
		if !ok || !e.Has(device.ValidOnDevice) {
			if c.ts.NewDW.Exists(n.label, n.patch, n.matl) {
				continue
			}
			return fault.New(fault.Internal, t.Name(), n.label.Name,
				fmt.Errorf("%s is on neither the host nor the device", id.Key))
		}
		if !mirror.TestAndSetCopyingIntoHost(id) {
			continue
		}
		op := func() error {
			return c.ts.NewDW.PutFromDevice(n.label, n.patch, n.matl, e.Buffer().Clone())
		}
		if err := w.stream.Enqueue(op); err != nil {
			return fault.New(fault.Device, t.Name(), n.label.Name, err)
		}
	}
	c.graph.PushStage(detailed.StageFinalizeHost, t)
	return nil
}

func (h *Heterogeneous) finalizeHostPreparation(t *detailed.Task, w *deviceWork) error {
	if err := w.stream.Err(); err != nil {
		return deviceError(t, err)
	}
	for _, n := range w.host {
		if !h.c.ts.NewDW.Exists(n.label, n.patch, n.matl) {
			h.c.graph.PushStage(detailed.StageFinalizeHost, t)
			return nil
		}
	}
	h.c.graph.PushStage(detailed.StageHostReady, t)
	return nil
}

// FlushToHost copies every locally owned device-resident result of the
// timestep into the new warehouse so it can be finalized and sent as old
// data next timestep.
func (h *Heterogeneous) FlushToHost(context.Context) error {
	c := h.c
	dw := c.ts.NewDW
	mirror := dw.Device()
	if mirror == nil {
		return nil
	}
	if dw.IsFinalized() {
		dw.Unfinalize()
		defer dw.Finalize()
	}
	tg := c.graph.TaskGraph()
	for _, e := range mirror.Entries() {
		k := e.ID.Key
		if e.ID.Ghost != 0 || !e.Has(device.ValidOnDevice) || !c.ownsPatch(k.Patch) {
			continue
		}
		label, ok := tg.Label(k.Label)
		if !ok || dw.Exists(label, k.Patch, k.Matl) {
			continue
		}
		buf := e.Buffer()
		if buf == nil {
			continue
		}
		if err := dw.Put(label, k.Patch, k.Matl, buf.Clone()); err != nil {
			return fault.New(fault.Device, "", label.Name, err)
		}
	}
	return nil
}
