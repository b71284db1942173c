// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detailed

import (
	"fmt"
	"math/rand/v2"
	"sync"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
)

// Stage is a device pipeline queue.
type Stage int

const (
	// StageVerifyTransfer holds tasks whose host-to-device copies are in
	// flight.
	StageVerifyTransfer Stage = iota
	// StageFinalizeDevice holds tasks whose ghost copies are in flight.
	StageFinalizeDevice
	// StageDeviceReady holds tasks whose device inputs are all valid.
	StageDeviceReady
	// StageCompletion holds tasks whose device work is in flight.
	StageCompletion
	// StageFinalizeHost holds CPU tasks whose device-to-host copies are
	// in flight.
	StageFinalizeHost
	// StageHostReady holds CPU tasks whose host inputs are all valid.
	StageHostReady

	numStages
)

// StagesLatestFirst is the order workers scan the pipeline in.
var StagesLatestFirst = []Stage{
	StageCompletion,
	StageDeviceReady,
	StageFinalizeDevice,
	StageVerifyTransfer,
	StageHostReady,
	StageFinalizeHost,
}

func (s Stage) String() string {
	switch s {
	case StageVerifyTransfer:
		return "verify_transfer"
	case StageFinalizeDevice:
		return "finalize_device"
	case StageDeviceReady:
		return "device_ready"
	case StageCompletion:
		return "completion_pending"
	case StageFinalizeHost:
		return "finalize_host"
	case StageHostReady:
		return "host_ready"
	default:
		return fmt.Sprintf("stage(%d)", int(s))
	}
}

// Graph is the detailed task graph of one rank plus its per-timestep
// readiness state.
type Graph struct {
	rank      int
	ranks     int
	numPhases int
	tg        *taskgraph.Graph
	grid      *grid.Grid

	tasks    []*Task
	internal []*InternalDep
	batches  []*Batch
	deps     []*Dep
	local    []int

	// mu is the dependency-counter lock. Everything below is guarded.
	mu             sync.Mutex
	discipline     Discipline
	rng            *rand.Rand
	generation     int
	seq            uint64
	internalReady  fifo
	externalReady  readyHeap
	parked         [][]int
	phaseTasks     []int
	phaseTasksDone []int
	phaseSync      []int
	currphase      int
	done           int
	stages         [numStages]fifo
	err            error
}

// Rank returns the executing rank.
func (g *Graph) Rank() int { return g.rank }

// NumRanks returns the number of ranks the graph was expanded over.
func (g *Graph) NumRanks() int { return g.ranks }

// NumPhases returns the number of phases.
func (g *Graph) NumPhases() int { return g.numPhases }

// TaskGraph returns the abstract graph this was compiled from.
func (g *Graph) TaskGraph() *taskgraph.Graph { return g.tg }

// Grid returns the grid.
func (g *Graph) Grid() *grid.Grid { return g.grid }

// Tasks returns every task on every rank.
func (g *Graph) Tasks() []*Task { return g.tasks }

// Task returns the task at index i.
func (g *Graph) Task(i int) *Task { return g.tasks[i] }

// Batches returns every batch.
func (g *Graph) Batches() []*Batch { return g.batches }

// Batch returns the batch at index i.
func (g *Graph) Batch(i int) *Batch { return g.batches[i] }

// Deps returns every dep.
func (g *Graph) Deps() []*Dep { return g.deps }

// InternalDeps returns every same-rank edge.
func (g *Graph) InternalDeps() []*InternalDep { return g.internal }

// NumLocal returns the number of tasks this rank executes.
func (g *Graph) NumLocal() int { return len(g.local) }

// LocalTasks returns the tasks this rank executes in static order.
func (g *Graph) LocalTasks() []*Task {
	out := make([]*Task, len(g.local))
	for i, idx := range g.local {
		out[i] = g.tasks[idx]
	}
	return out
}

// NumTags returns the size of the batch tag space.
func (g *Graph) NumTags() int { return len(g.batches) }

// SetDiscipline selects the externally-ready ordering and seeds the
// random disciplines. Call before the first InitTimestep.
func (g *Graph) SetDiscipline(d Discipline, seed uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.discipline = d
	g.externalReady.d = d
	g.initRNG(seed)
}

// Discipline returns the active queue discipline.
func (g *Graph) Discipline() Discipline {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.discipline
}

func (g *Graph) initRNG(seed uint64) {
	g.rng = rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// InitTimestep resets every counter and queue for a new timestep.
//
// Description:
//
//	Bumps the generation, evaluates every conditional edge and batch for
//	the iteration, recounts internal and external dependencies of local
//	tasks and seeds the internally-ready queue with tasks that have no
//	active same-rank predecessor. Tasks of later phases are parked until
//	their phase is reached.
//
// Inputs:
//
//	first - True on the first executed timestep of the run.
//
// Thread Safety:
//
//	Must not overlap with execution of the previous timestep.
func (g *Graph) InitTimestep(first bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.generation++
	g.err = nil
	for _, e := range g.internal {
		e.active = anyActive(e.Conditions, first)
	}
	for _, b := range g.batches {
		b.active, b.posted, b.received = false, false, false
	}
	for _, d := range g.deps {
		d.active = anyActive(d.Conditions, first)
		if d.active {
			g.batches[d.Batch].active = true
		}
	}

	if len(g.phaseTasks) != g.numPhases {
		g.phaseTasks = make([]int, g.numPhases)
		g.phaseTasksDone = make([]int, g.numPhases)
		g.phaseSync = make([]int, g.numPhases)
		g.parked = make([][]int, g.numPhases)
	}
	for p := 0; p < g.numPhases; p++ {
		g.phaseTasks[p] = 0
		g.phaseTasksDone[p] = 0
		g.phaseSync[p] = -1
		g.parked[p] = g.parked[p][:0]
	}
	g.currphase = 0
	g.done = 0
	g.internalReady.reset()
	g.externalReady.reset()
	for i := range g.stages {
		g.stages[i].reset()
	}

	for _, i := range g.local {
		t := g.tasks[i]
		t.state = Init
		t.initiated = false
		t.pendingInternal = 0
		t.externalCount = 0
		for _, e := range t.internalIn {
			if g.internal[e].active {
				t.pendingInternal++
			}
		}
		for _, b := range t.inBatches {
			if g.batches[b].active {
				t.externalCount++
			}
		}
		g.phaseTasks[t.Phase]++
	}
	for _, i := range g.local {
		if t := g.tasks[i]; t.pendingInternal == 0 {
			g.makeInternalReady(t)
		}
	}
	g.advancePhases()
}

// Generation returns the current timestep generation.
func (g *Graph) Generation() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.generation
}

func (g *Graph) makeInternalReady(t *Task) {
	if t.Phase <= g.currphase {
		g.internalReady.push(t.Index)
		return
	}
	g.parked[t.Phase] = append(g.parked[t.Phase], t.Index)
}

func (g *Graph) advancePhases() {
	for g.currphase+1 < g.numPhases && g.phaseTasksDone[g.currphase] == g.phaseTasks[g.currphase] {
		g.currphase++
		for _, i := range g.parked[g.currphase] {
			g.internalReady.push(i)
		}
		g.parked[g.currphase] = g.parked[g.currphase][:0]
	}
}

func (g *Graph) transition(t *Task, to State) error {
	if !canTransition(t.state, to) {
		err := fault.New(fault.Internal, t.name, "",
			fmt.Errorf("illegal transition %s -> %s", t.state, to))
		if g.err == nil {
			g.err = err
		}
		return err
	}
	t.state = to
	return nil
}

// Err returns the first illegal state transition of the timestep.
func (g *Graph) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.err
}

// State returns a task's current state.
func (g *Graph) State(t *Task) State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return t.state
}

// CurrentPhase returns the lowest phase with unfinished local tasks.
func (g *Graph) CurrentPhase() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.currphase
}

// PopInternal removes the oldest internally-ready task.
func (g *Graph) PopInternal() (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.internalReady.pop()
	if !ok {
		return nil, false
	}
	return g.tasks[i], true
}

// SetPhaseSync registers t as the reduction closing its phase. It is
// handed out by TakePhaseReduction once every other task of the phase is
// done.
func (g *Graph) SetPhaseSync(t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.phaseSync[t.Phase] = t.Index
}

// TakePhaseReduction returns the current phase's reduction task when it
// is the only unfinished local task of the phase.
func (g *Graph) TakePhaseReduction() (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	p := g.currphase
	idx := g.phaseSync[p]
	if idx < 0 || g.phaseTasksDone[p] != g.phaseTasks[p]-1 {
		return nil, false
	}
	t := g.tasks[idx]
	if err := g.transition(t, Running); err != nil {
		return nil, false
	}
	g.phaseSync[p] = -1
	return t, true
}

// ActiveInBatches returns the batches t must receive this timestep.
func (g *Graph) ActiveInBatches(t *Task) []*Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Batch
	for _, bi := range t.inBatches {
		if b := g.batches[bi]; b.active {
			out = append(out, b)
		}
	}
	return out
}

// ActiveOutBatches returns the batches t sends this timestep.
func (g *Graph) ActiveOutBatches(t *Task) []*Batch {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Batch
	for _, bi := range t.outBatches {
		if b := g.batches[bi]; b.active {
			out = append(out, b)
		}
	}
	return out
}

// ActiveDeps returns the deps of b that apply this timestep.
func (g *Graph) ActiveDeps(b *Batch) []*Dep {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []*Dep
	for _, di := range b.Deps {
		if d := g.deps[di]; d.active {
			out = append(out, d)
		}
	}
	return out
}

// ClaimReceive reports whether the caller should post the receive for b.
// Exactly one caller per timestep wins.
func (g *Graph) ClaimReceive(b *Batch) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.posted {
		return false
	}
	b.posted = true
	return true
}

// MarkInitiated records that t's receives are posted and moves it on to
// awaiting-external or externally-ready.
func (g *Graph) MarkInitiated(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transition(t, Initiated); err != nil {
		return err
	}
	t.initiated = true
	if t.externalCount == 0 {
		return g.pushExternal(t)
	}
	return g.transition(t, AwaitingExternal)
}

func (g *Graph) pushExternal(t *Task) error {
	if err := g.transition(t, ExternallyReady); err != nil {
		return err
	}
	t.seq = g.seq
	g.seq++
	t.randKey = g.rng.Uint64()
	g.externalReady.push(t)
	return nil
}

// BatchReceived records the arrival of b and releases consumers whose
// last outstanding batch it was.
func (g *Graph) BatchReceived(b *Batch) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b.received {
		return nil
	}
	b.received = true
	for _, ti := range b.ToTasks {
		t := g.tasks[ti]
		if t.Rank != g.rank {
			continue
		}
		t.externalCount--
		if t.externalCount == 0 && t.initiated && t.state == AwaitingExternal {
			if err := g.pushExternal(t); err != nil {
				return err
			}
		}
	}
	return nil
}

// PopExternal removes the best externally-ready task under the
// discipline and marks it running.
func (g *Graph) PopExternal() (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	t, ok := g.externalReady.pop()
	if !ok {
		return nil, false
	}
	if err := g.transition(t, Running); err != nil {
		return nil, false
	}
	return t, true
}

// Done marks t finished and releases its same-rank dependents.
//
// Description:
//
//	Each active outgoing edge decrements its dependent at most once per
//	generation. When the current phase has no unfinished tasks the phase
//	advances and parked tasks of the new phase become internally ready.
func (g *Graph) Done(t *Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.transition(t, Done); err != nil {
		return err
	}
	for _, ei := range t.internalOut {
		e := g.internal[ei]
		if !e.active || e.satisfiedGen == g.generation {
			continue
		}
		e.satisfiedGen = g.generation
		dep := g.tasks[e.Dependent]
		dep.pendingInternal--
		if dep.pendingInternal == 0 {
			g.makeInternalReady(dep)
		}
	}
	g.phaseTasksDone[t.Phase]++
	g.done++
	g.advancePhases()
	return nil
}

// Finished reports whether every local task is done.
func (g *Graph) Finished() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done == len(g.local)
}

// NumDone returns the number of local tasks done this timestep.
func (g *Graph) NumDone() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.done
}

// QueueLengths returns the internally- and externally-ready counts.
func (g *Graph) QueueLengths() (internal, external int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.internalReady.len(), g.externalReady.Len()
}

// PushStage appends t to a device pipeline queue.
func (g *Graph) PushStage(s Stage, t *Task) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.stages[s].push(t.Index)
}

// PeekStage returns the head of a device pipeline queue.
func (g *Graph) PeekStage(s Stage) (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.stages[s].peek()
	if !ok {
		return nil, false
	}
	return g.tasks[i], true
}

// PopStage removes the head of a device pipeline queue.
func (g *Graph) PopStage(s Stage) (*Task, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	i, ok := g.stages[s].pop()
	if !ok {
		return nil, false
	}
	return g.tasks[i], true
}

// TakeStage removes and returns the first of the leading limit tasks of
// a device pipeline queue for which ready reports true. ready is called
// without the counter lock held, so it may poll streams.
//
// Only one goroutine may take from a given stage at a time; pushes may
// run concurrently.
func (g *Graph) TakeStage(s Stage, limit int, ready func(*Task) bool) (*Task, bool) {
	g.mu.Lock()
	q := &g.stages[s]
	n := min(q.len(), limit)
	prefix := make([]int, n)
	copy(prefix, q.items[q.head:q.head+n])
	g.mu.Unlock()

	for _, i := range prefix {
		t := g.tasks[i]
		if !ready(t) {
			continue
		}
		g.mu.Lock()
		ok := q.remove(i)
		g.mu.Unlock()
		if ok {
			return t, true
		}
	}
	return nil, false
}

// StageLen returns the length of a device pipeline queue.
func (g *Graph) StageLen(s Stage) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.stages[s].len()
}
