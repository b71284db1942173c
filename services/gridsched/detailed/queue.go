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
	"container/heap"
	"errors"
	"fmt"
	"strings"
)

// Discipline orders the externally-ready queue. It never affects
// correctness, only which ready task a worker picks first.
type Discipline int

const (
	FCFS Discipline = iota
	Stack
	Random
	MostChildren
	LeastChildren
	MostAllChildren
	LeastAllChildren
	MostL2Children
	LeastL2Children
	MostMessages
	LeastMessages
	PatchOrder
	PatchOrderRandom
)

var disciplineNames = []string{
	FCFS:             "FCFS",
	Stack:            "Stack",
	Random:           "Random",
	MostChildren:     "MostChildren",
	LeastChildren:    "LeastChildren",
	MostAllChildren:  "MostAllChildren",
	LeastAllChildren: "LeastAllChildren",
	MostL2Children:   "MostL2Children",
	LeastL2Children:  "LeastL2Children",
	MostMessages:     "MostMessages",
	LeastMessages:    "LeastMessages",
	PatchOrder:       "PatchOrder",
	PatchOrderRandom: "PatchOrderRandom",
}

// ErrUnknownDiscipline is returned by ParseDiscipline.
var ErrUnknownDiscipline = errors.New("unknown queue discipline")

func (d Discipline) String() string {
	if d >= 0 && int(d) < len(disciplineNames) {
		return disciplineNames[d]
	}
	return fmt.Sprintf("discipline(%d)", int(d))
}

// Disciplines returns every discipline name.
func Disciplines() []string {
	return append([]string(nil), disciplineNames...)
}

// ParseDiscipline accepts a discipline name, case-insensitively.
func ParseDiscipline(s string) (Discipline, error) {
	for i, name := range disciplineNames {
		if strings.EqualFold(s, name) {
			return Discipline(i), nil
		}
	}
	return FCFS, fmt.Errorf("%w: %q", ErrUnknownDiscipline, s)
}

// before reports whether a should be picked ahead of b.
func (d Discipline) before(a, b *Task) bool {
	switch d {
	case FCFS:
		return a.seq < b.seq
	case Stack:
		return a.seq > b.seq
	case Random:
		if a.randKey != b.randKey {
			return a.randKey < b.randKey
		}
		return a.seq < b.seq
	}

	ao, bo := a.Template.SortedOrder(), b.Template.SortedOrder()
	if ao != bo {
		return ao < bo
	}

	switch d {
	case MostChildren, LeastChildren:
		if x, y := a.Template.NumChildren(), b.Template.NumChildren(); x != y {
			return (x > y) == (d == MostChildren)
		}
	case MostAllChildren, LeastAllChildren:
		if x, y := a.Template.NumAllChildren(), b.Template.NumAllChildren(); x != y {
			return (x > y) == (d == MostAllChildren)
		}
	case MostL2Children, LeastL2Children:
		if x, y := a.Template.NumL2Children(), b.Template.NumL2Children(); x != y {
			return (x > y) == (d == MostL2Children)
		}
	case MostMessages, LeastMessages:
		if a.messages != b.messages {
			return (a.messages > b.messages) == (d == MostMessages)
		}
	case PatchOrder, PatchOrderRandom:
		if a.level() != b.level() {
			return a.level() < b.level()
		}
		if len(a.Patches) != len(b.Patches) {
			return len(a.Patches) > len(b.Patches)
		}
		if d == PatchOrderRandom {
			if a.randKey != b.randKey {
				return a.randKey < b.randKey
			}
		} else if a.firstPatch() != b.firstPatch() {
			return a.firstPatch() < b.firstPatch()
		}
	}
	return a.seq < b.seq
}

// readyHeap is the externally-ready priority queue.
type readyHeap struct {
	d     Discipline
	items []*Task
}

func (h *readyHeap) Len() int           { return len(h.items) }
func (h *readyHeap) Less(i, j int) bool { return h.d.before(h.items[i], h.items[j]) }
func (h *readyHeap) Swap(i, j int)      { h.items[i], h.items[j] = h.items[j], h.items[i] }
func (h *readyHeap) Push(x any)         { h.items = append(h.items, x.(*Task)) }
func (h *readyHeap) Pop() any {
	n := len(h.items)
	t := h.items[n-1]
	h.items[n-1] = nil
	h.items = h.items[:n-1]
	return t
}

func (h *readyHeap) push(t *Task) { heap.Push(h, t) }

func (h *readyHeap) pop() (*Task, bool) {
	if len(h.items) == 0 {
		return nil, false
	}
	return heap.Pop(h).(*Task), true
}

func (h *readyHeap) reset() {
	clear(h.items)
	h.items = h.items[:0]
}

// fifo is a slice-backed queue of task indices.
type fifo struct {
	items []int
	head  int
}

func (q *fifo) push(i int) { q.items = append(q.items, i) }

func (q *fifo) peek() (int, bool) {
	if q.head >= len(q.items) {
		return 0, false
	}
	return q.items[q.head], true
}

func (q *fifo) pop() (int, bool) {
	i, ok := q.peek()
	if !ok {
		return 0, false
	}
	q.head++
	if q.head == len(q.items) {
		q.items = q.items[:0]
		q.head = 0
	}
	return i, true
}

func (q *fifo) len() int { return len(q.items) - q.head }

// remove drops the first occurrence of i, keeping order.
func (q *fifo) remove(i int) bool {
	for j := q.head; j < len(q.items); j++ {
		if q.items[j] == i {
			q.items = append(q.items[:j], q.items[j+1:]...)
			if q.head == len(q.items) {
				q.items = q.items[:0]
				q.head = 0
			}
			return true
		}
	}
	return false
}

func (q *fifo) reset() {
	q.items = q.items[:0]
	q.head = 0
}
