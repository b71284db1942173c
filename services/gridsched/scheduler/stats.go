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
	"sync/atomic"
	"time"
)

type statCategory int

const (
	statSend statCategory = iota
	statRecv
	statTest
	statWait
	statTask
	statReduce

	numStatCategories
)

var statNames = [numStatCategories]string{"send", "recv", "test", "wait", "task", "reduce"}

// Stats is the timing of one Execute. Times are summed over every
// goroutine of the scheduler.
type Stats struct {
	Send     time.Duration `json:"send_ns"`
	Recv     time.Duration `json:"recv_ns"`
	Test     time.Duration `json:"test_ns"`
	Wait     time.Duration `json:"wait_ns"`
	Task     time.Duration `json:"task_ns"`
	Reduce   time.Duration `json:"reduce_ns"`
	Tasks    int           `json:"tasks"`
	Messages int           `json:"messages"`
	Bytes    int64         `json:"bytes"`
}

func (s Stats) byCategory() map[string]time.Duration {
	return map[string]time.Duration{
		statNames[statSend]:   s.Send,
		statNames[statRecv]:   s.Recv,
		statNames[statTest]:   s.Test,
		statNames[statWait]:   s.Wait,
		statNames[statTask]:   s.Task,
		statNames[statReduce]: s.Reduce,
	}
}

type timing struct {
	ns       [numStatCategories]atomic.Int64
	tasks    atomic.Int64
	messages atomic.Int64
	bytes    atomic.Int64
}

func (t *timing) add(cat statCategory, d time.Duration) {
	t.ns[cat].Add(int64(d))
}

func (t *timing) reset() {
	for i := range t.ns {
		t.ns[i].Store(0)
	}
	t.tasks.Store(0)
	t.messages.Store(0)
	t.bytes.Store(0)
}

func (t *timing) snapshot() Stats {
	return Stats{
		Send:     time.Duration(t.ns[statSend].Load()),
		Recv:     time.Duration(t.ns[statRecv].Load()),
		Test:     time.Duration(t.ns[statTest].Load()),
		Wait:     time.Duration(t.ns[statWait].Load()),
		Task:     time.Duration(t.ns[statTask].Load()),
		Reduce:   time.Duration(t.ns[statReduce].Load()),
		Tasks:    int(t.tasks.Load()),
		Messages: int(t.messages.Load()),
		Bytes:    t.bytes.Load(),
	}
}
