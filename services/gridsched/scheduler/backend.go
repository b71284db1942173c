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
	"fmt"

	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

// ExecutionBackend runs externally-ready tasks for the unified
// scheduler.
//
// A backend either finishes a task inside Run or parks it in one of the
// graph's stage queues. The scheduler then calls Step for the head of a
// stage once StageReady reports it can make progress.
type ExecutionBackend interface {
	// Name identifies the backend in logs.
	Name() string
	// BeginTimestep prepares for a timestep before any task runs.
	BeginTimestep(ts Timestep) error
	// Run starts an externally-ready task.
	Run(ctx context.Context, t *detailed.Task) error
	// StageReady reports whether t at the head of st can advance. It
	// must not block.
	StageReady(st detailed.Stage, t *detailed.Task) bool
	// Step advances t, just removed from st.
	Step(ctx context.Context, st detailed.Stage, t *detailed.Task) error
	// FlushToHost makes every locally owned result valid on the host.
	FlushToHost(ctx context.Context) error
	// Close releases backend resources.
	Close()
}

// CpuOnly runs every task body on the calling worker.
type CpuOnly struct {
	c *core
}

func newCpuOnly(c *core) *CpuOnly {
	return &CpuOnly{c: c}
}

// Name implements ExecutionBackend.
func (b *CpuOnly) Name() string { return "cpu" }

// BeginTimestep implements ExecutionBackend.
func (b *CpuOnly) BeginTimestep(Timestep) error { return nil }

// Run implements ExecutionBackend.
func (b *CpuOnly) Run(ctx context.Context, t *detailed.Task) error {
	return b.c.runCPU(ctx, t)
}

// StageReady implements ExecutionBackend. The CPU backend never stages.
func (b *CpuOnly) StageReady(detailed.Stage, *detailed.Task) bool { return false }

// Step implements ExecutionBackend.
func (b *CpuOnly) Step(_ context.Context, st detailed.Stage, t *detailed.Task) error {
	return fault.New(fault.Internal, t.Name(), "", fmt.Errorf("cpu backend has no stage %s", st))
}

// FlushToHost implements ExecutionBackend.
func (b *CpuOnly) FlushToHost(context.Context) error { return nil }

// Close implements ExecutionBackend.
func (b *CpuOnly) Close() {}
