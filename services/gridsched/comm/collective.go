// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package comm

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

// Collective runs collectives over point-to-point messages. Every rank
// must issue the same collectives in the same order; each call consumes
// one sequence number from the reserved tag space.
type Collective struct {
	c   Communicator
	mu  sync.Mutex
	seq int
}

// NewCollective wraps a communicator.
func NewCollective(c Communicator) *Collective {
	return &Collective{c: c}
}

func (col *Collective) nextTag() int {
	tag := CollectiveTagBase + col.seq
	col.seq++
	return tag
}

// Allreduce combines value across ranks and returns the result on every
// rank.
//
// Description:
//
//	Non-root ranks send to rank 0, which folds the contributions in rank
//	order starting from its own and broadcasts the result. The fold order
//	is fixed, so the result is identical on every rank.
//
// Inputs:
//
//	ctx     - Cancels the wait.
//	value   - This rank's contribution.
//	combine - Associative combining function.
//
// Outputs:
//
//	float64 - The combined value.
//	error   - A communication fault.
func (col *Collective) Allreduce(ctx context.Context, value float64, combine func(a, b float64) float64) (float64, error) {
	col.mu.Lock()
	defer col.mu.Unlock()

	gatherTag := col.nextTag()
	bcastTag := col.nextTag()
	size, rank := col.c.Size(), col.c.Rank()
	if size == 1 {
		return value, nil
	}

	if rank != 0 {
		if err := col.send(ctx, 0, gatherTag, value); err != nil {
			return 0, err
		}
		return col.recv(ctx, 0, bcastTag)
	}

	acc := value
	for src := 1; src < size; src++ {
		v, err := col.recv(ctx, src, gatherTag)
		if err != nil {
			return 0, err
		}
		acc = combine(acc, v)
	}
	for dest := 1; dest < size; dest++ {
		if err := col.send(ctx, dest, bcastTag, acc); err != nil {
			return 0, err
		}
	}
	return acc, nil
}

// Barrier returns once every rank has entered it.
func (col *Collective) Barrier(ctx context.Context) error {
	_, err := col.Allreduce(ctx, 0, func(a, b float64) float64 { return a + b })
	return err
}

func (col *Collective) send(ctx context.Context, dest, tag int, v float64) error {
	buf := binary.LittleEndian.AppendUint64(nil, math.Float64bits(v))
	req, err := col.c.Isend(ctx, dest, tag, buf)
	if err != nil {
		return err
	}
	if err := Wait(ctx, req); err != nil {
		return collectiveError(err)
	}
	return nil
}

func (col *Collective) recv(ctx context.Context, src, tag int) (float64, error) {
	req, err := col.c.Irecv(ctx, src, tag)
	if err != nil {
		return 0, err
	}
	if err := Wait(ctx, req); err != nil {
		return 0, collectiveError(err)
	}
	p := req.Payload()
	if len(p) != 8 {
		return 0, fault.New(fault.Communication, "", "",
			fmt.Errorf("collective payload of %d bytes from rank %d", len(p), src))
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(p)), nil
}

func collectiveError(err error) error {
	if fault.KindOf(err) == fault.Communication {
		return err
	}
	return fault.New(fault.Communication, "", "", err)
}
