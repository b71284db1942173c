// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package local is an in-process transport: every rank is a goroutine
// group in the same process and messages are copied between mailboxes.
package local

import (
	"context"
	"slices"
	"sync/atomic"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

type world struct {
	boxes  []*comm.Mailbox
	closed []atomic.Bool
}

// Comm is one rank's endpoint of an in-process world.
type Comm struct {
	rank int
	w    *world
}

// NewWorld creates size connected endpoints, indexed by rank.
func NewWorld(size int) []*Comm {
	w := &world{
		boxes:  make([]*comm.Mailbox, size),
		closed: make([]atomic.Bool, size),
	}
	out := make([]*Comm, size)
	for r := range out {
		w.boxes[r] = comm.NewMailbox()
		out[r] = &Comm{rank: r, w: w}
	}
	return out
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return len(c.w.boxes) }

// Isend copies payload into dest's mailbox and completes at once.
func (c *Comm) Isend(_ context.Context, dest, tag int, payload []byte) (comm.Request, error) {
	if err := comm.CheckPeer(c, dest); err != nil {
		return nil, err
	}
	if c.w.closed[c.rank].Load() || c.w.closed[dest].Load() {
		return nil, fault.New(fault.Communication, "", "", comm.ErrClosed)
	}
	c.w.boxes[dest].Deliver(c.rank, tag, slices.Clone(payload))
	return comm.Completed(nil, nil), nil
}

// Irecv implements comm.Communicator.
func (c *Comm) Irecv(_ context.Context, src, tag int) (comm.Request, error) {
	if err := comm.CheckPeer(c, src); err != nil {
		return nil, err
	}
	if c.w.closed[c.rank].Load() {
		return nil, fault.New(fault.Communication, "", "", comm.ErrClosed)
	}
	return c.w.boxes[c.rank].Recv(src, tag), nil
}

// Close fails this rank's pending receives.
func (c *Comm) Close() error {
	if c.w.closed[c.rank].Swap(true) {
		return nil
	}
	c.w.boxes[c.rank].Fail(fault.New(fault.Communication, "", "", comm.ErrClosed))
	return nil
}
