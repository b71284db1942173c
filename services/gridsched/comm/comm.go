// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package comm defines the non-blocking point-to-point transport the
// scheduler exchanges dependency batches over, plus the pieces every
// transport shares: a tag-matching mailbox, a polled request set and
// the collectives built on top of point-to-point messages.
//
// Messages between one (source, tag) pair are matched in the order they
// were sent. Nothing else is ordered.
package comm

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

var (
	// ErrClosed is returned by operations on a closed communicator.
	ErrClosed = errors.New("communicator closed")

	// ErrBadRank is returned for a peer rank outside the world.
	ErrBadRank = errors.New("peer rank out of range")
)

// CollectiveTagBase is the first tag reserved for collectives. Batch tags
// must stay below it.
const CollectiveTagBase = 1 << 30

// Communicator sends and receives tagged byte messages between ranks.
//
// Thread Safety:
//
//	Implementations must be safe for concurrent use.
type Communicator interface {
	// Rank returns this process's rank.
	Rank() int

	// Size returns the number of ranks.
	Size() int

	// Isend starts sending payload to dest. The payload must not be
	// modified until the request completes.
	Isend(ctx context.Context, dest, tag int, payload []byte) (Request, error)

	// Irecv posts a receive for the next message from src with tag.
	Irecv(ctx context.Context, src, tag int) (Request, error)

	// Close releases the transport. Pending receives fail.
	Close() error
}

// Request is an outstanding non-blocking operation.
type Request interface {
	// Test reports completion without blocking. A non-nil error means the
	// operation failed and is complete.
	Test() (bool, error)

	// Payload returns the received bytes once a receive completed.
	Payload() []byte
}

// Completion is a Request finished by whoever owns it.
type Completion struct {
	done    atomic.Bool
	mu      sync.Mutex
	payload []byte
	err     error
}

// Completed returns a request that is already done.
func Completed(payload []byte, err error) *Completion {
	c := &Completion{}
	c.Complete(payload, err)
	return c
}

// Complete finishes the request. Later calls are ignored.
func (c *Completion) Complete(payload []byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.done.Load() {
		return
	}
	c.payload = payload
	c.err = err
	c.done.Store(true)
}

// Test implements Request.
func (c *Completion) Test() (bool, error) {
	if !c.done.Load() {
		return false, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return true, c.err
}

// Payload implements Request.
func (c *Completion) Payload() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.payload
}

// Wait polls req until it completes or ctx is done, yielding the
// processor between polls.
func Wait(ctx context.Context, req Request) error {
	for {
		done, err := req.Test()
		if done {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}
}

// CheckPeer validates a peer rank.
func CheckPeer(c Communicator, peer int) error {
	if peer < 0 || peer >= c.Size() {
		return fault.New(fault.Communication, "", "",
			fmt.Errorf("%w: %d of %d", ErrBadRank, peer, c.Size()))
	}
	return nil
}
