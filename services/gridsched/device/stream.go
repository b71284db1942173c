// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package device is an in-process model of an accelerator runtime.
//
// A Device owns memory (a Mirror of host variables) and a pool of
// Streams. A Stream executes enqueued operations in order on its own
// goroutine; callers observe completion only through the non-blocking
// Query, the same way an asynchronous copy engine is polled.
//
// # Thread Safety
//
// Stream, StreamPool and Mirror are safe for concurrent use. A Stream is
// owned by one task at a time; the pool enforces that by handing it out
// exclusively until Release.
package device

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
)

var (
	// ErrStreamClosed is returned when enqueueing on a closed stream.
	ErrStreamClosed = errors.New("stream closed")

	// ErrTableFull is returned when a task table receives more entries
	// than it was sized for.
	ErrTableFull = errors.New("task device table full")
)

// Op is one unit of stream work: a copy or a kernel.
type Op func() error

// Stream runs operations in FIFO order on a dedicated goroutine.
type Stream struct {
	ID     int
	Device int

	ops     chan Op
	pending atomic.Int64
	errMu   sync.Mutex
	err     error
	done    chan struct{}

	// closeMu makes the closed check and the send in Enqueue atomic
	// with respect to close.
	closeMu sync.RWMutex
	closed  bool
}

func newStream(device, id int) *Stream {
	s := &Stream{
		ID:     id,
		Device: device,
		ops:    make(chan Op, 64),
		done:   make(chan struct{}),
	}
	go s.loop()
	return s
}

func (s *Stream) loop() {
	defer close(s.done)
	for op := range s.ops {
		if err := op(); err != nil {
			s.errMu.Lock()
			if s.err == nil {
				s.err = err
			}
			s.errMu.Unlock()
		}
		s.pending.Add(-1)
	}
}

// Enqueue appends op to the stream.
func (s *Stream) Enqueue(op Op) error {
	s.closeMu.RLock()
	defer s.closeMu.RUnlock()
	if s.closed {
		return ErrStreamClosed
	}
	s.pending.Add(1)
	s.ops <- op
	return nil
}

// Query reports whether every enqueued operation has finished. Never
// blocks.
func (s *Stream) Query() bool {
	return s.pending.Load() == 0
}

// Err returns the first operation error since the last Reset.
func (s *Stream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Stream) reset() {
	s.errMu.Lock()
	s.err = nil
	s.errMu.Unlock()
}

func (s *Stream) close() {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return
	}
	s.closed = true
	close(s.ops)
	s.closeMu.Unlock()
	<-s.done
}

// StreamPool hands out streams for one device.
type StreamPool struct {
	device int
	mu     sync.Mutex
	free   []*Stream
	all    []*Stream
	nextID int
}

// NewStreamPool creates a pool with size streams created up front.
func NewStreamPool(device, size int) *StreamPool {
	p := &StreamPool{device: device}
	for i := 0; i < size; i++ {
		s := newStream(device, p.nextID)
		p.nextID++
		p.free = append(p.free, s)
		p.all = append(p.all, s)
	}
	return p
}

// Acquire returns an idle stream, creating one if the pool is empty.
func (p *StreamPool) Acquire() *Stream {
	p.mu.Lock()
	defer p.mu.Unlock()

	if n := len(p.free); n > 0 {
		s := p.free[n-1]
		p.free = p.free[:n-1]
		return s
	}
	s := newStream(p.device, p.nextID)
	p.nextID++
	p.all = append(p.all, s)
	return s
}

// Release returns a drained stream to the pool. Releasing a stream with
// pending work is an error.
func (p *StreamPool) Release(s *Stream) error {
	if s == nil {
		return nil
	}
	if !s.Query() {
		return fmt.Errorf("release stream %d on device %d: work still pending", s.ID, s.Device)
	}
	s.reset()
	p.mu.Lock()
	p.free = append(p.free, s)
	p.mu.Unlock()
	return nil
}

// Idle returns the number of streams waiting in the pool.
func (p *StreamPool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

// Close stops every stream the pool ever created.
func (p *StreamPool) Close() {
	p.mu.Lock()
	all := p.all
	p.all = nil
	p.free = nil
	p.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}

// Device is one simulated accelerator.
type Device struct {
	ID      int
	Streams *StreamPool
}

// NewDevice creates a device with streams pre-created streams.
func NewDevice(id, streams int) *Device {
	return &Device{ID: id, Streams: NewStreamPool(id, streams)}
}

// Close releases the device's streams.
func (d *Device) Close() {
	d.Streams.Close()
}
