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

import "sync"

type mailKey struct {
	src, tag int
}

// Mailbox matches arriving messages to posted receives by (source, tag)
// in FIFO order.
type Mailbox struct {
	mu      sync.Mutex
	queued  map[mailKey][][]byte
	waiting map[mailKey][]*Completion
	failed  error
}

// NewMailbox creates an empty mailbox.
func NewMailbox() *Mailbox {
	return &Mailbox{
		queued:  make(map[mailKey][][]byte),
		waiting: make(map[mailKey][]*Completion),
	}
}

// Deliver hands an arrived message to the oldest matching receive, or
// queues it until one is posted.
func (m *Mailbox) Deliver(src, tag int, payload []byte) {
	m.mu.Lock()
	k := mailKey{src, tag}
	if w := m.waiting[k]; len(w) > 0 {
		req := w[0]
		if len(w) == 1 {
			delete(m.waiting, k)
		} else {
			m.waiting[k] = w[1:]
		}
		m.mu.Unlock()
		req.Complete(payload, nil)
		return
	}
	m.queued[k] = append(m.queued[k], payload)
	m.mu.Unlock()
}

// Recv posts a receive. It completes at once when a matching message is
// already queued.
func (m *Mailbox) Recv(src, tag int) *Completion {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failed != nil {
		return Completed(nil, m.failed)
	}
	k := mailKey{src, tag}
	if q := m.queued[k]; len(q) > 0 {
		payload := q[0]
		if len(q) == 1 {
			delete(m.queued, k)
		} else {
			m.queued[k] = q[1:]
		}
		return Completed(payload, nil)
	}
	req := &Completion{}
	m.waiting[k] = append(m.waiting[k], req)
	return req
}

// Fail completes every pending and future receive with err. The first
// failure wins.
func (m *Mailbox) Fail(err error) {
	m.mu.Lock()
	if m.failed != nil {
		m.mu.Unlock()
		return
	}
	m.failed = err
	waiting := m.waiting
	m.waiting = make(map[mailKey][]*Completion)
	m.mu.Unlock()

	for _, reqs := range waiting {
		for _, r := range reqs {
			r.Complete(nil, err)
		}
	}
}

// Pending returns the number of queued messages and posted receives.
func (m *Mailbox) Pending() (queued, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, q := range m.queued {
		queued += len(q)
	}
	for _, w := range m.waiting {
		waiting += len(w)
	}
	return queued, waiting
}
