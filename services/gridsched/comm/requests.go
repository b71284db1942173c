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
	"errors"
	"runtime"
	"sync"
)

// DoneFunc runs once when a request in a RequestSet completes
// successfully.
type DoneFunc func(req Request) error

type pendingRequest struct {
	req    Request
	onDone DoneFunc
}

// RequestSet is a polled collection of outstanding requests.
//
// Thread Safety:
//
//	Safe for concurrent use. Only one goroutine polls at a time; other
//	callers of TestSome return immediately. Callbacks run while the
//	set's lock is held.
type RequestSet struct {
	mu    sync.Mutex
	items []pendingRequest
}

// Add registers a request. onDone may be nil.
func (s *RequestSet) Add(req Request, onDone DoneFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, pendingRequest{req: req, onDone: onDone})
}

// Len returns the number of outstanding requests.
func (s *RequestSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// TestSome polls every outstanding request once and runs the callbacks
// of those that completed.
//
// Outputs:
//
//	int   - Number of requests that completed in this call.
//	error - The first transport or callback error. Completed requests
//	        are removed even on error.
func (s *RequestSet) TestSome() (int, error) {
	if !s.mu.TryLock() {
		return 0, nil
	}
	defer s.mu.Unlock()

	var errs []error
	n := 0
	keep := s.items[:0]
	for _, p := range s.items {
		done, err := p.req.Test()
		if !done {
			keep = append(keep, p)
			continue
		}
		n++
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if p.onDone != nil {
			if err := p.onDone(p.req); err != nil {
				errs = append(errs, err)
			}
		}
	}
	clear(s.items[len(keep):])
	s.items = keep
	if len(errs) > 0 {
		return n, errs[0]
	}
	return n, nil
}

// WaitAll polls until every request completes or ctx is done.
func (s *RequestSet) WaitAll(ctx context.Context) error {
	var errs []error
	for s.Len() > 0 {
		if _, err := s.TestSome(); err != nil {
			errs = append(errs, err)
		}
		if err := ctx.Err(); err != nil {
			return errors.Join(append(errs, err)...)
		}
		runtime.Gosched()
	}
	return errors.Join(errs...)
}
