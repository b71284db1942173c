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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailbox_FIFOPerSourceAndTag(t *testing.T) {
	m := NewMailbox()
	m.Deliver(1, 7, []byte("a"))
	m.Deliver(1, 7, []byte("b"))
	m.Deliver(2, 7, []byte("other source"))

	first := m.Recv(1, 7)
	second := m.Recv(1, 7)
	done, err := first.Test()
	require.True(t, done)
	require.NoError(t, err)
	assert.Equal(t, "a", string(first.Payload()))
	assert.Equal(t, "b", string(second.Payload()))

	pending := m.Recv(1, 7)
	done, _ = pending.Test()
	assert.False(t, done)
	m.Deliver(1, 7, []byte("c"))
	done, _ = pending.Test()
	assert.True(t, done)
	assert.Equal(t, "c", string(pending.Payload()))

	queued, waiting := m.Pending()
	assert.Equal(t, 1, queued)
	assert.Equal(t, 0, waiting)
}

func TestMailbox_Fail(t *testing.T) {
	m := NewMailbox()
	pending := m.Recv(0, 1)
	boom := errors.New("link down")
	m.Fail(boom)
	m.Fail(errors.New("second"))

	done, err := pending.Test()
	assert.True(t, done)
	assert.ErrorIs(t, err, boom)

	_, err = m.Recv(0, 2).Test()
	assert.ErrorIs(t, err, boom)
}

func TestRequestSet_TestSome(t *testing.T) {
	var s RequestSet
	ready := Completed([]byte("x"), nil)
	later := &Completion{}
	failed := Completed(nil, errors.New("bad"))

	var got []string
	s.Add(ready, func(r Request) error {
		got = append(got, string(r.Payload()))
		return nil
	})
	s.Add(later, nil)
	s.Add(failed, func(Request) error {
		t.Error("callback must not run for a failed request")
		return nil
	})

	n, err := s.TestSome()
	assert.Equal(t, 2, n)
	assert.EqualError(t, err, "bad")
	assert.Equal(t, []string{"x"}, got)
	assert.Equal(t, 1, s.Len())

	later.Complete(nil, nil)
	require.NoError(t, s.WaitAll(context.Background()))
	assert.Equal(t, 0, s.Len())
}

func TestRequestSet_WaitAllCancelled(t *testing.T) {
	var s RequestSet
	s.Add(&Completion{}, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := s.WaitAll(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCompletion_CompleteOnce(t *testing.T) {
	c := &Completion{}
	c.Complete([]byte("first"), nil)
	c.Complete([]byte("second"), errors.New("ignored"))
	done, err := c.Test()
	assert.True(t, done)
	assert.NoError(t, err)
	assert.Equal(t, "first", string(c.Payload()))
}
