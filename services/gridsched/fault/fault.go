// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fault classifies the fatal conditions of a scheduler run.
//
// Every error a rank cannot recover from is wrapped in an *Error carrying
// its Kind, the task and variable involved, and the rank that hit it. No
// kind is ever downgraded to a warning: the driver logs the error and
// aborts every rank of the run with a non-zero exit status.
package fault

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the category of a fatal error.
type Kind int

const (
	// Internal is an invariant violation inside the scheduler itself.
	Internal Kind = iota
	// Configuration covers bad task graphs and bad run configuration.
	Configuration
	// Convergence is a numerical failure reported by a task body.
	Convergence
	// Communication is any failed send, receive or collective.
	Communication
	// Device is any failed device allocation, copy or stream operation.
	Device
	// ExtentMismatch is a ghost or size mismatch between a stored
	// variable and the region a task asked for.
	ExtentMismatch
)

func (k Kind) String() string {
	switch k {
	case Configuration:
		return "configuration"
	case Convergence:
		return "convergence"
	case Communication:
		return "communication"
	case Device:
		return "device"
	case ExtentMismatch:
		return "extent_mismatch"
	default:
		return "internal"
	}
}

// Error is a fatal scheduler error.
type Error struct {
	Kind     Kind
	Task     string
	Variable string
	Rank     int
	Err      error
}

// NoRank marks errors raised before a rank is known.
const NoRank = -1

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	b.WriteString(" error")
	if e.Rank != NoRank {
		fmt.Fprintf(&b, " on rank %d", e.Rank)
	}
	if e.Task != "" {
		fmt.Fprintf(&b, " in task %q", e.Task)
	}
	if e.Variable != "" {
		fmt.Fprintf(&b, " for variable %q", e.Variable)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates an Error of the given kind with no rank attached.
func New(kind Kind, task, variable string, err error) *Error {
	return &Error{Kind: kind, Task: task, Variable: variable, Rank: NoRank, Err: err}
}

// Newf creates an Error of the given kind from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, "", "", fmt.Errorf(format, args...))
}

// WithRank returns a copy of err tagged with rank when err is an *Error
// with no rank yet; any other error is wrapped as Internal.
func WithRank(err error, rank int) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Rank != NoRank {
			return err
		}
		cp := *fe
		cp.Rank = rank
		return &cp
	}
	return &Error{Kind: Internal, Rank: rank, Err: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or
// Internal when there is none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return Internal
}

// Is reports whether err carries a fault of the given kind.
func Is(err error, kind Kind) bool {
	var fe *Error
	return errors.As(err, &fe) && fe.Kind == kind
}

// ExitCode maps a fatal error to a process exit status. Never zero for a
// non-nil error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case Configuration:
		return 2
	case Convergence:
		return 3
	case Communication:
		return 4
	case Device:
		return 5
	case ExtentMismatch:
		return 6
	default:
		return 1
	}
}
