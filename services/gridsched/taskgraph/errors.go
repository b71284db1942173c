// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package taskgraph

import (
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

var (
	// ErrNilTask is returned when adding a nil task.
	ErrNilTask = errors.New("task must not be nil")

	// ErrEmptyName is returned when a task has no name.
	ErrEmptyName = errors.New("task name must not be empty")

	// ErrNoBody is returned when a normal task has no Run function.
	ErrNoBody = errors.New("task has no body")

	// ErrDuplicateTask is returned when two tasks share a name.
	ErrDuplicateTask = errors.New("duplicate task name")

	// ErrAlreadyCompiled is returned when modifying a compiled graph.
	ErrAlreadyCompiled = errors.New("task graph already compiled")

	// ErrNotCompiled is returned when using an uncompiled graph.
	ErrNotCompiled = errors.New("task graph not compiled")

	// ErrUnresolvedRequire is returned when a required variable is not
	// computed by any task.
	ErrUnresolvedRequire = errors.New("required variable is never computed")

	// ErrMultipleProducers is returned when two tasks compute the same
	// variable on the same patch.
	ErrMultipleProducers = errors.New("variable computed by more than one task")

	// ErrKindConflict is returned when a variable name is used with two
	// different kinds.
	ErrKindConflict = errors.New("variable declared with conflicting kinds")

	// ErrBadDependency is returned for malformed Requires/Computes.
	ErrBadDependency = errors.New("invalid dependency")

	// ErrCycleDetected is returned when NewDW dependencies form a cycle.
	ErrCycleDetected = errors.New("cycle detected in task graph")

	// ErrPhaseReductions is returned when a phase would hold more than one
	// reduction task.
	ErrPhaseReductions = errors.New("phase has more than one reduction task")
)

// CycleError reports the task names along a dependency cycle.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cycle detected: %s", strings.Join(e.Path, " -> "))
}

func (e *CycleError) Unwrap() error {
	return ErrCycleDetected
}

// configError attributes a graph error to a task and variable.
func configError(task, variable string, err error) error {
	return fault.New(fault.Configuration, task, variable, err)
}
