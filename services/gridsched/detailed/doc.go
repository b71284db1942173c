// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package detailed expands a compiled task graph into per-patch task
// instances bound to ranks and tracks their readiness during a timestep.
//
// Compile produces one arena per run holding:
//
//   - Task: one template bound to a patch (or, for reduction and
//     old-data send tasks, to a rank)
//   - InternalDep: a same-rank ordering edge with a generation stamp
//   - Batch: every message one producer instance sends to one rank,
//     with a tag that is identical on every rank
//   - Dep: one variable window carried inside a batch
//
// All cross references are integer indices into the arena. The arena is
// built for every rank so tags agree; each rank executes only its local
// tasks.
//
// # Readiness
//
// A task is internally ready when every same-rank predecessor is done and
// its phase has been reached, and externally ready when, additionally,
// every incoming batch has been received. The external-ready queue is
// ordered by a Discipline.
//
// # Thread Safety
//
// The arena is immutable after Compile. All per-timestep counters and
// queues are guarded by one mutex, the dependency-counter lock, held
// only for the duration of each method.
package detailed
