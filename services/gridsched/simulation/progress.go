// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package simulation

import (
	"slices"
	"sync"
	"time"
)

// RankStatus is the last known state of one rank.
type RankStatus struct {
	Rank       int                `json:"rank"`
	Timestep   int                `json:"timestep"`
	Done       bool               `json:"done"`
	Error      string             `json:"error,omitempty"`
	Reductions map[string]float64 `json:"reductions,omitempty"`
	Elapsed    time.Duration      `json:"last_elapsed_ns"`
	Tasks      int                `json:"last_tasks"`
	Messages   int                `json:"last_messages"`
	Updated    time.Time          `json:"updated"`
}

// Snapshot is a consistent copy of a run's progress.
type Snapshot struct {
	RunID     string       `json:"run_id"`
	Started   time.Time    `json:"started"`
	Timesteps int          `json:"timesteps"`
	Ranks     []RankStatus `json:"ranks"`
}

// Finished reports whether every rank completed.
func (s Snapshot) Finished() bool {
	for _, r := range s.Ranks {
		if !r.Done {
			return false
		}
	}
	return len(s.Ranks) > 0
}

// Failed reports whether any rank recorded an error.
func (s Snapshot) Failed() bool {
	return slices.ContainsFunc(s.Ranks, func(r RankStatus) bool { return r.Error != "" })
}

// Progress collects per-rank timestep results for the status server.
//
// Thread Safety: Safe for concurrent use.
type Progress struct {
	mu        sync.RWMutex
	runID     string
	started   time.Time
	timesteps int
	ranks     []RankStatus
}

// NewProgress tracks ranks ranks running timesteps timesteps.
func NewProgress(runID string, ranks, timesteps int) *Progress {
	p := &Progress{
		runID:     runID,
		started:   time.Now().UTC(),
		timesteps: timesteps,
		ranks:     make([]RankStatus, ranks),
	}
	for i := range p.ranks {
		p.ranks[i].Rank = i
		p.ranks[i].Timestep = -1
	}
	return p
}

func (p *Progress) update(rank int, fn func(*RankStatus)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rank < 0 || rank >= len(p.ranks) {
		return
	}
	fn(&p.ranks[rank])
	p.ranks[rank].Updated = time.Now().UTC()
}

func (p *Progress) record(rank int, res StepResult) {
	p.update(rank, func(s *RankStatus) {
		s.Timestep = res.Timestep
		s.Reductions = res.Reductions
		s.Elapsed = res.Elapsed
		s.Tasks = res.Stats.Tasks
		s.Messages = res.Stats.Messages
	})
}

func (p *Progress) fail(rank, timestep int, err error) {
	p.update(rank, func(s *RankStatus) {
		s.Timestep = timestep
		s.Error = err.Error()
	})
}

func (p *Progress) finish(rank int) {
	p.update(rank, func(s *RankStatus) { s.Done = true })
}

// Snapshot returns a copy of the current progress.
func (p *Progress) Snapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := Snapshot{
		RunID:     p.runID,
		Started:   p.started,
		Timesteps: p.timesteps,
		Ranks:     make([]RankStatus, len(p.ranks)),
	}
	copy(out.Ranks, p.ranks)
	return out
}
