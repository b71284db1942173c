// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package detailed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"slices"
)

// Edge is one dependency between two detailed tasks, for inspection.
type Edge struct {
	From     string   `json:"from"`
	To       string   `json:"to"`
	FromRank int      `json:"from_rank"`
	ToRank   int      `json:"to_rank"`
	External bool     `json:"external"`
	Tag      int      `json:"tag,omitempty"`
	Vars     []string `json:"vars,omitempty"`
}

// Edges lists every internal edge and every (batch, consumer) pair of the
// whole graph, internal edges first.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, 0, len(g.internal)+len(g.batches))
	for _, e := range g.internal {
		from, to := g.tasks[e.Prereq], g.tasks[e.Dependent]
		out = append(out, Edge{From: from.name, To: to.name, FromRank: from.Rank, ToRank: to.Rank})
	}
	for _, b := range g.batches {
		from := g.tasks[b.From]
		for _, ti := range b.ToTasks {
			to := g.tasks[ti]
			var names []string
			for _, di := range b.Deps {
				d := g.deps[di]
				if slices.Contains(d.Consumers, ti) && !slices.Contains(names, d.Label.Name) {
					names = append(names, d.Label.Name)
				}
			}
			out = append(out, Edge{
				From:     from.name,
				To:       to.name,
				FromRank: from.Rank,
				ToRank:   to.Rank,
				External: true,
				Tag:      b.Tag,
				Vars:     names,
			})
		}
	}
	return out
}

// WriteJSON writes the edge list as a JSON array.
func (g *Graph) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(g.Edges())
}

// WriteDOT writes the graph in Graphviz format with one cluster per rank.
// External edges are dashed and labelled with their tag.
func (g *Graph) WriteDOT(w io.Writer) error {
	bw := bufio.NewWriter(w)
	fmt.Fprintln(bw, "digraph detailed {")
	fmt.Fprintln(bw, "  node [shape=box];")
	for r := 0; r < g.ranks; r++ {
		fmt.Fprintf(bw, "  subgraph cluster_rank%d {\n    label=\"rank %d\";\n", r, r)
		for _, t := range g.tasks {
			if t.Rank == r {
				fmt.Fprintf(bw, "    t%d [label=%q];\n", t.Index, t.name)
			}
		}
		fmt.Fprintln(bw, "  }")
	}
	for _, e := range g.internal {
		fmt.Fprintf(bw, "  t%d -> t%d;\n", e.Prereq, e.Dependent)
	}
	for _, b := range g.batches {
		for _, ti := range b.ToTasks {
			fmt.Fprintf(bw, "  t%d -> t%d [style=dashed, label=\"tag %d\"];\n", b.From, ti, b.Tag)
		}
	}
	fmt.Fprintln(bw, "}")
	return bw.Flush()
}
