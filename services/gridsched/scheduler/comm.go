// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scheduler

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/grid"
	"github.com/AleutianAI/gridsched/services/gridsched/taskgraph"
	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// postRecv posts the single receive for batch b. On arrival the pieces
// are stored as foreign data and the consumers' external counts drop.
func (c *core) postRecv(ctx context.Context, b *detailed.Batch) error {
	start := time.Now()
	req, err := c.comm.Irecv(ctx, b.FromRank, b.Tag)
	c.stats.add(statRecv, time.Since(start))
	if err != nil {
		return err
	}
	c.recvs.Add(req, func(r comm.Request) error {
		return c.onRecv(b, r.Payload())
	})
	return nil
}

func (c *core) onRecv(b *detailed.Batch, msg []byte) error {
	pieces, err := vars.DecodePieces(msg)
	if err != nil {
		return fault.New(fault.Communication, "", "", err)
	}
	for _, p := range pieces {
		dw := c.ts.NewDW
		if p.OldDW {
			dw = c.ts.OldDW
		}
		if err := dw.PutForeign(p); err != nil {
			return err
		}
	}
	return c.graph.BatchReceived(b)
}

// pollRecvs tests outstanding receives once.
func (c *core) pollRecvs() (int, error) {
	start := time.Now()
	n, err := c.recvs.TestSome()
	c.stats.add(statTest, time.Since(start))
	return n, err
}

type pieceKey struct {
	label  string
	dw     taskgraph.WhichDW
	patch  int
	matl   int
	region grid.Box
}

// postSends ships every active outgoing batch of t, one message per
// batch. Windows shared by several consumers on the same rank are sent
// once.
func (c *core) postSends(ctx context.Context, t *detailed.Task) error {
	for _, b := range c.graph.ActiveOutBatches(t) {
		deps := c.graph.ActiveDeps(b)
		pieces := make([]vars.Piece, 0, len(deps))
		seen := make(map[pieceKey]bool, len(deps))
		for _, d := range deps {
			k := pieceKey{d.Label.Name, d.DW, d.FromPatch, d.Matl, d.Region}
			if seen[k] {
				continue
			}
			seen[k] = true

			var region grid.Box
			if d.Label.Kind.IsGrid() {
				region = d.Label.Kind.Extend(d.Region)
			}
			p, err := c.dw(d.DW).Extract(d.Label, d.FromPatch, d.Matl, region)
			if err != nil {
				return err
			}
			p.OldDW = d.DW == taskgraph.OldDW
			pieces = append(pieces, p)
		}

		msg := vars.EncodePieces(pieces)
		start := time.Now()
		req, err := c.comm.Isend(ctx, b.ToRank, b.Tag, msg)
		c.stats.add(statSend, time.Since(start))
		if err != nil {
			return err
		}
		c.sends.Add(req, nil)
		c.stats.messages.Add(1)
		c.stats.bytes.Add(int64(len(msg)))
		if c.metrics != nil {
			c.metrics.MessageBytes.Add(ctx, int64(len(msg)),
				metric.WithAttributes(attribute.Int("to_rank", b.ToRank)))
		}
	}
	return nil
}
