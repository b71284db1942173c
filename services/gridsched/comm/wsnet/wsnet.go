// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package wsnet is a multi-process transport over WebSocket connections,
// one full-duplex connection per pair of ranks.
//
// Rank i listens on Addrs[i] and dials every rank below it. The dialing
// side announces its rank in the first (text) frame. Data frames are
// binary: an 8-byte little-endian tag followed by the payload.
package wsnet

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AleutianAI/gridsched/services/gridsched/comm"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
)

// Path is the HTTP path ranks connect on.
const Path = "/gridsched/v1/peer"

var (
	// ErrHandshake is returned when a peer announces an invalid rank.
	ErrHandshake = errors.New("peer handshake failed")

	// ErrShortFrame is returned for a data frame without a tag.
	ErrShortFrame = errors.New("frame shorter than tag header")
)

const headerLen = 8

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1 << 20,
	WriteBufferSize: 1 << 20,
}

// Config describes a rank's place in the world.
type Config struct {
	// Rank is this process's rank.
	Rank int
	// Addrs holds host:port for every rank, indexed by rank.
	Addrs []string
	// DialTimeout bounds connecting to all lower ranks. Default 30s.
	DialTimeout time.Duration
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

type frame struct {
	tag     int
	payload []byte
	done    *comm.Completion
}

type peer struct {
	rank int
	conn *websocket.Conn
	out  chan frame
}

// Comm is a rank's WebSocket endpoint.
//
// Thread Safety:
//
//	Safe for concurrent use. Each peer has one writer goroutine and one
//	reader goroutine; gorilla connections are never written concurrently.
type Comm struct {
	rank   int
	size   int
	box    *comm.Mailbox
	logger *slog.Logger

	mu      sync.RWMutex
	peers   []*peer
	server  *http.Server
	closed  atomic.Bool
	writers sync.WaitGroup
	readers sync.WaitGroup
}

// Connect listens on this rank's address, dials all lower ranks and
// waits until every peer is connected.
//
// Outputs:
//
//	*Comm - Connected endpoint.
//	error - A communication fault.
func Connect(ctx context.Context, cfg Config) (*Comm, error) {
	size := len(cfg.Addrs)
	if cfg.Rank < 0 || cfg.Rank >= size {
		return nil, fault.New(fault.Configuration, "", "",
			fmt.Errorf("%w: rank %d of %d addresses", comm.ErrBadRank, cfg.Rank, size))
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	c := &Comm{
		rank:   cfg.Rank,
		size:   size,
		box:    comm.NewMailbox(),
		logger: logger.With("component", "wsnet", "rank", cfg.Rank),
		peers:  make([]*peer, size),
	}

	ln, err := net.Listen("tcp", cfg.Addrs[cfg.Rank])
	if err != nil {
		return nil, fault.New(fault.Communication, "", "", fmt.Errorf("listen %s: %w", cfg.Addrs[cfg.Rank], err))
	}
	connected := make(chan int, size)
	mux := http.NewServeMux()
	mux.HandleFunc(Path, c.accept(connected))
	c.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := c.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.logger.Error("peer listener stopped", "error", err)
		}
	}()

	dialCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	for r := 0; r < cfg.Rank; r++ {
		if err := c.dial(dialCtx, r, cfg.Addrs[r]); err != nil {
			_ = c.Close()
			return nil, err
		}
	}

	for want := size - 1 - cfg.Rank; want > 0; want-- {
		select {
		case <-connected:
		case <-dialCtx.Done():
			_ = c.Close()
			return nil, fault.New(fault.Communication, "", "",
				fmt.Errorf("waiting for %d higher ranks: %w", want, dialCtx.Err()))
		}
	}
	c.logger.Info("peers connected", "size", size)
	return c, nil
}

func (c *Comm) dial(ctx context.Context, r int, addr string) error {
	url := "ws://" + addr + Path
	var conn *websocket.Conn
	for {
		var err error
		conn, _, err = websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return fault.New(fault.Communication, "", "", fmt.Errorf("dial rank %d at %s: %w", r, addr, err))
		case <-time.After(50 * time.Millisecond):
		}
	}
	if err := conn.WriteMessage(websocket.TextMessage, []byte(strconv.Itoa(c.rank))); err != nil {
		conn.Close()
		return fault.New(fault.Communication, "", "", fmt.Errorf("handshake with rank %d: %w", r, err))
	}
	c.attach(r, conn)
	return nil
}

func (c *Comm) accept(connected chan<- int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			c.logger.Error("failed to upgrade peer connection", "error", err)
			return
		}
		kind, msg, err := conn.ReadMessage()
		if err != nil || kind != websocket.TextMessage {
			c.logger.Warn("peer handshake failed", "error", err)
			conn.Close()
			return
		}
		from, err := strconv.Atoi(string(msg))
		if err != nil || from <= c.rank || from >= c.size {
			c.logger.Warn("peer announced invalid rank", "announced", string(msg), "error", ErrHandshake)
			conn.Close()
			return
		}
		c.attach(from, conn)
		connected <- from
	}
}

func (c *Comm) attach(r int, conn *websocket.Conn) {
	p := &peer{rank: r, conn: conn, out: make(chan frame, 64)}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		conn.Close()
		return
	}
	c.peers[r] = p

	c.writers.Add(1)
	c.readers.Add(1)
	go c.writeLoop(p)
	go c.readLoop(p)
}

func (c *Comm) writeLoop(p *peer) {
	defer c.writers.Done()
	var failed error
	for f := range p.out {
		if failed != nil {
			f.done.Complete(nil, failed)
			continue
		}
		msg := make([]byte, headerLen+len(f.payload))
		binary.LittleEndian.PutUint64(msg, uint64(f.tag))
		copy(msg[headerLen:], f.payload)
		if err := p.conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			failed = fault.New(fault.Communication, "", "", fmt.Errorf("send to rank %d: %w", p.rank, err))
			c.logger.Error("peer write failed", "peer", p.rank, "error", err)
		}
		f.done.Complete(nil, failed)
	}
	_ = p.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
}

func (c *Comm) readLoop(p *peer) {
	defer c.readers.Done()
	for {
		kind, msg, err := p.conn.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return
			}
			c.logger.Error("peer read failed", "peer", p.rank, "error", err)
			c.box.Fail(fault.New(fault.Communication, "", "", fmt.Errorf("receive from rank %d: %w", p.rank, err)))
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		if len(msg) < headerLen {
			c.box.Fail(fault.New(fault.Communication, "", "", fmt.Errorf("rank %d: %w", p.rank, ErrShortFrame)))
			return
		}
		tag := int(binary.LittleEndian.Uint64(msg))
		c.box.Deliver(p.rank, tag, msg[headerLen:])
	}
}

// Rank implements comm.Communicator.
func (c *Comm) Rank() int { return c.rank }

// Size implements comm.Communicator.
func (c *Comm) Size() int { return c.size }

// Isend queues payload on the peer's writer. The request completes once
// the frame is written to the connection.
func (c *Comm) Isend(ctx context.Context, dest, tag int, payload []byte) (comm.Request, error) {
	if err := comm.CheckPeer(c, dest); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, fault.New(fault.Communication, "", "", comm.ErrClosed)
	}
	if dest == c.rank {
		c.box.Deliver(c.rank, tag, slices.Clone(payload))
		return comm.Completed(nil, nil), nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed.Load() {
		return nil, fault.New(fault.Communication, "", "", comm.ErrClosed)
	}
	p := c.peers[dest]
	if p == nil {
		return nil, fault.New(fault.Communication, "", "", fmt.Errorf("rank %d not connected", dest))
	}
	done := &comm.Completion{}
	select {
	case p.out <- frame{tag: tag, payload: payload, done: done}:
		return done, nil
	case <-ctx.Done():
		return nil, fault.New(fault.Communication, "", "", ctx.Err())
	}
}

// Irecv implements comm.Communicator.
func (c *Comm) Irecv(_ context.Context, src, tag int) (comm.Request, error) {
	if err := comm.CheckPeer(c, src); err != nil {
		return nil, err
	}
	if c.closed.Load() {
		return nil, fault.New(fault.Communication, "", "", comm.ErrClosed)
	}
	return c.box.Recv(src, tag), nil
}

// Close flushes queued sends, closes every connection and stops the
// listener.
func (c *Comm) Close() error {
	c.mu.Lock()
	if c.closed.Swap(true) {
		c.mu.Unlock()
		return nil
	}
	peers := slices.Clone(c.peers)
	for _, p := range peers {
		if p != nil {
			close(p.out)
		}
	}
	c.mu.Unlock()
	c.writers.Wait()

	var errs []error
	if c.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, c.server.Shutdown(ctx))
		cancel()
	}
	for _, p := range peers {
		if p != nil {
			errs = append(errs, p.conn.Close())
		}
	}
	c.readers.Wait()
	c.box.Fail(fault.New(fault.Communication, "", "", comm.ErrClosed))
	return errors.Join(errs...)
}
