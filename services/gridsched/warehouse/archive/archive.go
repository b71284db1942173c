// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package archive persists finalized warehouses in BadgerDB.
//
// Each saved timestep is a manifest plus one key per variable instance:
//
//	ckpt/r{rank}/s{step}/manifest      -> JSON Manifest
//	ckpt/r{rank}/s{step}/v/{key}       -> packed vars.Piece
//
// Every rank writes only its own prefix, so ranks sharing one database
// directory never conflict.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"

	"github.com/AleutianAI/gridsched/services/gridsched/vars"
)

// ErrNoCheckpoint is returned when a requested timestep was never saved.
var ErrNoCheckpoint = errors.New("checkpoint not found")

// Config configures the archive database.
type Config struct {
	// Path is the database directory. Ignored when InMemory.
	Path string

	// InMemory keeps everything in RAM. Used by tests.
	InMemory bool

	// SyncWrites fsyncs every commit.
	SyncWrites bool

	// GCInterval runs value-log GC periodically; 0 disables it.
	GCInterval time.Duration

	// Logger receives badger's internal messages. Nil silences them.
	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk configuration.
func DefaultConfig(path string) Config {
	return Config{Path: path, SyncWrites: true, GCInterval: 5 * time.Minute}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Manifest describes one saved timestep.
type Manifest struct {
	ID      string    `json:"id"`
	Rank    int       `json:"rank"`
	Step    int       `json:"step"`
	Pieces  int       `json:"pieces"`
	Created time.Time `json:"created"`
}

// Archive is a checkpoint store.
type Archive struct {
	db     *badger.DB
	logger *slog.Logger
	stopGC chan struct{}
	gcDone chan struct{}
}

// Open opens or creates the archive database.
func Open(cfg Config) (*Archive, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("path is required for persistent archive")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger archive: %w", err)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &Archive{db: db, logger: logger}
	if cfg.GCInterval > 0 && !cfg.InMemory {
		a.stopGC = make(chan struct{})
		a.gcDone = make(chan struct{})
		go a.runGC(cfg.GCInterval)
	}
	return a, nil
}

func (a *Archive) runGC(interval time.Duration) {
	defer close(a.gcDone)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopGC:
			return
		case <-ticker.C:
			if err := a.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				a.logger.Warn("archive value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops GC and closes the database.
func (a *Archive) Close() error {
	if a.stopGC != nil {
		close(a.stopGC)
		<-a.gcDone
	}
	return a.db.Close()
}

func stepPrefix(rank, step int) string {
	return fmt.Sprintf("ckpt/r%06d/s%010d/", rank, step)
}

func varKey(rank, step int, k vars.Key) []byte {
	return []byte(fmt.Sprintf("%sv/%s/%08d/%04d/%02d", stepPrefix(rank, step), k.Label, k.Patch+1, k.Matl, k.Level))
}

// Save writes pieces as the checkpoint of (rank, step), replacing any
// previous save of the same step.
func (a *Archive) Save(ctx context.Context, rank, step int, pieces []vars.Piece) (Manifest, error) {
	if err := ctx.Err(); err != nil {
		return Manifest{}, fmt.Errorf("context cancelled: %w", err)
	}
	m := Manifest{ID: uuid.NewString(), Rank: rank, Step: step, Pieces: len(pieces), Created: time.Now().UTC()}
	manifest, err := json.Marshal(m)
	if err != nil {
		return Manifest{}, fmt.Errorf("marshal manifest: %w", err)
	}

	wb := a.db.NewWriteBatch()
	defer wb.Cancel()
	for _, p := range pieces {
		if err := wb.Set(varKey(rank, step, p.Key), vars.EncodePieces([]vars.Piece{p})); err != nil {
			return Manifest{}, fmt.Errorf("stage %s: %w", p.Key, err)
		}
	}
	if err := wb.Set([]byte(stepPrefix(rank, step)+"manifest"), manifest); err != nil {
		return Manifest{}, fmt.Errorf("stage manifest: %w", err)
	}
	if err := wb.Flush(); err != nil {
		return Manifest{}, fmt.Errorf("write checkpoint step %d: %w", step, err)
	}

	a.logger.Debug("checkpoint saved", slog.Int("rank", rank), slog.Int("step", step), slog.Int("pieces", len(pieces)))
	return m, nil
}

// Load returns the manifest and pieces of a saved step, ordered by key.
func (a *Archive) Load(ctx context.Context, rank, step int) (Manifest, []vars.Piece, error) {
	var m Manifest
	var pieces []vars.Piece
	prefix := stepPrefix(rank, step)

	err := a.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(prefix + "manifest"))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("%w: rank %d step %d", ErrNoCheckpoint, rank, step)
		}
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error { return json.Unmarshal(val, &m) }); err != nil {
			return fmt.Errorf("decode manifest: %w", err)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix + "v/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			err := it.Item().Value(func(val []byte) error {
				ps, err := vars.DecodePieces(val)
				if err != nil {
					return err
				}
				pieces = append(pieces, ps...)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
		}
		return nil
	})
	if err != nil {
		return Manifest{}, nil, err
	}
	return m, pieces, nil
}

// Steps lists the saved steps of rank in ascending order.
func (a *Archive) Steps(ctx context.Context, rank int) ([]int, error) {
	var steps []int
	prefix := fmt.Sprintf("ckpt/r%06d/", rank)
	err := a.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			k := string(it.Item().Key())
			if !strings.HasSuffix(k, "/manifest") {
				continue
			}
			digits := strings.TrimSuffix(strings.TrimPrefix(strings.TrimPrefix(k, prefix), "s"), "/manifest")
			if step, err := strconv.Atoi(digits); err == nil {
				steps = append(steps, step)
			}
		}
		return nil
	})
	sort.Ints(steps)
	return steps, err
}
