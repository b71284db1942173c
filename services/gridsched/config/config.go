// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the run configuration of a gridsched job.
//
// Values are layered: built-in defaults, then a YAML (or JSON) file, then
// GRIDSCHED_* environment variables. The result is validated once and is
// read-only for the rest of the run.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/telemetry"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("discipline", validateDiscipline)
}

func validateDiscipline(fl validator.FieldLevel) bool {
	_, err := detailed.ParseDiscipline(fl.Field().String())
	return err == nil
}

// Config is the complete run configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	Grid       GridConfig       `json:"grid" yaml:"grid"`
	World      WorldConfig      `json:"world" yaml:"world"`
	Scheduler  SchedulerConfig  `json:"scheduler" yaml:"scheduler"`
	Problem    ProblemConfig    `json:"problem" yaml:"problem"`
	Checkpoint CheckpointConfig `json:"checkpoint" yaml:"checkpoint"`
	Logging    LoggingConfig    `json:"logging" yaml:"logging"`
	Status     StatusConfig     `json:"status" yaml:"status"`
	Telemetry  telemetry.Config `json:"telemetry" yaml:"telemetry"`
}

// GridConfig describes the uniform domain decomposition.
type GridConfig struct {
	Resolution [3]int `json:"resolution" yaml:"resolution" validate:"dive,min=1"`
	Layout     [3]int `json:"layout" yaml:"layout" validate:"dive,min=1"`
}

// WorldConfig describes the set of ranks.
type WorldConfig struct {
	// Transport is "local" (every rank a goroutine group in this process)
	// or "websocket" (one process per rank).
	Transport string `json:"transport" yaml:"transport" validate:"oneof=local websocket"`
	Ranks     int    `json:"ranks" yaml:"ranks" validate:"min=1"`
	// Rank is this process's rank. Websocket transport only.
	Rank int `json:"rank" yaml:"rank" validate:"min=0"`
	// Addrs lists host:port per rank. Websocket transport only.
	Addrs       []string      `json:"addrs" yaml:"addrs" validate:"dive,hostname_port"`
	DialTimeout time.Duration `json:"dial_timeout" yaml:"dial_timeout" validate:"min=0"`
}

// SchedulerConfig selects and tunes the scheduler.
type SchedulerConfig struct {
	// Workers is the number of pool goroutines besides the main one.
	// Zero runs the single-goroutine MPI scheduler.
	Workers          int    `json:"workers" yaml:"workers" validate:"min=0,max=1024"`
	Discipline       string `json:"discipline" yaml:"discipline" validate:"discipline"`
	Seed             uint64 `json:"seed" yaml:"seed"`
	UseDevice        bool   `json:"use_device" yaml:"use_device"`
	Devices          int    `json:"devices" yaml:"devices" validate:"min=0,max=64"`
	StreamsPerDevice int    `json:"streams_per_device" yaml:"streams_per_device" validate:"min=0,max=1024"`
	PinWorkers       bool   `json:"pin_workers" yaml:"pin_workers"`
}

// ProblemConfig parameterizes the heat-diffusion problem.
type ProblemConfig struct {
	Timesteps int `json:"timesteps" yaml:"timesteps" validate:"min=1"`
	// Alpha is the diffusion number; explicit stepping is stable up to 1/6
	// in three dimensions.
	Alpha       float64 `json:"alpha" yaml:"alpha" validate:"gt=0"`
	Initial     float64 `json:"initial" yaml:"initial"`
	Source      float64 `json:"source" yaml:"source"`
	DeviceTasks bool    `json:"device_tasks" yaml:"device_tasks"`
}

// CheckpointConfig controls the warehouse archive.
type CheckpointConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Path     string `json:"path" yaml:"path"`
	InMemory bool   `json:"in_memory" yaml:"in_memory"`
	// Interval saves every Interval-th timestep.
	Interval int `json:"interval" yaml:"interval" validate:"min=0"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`
	Format string `json:"format" yaml:"format" validate:"omitempty,oneof=text json"`
	Dir    string `json:"dir" yaml:"dir"`
	Quiet  bool   `json:"quiet" yaml:"quiet"`
}

// StatusConfig controls the HTTP status server.
type StatusConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr" validate:"required_if=Enabled true"`
}

// Default returns the built-in configuration: a 32x32x1 grid in four
// patches on two in-process ranks.
func Default() Config {
	return Config{
		Grid: GridConfig{
			Resolution: [3]int{32, 32, 1},
			Layout:     [3]int{2, 2, 1},
		},
		World: WorldConfig{
			Transport:   "local",
			Ranks:       2,
			DialTimeout: 30 * time.Second,
		},
		Scheduler: SchedulerConfig{
			Workers:          0,
			Discipline:       detailed.MostMessages.String(),
			Devices:          1,
			StreamsPerDevice: 4,
		},
		Problem: ProblemConfig{
			Timesteps: 10,
			Alpha:     0.1,
			Initial:   0,
			Source:    100,
		},
		Checkpoint: CheckpointConfig{
			Path:     ".gridsched/checkpoints",
			Interval: 5,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Status: StatusConfig{
			Addr: "127.0.0.1:9464",
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Load returns the configuration with priority env > file > defaults.
//
// Inputs:
//
//	path - YAML or JSON file. Empty or missing means defaults only.
//
// Outputs:
//
//	Config - The merged configuration.
//	error - Non-nil if the file is unreadable or the result is invalid.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}
	if err := loadEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

// loadEnv applies GRIDSCHED_* overrides. A malformed value is an error
// rather than silently ignored.
func loadEnv(cfg *Config) error {
	var errs []error
	intVar := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			i, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = i
		}
	}
	boolVar := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				return
			}
			*dst = b
		}
	}
	strVar := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}

	strVar("GRIDSCHED_TRANSPORT", &cfg.World.Transport)
	intVar("GRIDSCHED_RANKS", &cfg.World.Ranks)
	intVar("GRIDSCHED_RANK", &cfg.World.Rank)
	if v := os.Getenv("GRIDSCHED_ADDRS"); v != "" {
		cfg.World.Addrs = strings.Split(v, ",")
	}

	intVar("GRIDSCHED_WORKERS", &cfg.Scheduler.Workers)
	strVar("GRIDSCHED_DISCIPLINE", &cfg.Scheduler.Discipline)
	boolVar("GRIDSCHED_USE_DEVICE", &cfg.Scheduler.UseDevice)
	intVar("GRIDSCHED_DEVICES", &cfg.Scheduler.Devices)
	boolVar("GRIDSCHED_PIN_WORKERS", &cfg.Scheduler.PinWorkers)
	if v := os.Getenv("GRIDSCHED_SEED"); v != "" {
		s, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GRIDSCHED_SEED: %w", err))
		} else {
			cfg.Scheduler.Seed = s
		}
	}

	intVar("GRIDSCHED_TIMESTEPS", &cfg.Problem.Timesteps)
	if v := os.Getenv("GRIDSCHED_ALPHA"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("GRIDSCHED_ALPHA: %w", err))
		} else {
			cfg.Problem.Alpha = f
		}
	}

	boolVar("GRIDSCHED_CHECKPOINT", &cfg.Checkpoint.Enabled)
	strVar("GRIDSCHED_CHECKPOINT_PATH", &cfg.Checkpoint.Path)
	intVar("GRIDSCHED_CHECKPOINT_INTERVAL", &cfg.Checkpoint.Interval)

	strVar("GRIDSCHED_LOG_LEVEL", &cfg.Logging.Level)
	strVar("GRIDSCHED_LOG_DIR", &cfg.Logging.Dir)

	boolVar("GRIDSCHED_STATUS", &cfg.Status.Enabled)
	strVar("GRIDSCHED_STATUS_ADDR", &cfg.Status.Addr)

	if len(errs) > 0 {
		return fmt.Errorf("%w: environment: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Validate checks struct tags and the constraints that span fields.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	for i := 0; i < 3; i++ {
		if c.Grid.Resolution[i]%c.Grid.Layout[i] != 0 {
			return fmt.Errorf("%w: resolution %v is not divisible by layout %v",
				ErrInvalid, c.Grid.Resolution, c.Grid.Layout)
		}
	}
	if patches := c.NumPatches(); c.World.Ranks > patches {
		return fmt.Errorf("%w: %d ranks for %d patches", ErrInvalid, c.World.Ranks, patches)
	}
	if c.World.Transport == "websocket" {
		if len(c.World.Addrs) != c.World.Ranks {
			return fmt.Errorf("%w: websocket transport needs one address per rank, got %d for %d ranks",
				ErrInvalid, len(c.World.Addrs), c.World.Ranks)
		}
		if c.World.Rank >= c.World.Ranks {
			return fmt.Errorf("%w: rank %d of %d", ErrInvalid, c.World.Rank, c.World.Ranks)
		}
	}
	if c.Checkpoint.Enabled && !c.Checkpoint.InMemory && c.Checkpoint.Path == "" {
		return fmt.Errorf("%w: checkpoint path is required", ErrInvalid)
	}
	return nil
}

// NumPatches returns the patch count of the configured layout.
func (c Config) NumPatches() int {
	return c.Grid.Layout[0] * c.Grid.Layout[1] * c.Grid.Layout[2]
}

// Discipline returns the parsed queue discipline.
func (c Config) Discipline() detailed.Discipline {
	d, _ := detailed.ParseDiscipline(c.Scheduler.Discipline)
	return d
}

// WriteDefault writes the default configuration as YAML to path,
// creating parent directories.
func WriteDefault(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create the config directory: %w", err)
	}
	data, err := yaml.Marshal(Default())
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
