// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/gridsched/services/gridsched/config"
	"github.com/AleutianAI/gridsched/services/gridsched/detailed"
	"github.com/AleutianAI/gridsched/services/gridsched/fault"
	"github.com/AleutianAI/gridsched/services/gridsched/status"
)

// runFlags are command-line overrides applied on top of the loaded
// configuration. Only flags the user set take effect.
type runFlags struct {
	ranks      int
	workers    int
	discipline string
	timesteps  int
	device     bool
	status     string
	jsonOut    bool
}

type graphFlags struct {
	rank   int
	format string
	output string
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "gridsched",
		Short: "Asynchronous task-graph scheduler for patch-decomposed simulations",
		Long: `gridsched compiles a per-rank task graph over a patch-decomposed
grid and executes it out of order, overlapping halo exchange with
computation, across in-process or networked ranks.`,
		Version:       status.ServiceVersion,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "YAML or JSON configuration file")

	load := func() (config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return cfg, asConfigFault(err)
		}
		return cfg, nil
	}

	// --- run ---
	var rf runFlags
	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the heat-diffusion problem",
		Long: `Runs every timestep of the heat-diffusion problem. With the local
transport all ranks run in this process; with the websocket transport
this process is world.rank and connects to the other ranks' addresses.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if err := rf.apply(cmd, &cfg); err != nil {
				return err
			}
			return runProblem(cmd.Context(), cmd.OutOrStdout(), cfg, rf.jsonOut)
		},
	}
	runCmd.Flags().IntVar(&rf.ranks, "ranks", 0, "number of ranks")
	runCmd.Flags().IntVar(&rf.workers, "workers", 0, "worker goroutines per rank (0 selects the single-threaded scheduler)")
	runCmd.Flags().StringVar(&rf.discipline, "discipline", "", fmt.Sprintf("ready-queue discipline %v", detailed.Disciplines()))
	runCmd.Flags().IntVar(&rf.timesteps, "timesteps", 0, "number of timesteps")
	runCmd.Flags().BoolVar(&rf.device, "device", false, "run device tasks through the device pipeline")
	runCmd.Flags().StringVar(&rf.status, "status", "", "serve status on this address")
	runCmd.Flags().BoolVar(&rf.jsonOut, "json", false, "print per-timestep results as JSON")

	// --- graph ---
	var gf graphFlags
	graphCmd := &cobra.Command{
		Use:   "graph",
		Short: "Print one rank's compiled task graph",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return writeGraph(cmd.OutOrStdout(), cfg, gf)
		},
	}
	graphCmd.Flags().IntVar(&gf.rank, "rank", 0, "rank whose graph to compile")
	graphCmd.Flags().StringVar(&gf.format, "format", "json", "output format: json or dot")
	graphCmd.Flags().StringVarP(&gf.output, "output", "o", "", "write to file instead of stdout")

	// --- config ---
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration files",
	}
	configInitCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "gridsched.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if _, err := os.Stat(path); err == nil {
				return fault.New(fault.Configuration, "", "", fmt.Errorf("%s already exists", path))
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
	configCmd.AddCommand(configInitCmd, configShowCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "gridsched %s\n", status.ServiceVersion)
		},
	}

	rootCmd.AddCommand(runCmd, graphCmd, configCmd, versionCmd)
	return rootCmd
}

func (rf runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	if flags.Changed("ranks") {
		cfg.World.Ranks = rf.ranks
	}
	if flags.Changed("workers") {
		cfg.Scheduler.Workers = rf.workers
	}
	if flags.Changed("discipline") {
		cfg.Scheduler.Discipline = rf.discipline
	}
	if flags.Changed("timesteps") {
		cfg.Problem.Timesteps = rf.timesteps
	}
	if flags.Changed("device") {
		cfg.Scheduler.UseDevice = rf.device
		cfg.Problem.DeviceTasks = rf.device
	}
	if flags.Changed("status") {
		cfg.Status.Enabled = rf.status != ""
		cfg.Status.Addr = rf.status
	}
	return asConfigFault(cfg.Validate())
}

// asConfigFault tags configuration errors so they map to the
// configuration exit code.
func asConfigFault(err error) error {
	if err == nil {
		return nil
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		return err
	}
	return fault.New(fault.Configuration, "", "", err)
}
