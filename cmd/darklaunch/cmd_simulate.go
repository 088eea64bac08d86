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
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/darklaunch/cmd/darklaunch/internal/simulate"
	"github.com/AleutianAI/darklaunch/pkg/config"
	"github.com/AleutianAI/darklaunch/pkg/report"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/pkg/ux"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	simCalls       int
	simConcurrency int
	simQPS         float64
	simSeed        uint64
	simSampleRate  float64
)

// simulateCmd replays synthetic quote traffic through the experiment and
// prints a promotion report.
//
// # Exit Codes
//
//	0 - Report printed, no experiment needs rollback
//	1 - Simulation failed or was interrupted
//	2 - Invalid configuration
//	3 - At least one experiment should be rolled back
var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run synthetic traffic through the experiment and report",
	Long: `Generates quote requests from the built-in catalog, prices each one
through the configured rollout strategy, and prints mismatch rates,
latencies and a promote / hold / rollback verdict.

Examples:
  darklaunch simulate
  darklaunch simulate --calls 50000 --concurrency 32
  darklaunch simulate --sample-rate 1 --seed 7`,
	Args: cobra.NoArgs,
	RunE: runSimulateCommand,
}

func init() {
	simulateCmd.Flags().IntVar(&simCalls, "calls", 0, "Override simulation.calls")
	simulateCmd.Flags().IntVar(&simConcurrency, "concurrency", 0, "Override simulation.concurrency")
	simulateCmd.Flags().Float64Var(&simQPS, "qps", 0, "Override simulation.qps (0 is unpaced)")
	simulateCmd.Flags().Uint64Var(&simSeed, "seed", 0, "Override simulation.seed")
	simulateCmd.Flags().Float64Var(&simSampleRate, "sample-rate", 0, "Override experiment.sample_rate")
	rootCmd.AddCommand(simulateCmd)
}

// =============================================================================
// COMMAND IMPLEMENTATION
// =============================================================================

func runSimulateCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}
	applySimulateFlags(cmd, &cfg)
	if err := cfg.Validate(); err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg, "darklaunch-simulate")
	if err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}
	defer logger.Close()

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.Telemetry())
	if err != nil {
		return withExit(simulate.ExitFailure, err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(sctx); err != nil {
			logger.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	sink, mem, err := buildSink(cfg.Metrics)
	if err != nil {
		return withExit(simulate.ExitFailure, err)
	}
	defer sink.Close()

	svc, err := buildService(cfg.Experiment, sink, logger, false)
	if err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}

	out := cmd.OutOrStdout()
	p := ux.NewPrinter(out, ux.DetectMode(out))
	p.Title(fmt.Sprintf("Simulating %d calls against %q (%s, concurrency %d)",
		cfg.Simulation.Calls, svc.Name(), cfg.Experiment.Mode, cfg.Simulation.Concurrency))

	logger.Info("simulation started",
		"experiment", svc.Name(),
		"calls", cfg.Simulation.Calls,
		"concurrency", cfg.Simulation.Concurrency,
		"qps", cfg.Simulation.QPS,
		"seed", cfg.Simulation.Seed,
	)

	res, runErr := simulate.Run(ctx, svc, svc.Catalog(), simulate.Config{
		Calls:       cfg.Simulation.Calls,
		Concurrency: cfg.Simulation.Concurrency,
		QPS:         cfg.Simulation.QPS,
		Seed:        cfg.Simulation.Seed,
	}, progressPrinter(cmd.ErrOrStderr(), p))
	if res == nil {
		return withExit(simulate.ExitFailure, runErr)
	}

	if err := sink.Flush(ctx); err != nil {
		logger.Warn("metrics flush failed", "error", err)
	}

	p.Info(fmt.Sprintf("%d calls in %s, %d returned an error", res.Calls, res.Elapsed.Round(time.Millisecond), res.Failed))
	summaries := report.Summarize(mem.Snapshot(), reportOptions(cfg.Experiment))
	report.FormatWith(p, summaries)

	logger.Info("simulation finished", "calls", res.Calls, "failed", res.Failed, "elapsed", res.Elapsed)

	if runErr != nil {
		return withExit(simulate.ExitFailure, runErr)
	}
	for _, s := range summaries {
		if s.Verdict == report.Rollback {
			return withExit(simulate.ExitRollback, fmt.Errorf("experiment %q should be rolled back: %s", s.Experiment, s.Reason))
		}
	}
	return nil
}

func applySimulateFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("calls") {
		cfg.Simulation.Calls = simCalls
	}
	if flags.Changed("concurrency") {
		cfg.Simulation.Concurrency = simConcurrency
	}
	if flags.Changed("qps") {
		cfg.Simulation.QPS = simQPS
	}
	if flags.Changed("seed") {
		cfg.Simulation.Seed = simSeed
	}
	if flags.Changed("sample-rate") {
		cfg.Experiment.SampleRate = simSampleRate
	}
}

func reportOptions(cfg config.ExperimentConfig) report.Options {
	opts := report.DefaultOptions()
	opts.MaxMismatchRate = cfg.MaxMismatchRate
	opts.MinCompares = cfg.MinCompares
	return opts
}

// progressPrinter redraws a progress bar on w in styled mode, in 5% steps.
// Other modes print nothing.
func progressPrinter(w io.Writer, p *ux.Printer) simulate.ProgressCallback {
	if p.Mode() != ux.ModeStyled {
		return nil
	}
	var (
		mu   sync.Mutex
		last = -1
	)
	return func(pr simulate.Progress) {
		step := pr.Done * 20 / pr.Total
		mu.Lock()
		defer mu.Unlock()
		if step <= last {
			return
		}
		last = step
		fmt.Fprintf(w, "\r%s", p.ProgressBar(pr.Done, pr.Total, 40))
		if pr.Done == pr.Total {
			fmt.Fprintln(w)
		}
	}
}
