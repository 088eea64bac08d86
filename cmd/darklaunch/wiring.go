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
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/darklaunch/pkg/config"
	"github.com/AleutianAI/darklaunch/pkg/experiment"
	"github.com/AleutianAI/darklaunch/pkg/logging"
	"github.com/AleutianAI/darklaunch/pkg/rollout"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/services/quote"
)

// loadConfig reads --config. The default path may be absent, in which case
// defaults plus DARKLAUNCH_* variables are used; an explicit path must exist.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path := configPath
	if !cmd.Flags().Changed("config") {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			path = ""
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	return cfg, nil
}

func newLogger(cfg config.Config, service string) (*logging.Logger, error) {
	lc, err := cfg.Logging.Logging(service)
	if err != nil {
		return nil, err
	}
	return logging.New(lc), nil
}

// buildSink returns the sink experiments record to and the in-memory sink
// inside it that the report reads.
func buildSink(cfg config.MetricsConfig) (*telemetry.CompositeSink, *telemetry.MemorySink, error) {
	mem := telemetry.NewMemorySink(0)
	sinks := []telemetry.Sink{mem}

	switch cfg.Backend {
	case config.BackendPrometheus:
		pc := telemetry.DefaultPrometheusConfig()
		pc.Namespace = cfg.Namespace
		pc.MaxLabelCardinality = cfg.MaxLabelCardinality
		prom, err := telemetry.NewPrometheusSink(pc)
		if err != nil {
			return nil, nil, fmt.Errorf("create prometheus sink: %w", err)
		}
		sinks = append(sinks, prom)

	case config.BackendOTel:
		ot, err := telemetry.NewOTelSink(telemetry.DefaultOTelConfig())
		if err != nil {
			return nil, nil, fmt.Errorf("create otel sink: %w", err)
		}
		sinks = append(sinks, ot)

	case config.BackendNone, "":

	default:
		return nil, nil, fmt.Errorf("unknown metrics backend %q", cfg.Backend)
	}

	sink, err := telemetry.NewCompositeSink(sinks...)
	if err != nil {
		return nil, nil, err
	}
	return sink, mem, nil
}

// buildService wires the configured strategy into the quote experiment.
// With overrides, a per-request decision set by rollout.WithOverride wins
// over the configured strategy.
func buildService(cfg config.ExperimentConfig, sink telemetry.Sink, logger *logging.Logger, overrides bool) (*quote.Service, error) {
	strategy, err := cfg.Strategy()
	if err != nil {
		return nil, err
	}
	if overrides {
		if strategy, err = nonNilFlag(rollout.NewFlag(cfg.Name, rollout.ContextFlags{}, strategy)); err != nil {
			return nil, err
		}
	}

	return quote.NewService(quote.DefaultCatalog(), quote.ServiceConfig{
		Name:         cfg.Name,
		Strategy:     strategy,
		PreferLedger: cfg.Resolver == config.ResolverExperimental,
	},
		experiment.WithSink(sink),
		experiment.WithLogger(logger.Slog()),
	)
}

func nonNilFlag(f *rollout.Flag, err error) (rollout.Strategy, error) {
	if err != nil {
		return nil, err
	}
	return f, nil
}
