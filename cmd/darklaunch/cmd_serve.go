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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/darklaunch/cmd/darklaunch/internal/simulate"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/services/quoteapi"
)

var (
	serveAddr          string
	serveAllowOverride bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the quote experiment over HTTP",
	Long: `Starts the quote API. Every GET /v1/quote goes through the configured
rollout strategy; experiment metrics are exposed on /metrics.

With --allow-override, the X-Darklaunch-Decision header (control,
experimental, compare) pins the decision for a single request.`,
	Args: cobra.NoArgs,
	RunE: runServeCommand,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Override server.addr")
	serveCmd.Flags().BoolVar(&serveAllowOverride, "allow-override", false,
		"Honor the X-Darklaunch-Decision request header")
	rootCmd.AddCommand(serveCmd)
}

func runServeCommand(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}
	if serveAddr != "" {
		cfg.Server.Addr = serveAddr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := newLogger(cfg, "darklaunch-serve")
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

	sink, _, err := buildSink(cfg.Metrics)
	if err != nil {
		return withExit(simulate.ExitFailure, err)
	}
	defer sink.Close()

	svc, err := buildService(cfg.Experiment, sink, logger, serveAllowOverride)
	if err != nil {
		return withExit(simulate.ExitBadArgs, err)
	}

	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := quoteapi.NewRouter(svc, quoteapi.Config{
		ServiceName:   cfg.Telemetry.ServiceName,
		AllowOverride: serveAllowOverride,
		Metrics:       telemetry.MetricsHandler(),
		Logger:        logger.Slog(),
	})

	logger.Info("quote api listening",
		"addr", cfg.Server.Addr,
		"experiment", svc.Name(),
		"mode", cfg.Experiment.Mode,
		"allow_override", serveAllowOverride,
	)
	if err := quoteapi.Serve(ctx, cfg.Server.Addr, router, cfg.Server.ShutdownTimeout); err != nil {
		return withExit(simulate.ExitFailure, err)
	}
	logger.Info("quote api stopped")
	return nil
}
