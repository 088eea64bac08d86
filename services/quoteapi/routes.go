// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package quoteapi serves the quote experiment over HTTP.
package quoteapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/services/quote"
)

// Config configures the router.
type Config struct {
	// ServiceName names the otelgin server spans.
	// Default: "quoteapi"
	ServiceName string

	// AllowOverride enables the X-Darklaunch-Decision header.
	AllowOverride bool

	// Metrics serves GET /metrics.
	// Default: telemetry.MetricsHandler()
	Metrics http.Handler

	// Logger receives access logs.
	// Default: slog.Default()
	Logger *slog.Logger
}

// NewRouter builds the HTTP handler for svc.
func NewRouter(svc *quote.Service, cfg Config) *gin.Engine {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "quoteapi"
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.MetricsHandler()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	router := gin.New()
	router.Use(gin.Recovery(), RequestID(), otelgin.Middleware(cfg.ServiceName), AccessLog(cfg.Logger))

	router.GET("/healthz", HealthCheck)
	router.GET("/metrics", gin.WrapH(cfg.Metrics))

	v1 := router.Group("/v1")
	if cfg.AllowOverride {
		v1.Use(DecisionOverride(svc.Name()))
	}
	{
		v1.GET("/quote", HandleQuote(svc))
		v1.GET("/catalog", HandleCatalog(svc))
	}
	return router
}

// Serve runs handler on addr until ctx is cancelled, then shuts down,
// waiting up to grace for in-flight requests.
func Serve(ctx context.Context, addr string, handler http.Handler, grace time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
