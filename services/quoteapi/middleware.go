// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package quoteapi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/AleutianAI/darklaunch/pkg/rollout"
)

const (
	// HeaderRequestID carries the request id in and out.
	HeaderRequestID = "X-Request-ID"

	// HeaderDecision forces a rollout decision for one request when
	// overrides are enabled. Values: control, experimental, compare.
	HeaderDecision = "X-Darklaunch-Decision"

	requestIDKey = "request_id"
)

// RequestID keeps a valid incoming X-Request-ID or assigns a new UUID,
// and echoes it on the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// requestID returns the id set by RequestID.
func requestID(c *gin.Context) string {
	return c.GetString(requestIDKey)
}

// DecisionOverride pins the rollout decision for flag from the
// X-Darklaunch-Decision header. It only takes effect when the experiment's
// strategy is a rollout.Flag reading rollout.ContextFlags.
func DecisionOverride(flag string) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(HeaderDecision)
		if raw == "" {
			c.Next()
			return
		}
		d, err := rollout.ParseDecision(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusBadRequest, errorBody(c, err))
			return
		}
		c.Request = c.Request.WithContext(rollout.WithOverride(c.Request.Context(), flag, d))
		c.Next()
	}
}

// AccessLog logs one line per request.
func AccessLog(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.LogAttrs(c.Request.Context(), slog.LevelInfo, "request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.String("request_id", requestID(c)),
		)
	}
}
