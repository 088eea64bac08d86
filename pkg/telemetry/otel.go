// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/AleutianAI/darklaunch/pkg/telemetry"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrOTelInitFailed is returned when instrument creation fails.
	ErrOTelInitFailed = errors.New("opentelemetry initialization failed")

	// ErrInvalidOTelConfig is returned when the OTel configuration is invalid.
	ErrInvalidOTelConfig = errors.New("invalid opentelemetry configuration")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// OTelConfig configures the OpenTelemetry metrics sink.
type OTelConfig struct {
	// ServiceVersion is reported as the instrumentation version.
	ServiceVersion string

	// MeterProvider to create instruments from.
	// If nil, uses otel.GetMeterProvider().
	MeterProvider metric.MeterProvider
}

// DefaultOTelConfig returns a configuration using the global meter provider.
func DefaultOTelConfig() *OTelConfig {
	return &OTelConfig{ServiceVersion: "1.0.0"}
}

// -----------------------------------------------------------------------------
// OTel Sink
// -----------------------------------------------------------------------------

// OTelSink exports experiment telemetry through OpenTelemetry metrics.
//
// Description:
//
//	Instruments are experiment.run, experiment.run_variant,
//	experiment.outcome and experiment.variant.duration. Through the
//	Prometheus exporter the counters surface with a _total suffix.
//
// Thread Safety: Safe for concurrent use.
type OTelSink struct {
	runTotal        metric.Int64Counter
	runVariant      metric.Int64Counter
	outcome         metric.Int64Counter
	variantDuration metric.Float64Histogram

	mu     sync.RWMutex
	closed bool
}

// NewOTelSink creates an OpenTelemetry metrics sink.
//
// Outputs:
//   - *OTelSink: The sink. Nil on error.
//   - error: ErrInvalidOTelConfig or ErrOTelInitFailed.
func NewOTelSink(config *OTelConfig) (*OTelSink, error) {
	if config == nil {
		return nil, ErrInvalidOTelConfig
	}

	mp := config.MeterProvider
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	meter := mp.Meter(instrumentationName, metric.WithInstrumentationVersion(config.ServiceVersion))

	sink := &OTelSink{}
	if err := sink.initializeMetrics(meter); err != nil {
		return nil, errors.Join(ErrOTelInitFailed, err)
	}
	return sink, nil
}

func (s *OTelSink) initializeMetrics(meter metric.Meter) error {
	var err error

	s.runTotal, err = meter.Int64Counter(
		"experiment.run",
		metric.WithDescription("Experiment invocations"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return fmt.Errorf("create experiment.run counter: %w", err)
	}

	s.runVariant, err = meter.Int64Counter(
		"experiment.run_variant",
		metric.WithDescription("Experiment invocations by rollout decision"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return fmt.Errorf("create experiment.run_variant counter: %w", err)
	}

	s.outcome, err = meter.Int64Counter(
		"experiment.outcome",
		metric.WithDescription("Experiment outcomes by computation and classification"),
		metric.WithUnit("{outcome}"),
	)
	if err != nil {
		return fmt.Errorf("create experiment.outcome counter: %w", err)
	}

	s.variantDuration, err = meter.Float64Histogram(
		"experiment.variant.duration",
		metric.WithDescription("Wall time of each experiment computation"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return fmt.Errorf("create experiment.variant.duration histogram: %w", err)
	}

	return nil
}

func (s *OTelSink) guard(ctx context.Context, hasData bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if !hasData {
		return ErrNilData
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// RecordRun adds one to experiment.run.
func (s *OTelSink) RecordRun(ctx context.Context, data *RunData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.runTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", data.Experiment),
	))
	return nil
}

// RecordVariant adds one to experiment.run_variant.
func (s *OTelSink) RecordVariant(ctx context.Context, data *VariantData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.runVariant.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", data.Experiment),
		attribute.String("kind", data.Kind),
	))
	return nil
}

// RecordOutcome adds one to experiment.outcome.
func (s *OTelSink) RecordOutcome(ctx context.Context, data *OutcomeData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.outcome.Add(ctx, 1, metric.WithAttributes(
		attribute.String("name", data.Experiment),
		attribute.String("kind", data.Kind),
		attribute.String("outcome", data.Outcome),
	))
	return nil
}

// RecordLatency records to experiment.variant.duration.
func (s *OTelSink) RecordLatency(ctx context.Context, data *LatencyData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.variantDuration.Record(ctx, data.Duration.Seconds(), metric.WithAttributes(
		attribute.String("name", data.Experiment),
		attribute.String("kind", data.Kind),
	))
	return nil
}

// Flush is a no-op; the MeterProvider owns export.
func (s *OTelSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrSinkClosed
	}
	return nil
}

// Close stops recording. Idempotent.
func (s *OTelSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ Sink = (*OTelSink)(nil)
