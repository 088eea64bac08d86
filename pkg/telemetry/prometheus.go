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
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidConfig is returned when the Prometheus configuration is invalid.
	ErrInvalidConfig = errors.New("invalid prometheus configuration")

	// ErrRegistrationFailed is returned when metric registration fails.
	ErrRegistrationFailed = errors.New("metric registration failed")
)

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// PrometheusConfig configures the Prometheus sink.
//
// Description:
//
//	Namespace and Subsystem are optional prefixes. Left empty, metric
//	names are exactly experiment_run_total, experiment_run_variant,
//	experiment_outcome and experiment_variant_duration_seconds.
//
// Thread Safety: Immutable after creation; safe for concurrent read access.
type PrometheusConfig struct {
	// Namespace is an optional metric name prefix.
	Namespace string

	// Subsystem is an optional second prefix.
	Subsystem string

	// Registry is the Prometheus registry to use.
	// If nil, uses prometheus.DefaultRegisterer.
	Registry prometheus.Registerer

	// LatencyBuckets defines histogram buckets for variant latency (seconds).
	// If nil, uses default buckets.
	LatencyBuckets []float64

	// MaxLabelCardinality caps distinct experiment names. Names beyond
	// the cap are recorded as "_other".
	// Default: 1000
	MaxLabelCardinality int
}

// DefaultPrometheusConfig returns a configuration with default buckets.
func DefaultPrometheusConfig() *PrometheusConfig {
	return &PrometheusConfig{
		LatencyBuckets: []float64{
			0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0,
		},
		MaxLabelCardinality: 1000,
	}
}

// Validate checks that the configuration is valid.
//
// Outputs:
//   - error: Non-nil if the cardinality cap is negative or buckets are
//     not strictly increasing.
func (c *PrometheusConfig) Validate() error {
	if c.MaxLabelCardinality < 0 {
		return errors.New("max label cardinality must not be negative")
	}
	if !sort.Float64sAreSorted(c.LatencyBuckets) {
		return errors.New("latency buckets must be sorted")
	}
	for i := 1; i < len(c.LatencyBuckets); i++ {
		if c.LatencyBuckets[i] == c.LatencyBuckets[i-1] {
			return fmt.Errorf("duplicate latency bucket %v", c.LatencyBuckets[i])
		}
	}
	return nil
}

// -----------------------------------------------------------------------------
// Prometheus Sink
// -----------------------------------------------------------------------------

// PrometheusSink exports experiment telemetry as Prometheus metrics.
//
// Description:
//
//	Collectors are registered on creation. When a collector with the
//	same descriptor is already registered (a second sink on the same
//	registry) the existing collector is reused, so several experiments
//	in one process share one set of series.
//
// Thread Safety: Safe for concurrent use.
//
// Example:
//
//	sink, err := telemetry.NewPrometheusSink(telemetry.DefaultPrometheusConfig())
//	if err != nil {
//	    return fmt.Errorf("create prometheus sink: %w", err)
//	}
//	defer sink.Close()
type PrometheusSink struct {
	config   *PrometheusConfig
	registry prometheus.Registerer

	runTotal        *prometheus.CounterVec
	runVariant      *prometheus.CounterVec
	outcome         *prometheus.CounterVec
	variantDuration *prometheus.HistogramVec

	mu     sync.RWMutex
	closed bool

	collectors []prometheus.Collector

	labelMu        sync.RWMutex
	seenNames      map[string]struct{}
	maxCardinality int
}

// NewPrometheusSink creates a new Prometheus telemetry sink.
//
// Inputs:
//   - config: Prometheus configuration. Must not be nil.
//
// Outputs:
//   - *PrometheusSink: The created sink. Never nil on success.
//   - error: Non-nil if configuration is invalid or registration fails.
func NewPrometheusSink(config *PrometheusConfig) (*PrometheusSink, error) {
	if config == nil {
		return nil, ErrInvalidConfig
	}
	if err := config.Validate(); err != nil {
		return nil, errors.Join(ErrInvalidConfig, err)
	}

	cfg := *config
	if cfg.LatencyBuckets == nil {
		cfg.LatencyBuckets = DefaultPrometheusConfig().LatencyBuckets
	}

	registry := cfg.Registry
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	maxCard := cfg.MaxLabelCardinality
	if maxCard <= 0 {
		maxCard = 1000
	}

	sink := &PrometheusSink{
		config:         &cfg,
		registry:       registry,
		seenNames:      make(map[string]struct{}),
		maxCardinality: maxCard,
	}

	var err error
	sink.runTotal, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "experiment_run_total",
			Help:      "Experiment invocations",
		},
		[]string{"name"},
	))
	if err != nil {
		return nil, err
	}

	sink.runVariant, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "experiment_run_variant",
			Help:      "Experiment invocations by rollout decision",
		},
		[]string{"name", "kind"},
	))
	if err != nil {
		return nil, err
	}

	sink.outcome, err = register(registry, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "experiment_outcome",
			Help:      "Experiment outcomes by computation and classification",
		},
		[]string{"name", "kind", "outcome"},
	))
	if err != nil {
		return nil, err
	}

	sink.variantDuration, err = register(registry, prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: cfg.Namespace,
			Subsystem: cfg.Subsystem,
			Name:      "experiment_variant_duration_seconds",
			Help:      "Wall time of each experiment computation in seconds",
			Buckets:   cfg.LatencyBuckets,
		},
		[]string{"name", "kind"},
	))
	if err != nil {
		return nil, err
	}

	sink.collectors = []prometheus.Collector{
		sink.runTotal,
		sink.runVariant,
		sink.outcome,
		sink.variantDuration,
	}

	return sink, nil
}

// register registers c, or returns the collector already registered under
// the same descriptor.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	if err := reg.Register(c); err != nil {
		var alreadyErr prometheus.AlreadyRegisteredError
		if errors.As(err, &alreadyErr) {
			if existing, ok := alreadyErr.ExistingCollector.(C); ok {
				return existing, nil
			}
		}
		var zero C
		return zero, errors.Join(ErrRegistrationFailed, err)
	}
	return c, nil
}

func (s *PrometheusSink) guard(ctx context.Context, hasData bool) error {
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

// RecordRun increments experiment_run_total.
func (s *PrometheusSink) RecordRun(ctx context.Context, data *RunData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.runTotal.WithLabelValues(s.sanitizeName(data.Experiment)).Inc()
	return nil
}

// RecordVariant increments experiment_run_variant.
func (s *PrometheusSink) RecordVariant(ctx context.Context, data *VariantData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.runVariant.WithLabelValues(s.sanitizeName(data.Experiment), orUnknown(data.Kind)).Inc()
	return nil
}

// RecordOutcome increments experiment_outcome.
func (s *PrometheusSink) RecordOutcome(ctx context.Context, data *OutcomeData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.outcome.WithLabelValues(
		s.sanitizeName(data.Experiment),
		orUnknown(data.Kind),
		orUnknown(data.Outcome),
	).Inc()
	return nil
}

// RecordLatency observes experiment_variant_duration_seconds.
func (s *PrometheusSink) RecordLatency(ctx context.Context, data *LatencyData) error {
	if err := s.guard(ctx, data != nil); err != nil {
		return err
	}
	s.variantDuration.WithLabelValues(
		s.sanitizeName(data.Experiment),
		orUnknown(data.Kind),
	).Observe(data.Duration.Seconds())
	return nil
}

// Flush is a no-op; Prometheus metrics are pull-based.
func (s *PrometheusSink) Flush(ctx context.Context) error {
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

// Close unregisters collectors from a *prometheus.Registry.
//
// The default registerer is left untouched. Idempotent.
func (s *PrometheusSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if reg, ok := s.registry.(*prometheus.Registry); ok {
		for _, c := range s.collectors {
			reg.Unregister(c)
		}
	}
	return nil
}

// sanitizeName protects against experiment-name cardinality explosion.
func (s *PrometheusSink) sanitizeName(name string) string {
	name = orUnknown(name)

	s.labelMu.RLock()
	_, seen := s.seenNames[name]
	full := len(s.seenNames) >= s.maxCardinality
	s.labelMu.RUnlock()
	if seen {
		return name
	}
	if full {
		return "_other"
	}

	s.labelMu.Lock()
	defer s.labelMu.Unlock()

	if _, ok := s.seenNames[name]; ok {
		return name
	}
	if len(s.seenNames) >= s.maxCardinality {
		return "_other"
	}
	s.seenNames[name] = struct{}{}
	return name
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Verify interface compliance at compile time.
var _ Sink = (*PrometheusSink)(nil)
