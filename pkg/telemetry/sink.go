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
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrNilContext is returned when a nil context is provided.
	ErrNilContext = errors.New("context must not be nil")

	// ErrNilData is returned when nil data is provided to a recording method.
	ErrNilData = errors.New("data must not be nil")

	// ErrSinkClosed is returned when attempting to use a closed sink.
	ErrSinkClosed = errors.New("sink has been closed")

	// ErrNoSinks is returned when creating a composite sink with no children.
	ErrNoSinks = errors.New("at least one sink is required")
)

// -----------------------------------------------------------------------------
// Label Values
// -----------------------------------------------------------------------------

// Label values for the kind dimension.
const (
	KindControl                = "control"
	KindExperimental           = "experimental"
	KindExperimentalAndCompare = "experimental_and_compare"
)

// Label values for the outcome dimension.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeMismatch = "mismatch"
)

// -----------------------------------------------------------------------------
// Interface
// -----------------------------------------------------------------------------

// Sink receives experiment telemetry.
//
// Description:
//
//	Sink is the metrics side of an experiment. It maps onto three
//	counters and one histogram:
//
//	  experiment_run_total{name}
//	  experiment_run_variant{name,kind}
//	  experiment_outcome{name,kind,outcome}
//	  experiment_variant_duration_seconds{name,kind}
//
//	Implementations handle the export format (Prometheus, OTel, memory).
//
// Thread Safety: All implementations must be safe for concurrent use.
type Sink interface {
	// RecordRun counts one experiment invocation.
	RecordRun(ctx context.Context, data *RunData) error

	// RecordVariant counts the rollout decision taken for one invocation.
	RecordVariant(ctx context.Context, data *VariantData) error

	// RecordOutcome counts one ok, error, or mismatch classification.
	RecordOutcome(ctx context.Context, data *OutcomeData) error

	// RecordLatency observes how long one computation took.
	RecordLatency(ctx context.Context, data *LatencyData) error

	// Flush exports any buffered data.
	Flush(ctx context.Context) error

	// Close releases resources. After Close all Record methods return
	// ErrSinkClosed. Idempotent.
	Close() error
}

// -----------------------------------------------------------------------------
// Data Types
// -----------------------------------------------------------------------------

// RunData identifies one experiment invocation.
type RunData struct {
	// Experiment is the experiment name.
	Experiment string

	// Timestamp is when the invocation started.
	Timestamp time.Time
}

// VariantData records which branch an invocation took.
type VariantData struct {
	Experiment string

	// Kind is one of KindControl, KindExperimental, KindExperimentalAndCompare.
	Kind string
}

// OutcomeData records one classification.
type OutcomeData struct {
	Experiment string

	// Kind is the computation the outcome applies to, or
	// KindExperimentalAndCompare for a mismatch.
	Kind string

	// Outcome is one of OutcomeOK, OutcomeError, OutcomeMismatch.
	Outcome string
}

// LatencyData records the wall time of one computation.
type LatencyData struct {
	Experiment string

	// Kind is KindControl or KindExperimental.
	Kind string

	Duration time.Duration
}

// -----------------------------------------------------------------------------
// Composite Sink
// -----------------------------------------------------------------------------

// CompositeSink fans telemetry out to several sinks.
//
// Description:
//
//	Each Record call is forwarded to every child. Failures from children
//	are joined; one failing child does not stop delivery to the others.
//
// Thread Safety: Safe for concurrent use.
//
// Example:
//
//	sink, err := telemetry.NewCompositeSink(promSink, memSink)
//	if err != nil {
//	    return fmt.Errorf("create sink: %w", err)
//	}
//	defer sink.Close()
type CompositeSink struct {
	sinks []Sink

	mu     sync.RWMutex
	closed bool
}

// NewCompositeSink creates a sink that forwards to all sinks.
//
// Outputs:
//   - *CompositeSink: The composite. Nil on error.
//   - error: ErrNoSinks if no non-nil sinks were given.
func NewCompositeSink(sinks ...Sink) (*CompositeSink, error) {
	children := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			children = append(children, s)
		}
	}
	if len(children) == 0 {
		return nil, ErrNoSinks
	}
	return &CompositeSink{sinks: children}, nil
}

func (c *CompositeSink) each(fn func(Sink) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}
	var errs []error
	for _, s := range c.sinks {
		if err := fn(s); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RecordRun forwards to all children.
func (c *CompositeSink) RecordRun(ctx context.Context, data *RunData) error {
	return c.each(func(s Sink) error { return s.RecordRun(ctx, data) })
}

// RecordVariant forwards to all children.
func (c *CompositeSink) RecordVariant(ctx context.Context, data *VariantData) error {
	return c.each(func(s Sink) error { return s.RecordVariant(ctx, data) })
}

// RecordOutcome forwards to all children.
func (c *CompositeSink) RecordOutcome(ctx context.Context, data *OutcomeData) error {
	return c.each(func(s Sink) error { return s.RecordOutcome(ctx, data) })
}

// RecordLatency forwards to all children.
func (c *CompositeSink) RecordLatency(ctx context.Context, data *LatencyData) error {
	return c.each(func(s Sink) error { return s.RecordLatency(ctx, data) })
}

// Flush flushes all children concurrently.
//
// Every child is flushed even if another fails; the returned error joins
// all child failures.
func (c *CompositeSink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrSinkClosed
	}

	errs := make([]error, len(c.sinks))
	var g errgroup.Group
	for i, s := range c.sinks {
		g.Go(func() error {
			errs[i] = s.Flush(ctx)
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

// Close closes all children. Idempotent.
func (c *CompositeSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	var errs []error
	for _, s := range c.sinks {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// -----------------------------------------------------------------------------
// No-Op Sink
// -----------------------------------------------------------------------------

// NoOpSink discards all telemetry.
type NoOpSink struct{}

// NewNoOpSink returns a sink that discards everything.
func NewNoOpSink() *NoOpSink { return &NoOpSink{} }

func (*NoOpSink) RecordRun(context.Context, *RunData) error         { return nil }
func (*NoOpSink) RecordVariant(context.Context, *VariantData) error { return nil }
func (*NoOpSink) RecordOutcome(context.Context, *OutcomeData) error { return nil }
func (*NoOpSink) RecordLatency(context.Context, *LatencyData) error { return nil }
func (*NoOpSink) Flush(context.Context) error                       { return nil }
func (*NoOpSink) Close() error                                      { return nil }

// Verify interface compliance at compile time.
var (
	_ Sink = (*CompositeSink)(nil)
	_ Sink = (*NoOpSink)(nil)
)
