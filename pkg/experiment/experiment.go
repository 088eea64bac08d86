// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package experiment runs a trusted control computation alongside a
// candidate experimental computation and reports where they disagree.
//
// # Overview
//
// An experiment is built once and run many times. On every call a
// rollout.Strategy decides whether to run the control only, the
// experimental only, or both. When both run, their outputs are compared;
// the control output is returned when they agree and a Resolver picks
// the result when they do not. Experimental output is never returned
// unless the strategy selects it or the resolver chooses it.
//
// Two flavours exist:
//
//   - Experiment[T] for computations returning T.
//   - ResultExperiment[T] for computations returning (T, error), which
//     also classifies each side as ok or error.
//
// # Telemetry
//
// Each call records experiment_run_total and experiment_run_variant to a
// telemetry.Sink, opens an "Experiment.Run" span with a child span per
// executed computation, and logs computation errors to a slog.Logger.
//
// # Example
//
//	exp, err := experiment.New[int]("pricing").
//	    Control(legacyPrice).
//	    Experimental(newPrice).
//	    SampleRate(0.05).
//	    OnMismatch(experiment.PreferControl[int]()).
//	    Build(experiment.WithSink(sink))
//	if err != nil {
//	    return err
//	}
//	price := exp.Run(ctx)
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/darklaunch/pkg/rollout"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
)

const instrumentationName = "github.com/AleutianAI/darklaunch/pkg/experiment"

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrMissingName is returned by Build when the experiment has no name.
	ErrMissingName = errors.New("experiment name is required")

	// ErrMissingControl is returned by Build when no control is set.
	ErrMissingControl = errors.New("control computation is required")

	// ErrMissingExperimental is returned by Build when no experimental is set.
	ErrMissingExperimental = errors.New("experimental computation is required")

	// ErrMissingStrategy is returned by Build when no strategy or rate is set.
	ErrMissingStrategy = errors.New("rollout strategy is required")

	// ErrMissingResolver is returned by Build when the strategy can compare
	// but no mismatch resolver was given.
	ErrMissingResolver = errors.New("mismatch resolver is required when the strategy may compare")
)

// -----------------------------------------------------------------------------
// Kinds and Outcomes
// -----------------------------------------------------------------------------

// Kind labels a computation, or the comparison of both, in telemetry.
type Kind int

const (
	// KindControl is the trusted computation.
	KindControl Kind = iota

	// KindExperimental is the candidate computation.
	KindExperimental

	// KindExperimentalAndCompare is a call that ran and compared both.
	KindExperimentalAndCompare
)

// String returns the metric label for k.
func (k Kind) String() string {
	switch k {
	case KindControl:
		return telemetry.KindControl
	case KindExperimental:
		return telemetry.KindExperimental
	case KindExperimentalAndCompare:
		return telemetry.KindExperimentalAndCompare
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

func kindOf(d rollout.Decision) Kind {
	switch d {
	case rollout.UseExperimental:
		return KindExperimental
	case rollout.UseExperimentalAndCompare:
		return KindExperimentalAndCompare
	default:
		return KindControl
	}
}

// Outcome classifies one computation or comparison.
type Outcome int

const (
	// OutcomeOK is a computation that succeeded.
	OutcomeOK Outcome = iota

	// OutcomeError is a computation that returned an error.
	OutcomeError

	// OutcomeMismatch is a comparison whose sides disagreed.
	OutcomeMismatch
)

// String returns the metric label for o.
func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return telemetry.OutcomeOK
	case OutcomeError:
		return telemetry.OutcomeError
	case OutcomeMismatch:
		return telemetry.OutcomeMismatch
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// -----------------------------------------------------------------------------
// Mismatch and Resolution
// -----------------------------------------------------------------------------

// Mismatch carries both outputs of a comparison that disagreed.
type Mismatch[T any] struct {
	Control      T
	Experimental T
}

// Resolver picks the value returned to the caller after a mismatch.
//
// It is called at most once per call and only from the caller's goroutine.
type Resolver[T any] func(Mismatch[T]) T

// PreferControl resolves every mismatch to the control output.
func PreferControl[T any]() Resolver[T] {
	return func(m Mismatch[T]) T { return m.Control }
}

// PreferExperimental resolves every mismatch to the experimental output.
func PreferExperimental[T any]() Resolver[T] {
	return func(m Mismatch[T]) T { return m.Experimental }
}

// Result is one side of a fallible computation.
type Result[T any] struct {
	Value T
	Err   error
}

// Ok wraps a successful value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v}
}

// Fail wraps an error.
func Fail[T any](err error) Result[T] {
	return Result[T]{Err: err}
}

// Unwrap returns the value and error.
func (r Result[T]) Unwrap() (T, error) {
	return r.Value, r.Err
}

// IsOK reports whether the result carries no error.
func (r Result[T]) IsOK() bool {
	return r.Err == nil
}

func deepEqual[T any](a, b T) bool {
	return reflect.DeepEqual(a, b)
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type settings struct {
	sink   telemetry.Sink
	tracer trace.Tracer
	logger *slog.Logger
}

// Option configures the telemetry of a built experiment.
type Option func(*settings)

// WithSink sets the metrics sink.
// Default: telemetry.NoOpSink.
func WithSink(sink telemetry.Sink) Option {
	return func(s *settings) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithTracerProvider sets the tracer provider.
// Default: otel.GetTracerProvider().
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *settings) {
		if tp != nil {
			s.tracer = tp.Tracer(instrumentationName)
		}
	}
}

// WithLogger sets the logger for computation errors.
// Default: slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(s *settings) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func applyOptions(opts []Option) settings {
	s := settings{
		sink:   telemetry.NewNoOpSink(),
		tracer: otel.GetTracerProvider().Tracer(instrumentationName),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}

// -----------------------------------------------------------------------------
// Engine
// -----------------------------------------------------------------------------

// engine holds the configuration shared by both experiment flavours.
// It is immutable after Build.
type engine struct {
	name     string
	strategy rollout.Strategy
	settings
}

// begin records the run, draws the decision and opens the root span.
func (e *engine) begin(ctx context.Context, spanName string) (context.Context, trace.Span, rollout.Decision) {
	e.record(ctx, func(s telemetry.Sink) error {
		return s.RecordRun(ctx, &telemetry.RunData{Experiment: e.name, Timestamp: time.Now()})
	})

	d := e.strategy.Decide(ctx)
	switch d {
	case rollout.UseControl, rollout.UseExperimental, rollout.UseExperimentalAndCompare:
	default:
		d = rollout.UseControl
	}

	ctx, span := e.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("experiment.name", e.name),
		attribute.String("rollout.decision", d.String()),
	))

	e.record(ctx, func(s telemetry.Sink) error {
		return s.RecordVariant(ctx, &telemetry.VariantData{Experiment: e.name, Kind: kindOf(d).String()})
	})
	return ctx, span, d
}

// timed runs fn inside a child span and records its latency.
func (e *engine) timed(ctx context.Context, spanName string, kind Kind, fn func(context.Context) error) {
	ctx, span := e.tracer.Start(ctx, spanName+" "+kind.String(), trace.WithAttributes(
		attribute.String("experiment.name", e.name),
		attribute.String("experiment.kind", kind.String()),
	))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		telemetry.RecordError(span, err)
	} else {
		telemetry.SetSpanOK(span)
	}
	e.record(ctx, func(s telemetry.Sink) error {
		return s.RecordLatency(ctx, &telemetry.LatencyData{Experiment: e.name, Kind: kind.String(), Duration: elapsed})
	})
}

func (e *engine) outcome(ctx context.Context, kind Kind, outcome Outcome) {
	e.record(ctx, func(s telemetry.Sink) error {
		return s.RecordOutcome(ctx, &telemetry.OutcomeData{
			Experiment: e.name,
			Kind:       kind.String(),
			Outcome:    outcome.String(),
		})
	})
}

// mismatch records a disagreement on the sink and the root span.
func (e *engine) mismatch(ctx context.Context, span trace.Span) {
	e.outcome(ctx, KindExperimentalAndCompare, OutcomeMismatch)
	telemetry.AddSpanEvent(span, "experiment.mismatch",
		attribute.String("experiment.name", e.name),
	)
}

// failed logs a computation error.
func (e *engine) failed(ctx context.Context, kind Kind, err error) {
	e.logger.LogAttrs(ctx, slog.LevelError, "experiment variant failed",
		slog.String("name", e.name),
		slog.String("kind", kind.String()),
		slog.Any("error", err),
	)
}

func (e *engine) record(ctx context.Context, fn func(telemetry.Sink) error) {
	if err := fn(e.sink); err != nil {
		e.logger.LogAttrs(ctx, slog.LevelWarn, "experiment telemetry failed",
			slog.String("name", e.name),
			slog.Any("error", err),
		)
	}
}

// runBoth runs experimental on its own goroutine and control on the
// caller's, then waits for both. A panic on either side is re-raised on
// the caller's goroutine once both have finished; control's wins when
// both panic.
func runBoth[C, X any](ctx context.Context, control func(context.Context) C, experimental func(context.Context) X) (C, X) {
	var (
		x                 X
		experimentalPanic any
		controlPanic      any
		done              = make(chan struct{})
	)
	go func() {
		defer close(done)
		defer func() { experimentalPanic = recover() }()
		x = experimental(ctx)
	}()
	c := func() C {
		defer func() { controlPanic = recover() }()
		return control(ctx)
	}()
	<-done
	if controlPanic != nil {
		panic(controlPanic)
	}
	if experimentalPanic != nil {
		panic(experimentalPanic)
	}
	return c, x
}

// Name returns the experiment name.
func (e *engine) Name() string { return e.name }

// Strategy returns the rollout strategy.
func (e *engine) Strategy() rollout.Strategy { return e.strategy }

// -----------------------------------------------------------------------------
// Builder validation
// -----------------------------------------------------------------------------

type common struct {
	name     string
	strategy rollout.Strategy
	errs     []error
}

func (c *common) setRate(p float64) {
	s, err := rollout.NewProbability(p)
	if err != nil {
		c.errs = append(c.errs, fmt.Errorf("sample rate: %w", err))
		return
	}
	c.strategy = s
}

func (c *common) validate(hasControl, hasExperimental, hasResolver bool) error {
	errs := append([]error(nil), c.errs...)
	if c.name == "" {
		errs = append(errs, ErrMissingName)
	}
	if !hasControl {
		errs = append(errs, ErrMissingControl)
	}
	if !hasExperimental {
		errs = append(errs, ErrMissingExperimental)
	}
	if c.strategy == nil {
		if len(c.errs) == 0 {
			errs = append(errs, ErrMissingStrategy)
		}
	} else if !hasResolver && rollout.MayCompare(c.strategy) {
		errs = append(errs, ErrMissingResolver)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("build experiment %q: %w", c.name, err)
	}
	return nil
}
