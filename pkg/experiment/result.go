// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/darklaunch/pkg/rollout"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
)

// -----------------------------------------------------------------------------
// Result Builder
// -----------------------------------------------------------------------------

// ResultBuilder assembles a ResultExperiment.
//
// Thread Safety: Not safe for concurrent use.
type ResultBuilder[T any] struct {
	common
	control      func(context.Context) (T, error)
	experimental func(context.Context) (T, error)
	resolver     Resolver[Result[T]]
	equal        func(x, y T) bool
}

// NewResult starts building a fallible experiment called name.
func NewResult[T any](name string) *ResultBuilder[T] {
	return &ResultBuilder[T]{common: common{name: name}}
}

// Control sets the trusted computation.
func (b *ResultBuilder[T]) Control(fn func(context.Context) (T, error)) *ResultBuilder[T] {
	b.control = fn
	return b
}

// Experimental sets the candidate computation.
func (b *ResultBuilder[T]) Experimental(fn func(context.Context) (T, error)) *ResultBuilder[T] {
	b.experimental = fn
	return b
}

// Strategy sets the rollout strategy.
func (b *ResultBuilder[T]) Strategy(s rollout.Strategy) *ResultBuilder[T] {
	b.strategy = s
	return b
}

// SampleRate sets a rollout.Probability strategy comparing a fraction p
// of calls.
func (b *ResultBuilder[T]) SampleRate(p float64) *ResultBuilder[T] {
	b.setRate(p)
	return b
}

// OnMismatch sets the resolver.
//
// The resolver sees both sides as Results. It is called when both
// succeeded with different values, and when the control failed but the
// experimental succeeded; in that case Control carries the error.
func (b *ResultBuilder[T]) OnMismatch(r Resolver[Result[T]]) *ResultBuilder[T] {
	b.resolver = r
	return b
}

// Equal overrides equality of successful values.
// Default: reflect.DeepEqual.
func (b *ResultBuilder[T]) Equal(fn func(x, y T) bool) *ResultBuilder[T] {
	b.equal = fn
	return b
}

// Build validates the configuration and returns a runnable experiment.
func (b *ResultBuilder[T]) Build(opts ...Option) (*ResultExperiment[T], error) {
	if err := b.validate(b.control != nil, b.experimental != nil, b.resolver != nil); err != nil {
		return nil, err
	}
	equal := b.equal
	if equal == nil {
		equal = deepEqual[T]
	}
	resolver := b.resolver
	if resolver == nil {
		resolver = PreferControl[Result[T]]()
	}
	return &ResultExperiment[T]{
		engine: engine{
			name:     b.name,
			strategy: b.strategy,
			settings: applyOptions(opts),
		},
		control:      b.control,
		experimental: b.experimental,
		resolver:     resolver,
		equal:        equal,
	}, nil
}

// -----------------------------------------------------------------------------
// Result Experiment
// -----------------------------------------------------------------------------

// ResultExperiment compares two fallible computations.
//
// Thread Safety: Safe for concurrent use when the computations, resolver
// and equality function are.
type ResultExperiment[T any] struct {
	engine
	control      func(context.Context) (T, error)
	experimental func(context.Context) (T, error)
	resolver     Resolver[Result[T]]
	equal        func(x, y T) bool
}

// RunResult executes one call.
//
// Description:
//
//	Under UseControl or UseExperimental only the selected computation
//	runs; its value or error is returned untouched and classified as ok
//	or error. Under UseExperimentalAndCompare both run and:
//
//	  control ok,  experimental ok,  equal    -> control value
//	  control ok,  experimental ok,  differ   -> resolver, mismatch
//	  control ok,  experimental err           -> control value, mismatch
//	  control err, experimental ok            -> resolver, mismatch
//	  control err, experimental err           -> control error
//
//	Every failed computation is logged with its kind.
//
// Outputs:
//   - T: The selected value.
//   - error: The selected error, if any.
func (e *ResultExperiment[T]) RunResult(ctx context.Context) (T, error) {
	ctx, span, d := e.begin(ctx, "Experiment.RunResult")
	defer span.End()

	var out Result[T]
	switch d {
	case rollout.UseExperimental:
		out = e.single(ctx, KindExperimental, e.experimental)

	case rollout.UseExperimentalAndCompare:
		out = e.compare(ctx, span)

	default:
		out = e.single(ctx, KindControl, e.control)
	}

	if out.Err != nil {
		telemetry.RecordError(span, out.Err)
	}
	return out.Unwrap()
}

func (e *ResultExperiment[T]) single(ctx context.Context, kind Kind, fn func(context.Context) (T, error)) Result[T] {
	r := e.one(ctx, kind, fn)
	e.classify(ctx, kind, r)
	return r
}

func (e *ResultExperiment[T]) compare(ctx context.Context, span trace.Span) Result[T] {
	c, x := runBoth(ctx,
		func(ctx context.Context) Result[T] { return e.one(ctx, KindControl, e.control) },
		func(ctx context.Context) Result[T] { return e.one(ctx, KindExperimental, e.experimental) },
	)
	e.classify(ctx, KindControl, c)
	e.classify(ctx, KindExperimental, x)

	switch {
	case c.IsOK() && x.IsOK():
		if e.equal(c.Value, x.Value) {
			return c
		}
		e.mismatch(ctx, span)
		return e.resolver(Mismatch[Result[T]]{Control: c, Experimental: x})

	case c.IsOK():
		e.mismatch(ctx, span)
		return c

	case x.IsOK():
		e.mismatch(ctx, span)
		return e.resolver(Mismatch[Result[T]]{Control: c, Experimental: x})

	default:
		return Result[T]{Err: c.Err}
	}
}

func (e *ResultExperiment[T]) classify(ctx context.Context, kind Kind, r Result[T]) {
	if r.Err != nil {
		e.outcome(ctx, kind, OutcomeError)
		e.failed(ctx, kind, r.Err)
		return
	}
	e.outcome(ctx, kind, OutcomeOK)
}

func (e *ResultExperiment[T]) one(ctx context.Context, kind Kind, fn func(context.Context) (T, error)) Result[T] {
	var r Result[T]
	e.timed(ctx, "Experiment.RunResult", kind, func(ctx context.Context) error {
		r.Value, r.Err = fn(ctx)
		return r.Err
	})
	return r
}
