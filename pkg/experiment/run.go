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

	"github.com/AleutianAI/darklaunch/pkg/rollout"
)

// -----------------------------------------------------------------------------
// Builder
// -----------------------------------------------------------------------------

// Builder assembles an Experiment. Setters record problems; Build reports
// all of them at once.
//
// Thread Safety: Not safe for concurrent use. Build once, then share the
// Experiment.
type Builder[T any] struct {
	common
	control      func(context.Context) T
	experimental func(context.Context) T
	resolver     Resolver[T]
	equal        func(x, y T) bool
}

// New starts building an experiment called name.
func New[T any](name string) *Builder[T] {
	return &Builder[T]{common: common{name: name}}
}

// Control sets the trusted computation.
func (b *Builder[T]) Control(fn func(context.Context) T) *Builder[T] {
	b.control = fn
	return b
}

// Experimental sets the candidate computation.
func (b *Builder[T]) Experimental(fn func(context.Context) T) *Builder[T] {
	b.experimental = fn
	return b
}

// Strategy sets the rollout strategy.
func (b *Builder[T]) Strategy(s rollout.Strategy) *Builder[T] {
	b.strategy = s
	return b
}

// SampleRate sets a rollout.Probability strategy comparing a fraction p
// of calls. Build fails if p is outside [0, 1].
func (b *Builder[T]) SampleRate(p float64) *Builder[T] {
	b.setRate(p)
	return b
}

// OnMismatch sets the resolver used when outputs disagree. Required
// unless the strategy can never compare.
func (b *Builder[T]) OnMismatch(r Resolver[T]) *Builder[T] {
	b.resolver = r
	return b
}

// Equal overrides output equality.
// Default: reflect.DeepEqual.
func (b *Builder[T]) Equal(fn func(x, y T) bool) *Builder[T] {
	b.equal = fn
	return b
}

// Build validates the configuration and returns a runnable experiment.
//
// Outputs:
//   - *Experiment[T]: Nil on error.
//   - error: Joins every configuration problem found; match with
//     errors.Is against the Err* values and rollout.ErrInvalidRate.
func (b *Builder[T]) Build(opts ...Option) (*Experiment[T], error) {
	if err := b.validate(b.control != nil, b.experimental != nil, b.resolver != nil); err != nil {
		return nil, err
	}
	equal := b.equal
	if equal == nil {
		equal = deepEqual[T]
	}
	resolver := b.resolver
	if resolver == nil {
		resolver = PreferControl[T]()
	}
	return &Experiment[T]{
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
// Experiment
// -----------------------------------------------------------------------------

// Experiment compares two infallible computations.
//
// Thread Safety: Safe for concurrent use when the computations, resolver
// and equality function are.
type Experiment[T any] struct {
	engine
	control      func(context.Context) T
	experimental func(context.Context) T
	resolver     Resolver[T]
	equal        func(x, y T) bool
}

// Run executes one call.
//
// Description:
//
//	UseControl runs only the control and returns its value.
//	UseExperimental runs only the experimental and returns its value.
//	UseExperimentalAndCompare runs both concurrently and returns the
//	control value when they are equal. Otherwise it records a mismatch
//	and returns what the resolver picks. The computation not selected
//	by the decision is never invoked.
//
// Inputs:
//   - ctx: Passed unchanged (plus tracing) to the computations.
//
// Outputs:
//   - T: The selected value.
func (e *Experiment[T]) Run(ctx context.Context) T {
	ctx, span, d := e.begin(ctx, "Experiment.Run")
	defer span.End()

	switch d {
	case rollout.UseExperimental:
		return e.one(ctx, KindExperimental, e.experimental)

	case rollout.UseExperimentalAndCompare:
		c, x := runBoth(ctx,
			func(ctx context.Context) T { return e.one(ctx, KindControl, e.control) },
			func(ctx context.Context) T { return e.one(ctx, KindExperimental, e.experimental) },
		)
		if e.equal(c, x) {
			return c
		}
		e.mismatch(ctx, span)
		return e.resolver(Mismatch[T]{Control: c, Experimental: x})

	default:
		return e.one(ctx, KindControl, e.control)
	}
}

func (e *Experiment[T]) one(ctx context.Context, kind Kind, fn func(context.Context) T) T {
	var v T
	e.timed(ctx, "Experiment.Run", kind, func(ctx context.Context) error {
		v = fn(ctx)
		return nil
	})
	return v
}
