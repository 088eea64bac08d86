// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package rollout decides, per call, which variant of an experiment runs.
//
// Every strategy is immutable once constructed. Rates are validated up
// front and cannot be changed afterwards; build a new strategy instead.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrInvalidRate is returned when a probability is outside [0, 1] or NaN.
	ErrInvalidRate = errors.New("rollout rate must be within [0, 1]")

	// ErrInvalidDuration is returned when a ramp duration is negative.
	ErrInvalidDuration = errors.New("rollout duration must not be negative")

	// ErrUnknownDecision is returned by ParseDecision for unrecognized labels.
	ErrUnknownDecision = errors.New("unknown rollout decision")

	// ErrFlagNotFound is returned by a FlagSource that has no value for a flag.
	ErrFlagNotFound = errors.New("rollout flag not found")

	// ErrNilStrategy is returned when a required strategy is nil.
	ErrNilStrategy = errors.New("rollout strategy must not be nil")

	// ErrNilSource is returned when a Flag is built without a FlagSource.
	ErrNilSource = errors.New("flag source must not be nil")
)

// -----------------------------------------------------------------------------
// Decision
// -----------------------------------------------------------------------------

// Decision selects which computations run for a single call.
type Decision int

const (
	// UseControl runs only the control computation.
	UseControl Decision = iota

	// UseExperimental runs only the experimental computation.
	UseExperimental

	// UseExperimentalAndCompare runs both and compares their outputs.
	UseExperimentalAndCompare
)

// String returns the label used for the decision in metrics and logs.
func (d Decision) String() string {
	switch d {
	case UseControl:
		return "control"
	case UseExperimental:
		return "experimental"
	case UseExperimentalAndCompare:
		return "experimental_and_compare"
	default:
		return fmt.Sprintf("decision(%d)", int(d))
	}
}

// ParseDecision maps a label produced by Decision.String back to a Decision.
//
// Matching is case-insensitive and surrounding whitespace is ignored.
func ParseDecision(s string) (Decision, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "control":
		return UseControl, nil
	case "experimental":
		return UseExperimental, nil
	case "experimental_and_compare", "compare":
		return UseExperimentalAndCompare, nil
	default:
		return UseControl, fmt.Errorf("%w: %q", ErrUnknownDecision, s)
	}
}

// -----------------------------------------------------------------------------
// Strategy Interface
// -----------------------------------------------------------------------------

// Strategy produces one Decision per call.
//
// Description:
//
//	Decide is consulted exactly once per experiment invocation. It must
//	not block and should only depend on the context and, where the
//	strategy samples, a random draw.
//
// Thread Safety: Implementations must be safe for concurrent use.
type Strategy interface {
	Decide(ctx context.Context) Decision
}

// Comparer is implemented by strategies that can report up front whether
// they will ever return UseExperimentalAndCompare.
type Comparer interface {
	MayCompare() bool
}

// MayCompare reports whether s can produce UseExperimentalAndCompare.
//
// Strategies that do not implement Comparer are assumed to compare.
func MayCompare(s Strategy) bool {
	if s == nil {
		return false
	}
	if c, ok := s.(Comparer); ok {
		return c.MayCompare()
	}
	return true
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

type options struct {
	draw func() float64
	now  func() time.Time
}

// Option configures the sampling strategies in this package.
type Option func(*options)

// WithSource replaces the uniform [0, 1) source used for random draws.
//
// The source must be safe for concurrent use. Tests use it to pin draws.
func WithSource(draw func() float64) Option {
	return func(o *options) {
		if draw != nil {
			o.draw = draw
		}
	}
}

// WithClock replaces the clock used by time-based strategies.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{
		draw: rand.Float64,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func validateRate(p float64) error {
	if math.IsNaN(p) || p < 0 || p > 1 {
		return fmt.Errorf("%w: got %v", ErrInvalidRate, p)
	}
	return nil
}

// -----------------------------------------------------------------------------
// Fixed
// -----------------------------------------------------------------------------

// Fixed always returns the same decision.
//
// Example:
//
//	strategy := rollout.Fixed(rollout.UseExperimental)
type Fixed Decision

// Decide returns the fixed decision.
func (f Fixed) Decide(_ context.Context) Decision {
	return Decision(f)
}

// MayCompare reports whether the fixed decision is UseExperimentalAndCompare.
func (f Fixed) MayCompare() bool {
	return Decision(f) == UseExperimentalAndCompare
}

// -----------------------------------------------------------------------------
// Probability
// -----------------------------------------------------------------------------

// Probability samples a fixed fraction of calls for comparison.
//
// Description:
//
//	Each call draws r uniformly from [0, 1). When r < p the decision is
//	UseExperimentalAndCompare, otherwise UseControl. It never returns
//	UseExperimental. p = 0 always selects control and p = 1 always
//	compares.
//
// Thread Safety: Safe for concurrent use.
type Probability struct {
	p    float64
	draw func() float64
}

// NewProbability creates a probability strategy.
//
// Inputs:
//   - p: Fraction of calls to compare. Must be within [0, 1].
//   - opts: Optional WithSource override.
//
// Outputs:
//   - *Probability: The strategy. Nil on error.
//   - error: ErrInvalidRate if p is out of range or NaN.
func NewProbability(p float64, opts ...Option) (*Probability, error) {
	if err := validateRate(p); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &Probability{p: p, draw: o.draw}, nil
}

// NewPercent creates a probability strategy from a percentage in [0, 100].
func NewPercent(pct float64, opts ...Option) (*Probability, error) {
	if math.IsNaN(pct) || pct < 0 || pct > 100 {
		return nil, fmt.Errorf("%w: got %v%%", ErrInvalidRate, pct)
	}
	return NewProbability(pct/100, opts...)
}

// Decide draws once and compares the draw against the rate.
func (s *Probability) Decide(_ context.Context) Decision {
	if s.draw() < s.p {
		return UseExperimentalAndCompare
	}
	return UseControl
}

// Rate returns the configured comparison probability.
func (s *Probability) Rate() float64 {
	return s.p
}

// MayCompare reports whether any call can be sampled for comparison.
func (s *Probability) MayCompare() bool {
	return s.p > 0
}

// -----------------------------------------------------------------------------
// Split
// -----------------------------------------------------------------------------

// Split divides traffic three ways for a staged cut-over.
//
// Description:
//
//	A single draw r selects UseExperimentalAndCompare when r < compare,
//	UseExperimental when r < compare + experimental, and UseControl
//	otherwise.
//
// Thread Safety: Safe for concurrent use.
type Split struct {
	experimental float64
	compare      float64
	draw         func() float64
}

// NewSplit creates a split strategy.
//
// Inputs:
//   - experimental: Fraction served by the experimental computation alone.
//   - compare: Fraction that runs both computations.
//
// Outputs:
//   - *Split: The strategy. Nil on error.
//   - error: ErrInvalidRate if either fraction is invalid or they sum past 1.
func NewSplit(experimental, compare float64, opts ...Option) (*Split, error) {
	if err := errors.Join(validateRate(experimental), validateRate(compare)); err != nil {
		return nil, err
	}
	if experimental+compare > 1+1e-9 {
		return nil, fmt.Errorf("%w: experimental %v + compare %v exceeds 1",
			ErrInvalidRate, experimental, compare)
	}
	o := applyOptions(opts)
	return &Split{experimental: experimental, compare: compare, draw: o.draw}, nil
}

// Decide draws once and maps the draw onto the three bands.
func (s *Split) Decide(_ context.Context) Decision {
	r := s.draw()
	switch {
	case r < s.compare:
		return UseExperimentalAndCompare
	case r < s.compare+s.experimental:
		return UseExperimental
	default:
		return UseControl
	}
}

// MayCompare reports whether the compare band is non-empty.
func (s *Split) MayCompare() bool {
	return s.compare > 0
}

// -----------------------------------------------------------------------------
// Compile-time interface checks
// -----------------------------------------------------------------------------

var (
	_ Strategy = Fixed(UseControl)
	_ Strategy = (*Probability)(nil)
	_ Strategy = (*Split)(nil)
	_ Comparer = Fixed(UseControl)
	_ Comparer = (*Probability)(nil)
	_ Comparer = (*Split)(nil)
)
