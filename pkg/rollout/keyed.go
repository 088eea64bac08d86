// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package rollout

import (
	"context"
	"errors"
	"hash/fnv"
	"math"
	"time"
)

// -----------------------------------------------------------------------------
// Sampling Keys
// -----------------------------------------------------------------------------

type keyContextKey struct{}

// WithKey attaches a sampling key (user ID, account, SKU) to ctx.
//
// Keyed strategies hash the key so the same key always lands on the same
// side of the rate.
func WithKey(ctx context.Context, key string) context.Context {
	return context.WithValue(ctx, keyContextKey{}, key)
}

// KeyFromContext returns the sampling key set by WithKey.
func KeyFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	key, ok := ctx.Value(keyContextKey{}).(string)
	return key, ok && key != ""
}

// hashUnit maps key onto [0, 1) with FNV-1a.
func hashUnit(key string) float64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	// Drop the low bits so the quotient is strictly below 1.
	return float64(h.Sum64()>>11) / (1 << 53)
}

// -----------------------------------------------------------------------------
// Keyed
// -----------------------------------------------------------------------------

// Keyed samples consistently per key.
//
// Description:
//
//	Keyed hashes the key found on the context and compares the hash,
//	normalized to [0, 1), against the rate. Repeated calls with the same
//	key always receive the same decision. Calls without a key fall back
//	to a random draw.
//
// Thread Safety: Safe for concurrent use.
type Keyed struct {
	p    float64
	draw func() float64
}

// NewKeyed creates a key-sticky probability strategy.
//
// Inputs:
//   - p: Fraction of keys to compare. Must be within [0, 1].
//
// Outputs:
//   - *Keyed: The strategy. Nil on error.
//   - error: ErrInvalidRate if p is out of range.
func NewKeyed(p float64, opts ...Option) (*Keyed, error) {
	if err := validateRate(p); err != nil {
		return nil, err
	}
	o := applyOptions(opts)
	return &Keyed{p: p, draw: o.draw}, nil
}

// Decide returns UseExperimentalAndCompare for keys hashing below the rate.
func (s *Keyed) Decide(ctx context.Context) Decision {
	var r float64
	if key, ok := KeyFromContext(ctx); ok {
		r = hashUnit(key)
	} else {
		r = s.draw()
	}
	if r < s.p {
		return UseExperimentalAndCompare
	}
	return UseControl
}

// MayCompare reports whether any key can be sampled.
func (s *Keyed) MayCompare() bool {
	return s.p > 0
}

// -----------------------------------------------------------------------------
// Ramp-Up
// -----------------------------------------------------------------------------

// RampUp grows the comparison rate linearly over a fixed window.
//
// Description:
//
//	The rate starts at from when the strategy is built and reaches to
//	after the ramp duration, staying there afterwards. The
//	schedule is fixed at construction; there is no way to reset or
//	retarget it.
//
// Thread Safety: Safe for concurrent use.
type RampUp struct {
	start time.Time
	over  time.Duration
	from  float64
	to    float64
	now   func() time.Time
	draw  func() float64
}

// NewRampUp creates a ramping strategy.
//
// Inputs:
//   - from: Rate at construction time. Must be within [0, 1].
//   - to: Rate once the window has elapsed. Must be within [0, 1].
//   - over: Length of the ramp. Zero jumps straight to the final rate.
//
// Outputs:
//   - *RampUp: The strategy. Nil on error.
//   - error: ErrInvalidRate or ErrInvalidDuration.
func NewRampUp(from, to float64, over time.Duration, opts ...Option) (*RampUp, error) {
	if err := errors.Join(validateRate(from), validateRate(to)); err != nil {
		return nil, err
	}
	if over < 0 {
		return nil, ErrInvalidDuration
	}
	o := applyOptions(opts)
	return &RampUp{
		start: o.now(),
		over:  over,
		from:  from,
		to:    to,
		now:   o.now,
		draw:  o.draw,
	}, nil
}

// Rate returns the comparison rate at the current instant.
func (s *RampUp) Rate() float64 {
	elapsed := s.now().Sub(s.start)
	if s.over <= 0 || elapsed >= s.over {
		return s.to
	}
	if elapsed <= 0 {
		return s.from
	}
	progress := float64(elapsed) / float64(s.over)
	return s.from + (s.to-s.from)*progress
}

// Decide compares a draw, or the key hash when one is present, to Rate.
func (s *RampUp) Decide(ctx context.Context) Decision {
	var r float64
	if key, ok := KeyFromContext(ctx); ok {
		r = hashUnit(key)
	} else {
		r = s.draw()
	}
	if r < s.Rate() {
		return UseExperimentalAndCompare
	}
	return UseControl
}

// MayCompare reports whether the ramp ever has a non-zero rate.
func (s *RampUp) MayCompare() bool {
	return math.Max(s.from, s.to) > 0
}

var (
	_ Strategy = (*Keyed)(nil)
	_ Strategy = (*RampUp)(nil)
	_ Comparer = (*Keyed)(nil)
	_ Comparer = (*RampUp)(nil)
)
