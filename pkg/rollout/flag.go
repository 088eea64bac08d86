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
	"fmt"
)

// -----------------------------------------------------------------------------
// Flag Sources
// -----------------------------------------------------------------------------

// FlagSource resolves a named flag to a Decision.
//
// Lookup returns ErrFlagNotFound (possibly wrapped) when it has no value,
// and any other error when the backing store failed.
type FlagSource interface {
	Lookup(ctx context.Context, name string) (Decision, error)
}

// FlagSourceFunc adapts a function to FlagSource.
type FlagSourceFunc func(ctx context.Context, name string) (Decision, error)

// Lookup calls f.
func (f FlagSourceFunc) Lookup(ctx context.Context, name string) (Decision, error) {
	return f(ctx, name)
}

// StaticFlags is a read-only FlagSource backed by a map.
type StaticFlags map[string]Decision

// Lookup returns the stored decision or ErrFlagNotFound.
func (s StaticFlags) Lookup(_ context.Context, name string) (Decision, error) {
	d, ok := s[name]
	if !ok {
		return UseControl, fmt.Errorf("%w: %s", ErrFlagNotFound, name)
	}
	return d, nil
}

type overrideContextKey struct{}

// WithOverride pins the decision for flag name on ctx.
//
// ContextFlags reads it back. Request handlers use this to let an operator
// force a variant for a single request.
func WithOverride(ctx context.Context, name string, d Decision) context.Context {
	prev, _ := ctx.Value(overrideContextKey{}).(map[string]Decision)
	next := make(map[string]Decision, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[name] = d
	return context.WithValue(ctx, overrideContextKey{}, next)
}

// ContextFlags is a FlagSource that reads overrides set by WithOverride.
type ContextFlags struct{}

// Lookup returns the override for name or ErrFlagNotFound.
func (ContextFlags) Lookup(ctx context.Context, name string) (Decision, error) {
	if ctx != nil {
		if m, ok := ctx.Value(overrideContextKey{}).(map[string]Decision); ok {
			if d, found := m[name]; found {
				return d, nil
			}
		}
	}
	return UseControl, fmt.Errorf("%w: %s", ErrFlagNotFound, name)
}

// -----------------------------------------------------------------------------
// Flag Strategy
// -----------------------------------------------------------------------------

// Flag consults a FlagSource and falls back to another strategy.
//
// Description:
//
//	Decide looks up the flag by name. A successful lookup wins. A miss or
//	a source failure defers to the fallback strategy, so an unavailable
//	flag store never blocks traffic.
//
// Thread Safety: Safe for concurrent use if the source and fallback are.
type Flag struct {
	name     string
	source   FlagSource
	fallback Strategy
}

// NewFlag creates a flag-driven strategy.
//
// Inputs:
//   - name: Flag name. Must not be empty.
//   - source: Where flag values come from. Must not be nil.
//   - fallback: Strategy used when the flag has no value. Must not be nil.
//
// Outputs:
//   - *Flag: The strategy. Nil on error.
//   - error: Non-nil if any input is missing.
func NewFlag(name string, source FlagSource, fallback Strategy) (*Flag, error) {
	var errs []error
	if name == "" {
		errs = append(errs, errors.New("flag name must not be empty"))
	}
	if source == nil {
		errs = append(errs, ErrNilSource)
	}
	if fallback == nil {
		errs = append(errs, ErrNilStrategy)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return &Flag{name: name, source: source, fallback: fallback}, nil
}

// Decide returns the flag value or the fallback's decision.
func (s *Flag) Decide(ctx context.Context) Decision {
	d, err := s.source.Lookup(ctx, s.name)
	if err != nil {
		return s.fallback.Decide(ctx)
	}
	return d
}

// Name returns the flag name.
func (s *Flag) Name() string {
	return s.name
}

// MayCompare is always true; the source may return any decision.
func (s *Flag) MayCompare() bool {
	return true
}

var (
	_ Strategy   = (*Flag)(nil)
	_ Comparer   = (*Flag)(nil)
	_ FlagSource = StaticFlags(nil)
	_ FlagSource = ContextFlags{}
	_ FlagSource = FlagSourceFunc(nil)
)
