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
	"math"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seq returns a source that replays values in order, wrapping around.
func seq(values ...float64) func() float64 {
	var mu sync.Mutex
	i := 0
	return func() float64 {
		mu.Lock()
		defer mu.Unlock()
		v := values[i%len(values)]
		i++
		return v
	}
}

func seeded() func() float64 {
	return rand.New(rand.NewPCG(42, 1024)).Float64
}

// -----------------------------------------------------------------------------
// Decision Tests
// -----------------------------------------------------------------------------

func TestDecision_String(t *testing.T) {
	assert.Equal(t, "control", UseControl.String())
	assert.Equal(t, "experimental", UseExperimental.String())
	assert.Equal(t, "experimental_and_compare", UseExperimentalAndCompare.String())
	assert.Equal(t, "decision(9)", Decision(9).String())
}

func TestParseDecision(t *testing.T) {
	for _, d := range []Decision{UseControl, UseExperimental, UseExperimentalAndCompare} {
		got, err := ParseDecision(d.String())
		require.NoError(t, err)
		assert.Equal(t, d, got)
	}

	got, err := ParseDecision("  Compare ")
	require.NoError(t, err)
	assert.Equal(t, UseExperimentalAndCompare, got)

	_, err = ParseDecision("shadow")
	assert.ErrorIs(t, err, ErrUnknownDecision)
}

// -----------------------------------------------------------------------------
// Probability Tests
// -----------------------------------------------------------------------------

func TestNewProbability_RejectsOutOfRange(t *testing.T) {
	for _, p := range []float64{-0.01, 1.0001, math.NaN(), math.Inf(1)} {
		t.Run(fmt.Sprint(p), func(t *testing.T) {
			s, err := NewProbability(p)
			assert.ErrorIs(t, err, ErrInvalidRate)
			assert.Nil(t, s)
		})
	}
}

func TestProbability_Bounds(t *testing.T) {
	ctx := context.Background()

	t.Run("zero always control", func(t *testing.T) {
		s, err := NewProbability(0)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			require.Equal(t, UseControl, s.Decide(ctx))
		}
		assert.False(t, s.MayCompare())
	})

	t.Run("one always compares", func(t *testing.T) {
		s, err := NewProbability(1)
		require.NoError(t, err)
		for i := 0; i < 1000; i++ {
			require.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
		}
		assert.True(t, s.MayCompare())
	})
}

func TestProbability_Threshold(t *testing.T) {
	s, err := NewProbability(0.25, WithSource(seq(0.0, 0.2499, 0.25, 0.9)))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
	assert.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
	assert.Equal(t, UseControl, s.Decide(ctx))
	assert.Equal(t, UseControl, s.Decide(ctx))
	assert.Equal(t, 0.25, s.Rate())
}

func TestProbability_NeverExperimentalOnly(t *testing.T) {
	s, err := NewProbability(0.5)
	require.NoError(t, err)
	for i := 0; i < 10_000; i++ {
		require.NotEqual(t, UseExperimental, s.Decide(context.Background()))
	}
}

func TestNewPercent_ApproximatesRate(t *testing.T) {
	s, err := NewPercent(5, WithSource(seeded()))
	require.NoError(t, err)
	assert.InDelta(t, 0.05, s.Rate(), 1e-12)

	const n = 100_000
	compared := 0
	for i := 0; i < n; i++ {
		if s.Decide(context.Background()) == UseExperimentalAndCompare {
			compared++
		}
	}
	assert.InDelta(t, 0.05, float64(compared)/n, 0.005)

	_, err = NewPercent(101)
	assert.ErrorIs(t, err, ErrInvalidRate)
	_, err = NewPercent(-1)
	assert.ErrorIs(t, err, ErrInvalidRate)
}

// -----------------------------------------------------------------------------
// Fixed / Split Tests
// -----------------------------------------------------------------------------

func TestFixed(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, UseExperimental, Fixed(UseExperimental).Decide(ctx))
	assert.False(t, Fixed(UseExperimental).MayCompare())
	assert.True(t, Fixed(UseExperimentalAndCompare).MayCompare())
}

func TestNewSplit(t *testing.T) {
	t.Run("bands", func(t *testing.T) {
		s, err := NewSplit(0.3, 0.2, WithSource(seq(0.1, 0.2, 0.49, 0.5, 0.99)))
		require.NoError(t, err)

		ctx := context.Background()
		assert.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
		assert.Equal(t, UseExperimental, s.Decide(ctx))
		assert.Equal(t, UseExperimental, s.Decide(ctx))
		assert.Equal(t, UseControl, s.Decide(ctx))
		assert.Equal(t, UseControl, s.Decide(ctx))
		assert.True(t, s.MayCompare())
	})

	t.Run("full cutover", func(t *testing.T) {
		s, err := NewSplit(1, 0)
		require.NoError(t, err)
		assert.Equal(t, UseExperimental, s.Decide(context.Background()))
		assert.False(t, s.MayCompare())
	})

	t.Run("sum above one", func(t *testing.T) {
		_, err := NewSplit(0.6, 0.5)
		assert.ErrorIs(t, err, ErrInvalidRate)
	})

	t.Run("invalid fraction", func(t *testing.T) {
		_, err := NewSplit(-0.1, 0.5)
		assert.ErrorIs(t, err, ErrInvalidRate)
	})
}

// -----------------------------------------------------------------------------
// Keyed / RampUp Tests
// -----------------------------------------------------------------------------

func TestKeyed_StickyPerKey(t *testing.T) {
	s, err := NewKeyed(0.5)
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		ctx := WithKey(context.Background(), fmt.Sprintf("user-%d", i))
		first := s.Decide(ctx)
		for j := 0; j < 10; j++ {
			require.Equal(t, first, s.Decide(ctx))
		}
	}
}

func TestKeyed_FallsBackToDraw(t *testing.T) {
	s, err := NewKeyed(0.5, WithSource(seq(0.1, 0.9)))
	require.NoError(t, err)

	ctx := context.Background()
	assert.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
	assert.Equal(t, UseControl, s.Decide(ctx))

	_, ok := KeyFromContext(WithKey(ctx, ""))
	assert.False(t, ok)
}

func TestKeyed_Bounds(t *testing.T) {
	none, err := NewKeyed(0)
	require.NoError(t, err)
	all, err := NewKeyed(1)
	require.NoError(t, err)

	for i := 0; i < 200; i++ {
		ctx := WithKey(context.Background(), fmt.Sprint(i))
		require.Equal(t, UseControl, none.Decide(ctx))
		require.Equal(t, UseExperimentalAndCompare, all.Decide(ctx))
	}
}

func TestRampUp_Rate(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	now := base
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	advance := func(d time.Duration) {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(d)
	}

	s, err := NewRampUp(0.1, 0.5, 10*time.Minute, WithClock(clock), WithSource(seq(0.3)))
	require.NoError(t, err)

	assert.InDelta(t, 0.1, s.Rate(), 1e-9)
	assert.Equal(t, UseControl, s.Decide(context.Background()))

	advance(5 * time.Minute)
	assert.InDelta(t, 0.3, s.Rate(), 1e-9)

	advance(time.Minute)
	assert.InDelta(t, 0.34, s.Rate(), 1e-9)
	assert.Equal(t, UseExperimentalAndCompare, s.Decide(context.Background()))

	advance(time.Hour)
	assert.InDelta(t, 0.5, s.Rate(), 1e-9)
}

func TestNewRampUp_Validation(t *testing.T) {
	_, err := NewRampUp(0, 2, time.Minute)
	assert.ErrorIs(t, err, ErrInvalidRate)

	_, err = NewRampUp(0, 1, -time.Second)
	assert.ErrorIs(t, err, ErrInvalidDuration)

	s, err := NewRampUp(0, 0, 0)
	require.NoError(t, err)
	assert.False(t, s.MayCompare())
}

// -----------------------------------------------------------------------------
// Flag Tests
// -----------------------------------------------------------------------------

func TestFlag(t *testing.T) {
	ctx := context.Background()

	t.Run("static hit", func(t *testing.T) {
		s, err := NewFlag("pricing", StaticFlags{"pricing": UseExperimental}, Fixed(UseControl))
		require.NoError(t, err)
		assert.Equal(t, UseExperimental, s.Decide(ctx))
		assert.Equal(t, "pricing", s.Name())
	})

	t.Run("miss falls back", func(t *testing.T) {
		s, err := NewFlag("pricing", StaticFlags{}, Fixed(UseExperimentalAndCompare))
		require.NoError(t, err)
		assert.Equal(t, UseExperimentalAndCompare, s.Decide(ctx))
	})

	t.Run("source error falls back", func(t *testing.T) {
		failing := FlagSourceFunc(func(context.Context, string) (Decision, error) {
			return UseExperimental, errors.New("flag store down")
		})
		s, err := NewFlag("pricing", failing, Fixed(UseControl))
		require.NoError(t, err)
		assert.Equal(t, UseControl, s.Decide(ctx))
	})

	t.Run("context override", func(t *testing.T) {
		s, err := NewFlag("pricing", ContextFlags{}, Fixed(UseControl))
		require.NoError(t, err)

		assert.Equal(t, UseControl, s.Decide(ctx))
		forced := WithOverride(ctx, "pricing", UseExperimental)
		assert.Equal(t, UseExperimental, s.Decide(forced))
		assert.Equal(t, UseControl, s.Decide(WithOverride(ctx, "other", UseExperimental)))
	})

	t.Run("validation", func(t *testing.T) {
		_, err := NewFlag("", nil, nil)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNilSource)
		assert.ErrorIs(t, err, ErrNilStrategy)
	})
}

func TestMayCompare(t *testing.T) {
	type opaque struct{ Strategy }

	assert.False(t, MayCompare(nil))
	assert.True(t, MayCompare(opaque{Fixed(UseControl)}))
	assert.False(t, MayCompare(Fixed(UseControl)))
}
