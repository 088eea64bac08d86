// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package report

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/pkg/ux"
)

// record feeds a MemorySink the way the experiment engine would.
func record(t *testing.T, sink *telemetry.MemorySink, name string, compares, mismatches int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < compares; i++ {
		require.NoError(t, sink.RecordRun(ctx, &telemetry.RunData{Experiment: name, Timestamp: time.Now()}))
		require.NoError(t, sink.RecordVariant(ctx, &telemetry.VariantData{Experiment: name, Kind: telemetry.KindExperimentalAndCompare}))
		if i < mismatches {
			require.NoError(t, sink.RecordOutcome(ctx, &telemetry.OutcomeData{
				Experiment: name, Kind: telemetry.KindExperimentalAndCompare, Outcome: telemetry.OutcomeMismatch,
			}))
		}
	}
}

func TestVerdict_String(t *testing.T) {
	assert.Equal(t, "insufficient_data", Insufficient.String())
	assert.Equal(t, "promote", Promote.String())
	assert.Equal(t, "hold", Hold.String())
	assert.Equal(t, "rollback", Rollback.String())
	assert.Equal(t, "unknown", Verdict(9).String())
}

func TestWilson(t *testing.T) {
	t.Run("no trials", func(t *testing.T) {
		assert.Equal(t, Interval{0, 1}, Wilson(0, 0, 0.95))
	})

	t.Run("known value", func(t *testing.T) {
		// 10 of 100 at 95%: [0.0552, 0.1744]
		iv := Wilson(10, 100, 0.95)
		assert.InDelta(t, 0.0552, iv.Low, 0.0005)
		assert.InDelta(t, 0.1744, iv.High, 0.0005)
	})

	t.Run("zero successes keeps a positive upper bound", func(t *testing.T) {
		iv := Wilson(0, 1000, 0.95)
		assert.InDelta(t, 0.0, iv.Low, 1e-12)
		assert.InDelta(t, 0.0038, iv.High, 0.0002)
	})

	t.Run("all successes", func(t *testing.T) {
		iv := Wilson(50, 50, 0.95)
		assert.InDelta(t, 1.0, iv.High, 1e-9)
		assert.Less(t, iv.Low, 1.0)
	})

	t.Run("wider at higher confidence", func(t *testing.T) {
		a := Wilson(5, 200, 0.90)
		b := Wilson(5, 200, 0.99)
		assert.Less(t, b.Low, a.Low)
		assert.Greater(t, b.High, a.High)
	})
}

func TestSummarize_Verdicts(t *testing.T) {
	sink := telemetry.NewMemorySink(0)
	record(t, sink, "clean", 2000, 0)
	record(t, sink, "broken", 500, 100)
	record(t, sink, "borderline", 400, 4)
	record(t, sink, "young", 20, 0)

	summaries := Summarize(sink.Snapshot(), DefaultOptions())
	require.Len(t, summaries, 4)

	byName := map[string]Summary{}
	for _, s := range summaries {
		byName[s.Experiment] = s
	}
	assert.Equal(t, []string{"borderline", "broken", "clean", "young"},
		[]string{summaries[0].Experiment, summaries[1].Experiment, summaries[2].Experiment, summaries[3].Experiment})

	assert.Equal(t, Promote, byName["clean"].Verdict)
	assert.Equal(t, Rollback, byName["broken"].Verdict)
	assert.Equal(t, Hold, byName["borderline"].Verdict)
	assert.Equal(t, Insufficient, byName["young"].Verdict)

	broken := byName["broken"]
	assert.EqualValues(t, 500, broken.Compares)
	assert.EqualValues(t, 100, broken.Mismatches)
	assert.InDelta(t, 0.2, broken.MismatchRate, 1e-9)
	assert.Contains(t, broken.Reason, "exceeds budget")
}

func TestSummarize_ErrorsAndLatency(t *testing.T) {
	ctx := context.Background()
	sink := telemetry.NewMemorySink(0)
	require.NoError(t, sink.RecordRun(ctx, &telemetry.RunData{Experiment: "x"}))
	for i := 1; i <= 100; i++ {
		require.NoError(t, sink.RecordLatency(ctx, &telemetry.LatencyData{
			Experiment: "x", Kind: telemetry.KindControl, Duration: time.Duration(i) * time.Millisecond,
		}))
	}
	require.NoError(t, sink.RecordOutcome(ctx, &telemetry.OutcomeData{
		Experiment: "x", Kind: telemetry.KindExperimental, Outcome: telemetry.OutcomeError,
	}))

	s := Summarize(sink.Snapshot(), Options{})[0]
	assert.EqualValues(t, 1, s.Errors[telemetry.KindExperimental])
	assert.NotContains(t, s.Errors, telemetry.KindControl)

	lat := s.Latency[telemetry.KindControl]
	assert.Equal(t, 100, lat.Samples)
	assert.Equal(t, 50*time.Millisecond, lat.P50)
	assert.Equal(t, 95*time.Millisecond, lat.P95)
	assert.Equal(t, 99*time.Millisecond, lat.P99)
	assert.Equal(t, 50500*time.Microsecond, lat.Mean)
}

func TestOptions_Normalize(t *testing.T) {
	got := Options{MaxMismatchRate: -1, MinCompares: -5, ConfidenceLevel: 1.5}.normalize()
	assert.Equal(t, DefaultOptions(), got)

	custom := Options{MaxMismatchRate: 0.2, MinCompares: 5, ConfidenceLevel: 0.9}
	assert.Equal(t, custom, custom.normalize())

	zero := Options{ConfidenceLevel: 0.95}
	assert.Equal(t, zero, zero.normalize())
}

func TestSummarize_ZeroBudget(t *testing.T) {
	sink := telemetry.NewMemorySink(0)
	record(t, sink, "one-off", 1000, 1)
	record(t, sink, "clean", 1000, 0)

	summaries := Summarize(sink.Snapshot(), Options{MaxMismatchRate: 0, MinCompares: 100})
	require.Len(t, summaries, 2)

	clean, oneOff := summaries[0], summaries[1]
	assert.Equal(t, Promote, clean.Verdict)
	assert.Equal(t, Rollback, oneOff.Verdict)
	assert.Contains(t, oneOff.Reason, "zero budget")
}

func TestSummarize_ZeroMinCompares(t *testing.T) {
	sink := telemetry.NewMemorySink(0)
	record(t, sink, "fresh", 10, 0)

	s := Summarize(sink.Snapshot(), Options{MaxMismatchRate: 0.5})[0]
	assert.NotEqual(t, Insufficient, s.Verdict)
}

func TestFormat(t *testing.T) {
	sink := telemetry.NewMemorySink(0)
	record(t, sink, "clean", 2000, 0)
	record(t, sink, "broken", 500, 100)

	var buf bytes.Buffer
	FormatWith(ux.NewPrinter(&buf, ux.ModeMachine), Summarize(sink.Snapshot(), DefaultOptions()))
	out := buf.String()

	assert.Contains(t, out, "experiment\truns\t")
	assert.Contains(t, out, "clean\t2000\t0\t0\t2000\t0\t0.00%")
	assert.Contains(t, out, "OK: clean: promote")
	assert.Contains(t, out, "ERROR: broken: rollback")

	buf.Reset()
	Format(&buf, nil)
	assert.Contains(t, buf.String(), "no experiments recorded")
}
