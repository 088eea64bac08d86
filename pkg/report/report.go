// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package report turns recorded experiment telemetry into a rollout
// verdict.
//
// A Summary is computed per experiment from a telemetry.Snapshot: how many
// calls were compared, how often the two sides disagreed (with a Wilson
// score interval on that rate), how often each side failed, and latency
// percentiles per side. The verdict compares the interval against a
// mismatch budget.
package report

import (
	"fmt"
	"math"
	"time"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/AleutianAI/darklaunch/pkg/telemetry"
)

// -----------------------------------------------------------------------------
// Verdict
// -----------------------------------------------------------------------------

// Verdict is the recommended next step for an experiment.
type Verdict int

const (
	// Insufficient means too few comparisons to judge.
	Insufficient Verdict = iota

	// Promote means the mismatch rate is confidently within budget.
	Promote

	// Hold means the interval straddles the budget; keep sampling.
	Hold

	// Rollback means the mismatch rate is confidently over budget.
	Rollback
)

// String returns the verdict label.
func (v Verdict) String() string {
	switch v {
	case Insufficient:
		return "insufficient_data"
	case Promote:
		return "promote"
	case Hold:
		return "hold"
	case Rollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Options
// -----------------------------------------------------------------------------

// Options configures Summarize. Zero is a meaningful value for
// MaxMismatchRate and MinCompares; start from DefaultOptions to get the
// documented defaults.
type Options struct {
	// MaxMismatchRate is the tolerated fraction of compared calls that
	// disagree. Zero tolerates none.
	// Default: 0.01
	MaxMismatchRate float64

	// MinCompares is the minimum compared calls before any verdict other
	// than Insufficient.
	// Default: 100
	MinCompares int64

	// ConfidenceLevel of the mismatch interval. Values outside (0, 1) fall
	// back to the default.
	// Default: 0.95
	ConfidenceLevel float64
}

// DefaultOptions returns the defaults documented on Options.
func DefaultOptions() Options {
	return Options{
		MaxMismatchRate: 0.01,
		MinCompares:     100,
		ConfidenceLevel: 0.95,
	}
}

// normalize replaces out-of-range values with their defaults.
func (o Options) normalize() Options {
	d := DefaultOptions()
	if math.IsNaN(o.MaxMismatchRate) || o.MaxMismatchRate < 0 || o.MaxMismatchRate > 1 {
		o.MaxMismatchRate = d.MaxMismatchRate
	}
	if o.MinCompares < 0 {
		o.MinCompares = d.MinCompares
	}
	if !(o.ConfidenceLevel > 0 && o.ConfidenceLevel < 1) {
		o.ConfidenceLevel = d.ConfidenceLevel
	}
	return o
}

// -----------------------------------------------------------------------------
// Summary
// -----------------------------------------------------------------------------

// Interval is a closed confidence interval on a rate.
type Interval struct {
	Low  float64
	High float64
}

// Latency summarizes recorded durations of one computation kind.
type Latency struct {
	Samples int
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
}

// Summary is the evaluated state of one experiment.
type Summary struct {
	Experiment string
	Runs       int64

	// Variants counts calls by decision label.
	Variants map[string]int64

	Compares         int64
	Mismatches       int64
	MismatchRate     float64
	MismatchInterval Interval

	// Errors counts failed computations by kind.
	Errors map[string]int64

	// Latency is keyed by computation kind.
	Latency map[string]Latency

	Verdict Verdict
	Reason  string
}

// Summarize evaluates every experiment in snap, ordered by name.
func Summarize(snap telemetry.Snapshot, opts Options) []Summary {
	opts = opts.normalize()
	out := make([]Summary, 0, len(snap))
	for _, name := range snap.Names() {
		out = append(out, summarize(name, snap[name], opts))
	}
	return out
}

func summarize(name string, t telemetry.Tally, opts Options) Summary {
	s := Summary{
		Experiment: name,
		Runs:       t.Runs,
		Variants:   make(map[string]int64, len(t.Variants)),
		Compares:   t.Variants[telemetry.KindExperimentalAndCompare],
		Mismatches: t.Outcome(telemetry.KindExperimentalAndCompare, telemetry.OutcomeMismatch),
		Errors:     make(map[string]int64),
		Latency:    make(map[string]Latency, len(t.Latencies)),
	}
	for kind, n := range t.Variants {
		s.Variants[kind] = n
	}
	for _, kind := range []string{telemetry.KindControl, telemetry.KindExperimental} {
		if n := t.Outcome(kind, telemetry.OutcomeError); n > 0 {
			s.Errors[kind] = n
		}
	}
	for kind, samples := range t.Latencies {
		s.Latency[kind] = summarizeLatency(samples)
	}

	if s.Compares > 0 {
		s.MismatchRate = float64(s.Mismatches) / float64(s.Compares)
	}
	s.MismatchInterval = Wilson(s.Mismatches, s.Compares, opts.ConfidenceLevel)
	s.Verdict, s.Reason = judge(s, opts)
	return s
}

func judge(s Summary, opts Options) (Verdict, string) {
	budget := opts.MaxMismatchRate
	switch {
	case s.Compares < opts.MinCompares:
		return Insufficient, fmt.Sprintf("%d of %d required comparisons", s.Compares, opts.MinCompares)

	// The Wilson interval never collapses to zero, so a zero budget is
	// judged on the count.
	case budget == 0 && s.Mismatches > 0:
		return Rollback, fmt.Sprintf("%d of %d comparisons mismatched with zero budget", s.Mismatches, s.Compares)

	case budget == 0:
		return Promote, fmt.Sprintf("no mismatches in %d comparisons", s.Compares)

	case s.MismatchInterval.Low > budget:
		return Rollback, fmt.Sprintf("mismatch rate %.2f%% (>= %.2f%% at %.0f%% confidence) exceeds budget %.2f%%",
			s.MismatchRate*100, s.MismatchInterval.Low*100, opts.ConfidenceLevel*100, budget*100)

	case s.MismatchInterval.High <= budget:
		return Promote, fmt.Sprintf("mismatch rate %.2f%% (<= %.2f%% at %.0f%% confidence) within budget %.2f%%",
			s.MismatchRate*100, s.MismatchInterval.High*100, opts.ConfidenceLevel*100, budget*100)

	default:
		return Hold, fmt.Sprintf("mismatch rate %.2f%% in [%.2f%%, %.2f%%] straddles budget %.2f%%",
			s.MismatchRate*100, s.MismatchInterval.Low*100, s.MismatchInterval.High*100, budget*100)
	}
}

// Wilson returns the Wilson score interval for k successes in n trials.
// With no trials the interval is [0, 1].
func Wilson(k, n int64, confidence float64) Interval {
	if n <= 0 {
		return Interval{Low: 0, High: 1}
	}
	z := distuv.UnitNormal.Quantile(1 - (1-confidence)/2)
	nf := float64(n)
	p := float64(k) / nf
	z2 := z * z

	denom := 1 + z2/nf
	center := (p + z2/(2*nf)) / denom
	half := z * math.Sqrt(p*(1-p)/nf+z2/(4*nf*nf)) / denom

	return Interval{
		Low:  math.Max(0, center-half),
		High: math.Min(1, center+half),
	}
}

func summarizeLatency(samples []time.Duration) Latency {
	l := Latency{Samples: len(samples)}
	if len(samples) == 0 {
		return l
	}
	data := make(stats.Float64Data, len(samples))
	for i, d := range samples {
		data[i] = float64(d)
	}
	l.Mean = durationOf(data.Mean())
	l.P50 = durationOf(data.PercentileNearestRank(50))
	l.P95 = durationOf(data.PercentileNearestRank(95))
	l.P99 = durationOf(data.PercentileNearestRank(99))
	return l
}

func durationOf(v float64, err error) time.Duration {
	if err != nil {
		return 0
	}
	return time.Duration(v)
}
