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
	"sort"
	"sync"
	"time"
)

// DefaultMaxLatencySamples bounds the latency samples kept per experiment kind.
const DefaultMaxLatencySamples = 10_000

// -----------------------------------------------------------------------------
// Tally
// -----------------------------------------------------------------------------

// Tally is the in-memory record of one experiment.
//
// Thread Safety: A Tally returned from Snapshot is a copy owned by the caller.
type Tally struct {
	// Runs counts experiment_run_total.
	Runs int64

	// Variants counts experiment_run_variant by kind.
	Variants map[string]int64

	// Outcomes counts experiment_outcome by kind then outcome.
	Outcomes map[string]map[string]int64

	// Latencies holds recent computation latencies by kind. At most the
	// sink's sample bound is kept per kind; older samples are overwritten.
	Latencies map[string][]time.Duration
}

// Outcome returns the count for one kind and outcome.
func (t Tally) Outcome(kind, outcome string) int64 {
	return t.Outcomes[kind][outcome]
}

func newTally() *Tally {
	return &Tally{
		Variants:  make(map[string]int64),
		Outcomes:  make(map[string]map[string]int64),
		Latencies: make(map[string][]time.Duration),
	}
}

func (t *Tally) clone() Tally {
	out := Tally{
		Runs:      t.Runs,
		Variants:  make(map[string]int64, len(t.Variants)),
		Outcomes:  make(map[string]map[string]int64, len(t.Outcomes)),
		Latencies: make(map[string][]time.Duration, len(t.Latencies)),
	}
	for k, v := range t.Variants {
		out.Variants[k] = v
	}
	for k, m := range t.Outcomes {
		inner := make(map[string]int64, len(m))
		for o, v := range m {
			inner[o] = v
		}
		out.Outcomes[k] = inner
	}
	for k, v := range t.Latencies {
		out.Latencies[k] = append([]time.Duration(nil), v...)
	}
	return out
}

// Snapshot maps experiment name to its tally.
type Snapshot map[string]Tally

// Names returns the experiment names in sorted order.
func (s Snapshot) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// -----------------------------------------------------------------------------
// Memory Sink
// -----------------------------------------------------------------------------

// MemorySink keeps experiment telemetry in process.
//
// Description:
//
//	MemorySink backs the simulation report and tests. Counters are exact.
//	Latency samples are kept in a fixed-size ring per experiment and kind.
//
// Thread Safety: Safe for concurrent use.
type MemorySink struct {
	mu         sync.Mutex
	closed     bool
	maxSamples int
	tallies    map[string]*Tally
	cursor     map[string]int
}

// NewMemorySink creates an in-memory sink.
//
// Inputs:
//   - maxSamples: Latency samples kept per experiment and kind. Values
//     below 1 use DefaultMaxLatencySamples.
func NewMemorySink(maxSamples int) *MemorySink {
	if maxSamples < 1 {
		maxSamples = DefaultMaxLatencySamples
	}
	return &MemorySink{
		maxSamples: maxSamples,
		tallies:    make(map[string]*Tally),
		cursor:     make(map[string]int),
	}
}

func (m *MemorySink) tally(name string) *Tally {
	t, ok := m.tallies[name]
	if !ok {
		t = newTally()
		m.tallies[name] = t
	}
	return t
}

func (m *MemorySink) lock(ctx context.Context, hasData bool) error {
	if ctx == nil {
		return ErrNilContext
	}
	if !hasData {
		return ErrNilData
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrSinkClosed
	}
	return nil
}

// RecordRun increments the run count.
func (m *MemorySink) RecordRun(ctx context.Context, data *RunData) error {
	if err := m.lock(ctx, data != nil); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.tally(data.Experiment).Runs++
	return nil
}

// RecordVariant increments the variant count for data.Kind.
func (m *MemorySink) RecordVariant(ctx context.Context, data *VariantData) error {
	if err := m.lock(ctx, data != nil); err != nil {
		return err
	}
	defer m.mu.Unlock()
	m.tally(data.Experiment).Variants[data.Kind]++
	return nil
}

// RecordOutcome increments the outcome count for data.Kind and data.Outcome.
func (m *MemorySink) RecordOutcome(ctx context.Context, data *OutcomeData) error {
	if err := m.lock(ctx, data != nil); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t := m.tally(data.Experiment)
	byOutcome, ok := t.Outcomes[data.Kind]
	if !ok {
		byOutcome = make(map[string]int64)
		t.Outcomes[data.Kind] = byOutcome
	}
	byOutcome[data.Outcome]++
	return nil
}

// RecordLatency stores a latency sample.
func (m *MemorySink) RecordLatency(ctx context.Context, data *LatencyData) error {
	if err := m.lock(ctx, data != nil); err != nil {
		return err
	}
	defer m.mu.Unlock()
	t := m.tally(data.Experiment)
	samples := t.Latencies[data.Kind]
	if len(samples) < m.maxSamples {
		t.Latencies[data.Kind] = append(samples, data.Duration)
		return nil
	}
	key := data.Experiment + "\x00" + data.Kind
	i := m.cursor[key]
	samples[i] = data.Duration
	m.cursor[key] = (i + 1) % m.maxSamples
	return nil
}

// Snapshot returns a deep copy of everything recorded so far.
func (m *MemorySink) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(Snapshot, len(m.tallies))
	for name, t := range m.tallies {
		out[name] = t.clone()
	}
	return out
}

// Reset discards everything recorded so far.
func (m *MemorySink) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tallies = make(map[string]*Tally)
	m.cursor = make(map[string]int)
}

// Flush is a no-op.
func (m *MemorySink) Flush(ctx context.Context) error {
	if ctx == nil {
		return ErrNilContext
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrSinkClosed
	}
	return nil
}

// Close stops recording. Snapshot keeps working. Idempotent.
func (m *MemorySink) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

var _ Sink = (*MemorySink)(nil)
