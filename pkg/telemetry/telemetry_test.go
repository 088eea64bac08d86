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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// -----------------------------------------------------------------------------
// Prometheus Sink Tests
// -----------------------------------------------------------------------------

func newTestPrometheusSink(t *testing.T, reg *prometheus.Registry) *PrometheusSink {
	t.Helper()
	cfg := DefaultPrometheusConfig()
	cfg.Registry = reg
	sink, err := NewPrometheusSink(cfg)
	require.NoError(t, err)
	return sink
}

func TestPrometheusConfig_Validate(t *testing.T) {
	t.Run("default is valid", func(t *testing.T) {
		assert.NoError(t, DefaultPrometheusConfig().Validate())
	})

	t.Run("unsorted buckets", func(t *testing.T) {
		cfg := DefaultPrometheusConfig()
		cfg.LatencyBuckets = []float64{1, 0.5}
		assert.Error(t, cfg.Validate())
	})

	t.Run("duplicate buckets", func(t *testing.T) {
		cfg := DefaultPrometheusConfig()
		cfg.LatencyBuckets = []float64{0.5, 0.5}
		assert.Error(t, cfg.Validate())
	})

	t.Run("negative cardinality", func(t *testing.T) {
		cfg := DefaultPrometheusConfig()
		cfg.MaxLabelCardinality = -1
		_, err := NewPrometheusSink(cfg)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("nil config", func(t *testing.T) {
		_, err := NewPrometheusSink(nil)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})
}

func TestPrometheusSink_Records(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := newTestPrometheusSink(t, reg)
	ctx := context.Background()

	require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: "pricing"}))
	require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: "pricing"}))
	require.NoError(t, sink.RecordVariant(ctx, &VariantData{Experiment: "pricing", Kind: KindExperimentalAndCompare}))
	require.NoError(t, sink.RecordOutcome(ctx, &OutcomeData{
		Experiment: "pricing", Kind: KindExperimentalAndCompare, Outcome: OutcomeMismatch,
	}))
	require.NoError(t, sink.RecordLatency(ctx, &LatencyData{
		Experiment: "pricing", Kind: KindControl, Duration: 3 * time.Millisecond,
	}))

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.runTotal.WithLabelValues("pricing")))
	assert.Equal(t, 1.0, testutil.ToFloat64(sink.runVariant.WithLabelValues("pricing", KindExperimentalAndCompare)))
	assert.Equal(t, 1.0, testutil.ToFloat64(
		sink.outcome.WithLabelValues("pricing", KindExperimentalAndCompare, OutcomeMismatch)))

	expected := `
# HELP experiment_run_total Experiment invocations
# TYPE experiment_run_total counter
experiment_run_total{name="pricing"} 2
`
	require.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "experiment_run_total"))

	count, err := testutil.GatherAndCount(reg, "experiment_variant_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestPrometheusSink_SharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := newTestPrometheusSink(t, reg)
	second := newTestPrometheusSink(t, reg)
	ctx := context.Background()

	require.NoError(t, first.RecordRun(ctx, &RunData{Experiment: "a"}))
	require.NoError(t, second.RecordRun(ctx, &RunData{Experiment: "a"}))

	assert.Equal(t, 2.0, testutil.ToFloat64(first.runTotal.WithLabelValues("a")))
	assert.Same(t, first.runTotal, second.runTotal)
}

func TestPrometheusSink_Cardinality(t *testing.T) {
	cfg := DefaultPrometheusConfig()
	cfg.Registry = prometheus.NewRegistry()
	cfg.MaxLabelCardinality = 2
	sink, err := NewPrometheusSink(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	for _, name := range []string{"a", "b", "c", "d", "a"} {
		require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: name}))
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(sink.runTotal.WithLabelValues("a")))
	assert.Equal(t, 2.0, testutil.ToFloat64(sink.runTotal.WithLabelValues("_other")))
}

func TestPrometheusSink_Guards(t *testing.T) {
	reg := prometheus.NewRegistry()
	sink := newTestPrometheusSink(t, reg)

	//nolint:staticcheck // nil context is the point of the test
	assert.ErrorIs(t, sink.RecordRun(nil, &RunData{}), ErrNilContext)
	assert.ErrorIs(t, sink.RecordRun(context.Background(), nil), ErrNilData)

	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.RecordRun(context.Background(), &RunData{}), ErrSinkClosed)
	assert.ErrorIs(t, sink.Flush(context.Background()), ErrSinkClosed)

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Zero(t, count)
}

// -----------------------------------------------------------------------------
// Memory Sink Tests
// -----------------------------------------------------------------------------

func TestMemorySink_Snapshot(t *testing.T) {
	sink := NewMemorySink(0)
	ctx := context.Background()

	require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: "b"}))
	require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: "a"}))
	require.NoError(t, sink.RecordVariant(ctx, &VariantData{Experiment: "a", Kind: KindControl}))
	require.NoError(t, sink.RecordOutcome(ctx, &OutcomeData{Experiment: "a", Kind: KindControl, Outcome: OutcomeError}))
	require.NoError(t, sink.RecordLatency(ctx, &LatencyData{Experiment: "a", Kind: KindControl, Duration: time.Second}))

	snap := sink.Snapshot()
	assert.Equal(t, []string{"a", "b"}, snap.Names())
	assert.EqualValues(t, 1, snap["a"].Runs)
	assert.EqualValues(t, 1, snap["a"].Variants[KindControl])
	assert.EqualValues(t, 1, snap["a"].Outcome(KindControl, OutcomeError))
	assert.EqualValues(t, 0, snap["a"].Outcome(KindExperimental, OutcomeError))
	assert.Equal(t, []time.Duration{time.Second}, snap["a"].Latencies[KindControl])

	// Snapshots are copies.
	snap["a"].Variants[KindControl] = 100
	assert.EqualValues(t, 1, sink.Snapshot()["a"].Variants[KindControl])

	sink.Reset()
	assert.Empty(t, sink.Snapshot())
}

func TestMemorySink_LatencyRing(t *testing.T) {
	sink := NewMemorySink(3)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, sink.RecordLatency(ctx, &LatencyData{
			Experiment: "a", Kind: KindExperimental, Duration: time.Duration(i),
		}))
	}
	assert.ElementsMatch(t, []time.Duration{3, 4, 5}, sink.Snapshot()["a"].Latencies[KindExperimental])
}

func TestMemorySink_Concurrent(t *testing.T) {
	sink := NewMemorySink(10)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_ = sink.RecordRun(ctx, &RunData{Experiment: "a"})
				_ = sink.RecordLatency(ctx, &LatencyData{Experiment: "a", Kind: KindControl, Duration: 1})
			}
		}()
	}
	wg.Wait()

	snap := sink.Snapshot()
	assert.EqualValues(t, 2000, snap["a"].Runs)
	assert.Len(t, snap["a"].Latencies[KindControl], 10)
}

func TestMemorySink_Closed(t *testing.T) {
	sink := NewMemorySink(0)
	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.RecordRun(context.Background(), &RunData{}), ErrSinkClosed)
	assert.NotNil(t, sink.Snapshot())
}

// -----------------------------------------------------------------------------
// Composite Sink Tests
// -----------------------------------------------------------------------------

type failingSink struct {
	NoOpSink
	err error
}

func (f *failingSink) RecordRun(context.Context, *RunData) error { return f.err }
func (f *failingSink) Flush(context.Context) error               { return f.err }

func TestCompositeSink(t *testing.T) {
	ctx := context.Background()

	t.Run("requires a sink", func(t *testing.T) {
		_, err := NewCompositeSink(nil)
		assert.ErrorIs(t, err, ErrNoSinks)
	})

	t.Run("delivers to all despite failure", func(t *testing.T) {
		boom := errors.New("boom")
		mem := NewMemorySink(0)
		sink, err := NewCompositeSink(&failingSink{err: boom}, mem)
		require.NoError(t, err)

		err = sink.RecordRun(ctx, &RunData{Experiment: "a"})
		assert.ErrorIs(t, err, boom)
		assert.EqualValues(t, 1, mem.Snapshot()["a"].Runs)

		assert.ErrorIs(t, sink.Flush(ctx), boom)
	})

	t.Run("close", func(t *testing.T) {
		mem := NewMemorySink(0)
		sink, err := NewCompositeSink(mem, NewNoOpSink())
		require.NoError(t, err)
		require.NoError(t, sink.Close())
		require.NoError(t, sink.Close())
		assert.ErrorIs(t, sink.RecordOutcome(ctx, &OutcomeData{}), ErrSinkClosed)
		assert.ErrorIs(t, mem.RecordRun(ctx, &RunData{}), ErrSinkClosed)
	})
}

// -----------------------------------------------------------------------------
// OTel Sink Tests
// -----------------------------------------------------------------------------

func sumFor(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "metric %s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestOTelSink(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	cfg := DefaultOTelConfig()
	cfg.MeterProvider = mp
	sink, err := NewOTelSink(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, sink.RecordRun(ctx, &RunData{Experiment: "a"}))
	require.NoError(t, sink.RecordVariant(ctx, &VariantData{Experiment: "a", Kind: KindControl}))
	require.NoError(t, sink.RecordOutcome(ctx, &OutcomeData{Experiment: "a", Kind: KindControl, Outcome: OutcomeOK}))
	require.NoError(t, sink.RecordOutcome(ctx, &OutcomeData{Experiment: "a", Kind: KindControl, Outcome: OutcomeOK}))
	require.NoError(t, sink.RecordLatency(ctx, &LatencyData{Experiment: "a", Kind: KindControl, Duration: time.Millisecond}))

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	assert.EqualValues(t, 1, sumFor(t, rm, "experiment.run"))
	assert.EqualValues(t, 1, sumFor(t, rm, "experiment.run_variant"))
	assert.EqualValues(t, 2, sumFor(t, rm, "experiment.outcome"))

	require.NoError(t, sink.Close())
	assert.ErrorIs(t, sink.RecordRun(ctx, &RunData{}), ErrSinkClosed)

	_, err = NewOTelSink(nil)
	assert.ErrorIs(t, err, ErrInvalidOTelConfig)
}

// -----------------------------------------------------------------------------
// Init / Tracing Tests
// -----------------------------------------------------------------------------

func TestInit(t *testing.T) {
	t.Run("none installs nothing", func(t *testing.T) {
		shutdown, err := Init(context.Background(), DefaultConfig())
		require.NoError(t, err)
		assert.NoError(t, shutdown(context.Background()))
	})

	t.Run("stdout tracer", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = ExporterStdout
		shutdown, err := Init(context.Background(), cfg)
		require.NoError(t, err)
		defer shutdown(context.Background())

		ctx, span := StartSpan(context.Background(), "test", "op")
		defer span.End()
		assert.NotEmpty(t, TraceID(ctx))
	})

	t.Run("unknown exporter", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.TraceExporter = "zipkin"
		_, err := Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)

		cfg = DefaultConfig()
		cfg.MetricExporter = "statsd"
		_, err = Init(context.Background(), cfg)
		assert.ErrorIs(t, err, ErrUnknownExporter)
	})

	t.Run("nil context", func(t *testing.T) {
		//nolint:staticcheck // nil context is the point of the test
		_, err := Init(nil, DefaultConfig())
		assert.ErrorIs(t, err, ErrNilContext)
	})

	assert.NotNil(t, MetricsHandler())
}

func TestSpanHelpers(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	_, span := tp.Tracer("test").Start(context.Background(), "op")

	AddSpanEvent(span, "mismatch")
	RecordError(span, errors.New("boom"))
	RecordError(span, nil)
	RecordError(nil, errors.New("ignored"))
	span.End()

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, codes.Error, spans[0].Status().Code)
	assert.Equal(t, "boom", spans[0].Status().Description)
	require.Len(t, spans[0].Events(), 2)
	assert.Equal(t, "mismatch", spans[0].Events()[0].Name)

	_, okSpan := tp.Tracer("test").Start(context.Background(), "ok")
	SetSpanOK(okSpan)
	okSpan.End()
	assert.Equal(t, codes.Ok, recorder.Ended()[1].Status().Code)

	assert.Empty(t, TraceID(context.Background()))
}
