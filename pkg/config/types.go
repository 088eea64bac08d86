// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AleutianAI/darklaunch/pkg/logging"
	"github.com/AleutianAI/darklaunch/pkg/rollout"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
)

// ErrUnknownMode is returned when experiment.mode names no strategy.
var ErrUnknownMode = errors.New("unknown rollout mode")

// Metric backends accepted by MetricsConfig.Backend.
const (
	BackendPrometheus = "prometheus"
	BackendOTel       = "otel"
	BackendNone       = "none"
)

// Rollout modes accepted by ExperimentConfig.Mode.
const (
	ModeProbability = "probability"
	ModeKeyed       = "keyed"
	ModeRamp        = "ramp"
	ModeSplit       = "split"
	ModeFixed       = "fixed"
)

// Resolvers accepted by ExperimentConfig.Resolver.
const (
	ResolverControl      = "control"
	ResolverExperimental = "experimental"
)

// Config is the darklaunch configuration file.
//
// Every field can be overridden by a DARKLAUNCH_* environment variable,
// e.g. DARKLAUNCH_EXPERIMENT_SAMPLE_RATE=0.25.
type Config struct {
	Logging    LoggingConfig    `yaml:"logging" envPrefix:"LOG_"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envPrefix:"TELEMETRY_"`
	Metrics    MetricsConfig    `yaml:"metrics" envPrefix:"METRICS_"`
	Experiment ExperimentConfig `yaml:"experiment" envPrefix:"EXPERIMENT_"`
	Simulation SimulationConfig `yaml:"simulation" envPrefix:"SIM_"`
	Server     ServerConfig     `yaml:"server" envPrefix:"SERVER_"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=debug info warn warning error"`
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty" env:"DIR"`
	Quiet  bool   `yaml:"quiet" env:"QUIET"`
}

// Logging returns the logger configuration for service.
func (c LoggingConfig) Logging(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	format := logging.Format(strings.ToLower(c.Format))
	if format == "" {
		format = logging.FormatAuto
	}
	return logging.Config{
		Level:   level,
		Format:  format,
		LogDir:  c.Dir,
		Service: service,
		Quiet:   c.Quiet,
	}, nil
}

type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME" validate:"required"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`
	Environment    string `yaml:"environment" env:"ENVIRONMENT"`
	TraceExporter  string `yaml:"trace_exporter" env:"TRACE_EXPORTER" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" env:"METRIC_EXPORTER" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure" env:"OTLP_INSECURE"`
}

// Telemetry returns the provider configuration.
func (c TelemetryConfig) Telemetry() telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.ServiceName,
		ServiceVersion: c.ServiceVersion,
		Environment:    c.Environment,
		TraceExporter:  c.TraceExporter,
		MetricExporter: c.MetricExporter,
		OTLPEndpoint:   c.OTLPEndpoint,
		OTLPInsecure:   c.OTLPInsecure,
	}
}

// MetricsConfig selects where experiment counters go.
//
// "prometheus" registers collectors on the default registry, "otel" records
// through the global MeterProvider. Only one is active so the two never
// export the same metric names.
type MetricsConfig struct {
	Backend             string `yaml:"backend" env:"BACKEND" validate:"oneof=prometheus otel none"`
	Namespace           string `yaml:"namespace,omitempty" env:"NAMESPACE"`
	MaxLabelCardinality int    `yaml:"max_label_cardinality" env:"MAX_LABEL_CARDINALITY" validate:"gte=0"`
}

type ExperimentConfig struct {
	Name string `yaml:"name" env:"NAME" validate:"required"`
	Mode string `yaml:"mode" env:"MODE" validate:"oneof=probability keyed ramp split fixed"`

	// SampleRate is the compare probability for probability and keyed
	// modes, and the starting rate for ramp mode.
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE" validate:"gte=0,lte=1"`

	// RampTo and RampOver describe the ramp mode schedule.
	RampTo   float64       `yaml:"ramp_to" env:"RAMP_TO" validate:"gte=0,lte=1"`
	RampOver time.Duration `yaml:"ramp_over" env:"RAMP_OVER" validate:"gte=0"`

	// ExperimentalRate is the cut-over fraction in split mode.
	ExperimentalRate float64 `yaml:"experimental_rate" env:"EXPERIMENTAL_RATE" validate:"gte=0,lte=1"`

	// Decision is the pinned decision in fixed mode.
	Decision string `yaml:"decision,omitempty" env:"DECISION" validate:"required_if=Mode fixed"`

	Resolver string `yaml:"resolver" env:"RESOLVER" validate:"oneof=control experimental"`

	// MaxMismatchRate and MinCompares drive the report verdict.
	MaxMismatchRate float64 `yaml:"max_mismatch_rate" env:"MAX_MISMATCH_RATE" validate:"gte=0,lte=1"`
	MinCompares     int64   `yaml:"min_compares" env:"MIN_COMPARES" validate:"gte=0"`
}

// Strategy builds the rollout strategy described by the section.
func (c ExperimentConfig) Strategy(opts ...rollout.Option) (rollout.Strategy, error) {
	var (
		s   rollout.Strategy
		err error
	)
	switch c.Mode {
	case ModeProbability:
		s, err = nonNil(rollout.NewProbability(c.SampleRate, opts...))
	case ModeKeyed:
		s, err = nonNil(rollout.NewKeyed(c.SampleRate, opts...))
	case ModeRamp:
		s, err = nonNil(rollout.NewRampUp(c.SampleRate, c.RampTo, c.RampOver, opts...))
	case ModeSplit:
		s, err = nonNil(rollout.NewSplit(c.ExperimentalRate, c.SampleRate, opts...))
	case ModeFixed:
		var d rollout.Decision
		if d, err = rollout.ParseDecision(c.Decision); err == nil {
			s = rollout.Fixed(d)
		}
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMode, c.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("experiment %q: %w", c.Name, err)
	}
	return s, nil
}

func nonNil[S rollout.Strategy](s S, err error) (rollout.Strategy, error) {
	if err != nil {
		return nil, err
	}
	return s, nil
}

type SimulationConfig struct {
	Calls       int     `yaml:"calls" env:"CALLS" validate:"gte=1"`
	Concurrency int     `yaml:"concurrency" env:"CONCURRENCY" validate:"gte=1"`
	QPS         float64 `yaml:"qps" env:"QPS" validate:"gte=0"`
	Seed        uint64  `yaml:"seed" env:"SEED"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" env:"ADDR" validate:"required"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT" validate:"gte=0"`
}

// Default returns the configuration written by "darklaunch init".
func Default() Config {
	tel := telemetry.DefaultConfig()
	return Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
		Telemetry: TelemetryConfig{
			ServiceName:    tel.ServiceName,
			ServiceVersion: tel.ServiceVersion,
			Environment:    tel.Environment,
			TraceExporter:  tel.TraceExporter,
			MetricExporter: tel.MetricExporter,
			OTLPEndpoint:   tel.OTLPEndpoint,
			OTLPInsecure:   tel.OTLPInsecure,
		},
		Metrics: MetricsConfig{
			Backend:             BackendPrometheus,
			MaxLabelCardinality: telemetry.DefaultPrometheusConfig().MaxLabelCardinality,
		},
		Experiment: ExperimentConfig{
			Name:            "quote-ledger",
			Mode:            ModeProbability,
			SampleRate:      0.05,
			RampTo:          1,
			RampOver:        time.Hour,
			Resolver:        ResolverControl,
			MaxMismatchRate: 0.01,
			MinCompares:     100,
		},
		Simulation: SimulationConfig{
			Calls:       10000,
			Concurrency: 8,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
	}
}
