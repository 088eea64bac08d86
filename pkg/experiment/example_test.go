// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package experiment_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/AleutianAI/darklaunch/pkg/experiment"
	"github.com/AleutianAI/darklaunch/pkg/rollout"
	"github.com/AleutianAI/darklaunch/pkg/telemetry"
)

func ExampleExperiment_Run() {
	sink := telemetry.NewMemorySink(0)
	exp, err := experiment.New[int]("rounding").
		Control(func(context.Context) int { return 100 }).
		Experimental(func(context.Context) int { return 101 }).
		SampleRate(1).
		OnMismatch(experiment.PreferControl[int]()).
		Build(experiment.WithSink(sink))
	if err != nil {
		fmt.Println(err)
		return
	}

	fmt.Println(exp.Run(context.Background()))
	tally := sink.Snapshot()["rounding"]
	fmt.Println("mismatches:", tally.Outcome(telemetry.KindExperimentalAndCompare, telemetry.OutcomeMismatch))
	// Output:
	// 100
	// mismatches: 1
}

func ExampleResultExperiment_RunResult() {
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	exp, err := experiment.NewResult[string]("lookup").
		Control(func(context.Context) (string, error) { return "", errors.New("legacy store down") }).
		Experimental(func(context.Context) (string, error) { return "v2", nil }).
		Strategy(rollout.Fixed(rollout.UseExperimentalAndCompare)).
		OnMismatch(experiment.PreferExperimental[experiment.Result[string]]()).
		Build(experiment.WithLogger(quiet))
	if err != nil {
		fmt.Println(err)
		return
	}

	v, err := exp.RunResult(context.Background())
	fmt.Println(v, err)
	// Output:
	// v2 <nil>
}

func ExampleBuilder_Build() {
	_, err := experiment.New[int]("").SampleRate(2).Build()
	fmt.Println(errors.Is(err, experiment.ErrMissingName))
	fmt.Println(errors.Is(err, rollout.ErrInvalidRate))
	// Output:
	// true
	// true
}
