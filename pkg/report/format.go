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
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/AleutianAI/darklaunch/pkg/telemetry"
	"github.com/AleutianAI/darklaunch/pkg/ux"
)

var tableHeaders = []string{
	"experiment", "runs", "control", "experimental", "compared",
	"mismatch", "rate", "interval", "errors c/x", "p95 c/x", "verdict",
}

// Format prints summaries as a table followed by one verdict line per
// experiment. The mode of DetectMode(w) is used.
func Format(w io.Writer, summaries []Summary) {
	FormatWith(ux.NewPrinter(w, ux.DetectMode(w)), summaries)
}

// FormatWith prints summaries through p.
func FormatWith(p *ux.Printer, summaries []Summary) {
	if len(summaries) == 0 {
		p.Warning("no experiments recorded")
		return
	}

	rows := make([][]string, 0, len(summaries))
	for _, s := range summaries {
		rows = append(rows, []string{
			s.Experiment,
			strconv.FormatInt(s.Runs, 10),
			strconv.FormatInt(s.Variants[telemetry.KindControl], 10),
			strconv.FormatInt(s.Variants[telemetry.KindExperimental], 10),
			strconv.FormatInt(s.Compares, 10),
			strconv.FormatInt(s.Mismatches, 10),
			percent(s.MismatchRate),
			fmt.Sprintf("[%s, %s]", percent(s.MismatchInterval.Low), percent(s.MismatchInterval.High)),
			fmt.Sprintf("%d/%d", s.Errors[telemetry.KindControl], s.Errors[telemetry.KindExperimental]),
			fmt.Sprintf("%s/%s", round(s.Latency[telemetry.KindControl].P95), round(s.Latency[telemetry.KindExperimental].P95)),
			s.Verdict.String(),
		})
	}
	p.Table(tableHeaders, rows)

	for _, s := range summaries {
		line := fmt.Sprintf("%s: %s (%s)", s.Experiment, s.Verdict, s.Reason)
		switch s.Verdict {
		case Promote:
			p.Success(line)
		case Rollback:
			p.Error(line)
		default:
			p.Warning(line)
		}
	}
}

func percent(v float64) string {
	return strconv.FormatFloat(v*100, 'f', 2, 64) + "%"
}

func round(d time.Duration) string {
	switch {
	case d == 0:
		return "-"
	case d < time.Millisecond:
		return d.Round(time.Microsecond).String()
	default:
		return d.Round(10 * time.Microsecond).String()
	}
}
