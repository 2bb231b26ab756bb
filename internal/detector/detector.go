// Copyright (c) 2020 - 2021 Lurelab. All Rights Reserved.
// Please refer to our terms for more information:
// https://www.lurelab.io/terms.html

// Package detector implements the rate-abuse detectors. Both are pure
// functions over a source's observation-timestamp series at call time: the
// per-message timestamp append is the profile store's contract, so calling a
// detector twice on the same series returns the same answer.
package detector

import "time"

// FloodDetector flags sources that produced more than Threshold observations
// within the trailing Window.
type FloodDetector struct {
	Window    time.Duration
	Threshold int
}

// Flooding reports whether the series shows flooding as of `now`.
func (d FloodDetector) Flooding(series []time.Time, now time.Time) bool {
	return countSince(series, now.Add(-d.Window)) > d.Threshold
}

// SlowConnDetector flags sparse, long-lived connections characteristic of
// resource-exhaustion ("slowloris") attacks: few observations over a long
// window, yet activity spanning more than MinDuration.
type SlowConnDetector struct {
	Window      time.Duration
	MaxCount    int
	MinDuration time.Duration
}

// Slow reports whether the series shows a slow-connection attack as of `now`.
func (d SlowConnDetector) Slow(series []time.Time, now time.Time) bool {
	windowStart := now.Add(-d.Window)
	earliest, count := windowStats(series, windowStart)
	if count == 0 || count >= d.MaxCount {
		return false
	}
	return now.Sub(earliest) > d.MinDuration
}

// countSince returns the number of observations at or after the deadline.
// The series is sorted, so only the tail needs walking.
func countSince(series []time.Time, deadline time.Time) int {
	n := 0
	for i := len(series) - 1; i >= 0; i-- {
		if series[i].Before(deadline) {
			break
		}
		n++
	}
	return n
}

// windowStats returns the earliest observation at or after the window start
// and the number of observations in the window.
func windowStats(series []time.Time, windowStart time.Time) (earliest time.Time, count int) {
	for _, t := range series {
		if t.Before(windowStart) {
			continue
		}
		if count == 0 {
			earliest = t
		}
		count++
	}
	return earliest, count
}
