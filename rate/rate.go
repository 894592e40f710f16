// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package rate turns pairs of observations into per-second rates.
package rate

import (
	"time"
)

// Rate returns value divided by the interval in seconds.  Intervals that are
// not positive are not accepted and `valid` is false.
func Rate(value float64, interval time.Duration) (rate float64, valid bool) {
	if interval <= 0 {
		return 0, false
	}
	return value / interval.Seconds(), true
}

// Cumulative returns the rate of change of a cumulative value between two
// observations taken interval apart.
// Rate = (current - previous) / interval[s]
// Only positive deltas are accepted: a counter that went backwards was reset
// and `valid` is false.
func Cumulative(previous, current float64, interval time.Duration) (rate float64, valid bool) {
	diff := current - previous
	if diff < 0 {
		return 0, false
	}
	return Rate(diff, interval)
}

// Utilization returns the fraction of the wall-clock interval that was spent
// busy, given two readings of a cumulative busy-time counter.
func Utilization(previousBusy, currentBusy, interval time.Duration) (fraction float64, valid bool) {
	return Cumulative(previousBusy.Seconds(), currentBusy.Seconds(), interval)
}
