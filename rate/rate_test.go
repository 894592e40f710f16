// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package rate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRate_BasicUsage(t *testing.T) {
	r, valid := Rate(20, 1*time.Second)
	assert.True(t, valid)
	assert.Equal(t, 20.0, r)

	r, valid = Rate(10, 5*time.Second)
	assert.True(t, valid)
	assert.Equal(t, 2.0, r)
}

func TestRate_NonPositiveIntervalsNotAccepted(t *testing.T) {
	_, valid := Rate(10, 0)
	assert.False(t, valid)

	_, valid = Rate(10, -5*time.Second)
	assert.False(t, valid)
}

func TestCumulative_BasicUsage(t *testing.T) {
	r, valid := Cumulative(10, 20, 1*time.Second)
	assert.True(t, valid)
	assert.Equal(t, 10.0, r)

	r, valid = Cumulative(20, 30, 5*time.Second)
	assert.True(t, valid)
	assert.Equal(t, 2.0, r)

	r, valid = Cumulative(30, 30, 5*time.Second)
	assert.True(t, valid)
	assert.Equal(t, 0.0, r)
}

func TestCumulative_NegativeDeltasNotAccepted(t *testing.T) {
	_, valid := Cumulative(30, 10, 5*time.Second)
	assert.False(t, valid)
}

func TestUtilization(t *testing.T) {
	u, valid := Utilization(1*time.Second, 1400*time.Millisecond, 1*time.Second)
	assert.True(t, valid)
	assert.InDelta(t, 0.4, u, 1e-9)

	u, valid = Utilization(0, 250*time.Millisecond, 500*time.Millisecond)
	assert.True(t, valid)
	assert.InDelta(t, 0.5, u, 1e-9)

	_, valid = Utilization(time.Second, 2*time.Second, 0)
	assert.False(t, valid)
}
