// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package cumulative keeps the last observed value of cumulative counters so
// that deltas can be computed between consecutive observations.
package cumulative

import (
	"time"
)

type lastValue[V any] struct {
	when  time.Time
	value V
}

// History stores the previous observation for every key.  A History is not
// safe for concurrent use: it is meant to be owned by a single goroutine.
type History[K comparable, V any] struct {
	datapoints              map[K]lastValue[V]
	lastClean               time.Time
	expirationCheckInterval time.Duration
	expirationAge           time.Duration
}

// NewHistory creates an empty History.  Entries never expire unless
// SetExpirationAge is called.
func NewHistory[K comparable, V any]() *History[K, V] {
	return &History[K, V]{
		datapoints: make(map[K]lastValue[V]),
	}
}

// SetExpirationAge configures how long an entry may go without being
// refreshed before it is forgotten.  Zero disables expiration.  Expired
// entries are swept at most once per age.
func (h *History[K, V]) SetExpirationAge(age time.Duration) *History[K, V] {
	h.expirationAge = age
	h.expirationCheckInterval = age
	return h
}

// Swap records val as the latest observation for key and returns the
// observation it replaced.  If this is the first time the key has been seen
// then the `found` return value will be false.
func (h *History[K, V]) Swap(key K, val V, now time.Time) (prev V, found bool) {
	last, found := h.datapoints[key]
	h.datapoints[key] = lastValue[V]{when: now, value: val}
	h.expire(now)
	if found {
		prev = last.value
	}
	return
}

// Len returns the number of keys currently tracked.
func (h *History[K, V]) Len() int {
	return len(h.datapoints)
}

func (h *History[K, V]) expire(now time.Time) {
	if h.expirationAge <= 0 {
		return
	}
	if now.Sub(h.lastClean) <= h.expirationCheckInterval {
		return
	}
	cutoff := now.Add(-h.expirationAge)
	for k, v := range h.datapoints {
		if v.when.Before(cutoff) {
			delete(h.datapoints, k)
		}
	}
	h.lastClean = now
}
