// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/atomic"

	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
)

// GC removes the series of programs and maps that are no longer loaded.  A
// ticker raises a flag every period; the next Export sees it and collects
// inline, so stale series disappear only while records keep flowing.
type GC struct {
	src    kernel.Source
	period time.Duration
	lock   *sync.Mutex
	log    logging.Logger
	flag   *atomic.Bool

	programFamilies []*prometheus.GaugeVec
	mapFamilies     []*prometheus.GaugeVec

	// Last labels exported per id.
	programs map[uint32]prometheus.Labels
	maps     map[uint32]prometheus.Labels
}

func newGC(src kernel.Source, period time.Duration, lock *sync.Mutex, log logging.Logger,
	programFamilies, mapFamilies []*prometheus.GaugeVec) *GC {
	return &GC{
		src:             src,
		period:          period,
		lock:            lock,
		log:             log,
		flag:            atomic.NewBool(false),
		programFamilies: programFamilies,
		mapFamilies:     mapFamilies,
		programs:        make(map[uint32]prometheus.Labels),
		maps:            make(map[uint32]prometheus.Labels),
	}
}

// Start raises the collection flag every period until ctx is done.  It
// returns immediately.
func (g *GC) Start(ctx context.Context) {
	if g.period <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(g.period)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.flag.Store(true)
			}
		}
	}()
}

// Pending reports whether a collection is due.
func (g *GC) Pending() bool {
	return g.flag.Load()
}

// Collect runs a collection now.
func (g *GC) Collect() {
	g.lock.Lock()
	defer g.lock.Unlock()
	g.collectLocked()
}

// markProgram records the labels exported for a program.  A series exported
// earlier under other labels is removed.
func (g *GC) markProgram(id uint32, labels prometheus.Labels) {
	mark(g.programs, g.programFamilies, id, labels)
}

func (g *GC) markMap(id uint32, labels prometheus.Labels) {
	mark(g.maps, g.mapFamilies, id, labels)
}

func mark(seen map[uint32]prometheus.Labels, families []*prometheus.GaugeVec, id uint32, labels prometheus.Labels) {
	if prev, ok := seen[id]; ok && !sameLabels(prev, labels) {
		for _, vec := range families {
			vec.Delete(prev)
		}
	}
	seen[id] = labels
}

func sameLabels(a, b prometheus.Labels) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

// collectLocked must be called with g.lock held.
func (g *GC) collectLocked() {
	g.flag.Store(false)
	g.sweep(kernel.Source.ProgramIDs, "prog", labelID, g.programs, g.programFamilies)
	g.sweep(kernel.Source.MapIDs, "map", labelMapID, g.maps, g.mapFamilies)
}

func (g *GC) sweep(list func(kernel.Source) ([]uint32, error), kind, idLabel string,
	seen map[uint32]prometheus.Labels, families []*prometheus.GaugeVec) {
	if len(seen) == 0 {
		return
	}
	ids, err := list(g.src)
	if err != nil {
		g.log.Warn(map[string]interface{}{
			"event": "garbage collection skipped",
			"kind":  kind,
			"err":   err.Error(),
		})
		return
	}
	live := make(map[uint32]struct{}, len(ids))
	for _, id := range ids {
		live[id] = struct{}{}
	}
	for id := range seen {
		if _, ok := live[id]; ok {
			continue
		}
		match := prometheus.Labels{idLabel: strconv.FormatUint(uint64(id), 10)}
		for _, vec := range families {
			vec.DeletePartialMatch(match)
		}
		delete(seen, id)
		g.log.Debug(map[string]interface{}{
			"event": "series removed",
			"kind":  kind,
			"id":    id,
		})
	}
}
