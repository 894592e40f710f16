// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package meter samples loaded eBPF programs and maps and derives usage
// statistics from consecutive samples.
package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
)

// Kind names the entities a Meter measures.  It is used as a file name
// suffix and in log messages.
type Kind string

const (
	// KindProgram is the kind of the CPU meter.
	KindProgram Kind = "prog"
	// KindMap is the kind of the map meter.
	KindMap Kind = "map"
)

var (
	// ErrNoEntities is returned when none of the requested ids is loaded.
	ErrNoEntities = errors.New("no entities with the requested ids are loaded")
	// ErrSinkClosed is returned by a Sink whose receiver is gone.
	ErrSinkClosed = errors.New("sample sink closed")
)

// RawSample holds the counters of one entity captured at one tick.
type RawSample struct {
	// ID is the kernel id of the program or map.
	ID uint32
	// Name is the kernel name of the program or map.
	Name string
	// Tick is the number of the sampling round, starting at zero.
	Tick uint64
	// Elapsed is the monotonic time since the pipeline started.
	Elapsed time.Duration
	// Timestamp is the wall-clock time of the tick.
	Timestamp time.Time

	// RunCount is the number of times the program ran.
	RunCount uint64
	// RunTime is the total time spent in the program.
	RunTime time.Duration

	// Entries is the current number of elements in the map.
	Entries uint32
	// MaxEntries is the capacity of the map.
	MaxEntries uint32
}

// Stats is implemented by CPUStats and MapStats.
type Stats interface {
	isStats()
}

// CPUStats describes the CPU usage of a program.
type CPUStats struct {
	// Usage is the fraction of the last interval spent running the program.
	Usage float64
	// RunTime is the time spent in the program since accounting started.
	RunTime time.Duration
	// RunCount is the number of runs since accounting started.
	RunCount uint64
}

// MapStats describes the occupancy of a map.
type MapStats struct {
	// Size is the current number of elements.
	Size uint32
	// MaxSize is the capacity of the map.
	MaxSize uint32
}

func (CPUStats) isStats() {}
func (MapStats) isStats() {}

// Record is what exporters receive: derived stats for one entity at one tick.
type Record struct {
	// ID is the kernel id of the program or map.
	ID uint32
	// Name is the kernel name of the program or map.
	Name string
	// Tick is the sampling round of the newer of the two samples.
	Tick uint64
	// Stats is a CPUStats or a MapStats.
	Stats Stats
}

// Sink receives raw samples.  Send blocks while the sink is full and fails
// with an error wrapping ErrSinkClosed once the receiver is gone.
type Sink interface {
	Send(ctx context.Context, s RawSample) error
}

// Meter produces raw samples from the kernel and turns consecutive samples
// of the same entity into Stats.  Derive keeps per-entity state and must be
// called from a single goroutine.
type Meter interface {
	Kind() Kind
	// Entities returns the id and name of every loaded entity of this kind.
	Entities() (map[uint32]string, error)
	// Collect sends one sample per loaded entity to sink, in ascending id
	// order.  ids restricts the entities sampled; empty means all.  base
	// supplies the tick, elapsed time and timestamp of every sample.
	Collect(ctx context.Context, ids []uint32, base RawSample, sink Sink) error
	// Derive returns the stats for s.  The first sample of an entity only
	// seeds its history and `valid` is false.
	Derive(s RawSample) (stats Stats, valid bool)
}

// ResolveIDs checks a requested id filter against the loaded entities.  It
// returns the requested ids that are loaded, warning about the others, or
// ErrNoEntities when none is loaded.  An empty request means all entities
// and resolves to nil.
func ResolveIDs(m Meter, requested []uint32, log logging.Logger) ([]uint32, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	loaded, err := m.Entities()
	if err != nil {
		return nil, fmt.Errorf("list loaded %s entities: %w", m.Kind(), err)
	}
	var found []uint32
	for _, id := range requested {
		if _, ok := loaded[id]; ok {
			found = append(found, id)
			continue
		}
		log.Warn(map[string]interface{}{
			"event": "requested entity not found",
			"kind":  string(m.Kind()),
			"id":    id,
		})
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%s %v: %w", m.Kind(), requested, ErrNoEntities)
	}
	return found, nil
}

type idFilter map[uint32]struct{}

func newIDFilter(ids []uint32) idFilter {
	if len(ids) == 0 {
		return nil
	}
	f := make(idFilter, len(ids))
	for _, id := range ids {
		f[id] = struct{}{}
	}
	return f
}

func (f idFilter) match(id uint32) bool {
	if nil == f {
		return true
	}
	_, ok := f[id]
	return ok
}
