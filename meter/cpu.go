// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"fmt"
	"time"

	"github.com/newrelic/newrelic-bpfmeter-go/cumulative"
	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
	"github.com/newrelic/newrelic-bpfmeter-go/rate"
)

// forgetAfterTicks is how many sampling periods a program may be absent
// before its previous sample is dropped.
const forgetAfterTicks = 10

// CPUMeter measures the CPU usage of loaded programs.  Kernel run-time
// accounting must be enabled for the counters to move.
type CPUMeter struct {
	src     kernel.Source
	log     logging.Logger
	history *cumulative.History[uint32, RawSample]
}

var _ Meter = (*CPUMeter)(nil)

// NewCPUMeter creates a CPUMeter sampling src every period.
func NewCPUMeter(src kernel.Source, period time.Duration, log logging.Logger) *CPUMeter {
	return &CPUMeter{
		src:     src,
		log:     log,
		history: cumulative.NewHistory[uint32, RawSample]().SetExpirationAge(forgetAfterTicks * period),
	}
}

// Kind implements Meter.
func (m *CPUMeter) Kind() Kind { return KindProgram }

// Entities implements Meter.
func (m *CPUMeter) Entities() (map[uint32]string, error) {
	ids, err := m.src.ProgramIDs()
	if err != nil {
		return nil, err
	}
	entities := make(map[uint32]string, len(ids))
	for _, id := range ids {
		p, err := m.src.Program(id)
		if err != nil {
			m.log.Warn(map[string]interface{}{
				"event": "program skipped",
				"id":    id,
				"err":   err.Error(),
			})
			continue
		}
		entities[id] = p.Name
	}
	return entities, nil
}

// Collect implements Meter.
func (m *CPUMeter) Collect(ctx context.Context, ids []uint32, base RawSample, sink Sink) error {
	progIDs, err := m.src.ProgramIDs()
	if err != nil {
		// Programs listed before the failure are still sampled.
		m.log.Error(map[string]interface{}{
			"event": "program listing failed",
			"err":   err.Error(),
		})
	}
	filter := newIDFilter(ids)
	for _, id := range progIDs {
		if !filter.match(id) {
			continue
		}
		p, err := m.src.Program(id)
		if err != nil {
			m.log.Warn(map[string]interface{}{
				"event": "program skipped",
				"id":    id,
				"err":   err.Error(),
			})
			continue
		}
		s := base
		s.ID = id
		s.Name = p.Name
		s.RunCount = p.RunCount
		s.RunTime = p.RunTime
		if err := sink.Send(ctx, s); err != nil {
			return fmt.Errorf("send program %d sample: %w", id, err)
		}
	}
	return nil
}

// Derive implements Meter.  Usage is the run time accumulated between the
// two samples divided by the wall time between them.  It is zero when that
// interval is empty or the counters went backwards.
func (m *CPUMeter) Derive(s RawSample) (Stats, bool) {
	prev, found := m.history.Swap(s.ID, s, s.Timestamp)
	if !found {
		return nil, false
	}
	usage, valid := rate.Utilization(prev.RunTime, s.RunTime, s.Elapsed-prev.Elapsed)
	if !valid {
		usage = 0
	}
	return CPUStats{
		Usage:    usage,
		RunTime:  s.RunTime,
		RunCount: s.RunCount,
	}, true
}
