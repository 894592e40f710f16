// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cilium/ebpf"

	"github.com/newrelic/newrelic-bpfmeter-go/cumulative"
	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
)

// MapMeter measures how many elements hash maps hold.  Other map types are
// not sampled.
type MapMeter struct {
	src     kernel.Source
	log     logging.Logger
	history *cumulative.History[uint32, RawSample]
}

var _ Meter = (*MapMeter)(nil)

// NewMapMeter creates a MapMeter sampling src every period.
func NewMapMeter(src kernel.Source, period time.Duration, log logging.Logger) *MapMeter {
	return &MapMeter{
		src:     src,
		log:     log,
		history: cumulative.NewHistory[uint32, RawSample]().SetExpirationAge(forgetAfterTicks * period),
	}
}

// Kind implements Meter.
func (m *MapMeter) Kind() Kind { return KindMap }

// Entities implements Meter.
func (m *MapMeter) Entities() (map[uint32]string, error) {
	ids, err := m.src.MapIDs()
	if err != nil {
		return nil, err
	}
	entities := make(map[uint32]string, len(ids))
	for _, id := range ids {
		mp, err := m.src.OpenMap(id)
		if err != nil {
			m.log.Warn(map[string]interface{}{
				"event": "map skipped",
				"id":    id,
				"err":   err.Error(),
			})
			continue
		}
		entities[id] = mp.Info().Name
		mp.Close()
	}
	return entities, nil
}

// Collect implements Meter.
func (m *MapMeter) Collect(ctx context.Context, ids []uint32, base RawSample, sink Sink) error {
	mapIDs, err := m.src.MapIDs()
	if err != nil {
		m.log.Error(map[string]interface{}{
			"event": "map listing failed",
			"err":   err.Error(),
		})
	}
	filter := newIDFilter(ids)
	for _, id := range mapIDs {
		if !filter.match(id) {
			continue
		}
		s, ok := m.sample(id, base)
		if !ok {
			continue
		}
		if err := sink.Send(ctx, s); err != nil {
			return fmt.Errorf("send map %d sample: %w", id, err)
		}
	}
	return nil
}

func (m *MapMeter) sample(id uint32, base RawSample) (RawSample, bool) {
	mp, err := m.src.OpenMap(id)
	if err != nil {
		m.log.Warn(map[string]interface{}{
			"event": "map skipped",
			"id":    id,
			"err":   err.Error(),
		})
		return RawSample{}, false
	}
	defer mp.Close()

	info := mp.Info()
	if !kernel.IsHashMap(info.Type) {
		return RawSample{}, false
	}
	s := base
	s.ID = id
	s.Name = info.Name
	s.Entries = m.countKeys(mp)
	s.MaxEntries = info.MaxEntries
	return s, true
}

// countKeys walks the map from its first key and counts the steps until the
// kernel reports there is no next key.  A walk that fails early reports the
// steps taken so far.  Keys deleted during the walk restart it from the
// first key, so the count stops at the map capacity.
func (m *MapMeter) countKeys(mp kernel.Map) uint32 {
	info := mp.Info()
	var key []byte
	var n uint32
	for n < info.MaxEntries {
		next, err := mp.NextKey(key)
		if err != nil {
			if !errors.Is(err, ebpf.ErrKeyNotExist) {
				m.log.Error(map[string]interface{}{
					"event":   "map walk failed",
					"id":      info.ID,
					"counted": n,
					"err":     err.Error(),
				})
			}
			return n
		}
		n++
		key = next
	}
	return n
}

// Derive implements Meter.  The size is the one observed in s; the first
// sample of a map only seeds its history.
func (m *MapMeter) Derive(s RawSample) (Stats, bool) {
	if _, found := m.history.Swap(s.ID, s, s.Timestamp); !found {
		return nil, false
	}
	return MapStats{
		Size:    s.Entries,
		MaxSize: s.MaxEntries,
	}, true
}
