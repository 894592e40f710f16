// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/cilium/ebpf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel/kerneltest"
)

func TestMapMeter_SizeIgnoresInsertionOrder(t *testing.T) {
	keys := [][]byte{key32(40), key32(3), key32(17), key32(1), key32(29)}
	rnd := rand.New(rand.NewSource(1))

	for i := 0; i < 10; i++ {
		rnd.Shuffle(len(keys), func(a, b int) { keys[a], keys[b] = keys[b], keys[a] })

		src := kerneltest.NewSource()
		src.SetMap(kernel.MapInfo{ID: 12, Name: "conns", Type: ebpf.Hash, KeySize: 4, MaxEntries: 64}, keys...)
		m := NewMapMeter(src, time.Second, testLogger(t))
		sink := newSliceSink()

		require.NoError(t, m.Collect(context.Background(), nil, RawSample{}, sink))
		require.Len(t, sink.samples, 1)
		assert.Equal(t, uint32(5), sink.samples[0].Entries)
		assert.Equal(t, uint32(64), sink.samples[0].MaxEntries)
		assert.Equal(t, "conns", sink.samples[0].Name)
	}
}

func TestMapMeter_SizeBoundedByCapacity(t *testing.T) {
	var keys [][]byte
	for i := uint32(0); i < 32; i++ {
		keys = append(keys, key32(i))
	}
	src := kerneltest.NewSource()
	// More live keys than the reported capacity: the walk still stops.
	src.SetMap(kernel.MapInfo{ID: 1, Type: ebpf.LRUHash, KeySize: 4, MaxEntries: 8}, keys...)
	src.SetMap(kernel.MapInfo{ID: 2, Type: ebpf.PerCPUHash, KeySize: 4, MaxEntries: 0})
	m := NewMapMeter(src, time.Second, testLogger(t))
	sink := newSliceSink()

	require.NoError(t, m.Collect(context.Background(), nil, RawSample{}, sink))
	require.Len(t, sink.samples, 2)
	for _, s := range sink.samples {
		assert.LessOrEqual(t, s.Entries, s.MaxEntries)
	}
	assert.Equal(t, uint32(8), sink.samples[0].Entries)
	assert.Equal(t, uint32(0), sink.samples[1].Entries)
}

func TestMapMeter_EmptyMap(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 4, Type: ebpf.LRUCPUHash, KeySize: 4, MaxEntries: 16})
	m := NewMapMeter(src, time.Second, testLogger(t))
	sink := newSliceSink()

	require.NoError(t, m.Collect(context.Background(), nil, RawSample{}, sink))
	require.Len(t, sink.samples, 1)
	assert.Equal(t, uint32(0), sink.samples[0].Entries)
}

func TestMapMeter_SkipsNonHashMaps(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 1, Type: ebpf.Array, KeySize: 4, MaxEntries: 4}, key32(0))
	src.SetMap(kernel.MapInfo{ID: 2, Type: ebpf.Hash, KeySize: 4, MaxEntries: 4}, key32(0))
	src.SetMap(kernel.MapInfo{ID: 3, Type: ebpf.RingBuf, MaxEntries: 4096})
	m := NewMapMeter(src, time.Second, testLogger(t))
	sink := newSliceSink()

	require.NoError(t, m.Collect(context.Background(), nil, RawSample{}, sink))
	assert.Equal(t, []uint32{2}, sink.ids())
}

func TestMapMeter_WalkFailureKeepsPartialCount(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 5, Type: ebpf.Hash, KeySize: 4, MaxEntries: 64},
		key32(1), key32(2), key32(3), key32(4))
	src.FailWalk(5, 2)

	rec := &recordingLogger{}
	m := NewMapMeter(src, time.Second, rec.logger())
	sink := newSliceSink()

	require.NoError(t, m.Collect(context.Background(), nil, RawSample{}, sink))
	require.Len(t, sink.samples, 1)
	assert.Equal(t, uint32(2), sink.samples[0].Entries)
	require.Len(t, rec.errors, 1)
	assert.Equal(t, uint32(2), rec.errors[0]["counted"])
}

func TestMapMeter_SkipsUnopenableMap(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 1, Type: ebpf.Hash, KeySize: 4, MaxEntries: 4})
	src.SetMap(kernel.MapInfo{ID: 2, Type: ebpf.Hash, KeySize: 4, MaxEntries: 4})
	src.FailMap(1)

	rec := &recordingLogger{}
	m := NewMapMeter(src, time.Second, rec.logger())
	sink := newSliceSink()

	require.NoError(t, m.Collect(context.Background(), []uint32{1, 2}, RawSample{}, sink))
	assert.Equal(t, []uint32{2}, sink.ids())
	assert.Len(t, rec.warns, 1)
}

func TestMapMeter_SinkFailureIsFatal(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 1, Type: ebpf.Hash, KeySize: 4, MaxEntries: 4})
	m := NewMapMeter(src, time.Second, testLogger(t))
	sink := newSliceSink()
	sink.failAfter = 0

	err := m.Collect(context.Background(), nil, RawSample{}, sink)
	assert.True(t, errors.Is(err, ErrSinkClosed))
}

func TestMapMeter_Derive(t *testing.T) {
	m := NewMapMeter(kerneltest.NewSource(), time.Second, testLogger(t))
	now := time.Unix(1000000, 0)

	_, valid := m.Derive(RawSample{ID: 3, Timestamp: now, Entries: 5, MaxEntries: 64})
	assert.False(t, valid)

	stats, valid := m.Derive(RawSample{ID: 3, Timestamp: now.Add(time.Second), Entries: 7, MaxEntries: 64})
	require.True(t, valid)
	assert.Equal(t, MapStats{Size: 7, MaxSize: 64}, stats)
}

func TestMapMeter_Entities(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 1, Name: "a", Type: ebpf.Hash})
	src.SetMap(kernel.MapInfo{ID: 2, Name: "b", Type: ebpf.Array})

	m := NewMapMeter(src, time.Second, testLogger(t))
	entities, err := m.Entities()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{1: "a", 2: "b"}, entities)
}

func TestMapMeter_EntitiesLogsUnopenableMap(t *testing.T) {
	src := kerneltest.NewSource()
	src.SetMap(kernel.MapInfo{ID: 1, Name: "a", Type: ebpf.Hash})
	src.SetMap(kernel.MapInfo{ID: 2, Name: "b", Type: ebpf.Hash})
	src.FailMap(2)

	rec := &recordingLogger{}
	m := NewMapMeter(src, time.Second, rec.logger())
	entities, err := m.Entities()
	require.NoError(t, err)
	assert.Equal(t, map[uint32]string{1: "a"}, entities)
	require.Len(t, rec.warns, 1)
	assert.Equal(t, uint32(2), rec.warns[0]["id"])
	assert.Equal(t, "map skipped", rec.warns[0]["event"])
}
