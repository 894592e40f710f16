// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package kernel is the read-only view of loaded eBPF programs and maps that
// the meters sample.
package kernel

import (
	"io"
	"time"

	"github.com/cilium/ebpf"
)

// Program holds the accounting counters of one loaded program.
type Program struct {
	ID   uint32
	Name string
	// RunCount is the number of times the program ran since run-time
	// accounting was enabled.
	RunCount uint64
	// RunTime is the total time spent in the program since run-time
	// accounting was enabled.
	RunTime time.Duration
}

// MapInfo describes one loaded map.
type MapInfo struct {
	ID         uint32
	Name       string
	Type       ebpf.MapType
	KeySize    uint32
	MaxEntries uint32
}

// Map is an open handle on a loaded map.
type Map interface {
	Info() MapInfo
	// NextKey returns the key following key.  A nil key returns the first
	// key.  An error wrapping ebpf.ErrKeyNotExist marks the end of the map.
	NextKey(key []byte) ([]byte, error)
	Close() error
}

// Source lists and opens kernel entities.  Ids are returned in ascending
// order.  Opening an id that has been unloaded since it was listed fails.
type Source interface {
	// EnableRunTimeStats turns on kernel run-time accounting for programs
	// until the returned Closer is closed.
	EnableRunTimeStats() (io.Closer, error)
	ProgramIDs() ([]uint32, error)
	Program(id uint32) (Program, error)
	MapIDs() ([]uint32, error)
	OpenMap(id uint32) (Map, error)
}

// IsHashMap reports whether maps of type t are hash tables whose size can be
// measured by walking their keys.
func IsHashMap(t ebpf.MapType) bool {
	switch t {
	case ebpf.Hash, ebpf.PerCPUHash, ebpf.LRUHash, ebpf.LRUCPUHash:
		return true
	}
	return false
}
