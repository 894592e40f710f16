// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package kerneltest provides an in-memory kernel.Source for tests.
package kerneltest

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/cilium/ebpf"

	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected failure")

// Source is a fake kernel.  It is safe for concurrent use, so tests can
// load and unload entities while pipelines are sampling it.
type Source struct {
	lock     sync.Mutex
	programs map[uint32]kernel.Program
	maps     map[uint32]*fakeMap

	// Failure injection.
	failPrograms  map[uint32]bool
	failMaps      map[uint32]bool
	failListing   bool
	failStats     bool
	statsEnabled  int
	walkFailAfter map[uint32]int
}

var _ kernel.Source = (*Source)(nil)

type fakeMap struct {
	info kernel.MapInfo
	keys [][]byte
}

// NewSource creates an empty fake kernel.
func NewSource() *Source {
	return &Source{
		programs:      make(map[uint32]kernel.Program),
		maps:          make(map[uint32]*fakeMap),
		failPrograms:  make(map[uint32]bool),
		failMaps:      make(map[uint32]bool),
		walkFailAfter: make(map[uint32]int),
	}
}

// SetProgram loads or updates a program.
func (s *Source) SetProgram(p kernel.Program) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.programs[p.ID] = p
}

// RemoveProgram unloads a program.
func (s *Source) RemoveProgram(id uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.programs, id)
}

// SetMap loads a map, replacing any map with the same id.  Keys are stored
// in hash order (sorted bytes), not insertion order.
func (s *Source) SetMap(info kernel.MapInfo, keys ...[]byte) {
	s.lock.Lock()
	defer s.lock.Unlock()
	sorted := make([][]byte, len(keys))
	copy(sorted, keys)
	sort.Slice(sorted, func(i, j int) bool { return bytes.Compare(sorted[i], sorted[j]) < 0 })
	s.maps[info.ID] = &fakeMap{info: info, keys: sorted}
}

// RemoveMap unloads a map.
func (s *Source) RemoveMap(id uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	delete(s.maps, id)
}

// FailProgram makes Program(id) fail.
func (s *Source) FailProgram(id uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failPrograms[id] = true
}

// FailMap makes OpenMap(id) fail.
func (s *Source) FailMap(id uint32) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failMaps[id] = true
}

// FailWalk makes NextKey on map id fail with ErrInjected after n
// successful steps.
func (s *Source) FailWalk(id uint32, n int) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.walkFailAfter[id] = n
}

// FailListing makes ProgramIDs and MapIDs fail while fail is true.
func (s *Source) FailListing(fail bool) {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failListing = fail
}

// FailStats makes EnableRunTimeStats fail.
func (s *Source) FailStats() {
	s.lock.Lock()
	defer s.lock.Unlock()
	s.failStats = true
}

// StatsEnabled returns the number of open EnableRunTimeStats handles.
func (s *Source) StatsEnabled() int {
	s.lock.Lock()
	defer s.lock.Unlock()
	return s.statsEnabled
}

type closerFunc func() error

func (fn closerFunc) Close() error { return fn() }

// EnableRunTimeStats implements kernel.Source.
func (s *Source) EnableRunTimeStats() (io.Closer, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failStats {
		return nil, fmt.Errorf("enable run time stats: %w", ErrInjected)
	}
	s.statsEnabled++
	var once sync.Once
	return closerFunc(func() error {
		once.Do(func() {
			s.lock.Lock()
			s.statsEnabled--
			s.lock.Unlock()
		})
		return nil
	}), nil
}

// ProgramIDs implements kernel.Source.
func (s *Source) ProgramIDs() ([]uint32, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failListing {
		return nil, fmt.Errorf("get next program id: %w", ErrInjected)
	}
	ids := make([]uint32, 0, len(s.programs))
	for id := range s.programs {
		ids = append(ids, id)
	}
	return sortIDs(ids), nil
}

// Program implements kernel.Source.
func (s *Source) Program(id uint32) (kernel.Program, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failPrograms[id] {
		return kernel.Program{}, fmt.Errorf("open program %d: %w", id, ErrInjected)
	}
	p, ok := s.programs[id]
	if !ok {
		return kernel.Program{}, fmt.Errorf("open program %d: %w", id, os.ErrNotExist)
	}
	return p, nil
}

// MapIDs implements kernel.Source.
func (s *Source) MapIDs() ([]uint32, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failListing {
		return nil, fmt.Errorf("get next map id: %w", ErrInjected)
	}
	ids := make([]uint32, 0, len(s.maps))
	for id := range s.maps {
		ids = append(ids, id)
	}
	return sortIDs(ids), nil
}

// OpenMap implements kernel.Source.  The handle walks a snapshot of the keys
// taken when it was opened.
func (s *Source) OpenMap(id uint32) (kernel.Map, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.failMaps[id] {
		return nil, fmt.Errorf("open map %d: %w", id, ErrInjected)
	}
	m, ok := s.maps[id]
	if !ok {
		return nil, fmt.Errorf("open map %d: %w", id, os.ErrNotExist)
	}
	failAfter, fail := s.walkFailAfter[id]
	if !fail {
		failAfter = -1
	}
	return &mapHandle{info: m.info, keys: m.keys, failAfter: failAfter}, nil
}

type mapHandle struct {
	info      kernel.MapInfo
	keys      [][]byte
	failAfter int
	steps     int
}

func (h *mapHandle) Info() kernel.MapInfo { return h.info }

// NextKey follows the kernel contract: a nil or unknown key restarts from the
// first key.
func (h *mapHandle) NextKey(key []byte) ([]byte, error) {
	if h.failAfter >= 0 && h.steps >= h.failAfter {
		return nil, fmt.Errorf("next key: %w", ErrInjected)
	}
	idx := 0
	if key != nil {
		for i, k := range h.keys {
			if bytes.Equal(k, key) {
				idx = i + 1
				break
			}
		}
	}
	if idx >= len(h.keys) {
		return nil, fmt.Errorf("next key: %w", ebpf.ErrKeyNotExist)
	}
	h.steps++
	next := make([]byte, len(h.keys[idx]))
	copy(next, h.keys[idx])
	return next, nil
}

func (h *mapHandle) Close() error { return nil }

func sortIDs(ids []uint32) []uint32 {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
