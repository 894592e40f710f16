// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"os"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
)

// EBPF reads programs and maps from the running kernel through the bpf(2)
// syscall.  It requires CAP_SYS_ADMIN (or CAP_BPF and CAP_PERFMON).
type EBPF struct{}

var _ Source = EBPF{}

// ProgramIDs returns the ids of all loaded programs.
func (EBPF) ProgramIDs() ([]uint32, error) {
	var ids []uint32
	var id ebpf.ProgramID
	for {
		next, err := ebpf.ProgramGetNextID(id)
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		if err != nil {
			return ids, errors.Wrapf(err, "get next program id after %d", id)
		}
		ids = append(ids, uint32(next))
		id = next
	}
}

// Program opens the program with the given id and reads its counters.
func (EBPF) Program(id uint32) (Program, error) {
	prog, err := ebpf.NewProgramFromID(ebpf.ProgramID(id))
	if err != nil {
		return Program{}, errors.Wrapf(err, "open program %d", id)
	}
	defer prog.Close()

	info, err := prog.Info()
	if err != nil {
		return Program{}, errors.Wrapf(err, "program %d info", id)
	}
	p := Program{ID: id, Name: info.Name}
	if n, ok := info.RunCount(); ok {
		p.RunCount = n
	}
	if d, ok := info.Runtime(); ok {
		p.RunTime = d
	}
	return p, nil
}

// MapIDs returns the ids of all loaded maps.
func (EBPF) MapIDs() ([]uint32, error) {
	var ids []uint32
	var id ebpf.MapID
	for {
		next, err := ebpf.MapGetNextID(id)
		if errors.Is(err, os.ErrNotExist) {
			return ids, nil
		}
		if err != nil {
			return ids, errors.Wrapf(err, "get next map id after %d", id)
		}
		ids = append(ids, uint32(next))
		id = next
	}
}

// OpenMap opens the map with the given id.  The caller must Close it.
func (EBPF) OpenMap(id uint32) (Map, error) {
	m, err := ebpf.NewMapFromID(ebpf.MapID(id))
	if err != nil {
		return nil, errors.Wrapf(err, "open map %d", id)
	}
	info, err := m.Info()
	if err != nil {
		m.Close()
		return nil, errors.Wrapf(err, "map %d info", id)
	}
	return &ebpfMap{
		m: m,
		info: MapInfo{
			ID:         id,
			Name:       info.Name,
			Type:       info.Type,
			KeySize:    info.KeySize,
			MaxEntries: info.MaxEntries,
		},
	}, nil
}

type ebpfMap struct {
	m    *ebpf.Map
	info MapInfo
}

func (em *ebpfMap) Info() MapInfo {
	return em.info
}

func (em *ebpfMap) NextKey(key []byte) ([]byte, error) {
	var (
		next []byte
		err  error
	)
	// A typed nil slice would be marshalled as a zero-length key.
	if key == nil {
		next, err = em.m.NextKeyBytes(nil)
	} else {
		next, err = em.m.NextKeyBytes(key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "map %d next key", em.info.ID)
	}
	if nil == next {
		return nil, errors.Wrapf(ebpf.ErrKeyNotExist, "map %d next key", em.info.ID)
	}
	return next, nil
}

func (em *ebpfMap) Close() error {
	return em.m.Close()
}
