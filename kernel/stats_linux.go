// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build linux

package kernel

import (
	"io"

	"github.com/cilium/ebpf"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// EnableRunTimeStats turns on BPF_STATS_RUN_TIME.  Accounting stays enabled
// until the returned Closer is closed or the process exits.
func (EBPF) EnableRunTimeStats() (io.Closer, error) {
	closer, err := ebpf.EnableStats(uint32(unix.BPF_STATS_RUN_TIME))
	if err != nil {
		return nil, errors.Wrap(err, "enable run time stats")
	}
	return closer, nil
}
