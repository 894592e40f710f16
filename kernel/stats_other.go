// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

//go:build !linux

package kernel

import (
	"io"

	"github.com/cilium/ebpf"
)

// EnableRunTimeStats is only available on Linux.
func (EBPF) EnableRunTimeStats() (io.Closer, error) {
	return nil, ebpf.ErrNotSupported
}
