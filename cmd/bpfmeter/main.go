// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Command bpfmeter measures loaded eBPF programs and maps.
package main

import (
	"fmt"
	"os"

	"github.com/newrelic/newrelic-bpfmeter-go/cmd/bpfmeter/command"
)

func main() {
	if err := command.RootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
