// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package exporter publishes derived meter records, either as per-entity CSV
// files or as Prometheus gauges.
package exporter

import (
	"errors"
	"fmt"
	"strings"

	"github.com/newrelic/newrelic-bpfmeter-go/meter"
)

// Exporter receives the records of one pipeline.  Export is called from the
// pipeline's consumer goroutine; an error stops the pipeline.  Close is
// called once when the consumer exits and never fails.
type Exporter interface {
	Export(r meter.Record) error
	Close()
}

var (
	// ErrUnknownExportType is returned when parsing an unknown export type.
	ErrUnknownExportType = errors.New("unknown export type")
	// ErrUnsupportedStats is returned when an exporter receives stats it
	// cannot write.
	ErrUnsupportedStats = errors.New("unsupported stats")
)

// ExportType selects a Prometheus gauge family.
type ExportType string

const (
	// ExportCPUUsage serves ebpf_cpu_usage.
	ExportCPUUsage ExportType = "cpu-usage"
	// ExportRunTime serves ebpf_run_time.
	ExportRunTime ExportType = "run-time"
	// ExportEventCount serves ebpf_event_count.
	ExportEventCount ExportType = "event-count"
	// ExportMapSize serves ebpf_map_size.
	ExportMapSize ExportType = "map-size"
)

// AllExportTypes lists every export type in the order the gauge families
// are registered.
var AllExportTypes = []ExportType{ExportCPUUsage, ExportRunTime, ExportEventCount, ExportMapSize}

// DefaultExportTypes are exported when none are requested.
var DefaultExportTypes = []ExportType{ExportCPUUsage, ExportRunTime, ExportEventCount}

// ParseExportTypes parses export type names.  Duplicates are dropped.
func ParseExportTypes(names []string) ([]ExportType, error) {
	seen := make(map[ExportType]bool, len(names))
	types := make([]ExportType, 0, len(names))
	for _, name := range names {
		t := ExportType(strings.TrimSpace(name))
		if !t.valid() {
			return nil, fmt.Errorf("%w %q, expected one of %s", ErrUnknownExportType, name, joinTypes(AllExportTypes))
		}
		if seen[t] {
			continue
		}
		seen[t] = true
		types = append(types, t)
	}
	return types, nil
}

func (t ExportType) valid() bool {
	for _, known := range AllExportTypes {
		if t == known {
			return true
		}
	}
	return false
}

func joinTypes(types []ExportType) string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return strings.Join(names, ", ")
}
