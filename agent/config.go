// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"errors"
	"fmt"
	"time"

	"github.com/newrelic/newrelic-bpfmeter-go/exporter"
	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
)

const (
	defaultPeriod          = time.Second
	defaultChannelCapacity = 100
	defaultPort            = 9100
	defaultGCPeriod        = time.Minute
)

var (
	// ErrNothingToMeasure is returned when both meters are disabled.
	ErrNothingToMeasure = errors.New("nothing to measure: the CPU meter is disabled and the map meter is not enabled")
	// ErrOutputMode is returned unless exactly one of an output directory
	// and a Prometheus endpoint is configured.
	ErrOutputMode = errors.New("exactly one of an output directory and a Prometheus endpoint must be configured")
)

// Config customizes the behavior of Run.
type Config struct {
	// CPUPeriod is the sampling period of the CPU meter.  By default,
	// CPUPeriod is set to 1 second.
	CPUPeriod time.Duration
	// MapPeriod is the sampling period of the map meter.  By default,
	// MapPeriod is set to 1 second.
	MapPeriod time.Duration
	// ChannelCapacity is the number of samples buffered between the sampler
	// and the consumer of each pipeline.  By default, it is set to 100.
	ChannelCapacity int
	// Ticks bounds the number of sampling rounds.  A pipeline collects
	// ticks 0 through *Ticks, which yields *Ticks CPU measurements, so a
	// bound of zero takes a single sample.  Nil means no bound.
	Ticks *uint64
	// ProgramIDs restricts the CPU meter to these programs.  Empty means
	// every loaded program.
	ProgramIDs []uint32
	// MapIDs restricts the map meter to these maps.  Empty means every
	// loaded map.
	MapIDs []uint32
	// DisableCPU turns the CPU meter off.
	DisableCPU bool
	// EnableMaps turns the map meter on.
	EnableMaps bool
	// OutputDir receives one CSV file per entity.  Exactly one of OutputDir
	// and Prometheus must be set.
	OutputDir string
	// Prometheus configures the scrape endpoint.
	Prometheus *PrometheusConfig
	// Source is the kernel being measured.  By default, the running kernel
	// is read through the bpf syscall.
	Source kernel.Source
	// Logger receives the messages of every component.
	Logger logging.Logger
}

// PrometheusConfig configures the scrape endpoint.
type PrometheusConfig struct {
	// Port is the TCP port served on all interfaces.  By default, it is set
	// to 9100.  Zero picks a free port.
	Port int
	// Labels are added to every series.
	Labels map[string]string
	// ExportTypes selects the gauge families served.  By default, CPU usage,
	// run time and event count are served.
	ExportTypes []exporter.ExportType
	// GCPeriod is how often series of unloaded entities are looked for.  By
	// default, it is set to 1 minute.
	GCPeriod time.Duration
}

// NewPrometheusConfig returns the default endpoint configuration.
func NewPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		Port:        defaultPort,
		ExportTypes: exporter.DefaultExportTypes,
		GCPeriod:    defaultGCPeriod,
	}
}

// NewConfig applies options to the default configuration and validates the
// result.
func NewConfig(options ...func(*Config)) (Config, error) {
	cfg := Config{
		CPUPeriod:       defaultPeriod,
		MapPeriod:       defaultPeriod,
		ChannelCapacity: defaultChannelCapacity,
		Source:          kernel.EBPF{},
	}
	for _, opt := range options {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports the first problem with cfg.
func (cfg *Config) Validate() error {
	if cfg.DisableCPU && !cfg.EnableMaps {
		return ErrNothingToMeasure
	}
	if (cfg.OutputDir == "") == (nil == cfg.Prometheus) {
		return ErrOutputMode
	}
	if !cfg.DisableCPU && cfg.CPUPeriod <= 0 {
		return fmt.Errorf("invalid CPU period %s: must be positive", cfg.CPUPeriod)
	}
	if cfg.EnableMaps && cfg.MapPeriod <= 0 {
		return fmt.Errorf("invalid map period %s: must be positive", cfg.MapPeriod)
	}
	if cfg.ChannelCapacity < 1 {
		return fmt.Errorf("invalid channel capacity %d: must be at least 1", cfg.ChannelCapacity)
	}
	if p := cfg.Prometheus; nil != p {
		if p.Port < 0 || p.Port > 65535 {
			return fmt.Errorf("invalid port %d", p.Port)
		}
		if p.GCPeriod <= 0 {
			return fmt.Errorf("invalid garbage collection period %s: must be positive", p.GCPeriod)
		}
	}
	return nil
}

// ConfigCPUPeriod sets the sampling period of the CPU meter.
func ConfigCPUPeriod(period time.Duration) func(*Config) {
	return func(cfg *Config) {
		cfg.CPUPeriod = period
	}
}

// ConfigMapPeriod sets the sampling period of the map meter.
func ConfigMapPeriod(period time.Duration) func(*Config) {
	return func(cfg *Config) {
		cfg.MapPeriod = period
	}
}

// ConfigChannelCapacity sets the number of samples buffered per pipeline.
func ConfigChannelCapacity(capacity int) func(*Config) {
	return func(cfg *Config) {
		cfg.ChannelCapacity = capacity
	}
}

// ConfigTicks bounds the number of sampling rounds to ticks + 1.
func ConfigTicks(ticks uint64) func(*Config) {
	return func(cfg *Config) {
		cfg.Ticks = &ticks
	}
}

// ConfigPrograms restricts the CPU meter to the given program ids.
func ConfigPrograms(ids ...uint32) func(*Config) {
	return func(cfg *Config) {
		cfg.ProgramIDs = ids
	}
}

// ConfigMaps restricts the map meter to the given map ids.
func ConfigMaps(ids ...uint32) func(*Config) {
	return func(cfg *Config) {
		cfg.MapIDs = ids
	}
}

// ConfigDisableCPU turns the CPU meter off.
func ConfigDisableCPU(disable bool) func(*Config) {
	return func(cfg *Config) {
		cfg.DisableCPU = disable
	}
}

// ConfigEnableMaps turns the map meter on.
func ConfigEnableMaps(enable bool) func(*Config) {
	return func(cfg *Config) {
		cfg.EnableMaps = enable
	}
}

// ConfigOutputDir writes CSV files to dir.
func ConfigOutputDir(dir string) func(*Config) {
	return func(cfg *Config) {
		cfg.OutputDir = dir
	}
}

// ConfigPrometheus serves the stats on a Prometheus scrape endpoint.
func ConfigPrometheus(p PrometheusConfig) func(*Config) {
	return func(cfg *Config) {
		cfg.Prometheus = &p
	}
}

// ConfigSource measures src instead of the running kernel.
func ConfigSource(src kernel.Source) func(*Config) {
	return func(cfg *Config) {
		cfg.Source = src
	}
}

// ConfigLogger sets the logger.
func ConfigLogger(log logging.Logger) func(*Config) {
	return func(cfg *Config) {
		cfg.Logger = log
	}
}
