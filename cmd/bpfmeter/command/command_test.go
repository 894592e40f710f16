// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package command

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newrelic/newrelic-bpfmeter-go/agent"
	"github.com/newrelic/newrelic-bpfmeter-go/exporter"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel/kerneltest"
)

func fakeKernel() func(*agent.Config) {
	src := kerneltest.NewSource()
	src.SetProgram(kernel.Program{ID: 4, Name: "probe", RunCount: 1, RunTime: time.Millisecond})
	return agent.ConfigSource(src)
}

func parseConfig(t *testing.T, args ...string) (agent.Config, error) {
	t.Helper()
	cmd := runCommand(&globalParams{}, io.Discard, nil)
	require.NoError(t, cmd.Flags().Parse(args))
	v, err := loadViper(cmd.Flags(), "")
	require.NoError(t, err)
	opts, err := configOptions(v)
	if err != nil {
		return agent.Config{}, err
	}
	return agent.NewConfig(opts...)
}

func TestRun_OutputDir(t *testing.T) {
	dir := t.TempDir()
	var out bytes.Buffer
	root := RootCommand(&out, fakeKernel())
	root.SetArgs([]string{"run", "-o", dir, "--ticks", "1", "--cpu-period", "1ms", "--log-level", "debug"})

	require.NoError(t, root.Execute())
	_, err := os.Stat(filepath.Join(dir, "4_probe_prog_1ms.csv"))
	assert.NoError(t, err)
	assert.Contains(t, out.String(), "pipeline finished")
}

func TestRun_Environment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BPFMETER_OUTPUT_DIR", dir)
	t.Setenv("BPFMETER_TICKS", "1")
	t.Setenv("BPFMETER_CPU_PERIOD", "2ms")

	root := RootCommand(io.Discard, fakeKernel())
	root.SetArgs([]string{"run"})
	require.NoError(t, root.Execute())

	_, err := os.Stat(filepath.Join(dir, "4_probe_prog_2ms.csv"))
	assert.NoError(t, err)
}

func TestRun_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(t.TempDir(), "bpfmeter.yaml")
	yaml := "output-dir: " + dir + "\nticks: 1\ncpu-period: 3ms\n"
	require.NoError(t, os.WriteFile(file, []byte(yaml), 0o644))

	root := RootCommand(io.Discard, fakeKernel())
	root.SetArgs([]string{"--config", file, "run"})
	require.NoError(t, root.Execute())

	_, err := os.Stat(filepath.Join(dir, "4_probe_prog_3ms.csv"))
	assert.NoError(t, err)
}

func TestRun_MissingConfigFile(t *testing.T) {
	root := RootCommand(io.Discard, fakeKernel())
	root.SetArgs([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "run"})
	assert.Error(t, root.Execute())
}

func TestRun_InvalidLogLevel(t *testing.T) {
	root := RootCommand(io.Discard, fakeKernel())
	root.SetArgs([]string{"--log-level", "loud", "run", "-o", t.TempDir()})
	assert.Error(t, root.Execute())
}

func TestRun_NothingToMeasure(t *testing.T) {
	root := RootCommand(io.Discard, fakeKernel())
	root.SetArgs([]string{"run", "-o", t.TempDir(), "--disable-cpu"})
	err := root.Execute()
	assert.True(t, errors.Is(err, agent.ErrNothingToMeasure), err)
}

func TestConfigOptions_Prometheus(t *testing.T) {
	cfg, err := parseConfig(t,
		"-P", "9200",
		"-l", "host=a", "-l", "env=b",
		"--export-types", "cpu-usage,map-size",
		"--gc-period", "30s",
		"--enable-maps",
		"--bpf-programs", "1,2", "--bpf-programs", "3",
		"--bpf-maps", "7",
	)
	require.NoError(t, err)

	require.NotNil(t, cfg.Prometheus)
	assert.Equal(t, 9200, cfg.Prometheus.Port)
	assert.Equal(t, map[string]string{"host": "a", "env": "b"}, cfg.Prometheus.Labels)
	assert.Equal(t, []exporter.ExportType{exporter.ExportCPUUsage, exporter.ExportMapSize}, cfg.Prometheus.ExportTypes)
	assert.Equal(t, 30*time.Second, cfg.Prometheus.GCPeriod)
	assert.True(t, cfg.EnableMaps)
	assert.Equal(t, []uint32{1, 2, 3}, cfg.ProgramIDs)
	assert.Equal(t, []uint32{7}, cfg.MapIDs)
	assert.Empty(t, cfg.OutputDir)
}

func TestConfigOptions_Defaults(t *testing.T) {
	cfg, err := parseConfig(t)
	require.NoError(t, err)

	require.NotNil(t, cfg.Prometheus)
	assert.Equal(t, 9100, cfg.Prometheus.Port)
	assert.Equal(t, time.Minute, cfg.Prometheus.GCPeriod)
	assert.Equal(t, exporter.DefaultExportTypes, cfg.Prometheus.ExportTypes)
	assert.Equal(t, time.Second, cfg.CPUPeriod)
	assert.Equal(t, 100, cfg.ChannelCapacity)
	assert.Nil(t, cfg.ProgramIDs)
	assert.Nil(t, cfg.Ticks)
}

func TestConfigOptions_ZeroTicks(t *testing.T) {
	cfg, err := parseConfig(t, "-o", t.TempDir(), "--ticks", "0")
	require.NoError(t, err)
	require.NotNil(t, cfg.Ticks)
	assert.Equal(t, uint64(0), *cfg.Ticks)
}

func TestConfigOptions_Invalid(t *testing.T) {
	_, err := parseConfig(t, "--export-types", "cpu-usage,bogus")
	assert.True(t, errors.Is(err, exporter.ErrUnknownExportType))

	_, err = parseConfig(t, "--bpf-programs", "x")
	assert.Error(t, err)

	_, err = parseConfig(t, "--bpf-maps", "4294967296")
	assert.Error(t, err)
}
