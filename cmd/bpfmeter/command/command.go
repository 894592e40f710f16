// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package command implements the bpfmeter command line.
package command

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/newrelic/newrelic-bpfmeter-go/agent"
	"github.com/newrelic/newrelic-bpfmeter-go/exporter"
	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
)

const envPrefix = "BPFMETER"

type globalParams struct {
	logLevel   string
	configFile string
}

// RootCommand returns the bpfmeter command.  Logs are written to out.
// options are applied after the command line, before validation.
func RootCommand(out io.Writer, options ...func(*agent.Config)) *cobra.Command {
	var params globalParams
	root := &cobra.Command{
		Use:           "bpfmeter",
		Short:         "Measures the CPU usage of eBPF programs and the size of eBPF maps.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pflags := root.PersistentFlags()
	pflags.StringVar(&params.logLevel, "log-level", "info", "log level: debug, info, warn or error")
	pflags.StringVarP(&params.configFile, "config", "c", "", "path to a YAML file holding flag values")

	root.AddCommand(runCommand(&params, out, options))
	return root
}

func runCommand(params *globalParams, out io.Writer, options []func(*agent.Config)) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Samples programs and maps until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			v, err := loadViper(cmd.Flags(), params.configFile)
			if err != nil {
				return err
			}
			z, err := logging.NewZap(params.logLevel, out)
			if err != nil {
				return fmt.Errorf("invalid log level %q: %w", params.logLevel, err)
			}
			defer z.Sync()

			opts, err := configOptions(v)
			if err != nil {
				return err
			}
			opts = append(opts, agent.ConfigLogger(logging.Zap(z)))
			cfg, err := agent.NewConfig(append(opts, options...)...)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return agent.Run(ctx, cfg)
		},
	}

	defaults := agent.NewPrometheusConfig()
	flags := cmd.Flags()
	flags.Duration("cpu-period", time.Second, "sampling period of the CPU meter")
	flags.Duration("map-period", time.Second, "sampling period of the map meter")
	flags.Int("channel-capacity", 100, "samples buffered between sampling and export")
	flags.Uint64("ticks", 0, "collect ticks 0 through N and stop, so 0 takes a single sample; runs until interrupted when not set")
	flags.StringSlice("bpf-programs", nil, "ids of the programs to measure, all by default")
	flags.StringSlice("bpf-maps", nil, "ids of the maps to measure, all by default")
	flags.Bool("disable-cpu", false, "do not measure program CPU usage")
	flags.Bool("enable-maps", false, "measure map sizes")
	flags.StringP("output-dir", "o", "", "write CSV files to this directory instead of serving Prometheus metrics")
	flags.IntP("port", "P", defaults.Port, "Prometheus scrape port")
	flags.StringToStringP("labels", "l", nil, "labels added to every series, as key=value")
	flags.StringSlice("export-types", exportTypeNames(defaults.ExportTypes),
		fmt.Sprintf("gauges to serve: %s", strings.Join(exportTypeNames(exporter.AllExportTypes), ", ")))
	flags.Duration("gc-period", defaults.GCPeriod, "how often series of unloaded entities are removed")
	return cmd
}

// loadViper layers, from highest priority: flags set on the command line,
// BPFMETER_* environment variables, the config file, flag defaults.
func loadViper(flags *pflag.FlagSet, configFile string) (*viper.Viper, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, err
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}
	return v, nil
}

func configOptions(v *viper.Viper) ([]func(*agent.Config), error) {
	programs, err := parseIDs(v.GetStringSlice("bpf-programs"))
	if err != nil {
		return nil, fmt.Errorf("invalid --bpf-programs: %w", err)
	}
	maps, err := parseIDs(v.GetStringSlice("bpf-maps"))
	if err != nil {
		return nil, fmt.Errorf("invalid --bpf-maps: %w", err)
	}
	opts := []func(*agent.Config){
		agent.ConfigCPUPeriod(v.GetDuration("cpu-period")),
		agent.ConfigMapPeriod(v.GetDuration("map-period")),
		agent.ConfigChannelCapacity(v.GetInt("channel-capacity")),
		agent.ConfigPrograms(programs...),
		agent.ConfigMaps(maps...),
		agent.ConfigDisableCPU(v.GetBool("disable-cpu")),
		agent.ConfigEnableMaps(v.GetBool("enable-maps")),
	}
	if v.IsSet("ticks") {
		opts = append(opts, agent.ConfigTicks(v.GetUint64("ticks")))
	}

	if dir := v.GetString("output-dir"); dir != "" {
		return append(opts, agent.ConfigOutputDir(dir)), nil
	}
	types, err := exporter.ParseExportTypes(splitList(v.GetStringSlice("export-types")))
	if err != nil {
		return nil, err
	}
	prom := agent.PrometheusConfig{
		Port:        v.GetInt("port"),
		Labels:      v.GetStringMapString("labels"),
		ExportTypes: types,
		GCPeriod:    v.GetDuration("gc-period"),
	}
	return append(opts, agent.ConfigPrometheus(prom)), nil
}

// splitList splits comma separated elements, which is how list values
// arrive from environment variables.
func splitList(values []string) []string {
	var out []string
	for _, value := range values {
		for _, s := range strings.Split(value, ",") {
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
	}
	return out
}

func parseIDs(values []string) ([]uint32, error) {
	var ids []uint32
	for _, s := range splitList(values) {
		id, err := strconv.ParseUint(s, 10, 32)
		if err != nil {
			return nil, err
		}
		ids = append(ids, uint32(id))
	}
	return ids, nil
}

func exportTypeNames(types []exporter.ExportType) []string {
	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	return names
}
