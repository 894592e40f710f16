// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

// Package agent runs the CPU and map measurement pipelines.
package agent

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/newrelic/newrelic-bpfmeter-go/exporter"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
	"github.com/newrelic/newrelic-bpfmeter-go/meter"
)

const shutdownTimeout = 5 * time.Second

// Run measures until every pipeline is done or ctx is cancelled.  Startup
// problems are returned before any sampling starts.  Once running, the
// result is the failure of any pipeline, or nil when all finish cleanly.
// When ctx is cancelled Run returns the status so far without waiting for
// the pipelines.
func Run(ctx context.Context, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	src := cfg.Source
	if nil == src {
		src = kernel.EBPF{}
	}
	log := cfg.Logger

	var cpu, maps *pipeline
	if !cfg.DisableCPU {
		stats, err := src.EnableRunTimeStats()
		if err != nil {
			return fmt.Errorf("enable run time accounting: %w", err)
		}
		defer stats.Close()

		m := meter.NewCPUMeter(src, cfg.CPUPeriod, log)
		ids, err := meter.ResolveIDs(m, cfg.ProgramIDs, log)
		if err != nil {
			return err
		}
		cpu = &pipeline{meter: m, ids: ids, period: cfg.CPUPeriod}
	}
	if cfg.EnableMaps {
		m := meter.NewMapMeter(src, cfg.MapPeriod, log)
		ids, err := meter.ResolveIDs(m, cfg.MapIDs, log)
		if err != nil {
			return err
		}
		maps = &pipeline{meter: m, ids: ids, period: cfg.MapPeriod}
	}

	if p := cfg.Prometheus; nil != p {
		prom, err := exporter.NewPromExporter(exporter.PromConfig{
			Labels:      p.Labels,
			ExportTypes: p.ExportTypes,
			GCPeriod:    p.GCPeriod,
		}, src, log)
		if err != nil {
			return err
		}
		ep, err := prom.Serve(p.Port)
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			ep.Shutdown(shutdownCtx)
		}()
		prom.GC().Start(ctx)

		if nil != maps && !prom.Exports(exporter.ExportMapSize) {
			log.Warn(map[string]interface{}{
				"message": fmt.Sprintf("map meter is enabled but %s is not exported", exporter.ExportMapSize),
			})
		}
		for _, pl := range []*pipeline{cpu, maps} {
			if nil != pl {
				pl.exporter = prom
			}
		}
	} else {
		for _, pl := range []*pipeline{cpu, maps} {
			if nil == pl {
				continue
			}
			fe, err := exporter.NewFileExporter(cfg.OutputDir, pl.meter.Kind(), pl.period, log)
			if err != nil {
				return err
			}
			pl.exporter = fe
		}
	}

	var cpuDone, mapDone chan error
	start := func(pl *pipeline) chan error {
		pl.ticks = cfg.Ticks
		pl.capacity = cfg.ChannelCapacity
		pl.log = log
		done := make(chan error, 1)
		go func() {
			done <- pl.run(ctx)
		}()
		log.Info(map[string]interface{}{
			"event":  "pipeline started",
			"kind":   string(pl.meter.Kind()),
			"period": pl.period.String(),
		})
		return done
	}
	running := 0
	if nil != cpu {
		cpuDone = start(cpu)
		running++
	}
	if nil != maps {
		mapDone = start(maps)
		running++
	}

	var result error
	for running > 0 {
		select {
		case err := <-cpuDone:
			cpuDone = nil
			result = combine(result, finished(cfg, meter.KindProgram, err))
		case err := <-mapDone:
			mapDone = nil
			result = combine(result, finished(cfg, meter.KindMap, err))
		case <-ctx.Done():
			log.Info(map[string]interface{}{
				"event": "interrupted",
			})
			return result
		}
		running--
	}
	return result
}

// combine keeps a failure of either pipeline: a pipeline finishing cleanly
// after the other failed does not hide the failure.
func combine(result, err error) error {
	if nil == err {
		return result
	}
	if nil == result {
		return err
	}
	return multierror.Append(result, err)
}

func finished(cfg Config, kind meter.Kind, err error) error {
	if err != nil {
		cfg.Logger.Error(map[string]interface{}{
			"event": "pipeline failed",
			"kind":  string(kind),
			"err":   err.Error(),
		})
		return err
	}
	cfg.Logger.Info(map[string]interface{}{
		"event": "pipeline finished",
		"kind":  string(kind),
	})
	return nil
}
