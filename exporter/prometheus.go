// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/kernel"
	"github.com/newrelic/newrelic-bpfmeter-go/meter"
)

const (
	labelID         = "ebpf_id"
	labelName       = "ebpf_name"
	labelMapID      = "ebpf_map_id"
	labelMapName    = "ebpf_map_name"
	labelMapMaxSize = "ebpf_map_max_size"
)

// PromExporter keeps the latest stats of every entity as Prometheus gauges.
// One PromExporter is shared by the CPU and map pipelines; Export, garbage
// collection and scrapes are serialized by a single mutex.
type PromExporter struct {
	lock     sync.Mutex
	registry *prometheus.Registry
	enabled  map[ExportType]bool
	log      logging.Logger
	gc       *GC

	cpuUsage   *prometheus.GaugeVec
	runTime    *prometheus.GaugeVec
	eventCount *prometheus.GaugeVec
	mapSize    *prometheus.GaugeVec
}

var _ Exporter = (*PromExporter)(nil)

// PromConfig configures a PromExporter.
type PromConfig struct {
	// Labels are added to every series.
	Labels map[string]string
	// ExportTypes selects the gauge families served.  Empty means
	// DefaultExportTypes.
	ExportTypes []ExportType
	// GCPeriod is how often stale series are looked for.
	GCPeriod time.Duration
}

// NewPromExporter creates the gauge families and registers the requested
// ones.  src is listed by the garbage collector to find unloaded entities.
func NewPromExporter(cfg PromConfig, src kernel.Source, log logging.Logger) (*PromExporter, error) {
	types := cfg.ExportTypes
	if len(types) == 0 {
		types = DefaultExportTypes
	}
	constLabels := prometheus.Labels(cfg.Labels)
	gauge := func(name, help string, labels ...string) *prometheus.GaugeVec {
		return prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}

	e := &PromExporter{
		registry:   prometheus.NewRegistry(),
		enabled:    make(map[ExportType]bool, len(types)),
		log:        log,
		cpuUsage:   gauge("ebpf_cpu_usage", "Fraction of the last sampling interval spent running the program.", labelID, labelName),
		runTime:    gauge("ebpf_run_time", "Total time spent running the program, in seconds.", labelID, labelName),
		eventCount: gauge("ebpf_event_count", "Number of times the program ran.", labelID, labelName),
		mapSize:    gauge("ebpf_map_size", "Number of elements in the map.", labelMapID, labelMapName, labelMapMaxSize),
	}
	families := map[ExportType]*prometheus.GaugeVec{
		ExportCPUUsage:   e.cpuUsage,
		ExportRunTime:    e.runTime,
		ExportEventCount: e.eventCount,
		ExportMapSize:    e.mapSize,
	}
	for _, t := range types {
		vec, ok := families[t]
		if !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownExportType, t)
		}
		if e.enabled[t] {
			continue
		}
		if err := e.registry.Register(vec); err != nil {
			return nil, fmt.Errorf("register %s gauges: %w", t, err)
		}
		e.enabled[t] = true
	}
	e.gc = newGC(src, cfg.GCPeriod, &e.lock, log,
		[]*prometheus.GaugeVec{e.cpuUsage, e.runTime, e.eventCount},
		[]*prometheus.GaugeVec{e.mapSize})
	return e, nil
}

// Exports reports whether the gauges of type t are served.
func (e *PromExporter) Exports(t ExportType) bool {
	return e.enabled[t]
}

// GC returns the garbage collector removing the series of unloaded
// entities.
func (e *PromExporter) GC() *GC {
	return e.gc
}

// Export implements Exporter.  Pending garbage collection runs before
// Export returns.
func (e *PromExporter) Export(r meter.Record) error {
	e.lock.Lock()
	defer e.lock.Unlock()

	id := strconv.FormatUint(uint64(r.ID), 10)
	switch s := r.Stats.(type) {
	case meter.CPUStats:
		labels := prometheus.Labels{labelID: id, labelName: r.Name}
		if err := e.set(ExportCPUUsage, e.cpuUsage, labels, s.Usage); err != nil {
			return err
		}
		if err := e.set(ExportRunTime, e.runTime, labels, s.RunTime.Seconds()); err != nil {
			return err
		}
		if err := e.set(ExportEventCount, e.eventCount, labels, float64(s.RunCount)); err != nil {
			return err
		}
		e.gc.markProgram(r.ID, labels)
	case meter.MapStats:
		labels := prometheus.Labels{
			labelMapID:      id,
			labelMapName:    r.Name,
			labelMapMaxSize: strconv.FormatUint(uint64(s.MaxSize), 10),
		}
		if err := e.set(ExportMapSize, e.mapSize, labels, float64(s.Size)); err != nil {
			return err
		}
		e.gc.markMap(r.ID, labels)
	default:
		return fmt.Errorf("%w: %T", ErrUnsupportedStats, r.Stats)
	}

	if e.gc.flag.Load() {
		e.gc.collectLocked()
	}
	return nil
}

func (e *PromExporter) set(t ExportType, vec *prometheus.GaugeVec, labels prometheus.Labels, v float64) error {
	if !e.enabled[t] {
		return nil
	}
	g, err := vec.GetMetricWith(labels)
	if err != nil {
		return fmt.Errorf("%s gauge: %w", t, err)
	}
	g.Set(v)
	return nil
}

// Close implements Exporter.  Series stay in place until they are garbage
// collected, so closing one pipeline does not affect the other.
func (e *PromExporter) Close() {}

// Gather returns the current metric families under the exporter lock.
func (e *PromExporter) Gather() ([]*dto.MetricFamily, error) {
	e.lock.Lock()
	defer e.lock.Unlock()
	return e.registry.Gather()
}

// Handler returns the scrape handler.
func (e *PromExporter) Handler() http.Handler {
	return promhttp.HandlerFor(prometheus.GathererFunc(e.Gather), promhttp.HandlerOpts{
		ErrorLog:      scrapeLogger(e.log),
		ErrorHandling: promhttp.ContinueOnError,
	})
}

type scrapeLogger logging.Logger

func (l scrapeLogger) Println(v ...interface{}) {
	logging.Logger(l).Error(map[string]interface{}{
		"event": "scrape failed",
		"err":   fmt.Sprint(v...),
	})
}

// Endpoint is a running scrape endpoint.
type Endpoint struct {
	srv  *http.Server
	ln   net.Listener
	done chan struct{}
}

// Serve binds port on all interfaces and serves GET /metrics in the
// background.  Port 0 picks a free port.
func (e *PromExporter) Serve(port int) (*Endpoint, error) {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind metrics port %d: %w", port, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	ep := &Endpoint{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		ln:   ln,
		done: make(chan struct{}),
	}
	go func() {
		defer close(ep.done)
		if err := ep.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.log.Error(map[string]interface{}{
				"event": "metrics endpoint stopped",
				"err":   err.Error(),
			})
		}
	}()
	e.log.Info(map[string]interface{}{
		"message": fmt.Sprintf("Prometheus node exporter is running at port: %d", ep.Port()),
	})
	return ep, nil
}

// Addr returns the bound address.
func (ep *Endpoint) Addr() net.Addr {
	return ep.ln.Addr()
}

// Port returns the bound port.
func (ep *Endpoint) Port() int {
	if addr, ok := ep.ln.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Shutdown stops accepting scrapes and waits for in-flight ones until ctx is
// done.
func (ep *Endpoint) Shutdown(ctx context.Context) error {
	err := ep.srv.Shutdown(ctx)
	<-ep.done
	return err
}
