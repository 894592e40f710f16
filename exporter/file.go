// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package exporter

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/meter"
)

var (
	cpuHeader = []string{"exact_cpu_usage", "run_time", "run_count"}
	mapHeader = []string{"size"}
)

// FileExporter appends the records of one meter to one CSV file per entity,
// named <id>_<name>_<kind>_<period>.csv inside a directory.
type FileExporter struct {
	dir     string
	kind    meter.Kind
	period  time.Duration
	log     logging.Logger
	writers map[uint32]*csvFile
}

var _ Exporter = (*FileExporter)(nil)

type csvFile struct {
	path string
	f    *os.File
	w    *csv.Writer
}

// NewFileExporter creates dir if needed and returns an exporter writing the
// records of a meter of the given kind sampled every period.
func NewFileExporter(dir string, kind meter.Kind, period time.Duration, log logging.Logger) (*FileExporter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	return &FileExporter{
		dir:     dir,
		kind:    kind,
		period:  period,
		log:     log,
		writers: make(map[uint32]*csvFile),
	}, nil
}

// FileName returns the base name of the file holding the records of entity
// id.
func FileName(id uint32, name string, kind meter.Kind, period time.Duration) string {
	return fmt.Sprintf("%d_%s_%s_%s.csv", id, name, kind, period)
}

// Export implements Exporter.  The row is flushed before Export returns.
func (e *FileExporter) Export(r meter.Record) error {
	row, err := e.row(r.Stats)
	if err != nil {
		return err
	}
	cf, err := e.writer(r.ID, r.Name)
	if err != nil {
		return err
	}
	if err := cf.w.Write(row); err != nil {
		return fmt.Errorf("write %s: %w", cf.path, err)
	}
	cf.w.Flush()
	if err := cf.w.Error(); err != nil {
		return fmt.Errorf("flush %s: %w", cf.path, err)
	}
	return nil
}

func (e *FileExporter) row(stats meter.Stats) ([]string, error) {
	switch s := stats.(type) {
	case meter.CPUStats:
		if e.kind != meter.KindProgram {
			break
		}
		return []string{
			strconv.FormatFloat(s.Usage, 'f', -1, 64),
			strconv.FormatFloat(s.RunTime.Seconds(), 'f', -1, 64),
			strconv.FormatUint(s.RunCount, 10),
		}, nil
	case meter.MapStats:
		if e.kind != meter.KindMap {
			break
		}
		return []string{strconv.FormatUint(uint64(s.Size), 10)}, nil
	}
	return nil, fmt.Errorf("%w: %T in %s file", ErrUnsupportedStats, stats, e.kind)
}

func (e *FileExporter) writer(id uint32, name string) (*csvFile, error) {
	if cf, ok := e.writers[id]; ok {
		return cf, nil
	}
	path := filepath.Join(e.dir, FileName(id, name, e.kind, e.period))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", path, err)
	}
	cf := &csvFile{path: path, f: f, w: csv.NewWriter(f)}
	header := cpuHeader
	if e.kind == meter.KindMap {
		header = mapHeader
	}
	if err := cf.w.Write(header); err != nil {
		f.Close()
		return nil, fmt.Errorf("write header to %s: %w", path, err)
	}
	e.writers[id] = cf
	e.log.Debug(map[string]interface{}{
		"event": "file created",
		"path":  path,
	})
	return cf, nil
}

// Close implements Exporter.  Every file is flushed and closed; failures are
// logged.
func (e *FileExporter) Close() {
	ids := make([]uint32, 0, len(e.writers))
	for id := range e.writers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var result *multierror.Error
	for _, id := range ids {
		cf := e.writers[id]
		cf.w.Flush()
		if err := cf.w.Error(); err != nil {
			result = multierror.Append(result, fmt.Errorf("flush %s: %w", cf.path, err))
		}
		if err := cf.f.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s: %w", cf.path, err))
		}
		delete(e.writers, id)
	}
	if err := result.ErrorOrNil(); err != nil {
		e.log.Error(map[string]interface{}{
			"event": "closing output files failed",
			"err":   err.Error(),
		})
	}
}
