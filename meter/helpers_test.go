// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package meter

import (
	"context"
	"encoding/binary"
	"sync"
	"testing"

	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
)

// sliceSink collects samples.  It fails with ErrSinkClosed once failAfter
// samples have been accepted, unless failAfter is negative.
type sliceSink struct {
	samples   []RawSample
	failAfter int
}

func newSliceSink() *sliceSink {
	return &sliceSink{failAfter: -1}
}

func (s *sliceSink) Send(_ context.Context, sample RawSample) error {
	if s.failAfter >= 0 && len(s.samples) >= s.failAfter {
		return ErrSinkClosed
	}
	s.samples = append(s.samples, sample)
	return nil
}

func (s *sliceSink) ids() []uint32 {
	ids := make([]uint32, len(s.samples))
	for i, sample := range s.samples {
		ids[i] = sample.ID
	}
	return ids
}

// recordingLogger captures messages per level.
type recordingLogger struct {
	lock   sync.Mutex
	errors []map[string]interface{}
	warns  []map[string]interface{}
}

func (r *recordingLogger) logger() logging.Logger {
	return logging.Logger{
		ErrorLogger: func(fields map[string]interface{}) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.errors = append(r.errors, fields)
		},
		WarnLogger: func(fields map[string]interface{}) {
			r.lock.Lock()
			defer r.lock.Unlock()
			r.warns = append(r.warns, fields)
		},
	}
}

func key32(v uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return b
}

// testLogger sends errors and warnings to the test log.
func testLogger(t *testing.T) logging.Logger {
	hook := func(fields map[string]interface{}) { t.Log(fields) }
	return logging.Logger{ErrorLogger: hook, WarnLogger: hook}
}
