// Copyright 2019 New Relic Corporation. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package agent

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/newrelic/newrelic-bpfmeter-go/exporter"
	"github.com/newrelic/newrelic-bpfmeter-go/internal/logging"
	"github.com/newrelic/newrelic-bpfmeter-go/meter"
)

// pipeline drives one meter: a sampler goroutine collects raw samples into
// a bounded channel and a consumer goroutine derives and exports them.
type pipeline struct {
	meter    meter.Meter
	exporter exporter.Exporter
	ids      []uint32
	period   time.Duration
	ticks    *uint64
	capacity int
	log      logging.Logger
}

// channelSink hands samples to the consumer.
type channelSink struct {
	ch   chan<- meter.RawSample
	kind meter.Kind
	log  logging.Logger
}

// Send blocks while the channel is full.  A full channel means the consumer
// is falling behind and the timestamps of the queued samples drift from the
// time they are exported.
func (s channelSink) Send(ctx context.Context, sample meter.RawSample) error {
	if len(s.ch) == cap(s.ch) {
		s.log.Warn(map[string]interface{}{
			"message": "channel is full, results may be inaccurate",
			"kind":    string(s.kind),
		})
	}
	select {
	case s.ch <- sample:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", meter.ErrSinkClosed, ctx.Err())
	}
}

func (p *pipeline) run(ctx context.Context) error {
	ch := make(chan meter.RawSample, p.capacity)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return p.sample(gctx, ch)
	})
	g.Go(func() error {
		return p.consume(ch)
	})
	return g.Wait()
}

// sample collects ticks until the tick bound is reached, a collection fails
// or ctx is done.  It closes ch on return.
func (p *pipeline) sample(ctx context.Context, ch chan<- meter.RawSample) error {
	defer close(ch)

	sink := channelSink{ch: ch, kind: p.meter.Kind(), log: p.log}
	timer := time.NewTimer(0)
	defer timer.Stop()
	<-timer.C

	start := time.Now()
	for tick := uint64(0); ; tick++ {
		begin := time.Now()
		base := meter.RawSample{
			Tick:      tick,
			Elapsed:   begin.Sub(start),
			Timestamp: begin,
		}
		if err := p.meter.Collect(ctx, p.ids, base, sink); err != nil {
			return fmt.Errorf("collect %s tick %d: %w", p.meter.Kind(), tick, err)
		}
		if nil != p.ticks && tick >= *p.ticks {
			return nil
		}

		wait := p.period - time.Since(begin)
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// consume derives and exports samples in arrival order until ch is closed.
// The exporter is closed on return.
func (p *pipeline) consume(ch <-chan meter.RawSample) error {
	defer p.exporter.Close()

	for s := range ch {
		stats, valid := p.meter.Derive(s)
		if !valid {
			continue
		}
		r := meter.Record{ID: s.ID, Name: s.Name, Tick: s.Tick, Stats: stats}
		if err := p.exporter.Export(r); err != nil {
			return fmt.Errorf("export %s %d: %w", p.meter.Kind(), s.ID, err)
		}
	}
	return nil
}
