// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
)

const (
	DefaultFlushInterval = 30 * time.Second
	defaultSendTimeout   = 10 * time.Second
)

// Batch is the payload delivered to a Sink on every flush
type Batch struct {
	GeneratedAt time.Time `json:"generated_at"`
	Entries     []Entry   `json:"entries"`
}

// Entry is the flushed view of one (placement, source) pair
type Entry struct {
	Placement string  `json:"placement"`
	Source    string  `json:"source"`
	Fills     uint64  `json:"fills"`
	NoFills   uint64  `json:"no_fills"`
	Timeouts  uint64  `json:"timeouts"`
	Errors    uint64  `json:"errors"`
	Samples   int     `json:"samples"`
	P50Ms     float64 `json:"p50_ms"`
	P95Ms     float64 `json:"p95_ms"`
	P99Ms     float64 `json:"p99_ms"`
}

// NewBatch builds a batch from reservoir snapshots
func NewBatch(now time.Time, snaps []Snapshot) Batch {
	b := Batch{GeneratedAt: now.UTC(), Entries: make([]Entry, 0, len(snaps))}
	for _, s := range snaps {
		b.Entries = append(b.Entries, Entry{
			Placement: s.Placement,
			Source:    s.Source,
			Fills:     s.Fills,
			NoFills:   s.NoFills,
			Timeouts:  s.Timeouts,
			Errors:    s.Errors,
			Samples:   s.Latency.Count,
			P50Ms:     millis(s.Latency.P50),
			P95Ms:     millis(s.Latency.P95),
			P99Ms:     millis(s.Latency.P99),
		})
	}
	return b
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// Sink receives flushed batches
type Sink interface {
	Send(ctx context.Context, batch Batch) error
}

// Flusher periodically ships reservoir contents to a sink. Recording never
// waits on it: a flush only takes each bucket lock long enough to copy it.
type Flusher struct {
	reservoir *Reservoir
	sink      Sink
	interval  time.Duration
	log       log.Logger
	metrics   *metric.Metrics
	now       func() time.Time
}

// NewFlusher creates a new flusher
func NewFlusher(r *Reservoir, sink Sink, interval time.Duration, logger log.Logger, m *metric.Metrics) *Flusher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Flusher{
		reservoir: r,
		sink:      sink,
		interval:  interval,
		log:       logger,
		metrics:   m,
		now:       time.Now,
	}
}

// Run flushes every interval until ctx is done, then flushes once more
func (f *Flusher) Run(ctx context.Context) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := f.Flush(ctx); err != nil {
				f.log.Warn("telemetry flush failed", log.Error(err))
			}
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
			if err := f.Flush(final); err != nil {
				f.log.Warn("final telemetry flush failed", log.Error(err))
			}
			cancel()
			return ctx.Err()
		}
	}
}

// Flush sends the current snapshot. An empty reservoir sends nothing.
func (f *Flusher) Flush(ctx context.Context) error {
	snaps := f.reservoir.Snapshots()
	if len(snaps) == 0 || f.sink == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, defaultSendTimeout)
	defer cancel()

	if err := f.sink.Send(ctx, NewBatch(f.now(), snaps)); err != nil {
		f.metrics.IncFlush("error")
		return err
	}
	f.metrics.IncFlush("ok")
	f.log.Debug("telemetry flushed", log.Int("entries", len(snaps)))
	return nil
}

// MultiSink fans a batch out to several sinks and joins their errors
type MultiSink []Sink

func (m MultiSink) Send(ctx context.Context, batch Batch) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, batch); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
