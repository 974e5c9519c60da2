// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/mediation/pkg/auction"
)

const DefaultCapacity = 200

// Key identifies one (placement, source) pair
type Key struct {
	Placement string `json:"placement"`
	Source    string `json:"source"`
}

// Counters are monotonically increasing outcome totals. Sample eviction never
// touches them.
type Counters struct {
	Fills    uint64 `json:"fills"`
	NoFills  uint64 `json:"no_fills"`
	Timeouts uint64 `json:"timeouts"`
	Errors   uint64 `json:"errors"`
}

// Total is the number of recorded outcomes
func (c Counters) Total() uint64 {
	return c.Fills + c.NoFills + c.Timeouts + c.Errors
}

// Percentiles summarizes the retained latency samples
type Percentiles struct {
	P50   time.Duration `json:"p50"`
	P95   time.Duration `json:"p95"`
	P99   time.Duration `json:"p99"`
	Count int           `json:"count"`
}

// Snapshot is a copy of one bucket
type Snapshot struct {
	Key
	Counters
	Latency Percentiles     `json:"latency"`
	Samples []time.Duration `json:"-"`
}

type bucket struct {
	mu       sync.Mutex
	counters Counters
	samples  []time.Duration // ring buffer
	next     int
	full     bool
}

func (b *bucket) record(kind auction.Kind, latency time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch kind {
	case auction.KindSuccess:
		b.counters.Fills++
	case auction.KindNoFill:
		b.counters.NoFills++
	case auction.KindTimeout:
		b.counters.Timeouts++
	default:
		b.counters.Errors++
	}

	b.samples[b.next] = latency
	b.next = (b.next + 1) % len(b.samples)
	if b.next == 0 {
		b.full = true
	}
}

// ordered returns retained samples oldest first. Caller holds b.mu.
func (b *bucket) ordered() []time.Duration {
	if !b.full {
		return append([]time.Duration(nil), b.samples[:b.next]...)
	}
	out := make([]time.Duration, 0, len(b.samples))
	out = append(out, b.samples[b.next:]...)
	return append(out, b.samples[:b.next]...)
}

func (b *bucket) snapshot(k Key) Snapshot {
	b.mu.Lock()
	samples := b.ordered()
	counters := b.counters
	b.mu.Unlock()

	return Snapshot{Key: k, Counters: counters, Samples: samples, Latency: ComputePercentiles(samples)}
}

// Reservoir keeps outcome counters and a bounded latency sample ring per
// (placement, source). Each key has its own lock.
type Reservoir struct {
	capacity int
	rate     float64

	mu      sync.RWMutex
	buckets map[Key]*bucket

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// NewReservoir creates a reservoir. sampleRate is clamped to [0, 1]; at 0
// nothing is recorded and no bucket is ever created.
func NewReservoir(capacity int, sampleRate float64) *Reservoir {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Reservoir{
		capacity: capacity,
		rate:     math.Max(0, math.Min(1, sampleRate)),
		buckets:  make(map[Key]*bucket),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Record adds one outcome and its latency
func (r *Reservoir) Record(placement, source string, kind auction.Kind, latency time.Duration) {
	if !r.sampled() {
		return
	}
	r.bucket(Key{Placement: placement, Source: source}).record(kind, latency)
}

// Snapshot returns a copy of the bucket for key. ok is false when nothing was
// ever recorded for it.
func (r *Reservoir) Snapshot(placement, source string) (Snapshot, bool) {
	k := Key{Placement: placement, Source: source}
	r.mu.RLock()
	b, ok := r.buckets[k]
	r.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return b.snapshot(k), true
}

// Snapshots returns every bucket sorted by placement then source
func (r *Reservoir) Snapshots() []Snapshot {
	r.mu.RLock()
	keys := make([]Key, 0, len(r.buckets))
	list := make([]*bucket, 0, len(r.buckets))
	for k, b := range r.buckets {
		keys = append(keys, k)
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, len(list))
	for i, b := range list {
		out[i] = b.snapshot(keys[i])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Placement != out[j].Placement {
			return out[i].Placement < out[j].Placement
		}
		return out[i].Source < out[j].Source
	})
	return out
}

// Len is the number of keys with recorded data
func (r *Reservoir) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.buckets)
}

func (r *Reservoir) sampled() bool {
	switch {
	case r.rate >= 1:
		return true
	case r.rate <= 0:
		return false
	}
	r.rndMu.Lock()
	defer r.rndMu.Unlock()
	return r.rnd.Float64() < r.rate
}

func (r *Reservoir) bucket(k Key) *bucket {
	r.mu.RLock()
	b, ok := r.buckets[k]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.buckets[k]; ok {
		return b
	}
	b = &bucket{samples: make([]time.Duration, r.capacity)}
	r.buckets[k] = b
	return b
}

// ComputePercentiles sorts a copy of samples and picks floor(p*(n-1)) for
// p50, p95 and p99. A single sample is every percentile.
func ComputePercentiles(samples []time.Duration) Percentiles {
	n := len(samples)
	if n == 0 {
		return Percentiles{}
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	at := func(p float64) time.Duration {
		return sorted[int(math.Floor(p*float64(n-1)))]
	}
	return Percentiles{P50: at(0.50), P95: at(0.95), P99: at(0.99), Count: n}
}
