// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package clock provides the monotonic time source every deadline and TTL in
// the engine reads from. Instants are durations since the clock's origin, so
// wall-clock adjustments (timezone change, NTP step) cannot move them.
package clock

import (
	"sync"
	"time"
)

// Clock returns a monotonic instant.
type Clock interface {
	Now() time.Duration
}

type monotonic struct {
	origin time.Time
}

// New returns a Clock backed by the runtime's monotonic reading.
func New() Clock {
	return &monotonic{origin: time.Now()}
}

// Now returns the elapsed time since the clock was created. time.Since uses
// the monotonic component of origin.
func (m *monotonic) Now() time.Duration {
	return time.Since(m.origin)
}

// Manual is a Clock that only moves when told to.
type Manual struct {
	mu  sync.Mutex
	now time.Duration
}

// NewManual returns a manual clock starting at start.
func NewManual(start time.Duration) *Manual {
	return &Manual{now: start}
}

// Now returns the current manual instant.
func (m *Manual) Now() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d.
func (m *Manual) Advance(d time.Duration) {
	m.mu.Lock()
	m.now += d
	m.mu.Unlock()
}

// Set jumps the clock to an absolute instant.
func (m *Manual) Set(now time.Duration) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}
