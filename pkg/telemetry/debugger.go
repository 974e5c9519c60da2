// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"sync"
	"time"
)

const DefaultDebugCapacity = 100

// DebugEvent records one source attempt of a waterfall run. It carries no
// request payload.
type DebugEvent struct {
	Placement string        `json:"placement"`
	RequestID string        `json:"request_id"`
	Source    string        `json:"source"`
	Priority  int           `json:"priority"`
	Status    string        `json:"status"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
	TraceID   string        `json:"trace_id,omitempty"`
	SpanID    string        `json:"span_id,omitempty"`
	At        time.Time     `json:"at"`
}

type eventRing struct {
	events []DebugEvent
	next   int
	full   bool
}

func (r *eventRing) add(ev DebugEvent) {
	r.events[r.next] = ev
	r.next = (r.next + 1) % len(r.events)
	if r.next == 0 {
		r.full = true
	}
}

// last returns up to n events oldest first; n <= 0 means all
func (r *eventRing) last(n int) []DebugEvent {
	size := r.next
	if r.full {
		size = len(r.events)
	}
	if n <= 0 || n > size {
		n = size
	}
	out := make([]DebugEvent, n)
	start := r.next - n
	for i := range out {
		out[i] = r.events[(start+i+len(r.events))%len(r.events)]
	}
	return out
}

// Debugger keeps the most recent attempts per placement in a fixed ring
type Debugger struct {
	capacity int
	now      func() time.Time

	mu    sync.Mutex
	rings map[string]*eventRing
}

// NewDebugger creates a debugger holding capacity events per placement
func NewDebugger(capacity int) *Debugger {
	if capacity <= 0 {
		capacity = DefaultDebugCapacity
	}
	return &Debugger{capacity: capacity, now: time.Now, rings: make(map[string]*eventRing)}
}

// Capture stores ev, evicting the oldest event of its placement when full
func (d *Debugger) Capture(ev DebugEvent) {
	if ev.At.IsZero() {
		ev.At = d.now()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rings[ev.Placement]
	if !ok {
		r = &eventRing{events: make([]DebugEvent, d.capacity)}
		d.rings[ev.Placement] = r
	}
	r.add(ev)
}

// Last returns up to n of the newest events for placement, oldest first.
// n <= 0 returns everything retained.
func (d *Debugger) Last(placement string, n int) []DebugEvent {
	d.mu.Lock()
	defer d.mu.Unlock()
	r, ok := d.rings[placement]
	if !ok {
		return []DebugEvent{}
	}
	return r.last(n)
}
