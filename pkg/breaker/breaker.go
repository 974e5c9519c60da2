// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package breaker

import (
	"sync"
	"time"

	"github.com/luxfi/mediation/pkg/clock"
)

const (
	DefaultThreshold = 3
	DefaultWindow    = 30 * time.Second
	DefaultCooldown  = 15 * time.Second
)

// State is a circuit breaker state
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config controls when a breaker opens and how long it stays open
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// TransitionFunc is called after every state change, outside the breaker lock
type TransitionFunc func(source string, from, to State)

// Permit is returned by Allow. It identifies whether the admitted call is the
// half-open trial.
type Permit struct {
	trial      bool
	generation uint64
}

// Trial reports whether this permit is the single half-open trial
func (p Permit) Trial() bool { return p.trial }

// Breaker gates calls to one source.
type Breaker struct {
	source string
	cfg    Config
	clock  clock.Clock
	notify TransitionFunc

	mu       sync.Mutex
	state    State
	failures []time.Duration // failure instants inside the window, oldest first
	openedAt time.Duration
	trial    bool
	gen      uint64
}

// New creates a breaker for source
func New(source string, cfg Config, clk clock.Clock, notify TransitionFunc) *Breaker {
	cfg = cfg.withDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Breaker{
		source:   source,
		cfg:      cfg,
		clock:    clk,
		notify:   notify,
		failures: make([]time.Duration, 0, cfg.Threshold),
	}
}

// Source returns the source id this breaker guards
func (b *Breaker) Source() string { return b.source }

// State returns the current state without changing it
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the number of failures inside the trailing window
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.prune(b.clock.Now())
	return len(b.failures)
}

// Allow decides whether a call may proceed. The Open to HalfOpen transition
// and the choice of the trial call happen under one lock, so exactly one
// caller is admitted as the trial.
func (b *Breaker) Allow() (Permit, bool) {
	b.mu.Lock()
	var from State
	changed := false
	permit, ok := Permit{}, false

	switch b.state {
	case StateClosed:
		ok = true
	case StateOpen:
		if b.clock.Now()-b.openedAt >= b.cfg.Cooldown {
			from, changed = b.state, true
			b.state = StateHalfOpen
			b.trial = true
			b.gen++
			permit, ok = Permit{trial: true, generation: b.gen}, true
		}
	case StateHalfOpen:
		// the trial is already out
	}
	b.mu.Unlock()

	if changed {
		b.emit(from, StateHalfOpen)
	}
	return permit, ok
}

// RecordSuccess closes a half-open breaker and clears the failure window
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	from := b.state
	b.failures = b.failures[:0]
	b.trial = false
	if b.state == StateHalfOpen {
		b.state = StateClosed
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.emit(from, to)
	}
}

// RecordFailure counts a failure. A half-open trial failure reopens the
// breaker immediately; in the closed state reaching the threshold inside the
// window opens it.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	now := b.clock.Now()
	from := b.state

	switch b.state {
	case StateClosed:
		b.prune(now)
		b.failures = append(b.failures, now)
		if len(b.failures) >= b.cfg.Threshold {
			b.open(now)
		}
	case StateHalfOpen:
		b.open(now)
	case StateOpen:
		// late result from a call admitted before the breaker opened
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.emit(from, to)
	}
}

// Release gives back a half-open trial permit whose call was abandoned
// without a result. The breaker returns to open with its original openedAt,
// so the next caller becomes the trial.
func (b *Breaker) Release(p Permit) {
	if !p.trial {
		return
	}
	b.mu.Lock()
	released := b.state == StateHalfOpen && b.trial && b.gen == p.generation
	if released {
		b.state = StateOpen
		b.trial = false
	}
	b.mu.Unlock()

	if released {
		b.emit(StateHalfOpen, StateOpen)
	}
}

func (b *Breaker) open(now time.Duration) {
	b.state = StateOpen
	b.openedAt = now
	b.trial = false
	b.failures = b.failures[:0]
}

// prune drops failures that fell out of the trailing window
func (b *Breaker) prune(now time.Duration) {
	i := 0
	for i < len(b.failures) && now-b.failures[i] >= b.cfg.Window {
		i++
	}
	if i > 0 {
		b.failures = append(b.failures[:0], b.failures[i:]...)
	}
}

func (b *Breaker) emit(from, to State) {
	if b.notify != nil {
		b.notify(b.source, from, to)
	}
}
