// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package breaker

import (
	"sort"
	"sync"

	"github.com/luxfi/mediation/pkg/clock"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
)

// Registry owns one Breaker per source. Each breaker has its own lock; the
// registry lock is held only to look up or create an entry.
type Registry struct {
	cfg     Config
	clock   clock.Clock
	log     log.Logger
	metrics *metric.Metrics

	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry creates a new breaker registry
func NewRegistry(cfg Config, clk clock.Clock, logger log.Logger, m *metric.Metrics) *Registry {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = log.NoOp()
	}
	return &Registry{
		cfg:      cfg.withDefaults(),
		clock:    clk,
		log:      logger,
		metrics:  m,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for source, creating it on first use
func (r *Registry) Get(source string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[source]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.breakers[source]; ok {
		return b
	}
	b = New(source, r.cfg, r.clock, r.onTransition)
	r.breakers[source] = b
	return b
}

// Snapshot returns the state of every known breaker, sorted by source
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.RUnlock()

	out := make([]Status, 0, len(list))
	for _, b := range list {
		out = append(out, Status{Source: b.Source(), State: b.State(), Failures: b.Failures()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Status is a point-in-time view of one breaker
type Status struct {
	Source   string `json:"source"`
	State    State  `json:"state"`
	Failures int    `json:"failures"`
}

// MarshalText renders the state by name
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (r *Registry) onTransition(source string, from, to State) {
	r.metrics.ObserveBreaker(source, to.String(), int(to))
	r.log.Info("breaker transition",
		log.String("source", source),
		log.Stringer("from", from),
		log.Stringer("to", to))
}
