// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package gate

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/log"
)

// Scope is what a kill switch applies to
type Scope string

const (
	ScopeGlobal    Scope = "global"
	ScopePlacement Scope = "placement"
	ScopeAdapter   Scope = "adapter"
)

var ErrInvalidScope = errors.New("invalid kill switch scope")

// ParseScope validates a scope name
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeGlobal, ScopePlacement, ScopeAdapter:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// Switch is one active kill switch
type Switch struct {
	Scope       Scope     `json:"scope"`
	ID          string    `json:"id,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	ActivatedAt time.Time `json:"activated_at"`
}

type switchKey struct {
	scope Scope
	id    string
}

// Switchboard holds kill switches and disabled placements in memory. It is
// a Gate for placements and a waterfall blocker for adapters.
type Switchboard struct {
	log log.Logger
	now func() time.Time

	mu       sync.RWMutex
	switches map[switchKey]Switch
	disabled map[string]struct{}
}

// NewSwitchboard creates an empty switchboard
func NewSwitchboard(logger log.Logger) *Switchboard {
	if logger == nil {
		logger = log.NoOp()
	}
	return &Switchboard{
		log:      logger,
		now:      time.Now,
		switches: make(map[switchKey]Switch),
		disabled: make(map[string]struct{}),
	}
}

// Activate turns a switch on. id is ignored for the global scope.
func (s *Switchboard) Activate(scope Scope, id, reason string) error {
	if _, err := ParseScope(string(scope)); err != nil {
		return err
	}
	if scope == ScopeGlobal {
		id = ""
	} else if id == "" {
		return fmt.Errorf("%s kill switch needs an id", scope)
	}

	s.mu.Lock()
	s.switches[switchKey{scope, id}] = Switch{Scope: scope, ID: id, Reason: reason, ActivatedAt: s.now().UTC()}
	s.mu.Unlock()

	s.log.Warn("kill switch activated",
		log.String("scope", string(scope)),
		log.String("id", id),
		log.String("reason", reason))
	return nil
}

// Deactivate turns a switch off
func (s *Switchboard) Deactivate(scope Scope, id string) {
	if scope == ScopeGlobal {
		id = ""
	}
	s.mu.Lock()
	_, ok := s.switches[switchKey{scope, id}]
	delete(s.switches, switchKey{scope, id})
	s.mu.Unlock()

	if ok {
		s.log.Info("kill switch deactivated", log.String("scope", string(scope)), log.String("id", id))
	}
}

// IsActive reports whether the switch for (scope, id) or the global switch is on
func (s *Switchboard) IsActive(scope Scope, id string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.switches[switchKey{scope: ScopeGlobal}]; ok {
		return true
	}
	_, ok := s.switches[switchKey{scope, id}]
	return ok
}

// SetDisabled marks a placement disabled or enabled
func (s *Switchboard) SetDisabled(placement string, disabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if disabled {
		s.disabled[placement] = struct{}{}
	} else {
		delete(s.disabled, placement)
	}
}

// Check implements Gate. The kill switch wins over a disabled placement.
func (s *Switchboard) Check(placement string, _ Action) error {
	if s.IsActive(ScopePlacement, placement) {
		return auction.ErrKillSwitchActive
	}
	s.mu.RLock()
	_, disabled := s.disabled[placement]
	s.mu.RUnlock()
	if disabled {
		return auction.ErrPlacementDisabled
	}
	return nil
}

// SourceBlocked reports whether an adapter kill switch removes source from
// waterfalls.
func (s *Switchboard) SourceBlocked(_, source string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.switches[switchKey{ScopeAdapter, source}]
	return ok
}

// Active lists active switches ordered by scope then id
func (s *Switchboard) Active() []Switch {
	s.mu.RLock()
	out := make([]Switch, 0, len(s.switches))
	for _, sw := range s.switches {
		out = append(out, sw)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Scope != out[j].Scope {
			return out[i].Scope < out[j].Scope
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Disabled lists disabled placements
func (s *Switchboard) Disabled() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.disabled))
	for p := range s.disabled {
		out = append(out, p)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}
