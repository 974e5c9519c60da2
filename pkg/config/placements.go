// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/lifecycle"
	"github.com/luxfi/mediation/pkg/waterfall"
)

// Duration reads either a Go duration string ("250ms") or a number of
// milliseconds.
type Duration time.Duration

func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return fmt.Errorf("duration %s: %w", b, err)
	}
	*d = Duration(time.Duration(ms) * time.Millisecond)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// Source is a placement source as written in the placements file
type Source struct {
	ID       string   `json:"id"`
	Priority int      `json:"priority"`
	Timeout  Duration `json:"timeout,omitempty"`
}

// Placement is one entry of the placements file
type Placement struct {
	ID              string          `json:"id"`
	Format          string          `json:"format"`
	Floor           decimal.Decimal `json:"floor"`
	Timeout         Duration        `json:"timeout,omitempty"`
	RefreshInterval Duration        `json:"refresh_interval,omitempty"`
	Sources         []Source        `json:"sources"`
}

type placementsFile struct {
	Placements []Placement `json:"placements"`
}

// LoadPlacements reads and validates a placements file
func LoadPlacements(path string) ([]Placement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open placements: %w", err)
	}
	defer f.Close()
	return ParsePlacements(f)
}

// ParsePlacements decodes and validates placements
func ParsePlacements(r io.Reader) ([]Placement, error) {
	var file placementsFile
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&file); err != nil {
		return nil, fmt.Errorf("decode placements: %w", err)
	}
	if err := ValidatePlacements(file.Placements); err != nil {
		return nil, err
	}
	return file.Placements, nil
}

// ValidatePlacements rejects empty or duplicate ids, unknown formats,
// duplicate sources and non-positive timeouts.
func ValidatePlacements(ps []Placement) error {
	var errs []error
	seen := make(map[string]struct{}, len(ps))
	for i, p := range ps {
		if p.ID == "" {
			errs = append(errs, fmt.Errorf("%w: placement %d has no id", ErrInvalid, i))
			continue
		}
		if _, dup := seen[p.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: duplicate placement %q", ErrInvalid, p.ID))
		}
		seen[p.ID] = struct{}{}
		errs = append(errs, p.Validate())
	}
	return errors.Join(errs...)
}

// Validate checks one placement
func (p Placement) Validate() error {
	var errs []error
	if _, err := auction.ParseFormat(p.Format); err != nil {
		errs = append(errs, fmt.Errorf("%w: placement %q: %v", ErrInvalid, p.ID, err))
	}
	if p.Floor.IsNegative() {
		errs = append(errs, fmt.Errorf("%w: placement %q: negative floor", ErrInvalid, p.ID))
	}
	if p.Timeout < 0 {
		errs = append(errs, fmt.Errorf("%w: placement %q: negative timeout", ErrInvalid, p.ID))
	}
	if len(p.Sources) == 0 {
		errs = append(errs, fmt.Errorf("%w: placement %q has no sources", ErrInvalid, p.ID))
	}
	sources := make(map[string]struct{}, len(p.Sources))
	for _, s := range p.Sources {
		switch {
		case s.ID == "":
			errs = append(errs, fmt.Errorf("%w: placement %q: source without id", ErrInvalid, p.ID))
		case s.Timeout < 0:
			errs = append(errs, fmt.Errorf("%w: placement %q: source %q timeout must be positive", ErrInvalid, p.ID, s.ID))
		}
		if _, dup := sources[s.ID]; dup {
			errs = append(errs, fmt.Errorf("%w: placement %q: duplicate source %q", ErrInvalid, p.ID, s.ID))
		}
		sources[s.ID] = struct{}{}
	}
	return errors.Join(errs...)
}

// Lifecycle converts p to a controller placement. Unset source timeouts take
// the placement timeout, then defaultTimeout.
func (p Placement) Lifecycle(defaultTimeout time.Duration) (lifecycle.Placement, error) {
	if err := p.Validate(); err != nil {
		return lifecycle.Placement{}, err
	}
	format, _ := auction.ParseFormat(p.Format)

	timeout := time.Duration(p.Timeout)
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	sources := make([]waterfall.Source, 0, len(p.Sources))
	for _, s := range p.Sources {
		st := time.Duration(s.Timeout)
		if st <= 0 {
			st = timeout
		}
		sources = append(sources, waterfall.Source{ID: s.ID, Priority: s.Priority, Timeout: st})
	}
	return lifecycle.Placement{
		ID:              p.ID,
		Format:          format,
		Floor:           p.Floor,
		Timeout:         timeout,
		RefreshInterval: time.Duration(p.RefreshInterval),
		Sources:         waterfall.Order(sources),
	}, nil
}
