// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package gate decides whether a placement may load or show, and whether a
// source may take part in a waterfall.
package gate

import (
	"errors"

	"github.com/luxfi/mediation/pkg/auction"
)

// Action is the operation being gated
type Action string

const (
	ActionLoad Action = "load"
	ActionShow Action = "show"
)

// Gate is consulted before every load and show. A non-nil error blocks the
// operation without touching the network.
type Gate interface {
	Check(placement string, action Action) error
}

// Func adapts a function to Gate
type Func func(placement string, action Action) error

func (f Func) Check(placement string, action Action) error {
	return f(placement, action)
}

// Chain checks gates in order and returns the first rejection
type Chain []Gate

func (c Chain) Check(placement string, action Action) error {
	for _, g := range c {
		if g == nil {
			continue
		}
		if err := g.Check(placement, action); err != nil {
			return err
		}
	}
	return nil
}

// Open never blocks
var Open Gate = Func(func(string, Action) error { return nil })

// Blocked reports whether err is one of the fixed gate rejections
func Blocked(err error) bool {
	return errors.Is(err, auction.ErrKillSwitchActive) || errors.Is(err, auction.ErrPlacementDisabled)
}
