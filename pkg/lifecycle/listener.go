// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"context"

	"github.com/luxfi/mediation/pkg/auction"
)

// Listener receives lifecycle events on the dispatcher goroutine. Each load
// cycle delivers exactly one of OnLoaded or OnLoadFailed, and each accepted
// show delivers OnShown and OnClosed once each.
type Listener interface {
	OnLoaded(placement string, fill auction.Fill)
	OnLoadFailed(placement string, err error)
	OnShown(placement string, fill auction.Fill)
	OnShowFailed(placement string, err error)
	OnClosed(placement string)
}

// Callbacks is a Listener built from optional functions
type Callbacks struct {
	Loaded     func(placement string, fill auction.Fill)
	LoadFailed func(placement string, err error)
	Shown      func(placement string, fill auction.Fill)
	ShowFailed func(placement string, err error)
	Closed     func(placement string)
}

func (c Callbacks) OnLoaded(placement string, fill auction.Fill) {
	if c.Loaded != nil {
		c.Loaded(placement, fill)
	}
}

func (c Callbacks) OnLoadFailed(placement string, err error) {
	if c.LoadFailed != nil {
		c.LoadFailed(placement, err)
	}
}

func (c Callbacks) OnShown(placement string, fill auction.Fill) {
	if c.Shown != nil {
		c.Shown(placement, fill)
	}
}

func (c Callbacks) OnShowFailed(placement string, err error) {
	if c.ShowFailed != nil {
		c.ShowFailed(placement, err)
	}
}

func (c Callbacks) OnClosed(placement string) {
	if c.Closed != nil {
		c.Closed(placement)
	}
}

// Presenter renders a creative. Present blocks until the ad is dismissed.
// Without a Presenter an accepted show closes immediately.
type Presenter interface {
	Present(ctx context.Context, placement string, fill auction.Fill) error
}

// PresenterFunc adapts a function to Presenter
type PresenterFunc func(ctx context.Context, placement string, fill auction.Fill) error

func (f PresenterFunc) Present(ctx context.Context, placement string, fill auction.Fill) error {
	return f(ctx, placement, fill)
}

// Measurement is an optional viewability/measurement integration, told
// when an impression starts and ends.
type Measurement interface {
	ImpressionStarted(placement string, fill auction.Fill)
	ImpressionEnded(placement string)
}
