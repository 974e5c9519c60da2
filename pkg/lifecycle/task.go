// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/waterfall"
)

// LoadResult is how a load settled
type LoadResult struct {
	Placement string
	Fill      auction.Fill
	TTL       time.Duration
	Err       error
	Trail     []waterfall.Attempt
}

// Task is a pending load. It settles exactly once, either by completing or
// by being cancelled, whichever happens first.
type Task struct {
	once   sync.Once
	done   chan struct{}
	result LoadResult

	onCancel func()
}

func newTask() *Task {
	return &Task{done: make(chan struct{})}
}

// settle records r if the task is still pending and reports whether it did.
// apply runs before waiters are released, and never for a losing settle.
func (t *Task) settle(r LoadResult, apply func()) bool {
	settled := false
	t.once.Do(func() {
		t.result = r
		if apply != nil {
			apply()
		}
		settled = true
		close(t.done)
	})
	return settled
}

// Done is closed once the task has settled
func (t *Task) Done() <-chan struct{} { return t.done }

// Result returns the settled result; ok is false while the load is pending
func (t *Task) Result() (LoadResult, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return LoadResult{}, false
	}
}

// Wait blocks until the task settles or ctx is done
func (t *Task) Wait(ctx context.Context) (LoadResult, error) {
	select {
	case <-t.done:
		return t.result, nil
	case <-ctx.Done():
		return LoadResult{}, ctx.Err()
	}
}

// Cancel abandons the load. If it was still pending the load fails with
// ErrLoadCancelled; otherwise Cancel does nothing.
func (t *Task) Cancel() {
	if t.onCancel != nil {
		t.onCancel()
	}
}
