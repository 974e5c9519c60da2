// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package breaker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/luxfi/mediation/pkg/clock"
)

type transitions struct {
	mu   sync.Mutex
	list []State
}

func (tr *transitions) record(_ string, _, to State) {
	tr.mu.Lock()
	tr.list = append(tr.list, to)
	tr.mu.Unlock()
}

func (tr *transitions) count(s State) int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	n := 0
	for _, to := range tr.list {
		if to == s {
			n++
		}
	}
	return n
}

func newTestBreaker(clk clock.Clock, tr *transitions) *Breaker {
	return New("admob", Config{Threshold: 3, Window: 30 * time.Second, Cooldown: 15 * time.Second}, clk, tr.record)
}

func TestBreaker_OpensExactlyOnceAtThreshold(t *testing.T) {
	clk := clock.NewManual(0)
	tr := &transitions{}
	b := newTestBreaker(clk, tr)

	for i := 0; i < 5; i++ {
		_, ok := b.Allow()
		if i < 3 {
			require.True(t, ok, "attempt %d", i)
		}
		b.RecordFailure()
		clk.Advance(time.Second)
	}

	require.Equal(t, StateOpen, b.State())
	require.Equal(t, 1, tr.count(StateOpen))

	_, ok := b.Allow()
	require.False(t, ok)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	clk := clock.NewManual(0)
	b := newTestBreaker(clk, &transitions{})

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, 2, b.Failures())

	b.RecordSuccess()
	require.Equal(t, 0, b.Failures())

	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State())
}

func TestBreaker_FailuresOutsideWindowArePruned(t *testing.T) {
	clk := clock.NewManual(0)
	b := newTestBreaker(clk, &transitions{})

	b.RecordFailure()
	b.RecordFailure()
	clk.Advance(31 * time.Second)
	b.RecordFailure()

	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 1, b.Failures())
}

func TestBreaker_CooldownAdmitsSingleTrial(t *testing.T) {
	clk := clock.NewManual(0)
	tr := &transitions{}
	b := newTestBreaker(clk, tr)
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}

	clk.Advance(14 * time.Second)
	_, ok := b.Allow()
	require.False(t, ok)

	clk.Advance(time.Second)

	const callers = 64
	var admitted, trials atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if p, ok := b.Allow(); ok {
				admitted.Add(1)
				if p.Trial() {
					trials.Add(1)
				}
			}
		}()
	}
	close(start)
	wg.Wait()

	require.Equal(t, int32(1), admitted.Load())
	require.Equal(t, int32(1), trials.Load())
	require.Equal(t, StateHalfOpen, b.State())
	require.Equal(t, 1, tr.count(StateHalfOpen))
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	clk := clock.NewManual(0)
	b := newTestBreaker(clk, &transitions{})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(15 * time.Second)

	_, ok := b.Allow()
	require.True(t, ok)
	b.RecordSuccess()

	require.Equal(t, StateClosed, b.State())
	require.Equal(t, 0, b.Failures())
	_, ok = b.Allow()
	require.True(t, ok)
}

func TestBreaker_HalfOpenFailureReopensWithFreshTimestamp(t *testing.T) {
	clk := clock.NewManual(0)
	b := newTestBreaker(clk, &transitions{})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(20 * time.Second)

	_, ok := b.Allow()
	require.True(t, ok)
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())

	clk.Advance(14 * time.Second)
	_, ok = b.Allow()
	require.False(t, ok, "cooldown restarts from the trial failure")

	clk.Advance(time.Second)
	_, ok = b.Allow()
	require.True(t, ok)
}

func TestBreaker_ReleaseReturnsTrial(t *testing.T) {
	clk := clock.NewManual(0)
	b := newTestBreaker(clk, &transitions{})
	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	clk.Advance(15 * time.Second)

	p, ok := b.Allow()
	require.True(t, ok)
	require.True(t, p.Trial())

	b.Release(p)
	require.Equal(t, StateOpen, b.State())

	p2, ok := b.Allow()
	require.True(t, ok)
	require.True(t, p2.Trial())

	// a stale permit must not disturb the new trial
	b.Release(p)
	require.Equal(t, StateHalfOpen, b.State())
}

func TestRegistry_IsolatesSources(t *testing.T) {
	r := NewRegistry(Config{Threshold: 1}, clock.NewManual(0), nil, nil)

	r.Get("a").RecordFailure()
	require.Equal(t, StateOpen, r.Get("a").State())
	require.Equal(t, StateClosed, r.Get("b").State())
	require.Same(t, r.Get("a"), r.Get("a"))

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, "a", snap[0].Source)
	require.Equal(t, StateOpen, snap[0].State)
}
