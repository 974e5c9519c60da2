// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDispatcher_RunsInOrderOnOneGoroutine(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		running int
		maxSeen int
		got     []int
	)
	for i := 0; i < 100; i++ {
		i := i
		wg.Add(1)
		require.True(t, d.Post(func() {
			defer wg.Done()
			mu.Lock()
			running++
			maxSeen = max(maxSeen, running)
			got = append(got, i)
			running--
			mu.Unlock()
		}))
	}
	wg.Wait()

	require.Equal(t, 1, maxSeen)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestDispatcher_SurvivesPanics(t *testing.T) {
	d := NewDispatcher(nil)
	defer d.Close()

	ran := false
	d.Post(func() { panic("host bug") })
	d.Post(func() { ran = true })
	d.Flush()
	require.True(t, ran)
}

func TestDispatcher_CloseDrains(t *testing.T) {
	d := NewDispatcher(nil)
	count := 0
	for i := 0; i < 10; i++ {
		d.Post(func() { count++ })
	}
	d.Close()
	require.Equal(t, 10, count)

	require.False(t, d.Post(func() { count++ }))
	d.Flush()
	d.Close()
	require.Equal(t, 10, count)
}
