// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/mediation/pkg/auction"
)

func ms(n int) time.Duration { return time.Duration(n) * time.Millisecond }

func TestReservoir_DropOldestAndPercentiles(t *testing.T) {
	r := NewReservoir(200, 1)
	for i := 1; i <= 300; i++ {
		r.Record("home_inter", "admob", auction.KindNoFill, ms(i))
	}

	snap, ok := r.Snapshot("home_inter", "admob")
	require.True(t, ok)
	require.Len(t, snap.Samples, 200)
	require.Equal(t, ms(101), snap.Samples[0])
	require.Equal(t, ms(300), snap.Samples[199])

	assert.Equal(t, ms(200), snap.Latency.P50)
	assert.Equal(t, ms(290), snap.Latency.P95)
	assert.Equal(t, ms(298), snap.Latency.P99)
	assert.Equal(t, 200, snap.Latency.Count)

	// counters keep every outcome, eviction or not
	assert.Equal(t, uint64(300), snap.NoFills)
}

func TestReservoir_CountersByKind(t *testing.T) {
	r := NewReservoir(10, 1)
	r.Record("p", "s", auction.KindSuccess, ms(1))
	r.Record("p", "s", auction.KindNoFill, ms(1))
	r.Record("p", "s", auction.KindNoFill, ms(1))
	r.Record("p", "s", auction.KindTimeout, ms(1))
	r.Record("p", "s", auction.KindError, ms(1))

	snap, ok := r.Snapshot("p", "s")
	require.True(t, ok)
	assert.Equal(t, Counters{Fills: 1, NoFills: 2, Timeouts: 1, Errors: 1}, snap.Counters)
	assert.Equal(t, uint64(5), snap.Total())
}

func TestReservoir_SingleSample(t *testing.T) {
	r := NewReservoir(200, 1)
	r.Record("p", "s", auction.KindSuccess, ms(42))

	snap, _ := r.Snapshot("p", "s")
	assert.Equal(t, Percentiles{P50: ms(42), P95: ms(42), P99: ms(42), Count: 1}, snap.Latency)
}

func TestReservoir_ZeroSampleRateRecordsNothing(t *testing.T) {
	r := NewReservoir(200, 0)
	for i := 0; i < 100; i++ {
		r.Record("p", "s", auction.KindError, ms(i))
	}

	_, ok := r.Snapshot("p", "s")
	require.False(t, ok)
	require.Equal(t, 0, r.Len())
	require.Empty(t, r.Snapshots())
}

func TestReservoir_PartialSampleRate(t *testing.T) {
	r := NewReservoir(1000, 0.5)
	for i := 0; i < 2000; i++ {
		r.Record("p", "s", auction.KindSuccess, ms(1))
	}

	snap, ok := r.Snapshot("p", "s")
	require.True(t, ok)
	require.Greater(t, snap.Fills, uint64(700))
	require.Less(t, snap.Fills, uint64(1300))
}

func TestReservoir_KeysAreIndependent(t *testing.T) {
	r := NewReservoir(5, 1)

	var wg sync.WaitGroup
	for _, source := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			for i := 0; i < 1000; i++ {
				r.Record("p", source, auction.KindSuccess, ms(i))
			}
		}(source)
	}
	wg.Wait()

	snaps := r.Snapshots()
	require.Len(t, snaps, 3)
	for _, s := range snaps {
		require.Equal(t, uint64(1000), s.Fills)
		require.Len(t, s.Samples, 5)
	}
	require.Equal(t, "a", snaps[0].Source)
}

func TestComputePercentiles_Empty(t *testing.T) {
	require.Equal(t, Percentiles{}, ComputePercentiles(nil))
}
