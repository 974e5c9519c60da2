// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/mediation/pkg/auction"
)

func TestClassify(t *testing.T) {
	th := DefaultSLOThresholds
	tests := []struct {
		name     string
		p99      time.Duration
		errRate  float64
		fillRate float64
		want     Level
	}{
		{"healthy", 100 * time.Millisecond, 0.01, 0.5, LevelOK},
		{"slow", 700 * time.Millisecond, 0, 0.5, LevelWarn},
		{"very slow", time.Second, 0, 0.5, LevelCritical},
		{"error budget edge", 0, 0.10, 0.5, LevelWarn},
		{"error budget blown", 0, 0.11, 0.5, LevelCritical},
		{"low fill", 0, 0, 0.2, LevelWarn},
		{"no fill", 0, 0, 0.05, LevelCritical},
		{"worst wins", 700 * time.Millisecond, 0.5, 0.5, LevelCritical},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, th.Classify(tt.p99, tt.errRate, tt.fillRate))
		})
	}
}

func TestEvaluateSLO_MergesPlacements(t *testing.T) {
	r := NewReservoir(100, 1)
	for i := 0; i < 8; i++ {
		r.Record("home_inter", "admob", auction.KindSuccess, ms(20))
	}
	r.Record("level_end", "admob", auction.KindTimeout, ms(900))
	r.Record("level_end", "admob", auction.KindError, ms(5))
	r.Record("home_inter", "meta", auction.KindNoFill, ms(10))

	got := EvaluateSLO(r.Snapshots(), DefaultSLOThresholds)
	require.Len(t, got, 2)

	admob := got[0]
	assert.Equal(t, "admob", admob.Source)
	assert.Equal(t, uint64(10), admob.Requests)
	assert.InDelta(t, 0.2, admob.ErrorRate, 1e-9)
	assert.InDelta(t, 0.8, admob.FillRate, 1e-9)
	assert.InDelta(t, 2.0, admob.BurnRate, 1e-9)
	assert.Equal(t, ms(20), admob.LatencyP99)
	assert.Equal(t, LevelCritical, admob.Level)

	meta := got[1]
	assert.Equal(t, "meta", meta.Source)
	assert.Zero(t, meta.FillRate)
	assert.Equal(t, LevelCritical, meta.Level)
}

func TestEvaluateSLO_Empty(t *testing.T) {
	assert.Empty(t, EvaluateSLO(nil, DefaultSLOThresholds))
}
