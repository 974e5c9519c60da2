// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"sort"
	"time"
)

// Level is the health classification of a source
type Level string

const (
	LevelOK       Level = "ok"
	LevelWarn     Level = "warn"
	LevelCritical Level = "critical"
)

// SLOThresholds are the warn and critical bounds for each signal. Error
// rates above CritErrorRate are critical; fill rates at or below the fill
// thresholds trip them.
type SLOThresholds struct {
	WarnLatencyP99 time.Duration
	CritLatencyP99 time.Duration
	WarnErrorRate  float64
	CritErrorRate  float64
	WarnFillRate   float64
	CritFillRate   float64
}

var DefaultSLOThresholds = SLOThresholds{
	WarnLatencyP99: 600 * time.Millisecond,
	CritLatencyP99: time.Second,
	WarnErrorRate:  0.05,
	CritErrorRate:  0.10,
	WarnFillRate:   0.20,
	CritFillRate:   0.05,
}

// SLOStatus is the health of one source across every placement
type SLOStatus struct {
	Source     string        `json:"source"`
	Requests   uint64        `json:"requests"`
	LatencyP99 time.Duration `json:"latency_p99"`
	ErrorRate  float64       `json:"error_rate"`
	FillRate   float64       `json:"fill_rate"`
	Level      Level         `json:"level"`
	// BurnRate is the error rate over the critical error budget
	BurnRate float64 `json:"burn_rate"`
}

// EvaluateSLO merges snaps per source and classifies each one. Timeouts count
// as errors. Sources with no recorded outcome are left out. The result is
// sorted by source.
func EvaluateSLO(snaps []Snapshot, th SLOThresholds) []SLOStatus {
	type merged struct {
		counters Counters
		samples  []time.Duration
	}
	bySource := make(map[string]*merged)
	for _, s := range snaps {
		m, ok := bySource[s.Source]
		if !ok {
			m = &merged{}
			bySource[s.Source] = m
		}
		m.counters.Fills += s.Fills
		m.counters.NoFills += s.NoFills
		m.counters.Timeouts += s.Timeouts
		m.counters.Errors += s.Errors
		m.samples = append(m.samples, s.Samples...)
	}

	out := make([]SLOStatus, 0, len(bySource))
	for source, m := range bySource {
		total := m.counters.Total()
		if total == 0 {
			continue
		}
		st := SLOStatus{
			Source:     source,
			Requests:   total,
			LatencyP99: ComputePercentiles(m.samples).P99,
			ErrorRate:  float64(m.counters.Errors+m.counters.Timeouts) / float64(total),
			FillRate:   float64(m.counters.Fills) / float64(total),
		}
		if th.CritErrorRate > 0 {
			st.BurnRate = st.ErrorRate / th.CritErrorRate
		}
		st.Level = th.Classify(st.LatencyP99, st.ErrorRate, st.FillRate)
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Source < out[j].Source })
	return out
}

// Classify returns the worst level any signal reaches
func (th SLOThresholds) Classify(p99 time.Duration, errRate, fillRate float64) Level {
	crit, warn := false, false

	switch {
	case p99 >= th.CritLatencyP99:
		crit = true
	case p99 >= th.WarnLatencyP99:
		warn = true
	}
	// exactly the critical error rate is still a warning
	switch {
	case errRate > th.CritErrorRate:
		crit = true
	case errRate >= th.WarnErrorRate:
		warn = true
	}
	switch {
	case fillRate <= th.CritFillRate:
		crit = true
	case fillRate <= th.WarnFillRate:
		warn = true
	}

	switch {
	case crit:
		return LevelCritical
	case warn:
		return LevelWarn
	default:
		return LevelOK
	}
}
