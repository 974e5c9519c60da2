// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exposes the reservoir to Prometheus at scrape time
type Collector struct {
	reservoir *Reservoir
	outcomes  *prometheus.Desc
	latency   *prometheus.Desc
}

// NewCollector creates a collector over r
func NewCollector(r *Reservoir) *Collector {
	return &Collector{
		reservoir: r,
		outcomes: prometheus.NewDesc(
			"mediation_source_outcomes_total",
			"Outcomes per placement and source",
			[]string{"placement", "source", "outcome"}, nil),
		latency: prometheus.NewDesc(
			"mediation_source_latency_ms",
			"Latency percentiles over the retained samples",
			[]string{"placement", "source", "quantile"}, nil),
	}
}

func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.outcomes
	ch <- c.latency
}

func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	for _, s := range c.reservoir.Snapshots() {
		for outcome, v := range map[string]uint64{
			"fill":    s.Fills,
			"no_fill": s.NoFills,
			"timeout": s.Timeouts,
			"error":   s.Errors,
		} {
			ch <- prometheus.MustNewConstMetric(c.outcomes, prometheus.CounterValue, float64(v), s.Placement, s.Source, outcome)
		}
		if s.Latency.Count == 0 {
			continue
		}
		for q, d := range map[string]float64{
			"0.5":  millis(s.Latency.P50),
			"0.95": millis(s.Latency.P95),
			"0.99": millis(s.Latency.P99),
		} {
			ch <- prometheus.MustNewConstMetric(c.latency, prometheus.GaugeValue, d, s.Placement, s.Source, q)
		}
	}
}
