// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "mediation"

// Metrics holds the Prometheus instruments for the mediation engine.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// Auction client metrics
	AttemptsTotal  *prometheus.CounterVec
	AttemptLatency *prometheus.HistogramVec
	RetriesTotal   *prometheus.CounterVec

	// Circuit breaker metrics
	BreakerTransitions *prometheus.CounterVec
	BreakerState       *prometheus.GaugeVec

	// Cache metrics
	CacheOps *prometheus.CounterVec

	// Waterfall metrics
	WaterfallDuration *prometheus.HistogramVec
	WaterfallOutcomes *prometheus.CounterVec

	// Lifecycle metrics
	LoadsTotal *prometheus.CounterVec
	ShowsTotal *prometheus.CounterVec

	// Telemetry export
	FlushesTotal *prometheus.CounterVec
}

// NewMetrics creates the metric set on a fresh registry
func NewMetrics() (*Metrics, error) {
	return NewMetricsWithRegistry(prometheus.NewRegistry())
}

// NewMetricsWithRegistry creates and registers the metric set on registry
func NewMetricsWithRegistry(registry *prometheus.Registry) (*Metrics, error) {
	m := &Metrics{registry: registry}

	m.AttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auction_attempts_total",
		Help:      "Auction attempts by source and normalized outcome",
	}, []string{"source", "outcome"})

	m.AttemptLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "auction_attempt_latency_seconds",
		Help:      "Latency of a single auction attempt",
		Buckets:   []float64{.025, .05, .1, .25, .5, 1, 2.5, 5},
	}, []string{"source"})

	m.RetriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auction_retries_total",
		Help:      "Retries issued by the auction client",
	}, []string{"source"})

	m.BreakerTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "breaker_transitions_total",
		Help:      "Circuit breaker state transitions",
	}, []string{"source", "to"})

	m.BreakerState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "breaker_state",
		Help:      "Current breaker state (0 closed, 1 open, 2 half-open)",
	}, []string{"source"})

	m.CacheOps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "cache_operations_total",
		Help:      "Ad cache operations by kind and result",
	}, []string{"op", "result"})

	m.WaterfallDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "waterfall_duration_seconds",
		Help:      "Time to run a full waterfall",
		Buckets:   prometheus.DefBuckets,
	}, []string{"mode"})

	m.WaterfallOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "waterfall_outcomes_total",
		Help:      "Waterfall results by outcome kind",
	}, []string{"outcome"})

	m.LoadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "loads_total",
		Help:      "Load calls by format and result",
	}, []string{"format", "result"})

	m.ShowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "shows_total",
		Help:      "Show calls by format and result",
	}, []string{"format", "result"})

	m.FlushesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "telemetry_flushes_total",
		Help:      "Telemetry batch flushes by result",
	}, []string{"result"})

	for _, c := range []prometheus.Collector{
		m.AttemptsTotal, m.AttemptLatency, m.RetriesTotal,
		m.BreakerTransitions, m.BreakerState,
		m.CacheOps,
		m.WaterfallDuration, m.WaterfallOutcomes,
		m.LoadsTotal, m.ShowsTotal,
		m.FlushesTotal,
	} {
		if err := registry.Register(c); err != nil {
			return nil, err
		}
	}

	return m, nil
}

// ObserveAttempt records one auction attempt
func (m *Metrics) ObserveAttempt(source, outcome string, latency time.Duration) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(source, outcome).Inc()
	m.AttemptLatency.WithLabelValues(source).Observe(latency.Seconds())
}

// IncRetry records a retry for source
func (m *Metrics) IncRetry(source string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(source).Inc()
}

// ObserveBreaker records a breaker transition and its new state value
func (m *Metrics) ObserveBreaker(source, to string, value int) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(source, to).Inc()
	m.BreakerState.WithLabelValues(source).Set(float64(value))
}

// IncCache records a cache operation
func (m *Metrics) IncCache(op, result string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, result).Inc()
}

// ObserveWaterfall records a waterfall run
func (m *Metrics) ObserveWaterfall(mode, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.WaterfallDuration.WithLabelValues(mode).Observe(d.Seconds())
	m.WaterfallOutcomes.WithLabelValues(outcome).Inc()
}

// IncLoad records a load result
func (m *Metrics) IncLoad(format, result string) {
	if m == nil {
		return
	}
	m.LoadsTotal.WithLabelValues(format, result).Inc()
}

// IncShow records a show result
func (m *Metrics) IncShow(format, result string) {
	if m == nil {
		return
	}
	m.ShowsTotal.WithLabelValues(format, result).Inc()
}

// IncFlush records a telemetry flush result
func (m *Metrics) IncFlush(result string) {
	if m == nil {
		return
	}
	m.FlushesTotal.WithLabelValues(result).Inc()
}

// GetGatherer returns the prometheus gatherer for metrics export
func (m *Metrics) GetGatherer() prometheus.Gatherer {
	if m != nil && m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultGatherer
}

// GetRegisterer returns the prometheus registerer
func (m *Metrics) GetRegisterer() prometheus.Registerer {
	if m != nil && m.registry != nil {
		return m.registry
	}
	return prometheus.DefaultRegisterer
}
