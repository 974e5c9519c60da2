// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package mediation ties the resilience components together behind the
// host-facing load/show API. An Engine owns every keyed registry; nothing is
// global, so several engines can live in one process.
package mediation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/prebid/openrtb/v20/openrtb2"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/breaker"
	"github.com/luxfi/mediation/pkg/cache"
	"github.com/luxfi/mediation/pkg/clock"
	"github.com/luxfi/mediation/pkg/config"
	"github.com/luxfi/mediation/pkg/consent"
	"github.com/luxfi/mediation/pkg/gate"
	"github.com/luxfi/mediation/pkg/lifecycle"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
	"github.com/luxfi/mediation/pkg/telemetry"
	"github.com/luxfi/mediation/pkg/waterfall"
)

var (
	ErrUnknownPlacement = errors.New("unknown placement")
	ErrFormatMismatch   = errors.New("placement registered with another format")
	ErrDuplicate        = errors.New("placement already registered")
)

// Engine is the mediation context object
type Engine struct {
	cfg     config.Config
	log     log.Logger
	metrics *metric.Metrics
	clock   clock.Clock

	exec        waterfall.Executor
	breakers    *breaker.Registry
	cache       *cache.Cache
	reservoir   *telemetry.Reservoir
	debugger    *telemetry.Debugger
	waterfall   *waterfall.Waterfall
	switchboard *gate.Switchboard
	gate        gate.Gate
	dispatcher  *lifecycle.Dispatcher

	listener    lifecycle.Listener
	presenter   lifecycle.Presenter
	measurement lifecycle.Measurement
	extraGate   gate.Gate
	doer        auction.Doer
	sinks       []telemetry.Sink

	consent     atomic.Pointer[consent.Snapshot]
	device      atomic.Pointer[openrtb2.Device]
	initialized atomic.Bool

	mu          sync.RWMutex
	controllers map[string]*lifecycle.Controller

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures an Engine
type Option func(*Engine)

func WithLogger(l log.Logger) Option {
	return func(e *Engine) { e.log = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithListener sets the receiver of lifecycle callbacks
func WithListener(l lifecycle.Listener) Option {
	return func(e *Engine) { e.listener = l }
}

func WithPresenter(p lifecycle.Presenter) Option {
	return func(e *Engine) { e.presenter = p }
}

func WithMeasurement(m lifecycle.Measurement) Option {
	return func(e *Engine) { e.measurement = m }
}

// WithGate adds an external block predicate consulted after the kill
// switches.
func WithGate(g gate.Gate) Option {
	return func(e *Engine) { e.extraGate = g }
}

// WithExecutor replaces the HTTP auction client
func WithExecutor(x waterfall.Executor) Option {
	return func(e *Engine) { e.exec = x }
}

// WithHTTPClient sets the transport used by the auction client
func WithHTTPClient(d auction.Doer) Option {
	return func(e *Engine) { e.doer = d }
}

// WithSink adds a telemetry sink
func WithSink(s telemetry.Sink) Option {
	return func(e *Engine) { e.sinks = append(e.sinks, s) }
}

// New builds an engine from cfg. It does no I/O; call Initialize before
// loading.
func New(cfg config.Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:         cfg,
		controllers: make(map[string]*lifecycle.Controller),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = log.NoOp()
	}
	if e.clock == nil {
		e.clock = clock.New()
	}
	empty := consent.New()
	e.consent.Store(&empty)

	if e.exec == nil {
		clientOpts := []auction.ClientOption{
			auction.WithRetryPolicy(auction.MaxRetries(cfg.RetryMax)),
			auction.WithClock(e.clock),
			auction.WithLogger(e.log),
			auction.WithMetrics(e.metrics),
		}
		if e.doer != nil {
			clientOpts = append(clientOpts, auction.WithHTTPClient(e.doer))
		}
		client, err := auction.NewClient(auction.Config{
			Endpoint:    cfg.AuctionURL,
			AppID:       cfg.AppID,
			APIKey:      cfg.APIKey,
			BackoffBase: cfg.RetryBase,
		}, clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("auction client: %w", err)
		}
		e.exec = client
	}

	e.breakers = breaker.NewRegistry(breaker.Config{
		Threshold: cfg.BreakerThreshold,
		Window:    cfg.BreakerWindow,
		Cooldown:  cfg.BreakerCooldown,
	}, e.clock, e.log, e.metrics)
	e.cache = cache.New(cache.Policy{
		RefreshInterval: cfg.RefreshInterval,
		MaxTTL:          cfg.CacheMaxTTL,
		MinTTL:          cfg.CacheMinTTL,
	}, e.clock, e.metrics)
	e.reservoir = telemetry.NewReservoir(cfg.TelemetryCapacity, cfg.TelemetrySampleRate)
	e.switchboard = gate.NewSwitchboard(e.log)
	e.gate = gate.Chain{e.switchboard, e.extraGate}

	wfOpts := []waterfall.Option{
		waterfall.WithBlocker(e.switchboard),
		waterfall.WithClock(e.clock),
		waterfall.WithLogger(e.log),
		waterfall.WithMetrics(e.metrics),
	}
	if cfg.Pipelined {
		wfOpts = append(wfOpts, waterfall.WithPipelining(cfg.HedgeDelay))
	}
	if cfg.DebugCapacity > 0 {
		e.debugger = telemetry.NewDebugger(cfg.DebugCapacity)
		wfOpts = append(wfOpts, waterfall.WithDebugger(e.debugger))
	}
	e.waterfall = waterfall.New(e.exec, e.breakers, e.reservoir, wfOpts...)

	if e.metrics != nil {
		if err := e.metrics.GetRegisterer().Register(telemetry.NewCollector(e.reservoir)); err != nil {
			return nil, fmt.Errorf("register telemetry collector: %w", err)
		}
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.dispatcher = lifecycle.NewDispatcher(e.log)
	return e, nil
}

// Initialize applies configured kill switches, registers placements from
// the placements file and from ps, and opens the engine for loads.
func (e *Engine) Initialize(_ context.Context, ps ...lifecycle.Placement) error {
	if e.cfg.KillSwitch {
		if err := e.switchboard.Activate(gate.ScopeGlobal, "", "configured"); err != nil {
			return err
		}
	}
	for _, id := range e.cfg.DisabledPlacements {
		e.switchboard.SetDisabled(id, true)
	}
	for _, id := range e.cfg.DisabledAdapters {
		if err := e.switchboard.Activate(gate.ScopeAdapter, id, "configured"); err != nil {
			return err
		}
	}

	if e.cfg.PlacementsFile != "" {
		file, err := config.LoadPlacements(e.cfg.PlacementsFile)
		if err != nil {
			return err
		}
		for _, fp := range file {
			p, err := fp.Lifecycle(e.cfg.SourceTimeout)
			if err != nil {
				return err
			}
			ps = append(ps, p)
		}
	}
	for _, p := range ps {
		if err := e.RegisterPlacement(p); err != nil {
			return err
		}
	}

	e.initialized.Store(true)
	e.log.Info("mediation engine initialized",
		log.Int("placements", len(ps)),
		log.Bool("pipelined", e.cfg.Pipelined))
	return nil
}

// RegisterPlacement adds a placement and its controller
func (e *Engine) RegisterPlacement(p lifecycle.Placement) error {
	if p.ID == "" || len(p.Sources) == 0 {
		return fmt.Errorf("%w: placement needs an id and sources", config.ErrInvalid)
	}
	if p.Timeout <= 0 {
		p.Timeout = e.cfg.SourceTimeout
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.controllers[p.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.ID)
	}
	e.controllers[p.ID] = lifecycle.NewController(p, lifecycle.Config{
		Runner:      e.waterfall,
		Cache:       e.cache,
		Gate:        e.gate,
		Dispatcher:  e.dispatcher,
		Listener:    e.listener,
		Presenter:   e.presenter,
		Measurement: e.measurement,
		Log:         e.log,
		Metrics:     e.metrics,
	})
	return nil
}

// SetConsent replaces the consent snapshot used by subsequent loads. Loads
// already in flight keep the snapshot they started with.
func (e *Engine) SetConsent(s consent.Snapshot) {
	e.consent.Store(&s)
}

// Consent returns the current consent snapshot
func (e *Engine) Consent() consent.Snapshot {
	return *e.consent.Load()
}

// SetDevice sets the device description sent with subsequent loads
func (e *Engine) SetDevice(d openrtb2.Device) {
	e.device.Store(&d)
}

func (e *Engine) controller(placementID string) (*lifecycle.Controller, error) {
	if !e.initialized.Load() {
		return nil, auction.ErrNotInitialized
	}
	e.mu.RLock()
	c, ok := e.controllers[placementID]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPlacement, placementID)
	}
	return c, nil
}

// Load starts mediating placementID. The result arrives on the listener;
// the returned task can be waited on or cancelled.
func (e *Engine) Load(placementID string, format auction.Format) (*lifecycle.Task, error) {
	c, err := e.controller(placementID)
	if err != nil {
		return nil, err
	}
	p := c.Placement()
	if format != p.Format {
		return nil, fmt.Errorf("%w: %s is %s", ErrFormatMismatch, placementID, p.Format)
	}
	return c.Load(e.ctx, e.request(p))
}

func (e *Engine) request(p lifecycle.Placement) auction.Request {
	ids := make([]string, 0, len(p.Sources))
	for _, s := range p.Sources {
		ids = append(ids, s.ID)
	}
	opts := []auction.RequestOption{
		auction.WithAppID(e.cfg.AppID),
		auction.WithFloor(p.Floor),
		auction.WithConsent(e.Consent()),
		auction.WithTimeout(p.Timeout),
		auction.WithSources(ids),
	}
	if d := e.device.Load(); d != nil {
		opts = append(opts, auction.WithDevice(*d))
	}
	return auction.NewRequest(p.ID, p.Format, opts...)
}

// Show presents the ad loaded for placementID
func (e *Engine) Show(placementID string) error {
	c, err := e.controller(placementID)
	if err != nil {
		return err
	}
	return c.Show(e.ctx)
}

// IsReady reports whether placementID has a live fill
func (e *Engine) IsReady(placementID string) bool {
	c, err := e.controller(placementID)
	if err != nil {
		return false
	}
	return c.IsReady()
}

// Cancel abandons the pending load for placementID
func (e *Engine) Cancel(placementID string) error {
	c, err := e.controller(placementID)
	if err != nil {
		return err
	}
	c.Cancel()
	return nil
}

// PlacementStatus is the diagnostic view of one placement
type PlacementStatus struct {
	ID      string          `json:"id"`
	Format  auction.Format  `json:"format"`
	State   lifecycle.State `json:"state"`
	Ready   bool            `json:"ready"`
	Sources int             `json:"sources"`
}

// Placements lists registered placements sorted by id
func (e *Engine) Placements() []PlacementStatus {
	e.mu.RLock()
	out := make([]PlacementStatus, 0, len(e.controllers))
	for _, c := range e.controllers {
		p := c.Placement()
		out = append(out, PlacementStatus{
			ID:      p.ID,
			Format:  p.Format,
			State:   c.State(),
			Ready:   c.IsReady(),
			Sources: len(p.Sources),
		})
	}
	e.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Breakers returns every breaker's state
func (e *Engine) Breakers() []breaker.Status { return e.breakers.Snapshot() }

// Telemetry returns every reservoir bucket
func (e *Engine) Telemetry() []telemetry.Snapshot { return e.reservoir.Snapshots() }

// SLO classifies every source's health from the telemetry reservoir
func (e *Engine) SLO() []telemetry.SLOStatus {
	return telemetry.EvaluateSLO(e.reservoir.Snapshots(), telemetry.DefaultSLOThresholds)
}

// Debug returns up to n of the most recent source attempts for placementID,
// oldest first. It is empty when MEDIATION_DEBUG_CAPACITY is zero.
func (e *Engine) Debug(placementID string, n int) ([]telemetry.DebugEvent, error) {
	if _, err := e.controller(placementID); err != nil {
		return nil, err
	}
	if e.debugger == nil {
		return []telemetry.DebugEvent{}, nil
	}
	return e.debugger.Last(placementID, n), nil
}

// Switchboard exposes the kill switches for remote control
func (e *Engine) Switchboard() *gate.Switchboard { return e.switchboard }

// CacheStats returns ad cache counters
func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

// Flusher builds the periodic telemetry exporter over the configured sinks.
// Without any sink, batches go to the log.
func (e *Engine) Flusher() *telemetry.Flusher {
	sinks := append([]telemetry.Sink(nil), e.sinks...)
	if e.cfg.TelemetrySinkURL != "" {
		sinks = append(sinks, &telemetry.HTTPSink{URL: e.cfg.TelemetrySinkURL})
	}
	if e.cfg.TelemetryStreamURL != "" {
		sinks = append(sinks, &telemetry.WebSocketSink{URL: e.cfg.TelemetryStreamURL})
	}
	var sink telemetry.Sink = telemetry.LogSink{Log: e.log}
	if len(sinks) > 0 {
		sink = telemetry.MultiSink(sinks)
	}
	return telemetry.NewFlusher(e.reservoir, sink, e.cfg.TelemetryFlushInterval, e.log, e.metrics)
}

// Close cancels pending loads and delivers callbacks already queued
func (e *Engine) Close() error {
	e.cancel()
	e.dispatcher.Close()
	_ = e.log.Sync()
	return nil
}
