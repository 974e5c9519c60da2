// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/cache"
	"github.com/luxfi/mediation/pkg/gate"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
	"github.com/luxfi/mediation/pkg/waterfall"
)

var (
	ErrLoadInFlight  = errors.New("load already in flight")
	ErrBusy          = errors.New("ad is showing")
	ErrNotReady      = errors.New("no ad ready")
	ErrExpired       = fmt.Errorf("%w: cached fill expired", ErrNotReady)
	ErrLoadCancelled = errors.New("load cancelled")
)

// State of a placement's ad
type State int32

const (
	StateIdle State = iota
	StateLoading
	StateLoaded
	StateShowing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLoading:
		return "loading"
	case StateLoaded:
		return "loaded"
	case StateShowing:
		return "showing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Placement describes one ad slot and the sources that compete for it
type Placement struct {
	ID              string
	Format          auction.Format
	Floor           decimal.Decimal
	Timeout         time.Duration
	RefreshInterval time.Duration
	Sources         []waterfall.Source
}

// Runner mediates one request across sources. *waterfall.Waterfall
// satisfies it.
type Runner interface {
	Execute(ctx context.Context, req auction.Request, sources []waterfall.Source) waterfall.Result
}

// Config wires a controller to the shared engine components. Presenter and
// Measurement are optional.
type Config struct {
	Runner      Runner
	Cache       *cache.Cache
	Gate        gate.Gate
	Dispatcher  *Dispatcher
	Listener    Listener
	Presenter   Presenter
	Measurement Measurement
	Log         log.Logger
	Metrics     *metric.Metrics
}

// Controller drives one placement through Idle, Loading, Loaded, Showing
// and Closed. The move into Loading is a single compare-and-set, so at most
// one load is in flight per placement.
type Controller struct {
	placement Placement
	policy    cache.Policy

	runner      Runner
	cache       *cache.Cache
	gate        gate.Gate
	dispatcher  *Dispatcher
	listener    Listener
	presenter   Presenter
	measurement Measurement
	log         log.Logger
	metrics     *metric.Metrics

	state atomic.Int32

	mu   sync.Mutex
	task *Task
}

// NewController creates a controller for p
func NewController(p Placement, cfg Config) *Controller {
	c := &Controller{
		placement:   p,
		runner:      cfg.Runner,
		cache:       cfg.Cache,
		gate:        cfg.Gate,
		dispatcher:  cfg.Dispatcher,
		listener:    cfg.Listener,
		presenter:   cfg.Presenter,
		measurement: cfg.Measurement,
		log:         cfg.Log,
		metrics:     cfg.Metrics,
	}
	if c.log == nil {
		c.log = log.NoOp()
	}
	c.log = c.log.With(log.String("placement", p.ID), log.String("format", string(p.Format)))
	if c.gate == nil {
		c.gate = gate.Open
	}
	if c.dispatcher == nil {
		c.dispatcher = NewDispatcher(c.log)
	}
	if c.cache == nil {
		c.cache = cache.New(cache.Policy{}, nil, cfg.Metrics)
	}
	c.policy = c.cache.Policy()
	if p.RefreshInterval > 0 {
		c.policy.RefreshInterval = p.RefreshInterval
	}
	return c
}

// Placement returns the placement this controller drives
func (c *Controller) Placement() Placement { return c.placement }

// State returns the current state
func (c *Controller) State() State { return State(c.state.Load()) }

// Load starts mediating req. It returns synchronously with ErrLoadInFlight
// while another load is pending and ErrBusy while the ad is on screen;
// neither fires a callback. A gate rejection is returned and also delivered
// once through OnLoadFailed.
func (c *Controller) Load(ctx context.Context, req auction.Request) (*Task, error) {
	format := string(c.placement.Format)
	if err := c.gate.Check(c.placement.ID, gate.ActionLoad); err != nil {
		c.metrics.IncLoad(format, "blocked")
		c.log.Info("load blocked", log.String("reason", auction.Reason(err)))
		c.post(func(l Listener) { l.OnLoadFailed(c.placement.ID, err) })
		return nil, err
	}
	if err := c.beginLoad(); err != nil {
		c.metrics.IncLoad(format, "rejected")
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	task := newTask()
	task.onCancel = func() { c.cancel(task, cancel) }

	c.mu.Lock()
	c.task = task
	c.mu.Unlock()

	c.log.Debug("load started", log.String("request_id", req.ID()))
	go c.run(ctx, cancel, task, req)
	return task, nil
}

// Cancel abandons the pending load, if any
func (c *Controller) Cancel() {
	c.mu.Lock()
	task := c.task
	c.mu.Unlock()
	if task != nil {
		task.Cancel()
	}
}

func (c *Controller) beginLoad() error {
	for {
		s := c.State()
		switch s {
		case StateLoading:
			return ErrLoadInFlight
		case StateShowing, StateClosed:
			return ErrBusy
		}
		if c.state.CompareAndSwap(int32(s), int32(StateLoading)) {
			return nil
		}
	}
}

func (c *Controller) run(ctx context.Context, cancel context.CancelFunc, task *Task, req auction.Request) {
	defer cancel()
	res := c.runner.Execute(ctx, req, c.placement.Sources)
	format := string(c.placement.Format)

	if fill, ok := res.Fill(); ok {
		ttl := c.policy.TTL(fill.TTL)
		result := LoadResult{Placement: c.placement.ID, Fill: fill, TTL: ttl, Trail: res.Trail}
		task.settle(result, func() {
			c.cache.StoreWith(c.placement.ID, fill, c.policy)
			c.state.Store(int32(StateLoaded))
			c.metrics.IncLoad(format, "loaded")
			c.log.Info("ad loaded",
				log.String("source", fill.SourceID),
				log.Int64("price_micros", fill.PriceMicros),
				log.Duration("ttl", ttl))
			c.post(func(l Listener) { l.OnLoaded(c.placement.ID, fill) })
		})
		return
	}

	err := loadError(res.Outcome)
	task.settle(LoadResult{Placement: c.placement.ID, Err: err, Trail: res.Trail}, func() {
		c.restore()
		c.metrics.IncLoad(format, "failed")
		if res.Outcome.Kind == auction.KindNoFill {
			c.log.Debug("load found no fill", log.String("reason", res.Outcome.Reason))
		} else {
			c.log.Warn("load failed", log.Error(err))
		}
		c.post(func(l Listener) { l.OnLoadFailed(c.placement.ID, err) })
	})
}

func (c *Controller) cancel(task *Task, cancelCtx context.CancelFunc) {
	task.settle(LoadResult{Placement: c.placement.ID, Err: ErrLoadCancelled}, func() {
		cancelCtx()
		c.restore()
		c.metrics.IncLoad(string(c.placement.Format), "cancelled")
		c.log.Debug("load cancelled")
		c.post(func(l Listener) { l.OnLoadFailed(c.placement.ID, ErrLoadCancelled) })
	})
}

// restore leaves Loading after a failed or cancelled load. A fill from an
// earlier load that is still live keeps the placement Loaded.
func (c *Controller) restore() {
	next := StateIdle
	if _, ok := c.cache.Peek(c.placement.ID); ok {
		next = StateLoaded
	}
	c.state.CompareAndSwap(int32(StateLoading), int32(next))
}

func loadError(o auction.Outcome) error {
	switch {
	case errors.Is(o.Err, auction.ErrCancelled):
		return ErrLoadCancelled
	case o.Err != nil:
		return o.Err
	default:
		return auction.ErrExhausted
	}
}

// IsReady reports whether a live fill is waiting to be shown. The cache is
// the authority: an expired fill moves the placement back to Idle.
func (c *Controller) IsReady() bool {
	if c.State() != StateLoaded {
		return false
	}
	if _, ok := c.cache.Peek(c.placement.ID); ok {
		return true
	}
	c.state.CompareAndSwap(int32(StateLoaded), int32(StateIdle))
	return false
}

// Show presents the loaded fill. It is rejected synchronously with
// ErrNotReady unless the placement is Loaded, and with ErrExpired when the
// cached fill's TTL has passed since load. The fill is taken from the cache
// so it can never be shown twice.
func (c *Controller) Show(ctx context.Context) error {
	format := string(c.placement.Format)
	if err := c.gate.Check(c.placement.ID, gate.ActionShow); err != nil {
		c.metrics.IncShow(format, "blocked")
		c.log.Info("show blocked", log.String("reason", auction.Reason(err)))
		c.post(func(l Listener) { l.OnShowFailed(c.placement.ID, err) })
		return err
	}
	if !c.state.CompareAndSwap(int32(StateLoaded), int32(StateShowing)) {
		c.metrics.IncShow(format, "rejected")
		return ErrNotReady
	}
	fill, ok := c.cache.Take(c.placement.ID)
	if !ok {
		c.state.Store(int32(StateIdle))
		c.metrics.IncShow(format, "expired")
		c.log.Debug("show rejected, fill expired")
		return ErrExpired
	}

	c.metrics.IncShow(format, "shown")
	c.post(func(l Listener) { l.OnShown(c.placement.ID, fill) })
	if c.measurement != nil {
		c.measurement.ImpressionStarted(c.placement.ID, fill)
	}

	if c.presenter == nil {
		c.finishShow(nil)
		return nil
	}
	go func() {
		c.finishShow(c.presenter.Present(ctx, c.placement.ID, fill))
	}()
	return nil
}

func (c *Controller) finishShow(err error) {
	if err != nil {
		c.log.Warn("presenter failed", log.Error(err))
	}
	if c.measurement != nil {
		c.measurement.ImpressionEnded(c.placement.ID)
	}
	c.state.Store(int32(StateClosed))
	c.post(func(l Listener) { l.OnClosed(c.placement.ID) })
	c.state.CompareAndSwap(int32(StateClosed), int32(StateIdle))
}

func (c *Controller) post(fn func(Listener)) {
	if c.listener == nil {
		return
	}
	l := c.listener
	c.dispatcher.Post(func() { fn(l) })
}
