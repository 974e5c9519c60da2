// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package waterfall

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/breaker"
	"github.com/luxfi/mediation/pkg/clock"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
	"github.com/luxfi/mediation/pkg/telemetry"
)

const (
	DefaultHedgeDelay = 150 * time.Millisecond
	minHedgeDelay     = 10 * time.Millisecond

	ModeSequential = "sequential"
	ModePipelined  = "pipelined"

	tracerName = "github.com/luxfi/mediation/pkg/waterfall"
)

// Executor runs one auction against one source. *auction.Client satisfies
// it. Implementations report every attempt to obs.
type Executor interface {
	Execute(ctx context.Context, req auction.Request, timeout time.Duration, obs auction.Observer) auction.Outcome
}

// Blocker reports whether a source is switched off for a placement
type Blocker interface {
	SourceBlocked(placement, source string) bool
}

// Waterfall walks sources in priority order and stops at the first fill.
// It owns no state of its own: breakers and telemetry are shared and keyed
// per source and per (placement, source).
type Waterfall struct {
	exec      Executor
	breakers  *breaker.Registry
	reservoir *telemetry.Reservoir

	pipelined  bool
	hedgeDelay time.Duration
	blocker    Blocker
	debugger   *telemetry.Debugger

	clock   clock.Clock
	log     log.Logger
	metrics *metric.Metrics
	tracer  trace.Tracer
}

// Option configures a Waterfall
type Option func(*Waterfall)

// WithPipelining starts the next source when the current one has not
// answered within delay. A zero delay is derived from the source's p95.
func WithPipelining(delay time.Duration) Option {
	return func(w *Waterfall) {
		w.pipelined = true
		w.hedgeDelay = delay
	}
}

func WithBlocker(b Blocker) Option {
	return func(w *Waterfall) { w.blocker = b }
}

// WithDebugger keeps every attempt in d for later inspection
func WithDebugger(d *telemetry.Debugger) Option {
	return func(w *Waterfall) { w.debugger = d }
}

func WithClock(clk clock.Clock) Option {
	return func(w *Waterfall) { w.clock = clk }
}

func WithLogger(l log.Logger) Option {
	return func(w *Waterfall) { w.log = l }
}

func WithMetrics(m *metric.Metrics) Option {
	return func(w *Waterfall) { w.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(w *Waterfall) { w.tracer = t }
}

// New creates a new waterfall
func New(exec Executor, breakers *breaker.Registry, reservoir *telemetry.Reservoir, opts ...Option) *Waterfall {
	w := &Waterfall{
		exec:      exec,
		breakers:  breakers,
		reservoir: reservoir,
		clock:     clock.New(),
		log:       log.NoOp(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.tracer == nil {
		w.tracer = otel.Tracer(tracerName)
	}
	return w
}

// Mode returns the execution mode name
func (w *Waterfall) Mode() string {
	if w.pipelined {
		return ModePipelined
	}
	return ModeSequential
}

// Execute runs req against sources. The first success wins. When every
// source is skipped or fails the outcome is a no-fill with reason
// "all sources exhausted". Cancelling ctx stops the run with ErrCancelled.
func (w *Waterfall) Execute(ctx context.Context, req auction.Request, sources []Source) Result {
	ordered := Order(sources)
	start := w.clock.Now()

	ctx, span := w.tracer.Start(ctx, "waterfall.execute", trace.WithAttributes(
		attribute.String("placement", req.PlacementID()),
		attribute.String("request_id", req.ID()),
		attribute.String("mode", w.Mode()),
		attribute.Int("sources", len(ordered)),
	))
	defer span.End()

	var res Result
	if w.pipelined {
		res = w.runPipelined(ctx, req, ordered)
	} else {
		res = w.runSequential(ctx, req, ordered)
	}

	span.SetAttributes(attribute.String("outcome", res.Outcome.Reason), attribute.Int("attempts", len(res.Trail)))
	w.metrics.ObserveWaterfall(w.Mode(), res.Outcome.Reason, w.clock.Now()-start)
	w.log.Debug("waterfall finished",
		log.String("placement", req.PlacementID()),
		log.String("request_id", req.ID()),
		log.String("outcome", res.Outcome.Reason),
		log.Int("attempts", len(res.Trail)))
	return res
}

// Order returns a copy of sources sorted by ascending priority. Equal
// priorities keep their input order.
func Order(sources []Source) []Source {
	ordered := append([]Source(nil), sources...)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority < ordered[j].Priority })
	return ordered
}

func (w *Waterfall) runSequential(ctx context.Context, req auction.Request, ordered []Source) Result {
	arb := &arbiter{}
	trail := make([]Attempt, 0, len(ordered))
	for _, src := range ordered {
		if ctx.Err() != nil {
			return Result{Outcome: auction.Failed(auction.ErrCancelled), Trail: trail}
		}
		att, out := w.attempt(ctx, req, src, arb)
		trail = append(trail, att)
		switch att.Status {
		case StatusSuccess:
			return Result{Outcome: out, Trail: trail}
		case StatusCancelled:
			return Result{Outcome: out, Trail: trail}
		}
	}
	return Result{Outcome: auction.Exhausted(), Trail: trail}
}

type finished struct {
	index   int
	attempt Attempt
	outcome auction.Outcome
}

// runPipelined launches the first source, then launches the next one
// whenever the hedge delay passes or every launched source has answered
// without a fill. The first observed success settles the run; the others
// are cancelled and their results discarded.
func (w *Waterfall) runPipelined(parent context.Context, req auction.Request, ordered []Source) Result {
	if len(ordered) == 0 {
		return Result{Outcome: auction.Exhausted()}
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	arb := &arbiter{}
	trail := make([]Attempt, len(ordered))
	done := make(chan finished, len(ordered))
	launched, pending := 0, 0

	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	launch := func() {
		i := launched
		launched++
		pending++
		go func() {
			att, out := w.attempt(ctx, req, ordered[i], arb)
			done <- finished{index: i, attempt: att, outcome: out}
		}()
		timer.Reset(w.hedgeFor(ctx, req.PlacementID(), ordered[i].ID))
	}
	launch()

	var winner *auction.Outcome
	for pending > 0 {
		select {
		case f := <-done:
			pending--
			trail[f.index] = f.attempt
			if f.attempt.Status == StatusSuccess && winner == nil {
				out := f.outcome
				winner = &out
				cancel()
				continue
			}
			if winner == nil && pending == 0 && launched < len(ordered) && parent.Err() == nil {
				launch()
			}
		case <-timer.C:
			if winner == nil && launched < len(ordered) && parent.Err() == nil {
				launch()
			}
		}
	}

	trail = trail[:launched]
	switch {
	case winner != nil:
		return Result{Outcome: *winner, Trail: trail}
	case parent.Err() != nil:
		return Result{Outcome: auction.Failed(auction.ErrCancelled), Trail: trail}
	default:
		return Result{Outcome: auction.Exhausted(), Trail: trail}
	}
}

// hedgeFor picks how long to wait on source before launching the next one:
// the configured delay, else the source's p95 latency, else the default,
// clamped to half of the time left on ctx.
func (w *Waterfall) hedgeFor(ctx context.Context, placement, source string) time.Duration {
	d := w.hedgeDelay
	if d <= 0 {
		d = DefaultHedgeDelay
		if w.reservoir != nil {
			if snap, ok := w.reservoir.Snapshot(placement, source); ok && snap.Latency.P95 > 0 {
				d = snap.Latency.P95
			}
		}
	}
	if deadline, ok := ctx.Deadline(); ok {
		if rem := time.Until(deadline); rem > 0 && d > rem/2 {
			d = max(rem/2, minHedgeDelay)
		}
	}
	return d
}

// attempt runs one source under its breaker and reports the trail entry
func (w *Waterfall) attempt(ctx context.Context, req auction.Request, src Source, arb *arbiter) (Attempt, auction.Outcome) {
	att := Attempt{SourceID: src.ID, Priority: src.Priority}
	placement := req.PlacementID()
	defer func() { w.capture(ctx, req, att) }()
	logger := w.log.With(log.String("placement", placement), log.String("source", src.ID))

	if w.blocker != nil && w.blocker.SourceBlocked(placement, src.ID) {
		att.Status, att.Reason = StatusSkipped, auction.ReasonKillSwitch
		logger.Debug("source skipped", log.String("reason", att.Reason))
		return att, auction.Failed(auction.ErrKillSwitchActive)
	}

	b := w.breakers.Get(src.ID)
	permit, ok := b.Allow()
	if !ok {
		att.Status, att.Reason = StatusSkipped, auction.ReasonCircuitOpen
		logger.Debug("source skipped", log.String("reason", att.Reason))
		return att, auction.Failed(auction.ErrCircuitOpen)
	}

	ctx, span := w.tracer.Start(ctx, "waterfall.attempt", trace.WithAttributes(
		attribute.String("source", src.ID),
		attribute.Int("priority", src.Priority),
		attribute.Bool("breaker.trial", permit.Trial()),
	))
	defer span.End()

	obs := &sourceObserver{w: w, arb: arb, breaker: b, trial: permit.Trial(), placement: placement, source: src.ID, log: logger}
	start := w.clock.Now()
	out := w.exec.Execute(ctx, req.ForSource(src.ID), w.timeoutFor(req, src), obs)
	att.Duration = w.clock.Now() - start

	cancelled := errors.Is(out.Err, auction.ErrCancelled)
	if obs.seen == 0 && !cancelled {
		obs.ObserveAttempt(1, out, att.Duration)
	}

	if obs.dropped || (cancelled && !obs.won) {
		b.Release(permit)
		att.Status, att.Reason = StatusCancelled, auction.ReasonCancelled
		span.SetAttributes(attribute.String("outcome", att.Reason))
		return att, auction.Failed(auction.ErrCancelled)
	}

	att.Status, att.Reason = statusOf(out), out.Reason
	span.SetAttributes(attribute.String("outcome", att.Reason))
	if out.Failure() {
		span.SetStatus(codes.Error, att.Reason)
	}
	return att, out
}

func (w *Waterfall) capture(ctx context.Context, req auction.Request, att Attempt) {
	if w.debugger == nil {
		return
	}
	ev := telemetry.DebugEvent{
		Placement: req.PlacementID(),
		RequestID: req.ID(),
		Source:    att.SourceID,
		Priority:  att.Priority,
		Status:    att.Status.String(),
		Reason:    att.Reason,
		Duration:  att.Duration,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		ev.TraceID = sc.TraceID().String()
		ev.SpanID = sc.SpanID().String()
	}
	w.debugger.Capture(ev)
}

func (w *Waterfall) timeoutFor(req auction.Request, src Source) time.Duration {
	if src.Timeout > 0 {
		return src.Timeout
	}
	return req.Timeout()
}

// arbiter serializes observations within one run. The first observed
// success settles it; every later observation is dropped.
type arbiter struct {
	mu      sync.Mutex
	settled bool
}

func (a *arbiter) observe(success bool, fn func()) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.settled {
		return false
	}
	fn()
	if success {
		a.settled = true
	}
	return true
}

// sourceObserver feeds each client attempt into the source's breaker and
// the telemetry reservoir. It is only called from the Execute goroutine.
type sourceObserver struct {
	w         *Waterfall
	arb       *arbiter
	breaker   *breaker.Breaker
	trial     bool
	placement string
	source    string
	log       log.Logger

	seen    int
	won     bool
	dropped bool
}

func (o *sourceObserver) ObserveAttempt(n int, out auction.Outcome, latency time.Duration) {
	o.seen++
	success := out.Kind == auction.KindSuccess
	accepted := o.arb.observe(success, func() {
		if out.Failure() {
			o.breaker.RecordFailure()
		} else {
			o.breaker.RecordSuccess()
		}
		if o.w.reservoir != nil {
			o.w.reservoir.Record(o.placement, o.source, out.Kind, latency)
		}
	})
	if !accepted {
		o.dropped = true
		return
	}
	o.won = success

	switch out.Kind {
	case auction.KindSuccess, auction.KindNoFill:
		o.log.Debug("auction attempt",
			log.Int("attempt", n),
			log.String("reason", out.Reason),
			log.Duration("latency", latency))
	default:
		o.log.Warn("auction attempt failed",
			log.Int("attempt", n),
			log.String("reason", out.Reason),
			log.Duration("latency", latency),
			log.Error(out.Err))
	}
}

// AllowRetry admits a client retry only while the breaker stays closed. A
// half-open trial gets exactly one request, and a failure that opened the
// breaker ends the call.
func (o *sourceObserver) AllowRetry() bool {
	if o.trial || o.dropped {
		return false
	}
	return o.breaker.State() == breaker.StateClosed
}
