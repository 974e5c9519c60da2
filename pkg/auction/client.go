// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/luxfi/mediation/pkg/clock"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/metric"
)

const (
	DefaultBackoffBase = 100 * time.Millisecond
	DefaultMaxRetries  = 1
	DefaultTimeout     = 3 * time.Second

	maxResponseBytes = 1 << 20
)

var ErrNoEndpoint = errors.New("auction endpoint not configured")

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(*http.Request) (*http.Response, error)
}

// Observer is told about every attempt, retries included. attempt is 1-based.
type Observer interface {
	ObserveAttempt(attempt int, o Outcome, latency time.Duration)
}

// ObserverFunc adapts a function to Observer
type ObserverFunc func(attempt int, o Outcome, latency time.Duration)

func (f ObserverFunc) ObserveAttempt(attempt int, o Outcome, latency time.Duration) {
	f(attempt, o, latency)
}

// RetryGate is optionally implemented by an Observer. A retry the policy
// allows still waits for AllowRetry, which is asked after the failed attempt
// has been observed.
type RetryGate interface {
	AllowRetry() bool
}

// RetryPolicy decides, after attempts attempts, whether to try again.
type RetryPolicy interface {
	ShouldRetry(o Outcome, attempts int) bool
}

// MaxRetries retries retryable outcomes up to the given number of times
type MaxRetries int

func (m MaxRetries) ShouldRetry(o Outcome, attempts int) bool {
	return o.Retryable() && attempts <= int(m)
}

// Config holds the auction client settings
type Config struct {
	Endpoint    string
	AppID       string
	APIKey      string
	BackoffBase time.Duration
}

// Client executes auction requests with a hard per-attempt deadline and
// exponential backoff between retries.
type Client struct {
	endpoint string
	appID    string
	apiKey   string
	base     time.Duration

	http    Doer
	policy  RetryPolicy
	clock   clock.Clock
	log     log.Logger
	metrics *metric.Metrics

	rndMu sync.Mutex
	rnd   *rand.Rand
	sleep func(ctx context.Context, d time.Duration) error
}

// ClientOption configures a Client
type ClientOption func(*Client)

func WithHTTPClient(d Doer) ClientOption {
	return func(c *Client) { c.http = d }
}

func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) { c.policy = p }
}

func WithClock(clk clock.Clock) ClientOption {
	return func(c *Client) { c.clock = clk }
}

func WithLogger(l log.Logger) ClientOption {
	return func(c *Client) { c.log = l }
}

func WithMetrics(m *metric.Metrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// WithRandSource seeds the backoff jitter
func WithRandSource(src rand.Source) ClientOption {
	return func(c *Client) { c.rnd = rand.New(src) }
}

// NewClient creates a new auction client
func NewClient(cfg Config, opts ...ClientOption) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, ErrNoEndpoint
	}
	c := &Client{
		endpoint: cfg.Endpoint,
		appID:    cfg.AppID,
		apiKey:   cfg.APIKey,
		base:     cfg.BackoffBase,
		http:     http.DefaultClient,
		policy:   MaxRetries(DefaultMaxRetries),
		clock:    clock.New(),
		log:      log.NoOp(),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:    sleepContext,
	}
	if c.base <= 0 {
		c.base = DefaultBackoffBase
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Execute runs req against the auction endpoint. timeout is a hard deadline
// for each attempt regardless of the transport's own timeouts. Every attempt
// is reported to obs, except attempts abandoned because ctx was cancelled.
func (c *Client) Execute(ctx context.Context, req Request, timeout time.Duration, obs Observer) Outcome {
	if timeout <= 0 {
		timeout = req.Timeout()
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	payload, err := json.Marshal(NewRequestBody(req, c.appID, timeout))
	if err != nil {
		return Failed(fmt.Errorf("encode request: %w", err))
	}

	logger := c.log.With(log.String("placement", req.PlacementID()), log.String("source", req.Target()))

	for attempt := 0; ; attempt++ {
		start := c.clock.Now()
		out := c.attempt(ctx, payload, timeout)
		latency := c.clock.Now() - start

		if out.Kind != KindSuccess && errors.Is(ctx.Err(), context.Canceled) {
			return Failed(ErrCancelled)
		}
		if out.Kind == KindSuccess && out.Fill.CPM().LessThan(req.Floor()) {
			out = NoFill(ReasonBelowFloor)
		}

		if obs != nil {
			obs.ObserveAttempt(attempt+1, out, latency)
		}
		c.metrics.ObserveAttempt(req.Target(), out.Reason, latency)

		if out.Kind == KindSuccess || c.policy == nil || !c.policy.ShouldRetry(out, attempt+1) {
			return out
		}
		if gate, ok := obs.(RetryGate); ok && !gate.AllowRetry() {
			logger.Debug("retry vetoed", log.Int("attempt", attempt+1), log.String("reason", out.Reason))
			return out
		}

		delay := c.backoff(attempt)
		logger.Debug("retrying auction attempt",
			log.Int("attempt", attempt+1),
			log.String("reason", out.Reason),
			log.Duration("delay", delay))
		c.metrics.IncRetry(req.Target())

		if err := c.sleep(ctx, delay); err != nil {
			if errors.Is(err, context.Canceled) {
				return Failed(ErrCancelled)
			}
			return out
		}
	}
}

// backoff returns base * 2^attempt + uniform(0, base)
func (c *Client) backoff(attempt int) time.Duration {
	c.rndMu.Lock()
	jitter := time.Duration(c.rnd.Int63n(int64(c.base)))
	c.rndMu.Unlock()
	return c.base<<uint(attempt) + jitter
}

type response struct {
	status int
	body   []byte
	err    error
}

func (c *Client) attempt(parent context.Context, payload []byte, timeout time.Duration) Outcome {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return Failed(fmt.Errorf("%w: %v", ErrNetwork, err))
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	// The round trip runs on its own goroutine so the deadline holds even
	// when the transport ignores the request context.
	done := make(chan response, 1)
	go func() {
		resp, err := c.http.Do(httpReq)
		if err != nil {
			done <- response{err: err}
			return
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
		done <- response{status: resp.StatusCode, body: body, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(parent.Err(), context.Canceled) {
			return Failed(ErrCancelled)
		}
		return TimedOut()
	case r := <-done:
		if r.err != nil {
			return c.transportOutcome(ctx, parent, r.err)
		}
		return decodeResponse(r.status, r.body)
	}
}

func (c *Client) transportOutcome(ctx, parent context.Context, err error) Outcome {
	if errors.Is(parent.Err(), context.Canceled) {
		return Failed(ErrCancelled)
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return TimedOut()
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return TimedOut()
	}
	return Failed(fmt.Errorf("%w: %v", ErrNetwork, err))
}

func decodeResponse(status int, body []byte) Outcome {
	switch status {
	case http.StatusOK:
		fill, err := decodeFill(body)
		if err != nil {
			return Failed(err)
		}
		return Success(fill)
	case http.StatusNoContent:
		return NoFill(ReasonNoFill)
	default:
		return Failed(statusError(status))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
