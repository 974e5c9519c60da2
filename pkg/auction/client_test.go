// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package auction

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prebid/openrtb/v20/openrtb2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/mediation/pkg/consent"
)

const validFill = `{
	"source_id": "admob",
	"price": {"micros": 2500000, "currency": "USD"},
	"creative_ref": "cr-42",
	"tracking_urls": ["https://t.example.com/imp"],
	"ttl_seconds": 600
}`

type recorder struct {
	mu       sync.Mutex
	outcomes []Outcome
}

func (r *recorder) ObserveAttempt(_ int, o Outcome, _ time.Duration) {
	r.mu.Lock()
	r.outcomes = append(r.outcomes, o)
	r.mu.Unlock()
}

func (r *recorder) all() []Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Outcome(nil), r.outcomes...)
}

func newTestClient(t *testing.T, url string, retries int, opts ...ClientOption) *Client {
	t.Helper()
	opts = append([]ClientOption{
		WithRetryPolicy(MaxRetries(retries)),
		WithRandSource(rand.NewSource(1)),
	}, opts...)
	c, err := NewClient(Config{Endpoint: url, AppID: "app-1", BackoffBase: time.Millisecond}, opts...)
	require.NoError(t, err)
	return c
}

func testRequest(opts ...RequestOption) Request {
	return NewRequest("home_inter", FormatInterstitial, opts...).ForSource("admob")
}

func TestExecute_StatusTaxonomy(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
		err    error
	}{
		{http.StatusNoContent, KindNoFill, ErrNoFill},
		{http.StatusBadRequest, KindError, ErrInvalidPlacement},
		{http.StatusNotFound, KindError, ErrInvalidPlacement},
		{http.StatusUnauthorized, KindError, ErrInvalidCredentials},
		{http.StatusForbidden, KindError, ErrInvalidCredentials},
		{http.StatusTooManyRequests, KindError, ErrRateLimited},
		{http.StatusInternalServerError, KindError, ErrServer},
		{http.StatusBadGateway, KindError, ErrServer},
		{http.StatusTeapot, KindError, ErrUnexpectedStatus},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			out := newTestClient(t, srv.URL, 0).Execute(context.Background(), testRequest(), time.Second, nil)
			require.Equal(t, tt.kind, out.Kind)
			require.ErrorIs(t, out.Err, tt.err)

			var se *StatusError
			if errors.As(out.Err, &se) {
				require.Equal(t, tt.status, se.Code)
			}
		})
	}
}

func TestExecute_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		_, _ = io.WriteString(w, validFill)
	}))
	defer srv.Close()

	out := newTestClient(t, srv.URL, 0).Execute(context.Background(), testRequest(), time.Second, nil)
	require.Equal(t, KindSuccess, out.Kind)
	require.NotNil(t, out.Fill)
	assert.Equal(t, "admob", out.Fill.SourceID)
	assert.Equal(t, int64(2500000), out.Fill.PriceMicros)
	assert.Equal(t, "USD", out.Fill.Currency)
	assert.Equal(t, 10*time.Minute, out.Fill.TTL)
	assert.Equal(t, "cr-42", out.Fill.CreativeRef)
	assert.Equal(t, []string{"https://t.example.com/imp"}, out.Fill.TrackingURLs)
	assert.True(t, out.Fill.CPM().Equal(decimal.RequireFromString("2.5")))
}

func TestDecodeFill_TTLSeconds(t *testing.T) {
	tests := []struct {
		name string
		ttl  string
		want time.Duration
	}{
		{"zero", "0", 0},
		{"regular", "600", 10 * time.Minute},
		{"at cap", "86400", MaxFillTTL},
		{"past duration range", "9300000000", MaxFillTTL},
		{"max int64", "9223372036854775807", MaxFillTTL},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fill, err := decodeFill([]byte(`{"source_id":"admob","price":{"micros":1,"currency":"USD"},"creative_ref":"cr","ttl_seconds":` + tt.ttl + `}`))
			require.NoError(t, err)
			assert.Equal(t, tt.want, fill.TTL)
		})
	}
}

func TestExecute_MalformedBodyIsErrorAndNotRetried(t *testing.T) {
	bodies := []string{
		`not json`,
		`{"price":{"micros":1,"currency":"USD"},"creative_ref":"c","ttl_seconds":1}`,
		`{"source_id":"a","creative_ref":"c","ttl_seconds":1}`,
		`{"source_id":"a","price":{"micros":1},"creative_ref":"c","ttl_seconds":1}`,
		`{"source_id":"a","price":{"micros":1,"currency":"USD"},"ttl_seconds":1}`,
		`{"source_id":"a","price":{"micros":1,"currency":"USD"},"creative_ref":"c"}`,
		`{"source_id":"a","price":{"micros":-1,"currency":"USD"},"creative_ref":"c","ttl_seconds":1}`,
	}

	for _, body := range bodies {
		var hits atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			hits.Add(1)
			_, _ = io.WriteString(w, body)
		}))

		out := newTestClient(t, srv.URL, 3).Execute(context.Background(), testRequest(), time.Second, nil)
		srv.Close()

		require.Equal(t, KindError, out.Kind, body)
		require.ErrorIs(t, out.Err, ErrMalformedResponse, body)
		require.Equal(t, int32(1), hits.Load(), body)
	}
}

func TestExecute_RetriesServerErrorThenSucceeds(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, validFill)
	}))
	defer srv.Close()

	rec := &recorder{}
	out := newTestClient(t, srv.URL, 1).Execute(context.Background(), testRequest(), time.Second, rec)

	require.Equal(t, KindSuccess, out.Kind)
	require.Equal(t, int32(2), hits.Load())

	observed := rec.all()
	require.Len(t, observed, 2)
	require.ErrorIs(t, observed[0].Err, ErrServer)
	require.Equal(t, KindSuccess, observed[1].Kind)
}

type vetoingRecorder struct {
	recorder
}

func (*vetoingRecorder) AllowRetry() bool { return false }

func TestExecute_RetryGateVetoes(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	rec := &vetoingRecorder{}
	out := newTestClient(t, srv.URL, 3).Execute(context.Background(), testRequest(), time.Second, rec)

	require.Equal(t, KindError, out.Kind)
	require.ErrorIs(t, out.Err, ErrServer)
	require.Equal(t, int32(1), hits.Load())
	require.Len(t, rec.all(), 1)
}

func TestExecute_DoesNotRetryClientErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	out := newTestClient(t, srv.URL, 3).Execute(context.Background(), testRequest(), time.Second, nil)
	require.ErrorIs(t, out.Err, ErrRateLimited)
	require.Equal(t, int32(1), hits.Load())
}

func TestExecute_RetryBoundedByMaxAttempts(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	rec := &recorder{}
	out := newTestClient(t, srv.URL, 2).Execute(context.Background(), testRequest(), time.Second, rec)
	require.ErrorIs(t, out.Err, ErrServer)
	require.Equal(t, int32(3), hits.Load())
	require.Len(t, rec.all(), 3)
}

func TestExecute_TimeoutReportedOnce(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	rec := &recorder{}
	out := newTestClient(t, srv.URL, 0).Execute(context.Background(), testRequest(), 30*time.Millisecond, rec)

	require.Equal(t, KindTimeout, out.Kind)
	require.Len(t, rec.all(), 1)
	require.Equal(t, KindTimeout, rec.all()[0].Kind)
}

type blockingDoer struct {
	release chan struct{}
}

func (b *blockingDoer) Do(*http.Request) (*http.Response, error) {
	<-b.release
	return nil, errors.New("released")
}

func TestExecute_HardDeadlineIgnoresTransport(t *testing.T) {
	doer := &blockingDoer{release: make(chan struct{})}
	defer close(doer.release)

	c := newTestClient(t, "http://auction.invalid", 0, WithHTTPClient(doer))

	start := time.Now()
	out := c.Execute(context.Background(), testRequest(), 25*time.Millisecond, nil)
	require.Equal(t, KindTimeout, out.Kind)
	require.Less(t, time.Since(start), time.Second)
}

type failingDoer struct {
	calls atomic.Int32
}

func (f *failingDoer) Do(*http.Request) (*http.Response, error) {
	f.calls.Add(1)
	return nil, errors.New("connection refused")
}

func TestExecute_TransportFailureIsRetried(t *testing.T) {
	doer := &failingDoer{}
	c := newTestClient(t, "http://auction.invalid", 1, WithHTTPClient(doer))

	out := c.Execute(context.Background(), testRequest(), time.Second, nil)
	require.Equal(t, KindError, out.Kind)
	require.ErrorIs(t, out.Err, ErrNetwork)
	require.Equal(t, ReasonNetworkError, out.Reason)
	require.Equal(t, int32(2), doer.calls.Load())
}

func TestExecute_CancelledAttemptIsNotObserved(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	rec := &recorder{}
	out := newTestClient(t, srv.URL, 1).Execute(ctx, testRequest(), 5*time.Second, rec)
	require.ErrorIs(t, out.Err, ErrCancelled)
	require.Empty(t, rec.all())
}

func TestExecute_BelowFloorIsNoFill(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, validFill)
	}))
	defer srv.Close()

	req := testRequest(WithFloor(decimal.RequireFromString("3.00")))
	out := newTestClient(t, srv.URL, 0).Execute(context.Background(), req, time.Second, nil)
	require.Equal(t, KindNoFill, out.Kind)
	require.Equal(t, ReasonBelowFloor, out.Reason)
}

func TestExecute_RequestBody(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	req := NewRequest("home_inter", FormatRewarded,
		WithRequestID("req-1"),
		WithFloor(decimal.RequireFromString("1.25")),
		WithConsent(consent.New(consent.WithGDPRApplies(true))),
		WithMetadata(map[string]string{"level": "3"}),
		WithDevice(openrtb2.Device{OS: "android", Make: "Google"}),
		WithSources([]string{"admob", "meta"}),
	).ForSource("meta")

	out := newTestClient(t, srv.URL, 0).Execute(context.Background(), req, 800*time.Millisecond, nil)
	require.Equal(t, KindNoFill, out.Kind)

	assert.Equal(t, "req-1", body["request_id"])
	assert.Equal(t, "app-1", body["app_id"])
	assert.Equal(t, "home_inter", body["placement_id"])
	assert.Equal(t, "rewarded", body["ad_format"])
	assert.Equal(t, "meta", body["source"])
	assert.Equal(t, []any{"admob", "meta"}, body["sources"])
	assert.Equal(t, "1.25", body["floor_price"])
	assert.Equal(t, float64(1250000), body["floor_micros"])
	assert.Equal(t, float64(800), body["timeout_ms"])
	assert.Equal(t, map[string]any{"level": "3"}, body["metadata"])
	assert.Equal(t, "1", body["gdpr_applies"])
	assert.NotContains(t, body, "gdpr_consent")
	assert.NotContains(t, body, "us_privacy")
	assert.NotContains(t, body, "coppa")
	assert.NotContains(t, body, "limit_ad_tracking")

	device, ok := body["device"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "android", device["os"])
}

func TestBackoff_Bounds(t *testing.T) {
	c, err := NewClient(Config{Endpoint: "http://x"}, WithRandSource(rand.NewSource(7)))
	require.NoError(t, err)

	for i := 0; i < 100; i++ {
		d0 := c.backoff(0)
		require.GreaterOrEqual(t, d0, 100*time.Millisecond)
		require.Less(t, d0, 200*time.Millisecond)

		d1 := c.backoff(1)
		require.GreaterOrEqual(t, d1, 200*time.Millisecond)
		require.Less(t, d1, 300*time.Millisecond)
	}
}

func TestNewClient_RequiresEndpoint(t *testing.T) {
	_, err := NewClient(Config{})
	require.ErrorIs(t, err, ErrNoEndpoint)
}

func TestReason(t *testing.T) {
	assert.Equal(t, "status_503", Reason(statusError(503)))
	assert.Equal(t, ReasonTimeout, Reason(context.DeadlineExceeded))
	assert.Equal(t, ReasonNoFill, Reason(ErrNoFill))
	assert.Equal(t, ReasonCircuitOpen, Reason(ErrCircuitOpen))
	assert.Equal(t, ReasonNetworkError, Reason(ErrNetwork))
	assert.Equal(t, ReasonError, Reason(errors.New("other")))
	assert.Equal(t, ReasonSuccess, Reason(nil))
}

func TestOutcome_Retryable(t *testing.T) {
	assert.True(t, TimedOut().Retryable())
	assert.True(t, Failed(ErrNetwork).Retryable())
	assert.True(t, Failed(statusError(500)).Retryable())
	assert.False(t, Failed(statusError(429)).Retryable())
	assert.False(t, Failed(statusError(400)).Retryable())
	assert.False(t, NoFill("").Retryable())
	assert.False(t, Success(Fill{}).Retryable())
}
