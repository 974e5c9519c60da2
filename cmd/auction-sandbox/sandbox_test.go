// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/log"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newSandboxServer(t *testing.T) (*Sandbox, *auction.Client) {
	t.Helper()
	sb := NewSandbox(log.NoOp())
	srv := httptest.NewServer(sb.Router())
	t.Cleanup(srv.Close)

	client, err := auction.NewClient(auction.Config{Endpoint: srv.URL + "/v1/auction", AppID: "sandbox-test"},
		auction.WithRetryPolicy(auction.MaxRetries(0)))
	require.NoError(t, err)
	return sb, client
}

func execute(client *auction.Client, placement, source string, timeout time.Duration) auction.Outcome {
	req := auction.NewRequest(placement, auction.FormatInterstitial,
		auction.WithFloor(decimal.RequireFromString("1.75")),
		auction.WithSources([]string{source}))
	return client.Execute(context.Background(), req.ForSource(source), timeout, nil)
}

func TestSandbox_Taxonomy(t *testing.T) {
	_, client := newSandboxServer(t)

	tests := []struct {
		source string
		kind   auction.Kind
		reason string
	}{
		{"admob", auction.KindSuccess, auction.ReasonSuccess},
		{"nofill", auction.KindNoFill, auction.ReasonNoFill},
		{"status_400", auction.KindError, "status_400"},
		{"status_401", auction.KindError, "status_401"},
		{"status_403", auction.KindError, "status_403"},
		{"status_404", auction.KindError, "status_404"},
		{"status_429", auction.KindError, "status_429"},
		{"status_500", auction.KindError, "status_500"},
		{"status_503", auction.KindError, "status_503"},
		{"malformed", auction.KindError, auction.ReasonMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.source, func(t *testing.T) {
			out := execute(client, "home_inter", tt.source, time.Second)
			assert.Equal(t, tt.kind, out.Kind)
			assert.Equal(t, tt.reason, out.Reason)
		})
	}
}

func TestSandbox_FillHonoursFloor(t *testing.T) {
	_, client := newSandboxServer(t)
	out := execute(client, "home_inter", "admob", time.Second)
	require.Equal(t, auction.KindSuccess, out.Kind)
	assert.Equal(t, int64(1_750_000), out.Fill.PriceMicros)
	assert.Equal(t, 300*time.Second, out.Fill.TTL)
	assert.NotEmpty(t, out.Fill.CreativeRef)
}

func TestSandbox_SlowTimesOut(t *testing.T) {
	_, client := newSandboxServer(t)
	out := execute(client, "home_inter", "slow_300", 30*time.Millisecond)
	assert.Equal(t, auction.KindTimeout, out.Kind)
	assert.Equal(t, auction.ReasonTimeout, out.Reason)
}

func TestSandbox_PlacementScenario(t *testing.T) {
	sb, _ := newSandboxServer(t)
	sc := sb.resolve(auction.RequestBody{PlacementID: "status_429"})
	assert.Equal(t, http.StatusTooManyRequests, sc.Status)

	// the source is consulted first
	sc = sb.resolve(auction.RequestBody{PlacementID: "status_429", Source: "nofill"})
	assert.Equal(t, http.StatusNoContent, sc.Status)

	sc = sb.resolve(auction.RequestBody{PlacementID: "status_9000"})
	assert.Equal(t, defaultScenario, sc)
}

func TestSandbox_RuntimeScenarios(t *testing.T) {
	sb, client := newSandboxServer(t)
	router := sb.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/scenarios/meta", strings.NewReader(`{"status":502}`)))
	require.Equal(t, http.StatusOK, w.Code)

	out := execute(client, "home_inter", "meta", time.Second)
	assert.Equal(t, "status_502", out.Reason)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/v1/scenarios/meta", strings.NewReader(`{"status":42}`)))
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/v1/scenarios/meta", nil))
	require.Equal(t, http.StatusNoContent, w.Code)

	out = execute(client, "home_inter", "meta", time.Second)
	assert.Equal(t, auction.KindSuccess, out.Kind)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/v1/stats", nil))
	var stats map[string]int
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats["502"])
	assert.Equal(t, 1, stats["200"])
}

func TestSandbox_BadBody(t *testing.T) {
	sb, _ := newSandboxServer(t)
	w := httptest.NewRecorder()
	sb.Router().ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/v1/auction", strings.NewReader(`{`)))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSandbox_CORSPreflight(t *testing.T) {
	sb, _ := newSandboxServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/v1/auction", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "POST")
	w := httptest.NewRecorder()
	sb.Router().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
}
