// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/consent"
	"github.com/luxfi/mediation/pkg/gate"
	"github.com/luxfi/mediation/pkg/lifecycle"
	"github.com/luxfi/mediation/pkg/log"
	"github.com/luxfi/mediation/pkg/mediation"
	"github.com/luxfi/mediation/pkg/metric"
	"github.com/luxfi/mediation/pkg/waterfall"
)

// maxLoadWait bounds how long a ?wait=true load holds the request open
const maxLoadWait = 30 * time.Second

// Server exposes an engine over HTTP for diagnostics and remote control
type Server struct {
	engine  *mediation.Engine
	metrics *metric.Metrics
	log     log.Logger
	started time.Time
}

func NewServer(engine *mediation.Engine, m *metric.Metrics, logger log.Logger) *Server {
	return &Server{engine: engine, metrics: m, log: logger, started: time.Now()}
}

// Router wires every route
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.GetGatherer(), promhttp.HandlerOpts{})).Methods("GET")
	}

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/placements", s.handlePlacements).Methods("GET")
	v1.HandleFunc("/placements/{id}/load", s.handleLoad).Methods("POST")
	v1.HandleFunc("/placements/{id}/show", s.handleShow).Methods("POST")
	v1.HandleFunc("/placements/{id}/cancel", s.handleCancel).Methods("POST")
	v1.HandleFunc("/placements/{id}/ready", s.handleReady).Methods("GET")
	v1.HandleFunc("/placements/{id}/enabled", s.handleEnabled).Methods("PUT")
	v1.HandleFunc("/placements/{id}/debug", s.handleDebug).Methods("GET")
	v1.HandleFunc("/consent", s.handleConsent).Methods("PUT")

	v1.HandleFunc("/breakers", s.handleBreakers).Methods("GET")
	v1.HandleFunc("/telemetry", s.handleTelemetry).Methods("GET")
	v1.HandleFunc("/cache", s.handleCache).Methods("GET")
	v1.HandleFunc("/slo", s.handleSLO).Methods("GET")

	v1.HandleFunc("/killswitches", s.handleListSwitches).Methods("GET")
	v1.HandleFunc("/killswitches", s.handleActivateSwitch).Methods("POST")
	v1.HandleFunc("/killswitches/{scope}", s.handleDeactivateSwitch).Methods("DELETE")
	v1.HandleFunc("/killswitches/{scope}/{id}", s.handleDeactivateSwitch).Methods("DELETE")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "healthy",
		"uptime": time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) handlePlacements(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Placements())
}

// loadResponse is the JSON view of a settled load
type loadResponse struct {
	Placement string              `json:"placement"`
	Loaded    bool                `json:"loaded"`
	Source    string              `json:"source,omitempty"`
	Price     string              `json:"price,omitempty"`
	Currency  string              `json:"currency,omitempty"`
	Creative  string              `json:"creative_ref,omitempty"`
	TTL       string              `json:"ttl,omitempty"`
	Error     string              `json:"error,omitempty"`
	Trail     []waterfall.Attempt `json:"trail"`
}

func newLoadResponse(res lifecycle.LoadResult) loadResponse {
	out := loadResponse{Placement: res.Placement, Trail: res.Trail}
	if res.Err != nil {
		out.Error = res.Err.Error()
		return out
	}
	out.Loaded = true
	out.Source = res.Fill.SourceID
	out.Price = res.Fill.CPM().String()
	out.Currency = res.Fill.Currency
	out.Creative = res.Fill.CreativeRef
	out.TTL = res.TTL.String()
	return out
}

// handleLoad starts a load. With ?wait=true it blocks until the load
// settles; otherwise it answers 202 immediately.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var body struct {
		Format string `json:"format"`
	}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}
	format, ok := s.formatOf(id)
	if body.Format != "" {
		f, err := auction.ParseFormat(body.Format)
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
		format = f
	} else if !ok {
		writeError(w, http.StatusNotFound, mediation.ErrUnknownPlacement)
		return
	}

	task, err := s.engine.Load(id, format)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]string{"placement": id, "state": lifecycle.StateLoading.String()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), maxLoadWait)
	defer cancel()
	res, err := task.Wait(ctx)
	if err != nil {
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	status := http.StatusOK
	if res.Err != nil {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, newLoadResponse(res))
}

func (s *Server) formatOf(id string) (auction.Format, bool) {
	for _, p := range s.engine.Placements() {
		if p.ID == id {
			return p.Format, true
		}
	}
	return "", false
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Show(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"placement": id, "status": "shown"})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.engine.Cancel(id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, ok := s.formatOf(id); !ok {
		writeError(w, http.StatusNotFound, mediation.ErrUnknownPlacement)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"placement": id, "ready": s.engine.IsReady(id)})
}

func (s *Server) handleEnabled(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.Switchboard().SetDisabled(id, !body.Enabled)
	writeJSON(w, http.StatusOK, map[string]any{"placement": id, "enabled": body.Enabled})
}

// consentRequest mirrors the outbound consent fields. Absent keys stay
// unset.
type consentRequest struct {
	GDPRApplies     *bool   `json:"gdpr_applies"`
	GDPRConsent     *string `json:"gdpr_consent"`
	USPrivacy       *string `json:"us_privacy"`
	COPPA           *bool   `json:"coppa"`
	LimitAdTracking *bool   `json:"limit_ad_tracking"`
	PrivacySandbox  *bool   `json:"privacy_sandbox"`
}

func (c consentRequest) snapshot() consent.Snapshot {
	var opts []consent.Option
	if c.GDPRApplies != nil {
		opts = append(opts, consent.WithGDPRApplies(*c.GDPRApplies))
	}
	if c.GDPRConsent != nil {
		opts = append(opts, consent.WithTCFString(*c.GDPRConsent))
	}
	if c.USPrivacy != nil {
		opts = append(opts, consent.WithUSPrivacy(*c.USPrivacy))
	}
	if c.COPPA != nil {
		opts = append(opts, consent.WithCOPPA(*c.COPPA))
	}
	if c.LimitAdTracking != nil {
		opts = append(opts, consent.WithLimitAdTracking(*c.LimitAdTracking))
	}
	if c.PrivacySandbox != nil {
		opts = append(opts, consent.WithPrivacySandbox(*c.PrivacySandbox))
	}
	return consent.New(opts...)
}

func (s *Server) handleConsent(w http.ResponseWriter, r *http.Request) {
	var body consentRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	snap := body.snapshot()
	s.engine.SetConsent(snap)
	writeJSON(w, http.StatusOK, snap.Fields())
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Breakers())
}

func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Telemetry())
}

func (s *Server) handleSLO(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SLO())
}

// handleDebug returns the newest attempts for a placement; ?n limits them
func (s *Server) handleDebug(w http.ResponseWriter, r *http.Request) {
	n := 0
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed < 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid n %q", v))
			return
		}
		n = parsed
	}
	events, err := s.engine.Debug(mux.Vars(r)["id"], n)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleCache(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.CacheStats())
}

func (s *Server) handleListSwitches(w http.ResponseWriter, r *http.Request) {
	sb := s.engine.Switchboard()
	writeJSON(w, http.StatusOK, map[string]any{
		"switches": sb.Active(),
		"disabled": sb.Disabled(),
	})
}

func (s *Server) handleActivateSwitch(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Scope  string `json:"scope"`
		ID     string `json:"id"`
		Reason string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	scope, err := gate.ParseScope(body.Scope)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.engine.Switchboard().Activate(scope, body.ID, body.Reason); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.log.Warn("kill switch activated via api",
		log.String("scope", string(scope)),
		log.String("id", body.ID),
		log.String("reason", body.Reason))
	writeJSON(w, http.StatusCreated, s.engine.Switchboard().Active())
}

func (s *Server) handleDeactivateSwitch(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	scope, err := gate.ParseScope(vars["scope"])
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.engine.Switchboard().Deactivate(scope, vars["id"])
	w.WriteHeader(http.StatusNoContent)
}

// statusFor maps engine errors onto HTTP statuses
func statusFor(err error) int {
	switch {
	case errors.Is(err, mediation.ErrUnknownPlacement):
		return http.StatusNotFound
	case errors.Is(err, mediation.ErrFormatMismatch):
		return http.StatusBadRequest
	case errors.Is(err, auction.ErrNotInitialized):
		return http.StatusServiceUnavailable
	case gate.Blocked(err):
		return http.StatusForbidden
	case errors.Is(err, lifecycle.ErrLoadInFlight),
		errors.Is(err, lifecycle.ErrBusy),
		errors.Is(err, lifecycle.ErrNotReady):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{
		"error":  err.Error(),
		"reason": auction.Reason(err),
	})
}
