// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package main

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/log"
)

// Scenario is how the sandbox answers requests matching a key
type Scenario struct {
	Status      int           `json:"status"`
	Delay       time.Duration `json:"delay"`
	PriceMicros int64         `json:"price_micros"`
	TTLSeconds  int64         `json:"ttl_seconds"`
	Malformed   bool          `json:"malformed"`
}

var defaultScenario = Scenario{Status: http.StatusOK, PriceMicros: 1_000_000, TTLSeconds: 300}

// scenarioFor reads a scenario from a key naming convention:
//
//	nofill        204
//	status_<code> that status
//	slow_<ms>     a fill after ms milliseconds
//	malformed     200 with an unusable body
//
// Anything else fills immediately.
func scenarioFor(key string) (Scenario, bool) {
	switch {
	case key == "nofill":
		return Scenario{Status: http.StatusNoContent}, true
	case key == "malformed":
		return Scenario{Status: http.StatusOK, Malformed: true}, true
	case strings.HasPrefix(key, "status_"):
		code, err := strconv.Atoi(strings.TrimPrefix(key, "status_"))
		if err != nil || code < 100 || code > 599 {
			return Scenario{}, false
		}
		return Scenario{Status: code}, true
	case strings.HasPrefix(key, "slow_"):
		ms, err := strconv.Atoi(strings.TrimPrefix(key, "slow_"))
		if err != nil || ms < 0 {
			return Scenario{}, false
		}
		s := defaultScenario
		s.Delay = time.Duration(ms) * time.Millisecond
		return s, true
	}
	return Scenario{}, false
}

// Sandbox is a stub auction endpoint. Scenarios registered at runtime win
// over the naming convention; the source is consulted before the placement.
type Sandbox struct {
	log   log.Logger
	sleep func(time.Duration)

	mu        sync.RWMutex
	scenarios map[string]Scenario
	served    map[int]int
}

func NewSandbox(logger log.Logger) *Sandbox {
	return &Sandbox{
		log:       logger,
		sleep:     time.Sleep,
		scenarios: make(map[string]Scenario),
		served:    make(map[int]int),
	}
}

func (s *Sandbox) resolve(body auction.RequestBody) Scenario {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, key := range []string{body.Source, body.PlacementID} {
		if key == "" {
			continue
		}
		if sc, ok := s.scenarios[key]; ok {
			return sc
		}
		if sc, ok := scenarioFor(key); ok {
			return sc
		}
	}
	return defaultScenario
}

// Router serves the auction endpoint and scenario controls. CORS is open so
// browser-based test harnesses can drive it.
func (s *Sandbox) Router() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	config := cors.DefaultConfig()
	config.AllowAllOrigins = true
	config.AllowMethods = []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}
	config.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	router.Use(cors.New(config))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	v1 := router.Group("/v1")
	{
		v1.POST("/auction", s.handleAuction)
		v1.GET("/scenarios", s.listScenarios)
		v1.PUT("/scenarios/:key", s.putScenario)
		v1.DELETE("/scenarios/:key", s.deleteScenario)
		v1.GET("/stats", s.stats)
	}
	return router
}

func (s *Sandbox) handleAuction(c *gin.Context) {
	var body auction.RequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.record(http.StatusBadRequest)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	sc := s.resolve(body)

	if sc.Delay > 0 {
		s.sleep(sc.Delay)
	}
	s.record(sc.Status)
	s.log.Debug("sandbox auction",
		log.String("placement", body.PlacementID),
		log.String("source", body.Source),
		log.Int("status", sc.Status),
		log.Duration("delay", sc.Delay))

	switch {
	case sc.Status == http.StatusOK && sc.Malformed:
		c.Data(http.StatusOK, "application/json", []byte(`{"source_id":`))
	case sc.Status == http.StatusOK:
		price := sc.PriceMicros
		if price < body.FloorMicros {
			price = body.FloorMicros
		}
		source := body.Source
		if source == "" {
			source = "sandbox"
		}
		c.JSON(http.StatusOK, auction.NewResponseBody(auction.Fill{
			SourceID:     source,
			PriceMicros:  price,
			Currency:     "USD",
			TTL:          time.Duration(sc.TTLSeconds) * time.Second,
			CreativeRef:  uuid.NewString(),
			TrackingURLs: []string{"https://sandbox.invalid/imp/" + body.RequestID},
		}))
	case sc.Status == http.StatusNoContent:
		c.Status(http.StatusNoContent)
	default:
		c.JSON(sc.Status, gin.H{"error": http.StatusText(sc.Status)})
	}
}

func (s *Sandbox) record(status int) {
	s.mu.Lock()
	s.served[status]++
	s.mu.Unlock()
}

func (s *Sandbox) listScenarios(c *gin.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c.JSON(http.StatusOK, s.scenarios)
}

func (s *Sandbox) putScenario(c *gin.Context) {
	var sc Scenario
	if err := c.ShouldBindJSON(&sc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if sc.Status == 0 {
		sc.Status = http.StatusOK
	}
	if sc.Status < 100 || sc.Status > 599 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "status out of range"})
		return
	}
	s.mu.Lock()
	s.scenarios[c.Param("key")] = sc
	s.mu.Unlock()
	c.JSON(http.StatusOK, sc)
}

func (s *Sandbox) deleteScenario(c *gin.Context) {
	s.mu.Lock()
	delete(s.scenarios, c.Param("key"))
	s.mu.Unlock()
	c.Status(http.StatusNoContent)
}

func (s *Sandbox) stats(c *gin.Context) {
	s.mu.RLock()
	out := make(map[string]int, len(s.served))
	for code, n := range s.served {
		out[strconv.Itoa(code)] = n
	}
	s.mu.RUnlock()
	c.JSON(http.StatusOK, out)
}
