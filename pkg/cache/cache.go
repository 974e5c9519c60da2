// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/luxfi/mediation/pkg/auction"
	"github.com/luxfi/mediation/pkg/clock"
	"github.com/luxfi/mediation/pkg/metric"
)

const (
	DefaultMaxTTL = 60 * time.Minute
	DefaultMinTTL = 30 * time.Second
)

// Policy bounds the TTL of a cached fill
type Policy struct {
	// RefreshInterval is the placement refresh interval; zero disables the
	// 2x refresh bound.
	RefreshInterval time.Duration
	MaxTTL          time.Duration
	MinTTL          time.Duration
}

// TTL returns min(server, 2*refresh, max), floored at min. A server TTL of
// zero means the fill should not be kept and yields the floor. A
// non-positive refresh interval does not bound the result.
func (p Policy) TTL(server time.Duration) time.Duration {
	maxTTL, minTTL := p.MaxTTL, p.MinTTL
	if maxTTL <= 0 {
		maxTTL = DefaultMaxTTL
	}
	if minTTL <= 0 {
		minTTL = DefaultMinTTL
	}

	ttl := maxTTL
	if server < ttl {
		ttl = server
	}
	if p.RefreshInterval > 0 && 2*p.RefreshInterval < ttl {
		ttl = 2 * p.RefreshInterval
	}
	if ttl < minTTL {
		ttl = minTTL
	}
	return ttl
}

// Entry is a cached fill
type Entry struct {
	Fill     auction.Fill
	CachedAt time.Duration
	TTL      time.Duration
}

func (e *Entry) expired(now time.Duration) bool {
	return now >= e.CachedAt+e.TTL
}

// Stats counts cache activity
type Stats struct {
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	Expired uint64 `json:"expired"`
	Stores  uint64 `json:"stores"`
}

// Cache holds at most one live fill per placement. Entries live in a
// sync.Map so operations on one placement never wait on another, and every
// removal is a compare-and-delete against the exact entry that was read.
type Cache struct {
	policy  Policy
	clock   clock.Clock
	metrics *metric.Metrics

	entries sync.Map // placement id -> *Entry

	hits, misses, expired, stores atomic.Uint64
}

// New creates a new ad cache
func New(policy Policy, clk clock.Clock, m *metric.Metrics) *Cache {
	if clk == nil {
		clk = clock.New()
	}
	return &Cache{policy: policy, clock: clk, metrics: m}
}

// Policy returns the default TTL policy
func (c *Cache) Policy() Policy { return c.policy }

// Store replaces any entry for placement and returns the TTL applied
func (c *Cache) Store(placement string, fill auction.Fill) time.Duration {
	return c.StoreWith(placement, fill, c.policy)
}

// StoreWith is Store with placement-specific TTL bounds
func (c *Cache) StoreWith(placement string, fill auction.Fill, p Policy) time.Duration {
	ttl := p.TTL(fill.TTL)
	c.entries.Store(placement, &Entry{Fill: fill, CachedAt: c.clock.Now(), TTL: ttl})
	c.stores.Add(1)
	c.metrics.IncCache("store", "ok")
	return ttl
}

// Peek returns the live fill without consuming it. An expired entry is
// purged.
func (c *Cache) Peek(placement string) (auction.Fill, bool) {
	e, ok := c.live(placement, "peek")
	if !ok {
		return auction.Fill{}, false
	}
	c.hit("peek")
	return e.Fill, true
}

// Take returns the live fill and removes it. Of two concurrent takes only one
// observes the fill.
func (c *Cache) Take(placement string) (auction.Fill, bool) {
	for {
		e, ok := c.live(placement, "take")
		if !ok {
			return auction.Fill{}, false
		}
		if c.entries.CompareAndDelete(placement, e) {
			c.hit("take")
			return e.Fill, true
		}
		// lost to a concurrent take or store; look again
	}
}

// Remove drops any entry for placement
func (c *Cache) Remove(placement string) {
	c.entries.Delete(placement)
}

// Len counts entries, live or not yet purged
func (c *Cache) Len() int {
	n := 0
	c.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Stats returns a snapshot of the counters
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
		Expired: c.expired.Load(),
		Stores:  c.stores.Load(),
	}
}

func (c *Cache) live(placement, op string) (*Entry, bool) {
	v, ok := c.entries.Load(placement)
	if !ok {
		c.misses.Add(1)
		c.metrics.IncCache(op, "miss")
		return nil, false
	}
	e := v.(*Entry)
	if e.expired(c.clock.Now()) {
		c.entries.CompareAndDelete(placement, e)
		c.expired.Add(1)
		c.metrics.IncCache(op, "expired")
		return nil, false
	}
	return e, true
}

func (c *Cache) hit(op string) {
	c.hits.Add(1)
	c.metrics.IncCache(op, "hit")
}
