// Package cache implements the process-wide read cache with time based,
// lazily enforced invalidation.
package cache

import (
	"context"
	"sort"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/rzpsarthak13/likebatch/internal/core"
)

type entry struct {
	value    any
	storedAt time.Time
}

type metrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
}

func newMetrics(r prometheus.Registerer) *metrics {
	var m metrics

	m.hits = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_cache_hits_total",
		Help: "Read cache lookups served from the cache",
	})

	m.misses = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_cache_misses_total",
		Help: "Read cache lookups that found nothing fresh",
	})

	m.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "likebatch_cache_evictions_total",
		Help: "Expired entries removed from the read cache",
	})

	r.MustRegister(m.hits, m.misses, m.evictions)
	return &m
}

// Stats is a point in time view of the cache.
type Stats struct {
	Size   int      `json:"cache_size"`
	Hits   uint64   `json:"hits"`
	Misses uint64   `json:"misses"`
	Keys   []string `json:"cached_endpoints"`
	TTL    float64  `json:"ttl_seconds"`
}

// Cache maps keys to values for at most TTL after they were stored. An
// expired entry is dropped by the lookup that finds it, or by the sweeper
// when one is running. Writes to the primary store never invalidate it, so
// readers may see data up to TTL old.
type Cache struct {
	entries *xsync.MapOf[string, entry]
	ttl     time.Duration
	clock   core.Clock
	logger  *logrus.Entry
	metrics *metrics
	loads   singleflight.Group

	hits   atomic.Uint64
	misses atomic.Uint64
}

// New creates an empty cache. A nil clock uses the wall clock.
func New(ttl time.Duration, clock core.Clock, logger *logrus.Logger, registerer prometheus.Registerer) *Cache {
	if clock == nil {
		clock = core.SystemClock{}
	}
	return &Cache{
		entries: xsync.NewMapOf[string, entry](),
		ttl:     ttl,
		clock:   clock,
		logger:  logger.WithField("component", "read-cache"),
		metrics: newMetrics(registerer),
	}
}

// TTL returns the configured time to live.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

func (c *Cache) expired(e entry, now time.Time) bool {
	return now.Sub(e.storedAt) >= c.ttl
}

// Lookup returns the value stored under key if it is younger than TTL. An
// expired entry is removed.
func (c *Cache) Lookup(key string) (any, bool) {
	now := c.clock.Now()
	e, ok := c.entries.Load(key)
	if ok && !c.expired(e, now) {
		c.hits.Add(1)
		c.metrics.hits.Inc()
		return e.value, true
	}
	if ok {
		c.evict(key, now)
	}
	c.misses.Add(1)
	c.metrics.misses.Inc()
	return nil, false
}

// evict deletes key only if it is still expired, so a concurrent Store is
// never lost.
func (c *Cache) evict(key string, now time.Time) bool {
	evicted := false
	c.entries.Compute(key, func(old entry, loaded bool) (entry, bool) {
		if !loaded {
			return old, true
		}
		if c.expired(old, now) {
			evicted = true
			return old, true
		}
		return old, false
	})
	if evicted {
		c.metrics.evictions.Inc()
	}
	return evicted
}

// Store sets key to value, replacing any previous entry.
func (c *Cache) Store(key string, value any) {
	c.entries.Store(key, entry{value: value, storedAt: c.clock.Now()})
}

// Sweep removes every expired entry and returns how many were removed.
func (c *Cache) Sweep() int {
	now := c.clock.Now()
	var expired []string
	c.entries.Range(func(key string, e entry) bool {
		if c.expired(e, now) {
			expired = append(expired, key)
		}
		return true
	})
	removed := 0
	for _, key := range expired {
		if c.evict(key, now) {
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval until ctx is done.
func (c *Cache) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	c.logger.WithField("interval", interval).Info("cache sweeper started")
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cache sweeper stopped")
			return nil
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.WithField("removed", n).Debug("swept expired cache entries")
			}
		}
	}
}

// Len returns the number of entries, expired ones included.
func (c *Cache) Len() int {
	return c.entries.Size()
}

// Stats returns the current size, hit and miss counts and the cached keys.
func (c *Cache) Stats() Stats {
	keys := make([]string, 0, c.entries.Size())
	c.entries.Range(func(key string, _ entry) bool {
		keys = append(keys, key)
		return true
	})
	sort.Strings(keys)
	return Stats{
		Size:   len(keys),
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Keys:   keys,
		TTL:    c.ttl.Seconds(),
	}
}

