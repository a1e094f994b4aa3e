package routing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/trip-exchange/internal/geo"
	"github.com/example/trip-exchange/internal/models"
)

// Router is the interface used by fare quoting to get road distances.
type Router interface {
	DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  float64
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns the cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (float64, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return 0, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return 0, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v float64) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// StraightLineMeters is the great-circle fallback used when no routing
// backend is configured or the lookup fails.
func StraightLineMeters(from, to models.Coord) float64 {
	return geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon)
}

// Cached wraps a Router with the cache; misses fall through to inner.
type Cached struct {
	Inner Router
	Cache *Cache
}

func (c *Cached) DistanceMeters(ctx context.Context, from, to models.Coord) (float64, error) {
	if c.Cache != nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Inner.DistanceMeters(ctx, from, to)
	if err != nil {
		return 0, err
	}
	if c.Cache != nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
