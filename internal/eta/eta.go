package eta

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Route is the road distance and travel time between two points.
type Route struct {
	DistanceM float64
	DurationS float64
}

func (r Route) DistanceKm() float64  { return r.DistanceM / 1000 }
func (r Route) DurationMin() float64 { return r.DurationS / 60 }

// Client is a routing backend such as OSRM.
type Client interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Route
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
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Route, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Route{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Route{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Route) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// detourFactor turns great-circle distance into a road distance guess.
const detourFactor = 1.3

// Naive route: great-circle distance with a detour factor at speedKmh.
func EstimateRoute(from, to models.Coord, speedKmh float64) Route {
	if speedKmh <= 0 {
		speedKmh = 30
	}
	d := geo.Haversine(from.Lat, from.Lon, to.Lat, to.Lon) * detourFactor
	return Route{DistanceM: d, DurationS: d / (speedKmh / 3.6)}
}

// Estimator answers route queries from the cache, then the client, then
// the naive estimate. It never fails.
type Estimator struct {
	Client   Client // optional
	Cache    *Cache // optional
	SpeedKmh float64
	Logger   *slog.Logger
}

func (e *Estimator) Route(ctx context.Context, from, to models.Coord) Route {
	if e.Cache != nil {
		if v, ok := e.Cache.Get(from, to); ok {
			return v
		}
	}
	if e.Client != nil {
		v, err := e.Client.Route(ctx, from, to)
		if err == nil {
			if e.Cache != nil {
				e.Cache.Set(from, to, v)
			}
			return v
		}
		if e.Logger != nil {
			e.Logger.Warn("routing backend failed, using naive estimate", "error", err)
		}
	}
	return EstimateRoute(from, to, e.SpeedKmh)
}
