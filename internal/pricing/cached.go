package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
)

// CachedRouter memoises routes in a cache.Cache keyed by rounded coords.
// Cache failures are logged and never fail the lookup.
type CachedRouter struct {
	Next   Router
	Cache  cache.Cache
	TTL    time.Duration
	Logger *slog.Logger
}

func NewCachedRouter(next Router, c cache.Cache, ttl time.Duration, logger *slog.Logger) *CachedRouter {
	return &CachedRouter{Next: next, Cache: c, TTL: ttl, Logger: logging.Component(logger, "route_cache")}
}

func keyFor(a, b models.Coord) string {
	return "route:" + fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.5f,%.5f", c.Lat, c.Lon)
}

func (c *CachedRouter) Route(ctx context.Context, from, to models.Coord) (Route, error) {
	k := keyFor(from, to)
	if raw, ok, err := c.Cache.Get(ctx, k); err != nil {
		c.Logger.Warn("route cache get", "error", err)
	} else if ok {
		var r Route
		if json.Unmarshal(raw, &r) == nil {
			return r, nil
		}
	}
	r, err := c.Next.Route(ctx, from, to)
	if err != nil {
		return Route{}, err
	}
	raw, _ := json.Marshal(r)
	if err := c.Cache.Set(ctx, k, raw, c.TTL); err != nil {
		c.Logger.Warn("route cache set", "error", err)
	}
	return r, nil
}
