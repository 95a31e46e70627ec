// Package ratelimit enforces per-caller quotas on every externally
// reachable operation.
package ratelimit

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
)

// Class groups operations that share a quota.
type Class string

const (
	ClassCreate  Class = "create"
	ClassPayment Class = "payment"
	ClassWrite   Class = "write"
	ClassRead    Class = "read"
	ClassPing    Class = "ping"
)

var multipliers = map[models.Role]float64{
	models.RoleAnonymous: 0.2,
	models.RoleClient:    1,
	models.RoleWorker:    2,
	models.RolePartner:   5,
	models.RoleAdmin:     20,
}

// Limiter counts calls per (identity, class) in fixed windows kept in a
// cache.Cache, and throttles location pings with a token bucket per caller.
// Counters fail open: a cache outage never blocks traffic.
type Limiter struct {
	Cache  cache.Cache
	Config config.RateLimitConfig
	Logger *slog.Logger
	Now    func() time.Time

	mu    sync.Mutex
	pings map[string]*pingBucket
}

type pingBucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func New(c cache.Cache, cfg config.RateLimitConfig, logger *slog.Logger) *Limiter {
	return &Limiter{
		Cache:  c,
		Config: cfg,
		Logger: logging.Component(logger, "ratelimit"),
		Now:    time.Now,
		pings:  make(map[string]*pingBucket),
	}
}

// Quota returns the calls role may make per window in class.
func (l *Limiter) Quota(class Class, role models.Role) int {
	var base int
	switch class {
	case ClassCreate:
		base = l.Config.Create
	case ClassPayment:
		base = l.Config.Payment
	case ClassWrite:
		base = l.Config.Write
	default:
		base = l.Config.Read
	}
	m, ok := multipliers[role]
	if !ok {
		m = multipliers[models.RoleAnonymous]
	}
	q := int(math.Floor(float64(base) * m))
	if q < 1 {
		q = 1
	}
	return q
}

// Allow counts one call and returns *apperr.RateLimitError when identity is
// over its quota for class.
func (l *Limiter) Allow(ctx context.Context, identity string, role models.Role, class Class) error {
	if role == models.RoleSystem {
		return nil
	}
	if class == ClassPing {
		return l.allowPing(identity, role)
	}
	key := "rl:" + string(class) + ":" + identity
	window := l.Config.Window
	if window <= 0 {
		window = time.Minute
	}
	count, left, err := l.Cache.Incr(ctx, key, window)
	if err != nil {
		l.Logger.Warn("rate limit counter unavailable", "key", key, "error", err)
		return nil
	}
	if count > int64(l.Quota(class, role)) {
		observability.RateLimited.WithLabelValues(string(class), string(role)).Inc()
		return &apperr.RateLimitError{Key: key, RetryAfter: left}
	}
	return nil
}

func (l *Limiter) allowPing(identity string, role models.Role) error {
	now := l.Now()
	l.mu.Lock()
	b, ok := l.pings[identity]
	if !ok {
		burst := l.Config.PingBurst
		if burst <= 0 {
			burst = 1
		}
		b = &pingBucket{lim: rate.NewLimiter(rate.Limit(l.Config.PingPerSecond), burst)}
		l.pings[identity] = b
	}
	b.lastSeen = now
	l.mu.Unlock()

	r := b.lim.ReserveN(now, 1)
	if !r.OK() {
		observability.RateLimited.WithLabelValues(string(ClassPing), string(role)).Inc()
		return &apperr.RateLimitError{Key: "ping:" + identity, RetryAfter: time.Second}
	}
	if d := r.DelayFrom(now); d > 0 {
		r.CancelAt(now)
		observability.RateLimited.WithLabelValues(string(ClassPing), string(role)).Inc()
		return &apperr.RateLimitError{Key: "ping:" + identity, RetryAfter: d}
	}
	return nil
}

// SweepPings forgets ping buckets idle for longer than idle.
func (l *Limiter) SweepPings(idle time.Duration) int {
	cutoff := l.Now().Add(-idle)
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for id, b := range l.pings {
		if b.lastSeen.Before(cutoff) {
			delete(l.pings, id)
			n++
		}
	}
	return n
}

// Run evicts idle ping buckets, and expired counters of an in-process
// cache, every interval until ctx ends.
func (l *Limiter) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pings := l.SweepPings(interval)
			counters := 0
			if m, ok := l.Cache.(*cache.Memory); ok {
				counters = m.Sweep()
			}
			if pings+counters > 0 {
				l.Logger.Debug("rate limit sweep", "ping_buckets", pings, "counters", counters)
			}
		}
	}
}
