package cache

import (
	"context"
	"sync"
	"time"
)

// Cache is the swappable backing store for route lookups and rate-limit
// counters. Implementations must be safe for concurrent use.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Expire(ctx context.Context, key string) error
	// Incr bumps a counter that lives for window from its first increment
	// and returns the new count and the time left in the window.
	Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error)
}

type entry struct {
	v           []byte
	count       int64
	windowStart time.Time
	expires     time.Time
}

// Memory is an in-process Cache.
type Memory struct {
	mu    sync.Mutex
	store map[string]entry
	now   func() time.Time
}

// NewMemory creates an empty in-process cache. now may be nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{store: make(map[string]entry), now: now}
}

// Get returns cached value and true if present and not expired.
func (c *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[key]
	if !ok {
		return nil, false, nil
	}
	if !c.now().Before(e.expires) {
		delete(c.store, key)
		return nil, false, nil
	}
	return e.v, true, nil
}

func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	c.store[key] = entry{v: value, expires: c.now().Add(ttl)}
	c.mu.Unlock()
	return nil
}

func (c *Memory) Expire(_ context.Context, key string) error {
	c.mu.Lock()
	delete(c.store, key)
	c.mu.Unlock()
	return nil
}

func (c *Memory) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.store[key]
	if !ok || !now.Before(e.expires) {
		e = entry{windowStart: now, expires: now.Add(window)}
	}
	e.count++
	c.store[key] = e
	return e.count, e.expires.Sub(now), nil
}

// Sweep drops expired entries and returns how many were removed.
func (c *Memory) Sweep() int {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k, e := range c.store {
		if !now.Before(e.expires) {
			delete(c.store, k)
			n++
		}
	}
	return n
}

// Len is the number of live or not-yet-swept entries.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.store)
}
