package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{Window: time.Minute, Create: 5, Payment: 10, Write: 30, Read: 120, PingPerSecond: 1, PingBurst: 5}
}

func newLimiter() (*Limiter, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(cache.NewMemory(clk.now), testConfig(), logging.Discard())
	l.Now = clk.now
	return l, clk
}

func TestSixthCreateIsRefused(t *testing.T) {
	l, clk := newLimiter()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(ctx, "alice", models.RoleClient, ClassCreate))
		clk.advance(4 * time.Second)
	}
	err := l.Allow(ctx, "alice", models.RoleClient, ClassCreate)
	var rl *apperr.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, 40*time.Second, rl.RetryAfter)

	// other identities and classes are unaffected
	assert.NoError(t, l.Allow(ctx, "bob", models.RoleClient, ClassCreate))
	assert.NoError(t, l.Allow(ctx, "alice", models.RoleClient, ClassRead))

	clk.advance(40 * time.Second)
	assert.NoError(t, l.Allow(ctx, "alice", models.RoleClient, ClassCreate))
}

func TestQuotaTiers(t *testing.T) {
	l, _ := newLimiter()
	assert.Equal(t, 1, l.Quota(ClassCreate, models.RoleAnonymous))
	assert.Equal(t, 5, l.Quota(ClassCreate, models.RoleClient))
	assert.Equal(t, 60, l.Quota(ClassWrite, models.RoleWorker))
	assert.Equal(t, 50, l.Quota(ClassPayment, models.RolePartner))
	assert.Equal(t, 2400, l.Quota(ClassRead, models.RoleAdmin))
	assert.Equal(t, 24, l.Quota(ClassRead, models.RoleAnonymous))
}

func TestSystemIsUnlimited(t *testing.T) {
	l, _ := newLimiter()
	for i := 0; i < 50; i++ {
		require.NoError(t, l.Allow(context.Background(), "system", models.RoleSystem, ClassCreate))
	}
}

func TestPingBucket(t *testing.T) {
	l, clk := newLimiter()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Allow(ctx, "w1", models.RoleWorker, ClassPing))
	}
	err := l.Allow(ctx, "w1", models.RoleWorker, ClassPing)
	var rl *apperr.RateLimitError
	require.True(t, errors.As(err, &rl))
	assert.Equal(t, time.Second, rl.RetryAfter)

	clk.advance(time.Second)
	assert.NoError(t, l.Allow(ctx, "w1", models.RoleWorker, ClassPing))

	clk.advance(10 * time.Minute)
	assert.Equal(t, 1, l.SweepPings(time.Minute))
}

type brokenCache struct{ cache.Cache }

func (brokenCache) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("redis: connection refused")
}

func TestFailsOpenOnCacheError(t *testing.T) {
	l := New(brokenCache{}, testConfig(), logging.Discard())
	assert.NoError(t, l.Allow(context.Background(), "alice", models.RoleClient, ClassCreate))
}
