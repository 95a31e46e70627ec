package pricing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/cache"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
)

type countingRouter struct {
	route Route
	err   error
	calls int
}

func (c *countingRouter) Route(context.Context, models.Coord, models.Coord) (Route, error) {
	c.calls++
	return c.route, c.err
}

var (
	a = models.Coord{Lat: 52.52, Lon: 13.405}
	b = models.Coord{Lat: 52.50, Lon: 13.45}
)

func noWait() retry.Policy {
	p := retry.Default()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func TestPriceAppliesMinimum(t *testing.T) {
	tariff := config.Tariff{Base: 100, PerKm: 50, PerMin: 10, Minimum: 500}
	assert.Equal(t, 500.0, Price(tariff, Route{DistanceM: 1000, DurationS: 60}))
	assert.Equal(t, 1100.0, Price(tariff, Route{DistanceM: 10000, DurationS: 3000}))
}

func TestEstimateUsesRouter(t *testing.T) {
	r := &countingRouter{route: Route{DistanceM: 10000, DurationS: 1200}}
	e := NewTariffEstimator(r, config.DefaultClasses(), noWait(), logging.Discard())
	est, err := e.Estimate(context.Background(), a, b, models.ClassEconomy)
	require.NoError(t, err)
	// 150 + 90*10 + 20*20
	assert.Equal(t, 1450.0, est.Price)
	assert.Equal(t, 10000.0, est.DistanceM)
}

func TestEstimateFallsBackAfterRetries(t *testing.T) {
	r := &countingRouter{err: errors.New("connection refused")}
	e := NewTariffEstimator(r, config.DefaultClasses(), noWait(), logging.Discard())
	est, err := e.Estimate(context.Background(), a, b, models.ClassComfort)
	require.NoError(t, err)
	assert.Equal(t, 3, r.calls)
	assert.Greater(t, est.DistanceM, 0.0)
	assert.GreaterOrEqual(t, est.Price, 800.0)
}

func TestEstimateUnknownClass(t *testing.T) {
	e := NewTariffEstimator(nil, config.DefaultClasses(), noWait(), logging.Discard())
	_, err := e.Estimate(context.Background(), a, b, models.ServiceClass("boat"))
	assert.Error(t, err)
}

func TestCachedRouter(t *testing.T) {
	r := &countingRouter{route: Route{DistanceM: 1, DurationS: 2}}
	c := NewCachedRouter(r, cache.NewMemory(time.Now), time.Minute, logging.Discard())
	for i := 0; i < 3; i++ {
		got, err := c.Route(context.Background(), a, b)
		require.NoError(t, err)
		assert.Equal(t, r.route, got)
	}
	assert.Equal(t, 1, r.calls)
}

func TestOSRMClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		assert.Contains(t, req.URL.Path, "/route/v1/driving/13.405000,52.520000;13.450000,52.500000")
		w.Write([]byte(`{"code":"Ok","routes":[{"duration":600.5,"distance":4200}]}`))
	}))
	defer srv.Close()

	got, err := NewOSRMClient(srv.URL).Route(context.Background(), a, b)
	require.NoError(t, err)
	assert.Equal(t, Route{DistanceM: 4200, DurationS: 600.5}, got)
}

func TestOSRMNoRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"code":"NoRoute","routes":[]}`))
	}))
	defer srv.Close()
	_, err := NewOSRMClient(srv.URL).Route(context.Background(), a, b)
	assert.Error(t, err)
}
