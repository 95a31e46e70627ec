// Package pricing produces the estimated price a request opens its auction
// with. Routes come from OSRM when configured; a straight-line estimate
// stands in when the routing engine is absent or failing.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
)

type Estimate struct {
	Price     float64 `json:"price"`
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
}

// Estimator is what intake consumes.
type Estimator interface {
	Estimate(ctx context.Context, origin, dest models.Coord, class models.ServiceClass) (Estimate, error)
}

type Route struct {
	DistanceM float64 `json:"distance_m"`
	DurationS float64 `json:"duration_s"`
}

// Router resolves a driving route between two points.
type Router interface {
	Route(ctx context.Context, from, to models.Coord) (Route, error)
}

// TariffEstimator prices a route with the tariff of the service class.
type TariffEstimator struct {
	Router   Router
	Fallback Router
	Classes  map[models.ServiceClass]config.ClassConfig
	Retry    retry.Policy
	Logger   *slog.Logger
}

func NewTariffEstimator(router Router, classes map[models.ServiceClass]config.ClassConfig, policy retry.Policy, logger *slog.Logger) *TariffEstimator {
	return &TariffEstimator{
		Router:   router,
		Fallback: HaversineRouter{},
		Classes:  classes,
		Retry:    policy,
		Logger:   logging.Component(logger, "pricing"),
	}
}

func (e *TariffEstimator) Estimate(ctx context.Context, origin, dest models.Coord, class models.ServiceClass) (Estimate, error) {
	cc, ok := e.Classes[class]
	if !ok {
		return Estimate{}, fmt.Errorf("no tariff for service class %q", class)
	}
	route, err := e.route(ctx, origin, dest)
	if err != nil {
		return Estimate{}, err
	}
	return Estimate{Price: Price(cc.Tariff, route), DistanceM: route.DistanceM, DurationS: route.DurationS}, nil
}

func (e *TariffEstimator) route(ctx context.Context, origin, dest models.Coord) (Route, error) {
	if e.Router != nil {
		var r Route
		err := e.Retry.Do(ctx, "pricing.route", func(ctx context.Context) error {
			var err error
			r, err = e.Router.Route(ctx, origin, dest)
			return err
		})
		if err == nil {
			return r, nil
		}
		if ctx.Err() != nil || e.Fallback == nil {
			return Route{}, err
		}
		// fallback to naive estimator
		e.Logger.Warn("route lookup failed, using straight-line estimate", "error", err)
	}
	if e.Fallback == nil {
		return Route{}, fmt.Errorf("no router configured")
	}
	return e.Fallback.Route(ctx, origin, dest)
}

// Price applies t to r and rounds to whole currency units.
func Price(t config.Tariff, r Route) float64 {
	p := t.Base + t.PerKm*r.DistanceM/1000 + t.PerMin*r.DurationS/60
	return math.Round(math.Max(p, t.Minimum))
}
