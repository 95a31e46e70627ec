// Package locator finds the eligible workers closest to a pickup point,
// widening the search radius when nobody is around.
package locator

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/retry"
)

// Source returns a coarse superset of the workers within radiusM of center.
// The locator re-applies distance and every eligibility filter.
type Source interface {
	NearbyWorkers(ctx context.Context, center models.Coord, radiusM float64) ([]models.WorkerAvailability, error)
}

type Candidate struct {
	WorkerID  string       `json:"worker_id"`
	Loc       models.Coord `json:"loc"`
	DistanceM float64      `json:"distance_m"`
}

// Result is the outcome of a search; RadiusM is the radius that produced
// Candidates.
type Result struct {
	Candidates []Candidate
	RadiusM    float64
	Attempts   int
}

type Service struct {
	Source Source
	Config config.LocatorConfig
	Retry  retry.Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func New(src Source, cfg config.LocatorConfig, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{Source: src, Config: cfg, Retry: policy, Logger: logging.Component(logger, "locator"), Now: time.Now}
}

// Locate searches around origin starting at radiusM (the configured default
// when zero). Each empty attempt multiplies the radius by the configured
// factor, capped at the maximum radius. When every attempt comes back empty
// the result is *apperr.NoDriversAvailableError carrying the last radius.
func (s *Service) Locate(ctx context.Context, origin models.Coord, class models.ServiceClass, radiusM float64) (Result, error) {
	start := time.Now()
	defer func() { observability.LocatorLatency.Observe(time.Since(start).Seconds()) }()

	if radiusM <= 0 {
		radiusM = s.Config.DefaultRadiusM
	}
	attempts := s.Config.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	radius := s.clamp(radiusM)
	for i := 1; i <= attempts; i++ {
		cands, err := s.search(ctx, origin, class, radius)
		if err != nil {
			observability.LocatorSearches.WithLabelValues("error").Inc()
			return Result{}, err
		}
		if len(cands) > 0 {
			observability.LocatorSearches.WithLabelValues("found").Inc()
			s.Logger.Debug("candidates found", "radius_m", radius, "count", len(cands), "attempt", i)
			return Result{Candidates: cands, RadiusM: radius, Attempts: i}, nil
		}
		next := s.clamp(radius * s.factor())
		if next == radius {
			break
		}
		if i < attempts {
			radius = next
		}
	}
	observability.LocatorSearches.WithLabelValues("exhausted").Inc()
	s.Logger.Info("no candidates", "radius_m", radius, "class", class)
	return Result{RadiusM: radius}, &apperr.NoDriversAvailableError{RadiusM: radius}
}

// NextRadius is the radius a widened search starts at.
func (s *Service) NextRadius(current float64) float64 {
	return s.clamp(current * s.factor())
}

func (s *Service) factor() float64 {
	if s.Config.RadiusFactor <= 1 {
		return 1.5
	}
	return s.Config.RadiusFactor
}

func (s *Service) clamp(r float64) float64 {
	if s.Config.MaxRadiusM > 0 {
		return math.Min(r, s.Config.MaxRadiusM)
	}
	return r
}

func (s *Service) search(ctx context.Context, origin models.Coord, class models.ServiceClass, radius float64) ([]Candidate, error) {
	var workers []models.WorkerAvailability
	err := s.Retry.Do(ctx, "locator.nearby", func(ctx context.Context) error {
		var err error
		workers, err = s.Source.NearbyWorkers(ctx, origin, radius)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := make([]Candidate, 0, len(workers))
	for _, w := range workers {
		if !s.eligible(w, class, now) {
			continue
		}
		d := geo.Distance(origin, w.Loc)
		if d > radius {
			continue
		}
		out = append(out, Candidate{WorkerID: w.WorkerID, Loc: w.Loc, DistanceM: d})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].DistanceM != out[j].DistanceM {
			return out[i].DistanceM < out[j].DistanceM
		}
		return out[i].WorkerID < out[j].WorkerID
	})
	if k := s.Config.TopK; k > 0 && len(out) > k {
		out = out[:k]
	}
	return out, nil
}

// eligible: online, fresh ping, serves class, not assigned.
func (s *Service) eligible(w models.WorkerAvailability, class models.ServiceClass, now time.Time) bool {
	if !w.Online || w.CurrentAssignment != "" {
		return false
	}
	if s.Config.Staleness > 0 && now.Sub(w.LastPingAt) > s.Config.Staleness {
		return false
	}
	return w.Serves(class)
}
