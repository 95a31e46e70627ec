// Package intake validates and persists trip requests and kicks off the
// search for workers around the pickup.
package intake

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/locator"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

type Store interface {
	CreateRequest(ctx context.Context, r *models.TripRequest, singleOpen bool) error
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	OpenBidding(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error)
	RecordSearchExhausted(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error)
	ListBiddableInCells(ctx context.Context, cells []string, limit int) ([]models.TripRequest, error)
	GetWorker(ctx context.Context, id string) (*models.WorkerAvailability, error)
}

type Locator interface {
	Locate(ctx context.Context, origin models.Coord, class models.ServiceClass, radiusM float64) (locator.Result, error)
	NextRadius(current float64) float64
}

// Inviter tells located workers about a request they can bid on.
type Inviter interface {
	Invite(ctx context.Context, r *models.TripRequest, candidates []locator.Candidate) error
}

// Scheduler arms the expiry of a bidding window.
type Scheduler interface {
	Schedule(r *models.TripRequest)
}

type CreateInput struct {
	Origin       models.Place        `json:"origin"`
	Destination  models.Place        `json:"destination"`
	ServiceClass models.ServiceClass `json:"service_class"`
	ScheduledAt  *time.Time          `json:"scheduled_at,omitempty"`
}

const (
	searchTimeout = 30 * time.Second
	nearbyLimit   = 50
)

type Service struct {
	Store     Store
	Pricing   pricing.Estimator
	Locator   Locator
	Inviter   Inviter
	Scheduler Scheduler
	Config    config.ServerConfig
	Retry     retry.Policy
	Logger    *slog.Logger
	Now       func() time.Time

	wg sync.WaitGroup
}

func New(store Store, est pricing.Estimator, loc Locator, cfg config.ServerConfig, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{
		Store:   store,
		Pricing: est,
		Locator: loc,
		Config:  cfg,
		Retry:   policy,
		Logger:  logging.Component(logger, "intake"),
		Now:     time.Now,
	}
}

func (s *Service) validate(in CreateInput, now time.Time) error {
	verr := &apperr.ValidationError{}
	checkPlace := func(field string, p models.Place) {
		if strings.TrimSpace(p.Address) == "" {
			verr.Add(field+".address", "required")
		}
		if !geo.ValidCoord(p.Coord) {
			verr.Add(field, "coordinates out of range")
		}
	}
	checkPlace("origin", in.Origin)
	checkPlace("destination", in.Destination)
	if _, ok := s.Config.Classes[in.ServiceClass]; !ok {
		verr.Add("service_class", "unknown service class")
	}
	if in.ScheduledAt != nil && in.ScheduledAt.Before(now) {
		verr.Add("scheduled_at", "must not be in the past")
	}
	return verr.OrNil()
}

func canRequest(role models.Role) bool {
	return role == models.RoleClient || role == models.RolePartner || role == models.RoleAdmin
}

// CreateRequest validates in, prices it and persists it as pending. The
// worker search runs in the background; the caller gets the stored request.
func (s *Service) CreateRequest(ctx context.Context, actor models.Actor, in CreateInput) (*models.TripRequest, error) {
	if !canRequest(actor.Role) {
		return nil, &apperr.ForbiddenError{Msg: "sign in as a client to request a trip"}
	}
	now := s.Now()
	in.Origin.Address = strings.TrimSpace(in.Origin.Address)
	in.Destination.Address = strings.TrimSpace(in.Destination.Address)
	if err := s.validate(in, now); err != nil {
		return nil, err
	}

	est, err := s.Pricing.Estimate(ctx, in.Origin.Coord, in.Destination.Coord, in.ServiceClass)
	if err != nil {
		if apperr.IsDomain(err) {
			return nil, err
		}
		return nil, &apperr.ServiceUnavailableError{Op: "pricing", Err: err}
	}

	r := &models.TripRequest{
		ID:                 uuid.NewString(),
		RequesterID:        actor.ID,
		Origin:             in.Origin,
		Destination:        in.Destination,
		ServiceClass:       in.ServiceClass,
		EstimatedPrice:     est.Price,
		EstimatedDistanceM: est.DistanceM,
		EstimatedDurationS: est.DurationS,
		Status:             models.StatusPending,
		SearchRadiusM:      s.Config.RadiusFor(in.ServiceClass),
		OriginGeohash:      geo.Cell(in.Origin.Coord),
		ScheduledAt:        in.ScheduledAt,
		CreatedAt:          now,
		UpdatedAt:          now,
		BiddingExpiresAt:   now.Add(s.Config.WindowFor(in.ServiceClass)),
	}
	err = s.Retry.Do(ctx, "store.create_request", func(ctx context.Context) error {
		err := s.Store.CreateRequest(ctx, r, s.Config.SingleOpen)
		if errors.Is(err, storage.ErrOpenRequestExists) {
			return apperr.Conflict("requester %s already has an open request", actor.ID)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	observability.RequestsCreated.WithLabelValues(string(r.ServiceClass)).Inc()
	s.Logger.Info("request created", "request_id", r.ID, "class", r.ServiceClass, "estimate", r.EstimatedPrice)

	if s.Scheduler != nil {
		s.Scheduler.Schedule(r)
	}
	s.wg.Add(1)
	go func(r models.TripRequest) {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), searchTimeout)
		defer cancel()
		if _, err := s.search(ctx, &r, r.SearchRadiusM); err != nil {
			var nd *apperr.NoDriversAvailableError
			if !errors.As(err, &nd) {
				s.Logger.Error("candidate search", "request_id", r.ID, "error", err)
			}
		}
	}(*r)
	return r, nil
}

// Wait blocks until background searches finish.
func (s *Service) Wait() { s.wg.Wait() }

// search locates candidates for r starting at radius. Found candidates open
// the bidding session and are invited; an empty search records the
// exhausted radius so the requester can widen it.
func (s *Service) search(ctx context.Context, r *models.TripRequest, radius float64) (*models.TripRequest, error) {
	res, err := s.Locator.Locate(ctx, r.Origin.Coord, r.ServiceClass, radius)
	var nd *apperr.NoDriversAvailableError
	if errors.As(err, &nd) {
		updated, rerr := s.commit(ctx, r.ID, func(ctx context.Context) (*models.TripRequest, error) {
			return s.Store.RecordSearchExhausted(ctx, r.ID, nd.RadiusM, s.Now())
		})
		if rerr != nil {
			return nil, rerr
		}
		s.Logger.Info("search exhausted", "request_id", r.ID, "radius_m", nd.RadiusM)
		return updated, err
	}
	if err != nil {
		return nil, err
	}
	updated, err := s.commit(ctx, r.ID, func(ctx context.Context) (*models.TripRequest, error) {
		return s.Store.OpenBidding(ctx, r.ID, res.RadiusM, s.Now())
	})
	if err != nil {
		return nil, err
	}
	if updated.Status == models.StatusBiddingOpen && s.Inviter != nil {
		if err := s.Inviter.Invite(ctx, updated, res.Candidates); err != nil {
			s.Logger.Warn("invite candidates", "request_id", r.ID, "error", err)
		}
	}
	return updated, nil
}

// commit runs a pending-only write; if the request already left pending it
// returns the current request instead.
func (s *Service) commit(ctx context.Context, id string, write func(ctx context.Context) (*models.TripRequest, error)) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := s.Retry.Do(ctx, "store.search_outcome", func(ctx context.Context) error {
		r, err := write(ctx)
		var mismatch *storage.StatusMismatchError
		if errors.As(err, &mismatch) {
			out = mismatch.Current
			return nil
		}
		out = r
		return err
	})
	return out, err
}

// WidenSearch reruns the search of a pending request one step wider.
func (s *Service) WidenSearch(ctx context.Context, id string, actor models.Actor) (*models.TripRequest, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	if actor.ID != r.RequesterID && actor.Role != models.RoleAdmin {
		return nil, &apperr.ForbiddenError{Msg: "only the requester may widen the search"}
	}
	if r.Status != models.StatusPending {
		return nil, apperr.Conflict("request %s is %s", id, r.Status)
	}
	if !s.Now().Before(r.BiddingExpiresAt) {
		return nil, &apperr.ExpiredSessionError{RequestID: id}
	}
	return s.search(ctx, r, s.Locator.NextRadius(r.SearchRadiusM))
}

// GetRequest returns a request to a party of it, an admin, or a worker
// while bidding is open.
func (s *Service) GetRequest(ctx context.Context, id string, actor models.Actor) (*models.TripRequest, error) {
	r, err := s.get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch {
	case actor.Role == models.RoleAdmin, actor.ID == r.RequesterID, r.WorkerID != "" && actor.ID == r.WorkerID:
	case actor.Role == models.RoleWorker && r.Status.Biddable():
	default:
		return nil, &apperr.ForbiddenError{Msg: "not a party to this request"}
	}
	return r, nil
}

func (s *Service) get(ctx context.Context, id string) (*models.TripRequest, error) {
	var r *models.TripRequest
	err := s.Retry.Do(ctx, "store.get_request", func(ctx context.Context) error {
		var err error
		r, err = s.Store.GetRequest(ctx, id)
		return err
	})
	return r, err
}

// NearbyRequests lists open requests around the worker's last position that
// it can serve, closest first.
func (s *Service) NearbyRequests(ctx context.Context, actor models.Actor) ([]models.TripRequest, error) {
	if actor.Role != models.RoleWorker && actor.Role != models.RolePartner {
		return nil, &apperr.ForbiddenError{Msg: "only workers browse nearby requests"}
	}
	var (
		w    *models.WorkerAvailability
		list []models.TripRequest
	)
	err := s.Retry.Do(ctx, "store.nearby_requests", func(ctx context.Context) error {
		var err error
		if w, err = s.Store.GetWorker(ctx, actor.ID); err != nil {
			return err
		}
		list, err = s.Store.ListBiddableInCells(ctx, geo.CellAndNeighbors(w.Loc), nearbyLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	now := s.Now()
	out := list[:0]
	for _, r := range list {
		if w.Serves(r.ServiceClass) && now.Before(r.BiddingExpiresAt) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return geo.Distance(w.Loc, out[i].Origin.Coord) < geo.Distance(w.Loc, out[j].Origin.Coord)
	})
	return out, nil
}
