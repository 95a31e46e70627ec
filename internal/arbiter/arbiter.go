// Package arbiter is the only code path that turns an offer into the
// accepted one. The decision is a single conditional store write, so
// concurrent callers (requesters, the expiry timer, other instances) cannot
// both win.
package arbiter

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/lifecycle"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	AcceptOffer(ctx context.Context, a storage.Acceptance) (*models.TripRequest, error)
}

type Service struct {
	Store  Store
	Retry  retry.Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func New(store Store, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{Store: store, Retry: policy, Logger: logging.Component(logger, "arbiter"), Now: time.Now}
}

// Accept is the manual path: only the requester or an admin, and only while
// the bidding window is open. Accepting the offer that already won returns
// the current request unchanged.
func (s *Service) Accept(ctx context.Context, requestID, offerID string, actor models.Actor) (*models.TripRequest, error) {
	var cur *models.TripRequest
	err := s.Retry.Do(ctx, "store.get_request", func(ctx context.Context) error {
		var err error
		cur, err = s.Store.GetRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != cur.RequesterID {
		return nil, &apperr.ForbiddenError{Msg: "only the requester may accept an offer"}
	}
	if cur.AcceptedOfferID == offerID && cur.Status != models.StatusCancelled {
		return cur, nil
	}
	if cur.Status.Biddable() && !s.Now().Before(cur.BiddingExpiresAt) {
		return nil, &apperr.ExpiredSessionError{RequestID: requestID}
	}
	return s.commit(ctx, requestID, offerID, actor)
}

// AutoAccept commits offerID on behalf of the system when a session expires.
func (s *Service) AutoAccept(ctx context.Context, requestID, offerID string) (*models.TripRequest, error) {
	return s.commit(ctx, requestID, offerID, models.SystemActor)
}

func (s *Service) commit(ctx context.Context, requestID, offerID string, actor models.Actor) (*models.TripRequest, error) {
	var (
		out    *models.TripRequest
		repeat bool
	)
	err := s.Retry.Do(ctx, "store.accept_offer", func(ctx context.Context) error {
		r, err := s.Store.AcceptOffer(ctx, storage.Acceptance{
			RequestID: requestID,
			OfferID:   offerID,
			From:      lifecycle.Predecessors(models.StatusAccepted),
			ActorID:   actor.ID,
			Now:       s.Now(),
		})
		out = r
		repeat = errors.Is(err, storage.ErrAlreadyAccepted)
		return s.translate(requestID, offerID, err)
	})
	if err != nil {
		return nil, err
	}
	if repeat {
		s.Logger.Debug("offer already accepted", "request_id", requestID, "offer_id", offerID, "actor", actor.ID)
		return out, nil
	}
	observability.Acceptances.WithLabelValues(string(actor.Role)).Inc()
	s.Logger.Info("offer accepted", "request_id", requestID, "offer_id", offerID, "worker_id", out.WorkerID, "price", out.FinalPrice, "actor", actor.ID)
	return out, nil
}

func (s *Service) translate(requestID, offerID string, err error) error {
	var mismatch *storage.StatusMismatchError
	switch {
	case err == nil, errors.Is(err, storage.ErrAlreadyAccepted):
		return nil
	case errors.As(err, &mismatch):
		observability.ArbiterConflicts.Inc()
		s.Logger.Info("accept lost", "request_id", requestID, "offer_id", offerID, "status", mismatch.Current.Status)
		return apperr.Conflict("request %s is %s", requestID, mismatch.Current.Status)
	case errors.Is(err, storage.ErrOfferNotPending):
		observability.ArbiterConflicts.Inc()
		return apperr.Conflict("offer %s is no longer pending", offerID)
	case errors.Is(err, storage.ErrWorkerBusy):
		observability.ArbiterConflicts.Inc()
		return apperr.Conflict("worker of offer %s is assigned elsewhere", offerID)
	}
	return err
}
