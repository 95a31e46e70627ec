// Package bidding runs the time-boxed auction of a request: it admits,
// revises and withdraws offers and closes sessions when their window ends.
package bidding

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
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

type Store interface {
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	GetWorker(ctx context.Context, id string) (*models.WorkerAvailability, error)
	InsertOffer(ctx context.Context, o *models.Offer) (*models.TripRequest, error)
	UpdateOffer(ctx context.Context, u storage.OfferUpdate) (*models.Offer, error)
	WithdrawOffer(ctx context.Context, offerID, workerID string, now time.Time) (*models.Offer, error)
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]models.Offer, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.TripRequest, error)
	ExpireSession(ctx context.Context, id string, now time.Time) (*models.TripRequest, error)
}

// Acceptor commits a winner on behalf of the system.
type Acceptor interface {
	AutoAccept(ctx context.Context, requestID, offerID string) (*models.TripRequest, error)
}

type stopper interface{ Stop() bool }

// OfferInput is what a worker sends when bidding or revising a bid.
type OfferInput struct {
	Price      float64 `json:"price"`
	Message    string  `json:"message,omitempty"`
	ETAMinutes int     `json:"eta_minutes"`
}

const (
	maxMessageLen = 500
	sweepBatch    = 100
	expireTimeout = 10 * time.Second
)

type Manager struct {
	Store    Store
	Acceptor Acceptor
	Config   config.BiddingConfig
	Retry    retry.Policy
	Logger   *slog.Logger
	Now      func() time.Time
	// AfterFunc schedules expiry callbacks; time.AfterFunc unless replaced.
	AfterFunc func(d time.Duration, f func()) stopper

	mu     sync.Mutex
	timers map[string]stopper
}

func NewManager(store Store, acceptor Acceptor, cfg config.BiddingConfig, policy retry.Policy, logger *slog.Logger) *Manager {
	return &Manager{
		Store:    store,
		Acceptor: acceptor,
		Config:   cfg,
		Retry:    policy,
		Logger:   logging.Component(logger, "bidding"),
		Now:      time.Now,
		AfterFunc: func(d time.Duration, f func()) stopper {
			return time.AfterFunc(d, f)
		},
		timers: make(map[string]stopper),
	}
}

func canBid(role models.Role) bool {
	return role == models.RoleWorker || role == models.RolePartner || role == models.RoleAdmin
}

func (m *Manager) validate(r *models.TripRequest, in OfferInput) error {
	verr := &apperr.ValidationError{}
	lo, hi := m.Config.PriceBandMin*r.EstimatedPrice, m.Config.PriceBandMax*r.EstimatedPrice
	switch {
	case in.Price <= 0:
		verr.Add("price", "must be positive")
	case in.Price < lo-1e-9 || in.Price > hi+1e-9:
		verr.Add("price", "outside the allowed band")
	}
	if in.ETAMinutes < 0 {
		verr.Add("eta_minutes", "must not be negative")
	}
	if len(in.Message) > maxMessageLen {
		verr.Add("message", "too long")
	}
	return verr.OrNil()
}

func (m *Manager) refuse(reason string, err error) error {
	observability.OffersRejected.WithLabelValues(reason).Inc()
	return err
}

// SubmitOffer records a new pending offer from worker on request.
func (m *Manager) SubmitOffer(ctx context.Context, requestID string, worker models.Actor, in OfferInput) (*models.Offer, error) {
	if !canBid(worker.Role) {
		return nil, &apperr.ForbiddenError{Msg: "only workers may submit offers"}
	}
	in.Message = strings.TrimSpace(in.Message)
	var out *models.Offer
	err := m.Retry.Do(ctx, "store.insert_offer", func(ctx context.Context) error {
		r, err := m.Store.GetRequest(ctx, requestID)
		if err != nil {
			return err
		}
		now := m.Now()
		if !open(r, now) {
			return m.refuse("expired", &apperr.ExpiredSessionError{RequestID: requestID})
		}
		if err := m.validate(r, in); err != nil {
			return m.refuse("validation", err)
		}
		w, err := m.Store.GetWorker(ctx, worker.ID)
		if err != nil {
			return err
		}
		if w.CurrentAssignment != "" && w.CurrentAssignment != requestID {
			return m.refuse("busy", apperr.Conflict("worker %s is assigned to %s", worker.ID, w.CurrentAssignment))
		}
		o := &models.Offer{
			ID:          uuid.NewString(),
			RequestID:   requestID,
			WorkerID:    worker.ID,
			Price:       in.Price,
			Message:     in.Message,
			ETAMinutes:  in.ETAMinutes,
			SubmittedAt: now,
		}
		if !w.LastPingAt.IsZero() {
			o.DistanceM = geo.Distance(w.Loc, r.Origin.Coord)
		}
		_, err = m.Store.InsertOffer(ctx, o)
		switch {
		case errors.Is(err, storage.ErrDuplicateOffer):
			return m.refuse("duplicate", apperr.Conflict("worker %s already has an active offer on %s", worker.ID, requestID))
		case errors.Is(err, storage.ErrSessionClosed):
			return m.refuse("expired", &apperr.ExpiredSessionError{RequestID: requestID})
		case err != nil:
			return err
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	observability.OffersSubmitted.Inc()
	m.Logger.Info("offer submitted", "request_id", requestID, "offer_id", out.ID, "worker_id", out.WorkerID, "price", out.Price)
	return out, nil
}

// UpdateOffer revises a pending offer in place.
func (m *Manager) UpdateOffer(ctx context.Context, offerID string, worker models.Actor, in OfferInput) (*models.Offer, error) {
	in.Message = strings.TrimSpace(in.Message)
	var out *models.Offer
	err := m.Retry.Do(ctx, "store.update_offer", func(ctx context.Context) error {
		cur, err := m.Store.GetOffer(ctx, offerID)
		if err != nil {
			return err
		}
		if cur.WorkerID != worker.ID {
			return &apperr.ForbiddenError{Msg: "offer belongs to another worker"}
		}
		r, err := m.Store.GetRequest(ctx, cur.RequestID)
		if err != nil {
			return err
		}
		now := m.Now()
		if !open(r, now) {
			return &apperr.ExpiredSessionError{RequestID: r.ID}
		}
		if err := m.validate(r, in); err != nil {
			return m.refuse("validation", err)
		}
		o, err := m.Store.UpdateOffer(ctx, storage.OfferUpdate{
			OfferID: offerID, WorkerID: worker.ID, Price: in.Price, Message: in.Message, ETAMinutes: in.ETAMinutes, Now: now,
		})
		if err != nil {
			return offerError(offerID, r.ID, err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Logger.Info("offer updated", "offer_id", offerID, "price", out.Price)
	return out, nil
}

// WithdrawOffer retracts a pending offer; only its worker may do so.
func (m *Manager) WithdrawOffer(ctx context.Context, offerID string, worker models.Actor) (*models.Offer, error) {
	var out *models.Offer
	err := m.Retry.Do(ctx, "store.withdraw_offer", func(ctx context.Context) error {
		o, err := m.Store.WithdrawOffer(ctx, offerID, worker.ID, m.Now())
		if err != nil {
			return offerError(offerID, "", err)
		}
		out = o
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Logger.Info("offer withdrawn", "offer_id", offerID, "worker_id", worker.ID)
	return out, nil
}

func offerError(offerID, requestID string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotOwner):
		return &apperr.ForbiddenError{Msg: "offer belongs to another worker"}
	case errors.Is(err, storage.ErrOfferNotPending):
		return apperr.Conflict("offer %s is no longer pending", offerID)
	case errors.Is(err, storage.ErrSessionClosed):
		return &apperr.ExpiredSessionError{RequestID: requestID}
	}
	return err
}

// ListOffers shows the requester and admins every offer of a request; a
// worker sees only its own.
func (m *Manager) ListOffers(ctx context.Context, requestID string, actor models.Actor) ([]models.Offer, error) {
	var (
		r      *models.TripRequest
		offers []models.Offer
	)
	err := m.Retry.Do(ctx, "store.list_offers", func(ctx context.Context) error {
		var err error
		if r, err = m.Store.GetRequest(ctx, requestID); err != nil {
			return err
		}
		offers, err = m.Store.ListOffers(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if actor.Role == models.RoleAdmin || actor.ID == r.RequesterID {
		return offers, nil
	}
	if !canBid(actor.Role) {
		return nil, &apperr.ForbiddenError{Msg: "not a party to this request"}
	}
	own := make([]models.Offer, 0, 1)
	for _, o := range offers {
		if o.WorkerID == actor.ID {
			own = append(own, o)
		}
	}
	return own, nil
}

// BestOffer returns the leading pending offer, or nil when there is none.
func (m *Manager) BestOffer(ctx context.Context, requestID string) (*models.Offer, error) {
	ranked, err := m.ranked(ctx, requestID)
	if err != nil || len(ranked) == 0 {
		return nil, err
	}
	return &ranked[0], nil
}

// ranked lists pending offers best first.
func (m *Manager) ranked(ctx context.Context, requestID string) ([]models.Offer, error) {
	var offers []models.Offer
	err := m.Retry.Do(ctx, "store.list_offers", func(ctx context.Context) error {
		var err error
		offers, err = m.Store.ListOffers(ctx, requestID)
		return err
	})
	if err != nil {
		return nil, err
	}
	pending := offers[:0]
	for _, o := range offers {
		if o.Status == models.OfferPending {
			pending = append(pending, o)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return pending[i].Better(pending[j]) })
	return pending, nil
}

func open(r *models.TripRequest, now time.Time) bool {
	return r.Status.Biddable() && now.Before(r.BiddingExpiresAt)
}
