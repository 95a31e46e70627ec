// Package engine is the request surface of the matching and bidding core.
// Every operation is rate limited per caller before it reaches its
// component, and every write nudges the event relay.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/arbiter"
	"github.com/example/ride-bidding/internal/bidding"
	"github.com/example/ride-bidding/internal/cancellation"
	"github.com/example/ride-bidding/internal/ingest"
	"github.com/example/ride-bidding/internal/intake"
	"github.com/example/ride-bidding/internal/lifecycle"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/ratelimit"
	"github.com/example/ride-bidding/internal/retry"
)

// Limiter admits or refuses one call.
type Limiter interface {
	Allow(ctx context.Context, identity string, role models.Role, class ratelimit.Class) error
}

// WorkerStore applies location pings to worker availability.
type WorkerStore interface {
	UpsertWorker(ctx context.Context, p models.LocationPing) (bool, error)
}

// PingMirror keeps a second copy of worker positions, e.g. Redis GEO.
type PingMirror interface {
	UpsertPing(ctx context.Context, p models.LocationPing) (bool, error)
}

// LocationPublisher hands pings to the location feed for cmd/consumer.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, p models.LocationPing) error
}

type Engine struct {
	Intake       *intake.Service
	Bidding      *bidding.Manager
	Arbiter      *arbiter.Service
	Lifecycle    *lifecycle.Machine
	Cancellation *cancellation.Service
	Limiter      Limiter

	Workers   WorkerStore
	Mirror    PingMirror
	Publisher LocationPublisher

	// Notify is called after every successful write, typically Relay.Kick.
	Notify func()
	Retry  retry.Policy
	Logger *slog.Logger

	mu     sync.Mutex
	online map[string]bool
}

func New(in *intake.Service, bm *bidding.Manager, arb *arbiter.Service, lc *lifecycle.Machine, cs *cancellation.Service, lim Limiter, workers WorkerStore, policy retry.Policy, logger *slog.Logger) *Engine {
	return &Engine{
		Intake:       in,
		Bidding:      bm,
		Arbiter:      arb,
		Lifecycle:    lc,
		Cancellation: cs,
		Limiter:      lim,
		Workers:      workers,
		Retry:        policy,
		Logger:       logging.Component(logger, "engine"),
		online:       make(map[string]bool),
	}
}

func (e *Engine) allow(ctx context.Context, actor models.Actor, class ratelimit.Class) error {
	if e.Limiter == nil {
		return nil
	}
	return e.Limiter.Allow(ctx, actor.ID, actor.Role, class)
}

func (e *Engine) wrote() {
	if e.Notify != nil {
		e.Notify()
	}
}

func (e *Engine) CreateRequest(ctx context.Context, actor models.Actor, in intake.CreateInput) (*models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassCreate); err != nil {
		return nil, err
	}
	r, err := e.Intake.CreateRequest(ctx, actor, in)
	if err == nil {
		e.wrote()
	}
	return r, err
}

func (e *Engine) GetRequest(ctx context.Context, actor models.Actor, id string) (*models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	return e.Intake.GetRequest(ctx, id, actor)
}

func (e *Engine) ListOffers(ctx context.Context, actor models.Actor, requestID string) ([]models.Offer, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	return e.Bidding.ListOffers(ctx, requestID, actor)
}

// BestOffer shows the requester the currently leading pending offer.
func (e *Engine) BestOffer(ctx context.Context, actor models.Actor, requestID string) (*models.Offer, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	r, err := e.Intake.GetRequest(ctx, requestID, actor)
	if err != nil {
		return nil, err
	}
	if actor.Role != models.RoleAdmin && actor.ID != r.RequesterID {
		return nil, &apperr.ForbiddenError{Msg: "only the requester sees the leading offer"}
	}
	return e.Bidding.BestOffer(ctx, requestID)
}

func (e *Engine) WidenSearch(ctx context.Context, actor models.Actor, id string) (*models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassCreate); err != nil {
		return nil, err
	}
	r, err := e.Intake.WidenSearch(ctx, id, actor)
	if r != nil {
		e.wrote()
	}
	return r, err
}

func (e *Engine) NearbyRequests(ctx context.Context, actor models.Actor) ([]models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassRead); err != nil {
		return nil, err
	}
	return e.Intake.NearbyRequests(ctx, actor)
}

func (e *Engine) SubmitOffer(ctx context.Context, actor models.Actor, requestID string, in bidding.OfferInput) (*models.Offer, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	o, err := e.Bidding.SubmitOffer(ctx, requestID, actor, in)
	if err == nil {
		e.wrote()
	}
	return o, err
}

func (e *Engine) UpdateOffer(ctx context.Context, actor models.Actor, offerID string, in bidding.OfferInput) (*models.Offer, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	o, err := e.Bidding.UpdateOffer(ctx, offerID, actor, in)
	if err == nil {
		e.wrote()
	}
	return o, err
}

func (e *Engine) WithdrawOffer(ctx context.Context, actor models.Actor, offerID string) (*models.Offer, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	o, err := e.Bidding.WithdrawOffer(ctx, offerID, actor)
	if err == nil {
		e.wrote()
	}
	return o, err
}

func (e *Engine) AcceptOffer(ctx context.Context, actor models.Actor, requestID, offerID string) (*models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	r, err := e.Arbiter.Accept(ctx, requestID, offerID, actor)
	if err == nil {
		e.Bidding.Unschedule(requestID)
		e.wrote()
	}
	return r, err
}

func (e *Engine) AdvanceOrder(ctx context.Context, actor models.Actor, id string, to models.Status) (*models.TripRequest, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassWrite); err != nil {
		return nil, err
	}
	r, err := e.Lifecycle.Advance(ctx, id, to, actor)
	if err == nil {
		e.wrote()
	}
	return r, err
}

func (e *Engine) CancelOrder(ctx context.Context, actor models.Actor, id, reason string, override bool) (*cancellation.Result, error) {
	if err := e.allow(ctx, actor, ratelimit.ClassPayment); err != nil {
		return nil, err
	}
	res, err := e.Cancellation.Cancel(ctx, id, actor, reason, override)
	if err == nil {
		e.Bidding.Unschedule(id)
		e.wrote()
	}
	return res, err
}

// ReportLocation takes a worker location ping. With a publisher configured
// the ping goes to the location feed; otherwise it is applied directly.
// Workers may only report for themselves.
func (e *Engine) ReportLocation(ctx context.Context, actor models.Actor, p models.LocationPing) (applied bool, err error) {
	switch actor.Role {
	case models.RoleWorker:
		if p.WorkerID == "" {
			p.WorkerID = actor.ID
		}
		if p.WorkerID != actor.ID {
			return false, &apperr.ForbiddenError{Msg: "workers report only their own location"}
		}
	case models.RolePartner, models.RoleAdmin, models.RoleSystem:
	default:
		return false, &apperr.ForbiddenError{Msg: "only workers report locations"}
	}
	if err := e.allow(ctx, actor, ratelimit.ClassPing); err != nil {
		return false, err
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now().UTC()
	}
	if err := ingest.ValidatePing(p); err != nil {
		return false, apperr.Invalid("ping", err.Error())
	}

	if e.Publisher != nil {
		err := e.Retry.Do(ctx, "kafka.publish_location", func(ctx context.Context) error {
			return e.Publisher.PublishLocation(ctx, p)
		})
		return err == nil, err
	}

	err = e.Retry.Do(ctx, "store.upsert_worker", func(ctx context.Context) error {
		var err error
		applied, err = e.Workers.UpsertWorker(ctx, p)
		return err
	})
	if err != nil {
		return false, err
	}
	if !applied {
		observability.PingsIgnored.Inc()
		return false, nil
	}
	e.trackOnline(p.WorkerID, p.Online)
	if e.Mirror != nil {
		if _, err := e.Mirror.UpsertPing(ctx, p); err != nil {
			e.Logger.Warn("mirror location ping", "worker_id", p.WorkerID, "error", err)
		}
	}
	return true, nil
}

func (e *Engine) trackOnline(workerID string, online bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if online {
		e.online[workerID] = true
	} else {
		delete(e.online, workerID)
	}
	observability.DriversOnline.Set(float64(len(e.online)))
}
