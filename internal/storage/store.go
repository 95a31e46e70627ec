package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/example/ride-bidding/internal/models"
)

// Store is the durable state of requests, offers, worker availability,
// cancellations and the order event outbox.
//
// Every mutating method is a single conditional write: it checks its
// precondition and applies all of its effects atomically, bumps the
// request's Version once per emitted event and appends those events to the
// outbox in the same commit.
type Store interface {
	CreateRequest(ctx context.Context, r *models.TripRequest, singleOpen bool) error
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	ListBiddableInCells(ctx context.Context, cells []string, limit int) ([]models.TripRequest, error)
	ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.TripRequest, error)

	OpenBidding(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error)
	RecordSearchExhausted(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error)
	Transition(ctx context.Context, t Transition) (*models.TripRequest, error)

	InsertOffer(ctx context.Context, o *models.Offer) (*models.TripRequest, error)
	UpdateOffer(ctx context.Context, u OfferUpdate) (*models.Offer, error)
	WithdrawOffer(ctx context.Context, offerID, workerID string, now time.Time) (*models.Offer, error)
	GetOffer(ctx context.Context, id string) (*models.Offer, error)
	ListOffers(ctx context.Context, requestID string) ([]models.Offer, error)

	AcceptOffer(ctx context.Context, a Acceptance) (*models.TripRequest, error)
	ExpireSession(ctx context.Context, id string, now time.Time) (*models.TripRequest, error)
	CancelOrder(ctx context.Context, c CancelParams) (*models.TripRequest, error)
	ListCancellations(ctx context.Context, orderID string) ([]models.CancellationRecord, error)

	UpsertWorker(ctx context.Context, p models.LocationPing) (bool, error)
	GetWorker(ctx context.Context, id string) (*models.WorkerAvailability, error)
	NearbyWorkers(ctx context.Context, center models.Coord, radiusM float64) ([]models.WorkerAvailability, error)

	PendingEvents(ctx context.Context, limit int) ([]models.OrderEvent, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

// Transition moves a request from one of From to To. Entering a terminal
// status releases the assigned worker in the same commit.
type Transition struct {
	ID      string
	From    []models.Status
	To      models.Status
	ActorID string
	Now     time.Time
}

type OfferUpdate struct {
	OfferID    string
	WorkerID   string
	Price      float64
	Message    string
	ETAMinutes int
	Now        time.Time
}

// Acceptance commits OfferID as the winner of RequestID if the request is
// still in one of From, the offer is pending and the worker is free.
type Acceptance struct {
	RequestID string
	OfferID   string
	From      []models.Status
	ActorID   string
	Now       time.Time
}

// CancelParams cancels OrderID only if it is still in From, the status the
// fee was computed against.
type CancelParams struct {
	OrderID string
	From    models.Status
	Record  models.CancellationRecord
}

var (
	ErrOpenRequestExists = errors.New("requester already has an open request")
	ErrDuplicateOffer    = errors.New("worker already has an active offer for this request")
	ErrSessionClosed     = errors.New("bidding session closed")
	ErrSessionOpen       = errors.New("bidding session not yet expired")
	ErrNotOwner          = errors.New("offer belongs to another worker")
	ErrOfferNotPending   = errors.New("offer is no longer pending")
	ErrWorkerBusy        = errors.New("worker is assigned to another order")
	// ErrAlreadyAccepted is returned with the current request when the same
	// offer was already committed; callers treat it as success.
	ErrAlreadyAccepted = errors.New("offer already accepted")
)

// StatusMismatchError reports a failed status precondition together with
// the current state.
type StatusMismatchError struct {
	Current *models.TripRequest
}

func (e *StatusMismatchError) Error() string {
	return fmt.Sprintf("request %s is %s", e.Current.ID, e.Current.Status)
}

func statusIn(s models.Status, set []models.Status) bool {
	for _, x := range set {
		if x == s {
			return true
		}
	}
	return false
}
