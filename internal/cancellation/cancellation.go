// Package cancellation ends orders early and prices the damage.
package cancellation

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"

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
	CancelOrder(ctx context.Context, c storage.CancelParams) (*models.TripRequest, error)
}

// Fee returns the cancellation fee and the percentage applied for an order
// cancelled from status. Nothing is charged before a worker commits, or on
// an administrative override.
func Fee(status models.Status, base, percent float64, override bool) (fee, applied float64) {
	if override {
		return 0, 0
	}
	switch status {
	case models.StatusAccepted, models.StatusWorkerArrived:
		return math.Round(base*percent) / 100, percent
	}
	return 0, 0
}

type Service struct {
	Store      Store
	FeePercent float64
	Retry      retry.Policy
	Logger     *slog.Logger
	Now        func() time.Time
	// MaxRecompute bounds how often the fee is recomputed when the status
	// moves between the read and the conditional write.
	MaxRecompute int
}

func New(store Store, feePercent float64, policy retry.Policy, logger *slog.Logger) *Service {
	return &Service{
		Store:        store,
		FeePercent:   feePercent,
		Retry:        policy,
		Logger:       logging.Component(logger, "cancellation"),
		Now:          time.Now,
		MaxRecompute: 5,
	}
}

type Result struct {
	Request *models.TripRequest       `json:"request"`
	Record  models.CancellationRecord `json:"cancellation"`
}

// Cancel cancels orderID on behalf of actor. The requester, the assigned
// worker and admins may cancel; only admins may use override, which is the
// only way out of in_progress and waives the fee.
func (s *Service) Cancel(ctx context.Context, orderID string, actor models.Actor, reason string, override bool) (*Result, error) {
	reason = strings.TrimSpace(reason)
	if len(reason) > 500 {
		return nil, apperr.Invalid("reason", "too long")
	}
	if override && actor.Role != models.RoleAdmin {
		return nil, &apperr.ForbiddenError{Msg: "override requires the admin role"}
	}
	attempts := s.MaxRecompute
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		res, moved, err := s.attempt(ctx, orderID, actor, reason, override)
		if err != nil {
			return nil, err
		}
		if !moved {
			return res, nil
		}
		s.Logger.Debug("status moved during cancel, recomputing", "order_id", orderID, "attempt", i+1)
	}
	return nil, apperr.Conflict("order %s kept changing during cancellation", orderID)
}

func (s *Service) attempt(ctx context.Context, orderID string, actor models.Actor, reason string, override bool) (res *Result, moved bool, err error) {
	err = s.Retry.Do(ctx, "store.cancel_order", func(ctx context.Context) error {
		moved = false
		r, err := s.Store.GetRequest(ctx, orderID)
		if err != nil {
			return err
		}
		if !allowed(r, actor) {
			return &apperr.ForbiddenError{Msg: "not a party to this order"}
		}
		if !lifecycle.CanTransition(r.Status, models.StatusCancelled, override) {
			observability.InvalidTransitions.Inc()
			s.Logger.Warn("invalid transition", "order_id", orderID, "from", r.Status, "to", models.StatusCancelled)
			return &apperr.InvalidTransitionError{OrderID: orderID, From: string(r.Status), To: string(models.StatusCancelled)}
		}
		base := r.CommittedPrice()
		fee, pct := Fee(r.Status, base, s.FeePercent, override)
		rec := models.CancellationRecord{
			ID:          uuid.NewString(),
			InitiatorID: actor.ID,
			Reason:      reason,
			Fee:         fee,
			FeePercent:  pct,
			BasePrice:   base,
			Override:    override,
			CreatedAt:   s.Now(),
		}
		out, err := s.Store.CancelOrder(ctx, storage.CancelParams{OrderID: orderID, From: r.Status, Record: rec})
		var mismatch *storage.StatusMismatchError
		if errors.As(err, &mismatch) {
			moved = true
			return nil
		}
		if err != nil {
			return err
		}
		rec.OrderID = orderID
		rec.StatusAtCancel = r.Status
		res = &Result{Request: out, Record: rec}
		return nil
	})
	if err != nil || moved {
		return nil, moved, err
	}
	observability.Cancellations.WithLabelValues(string(res.Record.StatusAtCancel)).Inc()
	s.Logger.Info("order cancelled", "order_id", orderID, "from", res.Record.StatusAtCancel, "fee", res.Record.Fee, "actor", actor.ID, "override", override)
	return res, false, nil
}

func allowed(r *models.TripRequest, actor models.Actor) bool {
	switch {
	case actor.Role == models.RoleAdmin, actor.Role == models.RoleSystem:
		return true
	case actor.ID == r.RequesterID:
		return true
	case r.WorkerID != "" && actor.ID == r.WorkerID:
		return true
	}
	return false
}
