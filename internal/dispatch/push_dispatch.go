package dispatch

import (
	"context"
	"errors"
	"log/slog"

	"github.com/example/ride-bidding/internal/locator"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
)

// Pusher delivers a message outside the websocket channel.
type Pusher interface {
	Send(ctx context.Context, workerID string, msg Message) error
}

// PushDispatcher reaches a worker over its websocket when connected and
// falls back to Push otherwise. Undeliverable messages are logged; workers
// can still browse nearby requests.
type PushDispatcher struct {
	WS     *WSRegistry
	Push   Pusher
	Retry  retry.Policy
	Logger *slog.Logger
}

func NewPushDispatcher(ws *WSRegistry, push Pusher, policy retry.Policy, logger *slog.Logger) *PushDispatcher {
	return &PushDispatcher{WS: ws, Push: push, Retry: policy, Logger: logging.Component(logger, "dispatch")}
}

// Invite tells every candidate about a newly opened bidding session.
func (p *PushDispatcher) Invite(ctx context.Context, r *models.TripRequest, candidates []locator.Candidate) error {
	var errs []error
	for _, c := range candidates {
		if err := p.deliver(ctx, c.WorkerID, invitation(r, c.DistanceM)); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		p.Logger.Warn("invitations undelivered", "request_id", r.ID, "failed", len(errs), "total", len(candidates))
	}
	return nil
}

func (p *PushDispatcher) deliver(ctx context.Context, workerID string, msg Message) error {
	if p.WS != nil {
		err := p.WS.Send(workerID, msg)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrNoSession) {
			p.Logger.Debug("ws send failed", "worker_id", workerID, "error", err)
		}
	}
	if p.Push == nil {
		return ErrNoSession
	}
	return p.Retry.Do(ctx, "dispatch.push", func(ctx context.Context) error {
		return p.Push.Send(ctx, workerID, msg)
	})
}

func (p *PushDispatcher) Name() string { return "worker_push" }

// Handle notifies the winning worker, and the assigned worker of a
// cancelled order.
func (p *PushDispatcher) Handle(ctx context.Context, ev models.OrderEvent) error {
	if ev.WorkerID == "" {
		return nil
	}
	var msg Message
	switch ev.Type {
	case models.EventOfferAccepted:
		msg = Message{Kind: KindOfferAccepted, RequestID: ev.OrderID, OfferID: ev.OfferID, Status: models.StatusAccepted}
	case models.EventOrderCancelled:
		msg = Message{Kind: KindOrderClosed, RequestID: ev.OrderID, Status: models.StatusCancelled}
	default:
		return nil
	}
	if err := p.deliver(ctx, ev.WorkerID, msg); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
