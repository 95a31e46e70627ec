package payments

import (
	"context"
	"log/slog"

	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
)

// Holder places one fee hold.
type Holder interface {
	Hold(ctx context.Context, h Hold) (string, error)
}

// FeeHold authorizes the cancellation fee of every order_cancelled event
// that carries one. The cancellation record id is the idempotency key, so a
// redelivered event does not hold twice.
type FeeHold struct {
	Holder   Holder
	Currency string
	Logger   *slog.Logger
}

func NewFeeHold(h Holder, currency string, logger *slog.Logger) *FeeHold {
	return &FeeHold{Holder: h, Currency: currency, Logger: logging.Component(logger, "payments")}
}

func (f *FeeHold) Name() string { return "stripe_fee_hold" }

func (f *FeeHold) Handle(ctx context.Context, ev models.OrderEvent) error {
	if ev.Type != models.EventOrderCancelled || ev.Amount <= 0 {
		return nil
	}
	cents := toCents(ev.Amount)
	id, err := f.Holder.Hold(ctx, Hold{
		AmountCents:    cents,
		Currency:       f.Currency,
		OrderID:        ev.OrderID,
		ChargedTo:      ev.ActorID,
		IdempotencyKey: "cancel-fee-" + ev.RecordID,
	})
	if err != nil {
		return err
	}
	f.Logger.Info("cancellation fee held", "order_id", ev.OrderID, "amount_cents", cents, "payment_intent", id)
	return nil
}
