// Package events delivers committed order events to subscribers. State
// changes write their events to the store's outbox in the same commit; the
// Relay drains that outbox in commit order, so every subscriber sees the
// events of one order in the order they happened.
package events

import (
	"context"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/retry"
)

// Subscriber receives every relayed event. Handle errors are retried by the
// relay's policy, then logged; the event is not redelivered.
type Subscriber interface {
	Name() string
	Handle(ctx context.Context, ev models.OrderEvent) error
}

// Outbox is the store side of the relay.
type Outbox interface {
	PendingEvents(ctx context.Context, limit int) ([]models.OrderEvent, error)
	MarkPublished(ctx context.Context, ids []int64) error
}

const defaultBatch = 200

type Relay struct {
	Outbox      Outbox
	Subscribers []Subscriber
	Retry       retry.Policy
	Logger      *slog.Logger
	Poll        time.Duration
	Batch       int

	kick chan struct{}
}

func NewRelay(outbox Outbox, policy retry.Policy, logger *slog.Logger, poll time.Duration, subs ...Subscriber) *Relay {
	return &Relay{
		Outbox:      outbox,
		Subscribers: subs,
		Retry:       policy,
		Logger:      logging.Component(logger, "events"),
		Poll:        poll,
		Batch:       defaultBatch,
		kick:        make(chan struct{}, 1),
	}
}

// Subscribe adds s. Call before Run.
func (r *Relay) Subscribe(s Subscriber) { r.Subscribers = append(r.Subscribers, s) }

// Kick asks Run to drain now instead of waiting for the next poll.
func (r *Relay) Kick() {
	select {
	case r.kick <- struct{}{}:
	default:
	}
}

// Drain delivers everything currently in the outbox and returns how many
// events were relayed.
func (r *Relay) Drain(ctx context.Context) (int, error) {
	total := 0
	for {
		var batch []models.OrderEvent
		err := r.Retry.Do(ctx, "outbox.pending", func(ctx context.Context) error {
			var err error
			batch, err = r.Outbox.PendingEvents(ctx, r.Batch)
			return err
		})
		if err != nil || len(batch) == 0 {
			return total, err
		}
		ids := make([]int64, 0, len(batch))
		for _, ev := range batch {
			r.deliver(ctx, ev)
			ids = append(ids, ev.ID)
		}
		err = r.Retry.Do(ctx, "outbox.mark_published", func(ctx context.Context) error {
			return r.Outbox.MarkPublished(ctx, ids)
		})
		if err != nil {
			return total, err
		}
		total += len(batch)
		if len(batch) < r.Batch {
			return total, nil
		}
	}
}

func (r *Relay) deliver(ctx context.Context, ev models.OrderEvent) {
	for _, s := range r.Subscribers {
		err := r.Retry.Do(ctx, "subscriber."+s.Name(), func(ctx context.Context) error {
			return s.Handle(ctx, ev)
		})
		if err != nil {
			observability.SubscriberErrors.WithLabelValues(s.Name()).Inc()
			r.Logger.Error("deliver event", "subscriber", s.Name(), "order_id", ev.OrderID, "seq", ev.Seq, "type", ev.Type, "error", err)
		}
	}
	observability.EventsRelayed.WithLabelValues(string(ev.Type)).Inc()
}

// Run drains on every poll tick or Kick until ctx ends, then drains once
// more so nothing committed before shutdown is left behind.
func (r *Relay) Run(ctx context.Context) {
	poll := r.Poll
	if poll <= 0 {
		poll = 250 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := r.Drain(final); err != nil {
				r.Logger.Error("final drain", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
		case <-r.kick:
		}
		if _, err := r.Drain(ctx); err != nil && ctx.Err() == nil {
			r.Logger.Error("drain outbox", "error", err)
		}
	}
}
