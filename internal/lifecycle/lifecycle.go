// Package lifecycle owns the order state machine: which status may follow
// which, and who may drive the worker-side edges.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

// predecessors lists, for every status, the statuses it may be entered from.
// in_progress -> cancelled is deliberately absent; see OverridePredecessors.
var predecessors = map[models.Status][]models.Status{
	models.StatusPending:       nil,
	models.StatusBiddingOpen:   {models.StatusPending},
	models.StatusAccepted:      {models.StatusPending, models.StatusBiddingOpen},
	models.StatusWorkerArrived: {models.StatusAccepted},
	models.StatusInProgress:    {models.StatusWorkerArrived},
	models.StatusCompleted:     {models.StatusInProgress},
	models.StatusCancelled: {
		models.StatusPending, models.StatusBiddingOpen, models.StatusAccepted, models.StatusWorkerArrived,
	},
}

// Predecessors returns the statuses from which to can be entered.
func Predecessors(to models.Status) []models.Status {
	return append([]models.Status(nil), predecessors[to]...)
}

// OverridePredecessors is Predecessors plus the administrative edges.
func OverridePredecessors(to models.Status) []models.Status {
	p := Predecessors(to)
	if to == models.StatusCancelled {
		p = append(p, models.StatusInProgress)
	}
	return p
}

// CanTransition reports whether from -> to is in the table.
func CanTransition(from, to models.Status, override bool) bool {
	set := predecessors[to]
	if override {
		set = OverridePredecessors(to)
	}
	for _, s := range set {
		if s == from {
			return true
		}
	}
	return false
}

// Transitioner is the store subset the machine writes through.
type Transitioner interface {
	GetRequest(ctx context.Context, id string) (*models.TripRequest, error)
	Transition(ctx context.Context, t storage.Transition) (*models.TripRequest, error)
}

// Machine drives the worker-side edges: worker_arrived, in_progress and
// completed.
type Machine struct {
	Store  Transitioner
	Retry  retry.Policy
	Logger *slog.Logger
	Now    func() time.Time
}

func NewMachine(store Transitioner, policy retry.Policy, logger *slog.Logger) *Machine {
	return &Machine{Store: store, Retry: policy, Logger: logging.Component(logger, "lifecycle"), Now: time.Now}
}

var advanceable = map[models.Status]bool{
	models.StatusWorkerArrived: true,
	models.StatusInProgress:    true,
	models.StatusCompleted:     true,
}

// Advance moves the order to to. Only the assigned worker or an admin may
// call it, and only for the worker-driven statuses.
func (m *Machine) Advance(ctx context.Context, id string, to models.Status, actor models.Actor) (*models.TripRequest, error) {
	if !advanceable[to] {
		return nil, apperr.Invalid("status", "must be one of worker_arrived, in_progress, completed")
	}
	var out *models.TripRequest
	err := m.Retry.Do(ctx, "store.transition", func(ctx context.Context) error {
		cur, err := m.Store.GetRequest(ctx, id)
		if err != nil {
			return err
		}
		if actor.Role != models.RoleAdmin && (cur.WorkerID == "" || cur.WorkerID != actor.ID) {
			return &apperr.ForbiddenError{Msg: "only the assigned worker may advance this order"}
		}
		if !CanTransition(cur.Status, to, false) {
			return m.reject(id, cur.Status, to)
		}
		r, err := m.Store.Transition(ctx, storage.Transition{
			ID: id, From: []models.Status{cur.Status}, To: to, ActorID: actor.ID, Now: m.Now(),
		})
		var mismatch *storage.StatusMismatchError
		if errors.As(err, &mismatch) {
			return m.reject(id, mismatch.Current.Status, to)
		}
		if err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.Logger.Info("order advanced", "order_id", id, "status", out.Status, "actor", actor.ID)
	return out, nil
}

func (m *Machine) reject(id string, from, to models.Status) error {
	observability.InvalidTransitions.Inc()
	m.Logger.Warn("invalid transition", "order_id", id, "from", from, "to", to)
	return &apperr.InvalidTransitionError{OrderID: id, From: string(from), To: string(to)}
}
