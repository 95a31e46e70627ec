package lifecycle

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

var allStatuses = []models.Status{
	models.StatusPending, models.StatusBiddingOpen, models.StatusAccepted, models.StatusWorkerArrived,
	models.StatusInProgress, models.StatusCompleted, models.StatusCancelled,
}

func TestTerminalStatesRejectEverything(t *testing.T) {
	for _, from := range []models.Status{models.StatusCompleted, models.StatusCancelled} {
		for _, to := range allStatuses {
			assert.False(t, CanTransition(from, to, false), "%s -> %s", from, to)
			assert.False(t, CanTransition(from, to, true), "%s -> %s (override)", from, to)
		}
	}
}

func TestCancellationEdges(t *testing.T) {
	for _, from := range []models.Status{models.StatusPending, models.StatusBiddingOpen, models.StatusAccepted, models.StatusWorkerArrived} {
		assert.True(t, CanTransition(from, models.StatusCancelled, false), from)
	}
	assert.False(t, CanTransition(models.StatusInProgress, models.StatusCancelled, false))
	assert.True(t, CanTransition(models.StatusInProgress, models.StatusCancelled, true))
}

func TestNoBackwardsEdges(t *testing.T) {
	order := map[models.Status]int{}
	for i, s := range allStatuses[:6] {
		order[s] = i
	}
	for to, froms := range predecessors {
		if to == models.StatusCancelled {
			continue
		}
		for _, from := range froms {
			assert.Less(t, order[from], order[to], "%s -> %s", from, to)
		}
	}
}

func acceptedOrder(t *testing.T) (*storage.MemoryStore, string) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	s := storage.NewMemoryStore()
	r := &models.TripRequest{ID: "r1", RequesterID: "alice", Status: models.StatusPending, BiddingExpiresAt: now.Add(time.Minute), CreatedAt: now}
	require.NoError(t, s.CreateRequest(ctx, r, true))
	_, err := s.InsertOffer(ctx, &models.Offer{ID: "o1", RequestID: "r1", WorkerID: "w1", Price: 10, SubmittedAt: now})
	require.NoError(t, err)
	_, err = s.AcceptOffer(ctx, storage.Acceptance{RequestID: "r1", OfferID: "o1", From: Predecessors(models.StatusAccepted), Now: now})
	require.NoError(t, err)
	return s, "r1"
}

func TestAdvanceHappyPath(t *testing.T) {
	s, id := acceptedOrder(t)
	m := NewMachine(s, retry.Default(), logging.Discard())
	worker := models.Actor{ID: "w1", Role: models.RoleWorker}
	for _, to := range []models.Status{models.StatusWorkerArrived, models.StatusInProgress, models.StatusCompleted} {
		r, err := m.Advance(context.Background(), id, to, worker)
		require.NoError(t, err)
		assert.Equal(t, to, r.Status)
	}
	w, err := s.GetWorker(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, w.CurrentAssignment)
}

func TestAdvanceRejectsSkipsAndStrangers(t *testing.T) {
	s, id := acceptedOrder(t)
	m := NewMachine(s, retry.Default(), logging.Discard())

	_, err := m.Advance(context.Background(), id, models.StatusInProgress, models.Actor{ID: "w1", Role: models.RoleWorker})
	var it *apperr.InvalidTransitionError
	require.True(t, errors.As(err, &it))
	assert.Equal(t, "accepted", it.From)

	_, err = m.Advance(context.Background(), id, models.StatusWorkerArrived, models.Actor{ID: "w2", Role: models.RoleWorker})
	var fb *apperr.ForbiddenError
	assert.True(t, errors.As(err, &fb))

	_, err = m.Advance(context.Background(), id, models.StatusWorkerArrived, models.Actor{ID: "root", Role: models.RoleAdmin})
	require.NoError(t, err)

	_, err = m.Advance(context.Background(), id, models.StatusCancelled, models.Actor{ID: "root", Role: models.RoleAdmin})
	var ve *apperr.ValidationError
	assert.True(t, errors.As(err, &ve))
}

func TestAdvanceFromTerminal(t *testing.T) {
	s, id := acceptedOrder(t)
	m := NewMachine(s, retry.Default(), logging.Discard())
	_, err := s.CancelOrder(context.Background(), storage.CancelParams{OrderID: id, From: models.StatusAccepted, Record: models.CancellationRecord{ID: "c1", CreatedAt: time.Now()}})
	require.NoError(t, err)

	_, err = m.Advance(context.Background(), id, models.StatusWorkerArrived, models.Actor{ID: "root", Role: models.RoleAdmin})
	var it *apperr.InvalidTransitionError
	assert.True(t, errors.As(err, &it))
}
