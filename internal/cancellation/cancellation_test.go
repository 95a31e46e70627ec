package cancellation

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

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

var requester = models.Actor{ID: "alice", Role: models.RoleClient}

func TestFeeTable(t *testing.T) {
	cases := []struct {
		status   models.Status
		override bool
		want     float64
	}{
		{models.StatusPending, false, 0},
		{models.StatusBiddingOpen, false, 0},
		{models.StatusAccepted, false, 120},
		{models.StatusWorkerArrived, false, 120},
		{models.StatusInProgress, true, 0},
		{models.StatusAccepted, true, 0},
	}
	for _, c := range cases {
		fee, _ := Fee(c.status, 1200, 10, c.override)
		assert.Equal(t, c.want, fee, "%s override=%v", c.status, c.override)
	}
}

func acceptedOrder(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateRequest(ctx, &models.TripRequest{
		ID: "r1", RequesterID: "alice", Status: models.StatusPending, EstimatedPrice: 1000,
		CreatedAt: t0, BiddingExpiresAt: t0.Add(time.Minute),
	}, true))
	_, err := s.InsertOffer(ctx, &models.Offer{ID: "o1", RequestID: "r1", WorkerID: "w1", Price: 900, SubmittedAt: t0})
	require.NoError(t, err)
	_, err = s.InsertOffer(ctx, &models.Offer{ID: "o2", RequestID: "r1", WorkerID: "w2", Price: 950, SubmittedAt: t0})
	require.NoError(t, err)
	_, err = s.AcceptOffer(ctx, storage.Acceptance{RequestID: "r1", OfferID: "o1", From: models.BiddableStatuses, Now: t0})
	require.NoError(t, err)
	return s
}

func newService(s Store) *Service {
	svc := New(s, 10, retry.Default(), logging.Discard())
	svc.Now = func() time.Time { return t0.Add(time.Minute) }
	return svc
}

func TestCancelAcceptedChargesFeeAndReleasesWorker(t *testing.T) {
	ctx := context.Background()
	s := acceptedOrder(t)
	res, err := newService(s).Cancel(ctx, "r1", requester, "changed plans", false)
	require.NoError(t, err)

	assert.Equal(t, models.StatusCancelled, res.Request.Status)
	assert.Equal(t, 90.0, res.Record.Fee)
	assert.Equal(t, 900.0, res.Record.BasePrice)
	assert.Equal(t, models.StatusAccepted, res.Record.StatusAtCancel)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, w.CurrentAssignment)

	recs, _ := s.ListCancellations(ctx, "r1")
	require.Len(t, recs, 1)
	assert.Equal(t, res.Record.ID, recs[0].ID)
}

func TestCancelPendingIsFree(t *testing.T) {
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateRequest(ctx, &models.TripRequest{ID: "r1", RequesterID: "alice", Status: models.StatusPending, EstimatedPrice: 1000, BiddingExpiresAt: t0.Add(time.Minute)}, true))
	_, err := s.InsertOffer(ctx, &models.Offer{ID: "o1", RequestID: "r1", WorkerID: "w1", Price: 900, SubmittedAt: t0})
	require.NoError(t, err)

	res, err := newService(s).Cancel(ctx, "r1", requester, "", false)
	require.NoError(t, err)
	assert.Zero(t, res.Record.Fee)
	o, _ := s.GetOffer(ctx, "o1")
	assert.Equal(t, models.OfferRejected, o.Status)
}

func TestCancelInProgressNeedsOverride(t *testing.T) {
	ctx := context.Background()
	s := acceptedOrder(t)
	for _, step := range []struct{ from, to models.Status }{
		{models.StatusAccepted, models.StatusWorkerArrived},
		{models.StatusWorkerArrived, models.StatusInProgress},
	} {
		_, err := s.Transition(ctx, storage.Transition{ID: "r1", From: []models.Status{step.from}, To: step.to, Now: t0})
		require.NoError(t, err)
	}
	svc := newService(s)

	_, err := svc.Cancel(ctx, "r1", requester, "", false)
	var it *apperr.InvalidTransitionError
	require.True(t, errors.As(err, &it))

	_, err = svc.Cancel(ctx, "r1", requester, "", true)
	var fb *apperr.ForbiddenError
	require.True(t, errors.As(err, &fb))

	res, err := svc.Cancel(ctx, "r1", models.Actor{ID: "support", Role: models.RoleAdmin}, "safety", true)
	require.NoError(t, err)
	assert.Zero(t, res.Record.Fee)
	assert.True(t, res.Record.Override)

	_, err = svc.Cancel(ctx, "r1", requester, "", false)
	assert.True(t, errors.As(err, &it))
}

func TestCancelByStranger(t *testing.T) {
	s := acceptedOrder(t)
	_, err := newService(s).Cancel(context.Background(), "r1", models.Actor{ID: "bob", Role: models.RoleClient}, "", false)
	var fb *apperr.ForbiddenError
	assert.True(t, errors.As(err, &fb))
}

// racingStore advances the order once between the read and the write.
type racingStore struct {
	*storage.MemoryStore
	raced bool
}

func (r *racingStore) CancelOrder(ctx context.Context, c storage.CancelParams) (*models.TripRequest, error) {
	if !r.raced {
		r.raced = true
		_, err := r.MemoryStore.Transition(ctx, storage.Transition{ID: c.OrderID, From: []models.Status{models.StatusAccepted}, To: models.StatusWorkerArrived, Now: t0})
		if err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.CancelOrder(ctx, c)
}

func TestCancelRecomputesWhenStatusMoves(t *testing.T) {
	s := &racingStore{MemoryStore: acceptedOrder(t)}
	res, err := newService(s).Cancel(context.Background(), "r1", requester, "", false)
	require.NoError(t, err)
	assert.Equal(t, models.StatusWorkerArrived, res.Record.StatusAtCancel)
	assert.Equal(t, 90.0, res.Record.Fee)
}
