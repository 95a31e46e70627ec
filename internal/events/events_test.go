package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

type recorder struct {
	mu   sync.Mutex
	seen map[string][]int64
	fail int
}

func (r *recorder) Name() string { return "recorder" }

func (r *recorder) Handle(_ context.Context, ev models.OrderEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail > 0 {
		r.fail--
		return errors.New("transient")
	}
	if r.seen == nil {
		r.seen = map[string][]int64{}
	}
	r.seen[ev.OrderID] = append(r.seen[ev.OrderID], ev.Seq)
	return nil
}

func noWait() retry.Policy {
	p := retry.Default()
	p.Sleep = func(context.Context, time.Duration) error { return nil }
	return p
}

func seed(t *testing.T) *storage.MemoryStore {
	t.Helper()
	ctx := context.Background()
	now := time.Now()
	s := storage.NewMemoryStore()
	for _, id := range []string{"a", "b"} {
		require.NoError(t, s.CreateRequest(ctx, &models.TripRequest{ID: id, RequesterID: "u-" + id, Status: models.StatusPending, BiddingExpiresAt: now.Add(time.Minute)}, true))
	}
	_, err := s.OpenBidding(ctx, "a", 3000, now)
	require.NoError(t, err)
	_, err = s.OpenBidding(ctx, "b", 3000, now)
	require.NoError(t, err)
	_, err = s.InsertOffer(ctx, &models.Offer{ID: "o1", RequestID: "a", WorkerID: "w1", Price: 10, SubmittedAt: now})
	require.NoError(t, err)
	_, err = s.AcceptOffer(ctx, storage.Acceptance{RequestID: "a", OfferID: "o1", From: models.BiddableStatuses, Now: now})
	require.NoError(t, err)
	return s
}

func TestDrainDeliversInCommitOrder(t *testing.T) {
	s := seed(t)
	rec := &recorder{fail: 1}
	relay := NewRelay(s, noWait(), logging.Discard(), time.Second, rec)
	relay.Batch = 2

	n, err := relay.Drain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, []int64{1, 2, 3, 4, 5}, rec.seen["a"])
	assert.Equal(t, []int64{1, 2}, rec.seen["b"])

	left, _ := s.PendingEvents(context.Background(), 0)
	assert.Empty(t, left)
}

func TestHubRoutesByOrder(t *testing.T) {
	h := NewHub(4)
	subA := h.Subscribe("a", nil)
	defer subA.Close()
	subB := h.Subscribe("b", nil)

	require.NoError(t, h.Handle(context.Background(), models.OrderEvent{OrderID: "a", Seq: 1}))
	require.NoError(t, h.Handle(context.Background(), models.OrderEvent{OrderID: "b", Seq: 7}))

	assert.Equal(t, int64(1), (<-subA.Events()).Seq)
	assert.Equal(t, int64(7), (<-subB.Events()).Seq)

	subB.Close()
	subB.Close()
	_, open := <-subB.Events()
	assert.False(t, open)
	assert.Zero(t, h.Listeners("b"))
}

func TestHubDropsSlowListener(t *testing.T) {
	h := NewHub(1)
	sub := h.Subscribe("a", nil)
	defer sub.Close()
	for i := 1; i <= 3; i++ {
		require.NoError(t, h.Handle(context.Background(), models.OrderEvent{OrderID: "a", Seq: int64(i)}))
	}
	assert.Equal(t, int64(1), (<-sub.Events()).Seq)
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.False(t, sub.Ended())
	assert.Zero(t, h.Listeners("a"))
}

var biddable = &models.TripRequest{ID: "a", RequesterID: "alice", Status: models.StatusBiddingOpen}

func offerEvent(seq int64, typ models.EventType, worker string, amount float64) models.OrderEvent {
	return models.OrderEvent{OrderID: "a", Seq: seq, Type: typ, OfferID: "o-" + worker, WorkerID: worker, ActorID: worker, Amount: amount}
}

func drain(sub *Subscription) []models.OrderEvent {
	var out []models.OrderEvent
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestViewForParties(t *testing.T) {
	assert.Nil(t, ViewFor(models.Actor{ID: "alice", Role: models.RoleClient}, biddable))
	assert.Nil(t, ViewFor(models.Actor{ID: "root", Role: models.RoleAdmin}, biddable))
	assigned := *biddable
	assigned.Status, assigned.WorkerID = models.StatusAccepted, "w1"
	assert.Nil(t, ViewFor(models.Actor{ID: "w1", Role: models.RoleWorker}, &assigned))
	assert.NotNil(t, ViewFor(models.Actor{ID: "w2", Role: models.RoleWorker}, &assigned))
}

func TestBidderViewHidesCompetitors(t *testing.T) {
	h := NewHub(16)
	w2 := h.Subscribe("a", ViewFor(models.Actor{ID: "w2", Role: models.RoleWorker}, biddable))
	defer w2.Close()
	alice := h.Subscribe("a", nil)
	defer alice.Close()

	ctx := context.Background()
	for _, ev := range []models.OrderEvent{
		offerEvent(2, models.EventOfferReceived, "w1", 1102),
		offerEvent(3, models.EventOfferReceived, "w2", 1150),
		offerEvent(4, models.EventOfferUpdated, "w1", 1090),
		offerEvent(5, models.EventOfferAccepted, "w1", 1090),
		{OrderID: "a", Seq: 6, Type: models.EventStatusChanged, Status: models.StatusWorkerArrived, WorkerID: "w1"},
	} {
		require.NoError(t, h.Handle(ctx, ev))
	}

	got := drain(w2)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].Seq)
	assert.Equal(t, "w2", got[0].WorkerID)
	assert.Equal(t, 1150.0, got[0].Amount)
	assert.Equal(t, models.EventOfferAccepted, got[1].Type)
	for _, ev := range got[1:] {
		assert.Empty(t, ev.WorkerID)
		assert.Empty(t, ev.OfferID)
		assert.Empty(t, ev.ActorID)
		assert.Zero(t, ev.Amount)
	}
	assert.True(t, w2.Ended())
	assert.Len(t, drain(alice), 5)
}

func TestBidderViewOpensUpForWinner(t *testing.T) {
	h := NewHub(16)
	w1 := h.Subscribe("a", ViewFor(models.Actor{ID: "w1", Role: models.RoleWorker}, biddable))
	defer w1.Close()
	ctx := context.Background()
	require.NoError(t, h.Handle(ctx, offerEvent(2, models.EventOfferReceived, "w3", 900)))
	require.NoError(t, h.Handle(ctx, offerEvent(3, models.EventOfferAccepted, "w1", 1000)))
	require.NoError(t, h.Handle(ctx, models.OrderEvent{OrderID: "a", Seq: 4, Type: models.EventStatusChanged, Status: models.StatusAccepted, WorkerID: "w1", ActorID: "alice"}))

	got := drain(w1)
	require.Len(t, got, 2)
	assert.Equal(t, "w1", got[0].WorkerID)
	assert.Equal(t, "alice", got[1].ActorID)
	assert.False(t, w1.Ended())
}

func TestBidderViewEndsOnCancel(t *testing.T) {
	h := NewHub(4)
	w2 := h.Subscribe("a", ViewFor(models.Actor{ID: "w2", Role: models.RoleWorker}, biddable))
	require.NoError(t, h.Handle(context.Background(), models.OrderEvent{OrderID: "a", Seq: 2, Type: models.EventOrderCancelled, ActorID: "alice", Amount: 0, Reason: "changed plans", RecordID: "c1"}))

	got := drain(w2)
	require.Len(t, got, 1)
	assert.Equal(t, "changed plans", got[0].Reason)
	assert.Empty(t, got[0].RecordID)
	assert.True(t, w2.Ended())
	assert.Zero(t, h.Listeners("a"))
}

func TestRunDrainsOnKick(t *testing.T) {
	s := seed(t)
	rec := &recorder{}
	relay := NewRelay(s, noWait(), logging.Discard(), time.Hour, rec)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { relay.Run(ctx); close(done) }()

	relay.Kick()
	assert.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.seen["a"]) == 5
	}, time.Second, 10*time.Millisecond)
	cancel()
	<-done
}
