package arbiter

import (
	"context"
	"errors"
	"sync"
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

func setup(t *testing.T, offers int) (*Service, *storage.MemoryStore) {
	t.Helper()
	ctx := context.Background()
	s := storage.NewMemoryStore()
	require.NoError(t, s.CreateRequest(ctx, &models.TripRequest{
		ID: "r1", RequesterID: "alice", Status: models.StatusPending, EstimatedPrice: 100,
		CreatedAt: t0, BiddingExpiresAt: t0.Add(time.Minute),
	}, true))
	_, err := s.OpenBidding(ctx, "r1", 3000, t0)
	require.NoError(t, err)
	for i := 0; i < offers; i++ {
		id := string(rune('a' + i))
		_, err := s.InsertOffer(ctx, &models.Offer{ID: "o" + id, RequestID: "r1", WorkerID: "w" + id, Price: 90 + float64(i), SubmittedAt: t0.Add(time.Second)})
		require.NoError(t, err)
	}
	a := New(s, retry.Default(), logging.Discard())
	a.Now = func() time.Time { return t0.Add(30 * time.Second) }
	return a, s
}

func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	a, s := setup(t, 8)
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		wins      []string
		conflicts int
	)
	for i := 0; i < 8; i++ {
		offerID := "o" + string(rune('a'+i))
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Accept(context.Background(), "r1", offerID, requester)
			mu.Lock()
			defer mu.Unlock()
			var c *apperr.ConflictError
			switch {
			case err == nil:
				wins = append(wins, offerID)
			case errors.As(err, &c):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	require.Len(t, wins, 1)
	assert.Equal(t, 7, conflicts)

	offers, err := s.ListOffers(context.Background(), "r1")
	require.NoError(t, err)
	accepted := 0
	for _, o := range offers {
		if o.Status == models.OfferAccepted {
			accepted++
			assert.Equal(t, wins[0], o.ID)
		} else {
			assert.Equal(t, models.OfferRejected, o.Status)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestManualVersusAutoAccept(t *testing.T) {
	a, _ := setup(t, 2)
	start := make(chan struct{})
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		_, errs[0] = a.Accept(context.Background(), "r1", "ob", requester)
	}()
	go func() {
		defer wg.Done()
		<-start
		_, errs[1] = a.AutoAccept(context.Background(), "r1", "oa")
	}()
	close(start)
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		var c *apperr.ConflictError
		assert.True(t, errors.As(err, &c), "got %v", err)
	}
	assert.Equal(t, 1, ok)
}

func TestManualAndAutoAcceptSameOffer(t *testing.T) {
	a, s := setup(t, 2)
	start := make(chan struct{})
	results := make([]*models.TripRequest, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		<-start
		results[0], errs[0] = a.Accept(context.Background(), "r1", "oa", requester)
	}()
	go func() {
		defer wg.Done()
		<-start
		results[1], errs[1] = a.AutoAccept(context.Background(), "r1", "oa")
	}()
	close(start)
	wg.Wait()

	// both callers asked for the same outcome, so both see it
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, results[0].Version, results[1].Version)
	assert.Equal(t, "wa", results[0].WorkerID)
	assert.Equal(t, "wa", results[1].WorkerID)

	w, err := s.GetWorker(context.Background(), "wa")
	require.NoError(t, err)
	assert.Equal(t, "r1", w.CurrentAssignment)
	other, err := s.GetWorker(context.Background(), "wb")
	if err == nil {
		assert.Empty(t, other.CurrentAssignment)
	}

	evs, err := s.PendingEvents(context.Background(), 0)
	require.NoError(t, err)
	accepted := 0
	for _, ev := range evs {
		if ev.Type == models.EventOfferAccepted {
			accepted++
			assert.Equal(t, "oa", ev.OfferID)
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestAcceptIsIdempotent(t *testing.T) {
	a, s := setup(t, 2)
	first, err := a.Accept(context.Background(), "r1", "oa", requester)
	require.NoError(t, err)
	before, _ := s.PendingEvents(context.Background(), 0)

	again, err := a.Accept(context.Background(), "r1", "oa", requester)
	require.NoError(t, err)
	assert.Equal(t, first.Version, again.Version)
	assert.Equal(t, "wa", again.WorkerID)

	auto, err := a.AutoAccept(context.Background(), "r1", "oa")
	require.NoError(t, err)
	assert.Equal(t, first.Version, auto.Version)

	after, _ := s.PendingEvents(context.Background(), 0)
	assert.Len(t, after, len(before))
}

func TestAcceptRules(t *testing.T) {
	a, _ := setup(t, 1)

	_, err := a.Accept(context.Background(), "r1", "oa", models.Actor{ID: "mallory", Role: models.RoleClient})
	var fb *apperr.ForbiddenError
	assert.True(t, errors.As(err, &fb))

	a.Now = func() time.Time { return t0.Add(time.Minute) }
	_, err = a.Accept(context.Background(), "r1", "oa", requester)
	var ex *apperr.ExpiredSessionError
	assert.True(t, errors.As(err, &ex))

	// the system path ignores the window
	r, err := a.AutoAccept(context.Background(), "r1", "oa")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, r.Status)

	_, err = a.Accept(context.Background(), "missing", "oa", requester)
	var nf *apperr.NotFoundError
	assert.True(t, errors.As(err, &nf))
}
