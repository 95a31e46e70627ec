package intake

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/config"
	"github.com/example/ride-bidding/internal/locator"
	"github.com/example/ride-bidding/internal/logging"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/pricing"
	"github.com/example/ride-bidding/internal/retry"
	"github.com/example/ride-bidding/internal/storage"
)

type fixedEstimator struct{ est pricing.Estimate }

func (f fixedEstimator) Estimate(context.Context, models.Coord, models.Coord, models.ServiceClass) (pricing.Estimate, error) {
	return f.est, nil
}

type fakeLocator struct {
	mu     sync.Mutex
	radii  []float64
	result []locator.Candidate
}

func (f *fakeLocator) Locate(_ context.Context, _ models.Coord, _ models.ServiceClass, radiusM float64) (locator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.radii = append(f.radii, radiusM)
	if len(f.result) == 0 {
		return locator.Result{RadiusM: radiusM}, &apperr.NoDriversAvailableError{RadiusM: radiusM}
	}
	return locator.Result{Candidates: f.result, RadiusM: radiusM}, nil
}

func (f *fakeLocator) NextRadius(r float64) float64 { return r * 1.5 }

type recordingInviter struct {
	mu      sync.Mutex
	invited []string
}

func (r *recordingInviter) Invite(_ context.Context, _ *models.TripRequest, cands []locator.Candidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range cands {
		r.invited = append(r.invited, c.WorkerID)
	}
	return nil
}

type recordingScheduler struct{ ids []string }

func (r *recordingScheduler) Schedule(req *models.TripRequest) { r.ids = append(r.ids, req.ID) }

var (
	t0      = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	client  = models.Actor{ID: "alice", Role: models.RoleClient}
	berlin  = models.Place{Address: "Alexanderplatz", Coord: models.Coord{Lat: 52.5219, Lon: 13.4132}}
	airport = models.Place{Address: "BER", Coord: models.Coord{Lat: 52.3667, Lon: 13.5033}}
)

func newService(t *testing.T, loc *fakeLocator) (*Service, *storage.MemoryStore, *recordingInviter, *recordingScheduler) {
	t.Helper()
	cfg, err := config.LoadServerConfig()
	require.NoError(t, err)
	store := storage.NewMemoryStore()
	svc := New(store, fixedEstimator{pricing.Estimate{Price: 10000, DistanceM: 18000, DurationS: 1500}}, loc, cfg, retry.Default(), logging.Discard())
	svc.Now = func() time.Time { return t0 }
	inv, sched := &recordingInviter{}, &recordingScheduler{}
	svc.Inviter = inv
	svc.Scheduler = sched
	return svc, store, inv, sched
}

func TestCreateRequestCollectsAllErrors(t *testing.T) {
	svc, _, _, _ := newService(t, &fakeLocator{})
	past := t0.Add(-time.Hour)
	_, err := svc.CreateRequest(context.Background(), client, CreateInput{
		Origin:       models.Place{Coord: models.Coord{Lat: 95, Lon: 0}},
		Destination:  airport,
		ServiceClass: "boat",
		ScheduledAt:  &past,
	})
	var ve *apperr.ValidationError
	require.True(t, errors.As(err, &ve))
	fields := map[string]bool{}
	for _, f := range ve.Fields {
		fields[f.Field] = true
	}
	assert.Equal(t, map[string]bool{"origin.address": true, "origin": true, "service_class": true, "scheduled_at": true}, fields)
}

func TestCreateRequestOpensBidding(t *testing.T) {
	loc := &fakeLocator{result: []locator.Candidate{{WorkerID: "w1", DistanceM: 100}, {WorkerID: "w2", DistanceM: 300}}}
	svc, store, inv, sched := newService(t, loc)

	r, err := svc.CreateRequest(context.Background(), client, CreateInput{Origin: berlin, Destination: airport, ServiceClass: models.ClassComfort})
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, r.Status)
	assert.Equal(t, 10000.0, r.EstimatedPrice)
	assert.Equal(t, t0.Add(90*time.Second), r.BiddingExpiresAt)
	assert.Equal(t, 3000.0, r.SearchRadiusM)
	assert.Len(t, r.OriginGeohash, 6)
	assert.Equal(t, []string{r.ID}, sched.ids)

	svc.Wait()
	got, err := store.GetRequest(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBiddingOpen, got.Status)
	assert.Equal(t, []string{"w1", "w2"}, inv.invited)
}

func TestCreateRequestSingleOpen(t *testing.T) {
	svc, _, _, _ := newService(t, &fakeLocator{})
	in := CreateInput{Origin: berlin, Destination: airport, ServiceClass: models.ClassEconomy}
	_, err := svc.CreateRequest(context.Background(), client, in)
	require.NoError(t, err)
	_, err = svc.CreateRequest(context.Background(), client, in)
	var c *apperr.ConflictError
	assert.True(t, errors.As(err, &c))
	svc.Wait()
}

func TestCreateRequestRequiresClient(t *testing.T) {
	svc, _, _, _ := newService(t, &fakeLocator{})
	_, err := svc.CreateRequest(context.Background(), models.Actor{ID: "ip:1.2.3.4", Role: models.RoleAnonymous}, CreateInput{})
	var fb *apperr.ForbiddenError
	assert.True(t, errors.As(err, &fb))
}

func TestExhaustedSearchThenWiden(t *testing.T) {
	loc := &fakeLocator{}
	svc, store, _, _ := newService(t, loc)
	ctx := context.Background()

	r, err := svc.CreateRequest(ctx, client, CreateInput{Origin: berlin, Destination: airport, ServiceClass: models.ClassCargo})
	require.NoError(t, err)
	svc.Wait()

	got, _ := store.GetRequest(ctx, r.ID)
	assert.Equal(t, models.StatusPending, got.Status)
	evs, _ := store.PendingEvents(ctx, 0)
	assert.Equal(t, models.EventSearchExhausted, evs[len(evs)-1].Type)

	_, err = svc.WidenSearch(ctx, r.ID, models.Actor{ID: "bob", Role: models.RoleClient})
	var fb *apperr.ForbiddenError
	assert.True(t, errors.As(err, &fb))

	loc.result = []locator.Candidate{{WorkerID: "w9"}}
	widened, err := svc.WidenSearch(ctx, r.ID, client)
	require.NoError(t, err)
	assert.Equal(t, models.StatusBiddingOpen, widened.Status)
	assert.Equal(t, []float64{5000, 7500}, loc.radii)

	_, err = svc.WidenSearch(ctx, r.ID, client)
	var c *apperr.ConflictError
	assert.True(t, errors.As(err, &c))
}

func TestNearbyRequests(t *testing.T) {
	svc, store, _, _ := newService(t, &fakeLocator{})
	ctx := context.Background()
	r, err := svc.CreateRequest(ctx, client, CreateInput{Origin: berlin, Destination: airport, ServiceClass: models.ClassEconomy})
	require.NoError(t, err)
	svc.Wait()

	_, err = store.UpsertWorker(ctx, models.LocationPing{WorkerID: "w1", Lat: 52.5225, Lon: 13.4140, Timestamp: t0, Online: true, ServiceClasses: []models.ServiceClass{models.ClassEconomy}})
	require.NoError(t, err)
	_, err = store.UpsertWorker(ctx, models.LocationPing{WorkerID: "w2", Lat: 52.5225, Lon: 13.4140, Timestamp: t0, Online: true, ServiceClasses: []models.ServiceClass{models.ClassCargo}})
	require.NoError(t, err)

	list, err := svc.NearbyRequests(ctx, models.Actor{ID: "w1", Role: models.RoleWorker})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, r.ID, list[0].ID)

	list, err = svc.NearbyRequests(ctx, models.Actor{ID: "w2", Role: models.RoleWorker})
	require.NoError(t, err)
	assert.Empty(t, list)

	got, err := svc.GetRequest(ctx, r.ID, models.Actor{ID: "w1", Role: models.RoleWorker})
	require.NoError(t, err)
	assert.Equal(t, r.ID, got.ID)
}
