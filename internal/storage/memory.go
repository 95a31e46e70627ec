package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/models"
)

// MemoryStore keeps everything in process. One mutex makes each method a
// single atomic step, the same guarantee the Postgres transactions give.
type MemoryStore struct {
	mu            sync.Mutex
	requests      map[string]*models.TripRequest
	offers        map[string]*models.Offer
	offersByReq   map[string][]string
	workers       map[string]*models.WorkerAvailability
	index         *geo.Index
	cancellations map[string][]models.CancellationRecord
	outbox        []models.OrderEvent
	nextEventID   int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests:      make(map[string]*models.TripRequest),
		offers:        make(map[string]*models.Offer),
		offersByReq:   make(map[string][]string),
		workers:       make(map[string]*models.WorkerAvailability),
		index:         geo.NewIndex(),
		cancellations: make(map[string][]models.CancellationRecord),
	}
}

// emit bumps r's version and appends ev to the outbox. Callers hold mu.
func (m *MemoryStore) emit(r *models.TripRequest, ev models.OrderEvent) {
	r.Version++
	m.nextEventID++
	ev.ID = m.nextEventID
	ev.OrderID = r.ID
	ev.Seq = r.Version
	if ev.Status == "" {
		ev.Status = r.Status
	}
	m.outbox = append(m.outbox, ev)
}

func (m *MemoryStore) request(id string) (*models.TripRequest, error) {
	r, ok := m.requests[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "request", ID: id}
	}
	return r, nil
}

func (m *MemoryStore) offer(id string) (*models.Offer, error) {
	o, ok := m.offers[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "offer", ID: id}
	}
	return o, nil
}

func copyRequest(r *models.TripRequest) *models.TripRequest {
	c := *r
	return &c
}

func (m *MemoryStore) CreateRequest(_ context.Context, r *models.TripRequest, singleOpen bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if singleOpen {
		for _, other := range m.requests {
			if other.RequesterID == r.RequesterID && !other.Status.Terminal() {
				return ErrOpenRequestExists
			}
		}
	}
	c := copyRequest(r)
	c.Version = 0
	m.requests[c.ID] = c
	m.emit(c, models.OrderEvent{Type: models.EventStatusChanged, ActorID: c.RequesterID, CreatedAt: c.CreatedAt})
	r.Version = c.Version
	return nil
}

func (m *MemoryStore) GetRequest(_ context.Context, id string) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(id)
	if err != nil {
		return nil, err
	}
	return copyRequest(r), nil
}

func (m *MemoryStore) ListBiddableInCells(_ context.Context, cells []string, limit int) ([]models.TripRequest, error) {
	want := make(map[string]bool, len(cells))
	for _, c := range cells {
		want[c] = true
	}
	m.mu.Lock()
	out := make([]models.TripRequest, 0)
	for _, r := range m.requests {
		if r.Status.Biddable() && want[r.OriginGeohash] {
			out = append(out, *r)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) ListExpiredSessions(_ context.Context, now time.Time, limit int) ([]models.TripRequest, error) {
	m.mu.Lock()
	out := make([]models.TripRequest, 0)
	for _, r := range m.requests {
		if r.Status.Biddable() && !now.Before(r.BiddingExpiresAt) {
			out = append(out, *r)
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].BiddingExpiresAt.Before(out[j].BiddingExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) OpenBidding(_ context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusPending {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	r.Status = models.StatusBiddingOpen
	r.SearchRadiusM = radiusM
	r.UpdatedAt = now
	m.emit(r, models.OrderEvent{Type: models.EventStatusChanged, ActorID: models.SystemActor.ID, CreatedAt: now})
	return copyRequest(r), nil
}

func (m *MemoryStore) RecordSearchExhausted(_ context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(id)
	if err != nil {
		return nil, err
	}
	if r.Status != models.StatusPending {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	r.SearchRadiusM = radiusM
	r.UpdatedAt = now
	m.emit(r, models.OrderEvent{Type: models.EventSearchExhausted, ActorID: models.SystemActor.ID, Amount: radiusM, CreatedAt: now})
	return copyRequest(r), nil
}

func (m *MemoryStore) Transition(_ context.Context, t Transition) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(t.ID)
	if err != nil {
		return nil, err
	}
	if !statusIn(r.Status, t.From) {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	r.Status = t.To
	r.UpdatedAt = t.Now
	if t.To.Terminal() {
		m.releaseWorker(r)
	}
	m.emit(r, models.OrderEvent{Type: models.EventStatusChanged, WorkerID: r.WorkerID, ActorID: t.ActorID, CreatedAt: t.Now})
	return copyRequest(r), nil
}

func (m *MemoryStore) releaseWorker(r *models.TripRequest) {
	if r.WorkerID == "" {
		return
	}
	if w, ok := m.workers[r.WorkerID]; ok && w.CurrentAssignment == r.ID {
		w.CurrentAssignment = ""
	}
}

func (m *MemoryStore) activeOffer(requestID, workerID string) bool {
	for _, id := range m.offersByReq[requestID] {
		o := m.offers[id]
		if o.WorkerID == workerID && o.Status == models.OfferPending {
			return true
		}
	}
	return false
}

func sessionOpen(r *models.TripRequest, now time.Time) bool {
	return r.Status.Biddable() && now.Before(r.BiddingExpiresAt)
}

func (m *MemoryStore) InsertOffer(_ context.Context, o *models.Offer) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(o.RequestID)
	if err != nil {
		return nil, err
	}
	if !sessionOpen(r, o.SubmittedAt) {
		return nil, ErrSessionClosed
	}
	if m.activeOffer(r.ID, o.WorkerID) {
		return nil, ErrDuplicateOffer
	}
	c := *o
	c.Status = models.OfferPending
	c.UpdatedAt = o.SubmittedAt
	m.offers[c.ID] = &c
	m.offersByReq[r.ID] = append(m.offersByReq[r.ID], c.ID)
	r.UpdatedAt = o.SubmittedAt
	m.emit(r, models.OrderEvent{Type: models.EventOfferReceived, OfferID: c.ID, WorkerID: c.WorkerID, Amount: c.Price, ActorID: c.WorkerID, CreatedAt: o.SubmittedAt})
	*o = c
	return copyRequest(r), nil
}

func (m *MemoryStore) UpdateOffer(_ context.Context, u OfferUpdate) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.offer(u.OfferID)
	if err != nil {
		return nil, err
	}
	if o.WorkerID != u.WorkerID {
		return nil, ErrNotOwner
	}
	if o.Status != models.OfferPending {
		return nil, ErrOfferNotPending
	}
	r := m.requests[o.RequestID]
	if !sessionOpen(r, u.Now) {
		return nil, ErrSessionClosed
	}
	o.Price = u.Price
	o.Message = u.Message
	o.ETAMinutes = u.ETAMinutes
	o.UpdatedAt = u.Now
	r.UpdatedAt = u.Now
	m.emit(r, models.OrderEvent{Type: models.EventOfferUpdated, OfferID: o.ID, WorkerID: o.WorkerID, Amount: o.Price, ActorID: o.WorkerID, CreatedAt: u.Now})
	c := *o
	return &c, nil
}

func (m *MemoryStore) WithdrawOffer(_ context.Context, offerID, workerID string, now time.Time) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.offer(offerID)
	if err != nil {
		return nil, err
	}
	if o.WorkerID != workerID {
		return nil, ErrNotOwner
	}
	if o.Status != models.OfferPending {
		return nil, ErrOfferNotPending
	}
	o.Status = models.OfferWithdrawn
	o.UpdatedAt = now
	r := m.requests[o.RequestID]
	r.UpdatedAt = now
	m.emit(r, models.OrderEvent{Type: models.EventOfferWithdrawn, OfferID: o.ID, WorkerID: o.WorkerID, ActorID: workerID, CreatedAt: now})
	c := *o
	return &c, nil
}

func (m *MemoryStore) GetOffer(_ context.Context, id string) (*models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, err := m.offer(id)
	if err != nil {
		return nil, err
	}
	c := *o
	return &c, nil
}

func (m *MemoryStore) ListOffers(_ context.Context, requestID string) ([]models.Offer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.request(requestID); err != nil {
		return nil, err
	}
	ids := m.offersByReq[requestID]
	out := make([]models.Offer, 0, len(ids))
	for _, id := range ids {
		out = append(out, *m.offers[id])
	}
	return out, nil
}

// closePending moves every pending offer of r to status.
func (m *MemoryStore) closePending(r *models.TripRequest, status models.OfferStatus, now time.Time) {
	for _, id := range m.offersByReq[r.ID] {
		if o := m.offers[id]; o.Status == models.OfferPending {
			o.Status = status
			o.UpdatedAt = now
		}
	}
}

func (m *MemoryStore) AcceptOffer(_ context.Context, a Acceptance) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(a.RequestID)
	if err != nil {
		return nil, err
	}
	o, err := m.offer(a.OfferID)
	if err != nil || o.RequestID != r.ID {
		return nil, &apperr.NotFoundError{Entity: "offer", ID: a.OfferID}
	}
	if r.AcceptedOfferID == o.ID && r.Status != models.StatusCancelled {
		return copyRequest(r), ErrAlreadyAccepted
	}
	if !statusIn(r.Status, a.From) {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	if o.Status != models.OfferPending {
		return nil, ErrOfferNotPending
	}
	w, ok := m.workers[o.WorkerID]
	if ok && w.CurrentAssignment != "" && w.CurrentAssignment != r.ID {
		return nil, ErrWorkerBusy
	}
	if !ok {
		w = &models.WorkerAvailability{WorkerID: o.WorkerID}
		m.workers[o.WorkerID] = w
	}

	o.Status = models.OfferAccepted
	o.UpdatedAt = a.Now
	m.closePending(r, models.OfferRejected, a.Now)
	w.CurrentAssignment = r.ID
	r.Status = models.StatusAccepted
	r.AcceptedOfferID = o.ID
	r.WorkerID = o.WorkerID
	r.FinalPrice = o.Price
	r.UpdatedAt = a.Now
	m.emit(r, models.OrderEvent{Type: models.EventOfferAccepted, OfferID: o.ID, WorkerID: o.WorkerID, Amount: o.Price, ActorID: a.ActorID, CreatedAt: a.Now})
	m.emit(r, models.OrderEvent{Type: models.EventStatusChanged, OfferID: o.ID, WorkerID: o.WorkerID, ActorID: a.ActorID, CreatedAt: a.Now})
	return copyRequest(r), nil
}

func (m *MemoryStore) ExpireSession(_ context.Context, id string, now time.Time) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(id)
	if err != nil {
		return nil, err
	}
	if !r.Status.Biddable() {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	if now.Before(r.BiddingExpiresAt) {
		return nil, ErrSessionOpen
	}
	m.closePending(r, models.OfferExpired, now)
	rec := models.CancellationRecord{
		ID:             "exp-" + r.ID,
		OrderID:        r.ID,
		InitiatorID:    models.SystemActor.ID,
		Reason:         ReasonBiddingExpired,
		BasePrice:      r.EstimatedPrice,
		StatusAtCancel: r.Status,
		CreatedAt:      now,
	}
	m.cancellations[r.ID] = append(m.cancellations[r.ID], rec)
	r.Status = models.StatusCancelled
	r.UpdatedAt = now
	m.emit(r, models.OrderEvent{Type: models.EventOrderCancelled, ActorID: rec.InitiatorID, Reason: rec.Reason, RecordID: rec.ID, CreatedAt: now})
	return copyRequest(r), nil
}

// ReasonBiddingExpired marks system cancellations of sessions that ended
// without a winner.
const ReasonBiddingExpired = "bidding_expired"

func (m *MemoryStore) CancelOrder(_ context.Context, c CancelParams) (*models.TripRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, err := m.request(c.OrderID)
	if err != nil {
		return nil, err
	}
	if r.Status != c.From {
		return nil, &StatusMismatchError{Current: copyRequest(r)}
	}
	now := c.Record.CreatedAt
	m.closePending(r, models.OfferRejected, now)
	m.releaseWorker(r)
	rec := c.Record
	rec.OrderID = r.ID
	rec.StatusAtCancel = r.Status
	m.cancellations[r.ID] = append(m.cancellations[r.ID], rec)
	r.Status = models.StatusCancelled
	r.UpdatedAt = now
	m.emit(r, models.OrderEvent{Type: models.EventOrderCancelled, WorkerID: r.WorkerID, Amount: rec.Fee, ActorID: rec.InitiatorID, Reason: rec.Reason, RecordID: rec.ID, CreatedAt: now})
	return copyRequest(r), nil
}

func (m *MemoryStore) ListCancellations(_ context.Context, orderID string) ([]models.CancellationRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.CancellationRecord(nil), m.cancellations[orderID]...), nil
}

func (m *MemoryStore) UpsertWorker(_ context.Context, p models.LocationPing) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[p.WorkerID]
	if !ok {
		w = &models.WorkerAvailability{WorkerID: p.WorkerID}
		m.workers[p.WorkerID] = w
	} else if !w.LastPingAt.IsZero() && !p.Timestamp.After(w.LastPingAt) {
		return false, nil
	}
	w.Loc = models.Coord{Lat: p.Lat, Lon: p.Lon}
	w.LastPingAt = p.Timestamp
	w.Online = p.Online
	if len(p.ServiceClasses) > 0 {
		w.ServiceClasses = append([]models.ServiceClass(nil), p.ServiceClasses...)
	}
	m.index.Upsert(w.WorkerID, w.Loc)
	return true, nil
}

func copyWorker(w *models.WorkerAvailability) models.WorkerAvailability {
	c := *w
	c.ServiceClasses = append([]models.ServiceClass(nil), w.ServiceClasses...)
	return c
}

func (m *MemoryStore) GetWorker(_ context.Context, id string) (*models.WorkerAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, &apperr.NotFoundError{Entity: "worker", ID: id}
	}
	c := copyWorker(w)
	return &c, nil
}

func (m *MemoryStore) NearbyWorkers(_ context.Context, center models.Coord, radiusM float64) ([]models.WorkerAvailability, error) {
	ids := m.index.Within(center, radiusM)
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.WorkerAvailability, 0, len(ids))
	for _, id := range ids {
		if w, ok := m.workers[id]; ok {
			out = append(out, copyWorker(w))
		}
	}
	return out, nil
}

// PendingEvents returns undelivered events in commit order.
func (m *MemoryStore) PendingEvents(_ context.Context, limit int) ([]models.OrderEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.outbox)
	if limit > 0 && n > limit {
		n = limit
	}
	return append([]models.OrderEvent(nil), m.outbox[:n]...), nil
}

func (m *MemoryStore) MarkPublished(_ context.Context, ids []int64) error {
	done := make(map[int64]bool, len(ids))
	for _, id := range ids {
		done[id] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.outbox[:0]
	for _, ev := range m.outbox {
		if !done[ev.ID] {
			kept = append(kept, ev)
		}
	}
	m.outbox = kept
	return nil
}
