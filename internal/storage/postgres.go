package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/geo"
	"github.com/example/ride-bidding/internal/models"
)

const requestColumns = `id, requester_id, origin_address, origin_lat, origin_lon, dest_address, dest_lat, dest_lon,
	service_class, estimated_price, estimated_distance_m, estimated_duration_s, status, search_radius_m,
	origin_geohash, accepted_offer_id, worker_id, final_price, version, scheduled_at, created_at, updated_at,
	bidding_expires_at`

const offerColumns = `id, request_id, worker_id, price, message, eta_minutes, distance_m, status, submitted_at, updated_at`

const workerColumns = `worker_id, lat, lon, last_ping_at, online, service_classes, current_assignment`

const eventColumns = `id, order_id, seq, type, status, offer_id, worker_id, amount, actor_id, reason, record_id, created_at`

// PostgresStore implements Store on PostgreSQL. Preconditions are expressed
// in the WHERE clause of the write itself (UPDATE ... WHERE status = ANY(..)),
// so two racing writers cannot both see their precondition hold.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	// quick ping
	if err := db.Ping(); err != nil {
		return nil, err
	}
	return &PostgresStore{db: db}, nil
}

// NewPostgresStoreFromDB wraps an already opened handle.
func NewPostgresStoreFromDB(db *sql.DB) *PostgresStore { return &PostgresStore{db: db} }

func (p *PostgresStore) Close() error { return p.db.Close() }

func (p *PostgresStore) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }

type scanner interface {
	Scan(dest ...any) error
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func statusArray(set []models.Status) any {
	out := make([]string, len(set))
	for i, s := range set {
		out[i] = string(s)
	}
	return pq.Array(out)
}

func scanRequest(s scanner) (*models.TripRequest, error) {
	var (
		r         models.TripRequest
		class     string
		status    string
		scheduled sql.NullTime
	)
	err := s.Scan(&r.ID, &r.RequesterID, &r.Origin.Address, &r.Origin.Lat, &r.Origin.Lon,
		&r.Destination.Address, &r.Destination.Lat, &r.Destination.Lon,
		&class, &r.EstimatedPrice, &r.EstimatedDistanceM, &r.EstimatedDurationS, &status, &r.SearchRadiusM,
		&r.OriginGeohash, &r.AcceptedOfferID, &r.WorkerID, &r.FinalPrice, &r.Version, &scheduled,
		&r.CreatedAt, &r.UpdatedAt, &r.BiddingExpiresAt)
	if err != nil {
		return nil, err
	}
	r.ServiceClass = models.ServiceClass(class)
	r.Status = models.Status(status)
	if scheduled.Valid {
		t := scheduled.Time
		r.ScheduledAt = &t
	}
	return &r, nil
}

func scanOffer(s scanner) (*models.Offer, error) {
	var (
		o      models.Offer
		status string
	)
	if err := s.Scan(&o.ID, &o.RequestID, &o.WorkerID, &o.Price, &o.Message, &o.ETAMinutes, &o.DistanceM,
		&status, &o.SubmittedAt, &o.UpdatedAt); err != nil {
		return nil, err
	}
	o.Status = models.OfferStatus(status)
	return &o, nil
}

func scanWorker(s scanner) (*models.WorkerAvailability, error) {
	var (
		w          models.WorkerAvailability
		lastPing   sql.NullTime
		classes    []string
		assignment sql.NullString
	)
	if err := s.Scan(&w.WorkerID, &w.Loc.Lat, &w.Loc.Lon, &lastPing, &w.Online, pq.Array(&classes), &assignment); err != nil {
		return nil, err
	}
	if lastPing.Valid {
		w.LastPingAt = lastPing.Time
	}
	for _, c := range classes {
		w.ServiceClasses = append(w.ServiceClasses, models.ServiceClass(c))
	}
	w.CurrentAssignment = assignment.String
	return &w, nil
}

func loadRequest(ctx context.Context, q queryer, id string) (*models.TripRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM trip_requests WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "request", ID: id}
	}
	return r, err
}

func loadOffer(ctx context.Context, q queryer, id string) (*models.Offer, error) {
	o, err := scanOffer(q.QueryRowContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "offer", ID: id}
	}
	return o, err
}

// conditional runs an UPDATE ... RETURNING requestColumns. A nil request
// with nil error means the precondition did not hold.
func conditional(ctx context.Context, q queryer, query string, args ...any) (*models.TripRequest, error) {
	r, err := scanRequest(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

// mismatch reloads the request to report why a conditional write missed.
func mismatch(ctx context.Context, q queryer, id string) error {
	cur, err := loadRequest(ctx, q, id)
	if err != nil {
		return err
	}
	return &StatusMismatchError{Current: cur}
}

// insertEvents writes evs for r, whose Version already includes them.
func insertEvents(ctx context.Context, tx *sql.Tx, r *models.TripRequest, evs ...models.OrderEvent) error {
	base := r.Version - int64(len(evs))
	for i, ev := range evs {
		status := ev.Status
		if status == "" {
			status = r.Status
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO order_events
			(order_id, seq, type, status, offer_id, worker_id, amount, actor_id, reason, record_id, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			r.ID, base+int64(i)+1, string(ev.Type), string(status), ev.OfferID, ev.WorkerID, ev.Amount,
			ev.ActorID, ev.Reason, ev.RecordID, ev.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func (p *PostgresStore) CreateRequest(ctx context.Context, r *models.TripRequest, singleOpen bool) error {
	return p.withTx(ctx, func(tx *sql.Tx) error {
		if singleOpen {
			if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, r.RequesterID); err != nil {
				return err
			}
			var open bool
			err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM trip_requests
				WHERE requester_id = $1 AND status NOT IN ('completed', 'cancelled'))`, r.RequesterID).Scan(&open)
			if err != nil {
				return err
			}
			if open {
				return ErrOpenRequestExists
			}
		}
		var scheduled any
		if r.ScheduledAt != nil {
			scheduled = *r.ScheduledAt
		}
		r.Version = 1
		_, err := tx.ExecContext(ctx, `INSERT INTO trip_requests (`+requestColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
			r.ID, r.RequesterID, r.Origin.Address, r.Origin.Lat, r.Origin.Lon,
			r.Destination.Address, r.Destination.Lat, r.Destination.Lon,
			string(r.ServiceClass), r.EstimatedPrice, r.EstimatedDistanceM, r.EstimatedDurationS, string(r.Status),
			r.SearchRadiusM, r.OriginGeohash, r.AcceptedOfferID, r.WorkerID, r.FinalPrice, r.Version, scheduled,
			r.CreatedAt, r.UpdatedAt, r.BiddingExpiresAt)
		if err != nil {
			return err
		}
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventStatusChanged, ActorID: r.RequesterID, CreatedAt: r.CreatedAt})
	})
}

func (p *PostgresStore) GetRequest(ctx context.Context, id string) (*models.TripRequest, error) {
	return loadRequest(ctx, p.db, id)
}

func (p *PostgresStore) listRequests(ctx context.Context, query string, args ...any) ([]models.TripRequest, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.TripRequest
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

func (p *PostgresStore) ListBiddableInCells(ctx context.Context, cells []string, limit int) ([]models.TripRequest, error) {
	return p.listRequests(ctx, `SELECT `+requestColumns+` FROM trip_requests
		WHERE status = ANY($1) AND origin_geohash = ANY($2) ORDER BY created_at DESC LIMIT $3`,
		statusArray(models.BiddableStatuses), pq.Array(cells), limit)
}

func (p *PostgresStore) ListExpiredSessions(ctx context.Context, now time.Time, limit int) ([]models.TripRequest, error) {
	return p.listRequests(ctx, `SELECT `+requestColumns+` FROM trip_requests
		WHERE status = ANY($1) AND bidding_expires_at <= $2 ORDER BY bidding_expires_at LIMIT $3`,
		statusArray(models.BiddableStatuses), now, limit)
}

func (p *PostgresStore) OpenBidding(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := conditional(ctx, tx, `UPDATE trip_requests
			SET status = 'bidding_open', search_radius_m = $2, updated_at = $3, version = version + 1
			WHERE id = $1 AND status = 'pending' RETURNING `+requestColumns, id, radiusM, now)
		if err != nil {
			return err
		}
		if r == nil {
			return mismatch(ctx, tx, id)
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventStatusChanged, ActorID: models.SystemActor.ID, CreatedAt: now})
	})
	return out, err
}

func (p *PostgresStore) RecordSearchExhausted(ctx context.Context, id string, radiusM float64, now time.Time) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := conditional(ctx, tx, `UPDATE trip_requests
			SET search_radius_m = $2, updated_at = $3, version = version + 1
			WHERE id = $1 AND status = 'pending' RETURNING `+requestColumns, id, radiusM, now)
		if err != nil {
			return err
		}
		if r == nil {
			return mismatch(ctx, tx, id)
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventSearchExhausted, ActorID: models.SystemActor.ID, Amount: radiusM, CreatedAt: now})
	})
	return out, err
}

func releaseWorker(ctx context.Context, tx *sql.Tx, r *models.TripRequest) error {
	if r.WorkerID == "" {
		return nil
	}
	_, err := tx.ExecContext(ctx, `UPDATE worker_availability SET current_assignment = NULL
		WHERE worker_id = $1 AND current_assignment = $2`, r.WorkerID, r.ID)
	return err
}

func (p *PostgresStore) Transition(ctx context.Context, t Transition) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := conditional(ctx, tx, `UPDATE trip_requests
			SET status = $2, updated_at = $3, version = version + 1
			WHERE id = $1 AND status = ANY($4) RETURNING `+requestColumns,
			t.ID, string(t.To), t.Now, statusArray(t.From))
		if err != nil {
			return err
		}
		if r == nil {
			return mismatch(ctx, tx, t.ID)
		}
		if t.To.Terminal() {
			if err := releaseWorker(ctx, tx, r); err != nil {
				return err
			}
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventStatusChanged, WorkerID: r.WorkerID, ActorID: t.ActorID, CreatedAt: t.Now})
	})
	return out, err
}

// bumpOpenSession locks the request row for an offer write and fails with
// ErrSessionClosed unless bidding is still open at now.
func bumpOpenSession(ctx context.Context, tx *sql.Tx, requestID string, now time.Time) (*models.TripRequest, error) {
	r, err := conditional(ctx, tx, `UPDATE trip_requests SET version = version + 1, updated_at = $2
		WHERE id = $1 AND status = ANY($3) AND bidding_expires_at > $2 RETURNING `+requestColumns,
		requestID, now, statusArray(models.BiddableStatuses))
	if err != nil {
		return nil, err
	}
	if r == nil {
		if _, err := loadRequest(ctx, tx, requestID); err != nil {
			return nil, err
		}
		return nil, ErrSessionClosed
	}
	return r, nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func (p *PostgresStore) InsertOffer(ctx context.Context, o *models.Offer) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := bumpOpenSession(ctx, tx, o.RequestID, o.SubmittedAt)
		if err != nil {
			return err
		}
		o.Status = models.OfferPending
		o.UpdatedAt = o.SubmittedAt
		_, err = tx.ExecContext(ctx, `INSERT INTO offers (`+offerColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			o.ID, o.RequestID, o.WorkerID, o.Price, o.Message, o.ETAMinutes, o.DistanceM, string(o.Status), o.SubmittedAt, o.UpdatedAt)
		if isUniqueViolation(err) {
			return ErrDuplicateOffer
		}
		if err != nil {
			return err
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventOfferReceived, OfferID: o.ID, WorkerID: o.WorkerID, Amount: o.Price, ActorID: o.WorkerID, CreatedAt: o.SubmittedAt})
	})
	return out, err
}

// offerMiss explains why a conditional offer write matched no row.
func offerMiss(ctx context.Context, q queryer, offerID, workerID string) error {
	o, err := loadOffer(ctx, q, offerID)
	if err != nil {
		return err
	}
	if o.WorkerID != workerID {
		return ErrNotOwner
	}
	return ErrOfferNotPending
}

func (p *PostgresStore) UpdateOffer(ctx context.Context, u OfferUpdate) (*models.Offer, error) {
	cur, err := loadOffer(ctx, p.db, u.OfferID)
	if err != nil {
		return nil, err
	}
	if cur.WorkerID != u.WorkerID {
		return nil, ErrNotOwner
	}
	var out *models.Offer
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := bumpOpenSession(ctx, tx, cur.RequestID, u.Now)
		if err != nil {
			return err
		}
		o, err := scanOffer(tx.QueryRowContext(ctx, `UPDATE offers SET price = $3, message = $4, eta_minutes = $5, updated_at = $6
			WHERE id = $1 AND worker_id = $2 AND status = 'pending' RETURNING `+offerColumns,
			u.OfferID, u.WorkerID, u.Price, u.Message, u.ETAMinutes, u.Now))
		if errors.Is(err, sql.ErrNoRows) {
			return offerMiss(ctx, tx, u.OfferID, u.WorkerID)
		}
		if err != nil {
			return err
		}
		out = o
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventOfferUpdated, OfferID: o.ID, WorkerID: o.WorkerID, Amount: o.Price, ActorID: u.WorkerID, CreatedAt: u.Now})
	})
	return out, err
}

func (p *PostgresStore) WithdrawOffer(ctx context.Context, offerID, workerID string, now time.Time) (*models.Offer, error) {
	cur, err := loadOffer(ctx, p.db, offerID)
	if err != nil {
		return nil, err
	}
	if cur.WorkerID != workerID {
		return nil, ErrNotOwner
	}
	var out *models.Offer
	err = p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := conditional(ctx, tx, `UPDATE trip_requests SET version = version + 1, updated_at = $2
			WHERE id = $1 RETURNING `+requestColumns, cur.RequestID, now)
		if err != nil {
			return err
		}
		if r == nil {
			return &apperr.NotFoundError{Entity: "request", ID: cur.RequestID}
		}
		o, err := scanOffer(tx.QueryRowContext(ctx, `UPDATE offers SET status = 'withdrawn', updated_at = $3
			WHERE id = $1 AND worker_id = $2 AND status = 'pending' RETURNING `+offerColumns, offerID, workerID, now))
		if errors.Is(err, sql.ErrNoRows) {
			return offerMiss(ctx, tx, offerID, workerID)
		}
		if err != nil {
			return err
		}
		out = o
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventOfferWithdrawn, OfferID: o.ID, WorkerID: o.WorkerID, ActorID: workerID, CreatedAt: now})
	})
	return out, err
}

func (p *PostgresStore) GetOffer(ctx context.Context, id string) (*models.Offer, error) {
	return loadOffer(ctx, p.db, id)
}

func (p *PostgresStore) ListOffers(ctx context.Context, requestID string) ([]models.Offer, error) {
	if _, err := loadRequest(ctx, p.db, requestID); err != nil {
		return nil, err
	}
	rows, err := p.db.QueryContext(ctx, `SELECT `+offerColumns+` FROM offers WHERE request_id = $1 ORDER BY submitted_at, id`, requestID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.Offer
	for rows.Next() {
		o, err := scanOffer(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func closePending(ctx context.Context, tx *sql.Tx, requestID string, status models.OfferStatus, now time.Time) error {
	_, err := tx.ExecContext(ctx, `UPDATE offers SET status = $2, updated_at = $3 WHERE request_id = $1 AND status = 'pending'`,
		requestID, string(status), now)
	return err
}

func (p *PostgresStore) AcceptOffer(ctx context.Context, a Acceptance) (*models.TripRequest, error) {
	var (
		out      *models.TripRequest
		accepted bool
	)
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		o, err := loadOffer(ctx, tx, a.OfferID)
		if err != nil {
			return err
		}
		if o.RequestID != a.RequestID {
			return &apperr.NotFoundError{Entity: "offer", ID: a.OfferID}
		}
		r, err := conditional(ctx, tx, `UPDATE trip_requests
			SET status = 'accepted', accepted_offer_id = $2, worker_id = $3, final_price = $4, updated_at = $5, version = version + 2
			WHERE id = $1 AND status = ANY($6) RETURNING `+requestColumns,
			a.RequestID, o.ID, o.WorkerID, o.Price, a.Now, statusArray(a.From))
		if err != nil {
			return err
		}
		if r == nil {
			cur, err := loadRequest(ctx, tx, a.RequestID)
			if err != nil {
				return err
			}
			if cur.AcceptedOfferID == o.ID && cur.Status != models.StatusCancelled {
				out, accepted = cur, true
				return nil
			}
			return &StatusMismatchError{Current: cur}
		}
		res, err := tx.ExecContext(ctx, `UPDATE offers SET status = 'accepted', updated_at = $3
			WHERE id = $1 AND request_id = $2 AND status = 'pending'`, o.ID, a.RequestID, a.Now)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrOfferNotPending
		}
		res, err = tx.ExecContext(ctx, `INSERT INTO worker_availability (worker_id, current_assignment) VALUES ($1, $2)
			ON CONFLICT (worker_id) DO UPDATE SET current_assignment = EXCLUDED.current_assignment
			WHERE worker_availability.current_assignment IS NULL OR worker_availability.current_assignment = EXCLUDED.current_assignment`,
			o.WorkerID, a.RequestID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrWorkerBusy
		}
		if err := closePending(ctx, tx, a.RequestID, models.OfferRejected, a.Now); err != nil {
			return err
		}
		out = r
		return insertEvents(ctx, tx, r,
			models.OrderEvent{Type: models.EventOfferAccepted, OfferID: o.ID, WorkerID: o.WorkerID, Amount: o.Price, ActorID: a.ActorID, CreatedAt: a.Now},
			models.OrderEvent{Type: models.EventStatusChanged, OfferID: o.ID, WorkerID: o.WorkerID, ActorID: a.ActorID, CreatedAt: a.Now},
		)
	})
	if err != nil {
		return nil, err
	}
	if accepted {
		return out, ErrAlreadyAccepted
	}
	return out, nil
}

func insertCancellation(ctx context.Context, tx *sql.Tx, rec models.CancellationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cancellation_records
		(id, order_id, initiator_id, reason, fee, fee_percent, base_price, status_at_cancel, override, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		rec.ID, rec.OrderID, rec.InitiatorID, rec.Reason, rec.Fee, rec.FeePercent, rec.BasePrice,
		string(rec.StatusAtCancel), rec.Override, rec.CreatedAt)
	return err
}

func (p *PostgresStore) ExpireSession(ctx context.Context, id string, now time.Time) (*models.TripRequest, error) {
	var out *models.TripRequest
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		var prev string
		err := tx.QueryRowContext(ctx, `SELECT status FROM trip_requests WHERE id = $1 FOR UPDATE`, id).Scan(&prev)
		if errors.Is(err, sql.ErrNoRows) {
			return &apperr.NotFoundError{Entity: "request", ID: id}
		}
		if err != nil {
			return err
		}
		r, err := conditional(ctx, tx, `UPDATE trip_requests SET status = 'cancelled', updated_at = $2, version = version + 1
			WHERE id = $1 AND status = ANY($3) AND bidding_expires_at <= $2 RETURNING `+requestColumns,
			id, now, statusArray(models.BiddableStatuses))
		if err != nil {
			return err
		}
		if r == nil {
			if models.Status(prev).Biddable() {
				return ErrSessionOpen
			}
			return mismatch(ctx, tx, id)
		}
		if err := closePending(ctx, tx, id, models.OfferExpired, now); err != nil {
			return err
		}
		rec := models.CancellationRecord{
			ID:             "exp-" + id,
			OrderID:        id,
			InitiatorID:    models.SystemActor.ID,
			Reason:         ReasonBiddingExpired,
			BasePrice:      r.EstimatedPrice,
			StatusAtCancel: models.Status(prev),
			CreatedAt:      now,
		}
		if err := insertCancellation(ctx, tx, rec); err != nil {
			return err
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventOrderCancelled, ActorID: rec.InitiatorID, Reason: rec.Reason, RecordID: rec.ID, CreatedAt: now})
	})
	return out, err
}

func (p *PostgresStore) CancelOrder(ctx context.Context, c CancelParams) (*models.TripRequest, error) {
	var out *models.TripRequest
	now := c.Record.CreatedAt
	err := p.withTx(ctx, func(tx *sql.Tx) error {
		r, err := conditional(ctx, tx, `UPDATE trip_requests SET status = 'cancelled', updated_at = $3, version = version + 1
			WHERE id = $1 AND status = $2 RETURNING `+requestColumns, c.OrderID, string(c.From), now)
		if err != nil {
			return err
		}
		if r == nil {
			return mismatch(ctx, tx, c.OrderID)
		}
		if err := closePending(ctx, tx, r.ID, models.OfferRejected, now); err != nil {
			return err
		}
		if err := releaseWorker(ctx, tx, r); err != nil {
			return err
		}
		rec := c.Record
		rec.OrderID = r.ID
		rec.StatusAtCancel = c.From
		if err := insertCancellation(ctx, tx, rec); err != nil {
			return err
		}
		out = r
		return insertEvents(ctx, tx, r, models.OrderEvent{Type: models.EventOrderCancelled, WorkerID: r.WorkerID, Amount: rec.Fee, ActorID: rec.InitiatorID, Reason: rec.Reason, RecordID: rec.ID, CreatedAt: now})
	})
	return out, err
}

func (p *PostgresStore) ListCancellations(ctx context.Context, orderID string) ([]models.CancellationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT id, order_id, initiator_id, reason, fee, fee_percent, base_price, status_at_cancel, override, created_at
		FROM cancellation_records WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.CancellationRecord
	for rows.Next() {
		var (
			rec    models.CancellationRecord
			status string
		)
		if err := rows.Scan(&rec.ID, &rec.OrderID, &rec.InitiatorID, &rec.Reason, &rec.Fee, &rec.FeePercent,
			&rec.BasePrice, &status, &rec.Override, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.StatusAtCancel = models.Status(status)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (p *PostgresStore) UpsertWorker(ctx context.Context, ping models.LocationPing) (bool, error) {
	classes := make([]string, len(ping.ServiceClasses))
	for i, c := range ping.ServiceClasses {
		classes[i] = string(c)
	}
	res, err := p.db.ExecContext(ctx, `INSERT INTO worker_availability (worker_id, lat, lon, last_ping_at, online, service_classes)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (worker_id) DO UPDATE SET
			lat = EXCLUDED.lat, lon = EXCLUDED.lon, last_ping_at = EXCLUDED.last_ping_at, online = EXCLUDED.online,
			service_classes = CASE WHEN cardinality(EXCLUDED.service_classes) > 0
				THEN EXCLUDED.service_classes ELSE worker_availability.service_classes END
		WHERE worker_availability.last_ping_at IS NULL OR worker_availability.last_ping_at < EXCLUDED.last_ping_at`,
		ping.WorkerID, ping.Lat, ping.Lon, ping.Timestamp, ping.Online, pq.Array(classes))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) GetWorker(ctx context.Context, id string) (*models.WorkerAvailability, error) {
	w, err := scanWorker(p.db.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM worker_availability WHERE worker_id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &apperr.NotFoundError{Entity: "worker", ID: id}
	}
	return w, err
}

func (p *PostgresStore) NearbyWorkers(ctx context.Context, center models.Coord, radiusM float64) ([]models.WorkerAvailability, error) {
	b := geo.BoundingBox(center, radiusM)
	rows, err := p.db.QueryContext(ctx, `SELECT `+workerColumns+` FROM worker_availability
		WHERE lat BETWEEN $1 AND $2 AND lon BETWEEN $3 AND $4`, b.MinLat, b.MaxLat, b.MinLon, b.MaxLon)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.WorkerAvailability
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *w)
	}
	return out, rows.Err()
}

// PendingEvents returns unpublished events by id. Commits touching one
// order are serialised by its row lock, so ids follow sequence per order.
func (p *PostgresStore) PendingEvents(ctx context.Context, limit int) ([]models.OrderEvent, error) {
	rows, err := p.db.QueryContext(ctx, `SELECT `+eventColumns+` FROM order_events
		WHERE published_at IS NULL ORDER BY id LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.OrderEvent
	for rows.Next() {
		var (
			ev          models.OrderEvent
			typ, status string
		)
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.Seq, &typ, &status, &ev.OfferID, &ev.WorkerID, &ev.Amount,
			&ev.ActorID, &ev.Reason, &ev.RecordID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.Type = models.EventType(typ)
		ev.Status = models.Status(status)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (p *PostgresStore) MarkPublished(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := p.db.ExecContext(ctx, `UPDATE order_events SET published_at = now() WHERE id = ANY($1)`, pq.Array(ids))
	return err
}
