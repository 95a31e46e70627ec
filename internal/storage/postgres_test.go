package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-bidding/internal/models"
)

var (
	requestCols = []string{"id", "requester_id", "origin_address", "origin_lat", "origin_lon", "dest_address", "dest_lat", "dest_lon",
		"service_class", "estimated_price", "estimated_distance_m", "estimated_duration_s", "status", "search_radius_m",
		"origin_geohash", "accepted_offer_id", "worker_id", "final_price", "version", "scheduled_at", "created_at", "updated_at",
		"bidding_expires_at"}
	offerCols = []string{"id", "request_id", "worker_id", "price", "message", "eta_minutes", "distance_m", "status", "submitted_at", "updated_at"}
)

func requestRow(status models.Status, acceptedOffer string, version int64) *sqlmock.Rows {
	return sqlmock.NewRows(requestCols).AddRow("r1", "alice", "", 52.52, 13.40, "", 52.50, 13.45,
		"economy", 20.0, 4000.0, 600.0, string(status), 3000.0,
		"u33dc0", acceptedOffer, "", 0.0, version, nil, t0, t0, t0.Add(time.Minute))
}

func offerRow(id, worker string) *sqlmock.Rows {
	return sqlmock.NewRows(offerCols).AddRow(id, "r1", worker, 18.0, "", int64(5), 900.0, "pending", t0, t0)
}

func newMockStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock new: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewPostgresStoreFromDB(db), mock
}

func TestPostgresAcceptLosesRace(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM offers WHERE id = $1")).WithArgs("o1").WillReturnRows(offerRow("o1", "w1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests")).WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM trip_requests WHERE id = $1")).WithArgs("r1").WillReturnRows(requestRow(models.StatusAccepted, "o2", 4))
	mock.ExpectRollback()

	_, err := s.AcceptOffer(context.Background(), Acceptance{RequestID: "r1", OfferID: "o1", From: models.BiddableStatuses, Now: t0})
	var mismatch *StatusMismatchError
	require.True(t, errors.As(err, &mismatch))
	assert.Equal(t, "o2", mismatch.Current.AcceptedOfferID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptIdempotent(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM offers WHERE id = $1")).WithArgs("o1").WillReturnRows(offerRow("o1", "w1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests")).WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM trip_requests WHERE id = $1")).WithArgs("r1").WillReturnRows(requestRow(models.StatusAccepted, "o1", 4))
	mock.ExpectCommit()

	r, err := s.AcceptOffer(context.Background(), Acceptance{RequestID: "r1", OfferID: "o1", From: models.BiddableStatuses, Now: t0})
	assert.ErrorIs(t, err, ErrAlreadyAccepted)
	require.NotNil(t, r)
	assert.Equal(t, int64(4), r.Version)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptWorkerBusy(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM offers WHERE id = $1")).WithArgs("o1").WillReturnRows(offerRow("o1", "w1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests")).WillReturnRows(requestRow(models.StatusAccepted, "o1", 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE offers SET status = 'accepted'")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO worker_availability")).WithArgs("w1", "r1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, err := s.AcceptOffer(context.Background(), Acceptance{RequestID: "r1", OfferID: "o1", From: models.BiddableStatuses, Now: t0})
	assert.ErrorIs(t, err, ErrWorkerBusy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAcceptWritesTwoEvents(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM offers WHERE id = $1")).WithArgs("o1").WillReturnRows(offerRow("o1", "w1"))
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests")).WillReturnRows(requestRow(models.StatusAccepted, "o1", 4))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE offers SET status = 'accepted'")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO worker_availability")).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE offers SET status = $2")).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_events")).
		WithArgs("r1", int64(3), "offer_accepted", "accepted", "o1", "w1", 18.0, "alice", "", "", t0).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO order_events")).
		WithArgs("r1", int64(4), "status_changed", "accepted", "o1", "w1", 0.0, "alice", "", "", t0).
		WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	r, err := s.AcceptOffer(context.Background(), Acceptance{RequestID: "r1", OfferID: "o1", From: models.BiddableStatuses, ActorID: "alice", Now: t0})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, r.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertOfferDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests SET version = version + 1")).WillReturnRows(requestRow(models.StatusBiddingOpen, "", 3))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO offers")).WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	_, err := s.InsertOffer(context.Background(), &models.Offer{ID: "o9", RequestID: "r1", WorkerID: "w1", Price: 18, SubmittedAt: t0})
	assert.ErrorIs(t, err, ErrDuplicateOffer)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresInsertOfferSessionClosed(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("UPDATE trip_requests SET version = version + 1")).WillReturnRows(sqlmock.NewRows(requestCols))
	mock.ExpectQuery(regexp.QuoteMeta("FROM trip_requests WHERE id = $1")).WithArgs("r1").WillReturnRows(requestRow(models.StatusCancelled, "", 3))
	mock.ExpectRollback()

	_, err := s.InsertOffer(context.Background(), &models.Offer{ID: "o9", RequestID: "r1", WorkerID: "w1", Price: 18, SubmittedAt: t0})
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresMarkPublished(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE order_events SET published_at = now()")).WillReturnResult(sqlmock.NewResult(0, 2))
	require.NoError(t, s.MarkPublished(context.Background(), []int64{1, 2}))
	require.NoError(t, s.MarkPublished(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
