package bidding

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
	"github.com/example/ride-bidding/internal/models"
	"github.com/example/ride-bidding/internal/observability"
	"github.com/example/ride-bidding/internal/storage"
)

// Schedule arms the expiry timer of r. Rescheduling replaces the old timer.
func (m *Manager) Schedule(r *models.TripRequest) {
	id := r.ID
	d := r.BiddingExpiresAt.Sub(m.Now())
	if d < 0 {
		d = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.timers[id]; ok {
		old.Stop()
	}
	var self stopper
	self = m.AfterFunc(d, func() {
		m.mu.Lock()
		current := m.timers[id] == self
		if current {
			delete(m.timers, id)
		}
		m.mu.Unlock()
		// replaced by a later Schedule or Unschedule; that owner decides
		if !current {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), expireTimeout)
		defer cancel()
		if err := m.Expire(ctx, id, "timer"); err != nil {
			m.Logger.Error("expire session", "request_id", id, "error", err)
		}
	})
	m.timers[id] = self
}

// Unschedule drops the timer of a session that closed some other way.
func (m *Manager) Unschedule(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[id]; ok {
		t.Stop()
		delete(m.timers, id)
	}
}

// Stop cancels every pending timer.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, t := range m.timers {
		t.Stop()
		delete(m.timers, id)
	}
}

// Pending reports how many timers are armed.
func (m *Manager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// Sweep force-closes every session past its window. Timers are the fast
// path; the sweep covers restarts, other instances and missed callbacks.
func (m *Manager) Sweep(ctx context.Context) (int, error) {
	var due []models.TripRequest
	err := m.Retry.Do(ctx, "store.list_expired", func(ctx context.Context) error {
		var err error
		due, err = m.Store.ListExpiredSessions(ctx, m.Now(), sweepBatch)
		return err
	})
	if err != nil {
		return 0, err
	}
	closed := 0
	for _, r := range due {
		if err := m.Expire(ctx, r.ID, "sweep"); err != nil {
			m.Logger.Error("sweep expire", "request_id", r.ID, "error", err)
			continue
		}
		closed++
	}
	return closed, nil
}

// Run sweeps every interval until ctx ends.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-ticker.C:
			if n, err := m.Sweep(ctx); err != nil {
				m.Logger.Error("sweep", "error", err)
			} else if n > 0 {
				m.Logger.Info("sweep closed sessions", "count", n)
			}
		}
	}
}

// Expire closes the session of requestID if its window has passed. With
// auto-accept the best pending offer wins, falling through to the next one
// when a worker turned out to be busy. Otherwise the request is cancelled
// by the system and its offers expire.
func (m *Manager) Expire(ctx context.Context, requestID, trigger string) error {
	m.Unschedule(requestID)
	var r *models.TripRequest
	err := m.Retry.Do(ctx, "store.get_request", func(ctx context.Context) error {
		var err error
		r, err = m.Store.GetRequest(ctx, requestID)
		return err
	})
	if err != nil {
		return err
	}
	if !r.Status.Biddable() {
		return nil
	}
	if m.Now().Before(r.BiddingExpiresAt) {
		m.Schedule(r)
		return nil
	}
	if m.Config.AutoAccept && m.Acceptor != nil {
		done, err := m.autoAccept(ctx, requestID)
		if err != nil {
			return err
		}
		if done {
			observability.SessionsExpired.WithLabelValues(trigger).Inc()
			return nil
		}
	}
	err = m.Retry.Do(ctx, "store.expire_session", func(ctx context.Context) error {
		_, err := m.Store.ExpireSession(ctx, requestID, m.Now())
		var mismatch *storage.StatusMismatchError
		switch {
		case errors.As(err, &mismatch):
			// already closed elsewhere
			return errClosed
		case errors.Is(err, storage.ErrSessionOpen):
			return errNotDue
		}
		return err
	})
	switch {
	case errors.Is(err, errClosed):
		return nil
	case errors.Is(err, errNotDue):
		if r, gerr := m.Store.GetRequest(ctx, requestID); gerr == nil {
			m.Schedule(r)
		}
		return nil
	case err != nil:
		return err
	}
	observability.SessionsExpired.WithLabelValues(trigger).Inc()
	m.Logger.Info("session expired without winner", "request_id", requestID, "trigger", trigger)
	return nil
}

var (
	errClosed = &apperr.ConflictError{Msg: "session already closed"}
	errNotDue = &apperr.ConflictError{Msg: "session not yet due"}
)

// autoAccept tries pending offers best first. done is true once the request
// left the biddable statuses, by this call or a concurrent one.
func (m *Manager) autoAccept(ctx context.Context, requestID string) (done bool, err error) {
	ranked, err := m.ranked(ctx, requestID)
	if err != nil {
		return false, err
	}
	for _, o := range ranked {
		_, err := m.Acceptor.AutoAccept(ctx, requestID, o.ID)
		if err == nil {
			m.Logger.Info("auto-accepted best offer", "request_id", requestID, "offer_id", o.ID, "price", o.Price)
			return true, nil
		}
		var conflict *apperr.ConflictError
		if !errors.As(err, &conflict) {
			return false, err
		}
		cur, gerr := m.Store.GetRequest(ctx, requestID)
		if gerr != nil {
			return false, gerr
		}
		if !cur.Status.Biddable() {
			return true, nil
		}
	}
	return false, nil
}
