// Package retry is the one retry/backoff policy used for every call that
// leaves the process: the store, pricing, Redis, Kafka and Stripe.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/example/ride-bidding/internal/apperr"
)

// Policy bounds how a failing call is retried.
type Policy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
	Retryable   func(error) bool
	// Sleep is swapped in tests; nil means a context-aware timer wait.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Default retries transient failures three times starting at 100ms.
func Default() Policy {
	return Policy{
		MaxAttempts: 3,
		Backoff:     Exponential(100*time.Millisecond, 2*time.Second),
		Retryable:   Transient,
	}
}

// Exponential doubles base per attempt, capped at max.
func Exponential(base, max time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		d := base
		for i := 1; i < attempt; i++ {
			d *= 2
			if d >= max {
				return max
			}
		}
		return d
	}
}

// Transient treats everything except typed domain outcomes and context
// cancellation as worth another attempt.
func Transient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return !apperr.IsDomain(err)
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts
// run out. Exhaustion is reported as *apperr.ServiceUnavailableError.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	retryable := p.Retryable
	if retryable == nil {
		retryable = Transient
	}
	var err error
	for i := 1; i <= attempts; i++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if !retryable(err) {
			return err
		}
		if i == attempts {
			break
		}
		if serr := p.sleep(ctx, p.delay(i)); serr != nil {
			return serr
		}
	}
	return &apperr.ServiceUnavailableError{Op: op, Err: err}
}

func (p Policy) delay(attempt int) time.Duration {
	if p.Backoff == nil {
		return 0
	}
	return p.Backoff(attempt)
}

func (p Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
