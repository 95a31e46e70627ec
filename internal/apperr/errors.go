// Package apperr holds the typed errors returned by every matching and
// bidding operation. Callers match them with errors.As.
package apperr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError reports every invalid input field, not only the first.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		parts = append(parts, f.Field+": "+f.Message)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Add records an invalid field.
func (e *ValidationError) Add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

// OrNil returns e when at least one field was recorded.
func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Fields) == 0 {
		return nil
	}
	return e
}

// Invalid builds a single-field ValidationError.
func Invalid(field, msg string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}

type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Entity, e.ID) }

// ConflictError means state changed concurrently; the caller must re-read
// before retrying.
type ConflictError struct {
	Msg string
}

func (e *ConflictError) Error() string { return "conflict: " + e.Msg }

func Conflict(format string, args ...any) error {
	return &ConflictError{Msg: fmt.Sprintf(format, args...)}
}

type InvalidTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid state transition for order %s: %s -> %s", e.OrderID, e.From, e.To)
}

type RateLimitError struct {
	Key        string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for %s, retry after %s", e.Key, e.RetryAfter)
}

type NoDriversAvailableError struct {
	RadiusM float64
}

func (e *NoDriversAvailableError) Error() string {
	return fmt.Sprintf("no drivers available within %.0fm", e.RadiusM)
}

type ExpiredSessionError struct {
	RequestID string
}

func (e *ExpiredSessionError) Error() string {
	return fmt.Sprintf("bidding session for request %s is closed", e.RequestID)
}

// ServiceUnavailableError wraps a collaborator failure that survived retries.
type ServiceUnavailableError struct {
	Op  string
	Err error
}

func (e *ServiceUnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Op, e.Err)
}

func (e *ServiceUnavailableError) Unwrap() error { return e.Err }

type ForbiddenError struct {
	Msg string
}

func (e *ForbiddenError) Error() string { return "forbidden: " + e.Msg }

type UnauthorizedError struct {
	Err error
}

func (e *UnauthorizedError) Error() string { return fmt.Sprintf("unauthorized: %v", e.Err) }

func (e *UnauthorizedError) Unwrap() error { return e.Err }

// IsDomain reports whether err is one of the typed outcomes above. Domain
// errors are final answers and are never retried.
func IsDomain(err error) bool {
	var (
		v  *ValidationError
		nf *NotFoundError
		c  *ConflictError
		it *InvalidTransitionError
		rl *RateLimitError
		nd *NoDriversAvailableError
		ex *ExpiredSessionError
		su *ServiceUnavailableError
		fb *ForbiddenError
		ua *UnauthorizedError
	)
	return errors.As(err, &v) || errors.As(err, &nf) || errors.As(err, &c) ||
		errors.As(err, &it) || errors.As(err, &rl) || errors.As(err, &nd) ||
		errors.As(err, &ex) || errors.As(err, &su) || errors.As(err, &fb) || errors.As(err, &ua)
}
