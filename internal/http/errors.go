package httpapi

import (
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/example/ride-bidding/internal/apperr"
)

type errorBody struct {
	Error  string             `json:"error"`
	Code   string             `json:"code"`
	Fields []apperr.FieldError `json:"fields,omitempty"`
}

// statusFor maps a typed error to its HTTP status and a stable code.
func statusFor(err error) (int, string) {
	var (
		v  *apperr.ValidationError
		nf *apperr.NotFoundError
		c  *apperr.ConflictError
		it *apperr.InvalidTransitionError
		rl *apperr.RateLimitError
		nd *apperr.NoDriversAvailableError
		ex *apperr.ExpiredSessionError
		su *apperr.ServiceUnavailableError
		fb *apperr.ForbiddenError
		ua *apperr.UnauthorizedError
	)
	switch {
	case errors.As(err, &v):
		return http.StatusBadRequest, "validation"
	case errors.As(err, &nf):
		return http.StatusNotFound, "not_found"
	case errors.As(err, &c):
		return http.StatusConflict, "conflict"
	case errors.As(err, &it):
		return http.StatusConflict, "invalid_transition"
	case errors.As(err, &rl):
		return http.StatusTooManyRequests, "rate_limited"
	case errors.As(err, &nd):
		return http.StatusServiceUnavailable, "no_drivers"
	case errors.As(err, &ex):
		return http.StatusGone, "session_expired"
	case errors.As(err, &su):
		return http.StatusServiceUnavailable, "unavailable"
	case errors.As(err, &fb):
		return http.StatusForbidden, "forbidden"
	case errors.As(err, &ua):
		return http.StatusUnauthorized, "unauthorized"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	body := errorBody{Error: err.Error(), Code: code}
	var v *apperr.ValidationError
	if errors.As(err, &v) {
		body.Fields = v.Fields
	}
	var rl *apperr.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "error", err, "request_id", requestIDFromContext(r.Context()))
		if status == http.StatusInternalServerError {
			body.Error = "internal error"
		}
	}
	writeJSON(w, status, body)
}
