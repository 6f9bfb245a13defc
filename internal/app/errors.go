package app

import (
	"context"
	"errors"
	"net/http"

	"agora/api/internal/apperr"
)

var errInvalidBody = errors.New("invalid JSON body")

// mapError turns a core error into the response status and body fields.
// A call that ran out of time is retryable; other errors outside the taxonomy
// are reported as a bare server error.
func mapError(err error) (status int, code, message, precondition string) {
	var appErr *apperr.Error
	if !errors.As(err, &appErr) {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return mapError(apperr.Unavailable("request did not complete in time", err))
		}
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", ""
	}
	switch appErr.Kind {
	case apperr.KindUnauthorized:
		status = http.StatusUnauthorized
	case apperr.KindForbidden:
		status = http.StatusForbidden
	case apperr.KindConflict:
		status = http.StatusConflict
	case apperr.KindUnavailable:
		status = http.StatusServiceUnavailable
	case apperr.KindNotFound:
		status = http.StatusNotFound
	case apperr.KindInvalid:
		status = http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError, "SERVER_ERROR", "Server error", ""
	}
	return status, appErr.Code, appErr.Message, appErr.Precondition
}
