package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"

	"agora/api/internal/apperr"
	"github.com/jackc/pgx/v5/pgconn"
)

// classify maps driver and Postgres errors onto the core taxonomy. Errors
// already in the taxonomy pass through untouched.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.Wrap(apperr.KindNotFound, "NOT_FOUND", "record not found", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperr.Unavailable("store call did not complete in time", err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "42501":
			return &apperr.Error{
				Kind:         apperr.KindUnauthorized,
				Code:         "UNAUTHORIZED",
				Message:      "row policy rejected the write",
				Precondition: apperr.PreRowPolicy,
				Err:          err,
			}
		case "23505", "40001", "40P01":
			return apperr.Conflict("write lost a race at the store", err)
		case "23503":
			return apperr.Wrap(apperr.KindNotFound, "NOT_FOUND", "referenced record not found", err)
		case "23514", "22P02":
			return apperr.Wrap(apperr.KindInvalid, "VALIDATION_ERROR", "value rejected by store", err)
		case "57014", "57P01", "08000", "08003", "08006":
			return apperr.Unavailable("store connection interrupted", err)
		}
		return err
	}

	if pgconn.Timeout(err) {
		return apperr.Unavailable("store timeout", err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return apperr.Unavailable("store unreachable", err)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return apperr.Unavailable("store connection lost", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperr.Unavailable("store network error", err)
	}
	return err
}
