package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"agora/api/internal/apperr"
	"github.com/jackc/pgx/v5/pgconn"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		kind apperr.Kind
	}{
		{name: "no rows", err: sql.ErrNoRows, kind: apperr.KindNotFound},
		{name: "deadline", err: fmt.Errorf("exec: %w", context.DeadlineExceeded), kind: apperr.KindUnavailable},
		{name: "rls", err: &pgconn.PgError{Code: "42501"}, kind: apperr.KindUnauthorized},
		{name: "unique", err: &pgconn.PgError{Code: "23505"}, kind: apperr.KindConflict},
		{name: "serialization", err: &pgconn.PgError{Code: "40001"}, kind: apperr.KindConflict},
		{name: "foreign key", err: &pgconn.PgError{Code: "23503"}, kind: apperr.KindNotFound},
		{name: "check", err: &pgconn.PgError{Code: "23514"}, kind: apperr.KindInvalid},
		{name: "admin shutdown", err: &pgconn.PgError{Code: "57P01"}, kind: apperr.KindUnavailable},
		{name: "bad conn", err: sql.ErrConnDone, kind: apperr.KindUnavailable},
		{name: "unknown", err: errors.New("boom"), kind: apperr.KindInternal},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := apperr.KindOf(classify(tc.err)); got != tc.kind {
				t.Fatalf("classify(%v) kind = %q, want %q", tc.err, got, tc.kind)
			}
		})
	}
}

func TestClassifyRowPolicyPrecondition(t *testing.T) {
	err := classify(&pgconn.PgError{Code: "42501"})
	if got := apperr.PreconditionOf(err); got != apperr.PreRowPolicy {
		t.Fatalf("precondition = %q, want %q", got, apperr.PreRowPolicy)
	}
}

func TestClassifyPassesTaxonomyErrors(t *testing.T) {
	original := apperr.Forbidden("moderator role required")
	if got := classify(original); got != error(original) {
		t.Fatalf("expected taxonomy error to pass through, got %v", got)
	}
}
