package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"agora/api/internal/apperr"
)

const testStandardRole = "agora_participant"

func openTestStore(t *testing.T) (*PostgresStore, context.Context) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("AGORA_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("AGORA_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	t.Cleanup(cancel)

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return NewPostgresStore(db), ctx
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA public CASCADE; CREATE SCHEMA public;`)
	return err
}

func TestPostgresVoteLedgerUnderRowPolicies(t *testing.T) {
	s, ctx := openTestStore(t)

	modRole := "moderator"
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "m1", Role: &modRole}); err != nil {
		t.Fatalf("seed moderator: %v", err)
	}
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "u1"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	moderator := s.Scoped(Actor{ID: "m1", Role: "moderator", VoterKey: "user:m1"}, testStandardRole)
	user := s.Scoped(Actor{ID: "u1", Role: "user", VoterKey: "user:u1"}, testStandardRole)

	if err := user.InsertItem(ctx, Item{ID: "s0", Category: "suggestion", Content: "x"}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("user InsertItem() error = %v, want Unauthorized", err)
	}
	if err := moderator.InsertItem(ctx, Item{ID: "s1", Category: "suggestion", Content: "more shade", CreatedBy: "m1"}); err != nil {
		t.Fatalf("moderator InsertItem() error = %v", err)
	}

	previous, err := user.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: "unresolved"})
	if err != nil || previous != "" {
		t.Fatalf("first vote = %q, %v", previous, err)
	}
	previous, err = user.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: "resolved"})
	if err != nil || previous != "unresolved" {
		t.Fatalf("re-vote = %q, %v", previous, err)
	}

	_, err = user.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u2", State: "partial"})
	if !apperr.Is(err, apperr.KindUnauthorized) || apperr.PreconditionOf(err) != apperr.PreRowPolicy {
		t.Fatalf("foreign key vote error = %v, want row-policy Unauthorized", err)
	}

	counts, err := s.VoteCounts(ctx, "s1")
	if err != nil {
		t.Fatalf("VoteCounts() error = %v", err)
	}
	if len(counts) != 1 || counts[0].State != "resolved" || counts[0].Count != 1 {
		t.Fatalf("counts = %+v, want resolved=1", counts)
	}

	if err := moderator.DeleteItem(ctx, "s1"); err != nil {
		t.Fatalf("DeleteItem() error = %v", err)
	}
	if _, err := s.VoteCounts(ctx, "s1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("VoteCounts() after delete error = %v, want NotFound", err)
	}
}

func TestPostgresProfileOwnerCannotChangeRole(t *testing.T) {
	s, ctx := openTestStore(t)
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "u1"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	owner := s.Scoped(Actor{ID: "u1", Role: "user", VoterKey: "user:u1"}, testStandardRole)

	name := "avery"
	profile, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u1", Username: &name})
	if err != nil || profile.Username != "avery" {
		t.Fatalf("rename = %+v, %v", profile, err)
	}

	admin := "system_admin"
	if _, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u1", Role: &admin}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("self-promotion error = %v, want Unauthorized", err)
	}
	stored, err := s.GetProfile(ctx, "u1")
	if err != nil || stored.Role != "user" {
		t.Fatalf("stored profile = %+v, %v", stored, err)
	}
}

func TestPostgresRoleGuardIgnoresDatabaseRoleName(t *testing.T) {
	s, ctx := openTestStore(t)
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "u2"}); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	// No SET ROLE: only the published claims identify the actor.
	owner := s.Scoped(Actor{ID: "u2", Role: "user", VoterKey: "user:u2"}, "")

	admin := "system_admin"
	if _, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u2", Role: &admin}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("self-promotion error = %v, want Unauthorized", err)
	}
	stored, err := s.GetProfile(ctx, "u2")
	if err != nil || stored.Role != "user" {
		t.Fatalf("stored profile = %+v, %v", stored, err)
	}
}
