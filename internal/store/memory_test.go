package store

import (
	"context"
	"sync"
	"testing"

	"agora/api/internal/apperr"
)

func seedItem(t *testing.T, s *MemoryStore, id string) {
	t.Helper()
	if err := s.InsertItem(context.Background(), Item{ID: id, Category: "suggestion", Content: "more water stations"}); err != nil {
		t.Fatalf("InsertItem() error = %v", err)
	}
}

func countsByState(counts []StateCount) map[string]int {
	out := map[string]int{}
	for _, c := range counts {
		out[c.State] = c.Count
	}
	return out
}

func TestMemoryUpsertVoteReplaces(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedItem(t, s, "s1")

	previous, err := s.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: "unresolved"})
	if err != nil || previous != "" {
		t.Fatalf("first UpsertVote() = %q, %v", previous, err)
	}
	previous, err = s.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: "resolved"})
	if err != nil || previous != "unresolved" {
		t.Fatalf("second UpsertVote() = %q, %v", previous, err)
	}

	counts, err := s.VoteCounts(ctx, "s1")
	if err != nil {
		t.Fatalf("VoteCounts() error = %v", err)
	}
	got := countsByState(counts)
	if len(got) != 1 || got["resolved"] != 1 {
		t.Fatalf("counts = %v, want only resolved=1", got)
	}
}

func TestMemoryConcurrentCastsLeaveOneVote(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedItem(t, s, "s1")

	states := []string{"unresolved", "partial", "resolved"}
	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(state string) {
			defer wg.Done()
			if _, err := s.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: state}); err != nil {
				t.Errorf("UpsertVote() error = %v", err)
			}
		}(states[i%len(states)])
	}
	wg.Wait()

	counts, err := s.VoteCounts(ctx, "s1")
	if err != nil {
		t.Fatalf("VoteCounts() error = %v", err)
	}
	total := 0
	for _, c := range counts {
		total += c.Count
	}
	if total != 1 {
		t.Fatalf("total live votes = %d, want 1", total)
	}
}

func TestMemoryScopedVoteRequiresOwnKey(t *testing.T) {
	s := NewMemoryStore()
	seedItem(t, s, "s1")
	scoped := s.Scoped(Actor{ID: "u1", Role: "user", VoterKey: "user:u1"})

	_, err := scoped.UpsertVote(context.Background(), Vote{ItemID: "s1", VoterKey: "user:u2", State: "partial"})
	if !apperr.Is(err, apperr.KindUnauthorized) || apperr.PreconditionOf(err) != apperr.PreRowPolicy {
		t.Fatalf("UpsertVote() error = %v, want row-policy Unauthorized", err)
	}
	if _, err := scoped.UpsertVote(context.Background(), Vote{ItemID: "s1", VoterKey: "user:u1", State: "partial"}); err != nil {
		t.Fatalf("UpsertVote() own key error = %v", err)
	}
}

func TestMemoryDeleteItemCascadesVotes(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	seedItem(t, s, "s1")
	if _, err := s.UpsertVote(ctx, Vote{ItemID: "s1", VoterKey: "user:u1", State: "partial"}); err != nil {
		t.Fatalf("UpsertVote() error = %v", err)
	}

	if err := s.Scoped(Actor{ID: "u1", Role: "user"}).DeleteItem(ctx, "s1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("user DeleteItem() error = %v, want NotFound", err)
	}
	if err := s.Scoped(Actor{ID: "m1", Role: "moderator"}).DeleteItem(ctx, "s1"); err != nil {
		t.Fatalf("moderator DeleteItem() error = %v", err)
	}
	if _, err := s.VoteCounts(ctx, "s1"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("VoteCounts() after delete error = %v, want NotFound", err)
	}
	all, err := s.ListVoteCounts(ctx)
	if err != nil || len(all) != 0 {
		t.Fatalf("ListVoteCounts() = %v, %v; want empty", all, err)
	}
}

func TestMemoryProfilePolicies(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	name := "avery"
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "u1", Username: &name}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}

	owner := s.Scoped(Actor{ID: "u1", Role: "user", VoterKey: "user:u1"})
	renamed := "avery-r"
	profile, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u1", Username: &renamed})
	if err != nil || profile.Username != "avery-r" || profile.Role != "user" {
		t.Fatalf("owner rename = %+v, %v", profile, err)
	}

	moderator := "moderator"
	if _, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u1", Role: &moderator}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("owner role change error = %v, want Unauthorized", err)
	}
	if _, err := owner.UpsertProfile(ctx, ProfilePatch{ID: "u2", Username: &renamed}); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("foreign profile error = %v, want Unauthorized", err)
	}

	admin := s.Scoped(Actor{ID: "a1", Role: "system_admin"})
	profile, err = admin.UpsertProfile(ctx, ProfilePatch{ID: "u1", Role: &moderator})
	if err != nil || profile.Role != "moderator" || profile.Username != "avery-r" {
		t.Fatalf("admin role change = %+v, %v", profile, err)
	}

	guest := "guest"
	if _, err := admin.UpsertProfile(ctx, ProfilePatch{ID: "u1", Role: &guest}); !apperr.Is(err, apperr.KindInvalid) {
		t.Fatalf("guest role error = %v, want Invalid", err)
	}
}

func TestMemoryInsertPostRequiresAuthor(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStore()
	if _, err := s.UpsertProfile(ctx, ProfilePatch{ID: "u1"}); err != nil {
		t.Fatalf("seed profile: %v", err)
	}
	post := Post{ID: "p1", AuthorID: "u1", Topic: "labor", Kind: "feedback", Content: "shorter sessions"}

	if err := s.Scoped(Actor{ID: "u2", Role: "user"}).InsertPost(ctx, post); !apperr.Is(err, apperr.KindUnauthorized) {
		t.Fatalf("foreign author error = %v, want Unauthorized", err)
	}
	if err := s.Scoped(Actor{ID: "u1", Role: "user"}).InsertPost(ctx, post); err != nil {
		t.Fatalf("InsertPost() error = %v", err)
	}
	if err := s.InsertPost(ctx, post); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("duplicate InsertPost() error = %v, want Conflict", err)
	}
}

func TestMemoryCanceledContextIsUnavailable(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewMemoryStore().ListItems(ctx, ""); !apperr.Is(err, apperr.KindUnavailable) {
		t.Fatalf("ListItems() error = %v, want Unavailable", err)
	}
}
