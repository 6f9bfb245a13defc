package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"agora/api/internal/apperr"
	"agora/api/internal/rbac"
)

// MemoryStore keeps everything in process. A scoped MemoryStore enforces the
// same row policies the Postgres migrations install, which makes it usable
// as the standard credential in tests and local runs.
type MemoryStore struct {
	data  *memoryData
	actor *Actor
}

type memoryData struct {
	mu        sync.RWMutex
	profiles  map[string]Profile
	items     map[string]Item
	votes     map[string]map[string]Vote
	posts     map[string]Post
	reactions map[string]map[string]Reaction
	last      time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: &memoryData{
		profiles:  map[string]Profile{},
		items:     map[string]Item{},
		votes:     map[string]map[string]Vote{},
		posts:     map[string]Post{},
		reactions: map[string]map[string]Reaction{},
	}}
}

func (s *MemoryStore) Scoped(actor Actor) *MemoryStore {
	return &MemoryStore{data: s.data, actor: &actor}
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// tick returns a strictly increasing timestamp. Callers hold the write lock.
func (d *memoryData) tick() time.Time {
	now := time.Now().UTC()
	if !now.After(d.last) {
		now = d.last.Add(time.Microsecond)
	}
	d.last = now
	return now
}

func rowPolicy(message string) error {
	return &apperr.Error{
		Kind:         apperr.KindUnauthorized,
		Code:         "UNAUTHORIZED",
		Message:      message,
		Precondition: apperr.PreRowPolicy,
	}
}

func (s *MemoryStore) rank() int {
	if s.actor == nil {
		return rbac.Rank(rbac.RoleSystemAdmin)
	}
	return rbac.Rank(rbac.Role(s.actor.Role))
}

func (s *MemoryStore) ownsKey(voterKey string) bool {
	return s.actor == nil || (s.actor.VoterKey != "" && s.actor.VoterKey == voterKey)
}

func (s *MemoryStore) UpsertVote(ctx context.Context, vote Vote) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(err)
	}
	if !s.ownsKey(vote.VoterKey) {
		return "", rowPolicy("vote voter key does not match the acting identity")
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.items[vote.ItemID]; !ok {
		return "", apperr.NotFound("item not found")
	}
	byVoter := s.data.votes[vote.ItemID]
	if byVoter == nil {
		byVoter = map[string]Vote{}
		s.data.votes[vote.ItemID] = byVoter
	}
	previous := byVoter[vote.VoterKey].State
	vote.UpdatedAt = s.data.tick()
	byVoter[vote.VoterKey] = vote
	return previous, nil
}

func (s *MemoryStore) UpsertReaction(ctx context.Context, reaction Reaction) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", classify(err)
	}
	if !s.ownsKey(reaction.VoterKey) {
		return "", rowPolicy("reaction voter key does not match the acting identity")
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.posts[reaction.PostID]; !ok {
		return "", apperr.NotFound("post not found")
	}
	byVoter := s.data.reactions[reaction.PostID]
	if byVoter == nil {
		byVoter = map[string]Reaction{}
		s.data.reactions[reaction.PostID] = byVoter
	}
	previous := byVoter[reaction.VoterKey].Type
	reaction.UpdatedAt = s.data.tick()
	byVoter[reaction.VoterKey] = reaction
	return previous, nil
}

func (s *MemoryStore) InsertItem(ctx context.Context, item Item) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	if s.rank() < rbac.Rank(rbac.RoleModerator) {
		return rowPolicy("items may only be created by moderators")
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, exists := s.data.items[item.ID]; exists {
		return apperr.Conflict("item already exists", nil)
	}
	item.CreatedAt = s.data.tick()
	s.data.items[item.ID] = item
	return nil
}

func (s *MemoryStore) InsertPost(ctx context.Context, post Post) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	if s.actor != nil && (s.actor.ID == "" || s.actor.ID != post.AuthorID || s.rank() < rbac.Rank(rbac.RoleUser)) {
		return rowPolicy("posts may only be authored as oneself")
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, exists := s.data.posts[post.ID]; exists {
		return apperr.Conflict("post already exists", nil)
	}
	if _, ok := s.data.profiles[post.AuthorID]; !ok {
		return apperr.NotFound("author profile not found")
	}
	post.CreatedAt = s.data.tick()
	s.data.posts[post.ID] = post
	return nil
}

// DeleteItem removes the item and, by cascade, its votes. Like a row policy
// that filters the row out, an unprivileged actor sees NotFound.
func (s *MemoryStore) DeleteItem(ctx context.Context, itemID string) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.items[itemID]; !ok || s.rank() < rbac.Rank(rbac.RoleModerator) {
		return apperr.NotFound("item not found")
	}
	delete(s.data.items, itemID)
	delete(s.data.votes, itemID)
	return nil
}

func (s *MemoryStore) DeletePost(ctx context.Context, postID string) error {
	if err := ctx.Err(); err != nil {
		return classify(err)
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	if _, ok := s.data.posts[postID]; !ok || s.rank() < rbac.Rank(rbac.RoleModerator) {
		return apperr.NotFound("post not found")
	}
	delete(s.data.posts, postID)
	delete(s.data.reactions, postID)
	return nil
}

func (s *MemoryStore) UpsertProfile(ctx context.Context, patch ProfilePatch) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, classify(err)
	}
	s.data.mu.Lock()
	defer s.data.mu.Unlock()

	current, exists := s.data.profiles[patch.ID]
	if s.actor != nil && s.actor.Role != string(rbac.RoleSystemAdmin) {
		if s.actor.ID == "" || s.actor.ID != patch.ID {
			return Profile{}, rowPolicy("profiles may only be changed by their owner")
		}
		roleChange := patch.Role != nil && (!exists && *patch.Role != string(rbac.RoleUser) || exists && *patch.Role != current.Role)
		if roleChange {
			return Profile{}, rowPolicy("role changes require system_admin")
		}
	}
	if !exists {
		current = Profile{ID: patch.ID, Role: string(rbac.RoleUser)}
	}
	if patch.Username != nil {
		current.Username = *patch.Username
	}
	if patch.Role != nil {
		if !rbac.Assignable(rbac.Role(*patch.Role)) {
			return Profile{}, apperr.Invalid("role is not assignable")
		}
		current.Role = *patch.Role
	}
	if patch.Email != nil {
		current.Email = *patch.Email
	}
	current.UpdatedAt = s.data.tick()
	s.data.profiles[patch.ID] = current
	return current, nil
}

func (s *MemoryStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	if err := ctx.Err(); err != nil {
		return Profile{}, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	profile, ok := s.data.profiles[id]
	if !ok {
		return Profile{}, apperr.NotFound("profile not found")
	}
	return profile, nil
}

func (s *MemoryStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	profiles := make([]Profile, 0, len(s.data.profiles))
	for _, profile := range s.data.profiles {
		profiles = append(profiles, profile)
	}
	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].Username != profiles[j].Username {
			return profiles[i].Username < profiles[j].Username
		}
		return profiles[i].ID < profiles[j].ID
	})
	return profiles, nil
}

func (s *MemoryStore) ProfilesByIDs(ctx context.Context, ids []string) ([]Profile, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var profiles []Profile
	for _, id := range ids {
		if profile, ok := s.data.profiles[id]; ok {
			profiles = append(profiles, profile)
		}
	}
	sort.Slice(profiles, func(i, j int) bool { return profiles[i].ID < profiles[j].ID })
	return profiles, nil
}

func (s *MemoryStore) GetItem(ctx context.Context, id string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	item, ok := s.data.items[id]
	if !ok {
		return Item{}, apperr.NotFound("item not found")
	}
	return item, nil
}

func (s *MemoryStore) ListItems(ctx context.Context, category string) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	items := []Item{}
	for _, item := range s.data.items {
		if category == "" || item.Category == category {
			items = append(items, item)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.After(items[j].CreatedAt)
		}
		return items[i].ID < items[j].ID
	})
	return items, nil
}

func (s *MemoryStore) GetPost(ctx context.Context, id string) (Post, error) {
	if err := ctx.Err(); err != nil {
		return Post{}, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	post, ok := s.data.posts[id]
	if !ok {
		return Post{}, apperr.NotFound("post not found")
	}
	return post, nil
}

func (s *MemoryStore) ListPosts(ctx context.Context, topic string) ([]Post, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	posts := []Post{}
	for _, post := range s.data.posts {
		if topic == "" || post.Topic == topic {
			posts = append(posts, post)
		}
	}
	sort.Slice(posts, func(i, j int) bool {
		if !posts[i].CreatedAt.Equal(posts[j].CreatedAt) {
			return posts[i].CreatedAt.After(posts[j].CreatedAt)
		}
		return posts[i].ID < posts[j].ID
	})
	return posts, nil
}

func (s *MemoryStore) VoteCounts(ctx context.Context, itemID string) ([]StateCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	if _, ok := s.data.items[itemID]; !ok {
		return nil, apperr.NotFound("item not found")
	}
	counts := foldCounts(itemID, s.data.votes[itemID], func(v Vote) (string, time.Time) { return v.State, v.UpdatedAt })
	return counts, nil
}

func (s *MemoryStore) ReactionCounts(ctx context.Context, postID string) ([]StateCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	if _, ok := s.data.posts[postID]; !ok {
		return nil, apperr.NotFound("post not found")
	}
	counts := foldCounts(postID, s.data.reactions[postID], func(r Reaction) (string, time.Time) { return r.Type, r.UpdatedAt })
	return counts, nil
}

func (s *MemoryStore) ListVoteCounts(ctx context.Context) ([]StateCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var counts []StateCount
	for itemID, byVoter := range s.data.votes {
		counts = append(counts, foldCounts(itemID, byVoter, func(v Vote) (string, time.Time) { return v.State, v.UpdatedAt })...)
	}
	return counts, nil
}

func (s *MemoryStore) ListReactionCounts(ctx context.Context) ([]StateCount, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify(err)
	}
	s.data.mu.RLock()
	defer s.data.mu.RUnlock()

	var counts []StateCount
	for postID, byVoter := range s.data.reactions {
		counts = append(counts, foldCounts(postID, byVoter, func(r Reaction) (string, time.Time) { return r.Type, r.UpdatedAt })...)
	}
	return counts, nil
}

func foldCounts[T any](subjectID string, rows map[string]T, fields func(T) (string, time.Time)) []StateCount {
	byState := map[string]*StateCount{}
	for _, row := range rows {
		state, updatedAt := fields(row)
		count := byState[state]
		if count == nil {
			count = &StateCount{SubjectID: subjectID, State: state}
			byState[state] = count
		}
		count.Count++
		if updatedAt.After(count.LastActivity) {
			count.LastActivity = updatedAt
		}
	}
	counts := make([]StateCount, 0, len(byState))
	for _, count := range byState {
		counts = append(counts, *count)
	}
	sort.Slice(counts, func(i, j int) bool { return counts[i].State < counts[j].State })
	return counts
}
