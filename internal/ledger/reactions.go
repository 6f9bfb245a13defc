package ledger

import (
	"context"
	"strings"
	"time"
	"unicode/utf8"

	"agora/api/internal/apperr"
	"agora/api/internal/cache"
	"agora/api/internal/gateway"
	"agora/api/internal/identity"
	"agora/api/internal/rbac"
	"agora/api/internal/store"
	"agora/api/internal/util"
)

const maxPostRunes = 2000

type ReactionReader interface {
	ReactionCounts(ctx context.Context, postID string) ([]store.StateCount, error)
	ListReactionCounts(ctx context.Context) ([]store.StateCount, error)
	ListPosts(ctx context.Context, topic string) ([]store.Post, error)
	ProfilesByIDs(ctx context.Context, ids []string) ([]store.Profile, error)
}

type ReactionDelta = Delta[ReactionType, ReactionTally]

// ReactionLedger is the vote ledger's counterpart for discussion posts.
type ReactionLedger struct {
	engine engine[ReactionType, ReactionTally]
	reader ReactionReader
	writer Writer
	cache  *cache.Freshness
}

func NewReactionLedger(reader ReactionReader, writer Writer, c *cache.Freshness) *ReactionLedger {
	return &ReactionLedger{
		reader: reader,
		writer: writer,
		cache:  c,
		engine: engine[ReactionType, ReactionTally]{
			subject:  "reaction",
			alphabet: reactionTypes,
			writer:   writer,
			cache:    c,
			tallyKey: cache.PostReactions,
			counts:   reader.ReactionCounts,
			build:    reactionTally,
			castOp: func(postID, voterKey string, reaction ReactionType) gateway.Operation {
				return gateway.CastReaction(store.Reaction{PostID: postID, VoterKey: voterKey, Type: string(reaction)})
			},
		},
	}
}

func (l *ReactionLedger) Cast(ctx context.Context, ident identity.Identity, postID string, reaction ReactionType) (ReactionDelta, error) {
	return l.engine.cast(ctx, ident, postID, reaction)
}

func (l *ReactionLedger) Tally(ctx context.Context, postID string) (ReactionTally, error) {
	return l.engine.tally(ctx, postID)
}

type PostDraft struct {
	Topic   string
	Kind    string
	Content string
}

func (d PostDraft) validate() error {
	if !ValidTopic(d.Topic) {
		return apperr.Invalid("unknown topic " + d.Topic)
	}
	if !ValidPostKind(d.Kind) {
		return apperr.Invalid("unknown post kind " + d.Kind)
	}
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return apperr.Invalid("content is required")
	}
	if utf8.RuneCountInString(content) > maxPostRunes {
		return apperr.Invalid("content is too long")
	}
	return nil
}

// CreatePost publishes a post authored by ident.
func (l *ReactionLedger) CreatePost(ctx context.Context, ident identity.Identity, draft PostDraft) (store.Post, error) {
	if err := draft.validate(); err != nil {
		return store.Post{}, err
	}
	post := store.Post{
		ID:        util.NewID(""),
		AuthorID:  ident.ID,
		Topic:     draft.Topic,
		Kind:      draft.Kind,
		Content:   strings.TrimSpace(draft.Content),
		CreatedAt: time.Now().UTC(),
	}
	if _, err := l.writer.Write(ctx, gateway.CreatePost(post), ident); err != nil {
		return store.Post{}, err
	}
	return post, nil
}

type PostStanding struct {
	ID           string        `json:"id"`
	AuthorID     string        `json:"authorId"`
	AuthorLabel  string        `json:"authorLabel"`
	Topic        string        `json:"topic"`
	Kind         string        `json:"kind"`
	Content      string        `json:"content"`
	CreatedAt    time.Time     `json:"createdAt"`
	Tally        ReactionTally `json:"tally"`
	SupportRatio float64       `json:"supportRatio"`
	LastActivity time.Time     `json:"lastActivity"`
}

type PostFilter struct {
	Topic string
}

// Board lists posts ranked by support ratio, ties broken by most recent
// activity.
func (l *ReactionLedger) Board(ctx context.Context, filter PostFilter) ([]PostStanding, error) {
	if filter.Topic != "" && !ValidTopic(filter.Topic) {
		return nil, apperr.Invalid("unknown topic " + filter.Topic)
	}
	all, err := fetch(ctx, l.cache, cache.PostsList, l.standings)
	if err != nil {
		return nil, err
	}
	out := make([]PostStanding, 0, len(all))
	for _, standing := range all {
		if filter.Topic == "" || standing.Topic == filter.Topic {
			out = append(out, standing)
		}
	}
	return out, nil
}

func (l *ReactionLedger) standings(ctx context.Context) ([]PostStanding, error) {
	posts, err := l.reader.ListPosts(ctx, "")
	if err != nil {
		return nil, err
	}
	rows, err := l.reader.ListReactionCounts(ctx)
	if err != nil {
		return nil, err
	}
	labels, err := l.authorLabels(ctx, posts)
	if err != nil {
		return nil, err
	}
	byPost := fold(reactionTypes, rows)

	out := make([]PostStanding, 0, len(posts))
	for _, post := range posts {
		standing := PostStanding{
			ID:           post.ID,
			AuthorID:     post.AuthorID,
			AuthorLabel:  labels[post.AuthorID],
			Topic:        post.Topic,
			Kind:         post.Kind,
			Content:      post.Content,
			CreatedAt:    post.CreatedAt,
			LastActivity: post.CreatedAt,
		}
		if f := byPost[post.ID]; f != nil {
			standing.Tally = reactionTally(f.byState)
			if f.lastActivity.After(standing.LastActivity) {
				standing.LastActivity = f.lastActivity
			}
		}
		standing.SupportRatio = standing.Tally.SupportRatio()
		out = append(out, standing)
	}
	rank(out,
		func(s PostStanding) float64 { return s.SupportRatio },
		func(s PostStanding) time.Time { return s.LastActivity },
		func(s PostStanding) string { return s.ID },
	)
	return out, nil
}

func (l *ReactionLedger) authorLabels(ctx context.Context, posts []store.Post) (map[string]string, error) {
	seen := map[string]bool{}
	var ids []string
	for _, post := range posts {
		if !seen[post.AuthorID] {
			seen[post.AuthorID] = true
			ids = append(ids, post.AuthorID)
		}
	}
	profiles, err := l.reader.ProfilesByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	labels := make(map[string]string, len(ids))
	for _, id := range ids {
		labels[id] = identity.Label(rbac.RoleUser, id, "")
	}
	for _, profile := range profiles {
		labels[profile.ID] = identity.Label(rbac.Normalize(profile.Role), profile.ID, profile.Username)
	}
	return labels, nil
}
