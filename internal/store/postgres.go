package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"agora/api/internal/apperr"
	"github.com/jackc/pgx/v5"
)

// PostgresStore is the durable source of truth for items, posts, profiles and
// the vote and reaction ledgers. An unscoped store runs statements directly on
// its pool; a scoped store runs every write in a transaction that assumes the
// standard database role and publishes the actor's claims, so row-level
// policies apply to it.
type PostgresStore struct {
	db     *sql.DB
	actor  *Actor
	dbRole string
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Scoped returns a store whose writes are subject to row policies for actor.
func (s *PostgresStore) Scoped(actor Actor, dbRole string) *PostgresStore {
	return &PostgresStore{db: s.db, actor: &actor, dbRole: dbRole}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *PostgresStore) write(ctx context.Context, fn func(q queryer) error) error {
	if s.actor == nil {
		return classify(fn(s.db))
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classify(fmt.Errorf("begin scoped tx: %w", err))
	}
	if s.dbRole != "" {
		if _, err := tx.ExecContext(ctx, "SET LOCAL ROLE "+pgx.Identifier{s.dbRole}.Sanitize()); err != nil {
			_ = tx.Rollback()
			return classify(fmt.Errorf("assume standard role: %w", err))
		}
	}
	if _, err := tx.ExecContext(ctx, `
		SELECT
			set_config('request.jwt.claim.sub', $1, true),
			set_config('request.jwt.claim.role', $2, true),
			set_config('app.voter_key', $3, true)
	`, s.actor.ID, s.actor.Role, s.actor.VoterKey); err != nil {
		_ = tx.Rollback()
		return classify(fmt.Errorf("publish actor claims: %w", err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return classify(err)
	}
	if err := tx.Commit(); err != nil {
		return classify(fmt.Errorf("commit scoped tx: %w", err))
	}
	return nil
}

// UpsertVote replaces the live vote for (item, voter) and returns the state
// it replaced, or "" when the voter had not voted on the item yet.
func (s *PostgresStore) UpsertVote(ctx context.Context, vote Vote) (string, error) {
	var previous string
	err := s.write(ctx, func(q queryer) error {
		err := q.QueryRowContext(ctx, `
			WITH prev AS (
				SELECT state FROM votes WHERE item_id=$1 AND voter_key=$2
			)
			INSERT INTO votes (item_id, voter_key, state, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (item_id, voter_key) DO UPDATE SET state=EXCLUDED.state, updated_at=NOW()
			RETURNING COALESCE((SELECT state FROM prev), '')
		`, vote.ItemID, vote.VoterKey, vote.State).Scan(&previous)
		if err != nil {
			return fmt.Errorf("upsert vote: %w", err)
		}
		return nil
	})
	return previous, err
}

func (s *PostgresStore) UpsertReaction(ctx context.Context, reaction Reaction) (string, error) {
	var previous string
	err := s.write(ctx, func(q queryer) error {
		err := q.QueryRowContext(ctx, `
			WITH prev AS (
				SELECT reaction FROM reactions WHERE post_id=$1 AND voter_key=$2
			)
			INSERT INTO reactions (post_id, voter_key, reaction, updated_at)
			VALUES ($1, $2, $3, NOW())
			ON CONFLICT (post_id, voter_key) DO UPDATE SET reaction=EXCLUDED.reaction, updated_at=NOW()
			RETURNING COALESCE((SELECT reaction FROM prev), '')
		`, reaction.PostID, reaction.VoterKey, reaction.Type).Scan(&previous)
		if err != nil {
			return fmt.Errorf("upsert reaction: %w", err)
		}
		return nil
	})
	return previous, err
}

func (s *PostgresStore) InsertItem(ctx context.Context, item Item) error {
	return s.write(ctx, func(q queryer) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO items (id, category, content, created_by)
			VALUES ($1, $2, $3, NULLIF($4, ''))
		`, item.ID, item.Category, item.Content, item.CreatedBy)
		if err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) InsertPost(ctx context.Context, post Post) error {
	return s.write(ctx, func(q queryer) error {
		_, err := q.ExecContext(ctx, `
			INSERT INTO posts (id, author_id, topic, kind, content)
			VALUES ($1, $2, $3, $4, $5)
		`, post.ID, post.AuthorID, post.Topic, post.Kind, post.Content)
		if err != nil {
			return fmt.Errorf("insert post: %w", err)
		}
		return nil
	})
}

func (s *PostgresStore) DeleteItem(ctx context.Context, itemID string) error {
	return s.write(ctx, func(q queryer) error {
		return deleteByID(ctx, q, "items", itemID)
	})
}

func (s *PostgresStore) DeletePost(ctx context.Context, postID string) error {
	return s.write(ctx, func(q queryer) error {
		return deleteByID(ctx, q, "posts", postID)
	})
}

func deleteByID(ctx context.Context, q queryer, table, id string) error {
	result, err := q.ExecContext(ctx, `DELETE FROM `+table+` WHERE id=$1`, id)
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete from %s: %w", table, err)
	}
	if affected == 0 {
		return apperr.NotFound(strings.TrimSuffix(table, "s") + " not found")
	}
	return nil
}

// UpsertProfile creates or patches a profile. Nil patch fields keep their
// stored value; a new profile defaults to role user.
func (s *PostgresStore) UpsertProfile(ctx context.Context, patch ProfilePatch) (Profile, error) {
	var profile Profile
	err := s.write(ctx, func(q queryer) error {
		err := q.QueryRowContext(ctx, `
			INSERT INTO profiles (id, username, role, email, updated_at)
			VALUES ($1, COALESCE($2::text, ''), COALESCE($3::text, 'user'), COALESCE($4::text, ''), NOW())
			ON CONFLICT (id) DO UPDATE SET
				username = COALESCE($2::text, profiles.username),
				role = COALESCE($3::text, profiles.role),
				email = COALESCE($4::text, profiles.email),
				updated_at = NOW()
			RETURNING id, role, username, email, updated_at
		`, patch.ID, patch.Username, patch.Role, patch.Email).Scan(
			&profile.ID, &profile.Role, &profile.Username, &profile.Email, &profile.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("upsert profile: %w", err)
		}
		return nil
	})
	return profile, err
}

func (s *PostgresStore) GetProfile(ctx context.Context, id string) (Profile, error) {
	var profile Profile
	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, username, email, updated_at FROM profiles WHERE id=$1
	`, id).Scan(&profile.ID, &profile.Role, &profile.Username, &profile.Email, &profile.UpdatedAt)
	if err != nil {
		return Profile{}, classify(fmt.Errorf("get profile: %w", err))
	}
	return profile, nil
}

func (s *PostgresStore) ListProfiles(ctx context.Context) ([]Profile, error) {
	return s.queryProfiles(ctx, `
		SELECT id, role, username, email, updated_at FROM profiles ORDER BY username, id
	`)
}

func (s *PostgresStore) ProfilesByIDs(ctx context.Context, ids []string) ([]Profile, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return s.queryProfiles(ctx, `
		SELECT id, role, username, email, updated_at FROM profiles WHERE id = ANY($1) ORDER BY id
	`, ids)
}

func (s *PostgresStore) queryProfiles(ctx context.Context, query string, args ...any) ([]Profile, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("list profiles: %w", err))
	}
	defer rows.Close()

	var profiles []Profile
	for rows.Next() {
		var profile Profile
		if err := rows.Scan(&profile.ID, &profile.Role, &profile.Username, &profile.Email, &profile.UpdatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan profile: %w", err))
		}
		profiles = append(profiles, profile)
	}
	return profiles, classify(rows.Err())
}

func (s *PostgresStore) GetItem(ctx context.Context, id string) (Item, error) {
	var item Item
	err := s.db.QueryRowContext(ctx, `
		SELECT id, category, content, COALESCE(created_by, ''), created_at FROM items WHERE id=$1
	`, id).Scan(&item.ID, &item.Category, &item.Content, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Item{}, classify(fmt.Errorf("get item: %w", err))
	}
	return item, nil
}

// ListItems returns items newest first, restricted to category when set.
func (s *PostgresStore) ListItems(ctx context.Context, category string) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, category, content, COALESCE(created_by, ''), created_at
		FROM items
		WHERE ($1 = '' OR category = $1)
		ORDER BY created_at DESC, id
	`, category)
	if err != nil {
		return nil, classify(fmt.Errorf("list items: %w", err))
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var item Item
		if err := rows.Scan(&item.ID, &item.Category, &item.Content, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan item: %w", err))
		}
		items = append(items, item)
	}
	return items, classify(rows.Err())
}

func (s *PostgresStore) GetPost(ctx context.Context, id string) (Post, error) {
	var post Post
	err := s.db.QueryRowContext(ctx, `
		SELECT id, author_id, topic, kind, content, created_at FROM posts WHERE id=$1
	`, id).Scan(&post.ID, &post.AuthorID, &post.Topic, &post.Kind, &post.Content, &post.CreatedAt)
	if err != nil {
		return Post{}, classify(fmt.Errorf("get post: %w", err))
	}
	return post, nil
}

func (s *PostgresStore) ListPosts(ctx context.Context, topic string) ([]Post, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, author_id, topic, kind, content, created_at
		FROM posts
		WHERE ($1 = '' OR topic = $1)
		ORDER BY created_at DESC, id
	`, topic)
	if err != nil {
		return nil, classify(fmt.Errorf("list posts: %w", err))
	}
	defer rows.Close()

	var posts []Post
	for rows.Next() {
		var post Post
		if err := rows.Scan(&post.ID, &post.AuthorID, &post.Topic, &post.Kind, &post.Content, &post.CreatedAt); err != nil {
			return nil, classify(fmt.Errorf("scan post: %w", err))
		}
		posts = append(posts, post)
	}
	return posts, classify(rows.Err())
}

// VoteCounts folds the live votes of one item by state. It fails with
// NotFound when the item does not exist, so a deleted item never reads as an
// empty tally.
func (s *PostgresStore) VoteCounts(ctx context.Context, itemID string) ([]StateCount, error) {
	return s.subjectCounts(ctx, `
		SELECT i.id, v.state, COUNT(v.voter_key), MAX(v.updated_at)
		FROM items i
		LEFT JOIN votes v ON v.item_id = i.id
		WHERE i.id = $1
		GROUP BY i.id, v.state
	`, itemID, "item not found")
}

func (s *PostgresStore) ReactionCounts(ctx context.Context, postID string) ([]StateCount, error) {
	return s.subjectCounts(ctx, `
		SELECT p.id, r.reaction, COUNT(r.voter_key), MAX(r.updated_at)
		FROM posts p
		LEFT JOIN reactions r ON r.post_id = p.id
		WHERE p.id = $1
		GROUP BY p.id, r.reaction
	`, postID, "post not found")
}

func (s *PostgresStore) ListVoteCounts(ctx context.Context) ([]StateCount, error) {
	return s.counts(ctx, `
		SELECT item_id, state, COUNT(*), MAX(updated_at) FROM votes GROUP BY item_id, state
	`)
}

func (s *PostgresStore) ListReactionCounts(ctx context.Context) ([]StateCount, error) {
	return s.counts(ctx, `
		SELECT post_id, reaction, COUNT(*), MAX(updated_at) FROM reactions GROUP BY post_id, reaction
	`)
}

func (s *PostgresStore) subjectCounts(ctx context.Context, query, subjectID, missing string) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx, query, subjectID)
	if err != nil {
		return nil, classify(fmt.Errorf("count states: %w", err))
	}
	defer rows.Close()

	found := false
	counts := []StateCount{}
	for rows.Next() {
		found = true
		var (
			subject      string
			state        sql.NullString
			count        int
			lastActivity sql.NullTime
		)
		if err := rows.Scan(&subject, &state, &count, &lastActivity); err != nil {
			return nil, classify(fmt.Errorf("scan state count: %w", err))
		}
		if !state.Valid {
			continue
		}
		counts = append(counts, StateCount{
			SubjectID:    subject,
			State:        state.String,
			Count:        count,
			LastActivity: lastActivity.Time,
		})
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	if !found {
		return nil, apperr.NotFound(missing)
	}
	return counts, nil
}

func (s *PostgresStore) counts(ctx context.Context, query string) ([]StateCount, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, classify(fmt.Errorf("count states: %w", err))
	}
	defer rows.Close()

	var counts []StateCount
	for rows.Next() {
		var count StateCount
		if err := rows.Scan(&count.SubjectID, &count.State, &count.Count, &count.LastActivity); err != nil {
			return nil, classify(fmt.Errorf("scan state count: %w", err))
		}
		counts = append(counts, count)
	}
	return counts, classify(rows.Err())
}
