package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches items and posts in place through their search_vector columns.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

type ftsQuery struct {
	count string
	data  string
	args  []any
}

// buildFTSQuery returns a UNION ALL over items and posts ranked by ts_rank,
// or ok=false when nothing should be searched.
func buildFTSQuery(q Query) (ftsQuery, bool) {
	if strings.TrimSpace(q.Text) == "" {
		return ftsQuery{}, false
	}
	q = normalize(q)

	tsQuery := "plainto_tsquery('simple', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string
	if q.FilterType == "" || q.FilterType == ResultItem {
		where := "i.search_vector @@ " + tsQuery
		if q.Facet != "" {
			where += fmt.Sprintf(" AND i.category = $%d", argN)
			args = append(args, q.Facet)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'item'::text AS type, i.id,
				ts_headline('simple', i.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				i.category AS facet, ''::text AS kind,
				ts_rank(i.search_vector, %s) AS rank
			FROM items i
			WHERE %s`, tsQuery, tsQuery, where))
	}
	if q.FilterType == "" || q.FilterType == ResultPost {
		where := "p.search_vector @@ " + tsQuery
		if q.Facet != "" {
			where += fmt.Sprintf(" AND p.topic = $%d", argN)
			args = append(args, q.Facet)
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'post'::text AS type, p.id,
				ts_headline('simple', p.content, %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				p.topic AS facet, p.kind,
				ts_rank(p.search_vector, %s) AS rank
			FROM posts p
			WHERE %s`, tsQuery, tsQuery, where))
	}
	if len(subQueries) == 0 {
		return ftsQuery{}, false
	}

	union := strings.Join(subQueries, " UNION ALL ")
	return ftsQuery{
		count: fmt.Sprintf("SELECT count(*) FROM (%s) sub", union),
		data: fmt.Sprintf(`SELECT type, id, snippet, facet, kind
			FROM (%s) sub
			ORDER BY rank DESC, id
			LIMIT %d OFFSET %d`, union, q.Limit, q.Offset),
		args: args,
	}, true
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	built, ok := buildFTSQuery(q)
	if !ok {
		return nil, 0, nil
	}

	var total int
	if err := p.db.QueryRowContext(ctx, built.count, built.args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, built.data, built.args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Snippet, &r.Facet, &r.Kind); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]ItemRecord, []PostRecord, error) {
	itemRows, err := p.db.QueryContext(ctx, `SELECT id, category, content FROM items`)
	if err != nil {
		return nil, nil, fmt.Errorf("load items: %w", err)
	}
	defer itemRows.Close()

	items := make([]ItemRecord, 0)
	for itemRows.Next() {
		var r ItemRecord
		if err := itemRows.Scan(&r.ID, &r.Category, &r.Content); err != nil {
			return nil, nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, r)
	}
	if err := itemRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate items: %w", err)
	}

	postRows, err := p.db.QueryContext(ctx, `SELECT id, topic, kind, content FROM posts`)
	if err != nil {
		return nil, nil, fmt.Errorf("load posts: %w", err)
	}
	defer postRows.Close()

	posts := make([]PostRecord, 0)
	for postRows.Next() {
		var r PostRecord
		if err := postRows.Scan(&r.ID, &r.Topic, &r.Kind, &r.Content); err != nil {
			return nil, nil, fmt.Errorf("scan post: %w", err)
		}
		posts = append(posts, r)
	}
	if err := postRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate posts: %w", err)
	}

	return items, posts, nil
}
