package search

import "context"

// ResultType identifies the kind of entity in a search result.
type ResultType string

const (
	ResultItem ResultType = "item"
	ResultPost ResultType = "post"
)

// Result is a single search hit returned to the caller.
type Result struct {
	Type    ResultType `json:"type"`
	ID      string     `json:"id"`
	Snippet string     `json:"snippet"`
	// Facet is the item category or the post topic.
	Facet string `json:"facet"`
	Kind  string `json:"kind,omitempty"`
}

// Query describes a search request.
type Query struct {
	Text       string
	FilterType ResultType // empty = all types
	Facet      string
	Limit      int
	Offset     int
}

// Response is the envelope returned by the search endpoint.
type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
	Healthy() bool
}

// Indexer pushes entities into a search index.
type Indexer interface {
	IndexItems(items []ItemRecord) error
	IndexPosts(posts []PostRecord) error
	DeleteItem(id string) error
	DeletePost(id string) error
}

// Engine is a search backend that keeps its own index.
type Engine interface {
	Searcher
	Indexer
}

// Source is the primary store, searchable in place and able to hand out every
// record for a full reindex.
type Source interface {
	Searcher
	LoadAllRecords(ctx context.Context) ([]ItemRecord, []PostRecord, error)
}

type ItemRecord struct {
	ID       string `json:"id"`
	Category string `json:"category"`
	Content  string `json:"content"`
}

type PostRecord struct {
	ID      string `json:"id"`
	Topic   string `json:"topic"`
	Kind    string `json:"kind"`
	Content string `json:"content"`
}

const defaultLimit = 20

func normalize(q Query) Query {
	if q.Limit <= 0 {
		q.Limit = defaultLimit
	}
	if q.Limit > 100 {
		q.Limit = 100
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q
}
