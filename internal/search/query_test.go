package search

import (
	"encoding/json"
	"strings"
	"testing"

	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/require"
)

func TestBuildFTSQuery(t *testing.T) {
	cases := []struct {
		name      string
		query     Query
		ok        bool
		args      int
		hasItems  bool
		hasPosts  bool
		limitText string
	}{
		{name: "blank text", query: Query{Text: "  "}, ok: false},
		{name: "all types", query: Query{Text: "shade"}, ok: true, args: 1, hasItems: true, hasPosts: true, limitText: "LIMIT 20 OFFSET 0"},
		{name: "items by category", query: Query{Text: "shade", FilterType: ResultItem, Facet: "insight"}, ok: true, args: 2, hasItems: true},
		{name: "posts by topic", query: Query{Text: "rest", FilterType: ResultPost, Facet: "labor", Limit: 500, Offset: 40}, ok: true, args: 2, hasPosts: true, limitText: "LIMIT 100 OFFSET 40"},
		{name: "both with facet", query: Query{Text: "rest", Facet: "other"}, ok: true, args: 3, hasItems: true, hasPosts: true},
		{name: "unknown type", query: Query{Text: "rest", FilterType: "thread"}, ok: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			built, ok := buildFTSQuery(tc.query)
			require.Equal(t, tc.ok, ok)
			if !ok {
				return
			}
			require.Len(t, built.args, tc.args)
			require.Equal(t, tc.hasItems, strings.Contains(built.data, "FROM items"))
			require.Equal(t, tc.hasPosts, strings.Contains(built.data, "FROM posts"))
			require.True(t, strings.HasPrefix(built.count, "SELECT count(*)"))
			if tc.limitText != "" {
				require.Contains(t, built.data, tc.limitText)
			}
		})
	}
}

func TestBuildMultiSearchFilters(t *testing.T) {
	queries := buildMultiSearch(normalize(Query{Text: "shade", Facet: "labor"}))
	require.Len(t, queries, 2)
	require.Equal(t, idxItems, queries[0].IndexUID)
	require.Equal(t, []string{`category = "labor"`}, queries[0].Filter)
	require.Equal(t, []string{`topic = "labor"`}, queries[1].Filter)
	require.Equal(t, int64(defaultLimit), queries[1].Limit)

	queries = buildMultiSearch(normalize(Query{Text: "shade", FilterType: ResultPost}))
	require.Len(t, queries, 1)
	require.Equal(t, idxPosts, queries[0].IndexUID)
	require.Nil(t, queries[0].Filter)
}

func TestHitToResultPrefersHighlight(t *testing.T) {
	raw := func(v any) json.RawMessage {
		b, err := json.Marshal(v)
		require.NoError(t, err)
		return b
	}
	hit := meili.Hit{
		"id":         raw("p1"),
		"topic":      raw("labor"),
		"kind":       raw("feedback"),
		"content":    raw("more rest breaks"),
		"_formatted": raw(map[string]string{"content": "more <mark>rest</mark> breaks"}),
	}
	r := hitToResult(hit, indexToResultType(idxPosts))
	require.Equal(t, Result{Type: ResultPost, ID: "p1", Snippet: "more <mark>rest</mark> breaks", Facet: "labor", Kind: "feedback"}, r)

	item := hitToResult(meili.Hit{"id": raw("i1"), "category": raw("insight"), "content": raw("quiet")}, ResultItem)
	require.Equal(t, "quiet", item.Snippet)
	require.Equal(t, "insight", item.Facet)
}
