package cache

import "strings"

const (
	ItemsList    = "items:list"
	PostsList    = "posts:list"
	ProfilesList = "profiles:list"
)

func ItemTally(itemID string) string {
	return "item:" + itemID + ":tally"
}

func PostReactions(postID string) string {
	return "post:" + postID + ":reactions"
}

func Profile(id string) string {
	return "profile:" + id
}

// family collapses a key to its kind so metric label cardinality stays fixed.
func family(key string) string {
	head, rest, found := strings.Cut(key, ":")
	if !found {
		return head
	}
	if rest == "list" {
		return head + ":list"
	}
	if _, suffix, ok := strings.Cut(rest, ":"); ok {
		return head + ":" + suffix
	}
	return head
}
