package gateway

import (
	"context"

	"agora/api/internal/cache"
	"agora/api/internal/store"
)

type Kind string

const (
	KindCastVote      Kind = "cast-vote"
	KindCastReaction  Kind = "cast-reaction"
	KindCreatePost    Kind = "create-post"
	KindCreateItem    Kind = "create-item"
	KindDeleteItem    Kind = "delete-item"
	KindDeletePost    Kind = "delete-post"
	KindUpsertProfile Kind = "upsert-profile"
)

// Operation is one mutating request. Only the payload field matching Kind is
// read.
type Operation struct {
	Kind     Kind
	Vote     store.Vote
	Reaction store.Reaction
	Post     store.Post
	Item     store.Item
	TargetID string
	Profile  store.ProfilePatch
}

func CastVote(vote store.Vote) Operation {
	return Operation{Kind: KindCastVote, Vote: vote}
}

func CastReaction(reaction store.Reaction) Operation {
	return Operation{Kind: KindCastReaction, Reaction: reaction}
}

func CreatePost(post store.Post) Operation {
	return Operation{Kind: KindCreatePost, Post: post}
}

func CreateItem(item store.Item) Operation {
	return Operation{Kind: KindCreateItem, Item: item}
}

func DeleteItem(id string) Operation {
	return Operation{Kind: KindDeleteItem, TargetID: id}
}

func DeletePost(id string) Operation {
	return Operation{Kind: KindDeletePost, TargetID: id}
}

func UpsertProfile(patch store.ProfilePatch) Operation {
	return Operation{Kind: KindUpsertProfile, Profile: patch}
}

// Invalidates lists the cache keys whose values derive from the data this
// operation changes.
func (op Operation) Invalidates() []string {
	switch op.Kind {
	case KindCastVote:
		return []string{cache.ItemTally(op.Vote.ItemID), cache.ItemsList}
	case KindCastReaction:
		return []string{cache.PostReactions(op.Reaction.PostID), cache.PostsList}
	case KindCreatePost:
		return []string{cache.PostsList}
	case KindCreateItem:
		return []string{cache.ItemsList}
	case KindDeleteItem:
		return []string{cache.ItemTally(op.TargetID), cache.ItemsList}
	case KindDeletePost:
		return []string{cache.PostReactions(op.TargetID), cache.PostsList}
	case KindUpsertProfile:
		return []string{cache.Profile(op.Profile.ID), cache.ProfilesList, cache.PostsList}
	default:
		return nil
	}
}

type outcome struct {
	previous string
	profile  store.Profile
}

func (op Operation) run(ctx context.Context, exec Executor) (outcome, error) {
	switch op.Kind {
	case KindCastVote:
		previous, err := exec.UpsertVote(ctx, op.Vote)
		return outcome{previous: previous}, err
	case KindCastReaction:
		previous, err := exec.UpsertReaction(ctx, op.Reaction)
		return outcome{previous: previous}, err
	case KindCreatePost:
		return outcome{}, exec.InsertPost(ctx, op.Post)
	case KindCreateItem:
		return outcome{}, exec.InsertItem(ctx, op.Item)
	case KindDeleteItem:
		return outcome{}, exec.DeleteItem(ctx, op.TargetID)
	case KindDeletePost:
		return outcome{}, exec.DeletePost(ctx, op.TargetID)
	case KindUpsertProfile:
		profile, err := exec.UpsertProfile(ctx, op.Profile)
		return outcome{profile: profile}, err
	default:
		return outcome{}, errUnknownKind(op.Kind)
	}
}
