package ledger

import (
	"context"
	"time"

	"agora/api/internal/apperr"
	"agora/api/internal/cache"
	"agora/api/internal/gateway"
	"agora/api/internal/identity"
	"agora/api/internal/store"
)

type VoteReader interface {
	VoteCounts(ctx context.Context, itemID string) ([]store.StateCount, error)
	ListVoteCounts(ctx context.Context) ([]store.StateCount, error)
	ListItems(ctx context.Context, category string) ([]store.Item, error)
}

type VoteDelta = Delta[VoteState, VoteTally]

// VoteLedger keeps at most one live vote per (item, voter key) and derives
// tri-state tallies from them.
type VoteLedger struct {
	engine engine[VoteState, VoteTally]
	reader VoteReader
	cache  *cache.Freshness
}

func NewVoteLedger(reader VoteReader, writer Writer, c *cache.Freshness) *VoteLedger {
	return &VoteLedger{
		reader: reader,
		cache:  c,
		engine: engine[VoteState, VoteTally]{
			subject:  "vote",
			alphabet: voteStates,
			writer:   writer,
			cache:    c,
			tallyKey: cache.ItemTally,
			counts:   reader.VoteCounts,
			build:    voteTally,
			castOp: func(itemID, voterKey string, state VoteState) gateway.Operation {
				return gateway.CastVote(store.Vote{ItemID: itemID, VoterKey: voterKey, State: string(state)})
			},
		},
	}
}

// Cast replaces ident's vote on the item with state and returns the item's
// tally after the write.
func (l *VoteLedger) Cast(ctx context.Context, ident identity.Identity, itemID string, state VoteState) (VoteDelta, error) {
	return l.engine.cast(ctx, ident, itemID, state)
}

// Tally fails with NotFound for an item that does not exist.
func (l *VoteLedger) Tally(ctx context.Context, itemID string) (VoteTally, error) {
	return l.engine.tally(ctx, itemID)
}

type ItemStanding struct {
	ID           string    `json:"id"`
	Category     string    `json:"category"`
	Content      string    `json:"content"`
	CreatedAt    time.Time `json:"createdAt"`
	Tally        VoteTally `json:"tally"`
	Total        int       `json:"total"`
	LastActivity time.Time `json:"lastActivity"`
}

type ItemFilter struct {
	Category string
	// State keeps items holding at least one live vote in that state.
	State VoteState
}

// Board lists items ranked by total live votes, ties broken by most recent
// activity.
func (l *VoteLedger) Board(ctx context.Context, filter ItemFilter) ([]ItemStanding, error) {
	if filter.Category != "" && !ValidCategory(filter.Category) {
		return nil, apperr.Invalid("unknown category " + filter.Category)
	}
	if filter.State != "" && !ValidVoteState(filter.State) {
		return nil, apperr.Invalid("unknown vote state " + string(filter.State))
	}

	all, err := fetch(ctx, l.cache, cache.ItemsList, l.standings)
	if err != nil {
		return nil, err
	}
	out := make([]ItemStanding, 0, len(all))
	for _, standing := range all {
		if filter.Category != "" && standing.Category != filter.Category {
			continue
		}
		if filter.State != "" && standing.Tally.Count(filter.State) == 0 {
			continue
		}
		out = append(out, standing)
	}
	return out, nil
}

func (l *VoteLedger) standings(ctx context.Context) ([]ItemStanding, error) {
	items, err := l.reader.ListItems(ctx, "")
	if err != nil {
		return nil, err
	}
	rows, err := l.reader.ListVoteCounts(ctx)
	if err != nil {
		return nil, err
	}
	byItem := fold(voteStates, rows)

	out := make([]ItemStanding, 0, len(items))
	for _, item := range items {
		standing := ItemStanding{
			ID:           item.ID,
			Category:     item.Category,
			Content:      item.Content,
			CreatedAt:    item.CreatedAt,
			LastActivity: item.CreatedAt,
		}
		if f := byItem[item.ID]; f != nil {
			standing.Tally = voteTally(f.byState)
			if f.lastActivity.After(standing.LastActivity) {
				standing.LastActivity = f.lastActivity
			}
		}
		standing.Total = standing.Tally.Total()
		out = append(out, standing)
	}
	rank(out,
		func(s ItemStanding) float64 { return float64(s.Total) },
		func(s ItemStanding) time.Time { return s.LastActivity },
		func(s ItemStanding) string { return s.ID },
	)
	return out, nil
}
