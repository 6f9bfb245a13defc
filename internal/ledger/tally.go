package ledger

import (
	"context"
	"sort"
	"time"

	"agora/api/internal/apperr"
	"agora/api/internal/cache"
	"agora/api/internal/gateway"
	"agora/api/internal/identity"
	"agora/api/internal/store"
)

type VoteTally struct {
	Unresolved int `json:"unresolved"`
	Partial    int `json:"partial"`
	Resolved   int `json:"resolved"`
}

// Total equals the number of distinct voters with a live vote.
func (t VoteTally) Total() int {
	return t.Unresolved + t.Partial + t.Resolved
}

func (t VoteTally) Count(state VoteState) int {
	switch state {
	case Unresolved:
		return t.Unresolved
	case Partial:
		return t.Partial
	case Resolved:
		return t.Resolved
	default:
		return 0
	}
}

type ReactionTally struct {
	Support int `json:"support"`
	Neutral int `json:"neutral"`
	Oppose  int `json:"oppose"`
}

func (t ReactionTally) Total() int {
	return t.Support + t.Neutral + t.Oppose
}

// SupportRatio is support over all reactions, 0 when there are none.
func (t ReactionTally) SupportRatio() float64 {
	total := t.Total()
	if total == 0 {
		return 0
	}
	return float64(t.Support) / float64(total)
}

func voteTally(byState map[VoteState]int) VoteTally {
	return VoteTally{Unresolved: byState[Unresolved], Partial: byState[Partial], Resolved: byState[Resolved]}
}

func reactionTally(byState map[ReactionType]int) ReactionTally {
	return ReactionTally{Support: byState[Support], Neutral: byState[Neutral], Oppose: byState[Oppose]}
}

// folded is one subject's live rows grouped by state.
type folded[S ~string] struct {
	byState      map[S]int
	lastActivity time.Time
}

// fold groups state counts by subject. States outside alphabet are dropped.
func fold[S ~string](alphabet []S, rows []store.StateCount) map[string]*folded[S] {
	out := map[string]*folded[S]{}
	for _, row := range rows {
		state := S(row.State)
		if !contains(alphabet, state) {
			continue
		}
		f := out[row.SubjectID]
		if f == nil {
			f = &folded[S]{byState: map[S]int{}}
			out[row.SubjectID] = f
		}
		f.byState[state] += row.Count
		if row.LastActivity.After(f.lastActivity) {
			f.lastActivity = row.LastActivity
		}
	}
	return out
}

// Delta is what a cast changed: the state it replaced and the subject's
// tally after the write.
type Delta[S ~string, T any] struct {
	Previous    S        `json:"previous,omitempty"`
	Current     S        `json:"current"`
	Changed     bool     `json:"changed"`
	Tally       T        `json:"tally"`
	Elevated    bool     `json:"elevated"`
	FellBack    bool     `json:"fellBack"`
	Invalidated []string `json:"invalidated"`
}

type Writer interface {
	Write(ctx context.Context, op gateway.Operation, ident identity.Identity) (gateway.Result, error)
}

// engine is the tally logic shared by votes and reactions.
type engine[S ~string, T any] struct {
	subject  string
	alphabet []S
	writer   Writer
	cache    *cache.Freshness
	tallyKey func(subjectID string) string
	counts   func(ctx context.Context, subjectID string) ([]store.StateCount, error)
	build    func(map[S]int) T
	castOp   func(subjectID, voterKey string, state S) gateway.Operation
}

func (e *engine[S, T]) cast(ctx context.Context, ident identity.Identity, subjectID string, state S) (Delta[S, T], error) {
	if !contains(e.alphabet, state) {
		return Delta[S, T]{}, apperr.Invalid("unknown " + e.subject + " state " + string(state))
	}
	res, err := e.writer.Write(ctx, e.castOp(subjectID, ident.VoterKey(), state), ident)
	if err != nil {
		return Delta[S, T]{}, err
	}
	tally, err := e.tally(ctx, subjectID)
	if err != nil {
		return Delta[S, T]{}, err
	}
	previous := S(res.Previous)
	return Delta[S, T]{
		Previous:    previous,
		Current:     state,
		Changed:     previous != state,
		Tally:       tally,
		Elevated:    res.Elevated,
		FellBack:    res.FellBack,
		Invalidated: res.Invalidated,
	}, nil
}

func (e *engine[S, T]) tally(ctx context.Context, subjectID string) (T, error) {
	compute := func(ctx context.Context) (T, error) {
		rows, err := e.counts(ctx, subjectID)
		if err != nil {
			var zero T
			return zero, err
		}
		byState := map[S]int{}
		if f := fold(e.alphabet, rows)[subjectID]; f != nil {
			byState = f.byState
		}
		return e.build(byState), nil
	}
	return fetch(ctx, e.cache, e.tallyKey(subjectID), compute)
}

// fetch reads through c when there is one.
func fetch[T any](ctx context.Context, c *cache.Freshness, key string, compute func(context.Context) (T, error)) (T, error) {
	if c == nil {
		return compute(ctx)
	}
	return cache.Fetch(ctx, c, key, compute)
}

// rank orders standings by score descending, then most recent activity,
// then id so equal standings keep a stable order.
func rank[E any](list []E, score func(E) float64, activity func(E) time.Time, id func(E) string) {
	sort.SliceStable(list, func(i, j int) bool {
		si, sj := score(list[i]), score(list[j])
		if si != sj {
			return si > sj
		}
		ai, aj := activity(list[i]), activity(list[j])
		if !ai.Equal(aj) {
			return ai.After(aj)
		}
		return id(list[i]) < id(list[j])
	})
}
