// Package gateway is the single place that decides which credential a
// mutating operation runs under.
package gateway

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"agora/api/internal/apperr"
	"agora/api/internal/identity"
	"agora/api/internal/store"
	"go.uber.org/zap"
)

const (
	credentialStandard = "standard"
	credentialElevated = "elevated"
	probeTimeout       = 2 * time.Second
)

type Executor interface {
	UpsertVote(ctx context.Context, vote store.Vote) (string, error)
	UpsertReaction(ctx context.Context, reaction store.Reaction) (string, error)
	InsertItem(ctx context.Context, item store.Item) error
	InsertPost(ctx context.Context, post store.Post) error
	DeleteItem(ctx context.Context, itemID string) error
	DeletePost(ctx context.Context, postID string) error
	UpsertProfile(ctx context.Context, patch store.ProfilePatch) (store.Profile, error)
}

// StandardCredential yields an executor bound to the acting identity's own
// claims, subject to row-level authorization.
type StandardCredential interface {
	For(actor store.Actor) Executor
}

type StandardFunc func(actor store.Actor) Executor

func (f StandardFunc) For(actor store.Actor) Executor {
	return f(actor)
}

// ElevatedCredential bypasses row-level authorization.
type ElevatedCredential interface {
	Executor
	Ping(ctx context.Context) error
}

type Invalidator interface {
	Invalidate(keys ...string)
}

type Result struct {
	Kind        Kind
	Elevated    bool
	FellBack    bool
	Attempts    int
	Previous    string
	Profile     store.Profile
	Invalidated []string
}

type Gateway struct {
	standard StandardCredential
	elevated ElevatedCredential
	cache    Invalidator
	log      *zap.Logger

	healthy   atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

// New builds a gateway. elevated may be nil when no service credential is
// configured; cache may be nil when nothing reads through a cache.
func New(standard StandardCredential, elevated ElevatedCredential, cache Invalidator, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gateway{
		standard: standard,
		elevated: elevated,
		cache:    cache,
		log:      log.Named("gateway"),
		done:     make(chan struct{}),
	}
	g.setHealthy(elevated != nil)
	return g
}

func (g *Gateway) setHealthy(v bool) {
	g.healthy.Store(v)
	if v {
		elevatedHealthy.Set(1)
	} else {
		elevatedHealthy.Set(0)
	}
}

// ElevatedAvailable reports whether writes currently go through the elevated
// credential.
func (g *Gateway) ElevatedAvailable() bool {
	return g.elevated != nil && g.healthy.Load()
}

// StartHealthLoop probes the elevated credential now and then every interval
// until Close.
func (g *Gateway) StartHealthLoop(interval time.Duration) {
	if g.elevated == nil || interval <= 0 {
		return
	}
	g.probe()
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-g.done:
				return
			case <-ticker.C:
				g.probe()
			}
		}
	}()
}

func (g *Gateway) probe() {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	err := g.elevated.Ping(ctx)
	wasHealthy := g.healthy.Load()
	g.setHealthy(err == nil)
	switch {
	case err != nil && wasHealthy:
		g.log.Warn("elevated credential unreachable, writes use the standard credential", zap.Error(err))
	case err == nil && !wasHealthy:
		g.log.Info("elevated credential recovered")
	}
}

func (g *Gateway) Close() {
	g.closeOnce.Do(func() { close(g.done) })
}

// Write authorizes op for ident, then runs it under the elevated credential
// when available, falling back to the standard credential when the elevated
// one is unavailable. On success the operation's cache keys are invalidated.
func (g *Gateway) Write(ctx context.Context, op Operation, ident identity.Identity) (Result, error) {
	if err := authorize(op, ident); err != nil {
		writesTotal.WithLabelValues(string(op.Kind), "none", "rejected").Inc()
		return Result{}, err
	}

	res := Result{Kind: op.Kind}
	if g.ElevatedAvailable() {
		out, attempts, err := g.attempt(ctx, op, g.elevated, credentialElevated, isConflict)
		res.Attempts += attempts
		if err == nil {
			res.Elevated = true
			return g.finish(op, res, out), nil
		}
		if !apperr.Is(err, apperr.KindUnavailable) || ctx.Err() != nil {
			writesTotal.WithLabelValues(string(op.Kind), credentialElevated, string(apperr.KindOf(err))).Inc()
			return res, err
		}
		res.FellBack = true
		elevatedFallbacks.WithLabelValues(string(op.Kind)).Inc()
		g.log.Warn("elevated write failed, falling back to standard credential",
			zap.String("kind", string(op.Kind)),
			zap.String("actor_id", ident.ID),
			zap.String("actor_role", string(ident.Role)),
			zap.Error(err),
		)
	}

	if g.standard == nil {
		return res, apperr.Unavailable("no credential available for writes", nil)
	}
	out, attempts, err := g.attempt(ctx, op, g.standard.For(ident.Actor()), credentialStandard, apperr.Retryable)
	res.Attempts += attempts
	if err != nil {
		writesTotal.WithLabelValues(string(op.Kind), credentialStandard, string(apperr.KindOf(err))).Inc()
		return res, err
	}
	return g.finish(op, res, out), nil
}

// attempt runs op once and retries it at most once when retryable(err) and
// the caller is still waiting.
func (g *Gateway) attempt(ctx context.Context, op Operation, exec Executor, credential string, retryable func(error) bool) (outcome, int, error) {
	out, err := op.run(ctx, exec)
	if err == nil || !retryable(err) || ctx.Err() != nil {
		return out, 1, err
	}
	transparentRetries.WithLabelValues(string(op.Kind), credential).Inc()
	g.log.Debug("retrying write", zap.String("kind", string(op.Kind)), zap.String("credential", credential), zap.Error(err))
	out, err = op.run(ctx, exec)
	return out, 2, err
}

func (g *Gateway) finish(op Operation, res Result, out outcome) Result {
	credential := credentialStandard
	if res.Elevated {
		credential = credentialElevated
	}
	writesTotal.WithLabelValues(string(op.Kind), credential, "ok").Inc()

	res.Previous = out.previous
	res.Profile = out.profile
	res.Invalidated = op.Invalidates()
	if g.cache != nil && len(res.Invalidated) > 0 {
		g.cache.Invalidate(res.Invalidated...)
	}
	return res
}

func isConflict(err error) bool {
	return apperr.Is(err, apperr.KindConflict)
}
