package app

import (
	"context"
	"strings"
	"time"

	"agora/api/internal/apperr"
	"agora/api/internal/auth"
	"agora/api/internal/cache"
	"agora/api/internal/config"
	"agora/api/internal/gateway"
	"agora/api/internal/identity"
	"agora/api/internal/ledger"
	"agora/api/internal/moderation"
	"agora/api/internal/rbac"
	"agora/api/internal/search"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"agora/api/internal/util"
	"go.uber.org/zap"
)

type dataStore interface {
	ledger.VoteReader
	ledger.ReactionReader
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	ListProfiles(ctx context.Context) ([]store.Profile, error)
	GetItem(ctx context.Context, id string) (store.Item, error)
	GetPost(ctx context.Context, id string) (store.Post, error)
	Ping(ctx context.Context) error
}

type sessionStore interface {
	identity.SessionStore
	SaveSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	RevokeSession(ctx context.Context, tokenHash string) error
	MarkGatePassed(ctx context.Context, guestSessionID, anonKey string, ttl time.Duration) (session.GatePass, error)
	Ping(ctx context.Context) error
}

// Deps are the collaborators cmd/api builds. Search and Inviter may be nil.
type Deps struct {
	Store    dataStore
	Sessions sessionStore
	Tokens   identity.TokenValidator
	Gateway  *gateway.Gateway
	Cache    *cache.Freshness
	Search   *search.Service
	Inviter  moderation.Inviter
	Log      *zap.Logger
}

// SessionGrant is a persisted session handed to a freshly authenticated
// caller.
type SessionGrant struct {
	Token     string
	UserID    string
	Role      rbac.Role
	UserName  string
	ExpiresAt time.Time
}

type Service struct {
	cfg        config.Config
	store      dataStore
	sessions   sessionStore
	tokens     identity.TokenValidator
	resolver   *identity.Resolver
	gateway    *gateway.Gateway
	votes      *ledger.VoteLedger
	reactions  *ledger.ReactionLedger
	moderation *moderation.Service
	search     *search.Service
	log        *zap.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	searchSvc := deps.Search
	if searchSvc == nil {
		searchSvc = search.NewService(nil, nil, log)
	}
	return &Service{
		cfg:        cfg,
		store:      deps.Store,
		sessions:   deps.Sessions,
		tokens:     deps.Tokens,
		resolver:   identity.NewResolver(deps.Tokens, deps.Store, deps.Sessions, cfg.RequestTimeout, log),
		gateway:    deps.Gateway,
		votes:      ledger.NewVoteLedger(deps.Store, deps.Gateway, deps.Cache),
		reactions:  ledger.NewReactionLedger(deps.Store, deps.Gateway, deps.Cache),
		moderation: moderation.NewService(deps.Gateway, deps.Store, deps.Inviter, deps.Cache, log),
		search:     searchSvc,
		log:        log.Named("app"),
	}
}

// bound limits one core call, and every store and session call under it, to
// the configured request timeout.
func (s *Service) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.cfg.RequestTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.cfg.RequestTimeout)
}

func (s *Service) Resolve(ctx context.Context, req identity.Request) identity.Identity {
	return s.resolver.Resolve(ctx, req)
}

// CreateSession exchanges a provider credential for a persisted session
// token, creating the caller's profile on first sign-in.
func (s *Service) CreateSession(ctx context.Context, credential string) (SessionGrant, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if s.tokens == nil || s.sessions == nil {
		return SessionGrant{}, apperr.Unavailable("sessions are not configured", nil)
	}
	claims, err := s.tokens.Validate(credential)
	if err != nil {
		return SessionGrant{}, apperr.Unauthorized(apperr.PreLogin, "credential rejected")
	}

	profile, err := s.ensureProfile(ctx, claims)
	if err != nil {
		return SessionGrant{}, err
	}

	token := util.NewID("sess")
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	if err := s.sessions.SaveSession(ctx, auth.HashToken(token), profile.ID, expiresAt); err != nil {
		return SessionGrant{}, apperr.Unavailable("session store unavailable", err)
	}
	return SessionGrant{
		Token:     token,
		UserID:    profile.ID,
		Role:      rbac.Normalize(profile.Role),
		UserName:  profile.Username,
		ExpiresAt: expiresAt,
	}, nil
}

func (s *Service) ensureProfile(ctx context.Context, claims auth.Claims) (store.Profile, error) {
	profile, err := s.store.GetProfile(ctx, claims.Subject)
	if err == nil {
		return profile, nil
	}
	if !apperr.Is(err, apperr.KindNotFound) {
		return store.Profile{}, err
	}

	// An owner may only set their username; the email stays with the provider.
	username := strings.SplitN(claims.Email, "@", 2)[0]
	patch := store.ProfilePatch{ID: claims.Subject, Username: &username}
	owner := identity.Identity{ID: claims.Subject, Role: rbac.RoleUser}
	res, err := s.gateway.Write(ctx, gateway.UpsertProfile(patch), owner)
	if err != nil {
		return store.Profile{}, err
	}
	s.log.Info("profile created on first sign-in", zap.String("user_id", claims.Subject))
	return res.Profile, nil
}

// RestoreSession revalidates a persisted session token.
func (s *Service) RestoreSession(ctx context.Context, token string) (identity.Identity, bool) {
	return s.resolver.Restore(ctx, token)
}

func (s *Service) RevokeSession(ctx context.Context, token string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if s.sessions == nil || token == "" {
		return nil
	}
	if err := s.sessions.RevokeSession(ctx, auth.HashToken(token)); err != nil {
		return apperr.Unavailable("session store unavailable", err)
	}
	return nil
}

// PassGate records that the guest session passed the anti-automation gate.
// Passing again keeps the anonymous key already assigned.
func (s *Service) PassGate(ctx context.Context, guestSessionID string) (session.GatePass, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if !util.IsUUID(guestSessionID) {
		return session.GatePass{}, apperr.Invalid("guest session id must be a UUID")
	}
	if s.sessions == nil {
		return session.GatePass{}, apperr.Unavailable("sessions are not configured", nil)
	}
	pass, err := s.sessions.MarkGatePassed(ctx, guestSessionID, util.NewID(""), s.cfg.GateTTL)
	if err != nil {
		return session.GatePass{}, apperr.Unavailable("gate store unavailable", err)
	}
	return pass, nil
}

func (s *Service) GateSecret() string {
	return s.cfg.GateSecret
}

func (s *Service) ItemBoard(ctx context.Context, filter ledger.ItemFilter) ([]ledger.ItemStanding, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.votes.Board(ctx, filter)
}

func (s *Service) Item(ctx context.Context, itemID string) (store.Item, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.GetItem(ctx, itemID)
}

func (s *Service) CastVote(ctx context.Context, ident identity.Identity, itemID string, state ledger.VoteState) (ledger.VoteDelta, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.votes.Cast(ctx, ident, itemID, state)
}

func (s *Service) VoteTally(ctx context.Context, itemID string) (ledger.VoteTally, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.votes.Tally(ctx, itemID)
}

func (s *Service) CreateItem(ctx context.Context, ident identity.Identity, draft moderation.ItemDraft) (store.Item, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	item, err := s.moderation.CreateItem(ctx, ident, draft)
	if err != nil {
		return store.Item{}, err
	}
	s.search.IndexItem(search.ItemRecord{ID: item.ID, Category: item.Category, Content: item.Content})
	return item, nil
}

func (s *Service) CreateItems(ctx context.Context, ident identity.Identity, drafts []moderation.ItemDraft) ([]moderation.ItemResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	results, err := s.moderation.CreateItems(ctx, ident, drafts)
	if err != nil {
		return nil, err
	}
	for _, r := range results {
		if r.Err == nil {
			s.search.IndexItem(search.ItemRecord{ID: r.Item.ID, Category: r.Item.Category, Content: r.Item.Content})
		}
	}
	return results, nil
}

func (s *Service) DeleteItem(ctx context.Context, ident identity.Identity, itemID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.moderation.DeleteItem(ctx, ident, itemID); err != nil {
		return err
	}
	s.search.DeleteItem(itemID)
	return nil
}

func (s *Service) PostBoard(ctx context.Context, filter ledger.PostFilter) ([]ledger.PostStanding, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.reactions.Board(ctx, filter)
}

func (s *Service) CreatePost(ctx context.Context, ident identity.Identity, draft ledger.PostDraft) (store.Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	post, err := s.reactions.CreatePost(ctx, ident, draft)
	if err != nil {
		return store.Post{}, err
	}
	s.search.IndexPost(search.PostRecord{ID: post.ID, Topic: post.Topic, Kind: post.Kind, Content: post.Content})
	return post, nil
}

func (s *Service) DeletePost(ctx context.Context, ident identity.Identity, postID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if err := s.moderation.DeletePost(ctx, ident, postID); err != nil {
		return err
	}
	s.search.DeletePost(postID)
	return nil
}

func (s *Service) Post(ctx context.Context, postID string) (store.Post, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.GetPost(ctx, postID)
}

func (s *Service) CastReaction(ctx context.Context, ident identity.Identity, postID string, reaction ledger.ReactionType) (ledger.ReactionDelta, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.reactions.Cast(ctx, ident, postID, reaction)
}

func (s *Service) ReactionTally(ctx context.Context, postID string) (ledger.ReactionTally, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.reactions.Tally(ctx, postID)
}

func (s *Service) ListProfiles(ctx context.Context, ident identity.Identity) ([]store.Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.moderation.ListProfiles(ctx, ident)
}

func (s *Service) SetRole(ctx context.Context, ident identity.Identity, targetID, role string) (store.Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.moderation.SetRole(ctx, ident, targetID, role)
}

func (s *Service) BatchSetRole(ctx context.Context, ident identity.Identity, targetIDs []string, role string) (moderation.BatchResult, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.moderation.BatchSetRole(ctx, ident, targetIDs, role)
}

func (s *Service) ProvisionAccount(ctx context.Context, ident identity.Identity, email, role string) (store.Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.moderation.ProvisionAccount(ctx, ident, email, role)
}

func (s *Service) UpdateOwnUsername(ctx context.Context, ident identity.Identity, username string) (store.Profile, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.moderation.UpdateOwnUsername(ctx, ident, username)
}

func (s *Service) Search(ctx context.Context, q search.Query) search.Response {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.search.Search(ctx, q)
}

func (s *Service) Ping(ctx context.Context) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	return s.store.Ping(ctx)
}

// Readiness reports each backend the request path depends on.
func (s *Service) Readiness(ctx context.Context) (map[string]any, bool) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	ready := true
	checks := map[string]any{}

	if err := s.store.Ping(ctx); err != nil {
		ready = false
		checks["database"] = map[string]any{"status": "error", "error": err.Error()}
	} else {
		checks["database"] = map[string]any{"status": "ok"}
	}

	switch {
	case s.sessions == nil:
		checks["sessions"] = map[string]any{"status": "disabled"}
	case s.sessions.Ping(ctx) != nil:
		// Identity resolution degrades to guest; the service still answers.
		checks["sessions"] = map[string]any{"status": "degraded"}
	default:
		checks["sessions"] = map[string]any{"status": "ok"}
	}

	elevated := "unavailable"
	if s.gateway != nil && s.gateway.ElevatedAvailable() {
		elevated = "ok"
	}
	checks["elevated"] = map[string]any{"status": elevated}
	return checks, ready
}
