package identity

import (
	"context"
	"errors"
	"time"

	"agora/api/internal/auth"
	"agora/api/internal/rbac"
	"agora/api/internal/session"
	"agora/api/internal/store"
	"go.uber.org/zap"
)

type TokenValidator interface {
	Validate(token string) (auth.Claims, error)
}

type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
}

type SessionStore interface {
	LookupSession(ctx context.Context, tokenHash string) (session.Session, error)
	GatePass(ctx context.Context, guestSessionID string) (session.GatePass, bool, error)
}

// Request is the raw material a request carries about its caller.
type Request struct {
	Credential     string
	SessionToken   string
	GuestSessionID string
	GuestAlias     string
}

type Resolver struct {
	tokens   TokenValidator
	profiles ProfileReader
	sessions SessionStore
	timeout  time.Duration
	log      *zap.Logger
}

func NewResolver(tokens TokenValidator, profiles ProfileReader, sessions SessionStore, timeout time.Duration, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{
		tokens:   tokens,
		profiles: profiles,
		sessions: sessions,
		timeout:  timeout,
		log:      log.Named("identity"),
	}
}

// Resolve never fails: any validation or lookup failure degrades to a guest.
// Session restoration and the gate lookup both complete before it returns,
// so capability checks always see the final identity.
func (r *Resolver) Resolve(ctx context.Context, req Request) Identity {
	if req.Credential != "" {
		if ident, ok := r.fromCredential(ctx, req.Credential); ok {
			resolutions.WithLabelValues("credential").Inc()
			return ident
		}
		return r.guest(ctx, req, "credential_rejected")
	}
	if req.SessionToken != "" {
		if ident, ok := r.Restore(ctx, req.SessionToken); ok {
			resolutions.WithLabelValues("session").Inc()
			return ident
		}
		return r.guest(ctx, req, "session_rejected")
	}
	return r.guest(ctx, req, "guest")
}

// Restore revalidates a persisted session token. Invalid, expired or
// unverifiable tokens yield no identity.
func (r *Resolver) Restore(ctx context.Context, sessionToken string) (Identity, bool) {
	if r.sessions == nil || sessionToken == "" {
		return Identity{}, false
	}
	lookupCtx, cancel := r.bound(ctx)
	sess, err := r.sessions.LookupSession(lookupCtx, auth.HashToken(sessionToken))
	cancel()
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			r.log.Warn("session lookup failed", zap.Error(err))
		}
		return Identity{}, false
	}
	return r.loadProfile(ctx, sess.UserID)
}

func (r *Resolver) fromCredential(ctx context.Context, credential string) (Identity, bool) {
	if r.tokens == nil {
		return Identity{}, false
	}
	claims, err := r.tokens.Validate(credential)
	if err != nil {
		r.log.Debug("credential rejected", zap.Error(err))
		return Identity{}, false
	}
	return r.loadProfile(ctx, claims.Subject)
}

func (r *Resolver) loadProfile(ctx context.Context, userID string) (Identity, bool) {
	if r.profiles == nil {
		return Identity{}, false
	}
	profileCtx, cancel := r.bound(ctx)
	defer cancel()
	profile, err := r.profiles.GetProfile(profileCtx, userID)
	if err != nil {
		r.log.Warn("profile lookup failed, continuing as guest", zap.String("user_id", userID), zap.Error(err))
		return Identity{}, false
	}
	return Identity{
		ID:          profile.ID,
		Role:        rbac.Normalize(profile.Role),
		DisplayName: profile.Username,
	}, true
}

func (r *Resolver) guest(ctx context.Context, req Request, outcome string) Identity {
	ident := Guest()
	ident.GuestAlias = SanitizeAlias(req.GuestAlias)
	resolutions.WithLabelValues(outcome).Inc()

	if r.sessions == nil || req.GuestSessionID == "" {
		return ident
	}
	gateCtx, cancel := r.bound(ctx)
	defer cancel()
	pass, passed, err := r.sessions.GatePass(gateCtx, req.GuestSessionID)
	if err != nil {
		r.log.Warn("gate lookup failed, treating gate as not passed", zap.Error(err))
		return ident
	}
	if passed {
		ident.GatePassed = true
		ident.AnonKey = pass.AnonKey
	}
	return ident
}

func (r *Resolver) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.timeout)
}
