// Package moderation holds the role-gated operations over content and
// profiles.
package moderation

import (
	"context"
	"net/mail"
	"strings"
	"unicode/utf8"

	"agora/api/internal/apperr"
	"agora/api/internal/cache"
	"agora/api/internal/gateway"
	"agora/api/internal/identity"
	"agora/api/internal/ledger"
	"agora/api/internal/rbac"
	"agora/api/internal/store"
	"agora/api/internal/util"
	"go.uber.org/zap"
)

const (
	maxItemRunes     = 1000
	maxUsernameRunes = 32
)

type Writer interface {
	Write(ctx context.Context, op gateway.Operation, ident identity.Identity) (gateway.Result, error)
}

type ProfileReader interface {
	GetProfile(ctx context.Context, id string) (store.Profile, error)
	ListProfiles(ctx context.Context) ([]store.Profile, error)
}

// Inviter creates an account with the identity provider and returns its id.
type Inviter interface {
	Invite(ctx context.Context, email string) (string, error)
}

type Service struct {
	writer   Writer
	profiles ProfileReader
	inviter  Inviter
	cache    *cache.Freshness
	log      *zap.Logger
}

// NewService builds the moderation service. inviter may be nil, in which case
// ProvisionAccount reports Unavailable.
func NewService(writer Writer, profiles ProfileReader, inviter Inviter, c *cache.Freshness, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{writer: writer, profiles: profiles, inviter: inviter, cache: c, log: log.Named("moderation")}
}

func requireCapability(ident identity.Identity, can func(rbac.Role) bool, message string) error {
	if can(ident.Role) {
		return nil
	}
	if !ident.Authenticated() {
		return apperr.Unauthorized(apperr.PreLogin, "login required")
	}
	return apperr.Forbidden(message)
}

func (s *Service) DeleteItem(ctx context.Context, ident identity.Identity, itemID string) error {
	if err := requireCapability(ident, rbac.CanModerate, "moderator role required to delete items"); err != nil {
		return err
	}
	if _, err := s.writer.Write(ctx, gateway.DeleteItem(itemID), ident); err != nil {
		return err
	}
	s.log.Info("item deleted", zap.String("item_id", itemID), zap.String("actor_id", ident.ID))
	return nil
}

func (s *Service) DeletePost(ctx context.Context, ident identity.Identity, postID string) error {
	if err := requireCapability(ident, rbac.CanModerate, "moderator role required to delete posts"); err != nil {
		return err
	}
	if _, err := s.writer.Write(ctx, gateway.DeletePost(postID), ident); err != nil {
		return err
	}
	s.log.Info("post deleted", zap.String("post_id", postID), zap.String("actor_id", ident.ID))
	return nil
}

func parseAssignable(role string) (rbac.Role, error) {
	parsed, ok := rbac.Parse(role)
	if !ok || !rbac.Assignable(parsed) {
		return "", apperr.Invalid("role must be one of user, moderator, system_admin")
	}
	return parsed, nil
}

// SetRole assigns role to an existing profile.
func (s *Service) SetRole(ctx context.Context, ident identity.Identity, targetID, role string) (store.Profile, error) {
	if err := requireCapability(ident, rbac.CanManageRoles, "system_admin role required to manage roles"); err != nil {
		return store.Profile{}, err
	}
	parsed, err := parseAssignable(role)
	if err != nil {
		return store.Profile{}, err
	}
	return s.setRole(ctx, ident, targetID, parsed)
}

func (s *Service) setRole(ctx context.Context, ident identity.Identity, targetID string, role rbac.Role) (store.Profile, error) {
	targetID = strings.TrimSpace(targetID)
	if targetID == "" {
		return store.Profile{}, apperr.Invalid("target id is required")
	}
	if _, err := s.profiles.GetProfile(ctx, targetID); err != nil {
		return store.Profile{}, err
	}
	value := string(role)
	res, err := s.writer.Write(ctx, gateway.UpsertProfile(store.ProfilePatch{ID: targetID, Role: &value}), ident)
	if err != nil {
		return store.Profile{}, err
	}
	s.log.Info("role assigned", zap.String("target_id", targetID), zap.String("role", value), zap.String("actor_id", ident.ID))
	return res.Profile, nil
}

type TargetResult struct {
	TargetID string        `json:"targetId"`
	Profile  store.Profile `json:"-"`
	Err      error         `json:"-"`
}

// BatchResult reports each target on its own. A batch is not a transaction:
// earlier targets stay updated when a later one fails.
type BatchResult struct {
	Results   []TargetResult
	Succeeded int
	Failed    int
}

func (b BatchResult) Partial() bool {
	return b.Succeeded > 0 && b.Failed > 0
}

// BatchSetRole applies role to every target. The capability and role checks
// fail the whole call; store failures are reported per target.
func (s *Service) BatchSetRole(ctx context.Context, ident identity.Identity, targetIDs []string, role string) (BatchResult, error) {
	if err := requireCapability(ident, rbac.CanManageRoles, "system_admin role required to manage roles"); err != nil {
		return BatchResult{}, err
	}
	parsed, err := parseAssignable(role)
	if err != nil {
		return BatchResult{}, err
	}
	if len(targetIDs) == 0 {
		return BatchResult{}, apperr.Invalid("at least one target is required")
	}

	var out BatchResult
	seen := map[string]bool{}
	for _, targetID := range targetIDs {
		if seen[targetID] {
			continue
		}
		seen[targetID] = true

		profile, err := s.setRole(ctx, ident, targetID, parsed)
		out.Results = append(out.Results, TargetResult{TargetID: targetID, Profile: profile, Err: err})
		if err != nil {
			out.Failed++
			continue
		}
		out.Succeeded++
	}
	if out.Failed > 0 {
		s.log.Warn("batch role update incomplete",
			zap.Int("succeeded", out.Succeeded),
			zap.Int("failed", out.Failed),
			zap.String("role", string(parsed)),
			zap.String("actor_id", ident.ID),
		)
	}
	return out, nil
}

type ItemDraft struct {
	Category string `json:"category"`
	Content  string `json:"content"`
}

func (d ItemDraft) validate() error {
	if !ledger.ValidCategory(d.Category) {
		return apperr.Invalid("unknown category " + d.Category)
	}
	content := strings.TrimSpace(d.Content)
	if content == "" {
		return apperr.Invalid("content is required")
	}
	if utf8.RuneCountInString(content) > maxItemRunes {
		return apperr.Invalid("content is too long")
	}
	return nil
}

func (s *Service) CreateItem(ctx context.Context, ident identity.Identity, draft ItemDraft) (store.Item, error) {
	if err := requireCapability(ident, rbac.CanModerate, "moderator role required to create items"); err != nil {
		return store.Item{}, err
	}
	return s.createItem(ctx, ident, draft)
}

func (s *Service) createItem(ctx context.Context, ident identity.Identity, draft ItemDraft) (store.Item, error) {
	if err := draft.validate(); err != nil {
		return store.Item{}, err
	}
	item := store.Item{
		ID:        util.NewID(""),
		Category:  draft.Category,
		Content:   strings.TrimSpace(draft.Content),
		CreatedBy: ident.ID,
	}
	if _, err := s.writer.Write(ctx, gateway.CreateItem(item), ident); err != nil {
		return store.Item{}, err
	}
	return item, nil
}

type ItemResult struct {
	Index int
	Item  store.Item
	Err   error
}

// CreateItems inserts already parsed rows one by one and reports each.
func (s *Service) CreateItems(ctx context.Context, ident identity.Identity, drafts []ItemDraft) ([]ItemResult, error) {
	if err := requireCapability(ident, rbac.CanModerate, "moderator role required to create items"); err != nil {
		return nil, err
	}
	results := make([]ItemResult, 0, len(drafts))
	for i, draft := range drafts {
		item, err := s.createItem(ctx, ident, draft)
		results = append(results, ItemResult{Index: i, Item: item, Err: err})
	}
	return results, nil
}

// ProvisionAccount invites email through the identity provider and stores
// the new account's profile with its initial role.
func (s *Service) ProvisionAccount(ctx context.Context, ident identity.Identity, email, role string) (store.Profile, error) {
	if err := requireCapability(ident, rbac.CanProvision, "system_admin role required to provision accounts"); err != nil {
		return store.Profile{}, err
	}
	parsed, ok := rbac.Parse(role)
	if !ok || (parsed != rbac.RoleUser && parsed != rbac.RoleModerator) {
		return store.Profile{}, apperr.Invalid("initial role must be user or moderator")
	}
	address, err := mail.ParseAddress(strings.TrimSpace(email))
	if err != nil {
		return store.Profile{}, apperr.Invalid("email is not a valid address")
	}
	if s.inviter == nil {
		return store.Profile{}, apperr.Unavailable("account provisioning is not configured", nil)
	}

	accountID, err := s.inviter.Invite(ctx, address.Address)
	if err != nil {
		return store.Profile{}, apperr.Unavailable("identity provider rejected the invitation", err)
	}

	roleValue := string(parsed)
	username := strings.SplitN(address.Address, "@", 2)[0]
	res, err := s.writer.Write(ctx, gateway.UpsertProfile(store.ProfilePatch{
		ID:       accountID,
		Role:     &roleValue,
		Email:    &address.Address,
		Username: &username,
	}), ident)
	if err != nil {
		return store.Profile{}, err
	}
	s.log.Info("account provisioned", zap.String("account_id", accountID), zap.String("role", roleValue), zap.String("actor_id", ident.ID))
	return res.Profile, nil
}

func (s *Service) ListProfiles(ctx context.Context, ident identity.Identity) ([]store.Profile, error) {
	if err := requireCapability(ident, rbac.CanManageRoles, "system_admin role required to list profiles"); err != nil {
		return nil, err
	}
	if s.cache == nil {
		return s.profiles.ListProfiles(ctx)
	}
	return cache.Fetch(ctx, s.cache, cache.ProfilesList, s.profiles.ListProfiles)
}

// UpdateOwnUsername changes the acting identity's username and nothing else.
func (s *Service) UpdateOwnUsername(ctx context.Context, ident identity.Identity, username string) (store.Profile, error) {
	if !ident.Authenticated() {
		return store.Profile{}, apperr.Unauthorized(apperr.PreLogin, "login required")
	}
	username = strings.TrimSpace(username)
	if username == "" || utf8.RuneCountInString(username) > maxUsernameRunes {
		return store.Profile{}, apperr.Invalid("username must be 1 to 32 characters")
	}
	res, err := s.writer.Write(ctx, gateway.UpsertProfile(store.ProfilePatch{ID: ident.ID, Username: &username}), ident)
	if err != nil {
		return store.Profile{}, err
	}
	return res.Profile, nil
}
