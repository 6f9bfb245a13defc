// Package identity resolves who is asking, once per request.
package identity

import (
	"strings"
	"unicode/utf8"

	"agora/api/internal/rbac"
	"agora/api/internal/store"
)

const (
	anonymousLabel = "Anonymous participant"
	maxAliasRunes  = 32
)

// Identity is the resolved actor for one request. It is built once by the
// Resolver and passed explicitly into every core call.
type Identity struct {
	ID          string
	Role        rbac.Role
	DisplayName string
	// GuestAlias is the client-chosen display name of a guest. It has no
	// durability or uniqueness guarantee and never keys a vote.
	GuestAlias string
	// AnonKey is the per-session key assigned by the anti-automation gate.
	AnonKey    string
	GatePassed bool
}

func Guest() Identity {
	return Identity{Role: rbac.RoleGuest}
}

func (i Identity) Authenticated() bool {
	return i.ID != "" && i.Role != rbac.RoleGuest
}

// VoterKey is the ledger key for this identity: the authenticated id when
// logged in, else the gate-assigned anonymous key. Empty means the identity
// has no key and cannot hold a vote.
func (i Identity) VoterKey() string {
	if i.Authenticated() {
		return "user:" + i.ID
	}
	if i.GatePassed && i.AnonKey != "" {
		return "anon:" + i.AnonKey
	}
	return ""
}

// Actor is the claim set standard writes run under.
func (i Identity) Actor() store.Actor {
	return store.Actor{ID: i.ID, Role: string(i.Role), VoterKey: i.VoterKey()}
}

func (i Identity) Label() string {
	if !i.Authenticated() {
		if i.GuestAlias != "" {
			return i.GuestAlias
		}
		return anonymousLabel
	}
	return Label(i.Role, i.ID, i.DisplayName)
}

// Label renders the author label shown next to content.
func Label(role rbac.Role, id, name string) string {
	name = strings.TrimSpace(name)
	switch role {
	case rbac.RoleSystemAdmin:
		return "Admin - " + nameOrUID(name, id)
	case rbac.RoleModerator:
		return "Moderator - " + nameOrUID(name, id)
	default:
		if name == "" {
			return anonymousLabel
		}
		return name
	}
}

func nameOrUID(name, id string) string {
	if name != "" {
		return name
	}
	if len(id) > 8 {
		id = id[:8]
	}
	return "UID:" + id + "..."
}

// SanitizeAlias trims a guest alias and caps its length.
func SanitizeAlias(alias string) string {
	alias = strings.TrimSpace(alias)
	if utf8.RuneCountInString(alias) <= maxAliasRunes {
		return alias
	}
	runes := []rune(alias)
	return strings.TrimSpace(string(runes[:maxAliasRunes]))
}
