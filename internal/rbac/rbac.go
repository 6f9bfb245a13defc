package rbac

import "strings"

type Role string
type Action string

const (
	RoleGuest       Role = "guest"
	RoleUser        Role = "user"
	RoleModerator   Role = "moderator"
	RoleSystemAdmin Role = "system_admin"
)

const (
	ActionRead        Action = "read"
	ActionVote        Action = "vote"
	ActionReact       Action = "react"
	ActionPost        Action = "post"
	ActionModerate    Action = "moderate"
	ActionManageRoles Action = "manage_roles"
	ActionProvision   Action = "provision"
)

// Rank orders roles guest < user < moderator < system_admin. Unknown roles rank below guest.
func Rank(role Role) int {
	switch role {
	case RoleGuest:
		return 0
	case RoleUser:
		return 1
	case RoleModerator:
		return 2
	case RoleSystemAdmin:
		return 3
	default:
		return -1
	}
}

// minimum role that holds each action by rank
var minimumRole = map[Action]Role{
	ActionRead:        RoleGuest,
	ActionVote:        RoleUser,
	ActionReact:       RoleUser,
	ActionPost:        RoleUser,
	ActionModerate:    RoleModerator,
	ActionManageRoles: RoleSystemAdmin,
	ActionProvision:   RoleSystemAdmin,
}

func Can(role Role, action Action) bool {
	minimum, ok := minimumRole[action]
	if !ok || Rank(role) < 0 {
		return false
	}
	return Rank(role) >= Rank(minimum)
}

// CanVote grants voting to user and above, and to a guest that passed the
// anti-automation gate. The gate grant is additive and independent of rank.
func CanVote(role Role, gatePassed bool) bool {
	if Can(role, ActionVote) {
		return true
	}
	return role == RoleGuest && gatePassed
}

func CanReact(role Role, gatePassed bool) bool {
	if Can(role, ActionReact) {
		return true
	}
	return role == RoleGuest && gatePassed
}

func CanPost(role Role) bool {
	return Can(role, ActionPost)
}

func CanModerate(role Role) bool {
	return Can(role, ActionModerate)
}

func CanManageRoles(role Role) bool {
	return Can(role, ActionManageRoles)
}

func CanProvision(role Role) bool {
	return Can(role, ActionProvision)
}

// Normalize maps stored role strings to a role, falling back to user: a
// profile row exists only for authenticated accounts.
func Normalize(role string) Role {
	if parsed, ok := Parse(role); ok {
		return parsed
	}
	return RoleUser
}

func Parse(role string) (Role, bool) {
	switch r := Role(strings.ToLower(strings.TrimSpace(role))); r {
	case RoleGuest, RoleUser, RoleModerator, RoleSystemAdmin:
		return r, true
	default:
		return "", false
	}
}

// Assignable reports whether a role may be stored on a profile. Guest is a
// request-time role only.
func Assignable(role Role) bool {
	return role == RoleUser || role == RoleModerator || role == RoleSystemAdmin
}

func All() []Role {
	return []Role{RoleGuest, RoleUser, RoleModerator, RoleSystemAdmin}
}
