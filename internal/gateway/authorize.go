package gateway

import (
	"strings"

	"agora/api/internal/apperr"
	"agora/api/internal/identity"
	"agora/api/internal/rbac"
)

func errUnknownKind(kind Kind) error {
	return apperr.Invalid("unknown operation kind " + string(kind))
}

// authorize checks the role preconditions of op for ident. It runs before
// any credential is chosen, so elevated execution never stands in for it.
func authorize(op Operation, ident identity.Identity) error {
	switch op.Kind {
	case KindCastVote:
		if strings.TrimSpace(op.Vote.ItemID) == "" {
			return apperr.Invalid("item id is required")
		}
		if !rbac.CanVote(ident.Role, ident.GatePassed) {
			return voterRejected(ident)
		}
		return ownsVoterKey(op.Vote.VoterKey, ident)
	case KindCastReaction:
		if strings.TrimSpace(op.Reaction.PostID) == "" {
			return apperr.Invalid("post id is required")
		}
		if !rbac.CanReact(ident.Role, ident.GatePassed) {
			return voterRejected(ident)
		}
		return ownsVoterKey(op.Reaction.VoterKey, ident)
	case KindCreatePost:
		if !ident.Authenticated() || !rbac.CanPost(ident.Role) {
			return apperr.Unauthorized(apperr.PreLogin, "login required to post")
		}
		if op.Post.AuthorID != ident.ID {
			return apperr.Unauthorized(apperr.PreOwnership, "posts may only be authored as oneself")
		}
		return nil
	case KindCreateItem:
		return requireRole(ident, rbac.CanModerate, "moderator role required to create items")
	case KindDeleteItem, KindDeletePost:
		if strings.TrimSpace(op.TargetID) == "" {
			return apperr.Invalid("target id is required")
		}
		return requireRole(ident, rbac.CanModerate, "moderator role required to delete content")
	case KindUpsertProfile:
		return authorizeProfile(op, ident)
	default:
		return errUnknownKind(op.Kind)
	}
}

func voterRejected(ident identity.Identity) error {
	if ident.Role == rbac.RoleGuest {
		return apperr.Unauthorized(apperr.PreGate, "anti-automation gate not passed")
	}
	return apperr.Unauthorized(apperr.PreLogin, "login required to vote")
}

func ownsVoterKey(key string, ident identity.Identity) error {
	own := ident.VoterKey()
	if own == "" {
		return apperr.Unauthorized(apperr.PreGate, "no voter key for this session")
	}
	if key != own {
		return apperr.Unauthorized(apperr.PreOwnership, "voter key does not belong to the acting identity")
	}
	return nil
}

func requireRole(ident identity.Identity, can func(rbac.Role) bool, message string) error {
	if can(ident.Role) {
		return nil
	}
	if !ident.Authenticated() {
		return apperr.Unauthorized(apperr.PreLogin, "login required")
	}
	return apperr.Forbidden(message)
}

func authorizeProfile(op Operation, ident identity.Identity) error {
	patch := op.Profile
	if strings.TrimSpace(patch.ID) == "" {
		return apperr.Invalid("profile id is required")
	}
	if !ident.Authenticated() {
		return apperr.Unauthorized(apperr.PreLogin, "login required")
	}
	if patch.Role != nil && !rbac.Assignable(rbac.Role(*patch.Role)) {
		return apperr.Invalid("role is not assignable")
	}
	if rbac.CanManageRoles(ident.Role) {
		return nil
	}
	if patch.ID != ident.ID || patch.Role != nil || patch.Email != nil {
		return apperr.Forbidden("system_admin role required to manage profiles")
	}
	return nil
}
