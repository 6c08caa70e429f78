// Package rbac implements the authorization decision table for notes.
// Decisions combine the principal's global role with per-note ownership
// and collaborator grants. Authorize is pure: no I/O, no side effects.
package rbac

type Role string
type Action string
type Permission string
type Reason string

const (
	RoleViewer Role = "viewer"
	RoleEditor Role = "editor"
	RoleAdmin  Role = "admin"
)

const (
	ActionRead                Action = "read"
	ActionWrite               Action = "write"
	ActionDelete              Action = "delete"
	ActionShare               Action = "share"
	ActionManageCollaborators Action = "manage_collaborators"
)

const (
	PermissionEditor Permission = "editor"
	PermissionViewer Permission = "viewer"
)

const (
	ReasonAllowed    Reason = "allowed"
	ReasonNotOwner   Reason = "not_owner"
	ReasonForbidden  Reason = "forbidden"
	ReasonNotFound   Reason = "not_found"
	ReasonViewerRole Reason = "viewer_role"
)

// Principal is an authenticated actor. Role is fixed for the lifetime of
// the token it was parsed from.
type Principal struct {
	ID   string
	Role Role
}

// Grant is a per-note collaborator permission, distinct from global role.
type Grant struct {
	UserID     string
	Permission Permission
}

// NoteACL is the slice of note state authorization needs: ownership plus
// the loaded collaborator grants. Exists=false models "no such note",
// which matters for the admin delete path.
type NoteACL struct {
	OwnerID string
	Exists  bool
	Grants  []Grant
}

type Decision struct {
	Allowed bool
	Reason  Reason
}

func allow() Decision {
	return Decision{Allowed: true, Reason: ReasonAllowed}
}

func deny(reason Reason) Decision {
	return Decision{Allowed: false, Reason: reason}
}

// Authorize evaluates the decision table, first matching rule wins:
//
//  1. share and manage_collaborators are owner-only.
//  2. delete: owner or admin. An admin deleting a note that does not
//     exist gets not_found rather than forbidden.
//  3. write: the viewer role is read-only everywhere, even when listed
//     as an editor collaborator. Otherwise owner or editor grant.
//  4. read (by id): owner, any grant, or the viewer role, which reads
//     the entire corpus.
func Authorize(p Principal, note NoteACL, action Action) Decision {
	switch action {
	case ActionShare, ActionManageCollaborators:
		if !note.Exists {
			return deny(ReasonNotFound)
		}
		if p.ID == note.OwnerID {
			return allow()
		}
		return deny(ReasonNotOwner)

	case ActionDelete:
		if !note.Exists {
			return deny(ReasonNotFound)
		}
		if p.ID == note.OwnerID || p.Role == RoleAdmin {
			return allow()
		}
		return deny(ReasonForbidden)

	case ActionWrite:
		if !note.Exists {
			return deny(ReasonNotFound)
		}
		if p.Role == RoleViewer {
			return deny(ReasonViewerRole)
		}
		if p.ID == note.OwnerID || hasGrant(note.Grants, p.ID, PermissionEditor) {
			return allow()
		}
		return deny(ReasonForbidden)

	case ActionRead:
		if !note.Exists {
			return deny(ReasonNotFound)
		}
		if p.Role == RoleViewer || p.ID == note.OwnerID || hasAnyGrant(note.Grants, p.ID) {
			return allow()
		}
		// Invisible notes are reported as missing, not forbidden.
		return deny(ReasonNotFound)

	default:
		return deny(ReasonForbidden)
	}
}

// ListsEntireCorpus reports whether list reads for this principal span
// every note in the system. Only the viewer role has that property; other
// roles list the notes they own. Search never spans the corpus, for any
// role: its candidate set is owned-or-collaborated notes.
func ListsEntireCorpus(p Principal) bool {
	return p.Role == RoleViewer
}

func hasGrant(grants []Grant, userID string, permission Permission) bool {
	for _, grant := range grants {
		if grant.UserID == userID && grant.Permission == permission {
			return true
		}
	}
	return false
}

func hasAnyGrant(grants []Grant, userID string) bool {
	for _, grant := range grants {
		if grant.UserID == userID {
			return true
		}
	}
	return false
}

func Normalize(role string) Role {
	switch Role(role) {
	case RoleViewer, RoleEditor, RoleAdmin:
		return Role(role)
	default:
		return RoleViewer
	}
}

func NormalizePermission(permission string) Permission {
	switch Permission(permission) {
	case PermissionEditor, PermissionViewer:
		return Permission(permission)
	default:
		return PermissionViewer
	}
}
