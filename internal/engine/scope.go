package engine

import (
	"context"
)

type Scope string

const (
	ScopeAll      Scope = "all"
	ScopeOwn      Scope = "own"
	ScopeAssigned Scope = "assigned"
)

// Permission is the externally-resolved authorization decision for one
// request. The engine never decides policy; it only applies this verbatim.
type Permission struct {
	Scope          Scope  `json:"scope"`
	OwnColumn      string `json:"own_column,omitempty"`
	AssignedColumn string `json:"assigned_column,omitempty"`
}

// UserContext identifies the authenticated caller.
type UserContext struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (u *UserContext) IsAdmin() bool {
	return u != nil && u.Role == "admin"
}

// AssignedResolver returns the record ids visible to the user under
// assigned scope.
type AssignedResolver func(ctx context.Context, user *UserContext) ([]any, error)

// ApplyScope narrows an already-built query to the rows the caller may see.
// A missing permission or scope is fatal: visibility must never silently
// default to unrestricted.
func ApplyScope(ctx context.Context, q *Query, perm *Permission, user *UserContext, resolver AssignedResolver) error {
	if perm == nil || perm.Scope == "" {
		return MisconfiguredError("no access scope configured for this request")
	}
	if user == nil {
		return UnauthorizedError("Authentication required")
	}

	switch perm.Scope {
	case ScopeAll:
		return nil

	case ScopeOwn:
		if perm.OwnColumn == "" {
			return MisconfiguredError("own scope requires an own_column")
		}
		q.Where(perm.OwnColumn, user.ID)
		return nil

	case ScopeAssigned:
		if perm.AssignedColumn == "" {
			return MisconfiguredError("assigned scope requires an assigned_column")
		}
		if resolver == nil {
			return MisconfiguredError("assigned scope requires a resolver")
		}
		ids, err := resolver(ctx, user)
		if err != nil {
			return ScopeResolutionError(err)
		}
		q.WhereIn(perm.AssignedColumn, ids)
		return nil

	default:
		return MisconfiguredError("unknown access scope: " + string(perm.Scope))
	}
}
