package permission

import (
	"context"
	"strings"
)

// SubuserLookup fetches the stored grants of userID on serverID. found is
// false when the user is not a subuser of the server.
type SubuserLookup interface {
	SubuserPermissions(ctx context.Context, serverID, userID string) (perms Set, found bool, err error)
}

type Subject struct {
	UserID   string
	ServerID string
	IsAdmin  bool
	IsOwner  bool
	// Explicit, when non-nil, is used instead of looking up the subuser row.
	Explicit *Set
}

type Resolver struct {
	Lookup SubuserLookup
}

func NewResolver(lookup SubuserLookup) *Resolver {
	return &Resolver{Lookup: lookup}
}

// Resolve computes the effective permission set for s. It has no side
// effects; callers cache the result and must drop it whenever grants or
// ownership change.
func (r *Resolver) Resolve(ctx context.Context, s Subject) (Set, error) {
	perms, _, err := r.Membership(ctx, s)
	return perms, err
}

// Membership is Resolve that also reports whether the user stands on the
// server at all: admin, owner, explicit grants or a stored subuser row.
func (r *Resolver) Membership(ctx context.Context, s Subject) (Set, bool, error) {
	if s.IsAdmin || s.IsOwner {
		return NewSet(Admin...), true, nil
	}

	var explicit Set
	member := s.Explicit != nil
	if s.Explicit != nil {
		explicit = *s.Explicit
	} else if r.Lookup != nil && s.UserID != "" {
		perms, found, err := r.Lookup.SubuserPermissions(ctx, s.ServerID, s.UserID)
		if err != nil {
			return Set{}, false, err
		}
		if found {
			explicit = perms
			member = true
		}
	}

	if explicit.Empty() {
		return NewSet(DefaultSubuser...), member, nil
	}
	return explicit.With(WebsocketConnect), member, nil
}

// Access is a resolved permission set bound to the caller's trust level.
type Access struct {
	UserID      string
	ServerID    string
	IsAdmin     bool
	IsOwner     bool
	Subuser     bool
	Permissions Set
}

// Allows reports whether the caller may perform perm. Admins and owners
// control everything on the server; subusers need perm itself or a
// "<group>.*" grant covering it.
func (a Access) Allows(perm string) bool {
	if a.IsAdmin || a.IsOwner {
		return true
	}
	if a.Permissions.Has(perm) {
		return true
	}
	if i := strings.LastIndex(perm, "."); i > 0 {
		return a.Permissions.Has(perm[:i] + ".*")
	}
	return false
}
