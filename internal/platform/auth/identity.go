package auth

import (
	"context"

	"github.com/google/uuid"
)

const (
	RoleAdmin    = "admin"
	RoleOrgAdmin = "org_admin"
	RoleStaff    = "staff"
)

type contextKey string

const identityKey contextKey = "identity"

// Identity is the authenticated caller: the user, the organization they act
// for, and the departments they staff.
type Identity struct {
	UserID         uuid.UUID
	OrganizationID uuid.UUID
	Roles          []string
	DepartmentIDs  []uuid.UUID
}

func (i Identity) HasRole(role string) bool {
	for _, r := range i.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// IsPlatformAdmin reports whether the caller operates the network itself
// rather than a member organization.
func (i Identity) IsPlatformAdmin() bool {
	return i.HasRole(RoleAdmin)
}

// InDepartment reports whether the caller may act for the department. Org
// admins act for every department of their organization, so callers must
// check the organization separately.
func (i Identity) InDepartment(id uuid.UUID) bool {
	if i.HasRole(RoleOrgAdmin) || i.IsPlatformAdmin() {
		return true
	}
	for _, d := range i.DepartmentIDs {
		if d == id {
			return true
		}
	}
	return false
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFromContext(ctx context.Context) Identity {
	id, _ := ctx.Value(identityKey).(Identity)
	return id
}
