package rbac

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func ptr(t time.Time) *time.Time { return &t }

func perm(id, resource, action string) Permission {
	return Permission{ID: id, Name: id, Resource: resource, Action: action, IsGranted: true}
}

func TestResolveEffectiveUnionsActiveRoles(t *testing.T) {
	roles := []Role{
		{ID: "viewer", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read"), perm("p2", "menu", "read")}},
		{ID: "editor", IsActive: true, Permissions: []Permission{perm("p2", "menu", "read"), perm("p3", "menu", "write")}},
		{ID: "retired", IsActive: false, Permissions: []Permission{perm("p9", "*", "*")}},
	}
	assignments := []Assignment{
		{UserID: "u1", RoleID: "viewer", IsActive: true},
		{UserID: "u1", RoleID: "editor", IsActive: true},
		{UserID: "u1", RoleID: "retired", IsActive: true},
		{UserID: "u1", RoleID: "missing", IsActive: true},
		{UserID: "u2", RoleID: "editor", IsActive: true},
	}

	eff := ResolveEffective("u1", assignments, roles, now)
	assert.Equal(t, []string{"editor", "viewer"}, eff.RoleIDs)
	assert.Equal(t, []string{"p1", "p2", "p3"}, eff.PermissionIDs())
	assert.Equal(t, []string{"menu:read", "menu:write", "reports:read"}, eff.Keys())
	assert.True(t, eff.HasRole("viewer"))
	assert.False(t, eff.HasRole("retired"))
	assert.False(t, eff.Allows("anything", "delete"))
}

func TestResolveEffectiveExcludesExpiredPermissions(t *testing.T) {
	expired := perm("old", "billing", "read")
	expired.ExpiresAt = ptr(now.Add(-time.Second))
	boundary := perm("edge", "billing", "export")
	boundary.ExpiresAt = ptr(now)
	future := perm("new", "billing", "write")
	future.ExpiresAt = ptr(now.Add(time.Hour))
	denied := perm("deny", "billing", "delete")
	denied.IsGranted = false

	roles := []Role{{ID: "r1", IsActive: true, Permissions: []Permission{expired, boundary, future, denied}}}
	assignments := []Assignment{{UserID: "u1", RoleID: "r1", IsActive: true}}

	eff := ResolveEffective("u1", assignments, roles, now)
	assert.Equal(t, []string{"new"}, eff.PermissionIDs())
}

func TestResolveEffectiveSkipsLapsedAssignments(t *testing.T) {
	roles := []Role{
		{ID: "r1", IsActive: true, Permissions: []Permission{perm("p1", "a", "b")}},
		{ID: "r2", IsActive: true, Permissions: []Permission{perm("p2", "a", "c")}},
		{ID: "r3", IsActive: true, Permissions: []Permission{perm("p3", "a", "d")}},
	}
	assignments := []Assignment{
		{UserID: "u1", RoleID: "r1", IsActive: true, ExpiresAt: ptr(now.Add(-time.Minute))},
		{UserID: "u1", RoleID: "r2", IsActive: false},
		{UserID: "u1", RoleID: "r3", IsActive: true, ExpiresAt: ptr(now.Add(time.Minute))},
	}
	eff := ResolveEffective("u1", assignments, roles, now)
	assert.Equal(t, []string{"r3"}, eff.RoleIDs)
	assert.Equal(t, []string{"p3"}, eff.PermissionIDs())
}

func TestResolveEffectiveFirstRoleWinsOnDuplicateID(t *testing.T) {
	a := perm("shared", "menu", "read")
	b := perm("shared", "menu", "write")
	roles := []Role{
		{ID: "zeta", IsActive: true, Permissions: []Permission{b}},
		{ID: "alpha", IsActive: true, Permissions: []Permission{a}},
	}
	assignments := []Assignment{{UserID: "u1", RoleID: "zeta", IsActive: true}, {UserID: "u1", RoleID: "alpha", IsActive: true}}

	eff := ResolveEffective("u1", assignments, roles, now)
	require.Len(t, eff.Permissions, 1)
	assert.Equal(t, "read", eff.Permissions[0].Action)
}

func TestResolveEffectiveDoesNotInheritFromParentRole(t *testing.T) {
	roles := []Role{
		{ID: "manager", Level: 5, IsActive: true, Permissions: []Permission{perm("approve", "po", "approve")}},
		{ID: "clerk", Level: 1, ParentRoleID: "manager", IsActive: true, Permissions: []Permission{perm("view", "po", "read")}},
	}
	eff := ResolveEffective("u1", []Assignment{{UserID: "u1", RoleID: "clerk", IsActive: true}}, roles, now)
	assert.Equal(t, []string{"view"}, eff.PermissionIDs())
}

func TestResolveEffectiveEmpty(t *testing.T) {
	eff := ResolveEffective("ghost", nil, nil, now)
	assert.Empty(t, eff.RoleIDs)
	assert.Empty(t, eff.PermissionIDs())
	assert.NotNil(t, eff.Permissions)
}

func TestAllowsWildcards(t *testing.T) {
	eff := Effective{Permissions: []Permission{perm("any-menu", "menu", "*"), perm("readers", "*", "read")}}
	assert.True(t, eff.Allows("menu", "write"))
	assert.True(t, eff.Allows("roles", "read"))
	assert.False(t, eff.Allows("roles", "write"))

	root := Effective{Permissions: []Permission{perm("root", "*", "*")}}
	assert.True(t, root.Allows("roles", "assign"))
}

func TestAllowsFoldsStoredKeyCase(t *testing.T) {
	eff := Effective{Permissions: []Permission{perm("p1", "Menu", "Read")}}
	assert.True(t, eff.Allows("menu", "read"))
	assert.True(t, eff.Allows("MENU", "READ"))
	assert.Equal(t, []string{"menu:read"}, eff.Keys())
}
