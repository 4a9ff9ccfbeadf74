package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/menuauthz/internal/shared"
)

type memRepo struct {
	mu          sync.Mutex
	roles       map[string]Role
	assignments []Assignment
}

func newMemRepo(roles ...Role) *memRepo {
	m := &memRepo{roles: make(map[string]Role)}
	for _, r := range roles {
		m.roles[r.ID] = r
	}
	return m
}

func (m *memRepo) GetRole(ctx context.Context, id string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, id)
	}
	return r, nil
}

func (m *memRepo) GetRoleByName(ctx context.Context, name string) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.roles {
		if r.Name == name {
			return r, nil
		}
	}
	return Role{}, fmt.Errorf("%w: %s", ErrRoleNotFound, name)
}

func (m *memRepo) ListRoles(ctx context.Context) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Role, 0, len(m.roles))
	for _, r := range m.roles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *memRepo) RolesByIDs(ctx context.Context, ids []string) ([]Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Role
	for _, id := range ids {
		if r, ok := m.roles[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRepo) InsertRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role.ID] = role
	return role, nil
}

func (m *memRepo) ReplaceRole(ctx context.Context, role Role) (Role, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.roles[role.ID]; !ok {
		return Role{}, ErrRoleNotFound
	}
	m.roles[role.ID] = role
	return role, nil
}

func (m *memRepo) ActiveAssignments(ctx context.Context, userID string, at time.Time) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.UserID == userID && a.EffectiveAt(at) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Assignment
	for _, a := range m.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (m *memRepo) InsertAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assignments = append(m.assignments, a)
	return a, nil
}

func (m *memRepo) ReplaceAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.assignments {
		if m.assignments[i].ID == a.ID {
			m.assignments[i] = a
			return a, nil
		}
	}
	return Assignment{}, ErrAssignmentNotFound
}

func (m *memRepo) ExpireAssignments(ctx context.Context, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i, a := range m.assignments {
		if a.IsActive && a.ExpiresAt != nil && !a.ExpiresAt.After(at) {
			m.assignments[i].IsActive = false
			m.assignments[i].RevokedAt = a.ExpiresAt
			n++
		}
	}
	return n, nil
}

type stubUsers map[string]bool

func (s stubUsers) Exists(ctx context.Context, userID string) (bool, error) {
	return s[userID], nil
}

func newTestService(repo Repository) *Service {
	seq := 0
	return NewService(repo, stubUsers{"u1": true, "u2": true},
		WithClock(func() time.Time { return now }),
		WithIDGenerator(func() string {
			seq++
			return fmt.Sprintf("id-%d", seq)
		}),
	)
}

func systemRole() Role {
	return Role{
		ID:          "admin",
		Name:        "admin",
		DisplayName: "Administrator",
		Level:       10,
		Permissions: []Permission{perm("all", "*", "*")},
		IsActive:    true,
		IsSystem:    true,
	}
}

func TestCreateRole(t *testing.T) {
	repo := newMemRepo(systemRole())
	svc := newTestService(repo)

	granted := false
	role, err := svc.CreateRole(context.Background(), CreateRoleInput{
		Name:        "report-viewer",
		DisplayName: " Report viewer ",
		Level:       2,
		Permissions: []PermissionInput{
			{Resource: "reports", Action: "read"},
			{ID: "p-export", Resource: "reports", Action: "export", IsGranted: &granted},
		},
		ParentRoleID: "admin",
	})
	require.NoError(t, err)
	assert.Equal(t, "id-1", role.ID)
	assert.Equal(t, "Report viewer", role.DisplayName)
	assert.True(t, role.IsActive)
	require.Len(t, role.Permissions, 2)
	assert.Equal(t, "reports:read", role.Permissions[0].ID)
	assert.True(t, role.Permissions[0].IsGranted)
	assert.False(t, role.Permissions[1].IsGranted)
	assert.Equal(t, now, role.CreatedAt)
}

func TestCreateRoleValidation(t *testing.T) {
	svc := newTestService(newMemRepo(systemRole()))
	ctx := context.Background()

	cases := map[string]struct {
		in    CreateRoleInput
		field string
	}{
		"missing name":       {CreateRoleInput{DisplayName: "X", Level: 1}, "name"},
		"bad slug":           {CreateRoleInput{Name: "Not A Slug", DisplayName: "X", Level: 1}, "name"},
		"level too high":     {CreateRoleInput{Name: "x1", DisplayName: "X", Level: 11}, "level"},
		"missing level":      {CreateRoleInput{Name: "x1", DisplayName: "X"}, "level"},
		"permission action":  {CreateRoleInput{Name: "x1", DisplayName: "X", Level: 1, Permissions: []PermissionInput{{Resource: "r"}}}, "permissions[0].action"},
		"duplicate perm ids": {CreateRoleInput{Name: "x1", DisplayName: "X", Level: 1, Permissions: []PermissionInput{{Resource: "r", Action: "a"}, {Resource: "r", Action: "a"}}}, "permissions"},
		"unknown parent":     {CreateRoleInput{Name: "x1", DisplayName: "X", Level: 1, ParentRoleID: "ghost"}, "parentRoleId"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := svc.CreateRole(ctx, tc.in)
			var verr *shared.ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Contains(t, verr.Fields, tc.field)
		})
	}
}

func TestCreateRoleRejectsDuplicateName(t *testing.T) {
	svc := newTestService(newMemRepo(systemRole()))
	_, err := svc.CreateRole(context.Background(), CreateRoleInput{Name: "admin", DisplayName: "Again", Level: 1})
	assert.True(t, errors.Is(err, shared.ErrDuplicate))
}

func TestUpdateSystemRoleRejectsProtectedFields(t *testing.T) {
	repo := newMemRepo(systemRole())
	svc := newTestService(repo)
	ctx := context.Background()

	name := "x"
	_, err := svc.UpdateRole(ctx, "admin", UpdateRoleInput{Name: &name})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSystemRole))
	assert.True(t, errors.Is(err, shared.ErrConfiguration))

	level := 3
	_, err = svc.UpdateRole(ctx, "admin", UpdateRoleInput{Level: &level})
	assert.True(t, errors.Is(err, ErrSystemRole))

	_, err = svc.UpdateRole(ctx, "admin", UpdateRoleInput{Permissions: []PermissionInput{}})
	assert.True(t, errors.Is(err, ErrSystemRole))

	_, err = svc.DeactivateRole(ctx, "admin")
	assert.True(t, errors.Is(err, ErrSystemRole))

	stored, err := repo.GetRole(ctx, "admin")
	require.NoError(t, err)
	assert.Equal(t, systemRole().Name, stored.Name)
	assert.True(t, stored.IsActive)
}

func TestUpdateSystemRoleAllowsPresentationFields(t *testing.T) {
	svc := newTestService(newMemRepo(systemRole()))
	display := "Super admin"
	sameName := "admin"
	role, err := svc.UpdateRole(context.Background(), "admin", UpdateRoleInput{
		Name:        &sameName,
		DisplayName: &display,
		Metadata:    map[string]string{"owner": "platform"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Super admin", role.DisplayName)
	assert.Equal(t, "platform", role.Metadata["owner"])
	assert.Equal(t, now, role.UpdatedAt)
}

func TestUpdateRoleIsCopyOnWrite(t *testing.T) {
	original := Role{ID: "viewer", Name: "viewer", DisplayName: "Viewer", Level: 1, IsActive: true,
		Permissions: []Permission{perm("p1", "reports", "read")}, Metadata: map[string]string{"team": "a"}}
	repo := newMemRepo(original)
	svc := newTestService(repo)

	_, err := svc.UpdateRole(context.Background(), "viewer", UpdateRoleInput{
		Permissions: []PermissionInput{{Resource: "reports", Action: "export"}},
		Metadata:    map[string]string{"team": "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", original.Permissions[0].ID)
	assert.Equal(t, "a", original.Metadata["team"])

	stored, err := repo.GetRole(context.Background(), "viewer")
	require.NoError(t, err)
	assert.Equal(t, "reports:export", stored.Permissions[0].ID)
}

func TestUpdateRoleRejectsParentCycle(t *testing.T) {
	repo := newMemRepo(
		Role{ID: "ra", Name: "ra", DisplayName: "A", Level: 1, IsActive: true},
		Role{ID: "rb", Name: "rb", DisplayName: "B", Level: 1, IsActive: true, ParentRoleID: "ra"},
		Role{ID: "rc", Name: "rc", DisplayName: "C", Level: 1, IsActive: true, ParentRoleID: "rb"},
	)
	svc := newTestService(repo)
	ctx := context.Background()

	for _, parent := range []string{"rb", "rc"} {
		p := parent
		_, err := svc.UpdateRole(ctx, "ra", UpdateRoleInput{ParentRoleID: &p})
		var verr *shared.ValidationError
		require.True(t, errors.As(err, &verr), "parent %s: got %v", parent, err)
		assert.Contains(t, verr.Fields, "parentRoleId")
	}

	stored, err := repo.GetRole(ctx, "ra")
	require.NoError(t, err)
	assert.Empty(t, stored.ParentRoleID)

	other := "rb"
	_, err = svc.UpdateRole(ctx, "rc", UpdateRoleInput{ParentRoleID: &other})
	require.NoError(t, err)
}

func TestUpdateRoleNotFound(t *testing.T) {
	svc := newTestService(newMemRepo())
	display := "x"
	_, err := svc.UpdateRole(context.Background(), "ghost", UpdateRoleInput{DisplayName: &display})
	assert.True(t, errors.Is(err, shared.ErrNotFound))
}

func TestAssignRole(t *testing.T) {
	inactive := Role{ID: "old", Name: "old", IsActive: false}
	active := Role{ID: "viewer", Name: "viewer", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read")}}
	repo := newMemRepo(active, inactive)
	svc := newTestService(repo)
	ctx := context.Background()

	a, err := svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: "viewer", AssignedBy: "root"})
	require.NoError(t, err)
	assert.True(t, a.IsActive)
	assert.Equal(t, now, a.AssignedAt)
	assert.Equal(t, "root", a.AssignedBy)

	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: "viewer"})
	assert.True(t, errors.Is(err, shared.ErrDuplicate))

	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "ghost", RoleID: "viewer"})
	assert.True(t, errors.Is(err, ErrUserNotFound))

	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u2", RoleID: "missing"})
	assert.True(t, errors.Is(err, shared.ErrNotFound))

	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u2", RoleID: "old"})
	assert.True(t, errors.Is(err, shared.ErrValidation))

	_, err = svc.AssignRole(ctx, AssignRoleInput{UserID: "u2", RoleID: "viewer", ExpiresAt: ptr(now.Add(-time.Hour))})
	assert.True(t, errors.Is(err, shared.ErrValidation))

	ids, err := svc.ResolvePermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"p1"}, ids)
}

func TestRevokeRoleIsSoft(t *testing.T) {
	repo := newMemRepo(Role{ID: "viewer", Name: "viewer", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read")}})
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: "viewer"})
	require.NoError(t, err)

	revoked, err := svc.RevokeRole(ctx, "u1", "viewer")
	require.NoError(t, err)
	assert.False(t, revoked.IsActive)
	require.NotNil(t, revoked.RevokedAt)
	assert.Equal(t, now, *revoked.RevokedAt)

	history, err := svc.ListAssignments(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 1, "revocation must keep the row")

	ids, err := svc.ResolvePermissions(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	_, err = svc.RevokeRole(ctx, "u1", "viewer")
	assert.True(t, errors.Is(err, ErrAssignmentNotFound))
}

func TestResolveSurvivesRoleDeactivation(t *testing.T) {
	repo := newMemRepo(Role{ID: "viewer", Name: "viewer", Level: 1, DisplayName: "V", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read")}})
	svc := newTestService(repo)
	ctx := context.Background()

	_, err := svc.AssignRole(ctx, AssignRoleInput{UserID: "u1", RoleID: "viewer"})
	require.NoError(t, err)
	_, err = svc.DeactivateRole(ctx, "viewer")
	require.NoError(t, err)

	eff, err := svc.Resolve(ctx, "u1", time.Time{})
	require.NoError(t, err)
	assert.Empty(t, eff.RoleIDs)
	assert.Empty(t, eff.PermissionIDs())
}

func TestExpireAssignments(t *testing.T) {
	repo := newMemRepo(Role{ID: "viewer", Name: "viewer", IsActive: true})
	repo.assignments = []Assignment{
		{ID: "a1", UserID: "u1", RoleID: "viewer", IsActive: true, ExpiresAt: ptr(now.Add(-time.Minute))},
		{ID: "a2", UserID: "u2", RoleID: "viewer", IsActive: true, ExpiresAt: ptr(now.Add(time.Minute))},
		{ID: "a3", UserID: "u2", RoleID: "viewer", IsActive: true},
	}
	svc := newTestService(repo)

	n, err := svc.ExpireAssignments(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, repo.assignments[0].IsActive)
	assert.True(t, repo.assignments[1].IsActive)
}

func TestListPermissions(t *testing.T) {
	repo := newMemRepo(
		Role{ID: "b", Name: "b", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read"), perm("p2", "menu", "read")}},
		Role{ID: "a", Name: "a", IsActive: true, Permissions: []Permission{perm("p1", "reports", "read")}},
	)
	svc := newTestService(repo)

	perms, err := svc.ListPermissions(context.Background())
	require.NoError(t, err)
	require.Len(t, perms, 2)
	assert.Equal(t, "p1", perms[0].ID)
	assert.Equal(t, []string{"a", "b"}, perms[0].RoleIDs)
	assert.Equal(t, []string{"b"}, perms[1].RoleIDs)
}
