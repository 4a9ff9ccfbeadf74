package e2e

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/menuauthz/internal/audit"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/shared"
	"github.com/odyssey-erp/menuauthz/internal/users"
)

// store backs the user directory, roles, assignments and menu items in memory.
type store struct {
	mu          sync.Mutex
	users       map[string]users.User
	roles       map[string]rbac.Role
	assignments []rbac.Assignment
	items       map[string]menu.Item
	auditLog    []audit.Entry
}

func newStore() *store {
	return &store{
		users: make(map[string]users.User),
		roles: make(map[string]rbac.Role),
		items: make(map[string]menu.Item),
	}
}

func (s *store) ListUsers(ctx context.Context) ([]users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]users.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *store) GetUser(ctx context.Context, id string) (users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return users.User{}, fmt.Errorf("%w: %s", users.ErrUserNotFound, id)
	}
	return u, nil
}

func (s *store) UpsertUser(ctx context.Context, u users.User) (users.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if prev, ok := s.users[u.ID]; ok {
		u.CreatedAt = prev.CreatedAt
	}
	s.users[u.ID] = u
	return u, nil
}

// roleRepo and itemRepo split the store so each satisfies one Repository.
type roleRepo struct{ *store }

func (r roleRepo) GetRole(ctx context.Context, id string) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	role, ok := r.roles[id]
	if !ok {
		return rbac.Role{}, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, id)
	}
	return role, nil
}

func (r roleRepo) GetRoleByName(ctx context.Context, name string) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, role := range r.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return rbac.Role{}, fmt.Errorf("%w: %s", rbac.ErrRoleNotFound, name)
}

func (r roleRepo) ListRoles(ctx context.Context) ([]rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]rbac.Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r roleRepo) RolesByIDs(ctx context.Context, ids []string) ([]rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Role
	for _, id := range ids {
		if role, ok := r.roles[id]; ok {
			out = append(out, role)
		}
	}
	return out, nil
}

func (r roleRepo) InsertRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles[role.ID] = role
	return role, nil
}

func (r roleRepo) ReplaceRole(ctx context.Context, role rbac.Role) (rbac.Role, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roles[role.ID]; !ok {
		return rbac.Role{}, rbac.ErrRoleNotFound
	}
	r.roles[role.ID] = role
	return role, nil
}

func (r roleRepo) ActiveAssignments(ctx context.Context, userID string, at time.Time) ([]rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Assignment
	for _, a := range r.assignments {
		if a.UserID == userID && a.EffectiveAt(at) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r roleRepo) ListAssignments(ctx context.Context, userID string) ([]rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []rbac.Assignment
	for _, a := range r.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r roleRepo) InsertAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.assignments = append(r.assignments, a)
	return a, nil
}

func (r roleRepo) ReplaceAssignment(ctx context.Context, a rbac.Assignment) (rbac.Assignment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.assignments {
		if r.assignments[i].ID == a.ID {
			r.assignments[i] = a
			return a, nil
		}
	}
	return rbac.Assignment{}, rbac.ErrAssignmentNotFound
}

func (r roleRepo) ExpireAssignments(ctx context.Context, at time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for i, a := range r.assignments {
		if a.IsActive && a.ExpiresAt != nil && !a.ExpiresAt.After(at) {
			r.assignments[i].IsActive = false
			r.assignments[i].RevokedAt = a.ExpiresAt
			n++
		}
	}
	return n, nil
}

type itemRepo struct{ *store }

func (r itemRepo) ListItems(ctx context.Context) ([]menu.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]menu.Item, 0, len(r.items))
	for _, item := range r.items {
		out = append(out, item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r itemRepo) GetItem(ctx context.Context, id string) (menu.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	item, ok := r.items[id]
	if !ok {
		return menu.Item{}, fmt.Errorf("%w: %s", menu.ErrItemNotFound, id)
	}
	return item, nil
}

func (r itemRepo) InsertItem(ctx context.Context, item menu.Item) (menu.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; ok {
		return menu.Item{}, shared.ErrDuplicate
	}
	r.items[item.ID] = item
	return item, nil
}

func (r itemRepo) ReplaceItem(ctx context.Context, item menu.Item) (menu.Item, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.items[item.ID]; !ok {
		return menu.Item{}, menu.ErrItemNotFound
	}
	r.items[item.ID] = item
	return item, nil
}

func (s *store) InsertEntry(ctx context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auditLog = append(s.auditLog, entry)
	return nil
}

func (s *store) ListEntries(ctx context.Context, params audit.WindowParams) ([]audit.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []audit.Entry
	for _, e := range s.auditLog {
		switch {
		case !params.From.IsZero() && e.At.Before(params.From),
			!params.To.IsZero() && e.At.After(params.To),
			params.Actor != "" && e.Actor != params.Actor,
			params.Entity != "" && e.Entity != params.Entity,
			params.Action != "" && e.Action != params.Action:
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.After(out[j].At) })
	if params.Offset >= len(out) {
		return []audit.Entry{}, nil
	}
	out = out[params.Offset:]
	if params.Limit > 0 && len(out) > params.Limit {
		out = out[:params.Limit]
	}
	return out, nil
}
