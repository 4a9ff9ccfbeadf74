package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/shared"
	"github.com/odyssey-erp/menuauthz/internal/users"
)

// RoleService is the subset of rbac.Service used when applying a catalog.
type RoleService interface {
	GetRole(ctx context.Context, id string) (rbac.Role, error)
	CreateRole(ctx context.Context, in rbac.CreateRoleInput) (rbac.Role, error)
	UpdateRole(ctx context.Context, id string, in rbac.UpdateRoleInput) (rbac.Role, error)
	AssignRole(ctx context.Context, in rbac.AssignRoleInput) (rbac.Assignment, error)
}

// MenuService is the subset of menu.Service used when applying a catalog.
type MenuService interface {
	GetMenuItem(ctx context.Context, id string) (menu.Item, error)
	CreateMenuItem(ctx context.Context, in menu.CreateItemInput) (menu.Item, error)
	UpdateMenuItem(ctx context.Context, id string, in menu.UpdateItemInput) (menu.Item, error)
}

// UserWriter stores directory entries.
type UserWriter interface {
	UpsertUser(ctx context.Context, user users.User) (users.User, error)
}

// Result counts what Apply changed.
type Result struct {
	Users              int `json:"users"`
	RolesCreated       int `json:"rolesCreated"`
	RolesUpdated       int `json:"rolesUpdated"`
	Assignments        int `json:"assignments"`
	AssignmentsSkipped int `json:"assignmentsSkipped"`
	ItemsCreated       int `json:"itemsCreated"`
	ItemsUpdated       int `json:"itemsUpdated"`
}

// Changed reports whether anything was written.
func (r Result) Changed() bool {
	return r.Users+r.RolesCreated+r.RolesUpdated+r.Assignments+r.ItemsCreated+r.ItemsUpdated > 0
}

// Applier writes a catalog through the services. Re-applying the same
// document is idempotent apart from timestamps.
type Applier struct {
	Users  UserWriter
	Roles  RoleService
	Menu   MenuService
	Actor  string
	Logger *slog.Logger
	now    func() time.Time
}

// NewApplier constructs an Applier.
func NewApplier(usersW UserWriter, roles RoleService, menuSvc MenuService, logger *slog.Logger) *Applier {
	return &Applier{
		Users:  usersW,
		Roles:  roles,
		Menu:   menuSvc,
		Actor:  "catalog",
		Logger: logger,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Apply validates doc and then writes users, roles, assignments and menu
// items in that order. Parents are always written before their children.
func (a *Applier) Apply(ctx context.Context, doc Document) (Result, error) {
	var res Result
	if err := doc.Validate(); err != nil {
		return res, err
	}
	if len(doc.Users) > 0 && a.Users == nil {
		return res, errors.New("catalog: user writer not configured")
	}
	for _, spec := range doc.Users {
		if _, err := a.Users.UpsertUser(ctx, users.User{
			ID:        strings.TrimSpace(spec.ID),
			Email:     strings.TrimSpace(spec.Email),
			Name:      strings.TrimSpace(spec.Name),
			IsActive:  !spec.Inactive,
			UpdatedAt: a.now(),
		}); err != nil {
			return res, fmt.Errorf("catalog: user %s: %w", spec.ID, err)
		}
		res.Users++
	}

	for _, spec := range parentsFirst(doc.Roles, func(r RoleSpec) (string, string) { return r.ID, r.Parent }) {
		created, err := a.applyRole(ctx, spec)
		if err != nil {
			return res, err
		}
		if created {
			res.RolesCreated++
		} else {
			res.RolesUpdated++
		}
	}

	for _, spec := range doc.Assignments {
		_, err := a.Roles.AssignRole(ctx, rbac.AssignRoleInput{
			UserID:     spec.User,
			RoleID:     spec.Role,
			ExpiresAt:  spec.ExpiresAt,
			AssignedBy: a.Actor,
		})
		if errors.Is(err, shared.ErrDuplicate) {
			res.AssignmentsSkipped++
			continue
		}
		if err != nil {
			return res, fmt.Errorf("catalog: assign %s to %s: %w", spec.Role, spec.User, err)
		}
		res.Assignments++
	}

	for _, spec := range parentsFirst(doc.Menu, func(i ItemSpec) (string, string) { return i.ID, i.Parent }) {
		created, err := a.applyItem(ctx, spec)
		if err != nil {
			return res, err
		}
		if created {
			res.ItemsCreated++
		} else {
			res.ItemsUpdated++
		}
	}

	if a.Logger != nil {
		a.Logger.Info("catalog applied",
			slog.Int("users", res.Users),
			slog.Int("roles_created", res.RolesCreated),
			slog.Int("roles_updated", res.RolesUpdated),
			slog.Int("assignments", res.Assignments),
			slog.Int("items_created", res.ItemsCreated),
			slog.Int("items_updated", res.ItemsUpdated),
		)
	}
	return res, nil
}

func (a *Applier) applyRole(ctx context.Context, spec RoleSpec) (bool, error) {
	perms, err := spec.permissionInputs()
	if err != nil {
		return false, err
	}
	current, err := a.Roles.GetRole(ctx, spec.ID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		if _, err := a.Roles.CreateRole(ctx, rbac.CreateRoleInput{
			ID:           spec.ID,
			Name:         spec.Name,
			DisplayName:  spec.DisplayName,
			Level:        spec.Level,
			Permissions:  perms,
			IsSystem:     spec.System,
			ParentRoleID: spec.Parent,
			Metadata:     spec.Metadata,
		}); err != nil {
			return false, fmt.Errorf("catalog: create role %s: %w", spec.ID, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("catalog: get role %s: %w", spec.ID, err)
	}

	if current.IsSystem {
		// Only presentation fields of a system role are writable.
		in := rbac.UpdateRoleInput{DisplayName: &spec.DisplayName, Metadata: spec.Metadata}
		if _, err := a.Roles.UpdateRole(ctx, spec.ID, in); err != nil {
			return false, fmt.Errorf("catalog: update role %s: %w", spec.ID, err)
		}
		return false, nil
	}
	active := true
	in := rbac.UpdateRoleInput{
		Name:         &spec.Name,
		DisplayName:  &spec.DisplayName,
		Level:        &spec.Level,
		Permissions:  perms,
		IsActive:     &active,
		ParentRoleID: &spec.Parent,
		Metadata:     spec.Metadata,
	}
	if _, err := a.Roles.UpdateRole(ctx, spec.ID, in); err != nil {
		return false, fmt.Errorf("catalog: update role %s: %w", spec.ID, err)
	}
	return false, nil
}

func (a *Applier) applyItem(ctx context.Context, spec ItemSpec) (bool, error) {
	conds, err := spec.conditionInputs()
	if err != nil {
		return false, err
	}
	visible, enabled := !spec.Hidden, !spec.Disabled
	_, err = a.Menu.GetMenuItem(ctx, spec.ID)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		if _, err := a.Menu.CreateMenuItem(ctx, menu.CreateItemInput{
			ID:          spec.ID,
			Label:       spec.Label,
			Type:        spec.Type,
			Path:        spec.Path,
			URL:         spec.URL,
			Icon:        spec.Icon,
			Order:       spec.Order,
			IsVisible:   &visible,
			IsEnabled:   &enabled,
			ParentID:    spec.Parent,
			Permissions: spec.Permissions,
			Roles:       spec.Roles,
			Conditions:  conds,
			Metadata:    spec.Metadata,
		}); err != nil {
			return false, fmt.Errorf("catalog: create item %s: %w", spec.ID, err)
		}
		return true, nil
	case err != nil:
		return false, fmt.Errorf("catalog: get item %s: %w", spec.ID, err)
	}

	in := menu.UpdateItemInput{
		Label:       &spec.Label,
		Type:        &spec.Type,
		Path:        &spec.Path,
		URL:         &spec.URL,
		Icon:        &spec.Icon,
		Order:       &spec.Order,
		IsVisible:   &visible,
		IsEnabled:   &enabled,
		ParentID:    &spec.Parent,
		Permissions: nonNil(spec.Permissions),
		Roles:       nonNil(spec.Roles),
		Conditions:  conds,
		Metadata:    spec.Metadata,
	}
	if _, err := a.Menu.UpdateMenuItem(ctx, spec.ID, in); err != nil {
		return false, fmt.Errorf("catalog: update item %s: %w", spec.ID, err)
	}
	return false, nil
}

// parentsFirst orders specs so that every entry follows its parent when the
// parent is part of the same document. Input order is kept otherwise.
func parentsFirst[T any](specs []T, ids func(T) (id, parent string)) []T {
	index := make(map[string]int, len(specs))
	for i, s := range specs {
		id, _ := ids(s)
		index[id] = i
	}
	out := make([]T, 0, len(specs))
	done := make([]bool, len(specs))
	var visit func(i int, depth int)
	visit = func(i int, depth int) {
		if done[i] || depth > len(specs) {
			return
		}
		_, parent := ids(specs[i])
		if p, ok := index[parent]; ok && p != i {
			visit(p, depth+1)
		}
		if !done[i] {
			done[i] = true
			out = append(out, specs[i])
		}
	}
	for i := range specs {
		visit(i, 0)
	}
	return out
}

func nonNil(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
