package rbac

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/odyssey-erp/menuauthz/internal/shared"
)

var (
	// ErrRoleNotFound indicates that the requested role does not exist.
	ErrRoleNotFound = fmt.Errorf("rbac: role %w", shared.ErrNotFound)
	// ErrUserNotFound indicates that the user directory has no such user.
	ErrUserNotFound = fmt.Errorf("rbac: user %w", shared.ErrNotFound)
	// ErrAssignmentNotFound indicates there is no active assignment to revoke.
	ErrAssignmentNotFound = fmt.Errorf("rbac: assignment %w", shared.ErrNotFound)
	// ErrSystemRole indicates an attempt to change a protected field of a system role.
	// It matches both shared.ErrConfiguration and shared.ErrForbidden.
	ErrSystemRole = fmt.Errorf("%w: %w: rbac: system role is immutable", shared.ErrConfiguration, shared.ErrForbidden)
)

// Repository defines data access for roles and assignments.
type Repository interface {
	GetRole(ctx context.Context, id string) (Role, error)
	GetRoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)
	RolesByIDs(ctx context.Context, ids []string) ([]Role, error)
	InsertRole(ctx context.Context, role Role) (Role, error)
	ReplaceRole(ctx context.Context, role Role) (Role, error)

	ActiveAssignments(ctx context.Context, userID string, at time.Time) ([]Assignment, error)
	ListAssignments(ctx context.Context, userID string) ([]Assignment, error)
	InsertAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ReplaceAssignment(ctx context.Context, a Assignment) (Assignment, error)
	ExpireAssignments(ctx context.Context, at time.Time) (int64, error)
}

// UserDirectory answers whether a principal id is known.
type UserDirectory interface {
	Exists(ctx context.Context, userID string) (bool, error)
}

// Option customises a Service.
type Option func(*Service)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithIDGenerator overrides id generation for new roles and assignments.
func WithIDGenerator(fn func() string) Option {
	return func(s *Service) { s.newID = fn }
}

// Service orchestrates RBAC operations.
type Service struct {
	repo     Repository
	users    UserDirectory
	validate *validator.Validate
	now      func() time.Time
	newID    func() string
}

// NewService constructs a Service.
func NewService(repo Repository, users UserDirectory, opts ...Option) *Service {
	s := &Service{
		repo:     repo,
		users:    users,
		validate: shared.NewValidator(),
		now:      func() time.Time { return time.Now().UTC() },
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListRoles returns all roles.
func (s *Service) ListRoles(ctx context.Context) ([]Role, error) {
	return s.repo.ListRoles(ctx)
}

// GetRole fetches a role by ID.
func (s *Service) GetRole(ctx context.Context, id string) (Role, error) {
	return s.repo.GetRole(ctx, strings.TrimSpace(id))
}

// CreateRole validates and inserts a new role.
func (s *Service) CreateRole(ctx context.Context, in CreateRoleInput) (Role, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.ID = strings.TrimSpace(in.ID)
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Role{}, err
	}
	perms := toPermissions(in.Permissions)
	if err := checkPermissionIDs(perms); err != nil {
		return Role{}, err
	}
	if _, err := s.repo.GetRoleByName(ctx, in.Name); err == nil {
		return Role{}, fmt.Errorf("rbac: role name %q: %w", in.Name, shared.ErrDuplicate)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, err
	}
	if in.ID == "" {
		in.ID = s.newID()
	} else if _, err := s.repo.GetRole(ctx, in.ID); err == nil {
		return Role{}, fmt.Errorf("rbac: role id %q: %w", in.ID, shared.ErrDuplicate)
	} else if !errors.Is(err, shared.ErrNotFound) {
		return Role{}, err
	}
	if err := s.checkParent(ctx, in.ID, in.ParentRoleID); err != nil {
		return Role{}, err
	}
	now := s.now()
	return s.repo.InsertRole(ctx, Role{
		ID:           in.ID,
		Name:         in.Name,
		DisplayName:  in.DisplayName,
		Level:        in.Level,
		Permissions:  perms,
		IsActive:     true,
		IsSystem:     in.IsSystem,
		ParentRoleID: in.ParentRoleID,
		Metadata:     copyMetadata(in.Metadata),
		CreatedAt:    now,
		UpdatedAt:    now,
	})
}

// UpdateRole applies a partial update. Protected fields of a system role are
// rejected with ErrSystemRole; DisplayName and Metadata stay editable.
func (s *Service) UpdateRole(ctx context.Context, id string, in UpdateRoleInput) (Role, error) {
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Role{}, err
	}
	current, err := s.repo.GetRole(ctx, strings.TrimSpace(id))
	if err != nil {
		return Role{}, err
	}
	if current.IsSystem {
		if field, changed := protectedChange(current, in); changed {
			return Role{}, fmt.Errorf("%w: field %s of %q", ErrSystemRole, field, current.ID)
		}
	}

	next := current
	next.Permissions = append([]Permission(nil), current.Permissions...)
	next.Metadata = copyMetadata(current.Metadata)
	if in.Name != nil && strings.TrimSpace(*in.Name) != current.Name {
		name := strings.TrimSpace(*in.Name)
		if other, err := s.repo.GetRoleByName(ctx, name); err == nil && other.ID != current.ID {
			return Role{}, fmt.Errorf("rbac: role name %q: %w", name, shared.ErrDuplicate)
		} else if err != nil && !errors.Is(err, shared.ErrNotFound) {
			return Role{}, err
		}
		next.Name = name
	}
	if in.DisplayName != nil {
		next.DisplayName = strings.TrimSpace(*in.DisplayName)
	}
	if in.Level != nil {
		next.Level = *in.Level
	}
	if in.Permissions != nil {
		perms := toPermissions(in.Permissions)
		if err := checkPermissionIDs(perms); err != nil {
			return Role{}, err
		}
		next.Permissions = perms
	}
	if in.IsActive != nil {
		next.IsActive = *in.IsActive
	}
	if in.ParentRoleID != nil {
		parent := strings.TrimSpace(*in.ParentRoleID)
		if err := s.checkParent(ctx, current.ID, parent); err != nil {
			return Role{}, err
		}
		next.ParentRoleID = parent
	}
	if in.Metadata != nil {
		next.Metadata = copyMetadata(in.Metadata)
	}
	next.UpdatedAt = s.now()
	return s.repo.ReplaceRole(ctx, next)
}

// DeactivateRole marks a role inactive. System roles cannot be deactivated.
func (s *Service) DeactivateRole(ctx context.Context, id string) (Role, error) {
	inactive := false
	return s.UpdateRole(ctx, id, UpdateRoleInput{IsActive: &inactive})
}

// AssignRole grants a role to a user. The user must exist and the role must be
// active at assignment time.
func (s *Service) AssignRole(ctx context.Context, in AssignRoleInput) (Assignment, error) {
	in.UserID = strings.TrimSpace(in.UserID)
	in.RoleID = strings.TrimSpace(in.RoleID)
	if err := shared.ValidateStruct(s.validate, in); err != nil {
		return Assignment{}, err
	}
	now := s.now()
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return Assignment{}, shared.NewValidationError("expiresAt", "must be in the future")
	}
	if s.users != nil {
		ok, err := s.users.Exists(ctx, in.UserID)
		if err != nil {
			return Assignment{}, err
		}
		if !ok {
			return Assignment{}, fmt.Errorf("%w: %s", ErrUserNotFound, in.UserID)
		}
	}
	role, err := s.repo.GetRole(ctx, in.RoleID)
	if err != nil {
		return Assignment{}, err
	}
	if !role.IsActive {
		return Assignment{}, shared.NewValidationError("roleId", "role is inactive")
	}
	existing, err := s.repo.ActiveAssignments(ctx, in.UserID, now)
	if err != nil {
		return Assignment{}, err
	}
	for _, a := range existing {
		if a.RoleID == in.RoleID && a.EffectiveAt(now) {
			return Assignment{}, fmt.Errorf("rbac: user %s already holds role %s: %w", in.UserID, in.RoleID, shared.ErrDuplicate)
		}
	}
	return s.repo.InsertAssignment(ctx, Assignment{
		ID:         s.newID(),
		UserID:     in.UserID,
		RoleID:     in.RoleID,
		IsActive:   true,
		AssignedAt: now,
		AssignedBy: strings.TrimSpace(in.AssignedBy),
		ExpiresAt:  in.ExpiresAt,
	})
}

// RevokeRole soft-revokes every active assignment of roleID held by userID and
// returns the most recent one.
func (s *Service) RevokeRole(ctx context.Context, userID, roleID string) (Assignment, error) {
	userID = strings.TrimSpace(userID)
	roleID = strings.TrimSpace(roleID)
	history, err := s.repo.ListAssignments(ctx, userID)
	if err != nil {
		return Assignment{}, err
	}
	now := s.now()
	var (
		last  Assignment
		found bool
	)
	for _, a := range history {
		if a.RoleID != roleID || !a.IsActive {
			continue
		}
		next := a
		next.IsActive = false
		revokedAt := now
		next.RevokedAt = &revokedAt
		saved, err := s.repo.ReplaceAssignment(ctx, next)
		if err != nil {
			return Assignment{}, err
		}
		if !found || saved.AssignedAt.After(last.AssignedAt) {
			last = saved
		}
		found = true
	}
	if !found {
		return Assignment{}, fmt.Errorf("%w: user %s role %s", ErrAssignmentNotFound, userID, roleID)
	}
	return last, nil
}

// ListAssignments returns the full assignment history of a user, revoked rows included.
func (s *Service) ListAssignments(ctx context.Context, userID string) ([]Assignment, error) {
	return s.repo.ListAssignments(ctx, strings.TrimSpace(userID))
}

// ExpireAssignments soft-deactivates assignments whose expiry has passed.
func (s *Service) ExpireAssignments(ctx context.Context, at time.Time) (int64, error) {
	if at.IsZero() {
		at = s.now()
	}
	return s.repo.ExpireAssignments(ctx, at)
}

// Resolve computes the effective access of userID at the given instant. An
// unknown user resolves to an empty set.
func (s *Service) Resolve(ctx context.Context, userID string, at time.Time) (Effective, error) {
	userID = strings.TrimSpace(userID)
	if at.IsZero() {
		at = s.now()
	}
	assignments, err := s.repo.ActiveAssignments(ctx, userID, at)
	if err != nil {
		return Effective{}, fmt.Errorf("rbac: active assignments: %w", err)
	}
	ids := make([]string, 0, len(assignments))
	for _, a := range assignments {
		ids = append(ids, a.RoleID)
	}
	var roles []Role
	if len(ids) > 0 {
		roles, err = s.repo.RolesByIDs(ctx, ids)
		if err != nil {
			return Effective{}, fmt.Errorf("rbac: roles by ids: %w", err)
		}
	}
	return ResolveEffective(userID, assignments, roles, at), nil
}

// ResolvePermissions returns the effective permission ids of userID right now.
func (s *Service) ResolvePermissions(ctx context.Context, userID string) ([]string, error) {
	eff, err := s.Resolve(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	return eff.PermissionIDs(), nil
}

// EffectivePermissions returns the resource:action keys granted to userID.
func (s *Service) EffectivePermissions(ctx context.Context, userID string) ([]string, error) {
	eff, err := s.Resolve(ctx, userID, s.now())
	if err != nil {
		return nil, err
	}
	return eff.Keys(), nil
}

// PermissionUsage is a catalog entry: one permission id and the roles that carry it.
type PermissionUsage struct {
	Permission
	RoleIDs []string `json:"roleIds"`
}

// ListPermissions returns every permission id defined on any role, sorted by id.
// The definition of the first role (by id) wins when roles disagree.
func (s *Service) ListPermissions(ctx context.Context) ([]PermissionUsage, error) {
	roles, err := s.repo.ListRoles(ctx)
	if err != nil {
		return nil, err
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].ID < roles[j].ID })
	index := make(map[string]int)
	out := make([]PermissionUsage, 0)
	for _, role := range roles {
		for _, p := range role.Permissions {
			if i, ok := index[p.ID]; ok {
				out[i].RoleIDs = append(out[i].RoleIDs, role.ID)
				continue
			}
			index[p.ID] = len(out)
			out = append(out, PermissionUsage{Permission: p, RoleIDs: []string{role.ID}})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Service) checkParent(ctx context.Context, roleID, parentID string) error {
	if parentID == "" {
		return nil
	}
	if parentID == roleID {
		return shared.NewValidationError("parentRoleId", "must differ from the role id")
	}
	seen := map[string]struct{}{roleID: {}}
	for id, first := parentID, true; id != ""; first = false {
		if _, ok := seen[id]; ok {
			return shared.NewValidationError("parentRoleId", "would create a cycle")
		}
		seen[id] = struct{}{}
		role, err := s.repo.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, shared.ErrNotFound) {
				if first {
					return shared.NewValidationError("parentRoleId", "parent role does not exist")
				}
				return nil
			}
			return err
		}
		id = role.ParentRoleID
	}
	return nil
}

func protectedChange(current Role, in UpdateRoleInput) (string, bool) {
	switch {
	case in.Name != nil && strings.TrimSpace(*in.Name) != current.Name:
		return "name", true
	case in.Level != nil && *in.Level != current.Level:
		return "level", true
	case in.Permissions != nil:
		return "permissions", true
	case in.IsActive != nil && *in.IsActive != current.IsActive:
		return "isActive", true
	case in.ParentRoleID != nil && strings.TrimSpace(*in.ParentRoleID) != current.ParentRoleID:
		return "parentRoleId", true
	}
	return "", false
}

func checkPermissionIDs(perms []Permission) error {
	seen := make(map[string]struct{}, len(perms))
	for _, p := range perms {
		if _, dup := seen[p.ID]; dup {
			return shared.NewValidationError("permissions", fmt.Sprintf("duplicate permission id %q", p.ID))
		}
		seen[p.ID] = struct{}{}
	}
	return nil
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
