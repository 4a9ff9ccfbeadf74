package rbac

import (
	"encoding/json"
	"time"
)

// PermissionInput describes a permission attached to a role on create/update.
// ID defaults to "resource:action" when empty.
type PermissionInput struct {
	ID         string                     `json:"id" validate:"omitempty,max=128"`
	Name       string                     `json:"name" validate:"max=128"`
	Resource   string                     `json:"resource" validate:"required,max=64"`
	Action     string                     `json:"action" validate:"required,max=64"`
	Conditions []PermissionConditionInput `json:"conditions" validate:"omitempty,dive"`
	IsGranted  *bool                      `json:"isGranted"`
	ExpiresAt  *time.Time                 `json:"expiresAt"`
}

// PermissionConditionInput is stored verbatim; see PermissionCondition.
type PermissionConditionInput struct {
	Type     string          `json:"type" validate:"required,oneof=time location ip device custom"`
	Operator string          `json:"operator" validate:"required,max=32"`
	Value    json.RawMessage `json:"value"`
}

// CreateRoleInput is the payload for CreateRole.
type CreateRoleInput struct {
	ID           string            `json:"id" validate:"omitempty,max=64"`
	Name         string            `json:"name" validate:"required,min=2,max=64,slug"`
	DisplayName  string            `json:"displayName" validate:"required,max=128"`
	Level        int               `json:"level" validate:"required,min=1,max=10"`
	Permissions  []PermissionInput `json:"permissions" validate:"omitempty,dive"`
	IsSystem     bool              `json:"isSystem"`
	ParentRoleID string            `json:"parentRoleId" validate:"omitempty,max=64"`
	Metadata     map[string]string `json:"metadata"`
}

// UpdateRoleInput is a partial update. Nil fields are left untouched; a nil
// Permissions slice keeps the current permissions, an empty one clears them.
type UpdateRoleInput struct {
	Name         *string           `json:"name" validate:"omitempty,min=2,max=64,slug"`
	DisplayName  *string           `json:"displayName" validate:"omitempty,max=128"`
	Level        *int              `json:"level" validate:"omitempty,min=1,max=10"`
	Permissions  []PermissionInput `json:"permissions" validate:"omitempty,dive"`
	IsActive     *bool             `json:"isActive"`
	ParentRoleID *string           `json:"parentRoleId" validate:"omitempty,max=64"`
	Metadata     map[string]string `json:"metadata"`
}

// AssignRoleInput is the payload for AssignRole.
type AssignRoleInput struct {
	UserID     string     `json:"userId" validate:"required,max=64"`
	RoleID     string     `json:"roleId" validate:"required,max=64"`
	ExpiresAt  *time.Time `json:"expiresAt"`
	AssignedBy string     `json:"assignedBy" validate:"max=64"`
}

func toPermissions(inputs []PermissionInput) []Permission {
	perms := make([]Permission, 0, len(inputs))
	for _, in := range inputs {
		p := Permission{
			ID:        in.ID,
			Name:      in.Name,
			Resource:  in.Resource,
			Action:    in.Action,
			IsGranted: true,
			ExpiresAt: in.ExpiresAt,
		}
		if p.ID == "" {
			p.ID = p.Key()
		}
		if p.Name == "" {
			p.Name = p.ID
		}
		if in.IsGranted != nil {
			p.IsGranted = *in.IsGranted
		}
		for _, c := range in.Conditions {
			p.Conditions = append(p.Conditions, PermissionCondition{
				Type:     PermissionConditionType(c.Type),
				Operator: c.Operator,
				Value:    c.Value,
			})
		}
		perms = append(perms, p)
	}
	return perms
}
