package rbac

import (
	"encoding/json"
	"strings"
	"time"
)

// Role groups permissions. Level and ParentRoleID are advisory: a role never
// inherits permissions from its parent or from lower levels.
type Role struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	DisplayName  string            `json:"displayName"`
	Level        int               `json:"level"`
	Permissions  []Permission      `json:"permissions"`
	IsActive     bool              `json:"isActive"`
	IsSystem     bool              `json:"isSystem"`
	ParentRoleID string            `json:"parentRoleId,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"createdAt"`
	UpdatedAt    time.Time         `json:"updatedAt"`
}

// Permission represents an atomic capability owned by a role.
type Permission struct {
	ID         string                `json:"id"`
	Name       string                `json:"name"`
	Resource   string                `json:"resource"`
	Action     string                `json:"action"`
	Conditions []PermissionCondition `json:"conditions,omitempty"`
	IsGranted  bool                  `json:"isGranted"`
	ExpiresAt  *time.Time            `json:"expiresAt,omitempty"`
}

// Key returns the resource:action pair.
func (p Permission) Key() string { return key(p.Resource, p.Action) }

// InEffect reports whether the permission is granted and not expired at the given instant.
func (p Permission) InEffect(at time.Time) bool {
	return p.IsGranted && notExpired(p.ExpiresAt, at)
}

// PermissionConditionType enumerates the kinds of permission conditions.
type PermissionConditionType string

const (
	PermissionConditionTime     PermissionConditionType = "time"
	PermissionConditionLocation PermissionConditionType = "location"
	PermissionConditionIP       PermissionConditionType = "ip"
	PermissionConditionDevice   PermissionConditionType = "device"
	PermissionConditionCustom   PermissionConditionType = "custom"
)

// PermissionCondition is stored alongside a permission but is not evaluated by
// the resolver. The raw value is kept verbatim.
type PermissionCondition struct {
	Type     PermissionConditionType `json:"type"`
	Operator string                  `json:"operator"`
	Value    json.RawMessage         `json:"value,omitempty"`
}

// Assignment links a user to a role. Revocation flips IsActive; rows are never deleted.
type Assignment struct {
	ID         string     `json:"id"`
	UserID     string     `json:"userId"`
	RoleID     string     `json:"roleId"`
	IsActive   bool       `json:"isActive"`
	AssignedAt time.Time  `json:"assignedAt"`
	AssignedBy string     `json:"assignedBy,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	RevokedAt  *time.Time `json:"revokedAt,omitempty"`
}

// EffectiveAt reports whether the assignment grants its role at the given instant.
func (a Assignment) EffectiveAt(at time.Time) bool {
	return a.IsActive && notExpired(a.ExpiresAt, at)
}

func notExpired(expiresAt *time.Time, at time.Time) bool {
	return expiresAt == nil || expiresAt.After(at)
}

// key folds case so stored grants and required keys compare equal.
func key(resource, action string) string {
	return strings.ToLower(strings.TrimSpace(resource)) + ":" + strings.ToLower(strings.TrimSpace(action))
}
