// Package catalog loads declarative role and menu definitions from YAML and
// applies them through the regular services so every write is validated.
package catalog

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
	"github.com/odyssey-erp/menuauthz/internal/shared"
)

// Document is the top-level catalog file.
type Document struct {
	Users       []UserSpec       `yaml:"users"`
	Roles       []RoleSpec       `yaml:"roles"`
	Assignments []AssignmentSpec `yaml:"assignments"`
	Menu        []ItemSpec       `yaml:"menu"`
}

// UserSpec declares a directory entry.
type UserSpec struct {
	ID       string `yaml:"id"`
	Email    string `yaml:"email"`
	Name     string `yaml:"name"`
	Inactive bool   `yaml:"inactive"`
}

// RoleSpec declares a role and its permissions.
type RoleSpec struct {
	ID          string            `yaml:"id"`
	Name        string            `yaml:"name"`
	DisplayName string            `yaml:"displayName"`
	Level       int               `yaml:"level"`
	System      bool              `yaml:"system"`
	Parent      string            `yaml:"parent"`
	Permissions []PermissionSpec  `yaml:"permissions"`
	Metadata    map[string]string `yaml:"metadata"`
}

// PermissionSpec accepts either "resource:action" in Key or explicit fields.
type PermissionSpec struct {
	ID        string     `yaml:"id"`
	Key       string     `yaml:"key"`
	Resource  string     `yaml:"resource"`
	Action    string     `yaml:"action"`
	Denied    bool       `yaml:"denied"`
	ExpiresAt *time.Time `yaml:"expiresAt"`
}

// AssignmentSpec grants a role to a user.
type AssignmentSpec struct {
	User      string     `yaml:"user"`
	Role      string     `yaml:"role"`
	ExpiresAt *time.Time `yaml:"expiresAt"`
}

// ItemSpec declares one menu item.
type ItemSpec struct {
	ID          string            `yaml:"id"`
	Label       string            `yaml:"label"`
	Type        string            `yaml:"type"`
	Path        string            `yaml:"path"`
	URL         string            `yaml:"url"`
	Icon        string            `yaml:"icon"`
	Order       int               `yaml:"order"`
	Hidden      bool              `yaml:"hidden"`
	Disabled    bool              `yaml:"disabled"`
	Parent      string            `yaml:"parent"`
	Permissions []string          `yaml:"permissions"`
	Roles       []string          `yaml:"roles"`
	Conditions  []ConditionSpec   `yaml:"conditions"`
	Metadata    map[string]string `yaml:"metadata"`
}

// ConditionSpec declares one item condition. Value holds any YAML scalar or list.
type ConditionSpec struct {
	Type      string `yaml:"type"`
	Operator  string `yaml:"operator"`
	Value     any    `yaml:"value"`
	CustomKey string `yaml:"customKey"`
	Required  bool   `yaml:"required"`
}

// Load decodes a catalog document. Unknown keys are rejected.
func Load(r io.Reader) (Document, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return Document{}, nil
		}
		return Document{}, fmt.Errorf("catalog: decode: %w", err)
	}
	return doc, nil
}

// Items converts the menu section into domain items for offline checks.
func (d Document) Items() ([]menu.Item, error) {
	items := make([]menu.Item, 0, len(d.Menu))
	for _, spec := range d.Menu {
		conds, err := spec.conditionInputs()
		if err != nil {
			return nil, err
		}
		item := menu.Item{
			ID:          spec.ID,
			Label:       spec.Label,
			Type:        menu.ItemType(spec.Type),
			Path:        spec.Path,
			URL:         spec.URL,
			Icon:        spec.Icon,
			Order:       spec.Order,
			IsVisible:   !spec.Hidden,
			IsEnabled:   !spec.Disabled,
			ParentID:    spec.Parent,
			Permissions: spec.Permissions,
			Roles:       spec.Roles,
			Metadata:    spec.Metadata,
		}
		for _, c := range conds {
			item.Conditions = append(item.Conditions, menu.Condition{
				Type:       menu.ConditionType(c.Type),
				Operator:   menu.Operator(c.Operator),
				Value:      c.Value,
				CustomKey:  c.CustomKey,
				IsRequired: c.IsRequired,
			})
		}
		items = append(items, item)
	}
	return items, nil
}

// Validate checks the document without touching storage: identifiers are
// present, references resolve and the menu hierarchy is acyclic.
func (d Document) Validate() error {
	roles := make(map[string]bool, len(d.Roles))
	for i, r := range d.Roles {
		if strings.TrimSpace(r.ID) == "" {
			return shared.NewValidationError(fmt.Sprintf("roles[%d].id", i), "is required")
		}
		if roles[r.ID] {
			return shared.NewValidationError(fmt.Sprintf("roles[%d].id", i), fmt.Sprintf("duplicate role %q", r.ID))
		}
		roles[r.ID] = true
		for j, p := range r.Permissions {
			if _, err := p.Input(); err != nil {
				return shared.NewValidationError(fmt.Sprintf("roles[%d].permissions[%d]", i, j), err.Error())
			}
		}
	}
	for i, r := range d.Roles {
		if r.Parent != "" && !roles[r.Parent] {
			return shared.NewValidationError(fmt.Sprintf("roles[%d].parent", i), fmt.Sprintf("unknown role %q", r.Parent))
		}
	}
	users := make(map[string]bool, len(d.Users))
	for i, u := range d.Users {
		if strings.TrimSpace(u.ID) == "" {
			return shared.NewValidationError(fmt.Sprintf("users[%d].id", i), "is required")
		}
		users[u.ID] = true
	}
	for i, a := range d.Assignments {
		if !roles[a.Role] {
			return shared.NewValidationError(fmt.Sprintf("assignments[%d].role", i), fmt.Sprintf("unknown role %q", a.Role))
		}
		if !users[a.User] {
			return shared.NewValidationError(fmt.Sprintf("assignments[%d].user", i), fmt.Sprintf("unknown user %q", a.User))
		}
	}
	for i, spec := range d.Menu {
		if strings.TrimSpace(spec.ID) == "" {
			return shared.NewValidationError(fmt.Sprintf("menu[%d].id", i), "is required")
		}
	}
	items, err := d.Items()
	if err != nil {
		return err
	}
	return menu.ValidateHierarchy(items)
}

// Input converts p into the payload accepted by rbac.Service.
func (p PermissionSpec) Input() (rbac.PermissionInput, error) {
	resource, action := p.Resource, p.Action
	if p.Key != "" {
		parts := strings.SplitN(p.Key, ":", 2)
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return rbac.PermissionInput{}, fmt.Errorf("key %q must be resource:action", p.Key)
		}
		resource, action = parts[0], parts[1]
	}
	if resource == "" || action == "" {
		return rbac.PermissionInput{}, errors.New("resource and action are required")
	}
	granted := !p.Denied
	return rbac.PermissionInput{
		ID:        p.ID,
		Resource:  resource,
		Action:    action,
		IsGranted: &granted,
		ExpiresAt: p.ExpiresAt,
	}, nil
}

func (r RoleSpec) permissionInputs() ([]rbac.PermissionInput, error) {
	out := make([]rbac.PermissionInput, 0, len(r.Permissions))
	for i, p := range r.Permissions {
		in, err := p.Input()
		if err != nil {
			return nil, fmt.Errorf("catalog: role %s permission %d: %w", r.ID, i, err)
		}
		out = append(out, in)
	}
	return out, nil
}

func (s ItemSpec) conditionInputs() ([]menu.ConditionInput, error) {
	out := make([]menu.ConditionInput, 0, len(s.Conditions))
	for i, c := range s.Conditions {
		v, err := menu.FromAny(c.Value)
		if err != nil {
			return nil, fmt.Errorf("catalog: item %s condition %d: %w", s.ID, i, err)
		}
		out = append(out, menu.ConditionInput{
			Type:       c.Type,
			Operator:   c.Operator,
			Value:      v,
			CustomKey:  c.CustomKey,
			IsRequired: c.Required,
		})
	}
	return out, nil
}
