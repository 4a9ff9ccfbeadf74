package menu

import "strings"

// ConditionInput describes one condition on create/update.
type ConditionInput struct {
	Type       string `json:"type" validate:"required,oneof=role permission time location device custom"`
	Operator   string `json:"operator" validate:"required,oneof=equals not_equals contains not_contains in not_in greater_than less_than"`
	Value      Value  `json:"value"`
	CustomKey  string `json:"customKey" validate:"required_if=Type custom,max=64"`
	IsRequired bool   `json:"isRequired"`
}

// CreateItemInput is the payload for CreateMenuItem.
type CreateItemInput struct {
	ID          string            `json:"id" validate:"omitempty,max=64"`
	Label       string            `json:"label" validate:"required,max=128"`
	Type        string            `json:"type" validate:"required,oneof=page section action external divider"`
	Path        string            `json:"path" validate:"max=256"`
	URL         string            `json:"url" validate:"omitempty,url,max=512"`
	Icon        string            `json:"icon" validate:"max=64"`
	Order       int               `json:"order" validate:"min=0"`
	IsVisible   *bool             `json:"isVisible"`
	IsEnabled   *bool             `json:"isEnabled"`
	ParentID    string            `json:"parentId" validate:"omitempty,max=64"`
	Permissions []string          `json:"permissions" validate:"omitempty,dive,required,max=128"`
	Roles       []string          `json:"roles" validate:"omitempty,dive,required,max=64"`
	Conditions  []ConditionInput  `json:"conditions" validate:"omitempty,dive"`
	Metadata    map[string]string `json:"metadata"`
}

// UpdateItemInput is a partial update. Nil fields are left untouched; an empty
// ParentID moves the item to the root level.
type UpdateItemInput struct {
	Label       *string           `json:"label" validate:"omitempty,max=128"`
	Type        *string           `json:"type" validate:"omitempty,oneof=page section action external divider"`
	Path        *string           `json:"path" validate:"omitempty,max=256"`
	URL         *string           `json:"url" validate:"omitempty,url,max=512"`
	Icon        *string           `json:"icon" validate:"omitempty,max=64"`
	Order       *int              `json:"order" validate:"omitempty,min=0"`
	IsVisible   *bool             `json:"isVisible"`
	IsEnabled   *bool             `json:"isEnabled"`
	ParentID    *string           `json:"parentId" validate:"omitempty,max=64"`
	Permissions []string          `json:"permissions" validate:"omitempty,dive,required,max=128"`
	Roles       []string          `json:"roles" validate:"omitempty,dive,required,max=64"`
	Conditions  []ConditionInput  `json:"conditions" validate:"omitempty,dive"`
	Metadata    map[string]string `json:"metadata"`
}

func toConditions(inputs []ConditionInput) []Condition {
	out := make([]Condition, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, Condition{
			Type:       ConditionType(in.Type),
			Operator:   Operator(in.Operator),
			Value:      in.Value,
			CustomKey:  strings.TrimSpace(in.CustomKey),
			IsRequired: in.IsRequired,
		})
	}
	return out
}

func trimAll(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.TrimSpace(s))
	}
	return out
}

func boolOr(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}
