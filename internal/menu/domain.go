package menu

import "time"

// ItemType enumerates menu item kinds.
type ItemType string

const (
	TypePage     ItemType = "page"
	TypeSection  ItemType = "section"
	TypeAction   ItemType = "action"
	TypeExternal ItemType = "external"
	TypeDivider  ItemType = "divider"
)

// ConditionType selects which request field a condition reads.
type ConditionType string

const (
	ConditionRole       ConditionType = "role"
	ConditionPermission ConditionType = "permission"
	ConditionTime       ConditionType = "time"
	ConditionLocation   ConditionType = "location"
	ConditionDevice     ConditionType = "device"
	ConditionCustom     ConditionType = "custom"
)

// Operator is a comparison applied by a condition.
type Operator string

const (
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Item is one navigation entry of the catalog.
type Item struct {
	ID          string            `json:"id"`
	Label       string            `json:"label"`
	Type        ItemType          `json:"type"`
	Path        string            `json:"path,omitempty"`
	URL         string            `json:"url,omitempty"`
	Icon        string            `json:"icon,omitempty"`
	Order       int               `json:"order"`
	IsVisible   bool              `json:"isVisible"`
	IsEnabled   bool              `json:"isEnabled"`
	ParentID    string            `json:"parentId,omitempty"`
	Permissions []string          `json:"permissions,omitempty"`
	Roles       []string          `json:"roles,omitempty"`
	Conditions  []Condition       `json:"conditions,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"createdAt"`
	UpdatedAt   time.Time         `json:"updatedAt"`
}

// Condition is a contextual rule attached to an item. For ConditionCustom,
// CustomKey names the CustomData entry and Value is the expected value.
type Condition struct {
	Type       ConditionType `json:"type"`
	Operator   Operator      `json:"operator"`
	Value      Value         `json:"value"`
	CustomKey  string        `json:"customKey,omitempty"`
	IsRequired bool          `json:"isRequired"`
}

// PartialContext is what callers supply; roles and permissions are resolved by the engine.
type PartialContext struct {
	Location   string           `json:"location,omitempty"`
	Device     string           `json:"device,omitempty"`
	Time       time.Time        `json:"time,omitempty"`
	CustomData map[string]Value `json:"customData,omitempty"`
}

// RequestContext is the complete evaluation input for one call.
type RequestContext struct {
	UserID          string
	UserRoles       []string
	UserPermissions []string
	Location        string
	Device          string
	Time            time.Time
	CustomData      map[string]Value
}

// Node is an item with its ordered children.
type Node struct {
	Item
	Children []*Node `json:"children,omitempty"`
}

// Tree is the ordered menu returned to callers.
type Tree struct {
	Roots []*Node `json:"items"`
}

// Walk visits nodes depth-first in display order.
func (t Tree) Walk(fn func(n *Node, depth int)) {
	var walk func(nodes []*Node, depth int)
	walk = func(nodes []*Node, depth int) {
		for _, n := range nodes {
			fn(n, depth)
			walk(n.Children, depth+1)
		}
	}
	walk(t.Roots, 0)
}

// Len counts every node of the tree.
func (t Tree) Len() int {
	n := 0
	t.Walk(func(*Node, int) { n++ })
	return n
}

// IDs lists node ids depth-first in display order.
func (t Tree) IDs() []string {
	ids := make([]string, 0)
	t.Walk(func(n *Node, _ int) { ids = append(ids, n.ID) })
	return ids
}
