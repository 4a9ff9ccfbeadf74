package audit

import "time"

// Actions recorded by the administration endpoints.
const (
	ActionRoleCreate       = "role.create"
	ActionRoleUpdate       = "role.update"
	ActionRoleDeactivate   = "role.deactivate"
	ActionAssignmentGrant  = "assignment.grant"
	ActionAssignmentRevoke = "assignment.revoke"
	ActionItemCreate       = "menu_item.create"
	ActionItemUpdate       = "menu_item.update"
)

// Entry is one administrative change.
type Entry struct {
	ID       string            `json:"id"`
	At       time.Time         `json:"at"`
	Actor    string            `json:"actor"`
	Action   string            `json:"action"`
	Entity   string            `json:"entity"`
	EntityID string            `json:"entityId"`
	Detail   map[string]string `json:"detail,omitempty"`
}

// TimelineFilters narrows the audit timeline. Zero values match everything.
type TimelineFilters struct {
	From     time.Time
	To       time.Time
	Actor    string
	Entity   string
	Action   string
	Page     int
	PageSize int
}

// PagingInfo describes the page returned by Timeline.
type PagingInfo struct {
	Page     int  `json:"page"`
	PageSize int  `json:"pageSize"`
	HasNext  bool `json:"hasNext"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result wraps one timeline page.
type Result struct {
	Entries []Entry    `json:"entries"`
	Paging  PagingInfo `json:"paging"`
}
