package rbac

import (
	"sort"
	"time"
)

// Effective is the resolved access of a principal at one instant.
type Effective struct {
	UserID      string       `json:"userId"`
	RoleIDs     []string     `json:"roleIds"`
	Permissions []Permission `json:"permissions"`
	At          time.Time    `json:"at"`
}

// ResolveEffective computes the effective role ids and permission set for a user.
//
// Only assignments that belong to userID, are active and unexpired at `at`
// contribute. Roles that are missing from the catalog or inactive are skipped
// silently. Permissions must be granted and unexpired at `at`; duplicates are
// collapsed by permission id, first role (by id) wins.
func ResolveEffective(userID string, assignments []Assignment, roles []Role, at time.Time) Effective {
	assigned := make(map[string]struct{}, len(assignments))
	for _, a := range assignments {
		if a.UserID != userID || !a.EffectiveAt(at) {
			continue
		}
		assigned[a.RoleID] = struct{}{}
	}

	active := make([]Role, 0, len(assigned))
	seenRole := make(map[string]struct{}, len(assigned))
	for _, r := range roles {
		if _, ok := assigned[r.ID]; !ok || !r.IsActive {
			continue
		}
		if _, dup := seenRole[r.ID]; dup {
			continue
		}
		seenRole[r.ID] = struct{}{}
		active = append(active, r)
	}
	sort.Slice(active, func(i, j int) bool { return active[i].ID < active[j].ID })

	eff := Effective{
		UserID:      userID,
		RoleIDs:     make([]string, 0, len(active)),
		Permissions: []Permission{},
		At:          at,
	}
	seenPerm := make(map[string]struct{})
	for _, r := range active {
		eff.RoleIDs = append(eff.RoleIDs, r.ID)
		for _, p := range r.Permissions {
			if !p.InEffect(at) {
				continue
			}
			if _, dup := seenPerm[p.ID]; dup {
				continue
			}
			seenPerm[p.ID] = struct{}{}
			eff.Permissions = append(eff.Permissions, p)
		}
	}
	sort.Slice(eff.Permissions, func(i, j int) bool { return eff.Permissions[i].ID < eff.Permissions[j].ID })
	return eff
}

// PermissionIDs returns the sorted ids of the effective permissions.
func (e Effective) PermissionIDs() []string {
	ids := make([]string, 0, len(e.Permissions))
	for _, p := range e.Permissions {
		ids = append(ids, p.ID)
	}
	return ids
}

// Keys returns the sorted, de-duplicated resource:action keys.
func (e Effective) Keys() []string {
	set := make(map[string]struct{}, len(e.Permissions))
	for _, p := range e.Permissions {
		set[p.Key()] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Allows checks resource:action against the effective keys, honouring
// "*" wildcards on either side.
func (e Effective) Allows(resource, action string) bool {
	keys := make(map[string]struct{}, len(e.Permissions))
	for _, p := range e.Permissions {
		keys[p.Key()] = struct{}{}
	}
	return match(keys, resource, action)
}

// HasRole reports whether roleID is part of the effective role set.
func (e Effective) HasRole(roleID string) bool {
	for _, id := range e.RoleIDs {
		if id == roleID {
			return true
		}
	}
	return false
}

func match(perms map[string]struct{}, resource, action string) bool {
	if _, ok := perms[key(resource, action)]; ok {
		return true
	}
	if _, ok := perms["*:*"]; ok {
		return true
	}
	if _, ok := perms[key(resource, "*")]; ok {
		return true
	}
	if _, ok := perms[key("*", action)]; ok {
		return true
	}
	return false
}
