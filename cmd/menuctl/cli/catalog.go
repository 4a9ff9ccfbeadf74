package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/odyssey-erp/menuauthz/internal/catalog"
	"github.com/odyssey-erp/menuauthz/internal/menu"
	"github.com/odyssey-erp/menuauthz/internal/rbac"
)

// LoadCatalog reads and validates a catalog file.
func LoadCatalog(path string) (catalog.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return catalog.Document{}, err
	}
	defer f.Close()
	doc, err := catalog.Load(f)
	if err != nil {
		return catalog.Document{}, err
	}
	if err := doc.Validate(); err != nil {
		return catalog.Document{}, fmt.Errorf("catalog %s: %w", path, err)
	}
	return doc, nil
}

// Simulate builds the menu a catalog user would see, without any storage.
// Permissions and roles come from the catalog's own roles and assignments.
func Simulate(doc catalog.Document, userID string, partial menu.PartialContext, at time.Time) (menu.Tree, error) {
	roles := make([]rbac.Role, 0, len(doc.Roles))
	for _, spec := range doc.Roles {
		role := rbac.Role{ID: spec.ID, Name: spec.Name, IsActive: true, IsSystem: spec.System}
		for _, p := range spec.Permissions {
			perm, err := permissionFor(p)
			if err != nil {
				return menu.Tree{}, err
			}
			role.Permissions = append(role.Permissions, perm)
		}
		roles = append(roles, role)
	}
	assignments := make([]rbac.Assignment, 0, len(doc.Assignments))
	for _, a := range doc.Assignments {
		assignments = append(assignments, rbac.Assignment{UserID: a.User, RoleID: a.Role, IsActive: true, ExpiresAt: a.ExpiresAt})
	}
	eff := rbac.ResolveEffective(userID, assignments, roles, at)

	if partial.Time.IsZero() {
		partial.Time = at
	}
	rc := menu.NewRequestContext(userID, eff, partial, partial.Time)

	items, err := doc.Items()
	if err != nil {
		return menu.Tree{}, err
	}
	return menu.Assemble(menu.Filter(items, rc))
}

func permissionFor(p catalog.PermissionSpec) (rbac.Permission, error) {
	in, err := p.Input()
	if err != nil {
		return rbac.Permission{}, err
	}
	perm := rbac.Permission{
		ID:        in.ID,
		Resource:  in.Resource,
		Action:    in.Action,
		IsGranted: in.IsGranted == nil || *in.IsGranted,
		ExpiresAt: in.ExpiresAt,
	}
	if perm.ID == "" {
		perm.ID = perm.Key()
	}
	return perm, nil
}
