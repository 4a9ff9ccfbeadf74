package shared

// Permission keys guarding the service's own administration endpoints.
const (
	PermMenuRead  = "menu:read"
	PermMenuWrite = "menu:write"

	PermRolesRead   = "roles:read"
	PermRolesWrite  = "roles:write"
	PermRolesAssign = "roles:assign"

	PermAuditRead = "audit:read"
)

// CoreScopes lists the keys the API itself checks.
func CoreScopes() []string {
	return []string{
		PermMenuRead,
		PermMenuWrite,
		PermRolesRead,
		PermRolesWrite,
		PermRolesAssign,
		PermAuditRead,
	}
}
