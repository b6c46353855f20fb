package session

import (
	"slices"

	"github.com/ashureev/sso-portal/internal/domain"
)

// Permission tags.
const (
	PermViewModules    = "view_modules"
	PermElearning      = "elearning_access"
	PermTools          = "tools_access"
	PermViewReports    = "view_reports"
	PermManageContent  = "manage_content"
	PermManageUsers    = "manage_users"
	PermSystemSettings = "system_settings"
)

// AllPermissions lists every known permission; admins hold all of them.
var AllPermissions = []string{
	PermViewModules,
	PermElearning,
	PermTools,
	PermViewReports,
	PermManageContent,
	PermManageUsers,
	PermSystemSettings,
}

var rolePermissions = map[domain.Role][]string{
	domain.RoleUser:    {PermViewModules, PermElearning, PermTools},
	domain.RoleTeacher: {PermViewModules, PermElearning, PermTools, PermViewReports, PermManageContent},
}

// PermissionsFor returns the fixed permission set of a role.
func PermissionsFor(role domain.Role) []string {
	if role == domain.RoleAdmin {
		return slices.Clone(AllPermissions)
	}
	return slices.Clone(rolePermissions[role])
}

// RoleHasPermission reports whether role grants perm. Admins hold every permission.
func RoleHasPermission(role domain.Role, perm string) bool {
	if role == domain.RoleAdmin {
		return true
	}
	return slices.Contains(rolePermissions[role], perm)
}
