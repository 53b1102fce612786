package auth

import (
	"errors"
	"sort"
	"strings"
)

var ErrUnknownRole = errors.New("unknown_role")

type Role string

const (
	RoleAdmin        Role = "admin"
	RoleCEO          Role = "ceo"
	RoleCFO          Role = "cfo"
	RoleExecutive    Role = "executive"
	RoleManager      Role = "manager"
	RoleSupportStaff Role = "support_staff"
	RoleUser         Role = "user"
)

var Roles = []Role{RoleAdmin, RoleCEO, RoleCFO, RoleExecutive, RoleManager, RoleSupportStaff, RoleUser}

type Permission string

const (
	PermTicketsRead      Permission = "tickets:read"
	PermHardwareRead     Permission = "hardware:read"
	PermHardwareWrite    Permission = "hardware:write"
	PermCredentialsRead  Permission = "credentials:read"
	PermCredentialsWrite Permission = "credentials:write"
	PermUsersImport      Permission = "users:import"
	PermAdminDeployment  Permission = "admin:deployment"
)

type PermissionSet map[Permission]bool

func (p PermissionSet) Has(perm Permission) bool {
	return p[perm]
}

// List returns the permissions in a stable order.
func (p PermissionSet) List() []Permission {
	out := make([]Permission, 0, len(p))
	for perm, ok := range p {
		if ok {
			out = append(out, perm)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func ParseRole(value string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Roles {
		if role == known {
			return role, nil
		}
	}
	return "", ErrUnknownRole
}

func permissions(perms ...Permission) PermissionSet {
	set := make(PermissionSet, len(perms))
	for _, perm := range perms {
		set[perm] = true
	}
	return set
}

// PermissionsFor is defined for every role. Unknown roles get an empty set.
func PermissionsFor(role Role) PermissionSet {
	switch role {
	case RoleAdmin:
		return permissions(PermTicketsRead, PermHardwareRead, PermHardwareWrite, PermCredentialsRead, PermCredentialsWrite, PermUsersImport, PermAdminDeployment)
	case RoleSupportStaff:
		return permissions(PermTicketsRead, PermHardwareRead, PermHardwareWrite, PermCredentialsRead, PermCredentialsWrite, PermUsersImport)
	case RoleCEO, RoleCFO, RoleExecutive:
		return permissions(PermTicketsRead, PermHardwareRead, PermCredentialsRead)
	case RoleManager:
		return permissions(PermTicketsRead, PermHardwareRead)
	case RoleUser:
		return permissions(PermTicketsRead)
	default:
		return PermissionSet{}
	}
}
