package auth

import "strings"

type Role string

const (
	RoleAdmin    Role = "ADMIN"
	RoleEmployee Role = "EMPLOYEE"
	RoleClient   Role = "CLIENT"
)

// Staff roles may manage the catalogue.
var StaffRoles = []Role{RoleAdmin, RoleEmployee}

func (r Role) Valid() bool {
	switch r {
	case RoleAdmin, RoleEmployee, RoleClient:
		return true
	}
	return false
}

// ParseRole accepts any casing and reports whether the value names a role.
func ParseRole(role string) (Role, bool) {
	candidate := Role(strings.ToUpper(strings.TrimSpace(role)))
	return candidate, candidate.Valid()
}

// NormalizeRole maps unknown values to the least privileged role.
func NormalizeRole(role string) Role {
	if parsed, ok := ParseRole(role); ok {
		return parsed
	}
	return RoleClient
}

func HasRole(role Role, allowed ...Role) bool {
	for _, candidate := range allowed {
		if role == candidate {
			return true
		}
	}
	return false
}

func IsAdmin(role Role) bool {
	return role == RoleAdmin
}
