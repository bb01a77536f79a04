package application

import (
	"fmt"
	"strings"
)

// Role is the closed set of account roles. Capabilities are derived from the
// role so the booking engine never compares role strings directly.
type Role string

const (
	RoleEmployee   Role = "employee"
	RoleManager    Role = "manager"
	RoleSuperAdmin Role = "super_admin"
)

// ParseRole normalises a stored or submitted role. An empty value is treated
// as employee.
func ParseRole(raw string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RoleEmployee:
		return RoleEmployee, nil
	case RoleManager:
		return RoleManager, nil
	case RoleSuperAdmin:
		return RoleSuperAdmin, nil
	default:
		return "", fmt.Errorf("unknown role %q", raw)
	}
}

// CanManageDirectory reports whether the role may edit rooms and user access.
func (r Role) CanManageDirectory() bool {
	return r == RoleSuperAdmin
}

// CanViewAllBookings reports whether the role may list other users' bookings.
func (r Role) CanViewAllBookings() bool {
	return r == RoleManager || r == RoleSuperAdmin
}

// CanActForOthers reports whether the role may create, edit or cancel bookings
// owned by another user.
func (r Role) CanActForOthers() bool {
	return r == RoleSuperAdmin
}
