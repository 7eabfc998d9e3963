// README: Caller identity as supplied by the identity provider.
package types

import "strings"

type Role string

const (
	RoleShipper Role = "SHIPPER"
	RoleDriver  Role = "DRIVER"
	RoleBoth    Role = "BOTH"
)

// ParseRole accepts the role claim in any letter case.
func ParseRole(v string) (Role, bool) {
	switch r := Role(strings.ToUpper(strings.TrimSpace(v))); r {
	case RoleShipper, RoleDriver, RoleBoth:
		return r, true
	default:
		return "", false
	}
}

// Actor is the authenticated caller of an operation.
type Actor struct {
	ID   ID
	Role Role
}
