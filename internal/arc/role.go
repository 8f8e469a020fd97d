package arc

import "sort"

// Role is the access level a permission grants. Roles are totally ordered:
// reader < commenter < writer < owner.
type Role string

const (
	RoleNone      Role = ""
	RoleReader    Role = "reader"
	RoleCommenter Role = "commenter"
	RoleWriter    Role = "writer"
	RoleOwner     Role = "owner"
)

var roleOrder = map[Role]int{
	RoleReader:    1,
	RoleCommenter: 2,
	RoleWriter:    3,
	RoleOwner:     4,
}

// Valid reports whether r is one of the four defined roles.
func (r Role) Valid() bool {
	_, ok := roleOrder[r]
	return ok
}

// ParseRole parses a role name.
func ParseRole(s string) (Role, error) {
	r := Role(s)
	if !r.Valid() {
		return RoleNone, invalidInput("unknown role %q", s)
	}
	return r, nil
}

// Ordinal returns the position of r in the role order, 0 for no role.
func (r Role) Ordinal() int {
	return roleOrder[r]
}

// HasRole reports whether current is at least minimum. An unknown or empty
// role never satisfies anything.
func HasRole(minimum, current Role) bool {
	m, ok := roleOrder[minimum]
	if !ok {
		return false
	}
	c, ok := roleOrder[current]
	if !ok {
		return false
	}
	return c >= m
}

// SortRoles orders roles from the highest to the lowest in place.
func SortRoles(roles []Role) {
	sort.SliceStable(roles, func(i, j int) bool {
		return roleOrder[roles[i]] > roleOrder[roles[j]]
	})
}

// HighestRole returns the highest role in roles, or RoleNone.
func HighestRole(roles ...Role) Role {
	best := RoleNone
	for _, r := range roles {
		if roleOrder[r] > roleOrder[best] {
			best = r
		}
	}
	return best
}
