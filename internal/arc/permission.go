package arc

// FindUserPermission resolves the role user holds directly on file from its
// loaded Permissions. The owner always holds RoleOwner. An active user grant
// wins over group and anyone grants; otherwise the highest active group or
// anyone grant applies. Deleted and expired grants are ignored.
func FindUserPermission(file *File, user *User, nowMs int64) Role {
	if file == nil || user == nil {
		return RoleNone
	}
	if file.Owner != "" && file.Owner == user.Key {
		return RoleOwner
	}

	groups := make(map[string]bool, len(user.Groups))
	for _, g := range user.Groups {
		groups[g] = true
	}

	best := RoleNone
	for i := range file.Permissions {
		p := &file.Permissions[i]
		if !p.Active(nowMs) || !p.Role.Valid() {
			continue
		}
		switch p.Type {
		case PermissionUser:
			if p.Owner == user.Key {
				return p.Role
			}
		case PermissionGroup:
			if groups[p.Owner] {
				best = HighestRole(best, p.Role)
			}
		case PermissionAnyone:
			best = HighestRole(best, p.Role)
		}
	}
	return best
}

// ComputeCapabilities derives the capability hints for role.
func ComputeCapabilities(role Role) *Capabilities {
	reader := HasRole(RoleReader, role)
	writer := HasRole(RoleWriter, role)
	return &Capabilities{
		CanEdit:          writer,
		CanComment:       HasRole(RoleCommenter, role),
		CanShare:         writer,
		CanCopy:          reader,
		CanReadRevisions: writer,
		CanAddChildren:   writer,
		CanDelete:        HasRole(RoleOwner, role),
		CanListChildren:  reader,
		CanRename:        writer,
		CanReadMedia:     reader,
		CanEditMedia:     writer,
	}
}
