package arc

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"arcstore/internal/patch"
)

// Access patch operations.
const (
	AccessAdd    = "add"
	AccessRemove = "remove"
)

// AccessOperation grants or revokes a role on a file. ID names the user or
// group and is empty for anyone grants.
type AccessOperation struct {
	Op             string         `json:"op"`
	Type           PermissionType `json:"type"`
	ID             string         `json:"id,omitempty"`
	Value          Role           `json:"value,omitempty"`
	ExpirationTime int64          `json:"expirationTime,omitempty"`
	DisplayName    string         `json:"displayName,omitempty"`
}

// ReadFileAccess resolves the role user holds on file. A direct grant wins;
// otherwise the walk continues to the nearest ancestor that grants anything.
// A deleted file or ancestor ends the walk with no role.
func (s *Files) ReadFileAccess(ctx context.Context, file *File, user *User) (Role, error) {
	return s.resolveRole(ctx, file, user)
}

func (s *Files) resolveRole(ctx context.Context, file *File, user *User) (Role, error) {
	now := s.now()
	seen := make(map[string]bool, len(file.Parents)+1)
	current := file
	for {
		if current.Deleted {
			return RoleNone, nil
		}
		if role := FindUserPermission(current, user, now); role != RoleNone {
			return role, nil
		}
		seen[current.Key] = true
		parent := current.Parent()
		if parent == "" || seen[parent] {
			return RoleNone, nil
		}
		next, err := s.get(ctx, parent)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("file parent missing", "key", current.Key, "parent", parent)
			return RoleNone, nil
		}
		if err != nil {
			return RoleNone, err
		}
		current = next
	}
}

// userIDs lists the owner and every active user grantee of f and of its
// ancestors, in that order and without duplicates.
func (s *Files) userIDs(ctx context.Context, f *File) ([]string, error) {
	now := s.now()
	var ids []string
	add := func(id string) {
		if id != "" && !slices.Contains(ids, id) {
			ids = append(ids, id)
		}
	}

	current := f
	seen := map[string]bool{}
	for {
		add(current.Owner)
		for i := range current.Permissions {
			p := &current.Permissions[i]
			if p.Type == PermissionUser && p.Active(now) {
				add(p.Owner)
			}
		}
		seen[current.Key] = true
		parent := current.Parent()
		if parent == "" || seen[parent] {
			return ids, nil
		}
		next, err := s.get(ctx, parent)
		if errors.Is(err, ErrNotFound) {
			return ids, nil
		}
		if err != nil {
			return nil, fmt.Errorf("reading parent %s: %w", parent, err)
		}
		current = next
	}
}

// FileUserIDs lists the ids of every user with direct or inherited user
// access to the file, owners included.
func (s *Files) FileUserIDs(ctx context.Context, key string) ([]string, error) {
	f, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.userIDs(ctx, f)
}

// FileUsers is FileUserIDs resolved to user records. Unknown users are
// skipped.
func (s *Files) FileUsers(ctx context.Context, key string) ([]User, error) {
	ids, err := s.FileUserIDs(ctx, key)
	if err != nil {
		return nil, err
	}
	return s.users.ReadMany(ctx, ids)
}

func validateAccessOp(op AccessOperation, callerRole Role, owner string, nowMs int64) error {
	switch op.Op {
	case AccessAdd, AccessRemove:
	default:
		return invalidInput("unknown access operation %q", op.Op)
	}
	if !op.Type.Valid() {
		return invalidInput("unknown permission type %q", op.Type)
	}
	if op.Type != PermissionAnyone && op.ID == "" {
		return invalidInput("%s permission requires an id", op.Type)
	}
	if op.Type == PermissionUser && op.ID == owner {
		return invalidInput("the owner's access cannot be changed")
	}
	if op.Op == AccessRemove {
		return nil
	}
	if !op.Value.Valid() {
		return invalidInput("unknown role %q", op.Value)
	}
	if !HasRole(op.Value, callerRole) {
		return fmt.Errorf("%w: cannot grant %s", ErrForbidden, op.Value)
	}
	if op.ExpirationTime != 0 && op.ExpirationTime <= nowMs {
		return invalidInput("expiration time is in the past")
	}
	return nil
}

func findGrant(perms []Permission, t PermissionType, id string) int {
	for i := range perms {
		p := &perms[i]
		if p.Deleted || p.Type != t {
			continue
		}
		if t == PermissionAnyone || p.Owner == id {
			return i
		}
	}
	return -1
}

// PatchAccess applies a batch of grants and revocations. The whole batch is
// validated before anything is written. Each user grantee is told directly;
// collaborators see a patch event when the visible permissions changed.
func (s *Files) PatchAccess(ctx context.Context, key string, ops []AccessOperation, user *User) (*File, error) {
	if len(ops) == 0 {
		return nil, invalidInput("empty access patch")
	}
	f, role, err := s.CheckAccess(ctx, RoleWriter, key, user)
	if err != nil {
		return nil, err
	}
	now := s.now()
	for _, op := range ops {
		if err := validateAccessOp(op, role, f.Owner, now); err != nil {
			return nil, err
		}
	}

	before, err := patch.ToMap(stored(f))
	if err != nil {
		return nil, fmt.Errorf("preparing file %s: %w", key, err)
	}

	perms := slices.Clone(f.Permissions)
	changed := map[string]bool{}
	var granted, revoked []string
	for _, op := range ops {
		i := findGrant(perms, op.Type, op.ID)
		switch op.Op {
		case AccessAdd:
			if i >= 0 {
				perms[i].Role = op.Value
				perms[i].ExpirationTime = op.ExpirationTime
				if op.DisplayName != "" {
					perms[i].DisplayName = op.DisplayName
				}
				changed[perms[i].Key] = true
			} else {
				perms = append(perms, Permission{
					Key:            s.idGen.New(),
					Type:           op.Type,
					Owner:          op.ID,
					Role:           op.Value,
					DisplayName:    op.DisplayName,
					AddingUser:     user.Key,
					ExpirationTime: op.ExpirationTime,
				})
				changed[perms[len(perms)-1].Key] = true
			}
			if op.Type == PermissionUser {
				granted = append(granted, op.ID)
			}
		case AccessRemove:
			if i < 0 {
				return nil, notFound("permission", string(op.Type)+" "+op.ID)
			}
			perms[i].Deleted = true
			perms[i].DeletedTime = now
			perms[i].DeletingUser = user.Key
			changed[perms[i].Key] = true
			if op.Type == PermissionUser {
				revoked = append(revoked, op.ID)
			}
		}
	}

	granted = slices.Compact(slices.Sorted(slices.Values(slices.DeleteFunc(granted, func(uid string) bool {
		return findGrant(perms, PermissionUser, uid) < 0
	}))))
	revoked = slices.Compact(slices.Sorted(slices.Values(slices.DeleteFunc(revoked, func(uid string) bool {
		return findGrant(perms, PermissionUser, uid) >= 0
	}))))

	var writes []BatchOp
	ids := make([]string, 0, len(perms))
	active := make([]Permission, 0, len(perms))
	for _, p := range perms {
		if changed[p.Key] {
			k, err := makeKey(p.Key)
			if err != nil {
				return nil, err
			}
			w, err := putOp(k, p)
			if err != nil {
				return nil, err
			}
			writes = append(writes, w)
		}
		if !p.Deleted {
			ids = append(ids, p.Key)
			active = append(active, p)
		}
	}
	if err := s.permissions.Batch(ctx, writes); err != nil {
		return nil, fmt.Errorf("writing permissions: %w", err)
	}

	updated := *f
	updated.Permissions = active
	updated.PermissionIDs = ids
	updated.LastModified = s.modification(user)
	if err := s.put(ctx, &updated); err != nil {
		return nil, fmt.Errorf("updating file access: %w", err)
	}
	s.logger.Info("file access changed", "key", key, "ops", len(ops), "user", user.Key)

	for _, uid := range granted {
		if err := s.shared.Add(ctx, &updated, uid); err != nil {
			s.logger.Warn("adding shared link failed", "key", key, "user", uid, "error", err)
		}
	}
	for _, uid := range revoked {
		if err := s.shared.Remove(ctx, &updated, uid); err != nil {
			s.logger.Warn("removing shared link failed", "key", key, "user", uid, "error", err)
		}
	}

	s.notifyGrantees(ctx, &updated, granted, revoked)

	after, err := patch.ToMap(stored(&updated))
	if err != nil {
		return nil, fmt.Errorf("preparing file %s: %w", key, err)
	}
	after["permissions"] = updated.Permissions
	before["permissions"] = f.Permissions
	if visiblyChanged(before, after) {
		s.notifyAudience(ctx, OpPatch, &updated, RouteFiles, RouteFile(key))
	}
	return view(&updated, role), nil
}

// visiblyChanged reports whether anything besides the permission id list
// and the modification stamp differs.
func visiblyChanged(before, after map[string]any) bool {
	b, err := patch.Normalize(before)
	if err != nil {
		return true
	}
	a, err := patch.Normalize(after)
	if err != nil {
		return true
	}
	for _, member := range patch.Diff(b.(map[string]any), a.(map[string]any)) {
		if member != "permissionIds" && member != "lastModified" {
			return true
		}
	}
	return false
}

func (s *Files) notifyGrantees(ctx context.Context, f *File, granted, revoked []string) {
	for _, uid := range granted {
		role, err := s.resolveRole(ctx, f, s.recipient(ctx, uid))
		if err != nil || role == RoleNone {
			continue
		}
		ev := NewEvent(OpAccessGranted, string(f.Kind), f.Key)
		ev.Parent = f.Parent()
		ev.Data = view(f, role)
		s.notifier.Notify(ctx, ev, Filter{URL: RouteShared, Users: []string{uid}})
	}
	for _, uid := range revoked {
		ev := NewEvent(OpAccessRemoved, string(f.Kind), f.Key)
		ev.Parent = f.Parent()
		s.notifier.Notify(ctx, ev, Filter{URL: RouteShared, Users: []string{uid}})
	}
}
