package arc

import (
	"context"
	"errors"
	"fmt"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
	"arcstore/internal/patch"
)

// protectedFilePaths are the top-level file members a metadata patch may
// never read or write. Access changes go through PatchAccess.
var protectedFilePaths = []string{
	"permissions", "permissionIds", "key", "kind", "owner", "parents",
	"deleted", "deletedInfo", "lastModified", "capabilities",
}

// Tree index segments.
const (
	treeRoot  = "root"
	treeChild = "child"
)

type treeEntry struct {
	Key  string `json:"key"`
	Kind Kind   `json:"kind"`
}

// AddOptions configure Files.Add.
type AddOptions struct {
	// Parent is the key of the file the new file is created under.
	Parent string
}

// ReadOptions configure Files.Read.
type ReadOptions struct {
	// IncludeDeleted lets the owner read a soft-deleted file.
	IncludeDeleted bool
}

// Files is the file store: workspaces, projects and environments with their
// permissions, media and change history.
type Files struct {
	files       Namespace
	tree        Namespace
	media       Namespace
	permissions Namespace

	bin       *Bin
	shared    *Shared
	revisions *Revisions
	users     *Users

	notifier Notifier
	logger   Logger
	clock    Clock
	idGen    IDGenerator
}

func (s *Files) now() int64 { return s.clock.Now().UnixMilli() }

func (s *Files) modification(user *User) Modification {
	return Modification{User: user.Key, Name: user.Name, Time: s.now()}
}

// get loads the stored file and inlines its permissions. Deletion is not
// checked.
func (s *Files) get(ctx context.Context, key string) (*File, error) {
	k, err := makeKey(key)
	if err != nil {
		return nil, err
	}
	var f File
	if err := getRecord(ctx, s.files, k, &f); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("file", key)
		}
		return nil, fmt.Errorf("reading file: %w", err)
	}
	if !f.Kind.Valid() {
		return nil, fmt.Errorf("%w: file %s has unknown kind %q", ErrInternal, key, f.Kind)
	}
	perms, err := s.loadPermissions(ctx, f.PermissionIDs)
	if err != nil {
		return nil, err
	}
	f.Permissions = perms
	return &f, nil
}

func (s *Files) loadPermissions(ctx context.Context, ids []string) ([]Permission, error) {
	perms := make([]Permission, 0, len(ids))
	for _, id := range ids {
		k, err := makeKey(id)
		if err != nil {
			return nil, err
		}
		var p Permission
		if err := getRecord(ctx, s.permissions, k, &p); err != nil {
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("permission record missing", "permission", id)
				continue
			}
			return nil, fmt.Errorf("reading permission: %w", err)
		}
		perms = append(perms, p)
	}
	return perms, nil
}

// stored strips the computed members before persisting.
func stored(f *File) *File {
	out := *f
	out.Permissions = nil
	out.Capabilities = nil
	return &out
}

func (s *Files) put(ctx context.Context, f *File) error {
	k, err := makeKey(f.Key)
	if err != nil {
		return err
	}
	return putRecord(ctx, s.files, k, stored(f))
}

// view returns a copy of f carrying the capabilities of role.
func view(f *File, role Role) *File {
	out := *f
	out.Capabilities = ComputeCapabilities(role)
	return &out
}

func (s *Files) isDeleted(ctx context.Context, f *File) (bool, error) {
	if f.Deleted {
		return true, nil
	}
	return s.bin.IsAnyDeleted(ctx, BinFile, f.Chain())
}

// IsDeleted reports whether the file or any of its ancestors is deleted.
func (s *Files) IsDeleted(ctx context.Context, key string) (bool, error) {
	f, err := s.get(ctx, key)
	if err != nil {
		return false, err
	}
	return s.isDeleted(ctx, f)
}

// Add creates a file owned by user. With a parent the user needs writer
// access to it and the new file inherits its ancestry.
func (s *Files) Add(ctx context.Context, key string, file *File, user *User, opts AddOptions) (*File, error) {
	k, err := makeKey(key)
	if err != nil {
		return nil, err
	}
	if !file.Kind.Valid() {
		return nil, invalidInput("unknown file kind %q", file.Kind)
	}
	if file.Info.Name == "" {
		return nil, invalidInput("file name is required")
	}

	exists, err := hasKey(ctx, s.files, k)
	if err != nil {
		return nil, fmt.Errorf("checking file: %w", err)
	}
	if exists {
		return nil, fmt.Errorf("%w: file %s already exists", ErrConflict, key)
	}

	var parents []string
	var entryKey string
	if opts.Parent != "" {
		parent, _, err := s.CheckAccess(ctx, RoleWriter, opts.Parent, user)
		if err != nil {
			return nil, err
		}
		parents = parent.Chain()
		entryKey, err = makeKey(treeChild, opts.Parent, key)
		if err != nil {
			return nil, err
		}
	} else {
		if entryKey, err = makeKey(treeRoot, user.Key, key); err != nil {
			return nil, err
		}
	}

	f := &File{
		Key:           key,
		Kind:          file.Kind,
		Info:          file.Info,
		Owner:         user.Key,
		Parents:       parents,
		PermissionIDs: []string{},
		LastModified:  s.modification(user),
		Data:          file.Data,
	}
	if f.Parents == nil {
		f.Parents = []string{}
	}
	if err := s.put(ctx, f); err != nil {
		return nil, fmt.Errorf("adding file: %w", err)
	}
	if err := putRecord(ctx, s.tree, entryKey, treeEntry{Key: key, Kind: f.Kind}); err != nil {
		return nil, fmt.Errorf("indexing file: %w", err)
	}
	s.logger.Info("file added", "key", key, "kind", f.Kind, "user", user.Key)

	s.notifyAudience(ctx, OpCreated, f, RouteFiles)
	return view(f, RoleOwner), nil
}

// CheckAccess loads a live file and requires user to hold at least minimum
// on it. No role yields not-found; a role below minimum yields forbidden.
func (s *Files) CheckAccess(ctx context.Context, minimum Role, key string, user *User) (*File, Role, error) {
	return s.checkAccess(ctx, minimum, key, user, false)
}

func (s *Files) checkAccess(ctx context.Context, minimum Role, key string, user *User, includeDeleted bool) (*File, Role, error) {
	f, err := s.get(ctx, key)
	if err != nil {
		return nil, RoleNone, err
	}
	role, err := s.visibleRole(ctx, f, user, includeDeleted)
	if err != nil {
		return nil, RoleNone, err
	}
	if role == RoleNone {
		return nil, RoleNone, notFound("file", key)
	}
	if !HasRole(minimum, role) {
		return nil, role, fmt.Errorf("%w: %s access to %s required", ErrForbidden, minimum, key)
	}
	return f, role, nil
}

// visibleRole is the role user holds on f. A deleted file yields RoleNone
// unless includeDeleted is set and user owns it.
func (s *Files) visibleRole(ctx context.Context, f *File, user *User, includeDeleted bool) (Role, error) {
	deleted, err := s.isDeleted(ctx, f)
	if err != nil {
		return RoleNone, err
	}
	if !deleted {
		return s.resolveRole(ctx, f, user)
	}
	if includeDeleted && f.Owner == user.Key {
		return RoleOwner, nil
	}
	return RoleNone, nil
}

// Read returns a file with the caller's capabilities.
func (s *Files) Read(ctx context.Context, key string, user *User, opts ReadOptions) (*File, error) {
	f, role, err := s.checkAccess(ctx, RoleReader, key, user, opts.IncludeDeleted)
	if err != nil {
		return nil, err
	}
	return view(f, role), nil
}

func fileQueryFields(f *File) map[string]any {
	return map[string]any{
		"name":        f.Info.Name,
		"displayName": f.Info.DisplayName,
		"description": f.Info.Description,
	}
}

// List pages through the user's root files, or the children of Parent when
// set. Kinds narrows the result; Query matches the file info.
func (s *Files) List(ctx context.Context, user *User, opts cursor.Options) (*cursor.Page[File], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}

	var p string
	if state.Parent != "" {
		if _, _, err := s.CheckAccess(ctx, RoleReader, state.Parent, user); err != nil {
			return nil, err
		}
		p, err = makePrefix(treeChild, state.Parent)
	} else {
		p, err = makePrefix(treeRoot, user.Key)
	}
	if err != nil {
		return nil, err
	}

	kinds := make(map[Kind]bool, len(state.Kinds))
	for _, k := range state.Kinds {
		if !Kind(k).Valid() {
			return nil, invalidInput("unknown file kind %q", k)
		}
		kinds[Kind(k)] = true
	}

	page := &cursor.Page[File]{Items: []File{}}
	lastRead, err := scan(ctx, s.tree, keyspace.Range(p), false, state, state.Limit, func(k string, value []byte) (bool, error) {
		var entry treeEntry
		if err := codec.Unmarshal(value, &entry); err != nil {
			return false, fmt.Errorf("decoding tree entry %s: %w", k, err)
		}
		if len(kinds) > 0 && !kinds[entry.Kind] {
			return false, nil
		}
		f, err := s.get(ctx, entry.Key)
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("dangling file tree entry", "entry", k)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		role, err := s.visibleRole(ctx, f, user, state.IncludeDeleted)
		if err != nil {
			return false, err
		}
		if role == RoleNone {
			return false, nil
		}
		if !matchesQuery(fileQueryFields(f), state.Query, state.QueryField) {
			return false, nil
		}
		page.Items = append(page.Items, *view(f, role))
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing files: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}

// ApplyPatch applies a JSON Patch to a file's metadata. The inverse is
// stored as a revision.
func (s *Files) ApplyPatch(ctx context.Context, key string, ops []patch.Operation, user *User) (*File, error) {
	f, role, err := s.CheckAccess(ctx, RoleWriter, key, user)
	if err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, invalidInput("empty patch")
	}
	if hit := patch.Touches(ops, protectedFilePaths); hit != "" {
		return nil, invalidInput("patch touches protected member %q", hit)
	}
	updated, err := s.applyFilePatch(ctx, f, ops, user)
	if err != nil {
		return nil, err
	}
	return view(updated, role), nil
}

func (s *Files) applyFilePatch(ctx context.Context, f *File, ops []patch.Operation, user *User) (*File, error) {
	doc, err := patch.ToMap(stored(f))
	if err != nil {
		return nil, fmt.Errorf("preparing file %s: %w", f.Key, err)
	}
	next, err := patch.Apply(doc, ops)
	if err != nil {
		return nil, err
	}
	var updated File
	after, err := decodePatched(next, &updated)
	if err != nil {
		return nil, err
	}
	if updated.Info.Name == "" {
		return nil, invalidInput("file name is required")
	}
	// The inverse walks the stored form back, so members dropped as empty
	// on the way in are restored with their previous value.
	inverse := patch.Compute(after, doc)
	updated.Permissions = f.Permissions
	updated.LastModified = s.modification(user)

	if err := s.put(ctx, &updated); err != nil {
		return nil, fmt.Errorf("patching file: %w", err)
	}
	if _, err := s.revisions.Add(ctx, string(updated.Kind), updated.Key, inverse, user, AltMeta); err != nil {
		return nil, err
	}
	s.logger.Debug("file patched", "key", updated.Key, "ops", len(ops), "user", user.Key)

	s.notifyAudience(ctx, OpPatch, &updated, RouteFiles, RouteFile(updated.Key))
	return &updated, nil
}

// Delete soft-deletes a file. Descendants become invisible through the bin
// tombstone on their ancestor chain. Clients watching the file are told and
// then disconnected.
func (s *Files) Delete(ctx context.Context, key string, user *User) error {
	f, _, err := s.CheckAccess(ctx, RoleOwner, key, user)
	if err != nil {
		return err
	}
	audience, err := s.userIDs(ctx, f)
	if err != nil {
		return err
	}

	mod := s.modification(user)
	f.Deleted = true
	f.DeletedInfo = &mod
	if err := s.put(ctx, f); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	if _, err := s.bin.Add(ctx, BinFile, f.Chain(), user); err != nil {
		return err
	}
	if err := s.shared.RemoveAll(ctx, f); err != nil {
		s.logger.Warn("removing shared links failed", "key", key, "error", err)
	}
	s.logger.Info("file deleted", "key", key, "user", user.Key)

	ev := NewEvent(OpDeleted, string(f.Kind), f.Key)
	ev.Parent = f.Parent()
	s.notifier.Notify(ctx, ev, Filter{URL: RouteFiles, Users: audience})
	s.notifier.Notify(ctx, ev, Filter{URL: RouteFile(key), Users: audience})
	s.notifier.CloseByURL(ctx, RouteFileMedia(key))
	s.notifier.CloseByURL(ctx, RouteFile(key))
	return nil
}

// ListRevisions pages through the revisions of a file's metadata or media.
func (s *Files) ListRevisions(ctx context.Context, key, alt string, user *User, opts cursor.Options) (*cursor.Page[Revision], error) {
	if alt != AltMeta && alt != AltMedia {
		return nil, invalidInput("unknown revision alt %q", alt)
	}
	if _, _, err := s.CheckAccess(ctx, RoleWriter, key, user); err != nil {
		return nil, err
	}
	return s.revisions.List(ctx, alt, key, opts)
}

// Restore returns a file's metadata or media to the state it had before the
// given revision. The restore is itself recorded as a new revision.
func (s *Files) Restore(ctx context.Context, key, revisionID string, user *User) (*File, error) {
	target, err := s.revisions.Read(ctx, revisionID)
	if err != nil {
		return nil, err
	}
	if target.Key != key {
		return nil, notFound("revision", revisionID)
	}
	f, role, err := s.CheckAccess(ctx, RoleWriter, key, user)
	if err != nil {
		return nil, err
	}
	revs, err := s.revisions.Since(ctx, target.Alt, key, revisionID)
	if err != nil {
		return nil, err
	}
	var ops []patch.Operation
	for _, rev := range revs {
		ops = append(ops, rev.Patch...)
	}
	if len(ops) == 0 {
		return view(f, role), nil
	}

	switch target.Alt {
	case AltMeta:
		updated, err := s.applyFilePatch(ctx, f, ops, user)
		if err != nil {
			return nil, fmt.Errorf("restoring revision: %w", err)
		}
		return view(updated, role), nil
	case AltMedia:
		if _, err := s.applyMediaPatch(ctx, f, ops, user); err != nil {
			return nil, fmt.Errorf("restoring revision: %w", err)
		}
		return view(f, role), nil
	default:
		return nil, invalidInput("revision %s is not a file revision", revisionID)
	}
}

// notifyAudience sends every user with access to f an event carrying f with
// that user's own capabilities.
func (s *Files) notifyAudience(ctx context.Context, op EventOperation, f *File, urls ...string) {
	ids, err := s.userIDs(ctx, f)
	if err != nil {
		s.logger.Warn("resolving file audience failed", "key", f.Key, "error", err)
		return
	}
	for _, uid := range ids {
		role, err := s.resolveRole(ctx, f, s.recipient(ctx, uid))
		if err != nil {
			s.logger.Warn("resolving recipient role failed", "key", f.Key, "user", uid, "error", err)
			continue
		}
		if role == RoleNone {
			continue
		}
		ev := NewEvent(op, string(f.Kind), f.Key)
		ev.Parent = f.Parent()
		ev.Data = view(f, role)
		for _, u := range urls {
			s.notifier.Notify(ctx, ev, Filter{URL: u, Users: []string{uid}})
		}
	}
}

// recipient returns the stored user for uid so group grants resolve, or a
// bare user when none is stored.
func (s *Files) recipient(ctx context.Context, uid string) *User {
	u, err := s.users.Read(ctx, uid)
	if err != nil {
		return &User{Key: uid}
	}
	return u
}
