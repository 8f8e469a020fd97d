package arc

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
)

// Shared is the reverse index of files shared with a user, keyed
// ~{kind}~{user}~{file}~. It is maintained alongside permission changes and
// may point at files that no longer exist; those entries are skipped.
type Shared struct {
	ns     Namespace
	files  *Files
	logger Logger
}

func sharedKey(kind Kind, uid, target string) (string, error) {
	return makeKey(string(kind), uid, target)
}

// Add records that f is shared with uid.
func (s *Shared) Add(ctx context.Context, f *File, uid string) error {
	k, err := sharedKey(f.Kind, uid, f.Key)
	if err != nil {
		return err
	}
	link := SharedLink{ID: f.Key, Kind: f.Kind, UID: uid, Parent: f.Parent()}
	if err := putRecord(ctx, s.ns, k, link); err != nil {
		return fmt.Errorf("adding shared link: %w", err)
	}
	return nil
}

// Remove drops the link between f and uid.
func (s *Shared) Remove(ctx context.Context, f *File, uid string) error {
	k, err := sharedKey(f.Kind, uid, f.Key)
	if err != nil {
		return err
	}
	if err := s.ns.Delete(ctx, k); err != nil {
		return fmt.Errorf("removing shared link: %w", err)
	}
	return nil
}

// RemoveAll drops the links of every user f is shared with directly.
func (s *Shared) RemoveAll(ctx context.Context, f *File) error {
	var ops []BatchOp
	for _, p := range f.Permissions {
		if p.Type != PermissionUser || p.Owner == "" {
			continue
		}
		k, err := sharedKey(f.Kind, p.Owner, f.Key)
		if err != nil {
			return err
		}
		ops = append(ops, DeleteOp(k))
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.ns.Batch(ctx, ops); err != nil {
		return fmt.Errorf("removing shared links: %w", err)
	}
	return nil
}

// Has reports whether the file target of kind is shared with uid.
func (s *Shared) Has(ctx context.Context, kind Kind, uid, target string) (bool, error) {
	k, err := sharedKey(kind, uid, target)
	if err != nil {
		return false, err
	}
	return hasKey(ctx, s.ns, k)
}

// List pages through the live files shared with user. Kinds narrows the
// file kinds and Parent keeps only files directly under that parent.
func (s *Shared) List(ctx context.Context, user *User, opts cursor.Options) (*cursor.Page[File], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}

	kinds := slices.Clone(state.Kinds)
	if len(kinds) == 0 {
		for _, k := range FileKinds {
			kinds = append(kinds, string(k))
		}
	}
	for _, k := range kinds {
		if !Kind(k).Valid() {
			return nil, invalidInput("unknown file kind %q", k)
		}
	}
	slices.Sort(kinds)
	kinds = slices.Compact(kinds)

	page := &cursor.Page[File]{Items: []File{}}
	lastRead := ""
	remaining := state.Limit
	for _, kind := range kinds {
		if remaining == 0 {
			break
		}
		p, err := makePrefix(kind, user.Key)
		if err != nil {
			return nil, err
		}
		bounds := keyspace.Range(p)
		if state.LastKey != "" && state.LastKey >= bounds.Lte {
			continue
		}
		read, err := scan(ctx, s.ns, bounds, false, state, remaining, func(k string, value []byte) (bool, error) {
			var link SharedLink
			if err := codec.Unmarshal(value, &link); err != nil {
				return false, fmt.Errorf("decoding shared link %s: %w", k, err)
			}
			if state.Parent != "" && link.Parent != state.Parent {
				return false, nil
			}
			f, err := s.files.get(ctx, link.ID)
			if errors.Is(err, ErrNotFound) {
				s.logger.Warn("dangling shared entry", "entry", k)
				return false, nil
			}
			if err != nil {
				return false, err
			}
			role, err := s.files.visibleRole(ctx, f, user, false)
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
			remaining--
			return true, nil
		})
		if err != nil {
			return nil, fmt.Errorf("listing shared files: %w", err)
		}
		if read != "" {
			lastRead = read
		}
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}
