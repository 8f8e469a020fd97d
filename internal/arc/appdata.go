package arc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
	"arcstore/internal/patch"
)

var protectedAppPaths = []string{
	"key", "kind", "app", "user", "created", "lastModified", "deleted", "deletedInfo",
}

// AppData stores per-user records for client applications, grouped into
// app-defined collections. Items are keyed ~{app}~{user}~{kind}~{key}~ and
// only ever visible to the user who owns them.
type AppData struct {
	ns        Namespace
	bin       *Bin
	revisions *Revisions

	notifier Notifier
	logger   Logger
	clock    Clock
	idGen    IDGenerator
}

func appChain(app, user, kind, key string) []string {
	return []string{app, user, kind, key}
}

// appRevisionKey identifies an item in the revision log.
func appRevisionKey(app, user, kind, key string) string {
	return strings.Join(appChain(app, user, kind, key), ":")
}

func (s *AppData) get(ctx context.Context, app, kind, key string, user *User) (*AppItem, error) {
	k, err := makeKey(appChain(app, user.Key, kind, key)...)
	if err != nil {
		return nil, err
	}
	var item AppItem
	if err := getRecord(ctx, s.ns, k, &item); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("app item", key)
		}
		return nil, fmt.Errorf("reading app item: %w", err)
	}
	return &item, nil
}

func (s *AppData) live(ctx context.Context, item *AppItem) (bool, error) {
	if item.Deleted {
		return false, nil
	}
	deleted, err := s.bin.IsDeleted(ctx, BinApp, appChain(item.App, item.User, item.Kind, item.Key))
	return !deleted, err
}

func (s *AppData) prepare(app, kind string, in AppItem, user *User) (*AppItem, string, error) {
	key := in.Key
	if key == "" {
		key = s.idGen.New()
	}
	k, err := makeKey(appChain(app, user.Key, kind, key)...)
	if err != nil {
		return nil, "", err
	}
	now := s.clock.Now().UnixMilli()
	item := &AppItem{
		Key:          key,
		Kind:         kind,
		App:          app,
		User:         user.Key,
		Created:      now,
		LastModified: Modification{User: user.Key, Name: user.Name, Time: now},
		Data:         in.Data,
	}
	return item, k, nil
}

// Create stores a new item. An empty key is generated.
func (s *AppData) Create(ctx context.Context, app, kind string, in AppItem, user *User) (*AppItem, error) {
	out, err := s.CreateMany(ctx, app, kind, []AppItem{in}, user)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// CreateMany stores several items in one batch. Any existing key fails the
// whole batch.
func (s *AppData) CreateMany(ctx context.Context, app, kind string, in []AppItem, user *User) ([]AppItem, error) {
	if len(in) == 0 {
		return nil, invalidInput("no items")
	}
	items := make([]AppItem, 0, len(in))
	ops := make([]BatchOp, 0, len(in))
	seen := map[string]bool{}
	for _, v := range in {
		item, k, err := s.prepare(app, kind, v, user)
		if err != nil {
			return nil, err
		}
		exists, err := hasKey(ctx, s.ns, k)
		if err != nil {
			return nil, fmt.Errorf("checking app item: %w", err)
		}
		if exists || seen[k] {
			return nil, fmt.Errorf("%w: app item %s already exists", ErrConflict, item.Key)
		}
		seen[k] = true
		op, err := putOp(k, item)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
		items = append(items, *item)
	}
	if err := s.ns.Batch(ctx, ops); err != nil {
		return nil, fmt.Errorf("creating app items: %w", err)
	}
	s.logger.Debug("app items created", "app", app, "kind", kind, "count", len(items))

	for i := range items {
		ev := NewEvent(OpCreated, kind, items[i].Key)
		ev.Data = items[i]
		s.notifier.Notify(ctx, ev, Filter{URL: RouteAppItems(app, kind), Users: []string{user.Key}})
	}
	return items, nil
}

// Read returns one live item.
func (s *AppData) Read(ctx context.Context, app, kind, key string, user *User) (*AppItem, error) {
	item, err := s.get(ctx, app, kind, key, user)
	if err != nil {
		return nil, err
	}
	ok, err := s.live(ctx, item)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("app item", key)
	}
	return item, nil
}

// List pages through the caller's live items of one collection.
func (s *AppData) List(ctx context.Context, app, kind string, user *User, opts cursor.Options) (*cursor.Page[AppItem], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}
	p, err := makePrefix(app, user.Key, kind)
	if err != nil {
		return nil, err
	}

	page := &cursor.Page[AppItem]{Items: []AppItem{}}
	lastRead, err := scan(ctx, s.ns, keyspace.Range(p), false, state, state.Limit, func(k string, value []byte) (bool, error) {
		var item AppItem
		if err := codec.Unmarshal(value, &item); err != nil {
			return false, fmt.Errorf("decoding app item %s: %w", k, err)
		}
		if !state.IncludeDeleted {
			ok, err := s.live(ctx, &item)
			if err != nil || !ok {
				return false, err
			}
		}
		if !matchesQuery(item.Data, state.Query, state.QueryField) {
			return false, nil
		}
		page.Items = append(page.Items, item)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing app items: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}

// Patch applies a JSON Patch to an item and records the inverse.
func (s *AppData) Patch(ctx context.Context, app, kind, key string, ops []patch.Operation, user *User) (*AppItem, error) {
	if len(ops) == 0 {
		return nil, invalidInput("empty patch")
	}
	if hit := patch.Touches(ops, protectedAppPaths); hit != "" {
		return nil, invalidInput("patch touches protected member %q", hit)
	}
	item, err := s.Read(ctx, app, kind, key, user)
	if err != nil {
		return nil, err
	}
	doc, err := patch.ToMap(item)
	if err != nil {
		return nil, fmt.Errorf("preparing app item %s: %w", key, err)
	}
	next, err := patch.Apply(doc, ops)
	if err != nil {
		return nil, err
	}
	var updated AppItem
	after, err := decodePatched(next, &updated)
	if err != nil {
		return nil, err
	}
	inverse := patch.Compute(after, doc)
	updated.LastModified = Modification{User: user.Key, Name: user.Name, Time: s.clock.Now().UnixMilli()}

	k, err := makeKey(appChain(app, user.Key, kind, key)...)
	if err != nil {
		return nil, err
	}
	if err := putRecord(ctx, s.ns, k, &updated); err != nil {
		return nil, fmt.Errorf("patching app item: %w", err)
	}
	if _, err := s.revisions.Add(ctx, kind, appRevisionKey(app, user.Key, kind, key), inverse, user, AltApp); err != nil {
		return nil, err
	}

	ev := NewEvent(OpPatch, kind, key)
	ev.Data = ops
	s.notifier.Notify(ctx, ev, Filter{URL: RouteAppItems(app, kind), Users: []string{user.Key}})
	return &updated, nil
}

// ListRevisions pages through the revisions of one of the caller's items.
func (s *AppData) ListRevisions(ctx context.Context, app, kind, key string, user *User, opts cursor.Options) (*cursor.Page[Revision], error) {
	if _, err := s.Read(ctx, app, kind, key, user); err != nil {
		return nil, err
	}
	return s.revisions.List(ctx, AltApp, appRevisionKey(app, user.Key, kind, key), opts)
}

// Delete soft-deletes items and tombstones them in the bin.
func (s *AppData) Delete(ctx context.Context, app, kind string, keys []string, user *User) error {
	now := s.clock.Now().UnixMilli()
	ops := make([]BatchOp, 0, len(keys))
	items := make([]*AppItem, 0, len(keys))
	for _, key := range keys {
		item, err := s.Read(ctx, app, kind, key, user)
		if err != nil {
			return err
		}
		item.Deleted = true
		item.DeletedInfo = &Modification{User: user.Key, Name: user.Name, Time: now}
		k, err := makeKey(appChain(app, user.Key, kind, key)...)
		if err != nil {
			return err
		}
		op, err := putOp(k, item)
		if err != nil {
			return err
		}
		ops = append(ops, op)
		items = append(items, item)
	}
	if len(ops) == 0 {
		return nil
	}
	if err := s.ns.Batch(ctx, ops); err != nil {
		return fmt.Errorf("deleting app items: %w", err)
	}
	for _, item := range items {
		if _, err := s.bin.Add(ctx, BinApp, appChain(app, user.Key, kind, item.Key), user); err != nil {
			return err
		}
		if err := s.revisions.DeleteAll(ctx, AltApp, appRevisionKey(app, user.Key, kind, item.Key)); err != nil {
			s.logger.Warn("deleting app item revisions failed", "key", item.Key, "error", err)
		}
		s.notifier.Notify(ctx, NewEvent(OpDeleted, kind, item.Key), Filter{URL: RouteAppItems(app, kind), Users: []string{user.Key}})
	}
	s.logger.Debug("app items deleted", "app", app, "kind", kind, "count", len(items))
	return nil
}
