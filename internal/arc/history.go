package arc

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
)

// History list types.
const (
	HistoryUser    = "user"
	HistorySpace   = "space"
	HistoryProject = "project"
	HistoryApp     = "app"
)

const historyKind = "history"

// History stores logged HTTP requests. Each record lives once in the data
// namespace and is indexed by user, space, project and app; index keys end
// in a timestamp so reverse scans list the newest first.
type History struct {
	data      Namespace
	byUser    Namespace
	bySpace   Namespace
	byProject Namespace
	byApp     Namespace

	files    *Files
	notifier Notifier
	logger   Logger
	clock    Clock
	idGen    IDGenerator
}

// indexKeys returns the index entries of r per namespace.
func (s *History) indexKeys(r *HistoryRecord) (map[Namespace]string, error) {
	ts := keyspace.Timestamp(timeFromMillis(r.Created))
	out := make(map[Namespace]string, 4)
	k, err := makeKey(r.User, ts, r.Key)
	if err != nil {
		return nil, err
	}
	out[s.byUser] = k
	if k, err = makeKey(r.App, r.User, ts, r.Key); err != nil {
		return nil, err
	}
	out[s.byApp] = k
	if r.Space != "" {
		if k, err = makeKey(r.Space, ts, r.Key); err != nil {
			return nil, err
		}
		out[s.bySpace] = k
	}
	if r.Project != "" {
		if k, err = makeKey(r.Project, ts, r.Key); err != nil {
			return nil, err
		}
		out[s.byProject] = k
	}
	return out, nil
}

func (s *History) authorize(ctx context.Context, r *HistoryRecord, user *User, checked map[string]bool) error {
	for _, key := range []string{r.Space, r.Project} {
		if key == "" || checked[key] {
			continue
		}
		if _, _, err := s.files.CheckAccess(ctx, RoleReader, key, user); err != nil {
			return err
		}
		checked[key] = true
	}
	return nil
}

func (s *History) prepare(in HistoryRecord, user *User, now int64) (*HistoryRecord, error) {
	if err := keyspace.ValidateSegment(in.App); err != nil {
		return nil, invalidInput("history app: %v", err)
	}
	r := in
	r.Key = s.idGen.New()
	r.User = user.Key
	r.Created = now
	if r.Data == nil {
		r.Data = map[string]any{}
	}
	return &r, nil
}

// Add stores one history record for user. Linking it to a space or project
// requires reader access there.
func (s *History) Add(ctx context.Context, in HistoryRecord, user *User) (*HistoryRecord, error) {
	out, err := s.AddMany(ctx, []HistoryRecord{in}, user)
	if err != nil {
		return nil, err
	}
	return &out[0], nil
}

// AddMany stores records in one batch per namespace. Every record is
// validated and authorized before anything is written.
func (s *History) AddMany(ctx context.Context, in []HistoryRecord, user *User) ([]HistoryRecord, error) {
	if len(in) == 0 {
		return nil, invalidInput("no history records")
	}
	now := s.clock.Now().UnixMilli()
	checked := map[string]bool{}
	records := make([]HistoryRecord, 0, len(in))
	writes := map[Namespace][]BatchOp{}
	for _, item := range in {
		r, err := s.prepare(item, user, now)
		if err != nil {
			return nil, err
		}
		if err := s.authorize(ctx, r, user, checked); err != nil {
			return nil, err
		}
		dk, err := makeKey(r.Key)
		if err != nil {
			return nil, err
		}
		op, err := putOp(dk, r)
		if err != nil {
			return nil, err
		}
		writes[s.data] = append(writes[s.data], op)

		idx, err := s.indexKeys(r)
		if err != nil {
			return nil, err
		}
		for ns, k := range idx {
			writes[ns] = append(writes[ns], PutOp(k, []byte(r.Key)))
		}
		records = append(records, *r)
	}

	// The data namespace goes first so no index entry is written before its
	// record.
	if err := s.data.Batch(ctx, writes[s.data]); err != nil {
		return nil, fmt.Errorf("writing history: %w", err)
	}
	for _, ns := range []Namespace{s.byUser, s.bySpace, s.byProject, s.byApp} {
		if len(writes[ns]) == 0 {
			continue
		}
		if err := ns.Batch(ctx, writes[ns]); err != nil {
			return nil, fmt.Errorf("writing history index %s: %w", ns.Name(), err)
		}
	}
	s.logger.Debug("history added", "count", len(records), "user", user.Key)

	for i := range records {
		ev := NewEvent(OpCreated, historyKind, records[i].Key)
		ev.Data = records[i]
		s.notifier.Notify(ctx, ev, Filter{URL: RouteHistory, Users: []string{user.Key}})
	}
	return records, nil
}

func (s *History) get(ctx context.Context, key string) (*HistoryRecord, error) {
	k, err := makeKey(key)
	if err != nil {
		return nil, err
	}
	var r HistoryRecord
	if err := getRecord(ctx, s.data, k, &r); err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, notFound("history", key)
		}
		return nil, fmt.Errorf("reading history: %w", err)
	}
	return &r, nil
}

func (s *History) canRead(ctx context.Context, r *HistoryRecord, user *User) (bool, error) {
	if r.User == user.Key {
		return true, nil
	}
	for _, key := range []string{r.Space, r.Project} {
		if key == "" {
			continue
		}
		_, _, err := s.files.CheckAccess(ctx, RoleReader, key, user)
		if err == nil {
			return true, nil
		}
		if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrForbidden) {
			return false, err
		}
	}
	return false, nil
}

// Read returns one record. Records are visible to their author and to
// readers of the space or project they belong to.
func (s *History) Read(ctx context.Context, key string, user *User) (*HistoryRecord, error) {
	r, err := s.get(ctx, key)
	if err != nil {
		return nil, err
	}
	ok, err := s.canRead(ctx, r, user)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, notFound("history", key)
	}
	return r, nil
}

// List pages through history newest first. Type selects the index: the
// caller's own records, a space, a project, or an app (ID names the space,
// project or app).
func (s *History) List(ctx context.Context, user *User, opts cursor.Options) (*cursor.Page[HistoryRecord], error) {
	state, err := cursor.Resolve(opts)
	if err != nil {
		return nil, err
	}
	if state.Type == "" {
		state.Type = HistoryUser
	}

	var ns Namespace
	var p string
	switch state.Type {
	case HistoryUser:
		ns = s.byUser
		p, err = makePrefix(user.Key)
	case HistorySpace, HistoryProject:
		if state.ID == "" {
			return nil, invalidInput("%s history requires an id", state.Type)
		}
		if _, _, err := s.files.CheckAccess(ctx, RoleReader, state.ID, user); err != nil {
			return nil, err
		}
		ns = s.bySpace
		if state.Type == HistoryProject {
			ns = s.byProject
		}
		p, err = makePrefix(state.ID)
	case HistoryApp:
		if state.ID == "" {
			return nil, invalidInput("app history requires an id")
		}
		ns = s.byApp
		p, err = makePrefix(state.ID, user.Key)
	default:
		return nil, invalidInput("unknown history type %q", state.Type)
	}
	if err != nil {
		return nil, err
	}

	page := &cursor.Page[HistoryRecord]{Items: []HistoryRecord{}}
	lastRead, err := scan(ctx, ns, keyspace.Range(p), true, state, state.Limit, func(k string, value []byte) (bool, error) {
		r, err := s.get(ctx, string(value))
		if errors.Is(err, ErrNotFound) {
			s.logger.Warn("dangling history index entry", "index", ns.Name(), "entry", k)
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if state.Since != 0 && r.Created < state.Since {
			return false, nil
		}
		if state.Until != 0 && r.Created > state.Until {
			return false, nil
		}
		if !matchesQuery(r.Data, state.Query, state.QueryField) {
			return false, nil
		}
		page.Items = append(page.Items, *r)
		return true, nil
	})
	if err != nil {
		return nil, fmt.Errorf("listing history: %w", err)
	}
	if page.Cursor, err = nextCursor(state, lastRead); err != nil {
		return nil, err
	}
	return page, nil
}

// Delete removes the caller's own records and their index entries.
func (s *History) Delete(ctx context.Context, keys []string, user *User) error {
	writes := map[Namespace][]BatchOp{}
	for _, key := range slices.Compact(slices.Sorted(slices.Values(keys))) {
		r, err := s.get(ctx, key)
		if err != nil {
			return err
		}
		if r.User != user.Key {
			return notFound("history", key)
		}
		idx, err := s.indexKeys(r)
		if err != nil {
			return err
		}
		for ns, k := range idx {
			writes[ns] = append(writes[ns], DeleteOp(k))
		}
		dk, err := makeKey(r.Key)
		if err != nil {
			return err
		}
		writes[s.data] = append(writes[s.data], DeleteOp(dk))
	}

	for _, ns := range []Namespace{s.byUser, s.bySpace, s.byProject, s.byApp, s.data} {
		if len(writes[ns]) == 0 {
			continue
		}
		if err := ns.Batch(ctx, writes[ns]); err != nil {
			return fmt.Errorf("deleting history from %s: %w", ns.Name(), err)
		}
	}
	s.logger.Debug("history deleted", "count", len(writes[s.data]), "user", user.Key)
	return nil
}
