package arc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"arcstore/internal/codec"
	"arcstore/internal/cursor"
	"arcstore/internal/keyspace"
	"arcstore/internal/patch"
)

// Namespace names.
const (
	NSFiles          = "files"
	NSFileTree       = "file-tree"
	NSMedia          = "media"
	NSPermissions    = "permissions"
	NSShared         = "shared"
	NSBin            = "bin"
	NSRevisions      = "revisions"
	NSUsers          = "users"
	NSHistoryData    = "history-data"
	NSHistoryUser    = "history-by-user"
	NSHistorySpace   = "history-by-space"
	NSHistoryProject = "history-by-project"
	NSHistoryApp     = "history-by-app"
	NSAppData        = "app-data"
)

// Namespaces lists every namespace the store opens.
var Namespaces = []string{
	NSFiles, NSFileTree, NSMedia, NSPermissions, NSShared, NSBin, NSRevisions,
	NSUsers, NSHistoryData, NSHistoryUser, NSHistorySpace, NSHistoryProject,
	NSHistoryApp, NSAppData,
}

func getRecord(ctx context.Context, ns Namespace, key string, out any) error {
	data, err := ns.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := codec.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding %s record %s: %w", ns.Name(), key, err)
	}
	return nil
}

func putRecord(ctx context.Context, ns Namespace, key string, v any) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding %s record %s: %w", ns.Name(), key, err)
	}
	if err := ns.Put(ctx, key, data); err != nil {
		return fmt.Errorf("writing %s record %s: %w", ns.Name(), key, err)
	}
	return nil
}

func putOp(key string, v any) (BatchOp, error) {
	data, err := codec.Marshal(v)
	if err != nil {
		return BatchOp{}, fmt.Errorf("encoding record %s: %w", key, err)
	}
	return PutOp(key, data), nil
}

func hasKey(ctx context.Context, ns Namespace, key string) (bool, error) {
	_, err := ns.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// decodePatched decodes the patched document next into out and returns out
// normalized, the way it reads back after storage. A patch that sets
// members out cannot hold is rejected.
func decodePatched(next any, out any) (map[string]any, error) {
	if err := patch.FromMap(next, out); err != nil {
		return nil, invalidInput("patched document is malformed: %v", err)
	}
	got, err := patch.ToMap(out)
	if err != nil {
		return nil, fmt.Errorf("normalizing patched document: %w", err)
	}
	if path := patch.Dropped(next, got); path != "" {
		return nil, invalidInput("patched member %q cannot be stored", path)
	}
	return got, nil
}

func makeKey(segments ...string) (string, error) {
	k, err := keyspace.New(segments...)
	if err != nil {
		return "", invalidInput("%v", err)
	}
	return k.String(), nil
}

func makePrefix(segments ...string) (string, error) {
	p, err := keyspace.Prefix(segments...)
	if err != nil {
		return "", invalidInput("%v", err)
	}
	return p, nil
}

// visitFunc inspects one scanned entry and reports whether it was accepted
// into the page.
type visitFunc func(key string, value []byte) (bool, error)

// scan walks bounds, resuming after state.LastKey, until limit entries
// are accepted or the range is exhausted. It returns the last key it read,
// which may belong to a rejected entry.
func scan(ctx context.Context, ns Namespace, bounds keyspace.Bounds, reverse bool, state cursor.ListState, limit int, visit visitFunc) (string, error) {
	r := Range{Gte: bounds.Gte, Lte: bounds.Lte, Reverse: reverse}
	if state.LastKey != "" {
		if reverse {
			r.Lt = state.LastKey
		} else {
			r.Gt = state.LastKey
		}
	}

	it, err := ns.Iterate(ctx, r)
	if err != nil {
		return "", fmt.Errorf("iterating %s: %w", ns.Name(), err)
	}
	defer it.Close()

	lastRead := ""
	accepted := 0
	for accepted < limit && it.Next(ctx) {
		lastRead = it.Key()
		ok, err := visit(it.Key(), it.Value())
		if err != nil {
			return lastRead, err
		}
		if ok {
			accepted++
		}
	}
	if err := it.Err(); err != nil {
		return lastRead, fmt.Errorf("iterating %s: %w", ns.Name(), err)
	}
	return lastRead, nil
}

// nextCursor encodes the continuation for a page. A page that read nothing
// keeps the previous position so the cursor stays exhausted.
func nextCursor(state cursor.ListState, lastRead string) (string, error) {
	if lastRead == "" && state.LastKey == "" {
		return "", nil
	}
	return cursor.Encode(state, lastRead)
}

// matchesQuery reports whether any selected string member of data contains
// query, ignoring case. With no fields selected every top-level string is
// searched.
func matchesQuery(data map[string]any, query string, fields []string) bool {
	if query == "" {
		return true
	}
	q := strings.ToLower(query)
	if len(fields) == 0 {
		for _, v := range data {
			if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), q) {
				return true
			}
		}
		return false
	}
	for _, f := range fields {
		if s, ok := lookupField(data, f).(string); ok && strings.Contains(strings.ToLower(s), q) {
			return true
		}
	}
	return false
}

// lookupField resolves a dot separated path inside data.
func lookupField(data map[string]any, path string) any {
	var cur any = data
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[part]
	}
	return cur
}

func openNamespaces(ctx context.Context, kv KV, names ...string) (map[string]Namespace, error) {
	out := make(map[string]Namespace, len(names))
	for _, name := range names {
		ns, err := kv.Namespace(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("opening namespace %s: %w", name, err)
		}
		out[name] = ns
	}
	return out, nil
}

func timeFromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
